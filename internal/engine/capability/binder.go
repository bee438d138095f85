// Package capability builds the GM_* API exposed to one user script. Every
// entry is a closure over a host collaborator and the script it was built
// for, so scripts never pass (or forge) their own identity.
package capability

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/GriffinCanCode/webmonkey/internal/userscript"
)

var (
	// ErrUnavailable is returned when the host did not supply a collaborator.
	ErrUnavailable = errors.New("capability unavailable")
	// ErrBadArgument is returned for missing or mistyped arguments.
	ErrBadArgument = errors.New("bad argument")
	// ErrUnsupportedValue is returned by setValue for non-scalar values.
	ErrUnsupportedValue = errors.New("unsupported value type")
)

// Callback is a script function handed to a capability. ctx bounds the
// script's run for the duration of the call.
type Callback func(ctx context.Context, args ...any) error

// Func is one capability. Arguments arrive already converted from the
// script's values; script functions arrive as Callback.
type Func func(args []any) (any, error)

// Set maps capability names to bound functions.
type Set map[string]Func

// Names returns the capability names in a stable order.
func (s Set) Names() []string {
	names := make([]string, 0, len(s))
	for name := range s {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Bind builds a fresh capability set for script.
func Bind(ctx context.Context, script *userscript.Script, c Collaborators) Set {
	b := &binder{ctx: ctx, script: script, c: c}

	set := Set{
		"log":                 b.log,
		"getValue":            b.getValue,
		"setValue":            b.setValue,
		"deleteValue":         b.deleteValue,
		"listValues":          b.listValues,
		"getResourceURL":      b.getResourceURL,
		"getResourceText":     b.getResourceText,
		"xmlhttpRequest":      b.xmlhttpRequest,
		"openInTab":           b.openInTab,
		"registerMenuCommand": b.registerMenuCommand,
		"addStyle":            b.addStyle,
	}

	if c.Observe != nil {
		for name, fn := range set {
			set[name] = observed(name, fn, c.Observe)
		}
	}
	return set
}

func observed(name string, fn Func, observe func(string, error)) Func {
	return func(args []any) (any, error) {
		v, err := fn(args)
		observe(name, err)
		return v, err
	}
}

// binder holds the context of whatever host event is currently running the
// script: the injection while the script body runs, a menu trigger while a
// menu callback runs.
type binder struct {
	ctx    context.Context
	script *userscript.Script
	c      Collaborators
}

// enter makes ctx current until the returned func is called.
func (b *binder) enter(ctx context.Context) func() {
	prev := b.ctx
	b.ctx = ctx
	return func() { b.ctx = prev }
}

func (b *binder) log(args []any) (any, error) {
	if b.c.Logger == nil {
		return nil, nil
	}
	parts := make([]string, len(args))
	for i, a := range args {
		parts[i] = fmt.Sprint(a)
	}
	b.c.Logger.Log(b.script, strings.Join(parts, " "))
	return nil, nil
}

func (b *binder) getValue(args []any) (any, error) {
	if b.c.Storage == nil {
		return nil, fmt.Errorf("getValue: %w", ErrUnavailable)
	}
	key, err := stringArg(args, 0, "key")
	if err != nil {
		return nil, fmt.Errorf("getValue: %w", err)
	}

	value, ok, err := b.c.Storage.GetValue(b.script, key)
	if err != nil {
		return nil, err
	}
	if !ok {
		if len(args) > 1 {
			return args[1], nil
		}
		return nil, nil
	}
	return value, nil
}

func (b *binder) setValue(args []any) (any, error) {
	if b.c.Storage == nil {
		return nil, fmt.Errorf("setValue: %w", ErrUnavailable)
	}
	key, err := stringArg(args, 0, "key")
	if err != nil {
		return nil, fmt.Errorf("setValue: %w", err)
	}
	if len(args) < 2 {
		return nil, fmt.Errorf("setValue: %w: value required", ErrBadArgument)
	}

	value := args[1]
	switch value.(type) {
	case string, bool, int, int64, float64:
	default:
		return nil, fmt.Errorf("setValue: %w: %T", ErrUnsupportedValue, value)
	}
	return nil, b.c.Storage.SetValue(b.script, key, value)
}

func (b *binder) deleteValue(args []any) (any, error) {
	if b.c.Storage == nil {
		return nil, fmt.Errorf("deleteValue: %w", ErrUnavailable)
	}
	key, err := stringArg(args, 0, "key")
	if err != nil {
		return nil, fmt.Errorf("deleteValue: %w", err)
	}
	return nil, b.c.Storage.DeleteValue(b.script, key)
}

func (b *binder) listValues(args []any) (any, error) {
	if b.c.Storage == nil {
		return nil, fmt.Errorf("listValues: %w", ErrUnavailable)
	}
	keys, err := b.c.Storage.ListValues(b.script)
	if err != nil {
		return nil, err
	}
	out := make([]any, len(keys))
	for i, k := range keys {
		out[i] = k
	}
	return out, nil
}

func (b *binder) getResourceURL(args []any) (any, error) {
	if b.c.Resources == nil {
		return nil, fmt.Errorf("getResourceURL: %w", ErrUnavailable)
	}
	name, err := stringArg(args, 0, "name")
	if err != nil {
		return nil, fmt.Errorf("getResourceURL: %w", err)
	}
	return b.c.Resources.ResourceURL(b.script, name)
}

func (b *binder) getResourceText(args []any) (any, error) {
	if b.c.Resources == nil {
		return nil, fmt.Errorf("getResourceText: %w", ErrUnavailable)
	}
	name, err := stringArg(args, 0, "name")
	if err != nil {
		return nil, fmt.Errorf("getResourceText: %w", err)
	}
	return b.c.Resources.ResourceText(b.script, name)
}

// xmlhttpRequest performs the request synchronously and then invokes the
// onload or onerror callback from details before returning.
func (b *binder) xmlhttpRequest(args []any) (any, error) {
	if b.c.Network == nil {
		return nil, fmt.Errorf("xmlhttpRequest: %w", ErrUnavailable)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("xmlhttpRequest: %w: details required", ErrBadArgument)
	}
	details, ok := args[0].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("xmlhttpRequest: %w: details must be an object", ErrBadArgument)
	}

	req := Request{
		Method:       strings.ToUpper(stringField(details, "method")),
		URL:          stringField(details, "url"),
		Data:         stringField(details, "data"),
		ResponseType: stringField(details, "responseType"),
		User:         stringField(details, "user"),
		Password:     stringField(details, "password"),
		Headers:      map[string]string{},
	}
	if req.Method == "" {
		req.Method = "GET"
	}
	if req.URL == "" {
		return nil, fmt.Errorf("xmlhttpRequest: %w: url required", ErrBadArgument)
	}
	if headers, ok := details["headers"].(map[string]any); ok {
		for k, v := range headers {
			req.Headers[k] = fmt.Sprint(v)
		}
	}

	resp, err := b.c.Network.Request(b.ctx, b.script, req)
	if err != nil {
		if onerror, ok := details["onerror"].(Callback); ok {
			return nil, onerror(b.ctx, map[string]any{
				"error":      err.Error(),
				"finalUrl":   req.URL,
				"readyState": 4,
				"status":     0,
			})
		}
		return nil, err
	}

	result := responseObject(resp)
	if cb, ok := details["onreadystatechange"].(Callback); ok {
		if err := cb(b.ctx, result); err != nil {
			return nil, err
		}
	}
	if onload, ok := details["onload"].(Callback); ok {
		if err := onload(b.ctx, result); err != nil {
			return nil, err
		}
	}
	return result, nil
}

func (b *binder) openInTab(args []any) (any, error) {
	if b.c.UI == nil {
		return nil, fmt.Errorf("openInTab: %w", ErrUnavailable)
	}
	url, err := stringArg(args, 0, "url")
	if err != nil {
		return nil, fmt.Errorf("openInTab: %w", err)
	}
	return nil, b.c.UI.OpenInTab(url)
}

func (b *binder) registerMenuCommand(args []any) (any, error) {
	if b.c.UI == nil {
		return nil, fmt.Errorf("registerMenuCommand: %w", ErrUnavailable)
	}
	label, err := stringArg(args, 0, "label")
	if err != nil {
		return nil, fmt.Errorf("registerMenuCommand: %w", err)
	}
	var cb Callback
	if len(args) > 1 {
		cb, _ = args[1].(Callback)
	}
	if cb == nil {
		return nil, fmt.Errorf("registerMenuCommand: %w: callback must be a function", ErrBadArgument)
	}

	cmd := MenuCommand{
		Label:  label,
		Script: b.script.ID,
		Invoke: func(ctx context.Context) error {
			defer b.enter(ctx)()
			return cb(ctx)
		},
	}
	if len(args) > 4 {
		cmd.AccessKey, _ = args[4].(string)
	}
	return nil, b.c.UI.RegisterMenuCommand(b.c.Window, cmd)
}

func (b *binder) addStyle(args []any) (any, error) {
	if b.c.Styler == nil {
		return nil, fmt.Errorf("addStyle: %w", ErrUnavailable)
	}
	css, err := stringArg(args, 0, "css")
	if err != nil {
		return nil, fmt.Errorf("addStyle: %w", err)
	}
	return nil, b.c.Styler.AddStyle(css)
}

func responseObject(resp *Response) map[string]any {
	return map[string]any{
		"status":          resp.Status,
		"statusText":      resp.StatusText,
		"responseText":    resp.ResponseText,
		"responseHeaders": resp.ResponseHeaders,
		"finalUrl":        resp.FinalURL,
		"readyState":      4,
	}
}

func stringArg(args []any, i int, name string) (string, error) {
	if len(args) <= i {
		return "", fmt.Errorf("%w: %s required", ErrBadArgument, name)
	}
	s, ok := args[i].(string)
	if !ok {
		return "", fmt.Errorf("%w: %s must be a string", ErrBadArgument, name)
	}
	return s, nil
}

func stringField(m map[string]any, key string) string {
	v, ok := m[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}
