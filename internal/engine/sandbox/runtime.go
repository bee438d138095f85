package sandbox

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dop251/goja"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/webmonkey/internal/engine/capability"
)

// Runtime wraps a goja VM with the host globals removed. It is not safe for
// concurrent use; callbacks registered by scripts re-enter the same VM.
type Runtime struct {
	vm     *goja.Runtime
	config Config
	logger *zap.Logger

	console   []LogEntry
	consoleMu sync.Mutex

	// depth counts guarded entries into the VM; only the outermost arms
	// the interrupt.
	depth int
}

// New creates a new sandboxed runtime
func New(config Config) (*Runtime, error) {
	vm := goja.New()

	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	r := &Runtime{
		vm:      vm,
		config:  config,
		logger:  logger,
		console: []LogEntry{},
	}

	if config.MaxCallStackSize > 0 {
		vm.SetMaxCallStackSize(config.MaxCallStackSize)
	}

	if err := r.setupGlobals(); err != nil {
		return nil, err
	}

	return r, nil
}

// Set defines a global.
func (r *Runtime) Set(name string, value any) error {
	return r.vm.Set(name, value)
}

// Defined reports whether name resolves to something other than undefined
// in the global scope.
func (r *Runtime) Defined(name string) bool {
	v := r.vm.Get(name)
	return v != nil && !goja.IsUndefined(v)
}

// Execute compiles source under name and runs it. The run is interrupted
// when ctx is done or the configured timeout elapses.
func (r *Runtime) Execute(ctx context.Context, name, source string) (goja.Value, error) {
	program, err := goja.Compile(name, source, false)
	if err != nil {
		return nil, err
	}

	var val goja.Value
	err = r.guard(ctx, func() error {
		var runErr error
		val, runErr = r.vm.RunProgram(program)
		return runErr
	})
	return val, err
}

// Call invokes a script function under the same limits as Execute. Calls
// made while the script is already running share the outer limits.
func (r *Runtime) Call(ctx context.Context, fn goja.Callable, args ...goja.Value) (goja.Value, error) {
	var val goja.Value
	err := r.guard(ctx, func() error {
		var callErr error
		val, callErr = fn(goja.Undefined(), args...)
		return callErr
	})
	return val, err
}

// guard runs fn with an interrupt armed for ctx and the configured timeout.
func (r *Runtime) guard(ctx context.Context, fn func() error) error {
	r.depth++
	defer func() { r.depth-- }()
	if r.depth > 1 {
		return fn()
	}

	var timeout <-chan time.Time
	if r.config.Timeout > 0 {
		timer := time.NewTimer(r.config.Timeout)
		defer timer.Stop()
		timeout = timer.C
	}

	done := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		select {
		case <-timeout:
			r.vm.Interrupt("execution timeout exceeded")
		case <-ctx.Done():
			r.vm.Interrupt("context cancelled")
		case <-done:
		}
	}()

	err := fn()
	close(done)
	<-stopped
	r.vm.ClearInterrupt()
	return err
}

// Console returns the console output captured so far.
func (r *Runtime) Console() []LogEntry {
	r.consoleMu.Lock()
	defer r.consoleMu.Unlock()
	return append([]LogEntry{}, r.console...)
}

// setupGlobals configures global objects and security
func (r *Runtime) setupGlobals() error {
	for _, name := range []string{"require", "process", "module", "exports"} {
		if err := r.vm.Set(name, goja.Undefined()); err != nil {
			return err
		}
	}

	if r.config.EnableConsole {
		console := r.vm.NewObject()
		for _, level := range []string{"log", "warn", "error", "info", "debug"} {
			if err := console.Set(level, r.makeConsoleFunc(level)); err != nil {
				return err
			}
		}
		if err := r.vm.Set("console", console); err != nil {
			return err
		}
	}

	// Timers never fire: a script runs to completion in one turn.
	noop := func(call goja.FunctionCall) goja.Value { return r.vm.ToValue(0) }
	for _, name := range []string{"setTimeout", "setInterval", "clearTimeout", "clearInterval"} {
		if err := r.vm.Set(name, noop); err != nil {
			return err
		}
	}

	return nil
}

// makeConsoleFunc creates a console function
func (r *Runtime) makeConsoleFunc(level string) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		parts := make([]string, len(call.Arguments))
		for i, arg := range call.Arguments {
			parts[i] = arg.String()
		}
		msg := strings.Join(parts, " ")

		r.consoleMu.Lock()
		r.console = append(r.console, LogEntry{
			Level:   level,
			Message: msg,
			Time:    time.Now(),
		})
		r.consoleMu.Unlock()

		r.logger.Debug("console", zap.String("level", level), zap.String("message", msg))
		return goja.Undefined()
	}
}

// exportCapabilities builds the object scripts see as GM.
func (r *Runtime) exportCapabilities(set capability.Set) (*goja.Object, error) {
	gm := r.vm.NewObject()
	for _, name := range set.Names() {
		if err := gm.Set(name, r.exportFunc(set[name])); err != nil {
			return nil, fmt.Errorf("failed to export %s: %w", name, err)
		}
	}
	return gm, nil
}

func (r *Runtime) exportFunc(fn capability.Func) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		args := make([]any, len(call.Arguments))
		for i, a := range call.Arguments {
			args[i] = r.fromJS(a)
		}
		v, err := fn(args)
		if err != nil {
			r.throw(err)
		}
		return r.toJS(v)
	}
}

// throw raises err in the script. Exceptions coming back out of script
// callbacks are rethrown unchanged.
func (r *Runtime) throw(err error) {
	var ex *goja.Exception
	if errors.As(err, &ex) {
		panic(ex)
	}
	panic(r.vm.NewGoError(err))
}

// fromJS converts a script value for a capability. Functions become
// capability.Callback; arrays and plain objects are converted element-wise.
func (r *Runtime) fromJS(v goja.Value) any {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil
	}
	if fn, ok := goja.AssertFunction(v); ok {
		return capability.Callback(func(ctx context.Context, args ...any) error {
			jsArgs := make([]goja.Value, len(args))
			for i, a := range args {
				jsArgs[i] = r.toJS(a)
			}
			_, err := r.Call(ctx, fn, jsArgs...)
			return err
		})
	}

	obj, ok := v.(*goja.Object)
	if !ok {
		return v.Export()
	}
	if obj.ClassName() == "Array" {
		n := int(obj.Get("length").ToInteger())
		out := make([]any, n)
		for i := 0; i < n; i++ {
			out[i] = r.fromJS(obj.Get(fmt.Sprint(i)))
		}
		return out
	}
	if obj.ClassName() != "Object" {
		return obj.Export()
	}
	out := make(map[string]any, len(obj.Keys()))
	for _, k := range obj.Keys() {
		out[k] = r.fromJS(obj.Get(k))
	}
	return out
}

func (r *Runtime) toJS(v any) goja.Value {
	switch v := v.(type) {
	case nil:
		return goja.Undefined()
	case goja.Value:
		return v
	case map[string]any:
		obj := r.vm.NewObject()
		for k, item := range v {
			_ = obj.Set(k, r.toJS(item))
		}
		return obj
	case []any:
		items := make([]any, len(v))
		for i, item := range v {
			items[i] = r.toJS(item)
		}
		return r.vm.NewArray(items...)
	default:
		return r.vm.ToValue(v)
	}
}

// exportValue converts goja value to Go value
func exportValue(val goja.Value) any {
	if val == nil || goja.IsUndefined(val) || goja.IsNull(val) {
		return nil
	}
	return val.Export()
}
