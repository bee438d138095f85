// Package ui keeps the host chrome state scripts can touch: opened tabs and
// per-window menu commands.
package ui

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/webmonkey/internal/engine/capability"
)

var (
	// ErrUnknownWindow is returned for window handles that were never opened.
	ErrUnknownWindow = errors.New("unknown window")
	// ErrNoSuchCommand is returned when a menu index is out of range.
	ErrNoSuchCommand = errors.New("no such menu command")
)

// Tab is a tab opened by a script.
type Tab struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// MenuItem is the serialisable view of a registered command.
type MenuItem struct {
	Index     int    `json:"index"`
	Label     string `json:"label"`
	AccessKey string `json:"access_key,omitempty"`
	Script    string `json:"script"`
}

// Chrome implements capability.UI.
type Chrome struct {
	logger *zap.Logger

	mu    sync.Mutex
	tabs  []Tab
	menus map[capability.WindowHandle][]capability.MenuCommand
}

// New creates an empty chrome.
func New(logger *zap.Logger) *Chrome {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Chrome{
		logger: logger,
		menus:  make(map[capability.WindowHandle][]capability.MenuCommand),
	}
}

// NewWindow opens a window and returns its handle.
func (c *Chrome) NewWindow() capability.WindowHandle {
	handle := capability.WindowHandle(uuid.NewString())

	c.mu.Lock()
	c.menus[handle] = nil
	c.mu.Unlock()
	return handle
}

// CloseWindow drops a window and its menu commands.
func (c *Chrome) CloseWindow(window capability.WindowHandle) {
	c.mu.Lock()
	delete(c.menus, window)
	c.mu.Unlock()
}

// OpenInTab records a new tab for rawURL.
func (c *Chrome) OpenInTab(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil || u.Scheme == "" {
		return fmt.Errorf("open tab: invalid url %q", rawURL)
	}

	tab := Tab{ID: uuid.NewString(), URL: u.String()}
	c.mu.Lock()
	c.tabs = append(c.tabs, tab)
	c.mu.Unlock()

	c.logger.Info("tab opened", zap.String("tab", tab.ID), zap.String("url", tab.URL))
	return nil
}

// Tabs returns the opened tabs in order.
func (c *Chrome) Tabs() []Tab {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Tab(nil), c.tabs...)
}

// RegisterMenuCommand adds cmd to window's menu. Commands registered for a
// window that was never opened create it.
func (c *Chrome) RegisterMenuCommand(window capability.WindowHandle, cmd capability.MenuCommand) error {
	if cmd.Label == "" {
		return errors.New("register menu command: label required")
	}

	c.mu.Lock()
	c.menus[window] = append(c.menus[window], cmd)
	c.mu.Unlock()

	c.logger.Debug("menu command registered",
		zap.String("window", string(window)),
		zap.String("label", cmd.Label),
		zap.String("script", cmd.Script))
	return nil
}

// Menu lists window's commands.
func (c *Chrome) Menu(window capability.WindowHandle) ([]MenuItem, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cmds, ok := c.menus[window]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownWindow, window)
	}
	items := make([]MenuItem, len(cmds))
	for i, cmd := range cmds {
		items[i] = MenuItem{Index: i, Label: cmd.Label, AccessKey: cmd.AccessKey, Script: cmd.Script}
	}
	return items, nil
}

// Trigger invokes the command at index in window's menu under ctx.
func (c *Chrome) Trigger(ctx context.Context, window capability.WindowHandle, index int) error {
	c.mu.Lock()
	cmds, ok := c.menus[window]
	c.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownWindow, window)
	}
	if index < 0 || index >= len(cmds) {
		return fmt.Errorf("%w: %d", ErrNoSuchCommand, index)
	}

	cmd := cmds[index]
	c.logger.Info("menu command triggered", zap.String("label", cmd.Label), zap.String("script", cmd.Script))
	if cmd.Invoke == nil {
		return nil
	}
	return cmd.Invoke(ctx)
}
