package capability

import (
	"context"
	"errors"

	"github.com/GriffinCanCode/webmonkey/internal/userscript"
)

// ErrNotFound is returned by collaborators for unknown resource names.
var ErrNotFound = errors.New("not found")

// Storage persists values on behalf of one script.
type Storage interface {
	GetValue(s *userscript.Script, key string) (any, bool, error)
	SetValue(s *userscript.Script, key string, value any) error
	DeleteValue(s *userscript.Script, key string) error
	ListValues(s *userscript.Script) ([]string, error)
}

// Resources resolves a script's @resource files.
type Resources interface {
	ResourceURL(s *userscript.Script, name string) (string, error)
	ResourceText(s *userscript.Script, name string) (string, error)
}

// Request describes an xmlhttpRequest. Fields pass through opaquely.
type Request struct {
	Method       string
	URL          string
	Headers      map[string]string
	Data         string
	ResponseType string
	User         string
	Password     string
}

// Response is the result of a Request.
type Response struct {
	Status          int
	StatusText      string
	ResponseText    string
	ResponseHeaders string
	FinalURL        string
}

// Network performs requests on behalf of a script.
type Network interface {
	Request(ctx context.Context, s *userscript.Script, req Request) (*Response, error)
}

// WindowHandle identifies the host window a script was injected into.
type WindowHandle string

// MenuCommand is a user-invocable command registered by a script. Invoke
// runs the script's callback under the trigger's ctx.
type MenuCommand struct {
	Label     string
	AccessKey string
	Script    string
	Invoke    func(ctx context.Context) error
}

// UI is the browser chrome.
type UI interface {
	OpenInTab(url string) error
	RegisterMenuCommand(window WindowHandle, cmd MenuCommand) error
}

// Logger receives GM_log output.
type Logger interface {
	Log(s *userscript.Script, message string)
}

// Styler applies GM_addStyle to the restricted document.
type Styler interface {
	AddStyle(css string) error
}

// Collaborators groups the host services a capability set is bound to.
type Collaborators struct {
	Storage   Storage
	Resources Resources
	Network   Network
	UI        UI
	Logger    Logger
	Styler    Styler
	Window    WindowHandle

	// Observe, when set, is told about every capability call.
	Observe func(name string, err error)
}
