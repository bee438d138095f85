// Package gate decides, per outbound resource load, whether the load goes
// ahead, is refused, or is diverted into the script install flow.
package gate

import (
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/webmonkey/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/webmonkey/internal/userscript"
)

// Decision is the outcome for one resource load.
type Decision int

const (
	// Accept lets the load proceed.
	Accept Decision = iota
	// RejectServer refuses the load as if the resource did not exist.
	RejectServer
	// RejectRequest cancels the load; the install flow takes over.
	RejectRequest
)

func (d Decision) String() string {
	switch d {
	case Accept:
		return "accept"
	case RejectServer:
		return "reject_server"
	case RejectRequest:
		return "reject_request"
	default:
		return "unknown"
	}
}

// ContentKind classifies the load.
type ContentKind int

const (
	KindOther ContentKind = iota
	KindDocument
	KindSubdocument
	KindScript
	KindImage
	KindStylesheet
)

var kindNames = map[string]ContentKind{
	"other":       KindOther,
	"document":    KindDocument,
	"subdocument": KindSubdocument,
	"script":      KindScript,
	"image":       KindImage,
	"stylesheet":  KindStylesheet,
}

// ParseKind maps a kind name to a ContentKind; unknown names are KindOther.
func ParseKind(name string) ContentKind {
	return kindNames[strings.ToLower(name)]
}

// Request describes one resource load.
type Request struct {
	URL    string
	Origin string
	Kind   ContentKind
}

// Installer starts the install flow for a script URL.
type Installer interface {
	StartInstall(url string)
}

const (
	protectedScheme  = "chrome"
	protectedHost    = "webmonkey"
	privilegedScheme = "chrome"
	scriptSuffix     = ".user.js"
	viewSourceScheme = "view-source"
)

// OneShot is a flag that is set externally and consumed by exactly one read.
type OneShot struct {
	v atomic.Bool
}

// Set arms the flag.
func (o *OneShot) Set() { o.v.Store(true) }

// Take returns the flag and resets it.
func (o *OneShot) Take() bool { return o.v.Swap(false) }

// Gate is the per-request policy. Its zero value is not usable; use New.
type Gate struct {
	installer  Installer
	suppressed *OneShot
	enabled    atomic.Bool
	tempDir    string
	logger     *zap.Logger
	metrics    *monitoring.Metrics
}

// New creates a gate that hands install attempts to installer.
func New(installer Installer) *Gate {
	g := &Gate{
		installer:  installer,
		suppressed: &OneShot{},
		tempDir:    os.TempDir(),
		logger:     zap.NewNop(),
	}
	g.enabled.Store(true)
	return g
}

// WithLogger sets the logger.
func (g *Gate) WithLogger(logger *zap.Logger) *Gate {
	g.logger = logger
	return g
}

// WithMetrics adds decision counting.
func (g *Gate) WithMetrics(metrics *monitoring.Metrics) *Gate {
	g.metrics = metrics
	return g
}

// WithTempDir overrides the directory install staging files are written to.
func (g *Gate) WithTempDir(dir string) *Gate {
	g.tempDir = dir
	return g
}

// SetInstaller replaces the install flow collaborator.
func (g *Gate) SetInstaller(installer Installer) {
	g.installer = installer
}

// SetEnabled turns user script handling on or off.
func (g *Gate) SetEnabled(enabled bool) { g.enabled.Store(enabled) }

// Enabled reports whether user script handling is on.
func (g *Gate) Enabled() bool { return g.enabled.Load() }

// IgnoreNextScript lets the next load bypass install interception.
func (g *Gate) IgnoreNextScript() { g.suppressed.Set() }

// Decide applies the load policy to req. Every call consumes the
// IgnoreNextScript flag, whichever branch is taken.
func (g *Gate) Decide(req Request) Decision {
	suppressed := g.suppressed.Take()
	d := g.decide(req, suppressed)

	g.logger.Debug("gate decision",
		zap.String("url", req.URL),
		zap.String("origin", req.Origin),
		zap.Bool("suppressed", suppressed),
		zap.Stringer("decision", d))
	if g.metrics != nil {
		g.metrics.RecordDecision(d.String())
	}
	return d
}

func (g *Gate) decide(req Request, suppressed bool) Decision {
	target, err := url.Parse(req.URL)
	if err != nil {
		// Unparseable URLs never load; the protected namespace still
		// answers as if it did not exist.
		if looksProtected(req.URL) && !isPrivileged(req.Origin) {
			return RejectServer
		}
		return RejectRequest
	}

	if isProtected(target) && !isPrivileged(req.Origin) {
		return RejectServer
	}
	if !g.enabled.Load() {
		return Accept
	}
	if strings.EqualFold(target.Scheme, viewSourceScheme) {
		return Accept
	}

	if req.Kind == KindDocument &&
		strings.HasSuffix(req.URL, scriptSuffix) &&
		!suppressed &&
		!g.isTempFile(target) {
		if g.installer == nil {
			return Accept
		}
		g.logger.Info("diverting script load to installer", zap.String("url", req.URL))
		g.installer.StartInstall(req.URL)
		return RejectRequest
	}

	return Accept
}

func isProtected(u *url.URL) bool {
	return strings.EqualFold(u.Scheme, protectedScheme) && strings.EqualFold(u.Host, protectedHost)
}

// looksProtected is isProtected for raw strings url.Parse rejects.
func looksProtected(raw string) bool {
	prefix := protectedScheme + "://" + protectedHost
	if len(raw) < len(prefix) || !strings.EqualFold(raw[:len(prefix)], prefix) {
		return false
	}
	rest := raw[len(prefix):]
	return rest == "" || strings.ContainsRune("/:?#", rune(rest[0]))
}

// isPrivileged reports whether origin may see the protected namespace. An
// absent origin is a load the browser itself started.
func isPrivileged(origin string) bool {
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return strings.EqualFold(u.Scheme, privilegedScheme)
}

// isTempFile reports whether u is a staging copy written by the install flow.
func (g *Gate) isTempFile(u *url.URL) bool {
	if u.Scheme != "file" {
		return false
	}
	p := u.Path
	if p == "" {
		p = u.Opaque
	}
	p = filepath.FromSlash(p)
	if filepath.Clean(filepath.Dir(p)) != filepath.Clean(g.tempDir) {
		return false
	}
	return path.Base(u.Path) != userscript.NewScriptName
}
