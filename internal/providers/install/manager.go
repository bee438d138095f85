// Package install implements the user script install flow: a diverted
// script load becomes a pending install, which the user confirms or cancels.
package install

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/webmonkey/internal/engine/gate"
	"github.com/GriffinCanCode/webmonkey/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/webmonkey/internal/shared/id"
	"github.com/GriffinCanCode/webmonkey/internal/userscript"
)

var (
	// ErrUnknownInstall is returned for install IDs that were never queued.
	ErrUnknownInstall = errors.New("unknown install")
	// ErrNotPending is returned when an install was already confirmed or cancelled.
	ErrNotPending = errors.New("install is not pending")
	// ErrRejected is returned when the gate refuses the script load.
	ErrRejected = errors.New("script load rejected")
)

// Fetcher downloads a URL.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string) ([]byte, string, error)
}

// Store registers installed scripts.
type Store interface {
	Add(s *userscript.Script) (*userscript.Script, error)
}

// Gate is the part of the interception gate the install flow drives.
type Gate interface {
	IgnoreNextScript()
	Decide(req gate.Request) gate.Decision
}

// Status is an install's lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusInstalled Status = "installed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Install is one queued install.
type Install struct {
	ID       id.InstallID `json:"id"`
	URL      string       `json:"url"`
	Status   Status       `json:"status"`
	Created  time.Time    `json:"created"`
	ScriptID string       `json:"script_id,omitempty"`
	Error    string       `json:"error,omitempty"`
}

// Manager implements gate.Installer.
type Manager struct {
	fetcher Fetcher
	store   Store
	gate    Gate
	tempDir string
	logger  *zap.Logger
	metrics *monitoring.Metrics

	mu       sync.Mutex
	installs map[id.InstallID]*Install
}

// NewManager creates an install manager. Staging files are written to
// tempDir, which must be the gate's temp dir.
func NewManager(fetcher Fetcher, store Store, g Gate, tempDir string) *Manager {
	if tempDir == "" {
		tempDir = os.TempDir()
	}
	return &Manager{
		fetcher:  fetcher,
		store:    store,
		gate:     g,
		tempDir:  tempDir,
		logger:   zap.NewNop(),
		installs: make(map[id.InstallID]*Install),
	}
}

// WithLogger sets the logger.
func (m *Manager) WithLogger(logger *zap.Logger) *Manager {
	m.logger = logger
	return m
}

// WithMetrics adds install counting.
func (m *Manager) WithMetrics(metrics *monitoring.Metrics) *Manager {
	m.metrics = metrics
	return m
}

// StartInstall queues rawURL for confirmation.
func (m *Manager) StartInstall(rawURL string) {
	m.Queue(rawURL)
}

// Queue queues rawURL and returns the pending install.
func (m *Manager) Queue(rawURL string) Install {
	inst := &Install{
		ID:      id.NewInstallID(),
		URL:     rawURL,
		Status:  StatusPending,
		Created: time.Now(),
	}

	m.mu.Lock()
	m.installs[inst.ID] = inst
	m.mu.Unlock()

	m.logger.Info("install queued", zap.String("install", inst.ID.String()), zap.String("url", rawURL))
	m.record(StatusPending)
	return *inst
}

// Get returns an install by ID.
func (m *Manager) Get(installID id.InstallID) (Install, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.installs[installID]
	if !ok {
		return Install{}, false
	}
	return *inst, true
}

// List returns every install, oldest first.
func (m *Manager) List() []Install {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Install, 0, len(m.installs))
	for _, inst := range m.installs {
		out = append(out, *inst)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Cancel drops a pending install.
func (m *Manager) Cancel(installID id.InstallID) error {
	if _, err := m.claim(installID); err != nil {
		return err
	}
	m.finish(installID, StatusCancelled, "", nil)
	return nil
}

// Confirm downloads, stages, parses and registers a pending install.
func (m *Manager) Confirm(ctx context.Context, installID id.InstallID) (*userscript.Script, error) {
	inst, err := m.claim(installID)
	if err != nil {
		return nil, err
	}

	s, err := m.install(ctx, inst.URL)
	if err != nil {
		m.finish(installID, StatusFailed, "", err)
		return nil, err
	}
	m.finish(installID, StatusInstalled, s.ID, nil)
	return s, nil
}

// claim marks a pending install as in progress by removing its pending
// status, so a second Confirm fails.
func (m *Manager) claim(installID id.InstallID) (Install, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	inst, ok := m.installs[installID]
	if !ok {
		return Install{}, fmt.Errorf("%w: %s", ErrUnknownInstall, installID)
	}
	if inst.Status != StatusPending {
		return Install{}, fmt.Errorf("%w: %s is %s", ErrNotPending, installID, inst.Status)
	}
	inst.Status = ""
	return *inst, nil
}

func (m *Manager) finish(installID id.InstallID, status Status, scriptID string, err error) {
	m.mu.Lock()
	inst := m.installs[installID]
	inst.Status = status
	inst.ScriptID = scriptID
	if err != nil {
		inst.Error = err.Error()
	}
	m.mu.Unlock()

	fields := []zap.Field{
		zap.String("install", installID.String()),
		zap.String("status", string(status)),
		zap.String("script", scriptID),
	}
	if err != nil {
		m.logger.Warn("install failed", append(fields, zap.Error(err))...)
	} else {
		m.logger.Info("install finished", fields...)
	}
	m.record(status)
}

func (m *Manager) record(status Status) {
	if m.metrics != nil {
		m.metrics.RecordInstall(string(status))
	}
}

func (m *Manager) install(ctx context.Context, scriptURL string) (*userscript.Script, error) {
	// The install's own load of the script must not be diverted again.
	m.gate.IgnoreNextScript()
	if d := m.gate.Decide(gate.Request{URL: scriptURL, Kind: gate.KindDocument}); d != gate.Accept {
		return nil, fmt.Errorf("%w: %s", ErrRejected, d)
	}

	body, _, err := m.fetcher.Fetch(ctx, scriptURL)
	if err != nil {
		return nil, fmt.Errorf("download script: %w", err)
	}

	var staged []string
	defer func() {
		for _, p := range staged {
			_ = os.Remove(p)
		}
	}()

	stagingPath, err := m.stage("gm-*.user.js", body)
	if err != nil {
		return nil, err
	}
	staged = append(staged, stagingPath)

	// Showing the staged copy goes through the gate like any other load.
	if d := m.gate.Decide(gate.Request{URL: fileURL(stagingPath), Kind: gate.KindDocument}); d != gate.Accept {
		return nil, fmt.Errorf("%w: staged copy %s", ErrRejected, d)
	}

	meta, err := userscript.ParseMetadata(string(body))
	switch {
	case errors.Is(err, userscript.ErrNoMetadata):
		meta = &userscript.Metadata{Includes: []string{"*"}}
	case err != nil:
		return nil, err
	}
	if meta.Name == "" {
		meta.Name = strings.TrimSuffix(path.Base(urlPath(scriptURL)), ".user.js")
	}

	s := &userscript.Script{Body: string(body), Enabled: true}
	meta.Apply(s)

	for _, ref := range meta.Requires {
		reqURL, err := resolve(scriptURL, ref)
		if err != nil {
			return nil, err
		}
		content, _, err := m.fetcher.Fetch(ctx, reqURL)
		if err != nil {
			return nil, fmt.Errorf("download require %s: %w", reqURL, err)
		}
		s.Requires = append(s.Requires, userscript.Require{
			Content:   string(content),
			FileURL:   reqURL,
			SourceURL: reqURL,
		})
	}

	for _, ref := range meta.Resources {
		resURL, err := resolve(scriptURL, ref.URL)
		if err != nil {
			return nil, err
		}
		data, contentType, err := m.fetcher.Fetch(ctx, resURL)
		if err != nil {
			return nil, fmt.Errorf("download resource %s: %w", ref.Name, err)
		}
		p, err := m.stage("gm-res-*", data)
		if err != nil {
			return nil, err
		}
		staged = append(staged, p)

		res := userscript.Resource{Name: ref.Name, Path: p, SourceURL: resURL}
		if mediaType, params, err := mime.ParseMediaType(contentType); err == nil {
			res.MimeType = mediaType
			res.Charset = params["charset"]
		}
		s.Resources = append(s.Resources, res)
	}

	return m.store.Add(s)
}

func (m *Manager) stage(pattern string, data []byte) (string, error) {
	f, err := os.CreateTemp(m.tempDir, pattern)
	if err != nil {
		return "", fmt.Errorf("stage download: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(data); err != nil {
		_ = os.Remove(f.Name())
		return "", fmt.Errorf("stage download: %w", err)
	}
	return f.Name(), nil
}

func resolve(base, ref string) (string, error) {
	b, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid script url %q: %w", base, err)
	}
	r, err := url.Parse(ref)
	if err != nil {
		return "", fmt.Errorf("invalid dependency url %q: %w", ref, err)
	}
	return b.ResolveReference(r).String(), nil
}

func urlPath(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	return u.Path
}

func fileURL(p string) string {
	return "file://" + filepath.ToSlash(p)
}
