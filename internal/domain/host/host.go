// Package host assembles the engine and its collaborators into the single
// object the HTTP server and the CLI drive.
package host

import (
	"context"
	"fmt"
	"os"
	"sync"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/webmonkey/internal/engine/capability"
	"github.com/GriffinCanCode/webmonkey/internal/engine/gate"
	"github.com/GriffinCanCode/webmonkey/internal/engine/inject"
	"github.com/GriffinCanCode/webmonkey/internal/engine/sandbox"
	"github.com/GriffinCanCode/webmonkey/internal/infrastructure/config"
	"github.com/GriffinCanCode/webmonkey/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/webmonkey/internal/infrastructure/tracing"
	"github.com/GriffinCanCode/webmonkey/internal/providers/install"
	"github.com/GriffinCanCode/webmonkey/internal/providers/registry"
	"github.com/GriffinCanCode/webmonkey/internal/providers/reporter"
	"github.com/GriffinCanCode/webmonkey/internal/providers/resources"
	"github.com/GriffinCanCode/webmonkey/internal/providers/storage"
	"github.com/GriffinCanCode/webmonkey/internal/providers/ui"
	"github.com/GriffinCanCode/webmonkey/internal/providers/xhr"
	"github.com/GriffinCanCode/webmonkey/internal/shared/id"
	"github.com/GriffinCanCode/webmonkey/internal/userscript"
)

// Host owns the engine. Entry points are serialised: the engine sees one
// host event at a time, as it would on a browser's main thread.
type Host struct {
	mu sync.Mutex

	logger  *zap.Logger
	metrics *monitoring.Metrics

	registry     *registry.Registry
	storage      *storage.Store
	chrome       *ui.Chrome
	console      *reporter.Console
	network      *xhr.Client
	gate         *gate.Gate
	installs     *install.Manager
	orchestrator *inject.Orchestrator
}

// New wires every component from cfg.
func New(cfg *config.Config, logger *zap.Logger, metrics *monitoring.Metrics) (*Host, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = monitoring.NewMetrics()
	}

	reg, err := registry.Open(cfg.Engine.ScriptsDir, logger.Named("registry"))
	if err != nil {
		return nil, fmt.Errorf("open registry: %w", err)
	}
	reg.WithMetrics(metrics)

	store := storage.NewMemory()
	if cfg.Engine.StorageDir != "" {
		store, err = storage.New(cfg.Engine.StorageDir, logger.Named("storage"))
		if err != nil {
			return nil, fmt.Errorf("open storage: %w", err)
		}
	}

	tempDir := cfg.Engine.TempDir
	if tempDir == "" {
		tempDir = os.TempDir()
	}

	network := xhr.New(xhr.Config{
		Timeout:           cfg.Network.Timeout.Duration,
		RetryMax:          cfg.Network.RetryMax,
		RetryWaitMin:      xhr.DefaultConfig().RetryWaitMin,
		RetryWaitMax:      xhr.DefaultConfig().RetryWaitMax,
		RequestsPerSecond: cfg.Network.RequestsPerSecond,
		Burst:             cfg.Network.Burst,
		UserAgent:         cfg.Network.UserAgent,
		MaxBodyBytes:      xhr.DefaultConfig().MaxBodyBytes,
	}, logger.Named("xhr"))

	chrome := ui.New(logger.Named("ui"))
	console := reporter.New(cfg.Engine.ErrorHistory, logger.Named("console"))

	g := gate.New(nil).
		WithTempDir(tempDir).
		WithLogger(logger.Named("gate")).
		WithMetrics(metrics)
	g.SetEnabled(cfg.Engine.Enabled)

	installs := install.NewManager(network, reg, g, tempDir).
		WithLogger(logger.Named("install")).
		WithMetrics(metrics)
	g.SetInstaller(installs)

	sandboxCfg := sandbox.DefaultConfig()
	sandboxCfg.Timeout = cfg.Engine.ScriptTimeout.Duration
	sandboxCfg.MaxCallStackSize = cfg.Engine.MaxCallStackSize
	sandboxCfg.EnableConsole = cfg.Engine.CaptureConsole

	orchestrator := inject.New(reg, console, capability.Collaborators{
		Storage:   store,
		Resources: resources.New(logger.Named("resources")),
		Network:   network,
		UI:        chrome,
		Logger:    console,
	}, sandboxCfg).
		WithLogger(logger.Named("inject")).
		WithMetrics(metrics)

	return &Host{
		logger:       logger,
		metrics:      metrics,
		registry:     reg,
		storage:      store,
		chrome:       chrome,
		console:      console,
		network:      network,
		gate:         g,
		installs:     installs,
		orchestrator: orchestrator,
	}, nil
}

// Metrics returns the metrics the host records to.
func (h *Host) Metrics() *monitoring.Metrics {
	return h.metrics
}

// Decide runs the interception gate for one resource load.
func (h *Host) Decide(req gate.Request) gate.Decision {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.gate.Decide(req)
}

// SetEnabled turns script handling on or off globally.
func (h *Host) SetEnabled(enabled bool) {
	h.gate.SetEnabled(enabled)
}

// Enabled reports whether script handling is on.
func (h *Host) Enabled() bool {
	return h.gate.Enabled()
}

// NewWindow opens a host window.
func (h *Host) NewWindow() capability.WindowHandle {
	return h.chrome.NewWindow()
}

// DocumentReady injects every matching script into doc. An empty window
// opens a new one.
func (h *Host) DocumentReady(ctx context.Context, doc inject.Document, window capability.WindowHandle) *inject.Outcome {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.gate.Enabled() {
		return &inject.Outcome{URL: doc.URL, Window: string(window), Results: []inject.ScriptResult{}}
	}
	if window == "" {
		window = h.chrome.NewWindow()
	}
	h.logger.Debug("document ready",
		zap.String("url", doc.URL),
		zap.String("window", string(window)),
		tracing.Field(ctx),
	)
	return h.orchestrator.OnDocumentReady(ctx, doc, window)
}

// Menu lists a window's script menu commands.
func (h *Host) Menu(window capability.WindowHandle) ([]ui.MenuItem, error) {
	return h.chrome.Menu(window)
}

// TriggerMenu runs a menu command. Its callback re-enters the script's
// sandbox, so it is serialised with injections.
func (h *Host) TriggerMenu(ctx context.Context, window capability.WindowHandle, index int) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.chrome.Trigger(ctx, window, index)
}

// Tabs lists the tabs scripts opened.
func (h *Host) Tabs() []ui.Tab {
	return h.chrome.Tabs()
}

// QueueInstall queues a script URL for install.
func (h *Host) QueueInstall(rawURL string) install.Install {
	return h.installs.Queue(rawURL)
}

// Installs lists queued installs.
func (h *Host) Installs() []install.Install {
	return h.installs.List()
}

// ConfirmInstall downloads and registers a queued install.
func (h *Host) ConfirmInstall(ctx context.Context, installID id.InstallID) (*userscript.Script, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.installs.Confirm(ctx, installID)
}

// CancelInstall drops a queued install.
func (h *Host) CancelInstall(installID id.InstallID) error {
	return h.installs.Cancel(installID)
}

// Scripts lists installed scripts in injection order.
func (h *Host) Scripts() []*userscript.Script {
	return h.registry.List()
}

// SetScriptEnabled toggles one script.
func (h *Host) SetScriptEnabled(scriptID string, enabled bool) error {
	return h.registry.SetEnabled(scriptID, enabled)
}

// Errors returns recently reported script failures.
func (h *Host) Errors() []reporter.Entry {
	return h.console.Errors()
}

// Subscribe streams console events until cancel is called.
func (h *Host) Subscribe(buffer int) (<-chan reporter.Event, func()) {
	return h.console.Subscribe(buffer)
}

// Messages returns recent GM_log output.
func (h *Host) Messages() []reporter.Message {
	return h.console.Messages()
}

// Health summarises the host for health checks.
func (h *Host) Health() map[string]any {
	breakers := make(map[string]string)
	for host, state := range h.network.BreakerStates() {
		breakers[host] = state.String()
	}
	return map[string]any{
		"enabled":  h.gate.Enabled(),
		"scripts":  len(h.registry.List()),
		"breakers": breakers,
		"metrics":  h.metrics.Snapshot(),
	}
}
