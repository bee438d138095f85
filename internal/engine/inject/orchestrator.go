// Package inject runs every matching user script against a loaded document.
package inject

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/webmonkey/internal/engine/assembler"
	"github.com/GriffinCanCode/webmonkey/internal/engine/capability"
	"github.com/GriffinCanCode/webmonkey/internal/engine/errmap"
	"github.com/GriffinCanCode/webmonkey/internal/engine/sandbox"
	"github.com/GriffinCanCode/webmonkey/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/webmonkey/internal/shared/id"
	"github.com/GriffinCanCode/webmonkey/internal/userscript"
)

// Matcher returns registered scripts satisfying pred, in injection order.
type Matcher interface {
	GetMatchingScripts(pred func(*userscript.Script) bool) []*userscript.Script
}

// Severity grades a reported failure.
type Severity int

const (
	SeverityError Severity = iota
	SeverityWarning
)

func (s Severity) String() string {
	if s == SeverityWarning {
		return "warning"
	}
	return "error"
}

// ErrorReporter receives every injection failure. It must not panic.
type ErrorReporter interface {
	Report(err error, severity Severity, fileURL string, line int)
}

// Document is a page that finished loading.
type Document struct {
	URL  string
	HTML string
}

// Status is the result of one script's injection.
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailure Status = "failure"
)

// ScriptResult describes one script's injection.
type ScriptResult struct {
	ScriptID string              `json:"script_id"`
	Name     string              `json:"name"`
	Status   Status              `json:"status"`
	Value    any                 `json:"value,omitempty"`
	Console  []sandbox.LogEntry  `json:"console"`
	Changes  []sandbox.DOMChange `json:"changes"`
	Duration time.Duration       `json:"duration"`
	Error    string              `json:"error,omitempty"`
	Location *errmap.Location    `json:"location,omitempty"`
}

// Outcome is everything one OnDocumentReady pass produced.
type Outcome struct {
	ID         id.InjectionID      `json:"id"`
	URL        string              `json:"url"`
	Window     string              `json:"window"`
	Results    []ScriptResult      `json:"results"`
	DOMChanges []sandbox.DOMChange `json:"dom_changes"`
	HTML       string              `json:"html,omitempty"`
	Error      string              `json:"error,omitempty"`
}

// Failed returns the number of scripts that did not complete.
func (o *Outcome) Failed() int {
	n := 0
	for _, r := range o.Results {
		if r.Status == StatusFailure {
			n++
		}
	}
	return n
}

// Orchestrator drives Bind, Assemble, Build and Run for each matching script.
type Orchestrator struct {
	matcher       Matcher
	reporter      ErrorReporter
	collaborators capability.Collaborators
	config        sandbox.Config
	logger        *zap.Logger
	metrics       *monitoring.Metrics
}

// New creates an orchestrator. collaborators are shared by every script;
// the document styler and window handle are filled in per document.
func New(matcher Matcher, reporter ErrorReporter, collaborators capability.Collaborators, config sandbox.Config) *Orchestrator {
	return &Orchestrator{
		matcher:       matcher,
		reporter:      reporter,
		collaborators: collaborators,
		config:        config,
		logger:        zap.NewNop(),
	}
}

// WithLogger sets the logger.
func (o *Orchestrator) WithLogger(logger *zap.Logger) *Orchestrator {
	o.logger = logger
	if o.config.Logger == nil {
		o.config.Logger = logger
	}
	return o
}

// WithMetrics adds injection metrics.
func (o *Orchestrator) WithMetrics(metrics *monitoring.Metrics) *Orchestrator {
	o.metrics = metrics
	return o
}

// OnDocumentReady injects every enabled script matching doc.URL, in
// registry order. One script failing never stops the next; each failure is
// reported exactly once.
func (o *Orchestrator) OnDocumentReady(ctx context.Context, doc Document, window capability.WindowHandle) *Outcome {
	outcome := &Outcome{
		ID:         id.NewInjectionID(),
		URL:        doc.URL,
		Window:     string(window),
		Results:    []ScriptResult{},
		DOMChanges: []sandbox.DOMChange{},
	}

	dom, err := sandbox.NewDOM(doc.URL, doc.HTML)
	if err != nil {
		o.report(err, SeverityError, doc.URL, 0)
		outcome.Error = err.Error()
		return outcome
	}

	scripts := o.matcher.GetMatchingScripts(func(s *userscript.Script) bool {
		return s.Enabled && s.MatchesURL(doc.URL)
	})

	o.logger.Info("injecting scripts",
		zap.String("injection", outcome.ID.String()),
		zap.String("url", doc.URL),
		zap.Int("scripts", len(scripts)))

	collab := o.collaborators
	collab.Styler = dom
	collab.Window = window
	if o.metrics != nil && collab.Observe == nil {
		collab.Observe = o.metrics.RecordCapabilityCall
	}

	for _, s := range scripts {
		if ctx.Err() != nil {
			break
		}
		result := o.inject(ctx, s, collab, dom)
		outcome.Results = append(outcome.Results, result)
		outcome.DOMChanges = append(outcome.DOMChanges, result.Changes...)
	}

	if markup, err := dom.HTML(); err == nil {
		outcome.HTML = markup
	}
	return outcome
}

func (o *Orchestrator) inject(ctx context.Context, s *userscript.Script, collab capability.Collaborators, dom *sandbox.DOM) (result ScriptResult) {
	timer := monitoring.NewTimer(o.metrics)
	result = ScriptResult{
		ScriptID: s.ID,
		Name:     s.DisplayName(),
		Status:   StatusFailure,
		Console:  []sandbox.LogEntry{},
		Changes:  []sandbox.DOMChange{},
	}

	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("script %s: panic during injection: %v", s.ID, r)
			loc := errmap.Unknown(s)
			o.fail(&result, err, loc)
		}
		result.Duration = timer.Stop(string(result.Status))
	}()

	caps := capability.Bind(ctx, s, collab)

	asm, err := assembler.Assemble(s)
	if err != nil {
		loc := errmap.Unknown(s)
		var fragErr *assembler.FragmentError
		if errors.As(err, &fragErr) {
			loc.FileURL = fragErr.FileURL
		}
		o.fail(&result, err, loc)
		return result
	}

	sb, err := sandbox.Build(o.config, s, asm, caps, dom)
	if err != nil {
		o.fail(&result, err, errmap.Unknown(s))
		return result
	}

	run, err := sb.Run(ctx)
	if run != nil {
		result.Console = run.Console
		result.Changes = run.DOMChanges
		result.Value = run.Value
	}
	if err != nil {
		var evalErr *sandbox.EvaluationError
		if errors.As(err, &evalErr) {
			o.fail(&result, evalErr.Err, evalErr.Location)
		} else {
			o.fail(&result, err, errmap.Unknown(s))
		}
		return result
	}

	result.Status = StatusSuccess
	o.logger.Debug("script injected", zap.String("script", s.ID), zap.Int("changes", len(result.Changes)))
	return result
}

// fail records and reports one failure.
func (o *Orchestrator) fail(result *ScriptResult, err error, loc errmap.Location) {
	result.Status = StatusFailure
	result.Error = err.Error()
	result.Location = &loc

	o.logger.Warn("script failed",
		zap.String("script", result.ScriptID),
		zap.String("file", loc.FileURL),
		zap.Int("line", loc.Line),
		zap.Bool("attributed", loc.Attributed),
		zap.Error(err))
	if o.metrics != nil {
		o.metrics.RecordFault(loc.Attributed)
	}
	o.report(err, SeverityError, loc.FileURL, loc.Line)
}

func (o *Orchestrator) report(err error, severity Severity, fileURL string, line int) {
	if o.reporter == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("error reporter panicked", zap.Any("panic", r))
		}
	}()
	o.reporter.Report(err, severity, fileURL, line)
}
