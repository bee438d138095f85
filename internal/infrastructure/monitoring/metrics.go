package monitoring

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	// Gate metrics
	GateDecisions *prometheus.CounterVec

	// Injection metrics
	Injections        *prometheus.CounterVec
	InjectionDuration prometheus.Histogram
	EvaluationFaults  *prometheus.CounterVec
	CapabilityCalls   *prometheus.CounterVec

	// Install and registry metrics
	Installs          *prometheus.CounterVec
	ScriptsRegistered prometheus.Gauge

	// System metrics
	Uptime    prometheus.GaugeFunc
	startTime time.Time

	registry *prometheus.Registry
	snapshot Snapshot
	mu       sync.RWMutex
}

// Snapshot holds current metric values for the JSON API
type Snapshot struct {
	TotalRequests int64   `json:"total_requests"`
	TotalErrors   int64   `json:"total_errors"`
	Injections    int64   `json:"injections"`
	Faults        int64   `json:"faults"`
	Rejections    int64   `json:"rejections"`
	UptimeSeconds float64 `json:"uptime_seconds"`
}

// NewMetrics creates a metrics collector on its own registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	start := time.Now()

	m := &Metrics{
		startTime: start,
		registry:  reg,

		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "webmonkey_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "webmonkey_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "path"},
		),

		GateDecisions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "webmonkey_gate_decisions_total",
				Help: "Resource load decisions by outcome",
			},
			[]string{"decision"},
		),

		Injections: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "webmonkey_injections_total",
				Help: "Script injections by outcome",
			},
			[]string{"outcome"},
		),
		InjectionDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "webmonkey_injection_duration_seconds",
				Help:    "Time spent evaluating one script",
				Buckets: []float64{.0005, .001, .005, .01, .05, .1, .5, 1, 5},
			},
		),
		EvaluationFaults: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "webmonkey_evaluation_faults_total",
				Help: "Script faults by whether a source location was found",
			},
			[]string{"attributed"},
		),
		CapabilityCalls: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "webmonkey_capability_calls_total",
				Help: "GM_* calls by capability and status",
			},
			[]string{"capability", "status"},
		),

		Installs: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "webmonkey_installs_total",
				Help: "Install attempts by status",
			},
			[]string{"status"},
		),
		ScriptsRegistered: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "webmonkey_scripts_registered",
				Help: "Number of scripts in the registry",
			},
		),

		Uptime: factory.NewGaugeFunc(
			prometheus.GaugeOpts{
				Name: "webmonkey_uptime_seconds",
				Help: "Process uptime in seconds",
			},
			func() float64 { return time.Since(start).Seconds() },
		),
	}
	return m
}

// Registry returns the registry the metrics are registered on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	m.RequestsTotal.WithLabelValues(method, path, status).Inc()
	m.RequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())

	m.mu.Lock()
	m.snapshot.TotalRequests++
	if status[0] == '4' || status[0] == '5' {
		m.snapshot.TotalErrors++
	}
	m.mu.Unlock()
}

// RecordDecision records a gate decision
func (m *Metrics) RecordDecision(decision string) {
	m.GateDecisions.WithLabelValues(decision).Inc()
	if decision != "accept" {
		m.mu.Lock()
		m.snapshot.Rejections++
		m.mu.Unlock()
	}
}

// RecordInjection records one script evaluation
func (m *Metrics) RecordInjection(outcome string, duration time.Duration) {
	m.Injections.WithLabelValues(outcome).Inc()
	m.InjectionDuration.Observe(duration.Seconds())

	m.mu.Lock()
	m.snapshot.Injections++
	m.mu.Unlock()
}

// RecordFault records a reported script fault
func (m *Metrics) RecordFault(attributed bool) {
	label := "false"
	if attributed {
		label = "true"
	}
	m.EvaluationFaults.WithLabelValues(label).Inc()

	m.mu.Lock()
	m.snapshot.Faults++
	m.mu.Unlock()
}

// RecordCapabilityCall records a GM_* call
func (m *Metrics) RecordCapabilityCall(name string, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.CapabilityCalls.WithLabelValues(name, status).Inc()
}

// RecordInstall records an install attempt
func (m *Metrics) RecordInstall(status string) {
	m.Installs.WithLabelValues(status).Inc()
}

// SetScriptsRegistered sets the number of registered scripts
func (m *Metrics) SetScriptsRegistered(count int) {
	m.ScriptsRegistered.Set(float64(count))
}

// Snapshot returns the current values for the JSON API.
func (m *Metrics) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s := m.snapshot
	s.UptimeSeconds = time.Since(m.startTime).Seconds()
	return s
}
