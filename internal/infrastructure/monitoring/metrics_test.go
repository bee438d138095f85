package monitoring

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecorders(t *testing.T) {
	m := NewMetrics()

	m.RecordDecision("accept")
	m.RecordDecision("reject_request")
	m.RecordInjection("success", time.Millisecond)
	m.RecordFault(true)
	m.RecordFault(false)
	m.RecordCapabilityCall("getValue", nil)
	m.RecordCapabilityCall("getValue", errors.New("x"))
	m.RecordInstall("installed")
	m.SetScriptsRegistered(3)

	assert.Equal(t, float64(1), testutil.ToFloat64(m.GateDecisions.WithLabelValues("reject_request")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.EvaluationFaults.WithLabelValues("false")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.CapabilityCalls.WithLabelValues("getValue", "error")))
	assert.Equal(t, float64(3), testutil.ToFloat64(m.ScriptsRegistered))

	snap := m.Snapshot()
	assert.Equal(t, int64(1), snap.Rejections)
	assert.Equal(t, int64(1), snap.Injections)
	assert.Equal(t, int64(2), snap.Faults)
}

func TestSeparateRegistries(t *testing.T) {
	// registering twice on the default registry would panic
	a := NewMetrics()
	b := NewMetrics()
	a.RecordInstall("installed")
	assert.Equal(t, float64(0), testutil.ToFloat64(b.Installs.WithLabelValues("installed")))
}

func TestMiddlewareAndHandler(t *testing.T) {
	gin.SetMode(gin.TestMode)
	m := NewMetrics()

	router := gin.New()
	router.Use(Middleware(m))
	router.GET("/things/:id", func(c *gin.Context) { c.Status(http.StatusNotFound) })
	router.GET("/metrics", gin.WrapH(m.Handler()))

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/things/42", nil))
	require.Equal(t, http.StatusNotFound, w.Code)

	assert.Equal(t, float64(1), testutil.ToFloat64(m.RequestsTotal.WithLabelValues("GET", "/things/:id", "404")))
	assert.Equal(t, int64(1), m.Snapshot().TotalErrors)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Contains(t, w.Body.String(), "webmonkey_http_requests_total")
}

func TestTimer(t *testing.T) {
	m := NewMetrics()
	d := NewTimer(m).Stop("failure")
	assert.GreaterOrEqual(t, d, time.Duration(0))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.Injections.WithLabelValues("failure")))

	assert.NotPanics(t, func() { NewTimer(nil).Stop("success") })
}
