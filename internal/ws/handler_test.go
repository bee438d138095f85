package ws

import (
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/webmonkey/internal/engine/inject"
	"github.com/GriffinCanCode/webmonkey/internal/providers/reporter"
	"github.com/GriffinCanCode/webmonkey/internal/userscript"
)

func dial(t *testing.T, console *reporter.Console) *websocket.Conn {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/events", NewHandler(console, nil).HandleConnection)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/events", nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var greeting map[string]any
	require.NoError(t, conn.ReadJSON(&greeting))
	require.Equal(t, "system", greeting["type"])
	return conn
}

func TestStreamsConsoleEvents(t *testing.T) {
	console := reporter.New(8, nil)
	conn := dial(t, console)

	console.Log(&userscript.Script{ID: "http://test.example/Greeter"}, "hello")
	console.Report(errors.New("nope is not defined"), inject.SeverityError, "file:///s/b.user.js", 6)

	var ev reporter.Event
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, reporter.EventLog, ev.Type)
	require.NotNil(t, ev.Message)
	assert.Equal(t, "hello", ev.Message.Text)

	ev = reporter.Event{}
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, reporter.EventError, ev.Type)
	require.NotNil(t, ev.Error)
	assert.Equal(t, 6, ev.Error.Line)
}

func TestPing(t *testing.T) {
	conn := dial(t, reporter.New(8, nil))

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "ping"}))
	var reply map[string]any
	require.NoError(t, conn.ReadJSON(&reply))
	assert.Equal(t, "pong", reply["type"])

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "bogus"}))
	reply = nil
	require.NoError(t, conn.ReadJSON(&reply))
	assert.Equal(t, "error", reply["type"])
}
