package ws

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/webmonkey/internal/providers/reporter"
)

const (
	subscriberBuffer = 64
	writeTimeout     = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Source is anything that streams console events.
type Source interface {
	Subscribe(buffer int) (<-chan reporter.Event, func())
}

// Handler manages WebSocket connections
type Handler struct {
	source Source
	logger *zap.Logger
}

// clientMessage is a message sent by the client.
type clientMessage struct {
	Type string `json:"type"`
}

// NewHandler creates a new WebSocket handler
func NewHandler(source Source, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{source: source, logger: logger}
}

// HandleConnection upgrades the request and forwards console events until
// the client goes away or the request context ends.
func (h *Handler) HandleConnection(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("WebSocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	events, cancel := h.source.Subscribe(subscriberBuffer)
	defer cancel()

	var writeMu sync.Mutex
	send := func(v any) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		return conn.WriteJSON(v)
	}

	if err := send(gin.H{"type": "system", "message": "connected"}); err != nil {
		return
	}

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			var msg clientMessage
			if err := conn.ReadJSON(&msg); err != nil {
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					h.logger.Debug("WebSocket read error", zap.Error(err))
				}
				return
			}
			switch msg.Type {
			case "ping":
				_ = send(gin.H{"type": "pong"})
			default:
				_ = send(gin.H{"type": "error", "message": "unknown message type"})
			}
		}
	}()

	ctx := c.Request.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-closed:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := send(ev); err != nil {
				h.logger.Debug("WebSocket write failed", zap.Error(err))
				return
			}
		}
	}
}
