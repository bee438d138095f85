// Package reporter is the host's error console: it receives injection
// failures and GM_log output, logs them, and keeps the most recent entries.
package reporter

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/webmonkey/internal/engine/inject"
	"github.com/GriffinCanCode/webmonkey/internal/shared/id"
	"github.com/GriffinCanCode/webmonkey/internal/userscript"
)

const (
	// DefaultCapacity is the number of entries kept when none is given.
	DefaultCapacity = 256
	entryPrefix     = "err"
)

// Entry is one reported failure.
type Entry struct {
	ID       string    `json:"id"`
	Time     time.Time `json:"time"`
	Severity string    `json:"severity"`
	Message  string    `json:"message"`
	FileURL  string    `json:"file_url,omitempty"`
	Line     int       `json:"line,omitempty"`
}

// Message is one GM_log line.
type Message struct {
	Time   time.Time `json:"time"`
	Script string    `json:"script"`
	Text   string    `json:"text"`
}

// Event is one console update delivered to subscribers. Exactly one of
// Error and Message is set.
type Event struct {
	Type    string   `json:"type"`
	Error   *Entry   `json:"error,omitempty"`
	Message *Message `json:"message,omitempty"`
}

const (
	EventError = "error"
	EventLog   = "log"
)

// Console implements inject.ErrorReporter and capability.Logger.
type Console struct {
	logger *zap.Logger
	ids    *id.Generator

	mu          sync.Mutex
	entries     ring[Entry]
	messages    ring[Message]
	subscribers map[int]chan Event
	nextSub     int
}

// New creates a console keeping capacity entries of each kind.
func New(capacity int, logger *zap.Logger) *Console {
	if logger == nil {
		logger = zap.NewNop()
	}
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Console{
		logger:   logger,
		ids:      id.Default(),
		entries:  newRing[Entry](capacity),
		messages: newRing[Message](capacity),

		subscribers: make(map[int]chan Event),
	}
}

// Report records a failure. It never panics.
func (c *Console) Report(err error, severity inject.Severity, fileURL string, line int) {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	e := Entry{
		ID:       c.ids.GenerateWithPrefix(entryPrefix),
		Time:     time.Now(),
		Severity: severity.String(),
		Message:  msg,
		FileURL:  fileURL,
		Line:     line,
	}

	c.mu.Lock()
	c.entries.push(e)
	c.publish(Event{Type: EventError, Error: &e})
	c.mu.Unlock()

	fields := []zap.Field{
		zap.String("id", e.ID),
		zap.String("file", fileURL),
		zap.Int("line", line),
		zap.String("message", msg),
	}
	if severity == inject.SeverityWarning {
		c.logger.Warn("script warning", fields...)
		return
	}
	c.logger.Error("script error", fields...)
}

// Log records GM_log output.
func (c *Console) Log(s *userscript.Script, text string) {
	m := Message{Time: time.Now(), Script: s.ID, Text: text}

	c.mu.Lock()
	c.messages.push(m)
	c.publish(Event{Type: EventLog, Message: &m})
	c.mu.Unlock()

	c.logger.Info(text, zap.String("script", s.ID))
}

// Errors returns the retained failures, oldest first.
func (c *Console) Errors() []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries.items()
}

// Messages returns the retained GM_log lines, oldest first.
func (c *Console) Messages() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.messages.items()
}

// Subscribe returns a channel receiving every later event and a function
// that ends the subscription. A subscriber that falls more than buffer
// events behind misses events rather than blocking scripts.
func (c *Console) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)

	c.mu.Lock()
	key := c.nextSub
	c.nextSub++
	c.subscribers[key] = ch
	c.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.subscribers, key)
			c.mu.Unlock()
			close(ch)
		})
	}
}

// publish must be called with c.mu held.
func (c *Console) publish(ev Event) {
	for _, ch := range c.subscribers {
		select {
		case ch <- ev:
		default:
			c.logger.Debug("console subscriber lagging, dropping event", zap.String("type", ev.Type))
		}
	}
}

// ring is a fixed-size buffer that overwrites its oldest item.
type ring[T any] struct {
	buf   []T
	next  int
	count int
}

func newRing[T any](size int) ring[T] {
	return ring[T]{buf: make([]T, size)}
}

func (r *ring[T]) push(v T) {
	r.buf[r.next] = v
	r.next = (r.next + 1) % len(r.buf)
	if r.count < len(r.buf) {
		r.count++
	}
}

func (r *ring[T]) items() []T {
	out := make([]T, 0, r.count)
	start := (r.next - r.count + len(r.buf)) % len(r.buf)
	for i := 0; i < r.count; i++ {
		out = append(out, r.buf[(start+i)%len(r.buf)])
	}
	return out
}
