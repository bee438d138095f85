package sandbox

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/webmonkey/internal/engine/errmap"
	"github.com/GriffinCanCode/webmonkey/internal/userscript"
)

// Config defines sandbox configuration
type Config struct {
	MaxCallStackSize int           // Maximum JS call stack depth
	Timeout          time.Duration // Execution timeout, zero leaves it to the host
	EnableConsole    bool          // Capture console.log/warn/error
	Logger           *zap.Logger
}

// Strategy selects how the assembled source is wrapped.
type Strategy int

const (
	// Isolated wraps the source in a closure that removes the ambient
	// bindings before any script code runs.
	Isolated Strategy = iota
	// Ambient runs the source at top level with GM_* left as globals.
	Ambient
)

func (s Strategy) String() string {
	switch s {
	case Isolated:
		return "isolated"
	case Ambient:
		return "ambient"
	default:
		return "unknown"
	}
}

// StrategyFor picks the wrapping strategy from the script's @unwrap flag.
func StrategyFor(s *userscript.Script) Strategy {
	if s.Unwrap {
		return Ambient
	}
	return Isolated
}

// Result holds execution result
type Result struct {
	Value      interface{}   // Completion value
	Console    []LogEntry    // Console output
	DOMChanges []DOMChange   // Document modifications made by this run
	Duration   time.Duration // Execution time
	Error      error         // Execution error
}

// LogEntry represents console output
type LogEntry struct {
	Level   string    // log, warn, error, info
	Message string    // Log message
	Time    time.Time // Timestamp
}

// DOMChange represents a document modification
type DOMChange struct {
	Type     string      // set_attribute, set_text, set_html, add_style
	Selector string      // CSS selector of the target node
	Property string      // Attribute name, if any
	Value    interface{} // New value
}

// EvaluationError is a fault raised while evaluating a script, with its
// best-effort source location.
type EvaluationError struct {
	ScriptID string
	Location errmap.Location
	Err      error
}

func (e *EvaluationError) Error() string {
	if !e.Location.Attributed {
		return fmt.Sprintf("script %s: %v (location unknown)", e.ScriptID, e.Err)
	}
	return fmt.Sprintf("script %s: %v (%s:%d)", e.ScriptID, e.Err, e.Location.FileURL, e.Location.Line)
}

func (e *EvaluationError) Unwrap() error { return e.Err }

// DefaultConfig returns the default sandbox configuration.
func DefaultConfig() Config {
	return Config{
		MaxCallStackSize: 1024,
		EnableConsole:    true,
	}
}
