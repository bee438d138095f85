package sandbox

import (
	"context"
	"errors"
	"regexp"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/dop251/goja"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/webmonkey/internal/engine/assembler"
	"github.com/GriffinCanCode/webmonkey/internal/engine/capability"
	"github.com/GriffinCanCode/webmonkey/internal/engine/errmap"
	"github.com/GriffinCanCode/webmonkey/internal/userscript"
)

// ErrConsumed is returned when a sandbox is run a second time.
var ErrConsumed = errors.New("sandbox already used")

const defaultSourceName = "userscript.js"

var (
	syntaxPosition = regexp.MustCompile(`Line (\d+):(\d+)`)
	traceFrame     = regexp.MustCompile(`at (?:\S+ \()?(\S+):(\d+):(\d+)`)
)

// Sandbox is one evaluation of one script. It owns a fresh runtime and is
// discarded after Run.
type Sandbox struct {
	script   *userscript.Script
	runtime  *Runtime
	dom      *DOM
	offsets  assembler.OffsetTable
	wrapped  Wrapped
	strategy Strategy
	name     string
	logger   *zap.Logger
	used     atomic.Bool
}

// Build prepares a sandbox for s: a fresh runtime holding only the
// capabilities in caps and, when dom is non-nil, a restricted document.
func Build(cfg Config, s *userscript.Script, asm assembler.Assembly, caps capability.Set, dom *DOM) (*Sandbox, error) {
	rt, err := New(cfg)
	if err != nil {
		return nil, err
	}

	gm, err := rt.exportCapabilities(caps)
	if err != nil {
		return nil, err
	}
	if err := rt.Set("GM", gm); err != nil {
		return nil, err
	}
	if err := bindDocument(rt.vm, dom).install(); err != nil {
		return nil, err
	}

	name := s.FileURL
	if name == "" {
		name = defaultSourceName
	}
	strategy := StrategyFor(s)

	return &Sandbox{
		script:   s,
		runtime:  rt,
		dom:      dom,
		offsets:  asm.Offsets,
		wrapped:  Wrap(strategy, asm.Source, caps.Names()),
		strategy: strategy,
		name:     name,
		logger:   rt.logger,
	}, nil
}

// Runtime exposes the sandbox's runtime.
func (sb *Sandbox) Runtime() *Runtime { return sb.runtime }

// Strategy returns the wrapping strategy in use.
func (sb *Sandbox) Strategy() Strategy { return sb.strategy }

// Run evaluates the script once. A fault is returned as *EvaluationError
// carrying the attributed location; the Result is returned either way.
func (sb *Sandbox) Run(ctx context.Context) (*Result, error) {
	if !sb.used.CompareAndSwap(false, true) {
		return nil, ErrConsumed
	}

	before := 0
	if sb.dom != nil {
		before = sb.dom.ChangeCount()
	}

	start := time.Now()
	val, err := sb.runtime.Execute(ctx, sb.name, sb.wrapped.Source)

	result := &Result{
		Console:    sb.runtime.Console(),
		DOMChanges: []DOMChange{},
		Duration:   time.Since(start),
	}
	if sb.dom != nil {
		result.DOMChanges = sb.dom.ChangesSince(before)
	}

	if err != nil {
		fault := faultFrom(err, sb.name)
		evalErr := &EvaluationError{
			ScriptID: sb.script.ID,
			Location: errmap.Attribute(fault, sb.wrapped.Preamble, sb.offsets, sb.script),
			Err:      err,
		}
		sb.logger.Debug("script fault",
			zap.String("script", sb.script.ID),
			zap.String("file", evalErr.Location.FileURL),
			zap.Int("line", evalErr.Location.Line),
			zap.Error(err))
		result.Error = evalErr
		return result, evalErr
	}

	result.Value = exportValue(val)
	return result, nil
}

// faultFrom extracts what the location mapper needs from an evaluation
// error. name is the source name the program was compiled under. Positions
// come from goja's stack frames, never from the message text, which the
// script controls.
func faultFrom(err error, name string) errmap.Fault {
	var ex *goja.Exception
	if errors.As(err, &ex) {
		v := ex.Value()
		if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
			return errmap.Fault{NotError: true}
		}
		f := errmap.Fault{Location: framePosition(ex.Stack(), name)}
		if obj, ok := v.(*goja.Object); ok {
			if ln := obj.Get("lineNumber"); ln != nil && !goja.IsUndefined(ln) && !goja.IsNull(ln) {
				f.Line = int(ln.ToInteger())
			}
		}
		return f
	}

	var syntax *goja.CompilerSyntaxError
	if errors.As(err, &syntax) {
		if pos := position(syntaxPosition, syntax.Error()); pos != nil {
			return errmap.Fault{Location: pos}
		}
	}

	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		return errmap.Fault{Location: tracePosition(interrupted.String(), name)}
	}
	return errmap.Fault{}
}

// framePosition is the position of the innermost frame in the script.
func framePosition(stack []goja.StackFrame, name string) *errmap.Position {
	for i := range stack {
		fr := &stack[i]
		if fr.SrcName() != name {
			continue
		}
		pos := fr.Position()
		if pos.Line == 0 {
			continue
		}
		return &errmap.Position{Line: pos.Line, Column: pos.Column}
	}
	return nil
}

// tracePosition reads the first "at name:line:col" frame of a rendered
// stack trace. Only used where goja exposes no frames and the message is
// the host's own interrupt value.
func tracePosition(trace, name string) *errmap.Position {
	for _, m := range traceFrame.FindAllStringSubmatch(trace, -1) {
		if m[1] != name {
			continue
		}
		line, _ := strconv.Atoi(m[2])
		col, _ := strconv.Atoi(m[3])
		return &errmap.Position{Line: line, Column: col}
	}
	return nil
}

func position(re *regexp.Regexp, text string) *errmap.Position {
	m := re.FindStringSubmatch(text)
	if m == nil {
		return nil
	}
	line, _ := strconv.Atoi(m[1])
	col, _ := strconv.Atoi(m[2])
	return &errmap.Position{Line: line, Column: col}
}
