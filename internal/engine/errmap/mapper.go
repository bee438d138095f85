// Package errmap attributes a line in an assembled script back to the
// fragment (a @require or the script body) it came from.
package errmap

import (
	"github.com/GriffinCanCode/webmonkey/internal/engine/assembler"
	"github.com/GriffinCanCode/webmonkey/internal/userscript"
)

// SentinelLine is reported by some engines when no reliable line exists.
const SentinelLine = 4294967295

// Location is an attributed error position. Line is relative to the start of
// FileURL's fragment; zero means unknown.
type Location struct {
	FileURL    string
	Line       int
	Attributed bool
}

// Position is a nested source position carried by some error values.
type Position struct {
	Line   int
	Column int
}

// Fault is what the sandbox learned about a raised error.
type Fault struct {
	// NotError is set when the thrown value is null or undefined.
	NotError bool
	// Line is the error's own line field, if it has one.
	Line int
	// Location is the secondary position, typically the top stack frame.
	Location *Position
}

// Map resolves rawLine, a 1-based line in the evaluated source, against the
// offset table. preamble is the number of lines that precede the assembled
// source's first line, plus one, so that its first line reduces to zero.
func Map(rawLine, preamble int, offsets assembler.OffsetTable, s *userscript.Script) Location {
	reduced := rawLine - preamble
	if reduced < 0 {
		return Unknown(s)
	}

	start := 0
	for _, off := range offsets {
		if reduced < off.Total {
			return Location{FileURL: off.FileURL, Line: reduced - start, Attributed: true}
		}
		start = off.Total
	}
	return Location{FileURL: s.FileURL, Line: reduced - start, Attributed: true}
}

// Attribute applies the line fallback chain to f and maps the result.
func Attribute(f Fault, preamble int, offsets assembler.OffsetTable, s *userscript.Script) Location {
	if f.NotError {
		return Location{}
	}

	line := f.Line
	if line <= 0 || line == SentinelLine {
		if f.Location == nil || f.Location.Line <= 0 || f.Location.Line == SentinelLine {
			return Unknown(s)
		}
		line = f.Location.Line
	}
	return Map(line, preamble, offsets, s)
}

// Unknown is the unattributed location for a script: its own file, line 0.
func Unknown(s *userscript.Script) Location {
	return Location{FileURL: s.FileURL}
}
