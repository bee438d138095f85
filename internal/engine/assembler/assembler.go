// Package assembler concatenates a script's @require fragments and body into
// one executable unit and records where each fragment ends.
//
// Layout of the assembled source, one line per row:
//
//	<blank>
//	require[0] lines...
//	<blank>
//	require[1] lines...
//	<blank>
//	body lines...
//
// Every require therefore occupies lines(content)+1 lines. The errmap
// package depends on exactly this layout.
package assembler

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/GriffinCanCode/webmonkey/internal/userscript"
)

// ErrMalformedFragment marks a fragment that cannot be safely concatenated.
var ErrMalformedFragment = errors.New("malformed source fragment")

// Offset marks the cumulative line count at which a require ends.
type Offset struct {
	Total   int
	FileURL string
}

// OffsetTable lists one Offset per require, in require order.
type OffsetTable []Offset

// Assembly is the result of concatenating one script.
type Assembly struct {
	Source  string
	Offsets OffsetTable
}

// FragmentError reports which fragment failed validation.
type FragmentError struct {
	FileURL string
	Reason  string
}

func (e *FragmentError) Error() string {
	return fmt.Sprintf("%s: %s: %s", ErrMalformedFragment, e.FileURL, e.Reason)
}

func (e *FragmentError) Unwrap() error { return ErrMalformedFragment }

// Assemble builds the executable source for s.
func Assemble(s *userscript.Script) (Assembly, error) {
	offsets := make(OffsetTable, 0, len(s.Requires))

	var b strings.Builder
	b.WriteByte('\n')

	total := 0
	for _, req := range s.Requires {
		if err := validate(req.Content, req.FileURL); err != nil {
			return Assembly{}, err
		}
		b.WriteString(req.Content)
		b.WriteString("\n\n")

		total += LineCount(req.Content) + 1
		offsets = append(offsets, Offset{Total: total, FileURL: req.FileURL})
	}

	if err := validate(s.Body, s.FileURL); err != nil {
		return Assembly{}, err
	}
	b.WriteString(s.Body)
	b.WriteByte('\n')

	return Assembly{Source: b.String(), Offsets: offsets}, nil
}

// LineCount returns the number of lines content occupies once followed by a
// newline.
func LineCount(content string) int {
	return strings.Count(content, "\n") + 1
}

func validate(content, fileURL string) error {
	if !utf8.ValidString(content) {
		return &FragmentError{FileURL: fileURL, Reason: "invalid UTF-8"}
	}
	if strings.IndexByte(content, 0) >= 0 {
		return &FragmentError{FileURL: fileURL, Reason: "NUL byte in source"}
	}
	return nil
}
