package errmap

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/webmonkey/internal/engine/assembler"
	"github.com/GriffinCanCode/webmonkey/internal/userscript"
)

func numbered(prefix string, n int) string {
	lines := make([]string, n)
	for i := range lines {
		lines[i] = fmt.Sprintf("%s%d", prefix, i+1)
	}
	return strings.Join(lines, "\n")
}

func TestMapNoRequiresUsesReducedLine(t *testing.T) {
	s := &userscript.Script{FileURL: "main.user.js"}

	for raw := 1; raw <= 50; raw++ {
		loc := Map(raw, 1, nil, s)
		assert.Equal(t, "main.user.js", loc.FileURL)
		assert.Equal(t, raw-1, loc.Line)
		assert.True(t, loc.Attributed)
	}
}

// Every content line of the assembled source must map back to the fragment
// and line that produced it.
func TestMapRoundTrip(t *testing.T) {
	s := &userscript.Script{
		FileURL: "main.user.js",
		Body:    numbered("body", 10),
		Requires: []userscript.Require{
			{Content: numbered("a", 3), FileURL: "a.js"},
			{Content: numbered("b", 5), FileURL: "b.js"},
		},
	}
	asm, err := assembler.Assemble(s)
	require.NoError(t, err)

	prefixes := map[string]string{"a.js": "a", "b.js": "b", "main.user.js": "body"}
	sizes := map[string]int{"a.js": 3, "b.js": 5, "main.user.js": 10}

	lines := strings.Split(strings.TrimSuffix(asm.Source, "\n"), "\n")
	require.Len(t, lines, 21)

	for raw := 1; raw <= len(lines); raw++ {
		loc := Map(raw, 1, asm.Offsets, s)
		require.Contains(t, prefixes, loc.FileURL, "raw line %d", raw)
		assert.GreaterOrEqual(t, loc.Line, 0, "raw line %d", raw)
		assert.LessOrEqual(t, loc.Line, sizes[loc.FileURL], "raw line %d", raw)

		text := lines[raw-1]
		if text == "" {
			assert.Equal(t, 0, loc.Line, "separator at raw line %d", raw)
			continue
		}
		assert.Equal(t, fmt.Sprintf("%s%d", prefixes[loc.FileURL], loc.Line), text, "raw line %d", raw)
	}
}

func TestMapBoundaries(t *testing.T) {
	s := &userscript.Script{FileURL: "main.user.js"}
	offsets := assembler.OffsetTable{{Total: 4, FileURL: "a.js"}, {Total: 10, FileURL: "b.js"}}

	tests := []struct {
		raw  int
		file string
		line int
	}{
		{raw: 2, file: "a.js", line: 1},
		{raw: 4, file: "a.js", line: 3},
		{raw: 5, file: "b.js", line: 0},
		{raw: 6, file: "b.js", line: 1},
		{raw: 10, file: "b.js", line: 5},
		{raw: 12, file: "main.user.js", line: 1},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("raw %d", tt.raw), func(t *testing.T) {
			loc := Map(tt.raw, 1, offsets, s)
			assert.Equal(t, tt.file, loc.FileURL)
			assert.Equal(t, tt.line, loc.Line)
		})
	}
}

func TestMapBeforePreambleIsUnknown(t *testing.T) {
	s := &userscript.Script{FileURL: "main.user.js"}
	loc := Map(1, 3, nil, s)
	assert.Equal(t, Location{FileURL: "main.user.js"}, loc)
}

func TestAttributeFallbackChain(t *testing.T) {
	s := &userscript.Script{FileURL: "main.user.js"}

	tests := []struct {
		name  string
		fault Fault
		want  Location
	}{
		{
			name:  "direct line",
			fault: Fault{Line: 6},
			want:  Location{FileURL: "main.user.js", Line: 5, Attributed: true},
		},
		{
			name:  "sentinel falls back to location",
			fault: Fault{Line: SentinelLine, Location: &Position{Line: 3}},
			want:  Location{FileURL: "main.user.js", Line: 2, Attributed: true},
		},
		{
			name:  "missing line falls back to location",
			fault: Fault{Location: &Position{Line: 9, Column: 4}},
			want:  Location{FileURL: "main.user.js", Line: 8, Attributed: true},
		},
		{
			name:  "no usable line",
			fault: Fault{Line: SentinelLine},
			want:  Location{FileURL: "main.user.js"},
		},
		{
			name:  "location without line",
			fault: Fault{Location: &Position{}},
			want:  Location{FileURL: "main.user.js"},
		},
		{
			name:  "thrown null",
			fault: Fault{NotError: true, Line: 4},
			want:  Location{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Attribute(tt.fault, 1, nil, s))
		})
	}
}
