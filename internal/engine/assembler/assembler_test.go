package assembler

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/webmonkey/internal/userscript"
)

func TestAssembleNoRequires(t *testing.T) {
	s := &userscript.Script{Body: "a();\nb();", FileURL: "file:///main.user.js"}

	asm, err := Assemble(s)
	require.NoError(t, err)

	assert.Equal(t, "\na();\nb();\n", asm.Source)
	assert.Empty(t, asm.Offsets)
}

func TestAssembleWithRequires(t *testing.T) {
	s := &userscript.Script{
		Body:    "body();",
		FileURL: "file:///main.user.js",
		Requires: []userscript.Require{
			{Content: "one();\ntwo();\nthree();", FileURL: "file:///a.js"},
			{Content: "four();", FileURL: "file:///b.js"},
		},
	}

	asm, err := Assemble(s)
	require.NoError(t, err)

	lines := strings.Split(asm.Source, "\n")
	assert.Equal(t, "", lines[0])
	assert.Equal(t, "one();", lines[1])
	assert.Equal(t, "three();", lines[3])
	assert.Equal(t, "", lines[4])
	assert.Equal(t, "four();", lines[5])
	assert.Equal(t, "", lines[6])
	assert.Equal(t, "body();", lines[7])

	assert.Equal(t, OffsetTable{
		{Total: 4, FileURL: "file:///a.js"},
		{Total: 6, FileURL: "file:///b.js"},
	}, asm.Offsets)
}

func TestAssembleOffsetsStrictlyIncreasing(t *testing.T) {
	s := &userscript.Script{Body: "x"}
	for _, content := range []string{"", "a", "a\nb\n", "\n\n\n"} {
		s.Requires = append(s.Requires, userscript.Require{Content: content, FileURL: "r"})
	}

	asm, err := Assemble(s)
	require.NoError(t, err)

	prev := 0
	for _, off := range asm.Offsets {
		assert.Greater(t, off.Total, prev)
		prev = off.Total
	}
}

func TestAssembleRejectsMalformedFragments(t *testing.T) {
	tests := []struct {
		name   string
		script *userscript.Script
		file   string
	}{
		{
			name:   "NUL in require",
			script: &userscript.Script{Requires: []userscript.Require{{Content: "a\x00", FileURL: "req.js"}}},
			file:   "req.js",
		},
		{
			name:   "invalid UTF-8 in body",
			script: &userscript.Script{Body: "\xff\xfe", FileURL: "main.user.js"},
			file:   "main.user.js",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Assemble(tt.script)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrMalformedFragment))

			var fragErr *FragmentError
			require.True(t, errors.As(err, &fragErr))
			assert.Equal(t, tt.file, fragErr.FileURL)
		})
	}
}

func TestLineCount(t *testing.T) {
	assert.Equal(t, 1, LineCount(""))
	assert.Equal(t, 1, LineCount("a"))
	assert.Equal(t, 2, LineCount("a\n"))
	assert.Equal(t, 3, LineCount("a\nb\nc"))
}
