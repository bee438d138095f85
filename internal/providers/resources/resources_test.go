package resources

import (
	"encoding/base64"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/webmonkey/internal/engine/capability"
	"github.com/GriffinCanCode/webmonkey/internal/userscript"
)

func writeResource(t *testing.T, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func TestResourceURL(t *testing.T) {
	png := []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR")
	s := &userscript.Script{
		ID: "ns/a",
		Resources: []userscript.Resource{
			{Name: "icon", Path: writeResource(t, "icon.png", png)},
			{Name: "css", Path: writeResource(t, "s.css", []byte("body{}")), MimeType: "text/css"},
		},
	}
	p := New(nil)

	u, err := p.ResourceURL(s, "icon")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(u, "data:image/png;base64,"), u)
	decoded, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(u, "data:image/png;base64,"))
	require.NoError(t, err)
	assert.Equal(t, png, decoded)

	u, err = p.ResourceURL(s, "css")
	require.NoError(t, err)
	assert.Equal(t, "data:text/css;base64,"+base64.StdEncoding.EncodeToString([]byte("body{}")), u)
}

func TestResourceText(t *testing.T) {
	s := &userscript.Script{
		ID: "ns/a",
		Resources: []userscript.Resource{
			{Name: "plain", Path: writeResource(t, "plain.txt", []byte("hello world, this is plain text"))},
			{Name: "latin", Path: writeResource(t, "latin.txt", []byte("caf\xe9")), Charset: "iso-8859-1"},
			{Name: "odd", Path: writeResource(t, "odd.txt", []byte("raw")), Charset: "no-such-charset"},
		},
	}
	p := New(nil)

	text, err := p.ResourceText(s, "plain")
	require.NoError(t, err)
	assert.Equal(t, "hello world, this is plain text", text)

	text, err = p.ResourceText(s, "latin")
	require.NoError(t, err)
	assert.Equal(t, "café", text)

	text, err = p.ResourceText(s, "odd")
	require.NoError(t, err)
	assert.Equal(t, "raw", text)
}

func TestUnknownResource(t *testing.T) {
	p := New(nil)
	s := &userscript.Script{ID: "ns/a"}

	_, err := p.ResourceURL(s, "nope")
	assert.True(t, errors.Is(err, capability.ErrNotFound))
	_, err = p.ResourceText(s, "nope")
	assert.True(t, errors.Is(err, capability.ErrNotFound))
}

func TestDetectCharsetDefaults(t *testing.T) {
	assert.Equal(t, "utf-8", DetectCharset(nil))
}
