package registry

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/webmonkey/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/webmonkey/internal/userscript"
)

const discovered = `// ==UserScript==
// @name        Found
// @namespace   http://example.com
// @include     http://example.com/*
// ==/UserScript==
GM_log('found');
`

func TestAddAndReopen(t *testing.T) {
	dir := t.TempDir()
	resPath := filepath.Join(t.TempDir(), "staged-icon")
	require.NoError(t, os.WriteFile(resPath, []byte("icon-bytes"), 0o644))

	r, err := Open(dir, nil)
	require.NoError(t, err)
	assert.Empty(t, r.List())

	installed, err := r.Add(&userscript.Script{
		ID:        "http://example.com/Hello",
		Name:      "Hello",
		Namespace: "http://example.com",
		Body:      "GM_log('hi');",
		Requires:  []userscript.Require{{Content: "var lib = 1;", SourceURL: "http://cdn.example/lib.js"}},
		Resources: []userscript.Resource{{Name: "icon", Path: resPath, SourceURL: "http://cdn.example/icon.png", MimeType: "image/png"}},
		Includes:  []string{"http://example.com/*"},
		Enabled:   true,
	})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(installed.FileURL, "file://"))
	assert.True(t, strings.HasPrefix(installed.Resources[0].Path, r.Dir()))
	_, err = os.Stat(filepath.Join(dir, ManifestName))
	require.NoError(t, err)

	reopened, err := Open(dir, nil)
	require.NoError(t, err)
	s, ok := reopened.Get("http://example.com/Hello")
	require.True(t, ok)
	assert.Equal(t, "GM_log('hi');", s.Body)
	assert.Equal(t, installed.FileURL, s.FileURL)
	require.Len(t, s.Requires, 1)
	assert.Equal(t, "var lib = 1;", s.Requires[0].Content)
	assert.Equal(t, "http://cdn.example/lib.js", s.Requires[0].SourceURL)
	require.Len(t, s.Resources, 1)
	assert.Equal(t, "image/png", s.Resources[0].MimeType)

	data, err := os.ReadFile(s.Resources[0].Path)
	require.NoError(t, err)
	assert.Equal(t, "icon-bytes", string(data))
}

func TestAddReplacesInPlace(t *testing.T) {
	r, err := Open(t.TempDir(), nil)
	require.NoError(t, err)

	_, err = r.Add(&userscript.Script{ID: "a", Name: "a", Body: "1", Enabled: true})
	require.NoError(t, err)
	_, err = r.Add(&userscript.Script{ID: "b", Name: "b", Body: "2", Enabled: true})
	require.NoError(t, err)
	_, err = r.Add(&userscript.Script{ID: "a", Name: "a", Body: "3", Enabled: true})
	require.NoError(t, err)

	list := r.List()
	require.Len(t, list, 2)
	assert.Equal(t, "a", list[0].ID)
	assert.Equal(t, "3", list[0].Body)
	assert.Equal(t, "b", list[1].ID)
}

func TestSetEnabled(t *testing.T) {
	dir := t.TempDir()
	r, err := Open(dir, nil)
	require.NoError(t, err)
	_, err = r.Add(&userscript.Script{ID: "a", Name: "a", Body: "1", Enabled: true})
	require.NoError(t, err)

	before, _ := r.Get("a")
	require.NoError(t, r.SetEnabled("a", false))
	after, _ := r.Get("a")

	assert.True(t, before.Enabled, "handed-out scripts are not mutated")
	assert.False(t, after.Enabled)
	assert.True(t, errors.Is(r.SetEnabled("missing", true), ErrNotFound))

	reopened, err := Open(dir, nil)
	require.NoError(t, err)
	s, _ := reopened.Get("a")
	assert.False(t, s.Enabled)
}

func TestGetMatchingScriptsKeepsOrder(t *testing.T) {
	r, err := Open(t.TempDir(), nil)
	require.NoError(t, err)
	for _, id := range []string{"c", "a", "b"} {
		_, err := r.Add(&userscript.Script{ID: id, Name: id, Body: id, Enabled: id != "a"})
		require.NoError(t, err)
	}

	got := r.GetMatchingScripts(func(s *userscript.Script) bool { return s.Enabled })
	require.Len(t, got, 2)
	assert.Equal(t, "c", got[0].ID)
	assert.Equal(t, "b", got[1].ID)
}

func TestDiscovery(t *testing.T) {
	dir := t.TempDir()
	nested := filepath.Join(dir, "extra", "deep")
	require.NoError(t, os.MkdirAll(nested, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(nested, "found.user.js"), []byte(discovered), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bare.user.js"), []byte("GM_log('bare');"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.js"), []byte("ignored"), 0o644))

	metrics := monitoring.NewMetrics()
	r, err := Open(dir, nil)
	require.NoError(t, err)
	r.WithMetrics(metrics)

	found, ok := r.Get("http://example.com/Found")
	require.True(t, ok)
	assert.True(t, found.Enabled)
	assert.True(t, found.MatchesURL("http://example.com/page"))
	assert.False(t, found.MatchesURL("http://other.example/"))

	bare, ok := r.Get("bare")
	require.True(t, ok)
	assert.True(t, bare.MatchesURL("http://anything.example/"))
	assert.Len(t, r.List(), 2)

	reopened, err := Open(dir, nil)
	require.NoError(t, err)
	assert.Len(t, reopened.List(), 2)
}

func TestSlugify(t *testing.T) {
	assert.Equal(t, "http-example.com-Hello", slugify("http://example.com/Hello"))
	assert.Equal(t, "script", slugify("///"))
}

func TestFailedSaveLeavesRegistryUnchanged(t *testing.T) {
	dir := t.TempDir()
	r, err := Open(dir, nil)
	require.NoError(t, err)

	_, err = r.Add(&userscript.Script{ID: "http://example.com/Kept", Name: "Kept", Body: "1;", Enabled: true})
	require.NoError(t, err)

	manifest := filepath.Join(dir, ManifestName)
	require.NoError(t, os.Remove(manifest))
	require.NoError(t, os.MkdirAll(filepath.Join(manifest, "blocker"), 0o755))

	_, err = r.Add(&userscript.Script{ID: "http://example.com/Lost", Name: "Lost", Body: "2;", Enabled: true})
	require.Error(t, err)
	_, ok := r.Get("http://example.com/Lost")
	assert.False(t, ok)
	assert.Len(t, r.List(), 1)
	_, err = os.Stat(filepath.Join(dir, slugify("http://example.com/Lost")))
	assert.True(t, errors.Is(err, os.ErrNotExist))

	require.Error(t, r.SetEnabled("http://example.com/Kept", false))
	kept, ok := r.Get("http://example.com/Kept")
	require.True(t, ok)
	assert.True(t, kept.Enabled)
}
