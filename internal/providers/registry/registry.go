// Package registry keeps the installed user scripts: a YAML manifest in the
// scripts directory plus the script, require and resource files it points at.
package registry

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/goccy/go-yaml"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/webmonkey/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/webmonkey/internal/userscript"
)

// ManifestName is the manifest file inside the scripts directory.
const ManifestName = "scripts.yaml"

// ErrNotFound is returned for unknown script IDs.
var ErrNotFound = errors.New("script not found")

type manifest struct {
	Scripts []entry `yaml:"scripts"`
}

type entry struct {
	ID          string          `yaml:"id"`
	Name        string          `yaml:"name"`
	Namespace   string          `yaml:"namespace,omitempty"`
	Description string          `yaml:"description,omitempty"`
	Version     string          `yaml:"version,omitempty"`
	File        string          `yaml:"file"`
	Enabled     bool            `yaml:"enabled"`
	Unwrap      bool            `yaml:"unwrap,omitempty"`
	Includes    []string        `yaml:"includes,omitempty"`
	Excludes    []string        `yaml:"excludes,omitempty"`
	Requires    []requireEntry  `yaml:"requires,omitempty"`
	Resources   []resourceEntry `yaml:"resources,omitempty"`
}

type requireEntry struct {
	File string `yaml:"file"`
	URL  string `yaml:"url,omitempty"`
}

type resourceEntry struct {
	Name    string `yaml:"name"`
	File    string `yaml:"file"`
	URL     string `yaml:"url,omitempty"`
	Mime    string `yaml:"mime,omitempty"`
	Charset string `yaml:"charset,omitempty"`
}

// Registry holds scripts in injection order. Scripts handed out are never
// mutated; updates replace them.
type Registry struct {
	dir     string
	logger  *zap.Logger
	metrics *monitoring.Metrics

	mu      sync.RWMutex
	scripts []*userscript.Script
	files   map[string]string // script ID -> manifest-relative file
	entries map[string]entry
}

// Open loads the registry in dir, creating the directory if needed. Script
// files under dir that the manifest does not list are picked up too.
func Open(dir string, logger *zap.Logger) (*Registry, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve scripts dir: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create scripts dir: %w", err)
	}

	r := &Registry{
		dir:     abs,
		logger:  logger,
		files:   make(map[string]string),
		entries: make(map[string]entry),
	}
	if err := r.load(); err != nil {
		return nil, err
	}
	discovered, err := r.discover()
	if err != nil {
		return nil, err
	}
	if discovered > 0 {
		if err := r.save(); err != nil {
			return nil, err
		}
	}

	logger.Info("script registry loaded",
		zap.String("dir", abs),
		zap.Int("scripts", len(r.scripts)),
		zap.Int("discovered", discovered))
	return r, nil
}

// WithMetrics reports the registry size.
func (r *Registry) WithMetrics(metrics *monitoring.Metrics) *Registry {
	r.metrics = metrics
	r.mu.RLock()
	r.observe()
	r.mu.RUnlock()
	return r
}

// Dir returns the scripts directory.
func (r *Registry) Dir() string {
	return r.dir
}

// GetMatchingScripts returns the scripts satisfying pred, in order.
func (r *Registry) GetMatchingScripts(pred func(*userscript.Script) bool) []*userscript.Script {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*userscript.Script
	for _, s := range r.scripts {
		if pred(s) {
			out = append(out, s)
		}
	}
	return out
}

// List returns every script in order.
func (r *Registry) List() []*userscript.Script {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]*userscript.Script(nil), r.scripts...)
}

// Get returns the script with id.
func (r *Registry) Get(id string) (*userscript.Script, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.scripts {
		if s.ID == id {
			return s, true
		}
	}
	return nil, false
}

// SetEnabled turns a script on or off and saves the manifest.
func (r *Registry) SetEnabled(id string, enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, s := range r.scripts {
		if s.ID != id {
			continue
		}
		prev := r.snapshot()
		updated := *s
		updated.Enabled = enabled
		r.scripts[i] = &updated

		e := r.entries[id]
		e.Enabled = enabled
		r.entries[id] = e

		if err := r.save(); err != nil {
			r.restore(prev)
			return err
		}
		r.logger.Info("script toggled", zap.String("script", id), zap.Bool("enabled", enabled))
		return nil
	}
	return fmt.Errorf("%w: %s", ErrNotFound, id)
}

// Add installs s: its body, requires and resources are written under the
// scripts directory and the manifest is saved. Resources are read from their
// current Path. A script with the same ID is replaced in place.
func (r *Registry) Add(s *userscript.Script) (*userscript.Script, error) {
	if s.ID == "" {
		return nil, errors.New("add script: id required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	_, replacing := r.entries[s.ID]
	slug := slugify(s.ID)
	base := filepath.Join(r.dir, slug)
	if err := os.MkdirAll(base, 0o755); err != nil {
		return nil, fmt.Errorf("add script %s: %w", s.ID, err)
	}

	installed := *s
	e := entry{
		ID:          s.ID,
		Name:        s.Name,
		Namespace:   s.Namespace,
		Description: s.Description,
		Version:     s.Version,
		File:        filepath.ToSlash(filepath.Join(slug, slug+".user.js")),
		Enabled:     s.Enabled,
		Unwrap:      s.Unwrap,
		Includes:    s.Includes,
		Excludes:    s.Excludes,
	}
	if err := r.writeFile(e.File, []byte(s.Body)); err != nil {
		return nil, fmt.Errorf("add script %s: %w", s.ID, err)
	}
	installed.FileURL = fileURL(r.abs(e.File))

	installed.Requires = make([]userscript.Require, len(s.Requires))
	for i, req := range s.Requires {
		rel := filepath.ToSlash(filepath.Join(slug, fmt.Sprintf("require-%d.js", i)))
		if err := r.writeFile(rel, []byte(req.Content)); err != nil {
			return nil, fmt.Errorf("add script %s: %w", s.ID, err)
		}
		e.Requires = append(e.Requires, requireEntry{File: rel, URL: req.SourceURL})
		installed.Requires[i] = userscript.Require{
			Content:   req.Content,
			FileURL:   fileURL(r.abs(rel)),
			SourceURL: req.SourceURL,
		}
	}

	installed.Resources = make([]userscript.Resource, len(s.Resources))
	for i, res := range s.Resources {
		data, err := os.ReadFile(res.Path)
		if err != nil {
			return nil, fmt.Errorf("add script %s: resource %q: %w", s.ID, res.Name, err)
		}
		rel := filepath.ToSlash(filepath.Join(slug, "resource-"+slugify(res.Name)))
		if err := r.writeFile(rel, data); err != nil {
			return nil, fmt.Errorf("add script %s: %w", s.ID, err)
		}
		e.Resources = append(e.Resources, resourceEntry{
			Name:    res.Name,
			File:    rel,
			URL:     res.SourceURL,
			Mime:    res.MimeType,
			Charset: res.Charset,
		})
		installed.Resources[i] = res
		installed.Resources[i].Path = r.abs(rel)
	}

	prev := r.snapshot()
	r.put(&installed, e)
	if err := r.save(); err != nil {
		r.restore(prev)
		if !replacing {
			_ = os.RemoveAll(base)
		}
		return nil, err
	}

	r.logger.Info("script installed",
		zap.String("script", installed.ID),
		zap.Int("requires", len(installed.Requires)),
		zap.Int("resources", len(installed.Resources)))
	return &installed, nil
}

// put inserts or replaces a script. Callers hold mu.
func (r *Registry) put(s *userscript.Script, e entry) {
	r.entries[s.ID] = e
	r.files[s.ID] = e.File
	for i, existing := range r.scripts {
		if existing.ID == s.ID {
			r.scripts[i] = s
			r.observe()
			return
		}
	}
	r.scripts = append(r.scripts, s)
	r.observe()
}

// state is a copy of the in-memory registry, taken before a mutation so a
// failed save can be undone.
type state struct {
	scripts []*userscript.Script
	entries map[string]entry
	files   map[string]string
}

// snapshot copies the registry state. Callers hold mu.
func (r *Registry) snapshot() state {
	st := state{
		scripts: append([]*userscript.Script(nil), r.scripts...),
		entries: make(map[string]entry, len(r.entries)),
		files:   make(map[string]string, len(r.files)),
	}
	for k, v := range r.entries {
		st.entries[k] = v
	}
	for k, v := range r.files {
		st.files[k] = v
	}
	return st
}

// restore puts back a snapshot. Callers hold mu.
func (r *Registry) restore(st state) {
	r.scripts, r.entries, r.files = st.scripts, st.entries, st.files
	r.observe()
}

func (r *Registry) observe() {
	if r.metrics != nil {
		r.metrics.SetScriptsRegistered(len(r.scripts))
	}
}

func (r *Registry) load() error {
	data, err := os.ReadFile(filepath.Join(r.dir, ManifestName))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read manifest: %w", err)
	}

	var m manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return fmt.Errorf("parse manifest: %w", err)
	}

	for _, e := range m.Scripts {
		s, err := r.fromEntry(e)
		if err != nil {
			r.logger.Warn("skipping script", zap.String("script", e.ID), zap.Error(err))
			continue
		}
		r.put(s, e)
	}
	return nil
}

func (r *Registry) fromEntry(e entry) (*userscript.Script, error) {
	body, err := os.ReadFile(r.abs(e.File))
	if err != nil {
		return nil, fmt.Errorf("read script: %w", err)
	}

	s := &userscript.Script{
		ID:          e.ID,
		Name:        e.Name,
		Namespace:   e.Namespace,
		Description: e.Description,
		Version:     e.Version,
		FileURL:     fileURL(r.abs(e.File)),
		Body:        string(body),
		Includes:    e.Includes,
		Excludes:    e.Excludes,
		Enabled:     e.Enabled,
		Unwrap:      e.Unwrap,
	}
	for _, req := range e.Requires {
		content, err := os.ReadFile(r.abs(req.File))
		if err != nil {
			return nil, fmt.Errorf("read require %s: %w", req.File, err)
		}
		s.Requires = append(s.Requires, userscript.Require{
			Content:   string(content),
			FileURL:   fileURL(r.abs(req.File)),
			SourceURL: req.URL,
		})
	}
	for _, res := range e.Resources {
		s.Resources = append(s.Resources, userscript.Resource{
			Name:      res.Name,
			Path:      r.abs(res.File),
			SourceURL: res.URL,
			MimeType:  res.Mime,
			Charset:   res.Charset,
		})
	}
	return s, nil
}

// discover registers *.user.js files the manifest does not know about.
func (r *Registry) discover() (int, error) {
	matches, err := doublestar.FilepathGlob(filepath.Join(r.dir, "**", "*.user.js"))
	if err != nil {
		return 0, fmt.Errorf("discover scripts: %w", err)
	}

	known := make(map[string]bool, len(r.files))
	for _, f := range r.files {
		known[f] = true
	}

	added := 0
	for _, path := range matches {
		rel, err := filepath.Rel(r.dir, path)
		if err != nil {
			continue
		}
		rel = filepath.ToSlash(rel)
		if known[rel] {
			continue
		}

		s, e, err := r.fromFile(rel)
		if err != nil {
			r.logger.Warn("skipping discovered script", zap.String("file", rel), zap.Error(err))
			continue
		}
		if _, exists := r.entries[s.ID]; exists {
			r.logger.Warn("discovered script duplicates an installed id", zap.String("file", rel), zap.String("script", s.ID))
			continue
		}
		r.put(s, e)
		added++
	}
	return added, nil
}

func (r *Registry) fromFile(rel string) (*userscript.Script, entry, error) {
	body, err := os.ReadFile(r.abs(rel))
	if err != nil {
		return nil, entry{}, err
	}

	s := &userscript.Script{
		FileURL: fileURL(r.abs(rel)),
		Body:    string(body),
		Enabled: true,
	}

	meta, err := userscript.ParseMetadata(s.Body)
	switch {
	case errors.Is(err, userscript.ErrNoMetadata):
		meta = &userscript.Metadata{Includes: []string{"*"}}
	case err != nil:
		return nil, entry{}, err
	}
	if meta.Name == "" {
		meta.Name = strings.TrimSuffix(filepath.Base(rel), ".user.js")
	}
	meta.Apply(s)
	if len(meta.Requires) > 0 || len(meta.Resources) > 0 {
		r.logger.Warn("discovered script declares remote dependencies; install it to fetch them",
			zap.String("script", s.ID))
	}

	return s, entry{
		ID:          s.ID,
		Name:        s.Name,
		Namespace:   s.Namespace,
		Description: s.Description,
		Version:     s.Version,
		File:        rel,
		Enabled:     true,
		Unwrap:      s.Unwrap,
		Includes:    s.Includes,
		Excludes:    s.Excludes,
	}, nil
}

// save writes the manifest. Callers hold mu.
func (r *Registry) save() error {
	m := manifest{Scripts: make([]entry, 0, len(r.scripts))}
	for _, s := range r.scripts {
		m.Scripts = append(m.Scripts, r.entries[s.ID])
	}

	data, err := yaml.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	if err := r.writeFile(ManifestName, data); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	return nil
}

func (r *Registry) writeFile(rel string, data []byte) error {
	path := r.abs(rel)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func (r *Registry) abs(rel string) string {
	return filepath.Join(r.dir, filepath.FromSlash(rel))
}

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

func slugify(s string) string {
	slug := strings.Trim(unsafeChars.ReplaceAllString(s, "-"), "-.")
	if slug == "" {
		return "script"
	}
	return slug
}

func fileURL(path string) string {
	return "file://" + filepath.ToSlash(path)
}
