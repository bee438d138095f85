// Package storage persists GM_setValue data, one JSON document per script.
package storage

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/bytedance/sonic"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/webmonkey/internal/userscript"
)

const fileSuffix = ".values.json"

// Store implements capability.Storage. Values are cached in memory and
// written through to dir; an empty dir keeps everything in memory.
type Store struct {
	dir    string
	logger *zap.Logger

	mu     sync.RWMutex
	values map[string]map[string]any
}

// New creates a store rooted at dir, creating it if needed.
func New(dir string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create storage dir: %w", err)
		}
	}
	return &Store{
		dir:    dir,
		logger: logger,
		values: make(map[string]map[string]any),
	}, nil
}

// NewMemory creates a store that never touches disk.
func NewMemory() *Store {
	s, _ := New("", nil)
	return s
}

// GetValue returns the value stored under key for s.
func (st *Store) GetValue(s *userscript.Script, key string) (any, bool, error) {
	values, err := st.load(s.ID)
	if err != nil {
		return nil, false, err
	}

	st.mu.RLock()
	defer st.mu.RUnlock()
	v, ok := values[key]
	return v, ok, nil
}

// SetValue stores value under key for s.
func (st *Store) SetValue(s *userscript.Script, key string, value any) error {
	values, err := st.load(s.ID)
	if err != nil {
		return err
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	values[key] = value
	return st.persist(s.ID, values)
}

// DeleteValue removes key for s. Missing keys are not an error.
func (st *Store) DeleteValue(s *userscript.Script, key string) error {
	values, err := st.load(s.ID)
	if err != nil {
		return err
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if _, ok := values[key]; !ok {
		return nil
	}
	delete(values, key)
	return st.persist(s.ID, values)
}

// ListValues returns the keys stored for s, sorted.
func (st *Store) ListValues(s *userscript.Script) ([]string, error) {
	values, err := st.load(s.ID)
	if err != nil {
		return nil, err
	}

	st.mu.RLock()
	defer st.mu.RUnlock()
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

// load returns the cached map for scriptID, reading it from disk on first use.
func (st *Store) load(scriptID string) (map[string]any, error) {
	st.mu.RLock()
	values, ok := st.values[scriptID]
	st.mu.RUnlock()
	if ok {
		return values, nil
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if values, ok := st.values[scriptID]; ok {
		return values, nil
	}

	values = make(map[string]any)
	if st.dir != "" {
		data, err := os.ReadFile(st.path(scriptID))
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("read values for %s: %w", scriptID, err)
		default:
			if err := sonic.Unmarshal(data, &values); err != nil {
				return nil, fmt.Errorf("decode values for %s: %w", scriptID, err)
			}
		}
	}
	st.values[scriptID] = values
	return values, nil
}

// persist writes values for scriptID. Callers hold mu.
func (st *Store) persist(scriptID string, values map[string]any) error {
	if st.dir == "" {
		return nil
	}

	data, err := sonic.Marshal(values)
	if err != nil {
		return fmt.Errorf("encode values for %s: %w", scriptID, err)
	}

	path := st.path(scriptID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write values for %s: %w", scriptID, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("write values for %s: %w", scriptID, err)
	}

	st.logger.Debug("values persisted", zap.String("script", scriptID), zap.Int("keys", len(values)))
	return nil
}

func (st *Store) path(scriptID string) string {
	return filepath.Join(st.dir, url.PathEscape(scriptID)+fileSuffix)
}
