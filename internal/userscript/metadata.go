package userscript

import (
	"bufio"
	"errors"
	"fmt"
	"strings"
)

const (
	metaStart = "// ==UserScript=="
	metaEnd   = "// ==/UserScript=="
)

// ErrNoMetadata is returned when a source has no metadata block.
var ErrNoMetadata = errors.New("userscript: no metadata block")

// ResourceRef is a @resource line before the file is downloaded.
type ResourceRef struct {
	Name string
	URL  string
}

// Metadata is the parsed ==UserScript== header.
type Metadata struct {
	Name        string
	Namespace   string
	Description string
	Version     string
	Includes    []string
	Excludes    []string
	Requires    []string
	Resources   []ResourceRef
	Unwrap      bool
}

// ParseMetadata reads the metadata block at the top of a user script.
func ParseMetadata(source string) (*Metadata, error) {
	meta := &Metadata{}
	inBlock, closed := false, false

	scanner := bufio.NewScanner(strings.NewReader(source))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !inBlock {
			if line == metaStart {
				inBlock = true
			}
			continue
		}
		if line == metaEnd {
			closed = true
			break
		}
		if !strings.HasPrefix(line, "// @") {
			continue
		}

		key, value := splitDirective(strings.TrimPrefix(line, "// @"))
		switch key {
		case "name":
			meta.Name = value
		case "namespace":
			meta.Namespace = value
		case "description":
			meta.Description = value
		case "version":
			meta.Version = value
		case "include":
			meta.Includes = append(meta.Includes, value)
		case "exclude":
			meta.Excludes = append(meta.Excludes, value)
		case "require":
			meta.Requires = append(meta.Requires, value)
		case "resource":
			name, url := splitDirective(value)
			if name == "" || url == "" {
				return nil, fmt.Errorf("userscript: malformed @resource %q", value)
			}
			for _, r := range meta.Resources {
				if r.Name == name {
					return nil, fmt.Errorf("userscript: duplicate @resource %q", name)
				}
			}
			meta.Resources = append(meta.Resources, ResourceRef{Name: name, URL: url})
		case "unwrap":
			meta.Unwrap = true
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("userscript: read metadata: %w", err)
	}
	if !closed {
		return nil, ErrNoMetadata
	}

	if len(meta.Includes) == 0 {
		meta.Includes = []string{"*"}
	}
	return meta, nil
}

// Apply copies the metadata fields onto a script.
func (m *Metadata) Apply(s *Script) {
	s.Name = m.Name
	s.Namespace = m.Namespace
	s.Description = m.Description
	s.Version = m.Version
	s.Includes = append([]string(nil), m.Includes...)
	s.Excludes = append([]string(nil), m.Excludes...)
	s.Unwrap = m.Unwrap
	if s.ID == "" {
		s.ID = MakeID(m.Namespace, m.Name)
	}
}

func splitDirective(s string) (string, string) {
	s = strings.TrimSpace(s)
	idx := strings.IndexAny(s, " \t")
	if idx < 0 {
		return s, ""
	}
	return s[:idx], strings.TrimSpace(s[idx+1:])
}
