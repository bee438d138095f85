package userscript

import (
	"regexp"
	"strings"
	"sync"
)

// NewScriptName is the file name reserved for a brand-new, unsaved script.
const NewScriptName = "newscript.user.js"

// Require is one resolved @require dependency.
type Require struct {
	Content   string // Source text
	FileURL   string // Origin used for error attribution
	SourceURL string // Where the dependency was fetched from
}

// Resource is one named @resource file.
type Resource struct {
	Name      string
	Path      string // Local file holding the resource
	SourceURL string
	MimeType  string // Optional override, detected when empty
	Charset   string // Optional override, detected when empty
}

// Script is an installed user script. Instances are treated as immutable for
// the duration of an injection.
type Script struct {
	ID          string
	Name        string
	Namespace   string
	Description string
	Version     string
	FileURL     string
	Body        string
	Requires    []Require
	Resources   []Resource
	Includes    []string
	Excludes    []string
	Enabled     bool
	Unwrap      bool
}

// MatchesURL reports whether the script applies to url. Excludes win over
// includes; a script with no includes matches nothing.
func (s *Script) MatchesURL(url string) bool {
	for _, pattern := range s.Excludes {
		if globMatch(pattern, url) {
			return false
		}
	}
	for _, pattern := range s.Includes {
		if globMatch(pattern, url) {
			return true
		}
	}
	return false
}

// Resource looks up a resource by name.
func (s *Script) Resource(name string) (Resource, bool) {
	for _, r := range s.Resources {
		if r.Name == name {
			return r, true
		}
	}
	return Resource{}, false
}

// DisplayName returns the name used in logs.
func (s *Script) DisplayName() string {
	if s.Name != "" {
		return s.Name
	}
	return s.ID
}

// MakeID derives the registry identity from namespace and name.
func MakeID(namespace, name string) string {
	if namespace == "" {
		return name
	}
	return strings.TrimRight(namespace, "/") + "/" + name
}

var patternCache sync.Map // glob -> *regexp.Regexp

// globMatch matches url against an @include/@exclude glob where '*' stands
// for any run of characters.
func globMatch(pattern, url string) bool {
	if cached, ok := patternCache.Load(pattern); ok {
		return cached.(*regexp.Regexp).MatchString(url)
	}

	var b strings.Builder
	b.WriteString("(?i)^")
	for i, part := range strings.Split(pattern, "*") {
		if i > 0 {
			b.WriteString(".*")
		}
		b.WriteString(regexp.QuoteMeta(part))
	}
	b.WriteString("$")

	re := regexp.MustCompile(b.String())
	patternCache.Store(pattern, re)
	return re.MatchString(url)
}
