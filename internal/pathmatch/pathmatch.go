// Package pathmatch matches slash-separated repository paths against
// gitignore-style glob patterns.
package pathmatch

import (
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

type pattern struct {
	glob    string
	negated bool
}

// Matcher holds compiled patterns. The last matching pattern wins, so a later
// "!pattern" re-includes a path excluded earlier.
type Matcher struct {
	patterns []pattern
}

// New creates a matcher from pattern lines. Blank lines and # comments are
// skipped.
func New(lines ...string) *Matcher {
	m := &Matcher{}
	for _, line := range lines {
		m.Add(line)
	}
	return m
}

// Add compiles one pattern line.
//
// A pattern without a slash matches the base name at any depth; a leading
// slash anchors it to the root; a trailing slash matches everything below a
// directory.
func (m *Matcher) Add(line string) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return
	}

	p := pattern{}
	if strings.HasPrefix(line, "!") {
		p.negated = true
		line = line[1:]
	}
	if strings.HasSuffix(line, "/") {
		line = strings.TrimSuffix(line, "/") + "/**"
	}
	if strings.HasPrefix(line, "/") {
		line = line[1:]
	} else if !strings.Contains(line, "/") {
		line = "**/" + line
	}

	p.glob = line
	m.patterns = append(m.patterns, p)
}

// Empty reports whether no pattern was added.
func (m *Matcher) Empty() bool {
	return len(m.patterns) == 0
}

// Match reports whether path is matched.
func (m *Matcher) Match(path string) bool {
	path = strings.TrimPrefix(filepath.ToSlash(path), "./")

	matched := false
	for _, p := range m.patterns {
		if matchGlob(p.glob, path) {
			matched = !p.negated
		}
	}
	return matched
}

func matchGlob(glob, path string) bool {
	if ok, _ := doublestar.Match(glob, path); ok {
		return true
	}
	// A pattern naming a directory also matches everything inside it.
	if !strings.HasSuffix(glob, "/**") {
		if ok, _ := doublestar.Match(glob+"/**", path); ok {
			return true
		}
	}
	return false
}
