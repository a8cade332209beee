package workspace

import (
	"fmt"
	"path/filepath"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/fyrsmithlabs/vectord/internal/vecerr"
)

// Matcher decides whether a project-relative path belongs to a collection.
// Exclude patterns win over include patterns.
type Matcher struct {
	include []string
	exclude []string
}

// NewMatcher validates the patterns and builds a matcher.
func NewMatcher(include, exclude []string) (*Matcher, error) {
	for _, p := range append(append([]string{}, include...), exclude...) {
		if !doublestar.ValidatePattern(p) {
			return nil, fmt.Errorf("%w: bad glob pattern %q", vecerr.ErrInvalidParameter, p)
		}
	}
	return &Matcher{include: include, exclude: exclude}, nil
}

// Match reports whether the slash-separated relative path matches the
// include set minus the exclude set.
func (m *Matcher) Match(relPath string) bool {
	relPath = filepath.ToSlash(relPath)
	included := false
	for _, p := range m.include {
		if ok, _ := doublestar.Match(p, relPath); ok {
			included = true
			break
		}
	}
	if !included {
		return false
	}
	for _, p := range m.exclude {
		if ok, _ := doublestar.Match(p, relPath); ok {
			return false
		}
	}
	return true
}
