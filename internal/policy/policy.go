// Package policy decides which classes, functions and lambdas are excluded
// from implementer results.
package policy

import (
	"fmt"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/phobologic/protoscan/internal/discover"
	"github.com/phobologic/protoscan/internal/model"
)

// Policy excludes declarations from search results.
type Policy interface {
	ExcludeType(t *model.Type) bool
	ExcludeFunction(f *model.Function) bool
	ExcludeLambda(l *model.Lambda) bool
}

// Rules is the configurable Policy.
type Rules struct {
	scaffolding bool
	testFiles   bool
	globs       []string
}

// Option configures Rules.
type Option func(*Rules)

// WithTestFiles also excludes every declaration in a file that
// discover.IsTestFile recognises.
func WithTestFiles() Option {
	return func(r *Rules) { r.testFiles = true }
}

// WithGlobs excludes every declaration in files matching one of the
// doublestar patterns (e.g. "**/fixtures/**").
func WithGlobs(globs ...string) Option {
	return func(r *Rules) { r.globs = append(r.globs, globs...) }
}

// New returns Rules that exclude nothing by default. Invalid glob patterns
// are reported as errors.
func New(opts ...Option) (*Rules, error) {
	r := &Rules{}
	for _, opt := range opts {
		opt(r)
	}
	for _, g := range r.globs {
		if !doublestar.ValidatePattern(g) {
			return nil, fmt.Errorf("invalid exclude pattern %q", g)
		}
	}
	return r, nil
}

// TestScaffolding returns Rules excluding classes named Test* or test_* and
// functions named test_*, plus whatever the options add.
func TestScaffolding(opts ...Option) (*Rules, error) {
	r, err := New(opts...)
	if err != nil {
		return nil, err
	}
	r.scaffolding = true
	return r, nil
}

// None excludes nothing.
func None() Policy {
	return &Rules{}
}

// ExcludeType implements Policy.
func (r *Rules) ExcludeType(t *model.Type) bool {
	if r.scaffolding && (strings.HasPrefix(t.Name, "Test") || strings.HasPrefix(t.Name, "test_")) {
		return true
	}
	return r.excludeFile(t.File)
}

// ExcludeFunction implements Policy.
func (r *Rules) ExcludeFunction(f *model.Function) bool {
	if r.scaffolding && strings.HasPrefix(f.Name, "test_") {
		return true
	}
	return r.excludeFile(f.File)
}

// ExcludeLambda implements Policy. Lambdas have no name, so only the file
// rules apply.
func (r *Rules) ExcludeLambda(l *model.Lambda) bool {
	return r.excludeFile(l.File)
}

func (r *Rules) excludeFile(path string) bool {
	if path == "" {
		return false
	}
	if r.testFiles && discover.IsTestFile(path) {
		return true
	}
	for _, g := range r.globs {
		if ok, _ := doublestar.Match(g, path); ok {
			return true
		}
	}
	return false
}
