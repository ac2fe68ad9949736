// Package index maintains the member-name index: for each method or
// class-level attribute name, the set of files declaring a class with that
// member.
package index

import (
	"context"
	"slices"
	"sort"
	"strings"
	"sync"

	"github.com/phobologic/protoscan/internal/model"
)

// buildCheckInterval is how often Build checks for context cancellation.
const buildCheckInterval = 64

// Indexable reports whether a member name is recorded by the index. Names
// starting with an underscore, dunders included, are never indexed; lookups
// for them always come back empty and callers fall back to a linear scan.
func Indexable(name string) bool {
	return name != "" && !strings.HasPrefix(name, "_")
}

// Index is safe for concurrent use.
type Index struct {
	mu sync.RWMutex

	byName     map[string]map[string]struct{} // member name → files
	byFile     map[string][]string            // file → member names it contributed
	generation uint64
}

// New returns an empty index.
func New() *Index {
	return &Index{
		byName: make(map[string]map[string]struct{}),
		byFile: make(map[string][]string),
	}
}

// Build indexes every module, checking ctx periodically.
func Build(ctx context.Context, modules []*model.Module) (*Index, error) {
	idx := New()
	for i, mod := range modules {
		if i%buildCheckInterval == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		idx.mu.Lock()
		idx.updateLocked(mod)
		idx.mu.Unlock()
	}
	return idx, nil
}

// Update replaces whatever the index holds for mod.Path with the members
// declared in mod. The generation is bumped only when the file's set of
// indexed names changes.
func (idx *Index) Update(mod *model.Module) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.updateLocked(mod)
}

func (idx *Index) updateLocked(mod *model.Module) {
	seen := make(map[string]struct{})
	for _, t := range mod.Types {
		for _, m := range t.Methods {
			seen[m.Name] = struct{}{}
		}
		for _, a := range t.Attributes {
			if !a.Instance {
				seen[a.Name] = struct{}{}
			}
		}
	}

	var names []string
	for name := range seen {
		if Indexable(name) {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	prev, known := idx.byFile[mod.Path]
	if known && slices.Equal(prev, names) {
		return
	}
	if !known && len(names) == 0 {
		return
	}

	idx.removeLocked(mod.Path)
	for _, name := range names {
		files := idx.byName[name]
		if files == nil {
			files = make(map[string]struct{})
			idx.byName[name] = files
		}
		files[mod.Path] = struct{}{}
	}
	if len(names) > 0 {
		idx.byFile[mod.Path] = names
	}
	idx.generation++
}

// Remove drops every entry contributed by path. The generation is bumped
// only when path had indexed names.
func (idx *Index) Remove(path string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if _, ok := idx.byFile[path]; !ok {
		return
	}
	idx.removeLocked(path)
	idx.generation++
}

func (idx *Index) removeLocked(path string) {
	for _, name := range idx.byFile[path] {
		files := idx.byName[name]
		delete(files, path)
		if len(files) == 0 {
			delete(idx.byName, name)
		}
	}
	delete(idx.byFile, path)
}

// Lookup returns the sorted files inside scope that declare a class-level
// method or attribute with exactly this name.
func (idx *Index) Lookup(name string, scope model.Scope) []string {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	var files []string
	for f := range idx.byName[name] {
		if scope.Contains(f) {
			files = append(files, f)
		}
	}
	sort.Strings(files)
	return files
}

// Generation is a counter bumped whenever a lookup could return a different
// answer. A re-parse that keeps a file's member names leaves it unchanged.
func (idx *Index) Generation() uint64 {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.generation
}

// Stats reports the number of distinct names and files indexed.
func (idx *Index) Stats() (names, files int) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.byName), len(idx.byFile)
}
