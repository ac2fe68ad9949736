// Package discover finds parseable Python source files in a repository.
package discover

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	ignore "github.com/sabhiram/go-gitignore"

	"github.com/phobologic/protoscan/internal/lang"
)

// FileEntry represents a discovered source file.
type FileEntry struct {
	Path     string // Relative to repo root, slash-separated
	Language string
	Size     int64
}

var skipDirs = map[string]struct{}{
	"__pycache__":   {},
	"node_modules":  {},
	".git":          {},
	".hg":           {},
	".svn":          {},
	"venv":          {},
	".venv":         {},
	"env":           {},
	".env":          {},
	"build":         {},
	"dist":          {},
	".tox":          {},
	".nox":          {},
	".mypy_cache":   {},
	".ruff_cache":   {},
	".pytest_cache": {},
	".protoscan":    {},
	"egg-info":      {},
	"site-packages": {},
}

// SkipDir reports whether a directory name is never descended into.
func SkipDir(name string) bool {
	_, skip := skipDirs[name]
	return skip || (strings.HasPrefix(name, ".") && name != "." && name != "..")
}

// Matcher decides which repo-relative paths discovery accepts. It snapshots
// `git ls-files` (or the root .gitignore outside a git checkout) when
// created.
type Matcher struct {
	root     string
	gitFiles map[string]struct{}
	gi       *ignore.GitIgnore
}

// NewMatcher loads the ignore rules for root.
func NewMatcher(root string) *Matcher {
	m := &Matcher{root: root, gitFiles: gitLsFiles(root)}
	if m.gitFiles == nil {
		m.gi = loadGitignore(root)
	}
	return m
}

// Files discovers parseable source files under root. Files larger than
// maxSize bytes are skipped when maxSize is positive.
func Files(root string, maxSize int64) ([]FileEntry, error) {
	return NewMatcher(root).Files(maxSize)
}

// Files walks the matcher's root. Files larger than maxSize bytes are skipped
// when maxSize is positive.
func (m *Matcher) Files(maxSize int64) ([]FileEntry, error) {
	root := m.root
	var results []FileEntry

	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil // skip errors
		}

		name := d.Name()

		if d.IsDir() {
			if path == root {
				return nil
			}
			if skipTree(name) {
				return filepath.SkipDir
			}
			return nil
		}

		if strings.HasPrefix(name, ".") {
			return nil
		}

		// Skip symlinks
		if d.Type()&os.ModeSymlink != 0 {
			return nil
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)

		if !m.listed(rel) {
			return nil
		}

		langName := lang.ForExtension(filepath.Ext(name))
		if langName == "" {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return nil
		}
		if maxSize > 0 && info.Size() > maxSize {
			return nil
		}

		results = append(results, FileEntry{Path: rel, Language: langName, Size: info.Size()})
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(results, func(i, j int) bool {
		return results[i].Path < results[j].Path
	})

	return results, nil
}

// Allows reports whether discovery would accept rel, a slash-separated path
// relative to the root. Unlike a walk, it also answers for files created
// after the matcher was built: a git checkout is asked through
// `git check-ignore`.
func (m *Matcher) Allows(rel string) bool {
	rel = filepath.ToSlash(filepath.Clean(rel))
	parts := strings.Split(rel, "/")
	for _, dir := range parts[:len(parts)-1] {
		if skipTree(dir) {
			return false
		}
	}
	name := parts[len(parts)-1]
	if strings.HasPrefix(name, ".") || lang.ForExtension(filepath.Ext(name)) == "" {
		return false
	}
	if m.gitFiles != nil {
		if _, ok := m.gitFiles[rel]; ok {
			return true
		}
		return !gitIgnored(m.root, rel)
	}
	return m.listed(rel)
}

func (m *Matcher) listed(rel string) bool {
	if m.gitFiles != nil {
		_, ok := m.gitFiles[rel]
		return ok
	}
	return m.gi == nil || !m.gi.MatchesPath(rel)
}

func skipTree(name string) bool {
	return SkipDir(name) || strings.HasSuffix(name, ".egg-info")
}

var testDirs = map[string]struct{}{
	"tests":     {},
	"test":      {},
	"testing":   {},
	"__tests__": {},
}

// IsTestFile reports whether a repo-relative path looks like test code:
// anything under a tests/ directory, or a test_*.py / *_test.py module.
func IsTestFile(path string) bool {
	parts := strings.Split(filepath.ToSlash(path), "/")
	for _, dir := range parts[:len(parts)-1] {
		if _, ok := testDirs[dir]; ok {
			return true
		}
	}
	base := parts[len(parts)-1]
	stem := strings.TrimSuffix(strings.TrimSuffix(base, ".pyi"), ".py")
	if stem == base {
		return false
	}
	return strings.HasPrefix(stem, "test_") || strings.HasSuffix(stem, "_test") || stem == "tests"
}

func gitLsFiles(root string) map[string]struct{} {
	gitDir := filepath.Join(root, ".git")
	info, err := os.Stat(gitDir)
	if err != nil || !info.IsDir() {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cmd := exec.CommandContext(ctx, "git", "ls-files", "--cached", "--others", "--exclude-standard")
	cmd.Dir = root
	out, err := cmd.Output()
	if err != nil {
		return nil
	}

	files := make(map[string]struct{})
	for _, line := range strings.Split(strings.TrimRight(string(out), "\n"), "\n") {
		if line != "" {
			files[line] = struct{}{}
		}
	}
	return files
}

// gitIgnored asks git whether rel is excluded by the repository's ignore
// rules. Any failure other than a clean "not ignored" answer counts as not
// ignored.
func gitIgnored(root, rel string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cmd := exec.CommandContext(ctx, "git", "check-ignore", "-q", "--", rel)
	cmd.Dir = root
	return cmd.Run() == nil
}

func loadGitignore(root string) *ignore.GitIgnore {
	path := filepath.Join(root, ".gitignore")
	gi, err := ignore.CompileIgnoreFile(path)
	if err != nil {
		return nil
	}
	return gi
}
