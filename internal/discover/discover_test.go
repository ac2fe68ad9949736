package discover

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
)

func TestDiscoverPythonFiles(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	writeFile(t, dir, "main.py", "print('hello')")
	writeFile(t, dir, "lib/util.py", "def helper(): pass")
	writeFile(t, dir, "lib/stubs.pyi", "def helper() -> None: ...")
	// Non-Python file should be ignored
	writeFile(t, dir, "readme.txt", "hello")
	// Hidden file should be ignored
	writeFile(t, dir, ".hidden.py", "secret")

	entries, err := Files(dir, 0)
	if err != nil {
		t.Fatalf("Files: %v", err)
	}

	paths := make([]string, len(entries))
	for i, e := range entries {
		paths[i] = e.Path
	}

	want := []string{"lib/stubs.pyi", "lib/util.py", "main.py"}
	if len(entries) != len(want) {
		t.Fatalf("expected %d entries, got %d: %v", len(want), len(entries), paths)
	}
	for i := range want {
		if paths[i] != want[i] {
			t.Errorf("entry %d: got %q, want %q", i, paths[i], want[i])
		}
	}

	for _, e := range entries {
		if e.Language != "python" {
			t.Errorf("entry %q: language = %q, want python", e.Path, e.Language)
		}
	}
}

func TestDiscoverSkipDirs(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	writeFile(t, dir, "main.py", "pass")
	writeFile(t, dir, "node_modules/pkg.py", "pass")
	writeFile(t, dir, "__pycache__/cached.py", "pass")
	writeFile(t, dir, ".hidden/secret.py", "pass")
	writeFile(t, dir, ".protoscan/state.py", "pass")
	writeFile(t, dir, "pkg.egg-info/meta.py", "pass")

	entries, err := Files(dir, 0)
	if err != nil {
		t.Fatalf("Files: %v", err)
	}

	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	if entries[0].Path != "main.py" {
		t.Errorf("expected main.py, got %q", entries[0].Path)
	}
}

func TestDiscoverMaxSize(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	writeFile(t, dir, "small.py", "pass")
	writeFile(t, dir, "big.py", strings.Repeat("x = 1\n", 100))

	entries, err := Files(dir, 64)
	if err != nil {
		t.Fatalf("Files: %v", err)
	}
	if len(entries) != 1 || entries[0].Path != "small.py" {
		t.Fatalf("expected only small.py, got %+v", entries)
	}
	if entries[0].Size != 4 {
		t.Errorf("size = %d, want 4", entries[0].Size)
	}
}

func TestDiscoverGitignore(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	writeFile(t, dir, ".gitignore", "generated/\n")
	writeFile(t, dir, "main.py", "pass")
	writeFile(t, dir, "generated/out.py", "pass")

	entries, err := Files(dir, 0)
	if err != nil {
		t.Fatalf("Files: %v", err)
	}
	if len(entries) != 1 || entries[0].Path != "main.py" {
		t.Fatalf("expected only main.py, got %+v", entries)
	}
}

func TestMatcherAllowsGitignore(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeFile(t, dir, ".gitignore", "generated/\n")
	m := NewMatcher(dir)

	cases := []struct {
		path string
		want bool
	}{
		{"pkg/new.py", true},
		{"generated/out.py", false},
		{"__pycache__/mod.py", false},
		{"pkg/.hidden.py", false},
		{"notes.txt", false},
	}
	for _, tc := range cases {
		if got := m.Allows(tc.path); got != tc.want {
			t.Errorf("Allows(%q) = %v, want %v", tc.path, got, tc.want)
		}
	}
}

// TestMatcherAllowsNewFilesInGitCheckout verifies that files created after
// the ls-files snapshot are still checked against the ignore rules.
func TestMatcherAllowsNewFilesInGitCheckout(t *testing.T) {
	t.Parallel()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}

	dir := t.TempDir()
	cmd := exec.Command("git", "init", "-q")
	cmd.Dir = dir
	if err := cmd.Run(); err != nil {
		t.Skipf("git init: %v", err)
	}
	writeFile(t, dir, ".gitignore", "generated/\n")
	writeFile(t, dir, "main.py", "pass")
	m := NewMatcher(dir)

	writeFile(t, dir, "generated/out.py", "pass")
	writeFile(t, dir, "pkg/new.py", "pass")

	if !m.Allows("main.py") {
		t.Error("main.py should be allowed")
	}
	if !m.Allows("pkg/new.py") {
		t.Error("a new untracked file should be allowed")
	}
	if m.Allows("generated/out.py") {
		t.Error("a new ignored file should be rejected")
	}
}

func TestDiscoverSymlinksSkipped(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeFile(t, dir, "real.py", "pass")

	// Create symlink
	err := os.Symlink(filepath.Join(dir, "real.py"), filepath.Join(dir, "link.py"))
	if err != nil {
		t.Skip("symlinks not supported")
	}

	entries, err := Files(dir, 0)
	if err != nil {
		t.Fatalf("Files: %v", err)
	}

	if len(entries) != 1 {
		t.Fatalf("expected 1 entry (no symlink), got %d", len(entries))
	}
	if entries[0].Path != "real.py" {
		t.Errorf("expected real.py, got %q", entries[0].Path)
	}
}

func TestIsTestFile(t *testing.T) {
	t.Parallel()
	cases := []struct {
		path string
		want bool
	}{
		// Test directory components
		{"tests/test_scenes.py", true},
		{"tests/conftest.py", true},
		{"tests/__init__.py", true},
		{"pkg/test/helpers.py", true},
		{"src/testing/fakes.py", true},
		// Filename patterns
		{"test_helpers.py", true},
		{"pkg/models_test.py", true},
		{"pkg/tests.py", true},
		{"stubs/test_api.pyi", true},
		// Production files
		{"loom/models.py", false},
		{"loom/routers/scenes.py", false},
		{"conftest.py", false}, // top-level conftest, not in tests/
		{"testing_utils.py", false},
		{"contest.py", false},
		{"loom/database.py", false},
		{"test_data.json", false},
	}
	for _, tc := range cases {
		t.Run(tc.path, func(t *testing.T) {
			t.Parallel()
			got := IsTestFile(tc.path)
			if got != tc.want {
				t.Errorf("IsTestFile(%q) = %v, want %v", tc.path, got, tc.want)
			}
		})
	}
}

func writeFile(t *testing.T, root, rel, content string) {
	t.Helper()
	path := filepath.Join(root, rel)
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}
