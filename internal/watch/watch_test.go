package watch

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type recorder chan string

func (r recorder) record(path string) {
	select {
	case r <- path:
	default:
	}
}

func startWatcher(t *testing.T, root string, opts ...Option) recorder {
	t.Helper()
	w, err := New(opts...)
	require.NoError(t, err)
	rec := make(recorder, 64)
	require.NoError(t, w.Watch(root, rec.record))
	t.Cleanup(func() { require.NoError(t, w.Stop()) })
	return rec
}

func write(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

// waitFor rewrites path until the watcher reports it, which also covers
// directories that were created moments before and are not watched yet.
func waitFor(t *testing.T, rec recorder, path string) {
	t.Helper()
	require.Eventually(t, func() bool {
		write(t, path, "x = 1\n")
		for {
			select {
			case got := <-rec:
				if got == path {
					return true
				}
			default:
				return false
			}
		}
	}, 5*time.Second, 20*time.Millisecond)
}

func TestReportsPythonFiles(t *testing.T) {
	root, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)
	rec := startWatcher(t, root, WithDebounce(0))

	write(t, filepath.Join(root, "notes.txt"), "hello")
	path := filepath.Join(root, "app.py")
	write(t, path, "class A: ...\n")

	select {
	case got := <-rec:
		assert.Equal(t, path, got)
	case <-time.After(5 * time.Second):
		t.Fatal("no event for app.py")
	}
}

func TestWatchesNewDirectories(t *testing.T) {
	root, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)
	rec := startWatcher(t, root, WithDebounce(0))

	sub := filepath.Join(root, "pkg", "sub")
	require.NoError(t, os.MkdirAll(sub, 0o755))
	waitFor(t, rec, filepath.Join(sub, "mod.py"))
}

func TestSkipsIgnoredDirectories(t *testing.T) {
	root, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)
	cacheDir := filepath.Join(root, "__pycache__")
	require.NoError(t, os.Mkdir(cacheDir, 0o755))
	rec := startWatcher(t, root, WithDebounce(0))

	write(t, filepath.Join(cacheDir, "mod.py"), "x = 1\n")
	sentinel := filepath.Join(root, "sentinel.py")
	write(t, sentinel, "x = 1\n")

	select {
	case got := <-rec:
		assert.Equal(t, sentinel, got)
	case <-time.After(5 * time.Second):
		t.Fatal("no event for sentinel.py")
	}
}

func TestRemoveIsReported(t *testing.T) {
	root, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)
	path := filepath.Join(root, "gone.py")
	write(t, path, "x = 1\n")
	rec := startWatcher(t, root, WithDebounce(0))

	require.NoError(t, os.Remove(path))
	select {
	case got := <-rec:
		assert.Equal(t, path, got)
	case <-time.After(5 * time.Second):
		t.Fatal("no event for removal")
	}
}

func TestDebounce(t *testing.T) {
	root, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)
	rec := startWatcher(t, root, WithDebounce(200*time.Millisecond))

	path := filepath.Join(root, "app.py")
	for range 5 {
		write(t, path, "x = 1\n")
	}
	select {
	case got := <-rec:
		assert.Equal(t, path, got)
	case <-time.After(5 * time.Second):
		t.Fatal("no event for app.py")
	}
	// The burst was reported once; nothing else is pending.
	time.Sleep(400 * time.Millisecond)
	assert.Empty(t, rec)
}

func TestDebounceReportsFinalContent(t *testing.T) {
	root, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)
	path := filepath.Join(root, "app.py")

	w, err := New(WithDebounce(300 * time.Millisecond))
	require.NoError(t, err)
	contents := make(chan string, 8)
	require.NoError(t, w.Watch(root, func(p string) {
		data, err := os.ReadFile(p)
		if err != nil {
			data = nil
		}
		select {
		case contents <- string(data):
		default:
		}
	}))
	t.Cleanup(func() { require.NoError(t, w.Stop()) })

	write(t, path, "x = 1\n")
	time.Sleep(50 * time.Millisecond)
	write(t, path, "class Final: ...\n")

	select {
	case got := <-contents:
		assert.Equal(t, "class Final: ...\n", got)
	case <-time.After(5 * time.Second):
		t.Fatal("no callback")
	}
	time.Sleep(500 * time.Millisecond)
	assert.Empty(t, contents)
}

func TestStopDropsPendingEvents(t *testing.T) {
	root, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)

	w, err := New(WithDebounce(time.Hour))
	require.NoError(t, err)
	called := make(chan string, 1)
	require.NoError(t, w.Watch(root, func(p string) { called <- p }))

	write(t, filepath.Join(root, "app.py"), "x = 1\n")
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, w.Stop())
	assert.Empty(t, called)
}

func TestStopIsIdempotent(t *testing.T) {
	w, err := New()
	require.NoError(t, err)
	require.NoError(t, w.Watch(t.TempDir(), func(string) {}))

	require.NoError(t, w.Stop())
	require.NoError(t, w.Stop())
}

func TestWatchMissingRoot(t *testing.T) {
	w, err := New()
	require.NoError(t, err)
	defer w.Stop()

	assert.Error(t, w.Watch(filepath.Join(t.TempDir(), "missing"), func(string) {}))
}
