// Package watch reports changed Python source files under a directory tree.
// It watches recursively, skips the directories discovery skips, and
// debounces the bursts of events editors produce for a single save.
package watch

import (
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/phobologic/protoscan/internal/discover"
	"github.com/phobologic/protoscan/internal/lang"
)

// DefaultDebounce is how long a path must stay quiet before it is reported.
// Every event for the path restarts the wait, so a burst yields one callback
// after its last event.
const DefaultDebounce = 50 * time.Millisecond

// Watcher delivers changed source paths to a callback from a single
// goroutine.
type Watcher struct {
	fw       *fsnotify.Watcher
	debounce time.Duration
	logger   *slog.Logger

	done chan struct{}
	wg   sync.WaitGroup

	mu      sync.Mutex
	stopped bool
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithDebounce overrides DefaultDebounce. Zero reports every event at once.
func WithDebounce(d time.Duration) Option {
	return func(w *Watcher) {
		if d >= 0 {
			w.debounce = d
		}
	}
}

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(w *Watcher) {
		if l != nil {
			w.logger = l
		}
	}
}

// New creates a Watcher.
func New(opts ...Option) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{
		fw:       fw,
		debounce: DefaultDebounce,
		logger:   slog.Default(),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Watch starts monitoring root recursively. onChange receives the absolute
// path of every created, written, removed or renamed source file. It is
// never called concurrently and never after Stop returns.
func (w *Watcher) Watch(root string, onChange func(path string)) error {
	root, err := filepath.Abs(root)
	if err != nil {
		return err
	}
	if err := w.addTree(root); err != nil {
		return err
	}

	w.wg.Add(1)
	go w.loop(onChange)
	return nil
}

func (w *Watcher) addTree(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return err
			}
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if path != root && skip(d.Name()) {
			return filepath.SkipDir
		}
		return w.fw.Add(path)
	})
}

func skip(dir string) bool {
	return discover.SkipDir(dir) || filepath.Ext(dir) == ".egg-info"
}

func (w *Watcher) loop(onChange func(string)) {
	defer w.wg.Done()

	// pending maps a path to the time it becomes quiet enough to report.
	pending := make(map[string]time.Time)
	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	schedule := func() {
		if len(pending) == 0 {
			return
		}
		var next time.Time
		for _, due := range pending {
			if next.IsZero() || due.Before(next) {
				next = due
			}
		}
		timer.Reset(time.Until(next))
	}

	for {
		select {
		case event, ok := <-w.fw.Events:
			if !ok {
				return
			}
			if event.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() && !skip(info.Name()) {
					if err := w.addTree(event.Name); err != nil {
						w.logger.Warn("watching new directory", "path", event.Name, "err", err)
					}
					continue
				}
			}
			if !relevant(event) {
				continue
			}
			if w.debounce == 0 {
				if w.stopping() {
					return
				}
				onChange(event.Name)
				continue
			}
			pending[event.Name] = time.Now().Add(w.debounce)
			schedule()

		case <-timer.C:
			now := time.Now()
			var due []string
			for path, at := range pending {
				if !at.After(now) {
					due = append(due, path)
				}
			}
			sort.Strings(due)
			for _, path := range due {
				delete(pending, path)
				if w.stopping() {
					return
				}
				onChange(path)
			}
			schedule()

		case err, ok := <-w.fw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watch error", "err", err)

		case <-w.done:
			return
		}
	}
}

func (w *Watcher) stopping() bool {
	select {
	case <-w.done:
		return true
	default:
		return false
	}
}

func relevant(event fsnotify.Event) bool {
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) &&
		!event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
		return false
	}
	name := filepath.Base(event.Name)
	if len(name) > 0 && name[0] == '.' {
		return false
	}
	return lang.ForExtension(filepath.Ext(name)) != ""
}

// Stop ends monitoring and waits for the event goroutine to exit. Safe to
// call multiple times.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return nil
	}
	w.stopped = true
	close(w.done)
	w.mu.Unlock()

	err := w.fw.Close()
	w.wg.Wait()
	if errors.Is(err, fsnotify.ErrClosed) {
		return nil
	}
	return err
}
