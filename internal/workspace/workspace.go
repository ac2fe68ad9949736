// Package workspace loads a Python repository into memory and keeps it up to
// date: it discovers and parses source files, builds the symbol graph and
// the member index, and wires the search, the result cache and the finder on
// top of them.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"

	"github.com/cespare/xxhash/v2"
	sitter "github.com/smacker/go-tree-sitter"
	"golang.org/x/sync/errgroup"

	"github.com/phobologic/protoscan/internal/cache"
	"github.com/phobologic/protoscan/internal/config"
	"github.com/phobologic/protoscan/internal/discover"
	"github.com/phobologic/protoscan/internal/finder"
	"github.com/phobologic/protoscan/internal/graph"
	"github.com/phobologic/protoscan/internal/index"
	"github.com/phobologic/protoscan/internal/lang"
	"github.com/phobologic/protoscan/internal/model"
	"github.com/phobologic/protoscan/internal/parse"
	"github.com/phobologic/protoscan/internal/policy"
	"github.com/phobologic/protoscan/internal/protocol"
	"github.com/phobologic/protoscan/internal/store"
	"github.com/phobologic/protoscan/internal/typecheck"
)

// ErrNoFiles is returned when a root contains nothing to parse.
var ErrNoFiles = errors.New("no parseable files found")

// Workspace is an in-memory model of one repository.
type Workspace struct {
	root   string
	cfg    *config.Config
	logger *slog.Logger

	matcher *discover.Matcher
	graph   *graph.Graph
	index   *index.Index
	cache   *cache.ResultCache
	finder  *finder.Finder
	store   *store.Store

	parsers map[string]*sync.Pool

	mu sync.Mutex // serializes Refresh
}

type options struct {
	logger  *slog.Logger
	metrics *cache.Metrics
}

// Option configures Open.
type Option func(*options)

// WithLogger sets the logger used by the workspace and every component it
// wires. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithMetrics routes cache metrics to m.
func WithMetrics(m *cache.Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

// Open discovers and parses every source file under root. A nil cfg means
// config.Default().
func Open(ctx context.Context, root string, cfg *config.Config, opts ...Option) (*Workspace, error) {
	o := options{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	root, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving root: %w", err)
	}
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("root path: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%s: not a directory", root)
	}

	w := &Workspace{
		root:    root,
		cfg:     cfg,
		logger:  o.logger,
		parsers: make(map[string]*sync.Pool),
	}
	for name, l := range lang.Languages {
		w.parsers[name] = &sync.Pool{New: func() any { return l.NewParser() }}
	}

	w.matcher = discover.NewMatcher(root)
	files, err := w.matcher.Files(cfg.MaxFileSize)
	if err != nil {
		return nil, fmt.Errorf("discovering files: %w", err)
	}
	if len(files) == 0 {
		return nil, ErrNoFiles
	}

	if cfg.ParseCache {
		if w.store, err = store.Open(root); err != nil {
			w.logger.Warn("parse cache disabled", "err", err)
			w.store = nil
		}
	}

	mods, err := w.parseAll(ctx, files)
	if err != nil {
		w.closeStore()
		return nil, err
	}
	if len(mods) == 0 {
		w.closeStore()
		return nil, fmt.Errorf("no files could be parsed")
	}

	w.graph = graph.New(mods)
	w.index, err = index.Build(ctx, mods)
	if err != nil {
		w.closeStore()
		return nil, err
	}
	if err := w.wire(o); err != nil {
		w.closeStore()
		return nil, err
	}

	names, indexed := w.index.Stats()
	w.logger.Debug("workspace loaded", "root", root, "files", len(mods), "indexed_names", names, "indexed_files", indexed)
	return w, nil
}

func (w *Workspace) wire(o options) error {
	oracle := typecheck.New(w.graph, typecheck.WithProtocolCheck(func(t *model.Type) bool {
		return protocol.IsProtocol(w.graph, t)
	}))

	pol, err := w.policy()
	if err != nil {
		return err
	}
	searcher := protocol.NewSearcher(w.graph, w.index, oracle,
		protocol.WithPolicy(pol),
		protocol.WithLogger(w.logger))

	cacheOpts := []cache.Option{
		cache.WithTTL(w.cfg.CacheTTL),
		cache.WithSize(w.cfg.CacheSize),
		cache.WithIndex(w.index),
		cache.WithLogger(w.logger),
	}
	if o.metrics != nil {
		cacheOpts = append(cacheOpts, cache.WithMetrics(o.metrics))
	}
	w.cache, err = cache.New(searcher, w.graph, cacheOpts...)
	if err != nil {
		return err
	}
	w.finder = finder.New(w.graph, searcher, finder.WithCache(w.cache), finder.WithLogger(w.logger))
	return nil
}

func (w *Workspace) policy() (policy.Policy, error) {
	globs := policy.WithGlobs(w.cfg.Exclude...)
	if w.cfg.ExcludeTests {
		return policy.TestScaffolding(globs, policy.WithTestFiles())
	}
	return policy.New(globs)
}

// parseAll parses files concurrently, reusing stored parses whose content
// hash is unchanged. The result keeps the order of files.
func (w *Workspace) parseAll(ctx context.Context, files []discover.FileEntry) ([]*model.Module, error) {
	workers := w.cfg.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}

	results := make([]*model.Module, len(files))
	fresh := make([]bool, len(files))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, f := range files {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			source, err := os.ReadFile(filepath.Join(w.root, filepath.FromSlash(f.Path)))
			if err != nil {
				w.logger.Warn("skipping file", "path", f.Path, "err", err)
				return nil
			}
			if mod := w.cached(f.Path, source); mod != nil {
				results[i] = mod
				return nil
			}
			results[i] = w.parse(gctx, f.Language, f.Path, source)
			fresh[i] = true
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("parsing files: %w", err)
	}

	var mods, parsed []*model.Module
	keep := make(map[string]struct{}, len(files))
	for i, mod := range results {
		if mod == nil {
			continue
		}
		mods = append(mods, mod)
		keep[mod.Path] = struct{}{}
		if fresh[i] {
			parsed = append(parsed, mod)
		}
	}
	w.logger.Debug("parsed files", "parsed", len(parsed), "reused", len(mods)-len(parsed))

	if w.store != nil {
		if err := w.store.PutAll(parsed); err != nil {
			w.logger.Warn("parse cache write failed", "err", err)
		}
		if _, err := w.store.Prune(keep); err != nil {
			w.logger.Warn("parse cache prune failed", "err", err)
		}
	}
	return mods, nil
}

func (w *Workspace) cached(path string, source []byte) *model.Module {
	if w.store == nil {
		return nil
	}
	mod, err := w.store.Get(path, xxhash.Sum64(source))
	if err != nil {
		w.logger.Warn("parse cache read failed", "path", path, "err", err)
		return nil
	}
	return mod
}

func (w *Workspace) parse(ctx context.Context, langName, path string, source []byte) *model.Module {
	pool := w.parsers[langName]
	parser := pool.Get().(*sitter.Parser)
	defer pool.Put(parser)
	return parse.Module(ctx, lang.Languages[langName], parser, source, path)
}

// Change describes what a Refresh did.
type Change struct {
	Path    string
	Removed bool
	// Unchanged is set when the file's content hash did not change.
	Unchanged bool
	// Invalidated lists the protocols whose cached results were dropped;
	// empty when Full is set or nothing was invalidated.
	Invalidated []string
	// Full is set when the whole cache was dropped.
	Full bool
}

// Refresh re-reads one file and updates the graph, the index and the cache.
// A file that no longer exists, or now exceeds the size limit, is removed.
// A file not loaded yet is added only if discovery would have accepted it.
// path may be absolute or relative to the root.
func (w *Workspace) Refresh(ctx context.Context, path string) (Change, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return Change{}, err
	}
	rel, err := w.rel(path)
	if err != nil {
		return Change{}, err
	}
	change := Change{Path: rel}
	langName := lang.ForExtension(filepath.Ext(rel))
	if langName == "" {
		change.Unchanged = true
		return change, nil
	}

	source, err := w.read(rel)
	if errors.Is(err, fs.ErrNotExist) {
		change.Removed = true
		prev := w.graph.Remove(rel)
		w.index.Remove(rel)
		if w.store != nil {
			if err := w.store.Delete(rel); err != nil {
				w.logger.Warn("parse cache delete failed", "path", rel, "err", err)
			}
		}
		w.invalidate(&change, prev, nil)
		return change, nil
	}
	if err != nil {
		return Change{}, fmt.Errorf("reading %s: %w", rel, err)
	}

	prev := w.graph.Module(rel)
	if prev == nil && !w.matcher.Allows(rel) {
		w.logger.Debug("ignoring file outside discovery", "path", rel)
		change.Unchanged = true
		return change, nil
	}
	if prev != nil && prev.ContentHash == xxhash.Sum64(source) {
		change.Unchanged = true
		return change, nil
	}

	mod := w.parse(ctx, langName, rel, source)
	w.graph.Replace(mod)
	w.index.Update(mod)
	if w.store != nil {
		if err := w.store.Put(mod); err != nil {
			w.logger.Warn("parse cache write failed", "path", rel, "err", err)
		}
	}
	w.invalidate(&change, prev, mod)
	return change, nil
}

// invalidate drops cached results affected by replacing prev with next:
// only the changed protocols when nothing else moved, everything when a
// regular class changed, and nothing when no class changed at all.
func (w *Workspace) invalidate(change *Change, prev, next *model.Module) {
	before := typesByName(prev)
	after := typesByName(next)

	var changed []*model.Type
	for qname, t := range before {
		if u, ok := after[qname]; !ok || u.Fingerprint != t.Fingerprint {
			changed = append(changed, t)
		}
	}
	for qname, t := range after {
		if u, ok := before[qname]; !ok || u.Fingerprint != t.Fingerprint {
			changed = append(changed, t)
		}
	}
	if len(changed) == 0 {
		return
	}

	seen := make(map[string]struct{})
	for _, t := range changed {
		if !protocol.DeclaresProtocol(t) {
			w.finder.InvalidateAll()
			change.Full = true
			change.Invalidated = nil
			w.logger.Debug("cache invalidated", "path", change.Path, "reason", "class changed", "class", t.QualifiedName)
			return
		}
		if _, dup := seen[t.QualifiedName]; !dup {
			seen[t.QualifiedName] = struct{}{}
			change.Invalidated = append(change.Invalidated, t.QualifiedName)
		}
	}
	for _, qname := range change.Invalidated {
		w.finder.InvalidateFor(qname)
	}
	w.logger.Debug("cache invalidated", "path", change.Path, "protocols", change.Invalidated)
}

func typesByName(mod *model.Module) map[string]*model.Type {
	out := make(map[string]*model.Type)
	if mod == nil {
		return out
	}
	for _, t := range mod.Types {
		out[t.QualifiedName] = t
	}
	return out
}

func (w *Workspace) rel(path string) (string, error) {
	if !filepath.IsAbs(path) {
		return filepath.ToSlash(filepath.Clean(path)), nil
	}
	rel, err := filepath.Rel(w.root, path)
	if err != nil {
		return "", fmt.Errorf("resolving %s: %w", path, err)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%s is outside %s", path, w.root)
	}
	return filepath.ToSlash(rel), nil
}

// read returns the file content, reporting files over the size limit as
// missing.
func (w *Workspace) read(rel string) ([]byte, error) {
	abs := filepath.Join(w.root, filepath.FromSlash(rel))
	info, err := os.Stat(abs)
	if err != nil {
		return nil, err
	}
	if info.IsDir() || (w.cfg.MaxFileSize > 0 && info.Size() > w.cfg.MaxFileSize) {
		return nil, fs.ErrNotExist
	}
	return os.ReadFile(abs)
}

// Root returns the absolute repository root.
func (w *Workspace) Root() string { return w.root }

// Finder returns the query API.
func (w *Workspace) Finder() *finder.Finder { return w.finder }

// Graph returns the symbol graph.
func (w *Workspace) Graph() *graph.Graph { return w.graph }

// Index returns the member index.
func (w *Workspace) Index() *index.Index { return w.index }

// Close releases the cache and the parse store.
func (w *Workspace) Close() error {
	var errs []error
	if w.cache != nil {
		errs = append(errs, w.cache.Close())
	}
	errs = append(errs, w.closeStore())
	return errors.Join(errs...)
}

func (w *Workspace) closeStore() error {
	if w.store == nil {
		return nil
	}
	err := w.store.Close()
	w.store = nil
	return err
}
