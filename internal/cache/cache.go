// Package cache memoizes protocol implementation searches.
//
// An entry is keyed by the protocol's qualified name, the scope and the
// modification generation of the protocol's file. A hit is served only while
// it is younger than the TTL, every cached type is still live in the graph
// and, when an index is wired, the member index has not changed since the
// entry was computed.
package cache

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/phobologic/protoscan/internal/model"
)

const (
	// DefaultTTL bounds how long a result is trusted.
	DefaultTTL = 30 * time.Second
	// DefaultSize bounds the number of cached searches.
	DefaultSize = 1024
)

// Searcher computes the implementers of a protocol. *protocol.Searcher
// implements it.
type Searcher interface {
	Search(ctx context.Context, protocol *model.Type, scope model.Scope) ([]*model.Type, error)
}

// Tracker reports file generations and type liveness. *graph.Graph
// implements it.
type Tracker interface {
	Generation(file string) uint64
	IsLive(t *model.Type) bool
}

// Versioned is anything with a monotonically increasing generation, such as
// the member index.
type Versioned interface {
	Generation() uint64
}

type key struct {
	qname      string
	scope      uint64
	generation uint64
}

type entry struct {
	types    []*model.Type
	computed time.Time
	indexGen uint64
}

// ResultCache is safe for concurrent use. Two callers missing on the same key
// at once may both compute; the later store wins.
type ResultCache struct {
	search  Searcher
	tracker Tracker
	index   Versioned
	ttl     time.Duration
	size    int
	now     func() time.Time
	logger  *slog.Logger
	metrics *Metrics

	entries *lru.Cache[key, entry]

	mu     sync.RWMutex
	closed bool
}

// Option configures a ResultCache.
type Option func(*ResultCache)

// WithTTL overrides DefaultTTL. Non-positive values are ignored.
func WithTTL(ttl time.Duration) Option {
	return func(c *ResultCache) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// WithSize overrides DefaultSize. Non-positive values are ignored.
func WithSize(size int) Option {
	return func(c *ResultCache) {
		if size > 0 {
			c.size = size
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *ResultCache) {
		if now != nil {
			c.now = now
		}
	}
}

// WithIndex makes hits depend on the index generation.
func WithIndex(v Versioned) Option {
	return func(c *ResultCache) {
		c.index = v
	}
}

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *ResultCache) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithMetrics routes lookup counts to m instead of the process-wide
// collectors.
func WithMetrics(m *Metrics) Option {
	return func(c *ResultCache) {
		if m != nil {
			c.metrics = m
		}
	}
}

// New creates a ResultCache in front of search.
func New(search Searcher, tracker Tracker, opts ...Option) (*ResultCache, error) {
	c := &ResultCache{
		search:  search,
		tracker: tracker,
		ttl:     DefaultTTL,
		size:    DefaultSize,
		now:     time.Now,
		logger:  slog.Default(),
		metrics: defaultMetrics(),
	}
	for _, opt := range opts {
		opt(c)
	}
	entries, err := lru.New[key, entry](c.size)
	if err != nil {
		return nil, fmt.Errorf("creating result cache: %w", err)
	}
	c.entries = entries
	return c, nil
}

// GetOrCompute returns the cached implementers of protocol in scope, running
// the search on a miss. Errors are returned as-is and never cached.
func (c *ResultCache) GetOrCompute(ctx context.Context, protocol *model.Type, scope model.Scope) ([]*model.Type, error) {
	if protocol.QualifiedName == "" || c.isClosed() {
		c.metrics.record(resultBypass)
		return c.search.Search(ctx, protocol, scope)
	}

	k := key{
		qname:      protocol.QualifiedName,
		scope:      scope.Hash(),
		generation: c.tracker.Generation(protocol.File),
	}
	if e, ok := c.entries.Get(k); ok {
		if c.valid(e) {
			c.metrics.record(resultHit)
			c.logger.Debug("cache hit", "protocol", k.qname, "scope", scope.String(), "types", len(e.types))
			return slices.Clone(e.types), nil
		}
		c.entries.Remove(k)
		c.metrics.record(resultStale)
		c.logger.Debug("cache entry stale", "protocol", k.qname, "scope", scope.String())
	} else {
		c.metrics.record(resultMiss)
	}

	indexGen := c.indexGeneration()
	types, err := c.search.Search(ctx, protocol, scope)
	if err != nil {
		return nil, err
	}
	if !c.isClosed() {
		c.entries.Add(k, entry{types: slices.Clone(types), computed: c.now(), indexGen: indexGen})
	}
	return types, nil
}

func (c *ResultCache) valid(e entry) bool {
	if c.now().Sub(e.computed) >= c.ttl {
		return false
	}
	if c.index != nil && c.index.Generation() != e.indexGen {
		return false
	}
	for _, t := range e.types {
		if !c.tracker.IsLive(t) {
			return false
		}
	}
	return true
}

func (c *ResultCache) indexGeneration() uint64 {
	if c.index == nil {
		return 0
	}
	return c.index.Generation()
}

// InvalidateAll drops every entry.
func (c *ResultCache) InvalidateAll() {
	n := c.entries.Len()
	c.entries.Purge()
	c.logger.Debug("cache invalidated", "entries", n)
}

// InvalidateFor drops every entry for the protocol named qname, whatever
// its scope or generation.
func (c *ResultCache) InvalidateFor(qname string) {
	n := 0
	for _, k := range c.entries.Keys() {
		if k.qname == qname {
			c.entries.Remove(k)
			n++
		}
	}
	c.logger.Debug("cache invalidated", "protocol", qname, "entries", n)
}

// Len returns the number of cached entries, including stale ones not yet
// evicted.
func (c *ResultCache) Len() int {
	return c.entries.Len()
}

// Close drops every entry. Later lookups compute without caching.
func (c *ResultCache) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.entries.Purge()
	return nil
}

func (c *ResultCache) isClosed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}
