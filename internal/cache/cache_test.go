package cache

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phobologic/protoscan/internal/model"
)

type spySearcher struct {
	mu     sync.Mutex
	calls  map[string]int
	result []*model.Type
	err    error
}

func (s *spySearcher) Search(_ context.Context, p *model.Type, _ model.Scope) ([]*model.Type, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.calls == nil {
		s.calls = make(map[string]int)
	}
	s.calls[p.QualifiedName]++
	if s.err != nil {
		return nil, s.err
	}
	return s.result, nil
}

func (s *spySearcher) count(qname string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[qname]
}

type fakeTracker struct {
	mu          sync.Mutex
	generations map[string]uint64
	dead        map[*model.Type]bool
}

func newTracker() *fakeTracker {
	return &fakeTracker{generations: map[string]uint64{}, dead: map[*model.Type]bool{}}
}

func (f *fakeTracker) Generation(file string) uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.generations[file]
}

func (f *fakeTracker) IsLive(t *model.Type) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.dead[t]
}

func (f *fakeTracker) bump(file string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.generations[file]++
}

func (f *fakeTracker) kill(t *model.Type) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dead[t] = true
}

type counter struct{ n uint64 }

func (c *counter) Generation() uint64 { return c.n }

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

var (
	runner = &model.Type{QualifiedName: "app.Runner", Name: "Runner", File: "app.py"}
	closer = &model.Type{QualifiedName: "io.Closer", Name: "Closer", File: "io.py"}
	worker = &model.Type{QualifiedName: "app.Worker", Name: "Worker", File: "app.py", Line: 6}
)

type harness struct {
	spy     *spySearcher
	tracker *fakeTracker
	clock   *clock
	metrics *Metrics
	cache   *ResultCache
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		spy:     &spySearcher{result: []*model.Type{worker}},
		tracker: newTracker(),
		clock:   &clock{t: time.Unix(1_700_000_000, 0)},
		metrics: NewMetrics(prometheus.NewRegistry()),
	}
	opts = append([]Option{WithClock(h.clock.now), WithMetrics(h.metrics)}, opts...)
	c, err := New(h.spy, h.tracker, opts...)
	require.NoError(t, err)
	h.cache = c
	return h
}

func (h *harness) get(t *testing.T, p *model.Type, scope model.Scope) []*model.Type {
	t.Helper()
	got, err := h.cache.GetOrCompute(context.Background(), p, scope)
	require.NoError(t, err)
	return got
}

func (h *harness) lookups(result string) float64 {
	return testutil.ToFloat64(h.metrics.lookups.WithLabelValues(result))
}

func TestHitWithinTTL(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	first := h.get(t, runner, model.Everything)
	h.clock.advance(29 * time.Second)
	second := h.get(t, runner, model.Everything)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, h.spy.count("app.Runner"))
	assert.Equal(t, 1.0, h.lookups(resultMiss))
	assert.Equal(t, 1.0, h.lookups(resultHit))
}

func TestExpiresAfterTTL(t *testing.T) {
	t.Parallel()
	h := newHarness(t, WithTTL(5*time.Second))

	h.get(t, runner, model.Everything)
	h.clock.advance(5 * time.Second)
	h.get(t, runner, model.Everything)

	assert.Equal(t, 2, h.spy.count("app.Runner"))
	assert.Equal(t, 1.0, h.lookups(resultStale))
}

func TestKeyIncludesScopeAndGeneration(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	h.get(t, runner, model.Everything)
	h.get(t, runner, model.NewScope("pkg"))
	assert.Equal(t, 2, h.spy.count("app.Runner"))

	h.get(t, runner, model.NewScope("pkg"))
	assert.Equal(t, 2, h.spy.count("app.Runner"))

	h.tracker.bump("app.py")
	h.get(t, runner, model.NewScope("pkg"))
	assert.Equal(t, 3, h.spy.count("app.Runner"))
}

func TestDeadTypeInvalidatesHit(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	h.get(t, runner, model.Everything)
	h.tracker.kill(worker)
	h.get(t, runner, model.Everything)

	assert.Equal(t, 2, h.spy.count("app.Runner"))
}

func TestIndexGenerationInvalidatesHit(t *testing.T) {
	t.Parallel()
	idx := &counter{n: 1}
	h := newHarness(t, WithIndex(idx))

	h.get(t, runner, model.Everything)
	h.get(t, runner, model.Everything)
	assert.Equal(t, 1, h.spy.count("app.Runner"))

	idx.n++
	h.get(t, runner, model.Everything)
	assert.Equal(t, 2, h.spy.count("app.Runner"))
}

func TestInvalidateFor(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	h.get(t, runner, model.Everything)
	h.get(t, runner, model.NewScope("pkg"))
	h.get(t, closer, model.Everything)
	require.Equal(t, 3, h.cache.Len())

	h.cache.InvalidateFor("app.Runner")
	assert.Equal(t, 1, h.cache.Len())

	h.get(t, runner, model.Everything)
	h.get(t, closer, model.Everything)
	assert.Equal(t, 3, h.spy.count("app.Runner"))
	assert.Equal(t, 1, h.spy.count("io.Closer"))
}

func TestInvalidateAll(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	h.get(t, runner, model.Everything)
	h.get(t, closer, model.Everything)
	h.cache.InvalidateAll()
	assert.Zero(t, h.cache.Len())

	h.get(t, runner, model.Everything)
	h.get(t, closer, model.Everything)
	assert.Equal(t, 2, h.spy.count("app.Runner"))
	assert.Equal(t, 2, h.spy.count("io.Closer"))
}

func TestErrorsAreNotCached(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	boom := errors.New("boom")
	h.spy.err = boom

	_, err := h.cache.GetOrCompute(context.Background(), runner, model.Everything)
	require.ErrorIs(t, err, boom)
	assert.Zero(t, h.cache.Len())

	h.spy.err = nil
	assert.Equal(t, []*model.Type{worker}, h.get(t, runner, model.Everything))
	assert.Equal(t, 2, h.spy.count("app.Runner"))
}

func TestAnonymousProtocolBypasses(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	anon := &model.Type{Name: "Runner"}

	h.get(t, anon, model.Everything)
	h.get(t, anon, model.Everything)

	assert.Equal(t, 2, h.spy.count(""))
	assert.Zero(t, h.cache.Len())
	assert.Equal(t, 2.0, h.lookups(resultBypass))
}

func TestSizeBound(t *testing.T) {
	t.Parallel()
	h := newHarness(t, WithSize(1))

	h.get(t, runner, model.Everything)
	h.get(t, closer, model.Everything)
	h.get(t, runner, model.Everything)

	assert.Equal(t, 1, h.cache.Len())
	assert.Equal(t, 2, h.spy.count("app.Runner"))
}

func TestCachedSliceIsIsolated(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	got := h.get(t, runner, model.Everything)
	got[0] = closer

	assert.Equal(t, []*model.Type{worker}, h.get(t, runner, model.Everything))
}

func TestClose(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	h.get(t, runner, model.Everything)
	require.NoError(t, h.cache.Close())
	assert.Zero(t, h.cache.Len())

	h.get(t, runner, model.Everything)
	h.get(t, runner, model.Everything)
	assert.Equal(t, 3, h.spy.count("app.Runner"))
	assert.Zero(t, h.cache.Len())
}

func TestConcurrentLookups(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	var wg sync.WaitGroup
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 50 {
				_, _ = h.cache.GetOrCompute(context.Background(), runner, model.Everything)
				h.cache.InvalidateFor("io.Closer")
			}
		}()
	}
	wg.Wait()

	assert.GreaterOrEqual(t, h.spy.count("app.Runner"), 1)
	assert.Equal(t, 800.0, h.lookups(resultHit)+h.lookups(resultMiss))
}
