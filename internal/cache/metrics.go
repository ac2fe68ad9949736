package cache

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Lookup outcomes, used as the "result" label.
const (
	resultHit    = "hit"
	resultMiss   = "miss"
	resultStale  = "stale"
	resultBypass = "bypass"
)

// Metrics holds the cache's Prometheus collectors.
type Metrics struct {
	lookups *prometheus.CounterVec
}

// NewMetrics creates the cache collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		// lookups counts GetOrCompute calls.
		// Labels: result (hit, miss, stale, bypass)
		lookups: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "protoscan",
			Subsystem: "cache",
			Name:      "lookups_total",
			Help:      "Result cache lookups by outcome",
		}, []string{"result"}),
	}
}

var defaultMetrics = sync.OnceValue(func() *Metrics {
	return NewMetrics(prometheus.DefaultRegisterer)
})

func (m *Metrics) record(result string) {
	m.lookups.WithLabelValues(result).Inc()
}
