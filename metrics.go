package pagecache

import (
	"github.com/always-cache/pagecache/cache"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics counts cache activity. A nil *Metrics records nothing.
type Metrics struct {
	lookups       *prometheus.CounterVec
	stores        *prometheus.CounterVec
	invalidations *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		lookups: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "pagecache_lookups_total",
			Help: "Cache lookups by resulting state.",
		}, []string{"state"}),
		stores: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "pagecache_stores_total",
			Help: "Attempts to store a response, by outcome.",
		}, []string{"outcome"}),
		invalidations: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "pagecache_invalidated_flags_total",
			Help: "Flags handed to the index for invalidation, by mode.",
		}, []string{"mode", "result"}),
	}
}

func (m *Metrics) observeLookup(state State) {
	if m == nil {
		return
	}
	m.lookups.WithLabelValues(state.String()).Inc()
}

func (m *Metrics) observeStore(outcome Outcome) {
	if m == nil {
		return
	}
	label := "stored"
	switch {
	case outcome.Cached:
	case outcome.Reason == "Storage unavailable" || outcome.Reason == "Could not store entry":
		label = "error"
	default:
		label = "not_cacheable"
	}
	m.stores.WithLabelValues(label).Inc()
}

func (m *Metrics) observeFlush(sets cache.Sets, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.invalidations.WithLabelValues("delete", result).Add(float64(len(sets.Deleted)))
	m.invalidations.WithLabelValues("expire", result).Add(float64(len(sets.Expired)))
}
