package observability

import (
	"time"

	"github.com/nagesh-bhagelli/xpense/internal/domain"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	dto "github.com/prometheus/client_model/go"
)

// Metrics holds all Prometheus metrics for the tracker.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	// Registry is the Prometheus registry that owns these metrics.
	// Exposed so the /metrics endpoint can use it.
	Registry *prometheus.Registry

	requestDuration *prometheus.HistogramVec
	remoteDuration  *prometheus.HistogramVec
	externalErrors  *prometheus.CounterVec
	cacheHits       *prometheus.CounterVec
	cacheMisses     *prometheus.CounterVec
	fetches         *prometheus.CounterVec
	staleDiscarded  *prometheus.CounterVec
	invalidations   *prometheus.CounterVec
	mutations       *prometheus.CounterVec
	authTransitions *prometheus.CounterVec
}

// NewMetrics creates a dedicated Prometheus registry and registers all
// application metrics in it. Using a private registry avoids "duplicate
// collector" panics when NewMetrics is called more than once (e.g. in tests).
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		Registry: reg,

		requestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "xpense_request_duration_seconds",
				Help:    "Duration of API requests by operation.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
		remoteDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "xpense_remote_call_duration_seconds",
				Help:    "Duration of remote store calls by collection and call.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"collection", "call"},
		),
		externalErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "xpense_external_errors_total",
				Help: "Total errors from external services.",
			},
			[]string{"service"},
		),
		cacheHits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "xpense_cache_hits_total",
				Help: "Get calls answered by a live cache entry.",
			},
			[]string{"view"},
		),
		cacheMisses: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "xpense_cache_misses_total",
				Help: "Get calls that had to start a fetch.",
			},
			[]string{"view"},
		),
		fetches: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "xpense_cache_fetches_total",
				Help: "Completed cache fetches by outcome.",
			},
			[]string{"view", "outcome"},
		),
		staleDiscarded: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "xpense_cache_stale_results_total",
				Help: "Fetch results dropped because a newer fetch superseded them.",
			},
			[]string{"view"},
		),
		invalidations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "xpense_cache_invalidations_total",
				Help: "Cache entries invalidated.",
			},
			[]string{"view"},
		),
		mutations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "xpense_mutations_total",
				Help: "Mutations by collection, operation and outcome.",
			},
			[]string{"collection", "operation", "outcome"},
		),
		authTransitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "xpense_auth_transitions_total",
				Help: "Auth state transitions by target state.",
			},
			[]string{"state"},
		),
	}
}

// RecordRequestDuration records the duration of an API operation.
func (m *Metrics) RecordRequestDuration(operation string, d time.Duration) {
	if m == nil {
		return
	}
	m.requestDuration.WithLabelValues(operation).Observe(d.Seconds())
}

// RecordRemoteCall records the duration of one remote store call.
func (m *Metrics) RecordRemoteCall(collection, call string, d time.Duration) {
	if m == nil {
		return
	}
	m.remoteDuration.WithLabelValues(collection, call).Observe(d.Seconds())
}

// IncrExternalError increments the external error counter.
func (m *Metrics) IncrExternalError(service string) {
	if m == nil {
		return
	}
	m.externalErrors.WithLabelValues(service).Inc()
}

// IncrCacheHit increments the cache hit counter.
func (m *Metrics) IncrCacheHit(view string) {
	if m == nil {
		return
	}
	m.cacheHits.WithLabelValues(view).Inc()
}

// IncrCacheMiss increments the cache miss counter.
func (m *Metrics) IncrCacheMiss(view string) {
	if m == nil {
		return
	}
	m.cacheMisses.WithLabelValues(view).Inc()
}

// IncrFetch counts a completed fetch; outcome is "ready" or "error".
func (m *Metrics) IncrFetch(view, outcome string) {
	if m == nil {
		return
	}
	m.fetches.WithLabelValues(view, outcome).Inc()
}

// IncrStaleDiscarded counts a fetch result that arrived too late.
func (m *Metrics) IncrStaleDiscarded(view string) {
	if m == nil {
		return
	}
	m.staleDiscarded.WithLabelValues(view).Inc()
}

// IncrInvalidation counts an invalidated entry.
func (m *Metrics) IncrInvalidation(view string) {
	if m == nil {
		return
	}
	m.invalidations.WithLabelValues(view).Inc()
}

// IncrMutation counts a mutation; outcome is "success" or "error".
func (m *Metrics) IncrMutation(collection, operation, outcome string) {
	if m == nil {
		return
	}
	m.mutations.WithLabelValues(collection, operation, outcome).Inc()
}

// IncrAuthTransition counts a move of the auth state machine.
func (m *Metrics) IncrAuthTransition(state string) {
	if m == nil {
		return
	}
	m.authTransitions.WithLabelValues(state).Inc()
}

// GetCacheSnapshot returns the cache counters summed over every label,
// for the GET /v1/metrics/cache endpoint.
func (m *Metrics) GetCacheSnapshot(entries int) *domain.CacheMetrics {
	snap := &domain.CacheMetrics{Entries: entries}
	if m == nil {
		return snap
	}

	snap.Hits = sumCounter(m.cacheHits, nil)
	snap.Misses = sumCounter(m.cacheMisses, nil)
	snap.Fetches = sumCounter(m.fetches, nil)
	snap.FetchErrors = sumCounter(m.fetches, map[string]string{"outcome": "error"})
	snap.StaleDiscarded = sumCounter(m.staleDiscarded, nil)
	snap.Invalidations = sumCounter(m.invalidations, nil)
	snap.Mutations = sumCounter(m.mutations, nil)
	snap.MutationErrors = sumCounter(m.mutations, map[string]string{"outcome": "error"})

	if snap.Hits+snap.Misses > 0 {
		snap.HitRate = snap.Hits / (snap.Hits + snap.Misses)
	}
	return snap
}

// sumCounter adds up every child of cv whose labels match the filter.
func sumCounter(cv *prometheus.CounterVec, filter map[string]string) float64 {
	ch := make(chan prometheus.Metric, 64)
	go func() {
		cv.Collect(ch)
		close(ch)
	}()

	var total float64
	for metric := range ch {
		m := &dto.Metric{}
		if err := metric.Write(m); err != nil || m.Counter == nil {
			continue
		}
		if !labelsMatch(m.GetLabel(), filter) {
			continue
		}
		total += m.Counter.GetValue()
	}
	return total
}

func labelsMatch(pairs []*dto.LabelPair, filter map[string]string) bool {
	for name, want := range filter {
		found := false
		for _, p := range pairs {
			if p.GetName() == name && p.GetValue() == want {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
