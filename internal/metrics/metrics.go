package metrics

import (
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ReadState labels a cache read.
type ReadState string

const (
	ReadFresh ReadState = "fresh"
	ReadStale ReadState = "stale"
	ReadEmpty ReadState = "empty"
)

// Recorder publishes Prometheus metrics for fetch, rate limit and cache activity.
// All methods are safe on a nil receiver.
type Recorder struct {
	gatherer prometheus.Gatherer
	handler  http.Handler

	fetches       *prometheus.CounterVec
	fetchLatency  *prometheus.HistogramVec
	rateLimitWait prometheus.Histogram
	cacheReads    *prometheus.CounterVec
	changes       *prometheus.CounterVec
	retries       *prometheus.CounterVec
	suppressed    *prometheus.CounterVec
}

// NewRecorder constructs a Prometheus-backed Recorder. When reg is nil a dedicated
// registry is created so multiple recorders can coexist without conflicting with
// the global default registerer.
func NewRecorder(reg *prometheus.Registry) *Recorder {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	reg.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	fetches := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sheetsync",
		Name:      "fetch_total",
		Help:      "Source fetches by tab and outcome.",
	}, []string{"tab", "outcome"})

	fetchLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "sheetsync",
		Name:      "fetch_duration_seconds",
		Help:      "Latency distribution for source fetches.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20},
	}, []string{"tab", "outcome"})

	rateLimitWait := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "sheetsync",
		Name:      "ratelimit_wait_seconds",
		Help:      "Time fetches spent waiting for rate limiter admission.",
		Buckets:   []float64{0, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
	})

	cacheReads := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sheetsync",
		Name:      "cache_reads_total",
		Help:      "Cache reads by tab and freshness.",
	}, []string{"tab", "state"})

	changes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sheetsync",
		Name:      "changes_total",
		Help:      "Refreshes whose content fingerprint differed from the cached one.",
	}, []string{"tab"})

	retries := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sheetsync",
		Name:      "retries_total",
		Help:      "Fetch retries issued after a transient failure.",
	}, []string{"tab"})

	suppressed := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sheetsync",
		Name:      "refresh_suppressed_total",
		Help:      "Refresh triggers rejected because the key was cooling down or suspended.",
	}, []string{"tab", "reason"})

	reg.MustRegister(fetches, fetchLatency, rateLimitWait, cacheReads, changes, retries, suppressed)

	return &Recorder{
		gatherer:      reg,
		handler:       promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		fetches:       fetches,
		fetchLatency:  fetchLatency,
		rateLimitWait: rateLimitWait,
		cacheReads:    cacheReads,
		changes:       changes,
		retries:       retries,
		suppressed:    suppressed,
	}
}

// Handler exposes the Prometheus HTTP handler for the recorder's registry.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "metrics unavailable", http.StatusServiceUnavailable)
		})
	}
	return r.handler
}

// Gatherer returns the underlying Prometheus gatherer for tests and advanced
// integrations.
func (r *Recorder) Gatherer() prometheus.Gatherer {
	if r == nil {
		return prometheus.NewRegistry()
	}
	return r.gatherer
}

// ObserveFetch records one source call.
func (r *Recorder) ObserveFetch(tab, outcome string, duration time.Duration) {
	if r == nil {
		return
	}
	tabLabel, outcomeLabel := normalizeLabel(tab), normalizeLabel(outcome)
	r.fetches.WithLabelValues(tabLabel, outcomeLabel).Inc()
	r.fetchLatency.WithLabelValues(tabLabel, outcomeLabel).Observe(duration.Seconds())
}

func (r *Recorder) ObserveRateLimitWait(duration time.Duration) {
	if r == nil {
		return
	}
	r.rateLimitWait.Observe(duration.Seconds())
}

func (r *Recorder) ObserveRetry(tab string) {
	if r == nil {
		return
	}
	r.retries.WithLabelValues(normalizeLabel(tab)).Inc()
}

func (r *Recorder) ObserveChange(tab string) {
	if r == nil {
		return
	}
	r.changes.WithLabelValues(normalizeLabel(tab)).Inc()
}

// ObserveSuppressed records a trigger rejected for reason (cooldown or suspended).
func (r *Recorder) ObserveSuppressed(tab, reason string) {
	if r == nil {
		return
	}
	r.suppressed.WithLabelValues(normalizeLabel(tab), normalizeLabel(reason)).Inc()
}

// ObserveCacheRead records a presentation read.
func (r *Recorder) ObserveCacheRead(tab string, state ReadState) {
	if r == nil {
		return
	}
	stateLabel := string(state)
	if stateLabel == "" {
		stateLabel = string(ReadEmpty)
	}
	r.cacheReads.WithLabelValues(normalizeLabel(tab), stateLabel).Inc()
}

func normalizeLabel(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}
