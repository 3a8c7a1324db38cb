// Package metrics defines the Prometheus collectors of the memory subsystem.
package metrics

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Context sources.
const (
	SourceMessages  = "messages"
	SourcePins      = "pins"
	SourceSummaries = "summaries"
)

// Summary outcomes.
const (
	SummaryCreated = "created"
	SummarySkipped = "skipped"
	SummaryFailed  = "failed"
)

// Metrics holds the collectors. A nil *Metrics records nothing.
type Metrics struct {
	CacheRequests  *prometheus.CounterVec
	BuildDuration  prometheus.Histogram
	SourceLatency  *prometheus.HistogramVec
	SourceFailures *prometheus.CounterVec
	Truncations    prometheus.Counter
	Degraded       prometheus.Counter
	Summaries      *prometheus.CounterVec
}

var validLabelKey = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// ParseLabels parses a comma-separated list of key=value pairs into constant
// labels. Values support ${VAR} / $VAR expansion. Returns nil for an empty
// string.
func ParseLabels(s string) (prometheus.Labels, error) {
	s = os.Expand(s, os.Getenv)
	if s == "" {
		return nil, nil
	}
	labels := prometheus.Labels{}
	for _, pair := range strings.Split(s, ",") {
		idx := strings.IndexByte(pair, '=')
		if idx < 0 {
			return nil, fmt.Errorf("invalid label %q: expected key=value", pair)
		}
		k, v := strings.TrimSpace(pair[:idx]), pair[idx+1:]
		if !validLabelKey.MatchString(k) {
			return nil, fmt.Errorf("invalid label key %q: must match [a-zA-Z_][a-zA-Z0-9_]*", k)
		}
		labels[k] = v
	}
	return labels, nil
}

// New registers the collectors with reg.
func New(reg prometheus.Registerer, constLabels prometheus.Labels) *Metrics {
	f := promauto.With(prometheus.WrapRegistererWith(constLabels, reg))

	return &Metrics{
		CacheRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "luna_memory_cache_requests_total",
			Help: "Recency cache lookups by result (hit, miss, stale)",
		}, []string{"result"}),

		BuildDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "luna_memory_context_build_seconds",
			Help:    "Context assembly latency in seconds",
			Buckets: prometheus.DefBuckets,
		}),

		SourceLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "luna_memory_source_latency_seconds",
			Help:    "Latency of reading one context source",
			Buckets: prometheus.DefBuckets,
		}, []string{"source"}),

		SourceFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "luna_memory_source_failures_total",
			Help: "Context sources that failed or timed out",
		}, []string{"source"}),

		Truncations: f.NewCounter(prometheus.CounterOpts{
			Name: "luna_memory_truncations_total",
			Help: "Contexts truncated to fit the token budget",
		}),

		Degraded: f.NewCounter(prometheus.CounterOpts{
			Name: "luna_memory_degraded_contexts_total",
			Help: "Contexts assembled from a subset of sources",
		}),

		Summaries: f.NewCounterVec(prometheus.CounterOpts{
			Name: "luna_memory_summaries_total",
			Help: "Summarization checks by outcome",
		}, []string{"outcome"}),
	}
}

var (
	defaultOnce    sync.Once
	defaultMetrics *Metrics
)

// Default returns collectors registered with the default registerer. Only
// the first call's labels are used.
func Default(constLabels prometheus.Labels) *Metrics {
	defaultOnce.Do(func() {
		defaultMetrics = New(prometheus.DefaultRegisterer, constLabels)
	})
	return defaultMetrics
}

// ObserveCache counts a cache lookup.
func (m *Metrics) ObserveCache(result string) {
	if m == nil {
		return
	}
	m.CacheRequests.WithLabelValues(result).Inc()
}

// ObserveSource records the latency of one source read and counts failures.
func (m *Metrics) ObserveSource(source string, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.SourceLatency.WithLabelValues(source).Observe(d.Seconds())
	if err != nil {
		m.SourceFailures.WithLabelValues(source).Inc()
	}
}

// ObserveBuild records a finished context build.
func (m *Metrics) ObserveBuild(d time.Duration, truncated, degraded bool) {
	if m == nil {
		return
	}
	m.BuildDuration.Observe(d.Seconds())
	if truncated {
		m.Truncations.Inc()
	}
	if degraded {
		m.Degraded.Inc()
	}
}

// ObserveSummary counts a summarization check outcome.
func (m *Metrics) ObserveSummary(outcome string) {
	if m == nil {
		return
	}
	m.Summaries.WithLabelValues(outcome).Inc()
}
