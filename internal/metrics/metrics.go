// Package metrics exposes Prometheus collectors for pipeline runs and the
// remote services they call. A nil *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "campuscal"

// Metrics holds the application's collectors.
type Metrics struct {
	pipelineRuns     *prometheus.CounterVec
	pipelineDuration prometheus.Histogram
	llmRequests      *prometheus.CounterVec
	calendarInserts  *prometheus.CounterVec
	tagCache         *prometheus.CounterVec
	eventsScraped    prometheus.Counter
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		pipelineRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pipeline_runs_total",
			Help:      "Pipeline runs by outcome.",
		}, []string{"outcome"}),
		pipelineDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "pipeline_duration_seconds",
			Help:      "Wall time of a full pipeline run.",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300},
		}),
		llmRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "llm_requests_total",
			Help:      "Classification requests by outcome.",
		}, []string{"outcome"}),
		calendarInserts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "calendar_inserts_total",
			Help:      "Calendar event inserts by outcome.",
		}, []string{"outcome"}),
		tagCache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tag_cache_lookups_total",
			Help:      "Tag cache lookups by result.",
		}, []string{"result"}),
		eventsScraped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_scraped_total",
			Help:      "Upcoming events extracted from the source calendar.",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.pipelineRuns,
			m.pipelineDuration,
			m.llmRequests,
			m.calendarInserts,
			m.tagCache,
			m.eventsScraped,
		)
	}
	return m
}

// PipelineRun records a finished run.
func (m *Metrics) PipelineRun(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.pipelineRuns.WithLabelValues(outcome).Inc()
	m.pipelineDuration.Observe(d.Seconds())
}

// LLMRequest records one classification request attempt.
func (m *Metrics) LLMRequest(outcome string) {
	if m == nil {
		return
	}
	m.llmRequests.WithLabelValues(outcome).Inc()
}

// CalendarInsert records one calendar insert.
func (m *Metrics) CalendarInsert(ok bool) {
	if m == nil {
		return
	}
	outcome := "ok"
	if !ok {
		outcome = "error"
	}
	m.calendarInserts.WithLabelValues(outcome).Inc()
}

// CacheLookup records a tag cache hit or miss.
func (m *Metrics) CacheLookup(hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.tagCache.WithLabelValues(result).Inc()
}

// EventsScraped adds n scraped events.
func (m *Metrics) EventsScraped(n int) {
	if m == nil {
		return
	}
	m.eventsScraped.Add(float64(n))
}
