// Package ingest implements the event ingestion pipeline that turns raw
// client batches into durable sessions, events, and variant counters.
package ingest

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics names as constants for consistency.
const (
	MetricBatchesProcessed   = "ingest_batches_processed_total"
	MetricBatchesError       = "ingest_batches_error_total"
	MetricEventsIngested     = "ingest_events_ingested_total"
	MetricSessionsCreated    = "ingest_sessions_created_total"
	MetricSessionCacheHits   = "ingest_session_cache_hits_total"
	MetricSessionCacheMisses = "ingest_session_cache_misses_total"
	MetricBatchDuration      = "ingest_batch_duration_seconds"
)

// Metrics contains Prometheus metrics for the ingestion pipeline.
// All operations are thread-safe.
type Metrics struct {
	batchesProcessed   prometheus.Counter
	batchesError       prometheus.Counter
	eventsIngested     prometheus.Counter
	sessionsCreated    prometheus.Counter
	sessionCacheHits   prometheus.Counter
	sessionCacheMisses prometheus.Counter
	batchDuration      prometheus.Histogram
}

// NewMetrics creates a new Metrics instance with all collectors
// initialized. The metrics are not registered; call Register to register
// them with a registry.
func NewMetrics() *Metrics {
	return &Metrics{
		batchesProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricBatchesProcessed,
			Help: "Total number of event batches processed successfully",
		}),
		batchesError: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricBatchesError,
			Help: "Total number of event batches that failed",
		}),
		eventsIngested: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricEventsIngested,
			Help: "Total number of analytics events persisted",
		}),
		sessionsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricSessionsCreated,
			Help: "Total number of sessions created by the pipeline",
		}),
		sessionCacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricSessionCacheHits,
			Help: "Total number of session cache hits",
		}),
		sessionCacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricSessionCacheMisses,
			Help: "Total number of session cache misses",
		}),
		batchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    MetricBatchDuration,
			Help:    "Histogram of batch processing duration in seconds",
			Buckets: prometheus.DefBuckets,
		}),
	}
}

// Register registers all metrics with the given registry.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		m.batchesProcessed,
		m.batchesError,
		m.eventsIngested,
		m.sessionsCreated,
		m.sessionCacheHits,
		m.sessionCacheMisses,
		m.batchDuration,
	}

	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

func (m *Metrics) observeBatch(seconds float64, events, created int) {
	if m == nil {
		return
	}
	m.batchesProcessed.Inc()
	m.eventsIngested.Add(float64(events))
	m.sessionsCreated.Add(float64(created))
	m.batchDuration.Observe(seconds)
}

func (m *Metrics) incError() {
	if m == nil {
		return
	}
	m.batchesError.Inc()
}

func (m *Metrics) incCacheHit() {
	if m == nil {
		return
	}
	m.sessionCacheHits.Inc()
}

func (m *Metrics) incCacheMiss() {
	if m == nil {
		return
	}
	m.sessionCacheMisses.Inc()
}
