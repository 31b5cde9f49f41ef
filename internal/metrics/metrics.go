// Package metrics registers the Prometheus counters and histograms
// exposed on the operator HTTP surface's /metrics route. Grounded on
// pkg/metrics/cron.go's registration style (a struct of vectors built once
// against a Registerer, nil-tolerant observation methods so a caller can
// hold a *Metrics even when metrics are disabled).
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "clipvault"

// Metrics holds every counter/histogram clipvault exposes.
type Metrics struct {
	jobsProcessed     *prometheus.CounterVec
	jobDuration       *prometheus.HistogramVec
	scanPages         *prometheus.CounterVec
	thumbnailDuration *prometheus.HistogramVec
	bulkUpsertSize    *prometheus.HistogramVec
	streamPending     *prometheus.GaugeVec
}

// New registers every metric against reg and returns a Metrics handle. A
// nil reg yields a Metrics whose methods are safe no-ops, so callers never
// need to branch on whether metrics are enabled.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		return &Metrics{}
	}

	m := &Metrics{
		jobsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_processed_total",
			Help:      "Jobs processed by type and outcome.",
		}, []string{"job_type", "outcome"}),

		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Time spent processing one job, by type.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"job_type"}),

		scanPages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scan_pages_processed_total",
			Help:      "History pages processed by the scan scheduler, by channel direction.",
		}, []string{"direction"}),

		thumbnailDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "thumbnail_pipeline_duration_seconds",
			Help:      "End-to-end duration of the media pipeline (download, probe, extract, encode, store), by outcome.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"outcome"}),

		bulkUpsertSize: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "bulk_upsert_batch_size",
			Help:      "Row count of each bulk upsert, by table.",
			Buckets:   []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
		}, []string{"table"}),

		streamPending: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "stream_pending_entries",
			Help:      "Pending (claimed but unacked) entries per job stream, from the last /streams poll.",
		}, []string{"guild_id", "job_type"}),
	}

	reg.MustRegister(m.jobsProcessed, m.jobDuration, m.scanPages, m.thumbnailDuration, m.bulkUpsertSize, m.streamPending)
	return m
}

// ObserveJob records the outcome and duration of one processed job.
func (m *Metrics) ObserveJob(jobType, outcome string, duration time.Duration) {
	if m == nil || m.jobsProcessed == nil {
		return
	}
	m.jobsProcessed.WithLabelValues(jobType, outcome).Inc()
	m.jobDuration.WithLabelValues(jobType).Observe(duration.Seconds())
}

// IncScanPage records one history page processed in the given direction.
func (m *Metrics) IncScanPage(direction string) {
	if m == nil || m.scanPages == nil {
		return
	}
	m.scanPages.WithLabelValues(direction).Inc()
}

// ObserveThumbnailPipeline records one media pipeline run's duration.
func (m *Metrics) ObserveThumbnailPipeline(outcome string, duration time.Duration) {
	if m == nil || m.thumbnailDuration == nil {
		return
	}
	m.thumbnailDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

// ObserveBulkUpsert records the row count of one bulk upsert call.
func (m *Metrics) ObserveBulkUpsert(table string, rows int) {
	if m == nil || m.bulkUpsertSize == nil {
		return
	}
	m.bulkUpsertSize.WithLabelValues(table).Observe(float64(rows))
}

// SetStreamPending records the current pending-entry count for one stream,
// called from the operator HTTP surface's /streams handler each poll.
func (m *Metrics) SetStreamPending(guildID, jobType string, count int64) {
	if m == nil || m.streamPending == nil {
		return
	}
	m.streamPending.WithLabelValues(guildID, jobType).Set(float64(count))
}
