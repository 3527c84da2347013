package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus instruments for the dictation engine.
type Metrics struct {
	ActiveSessions    prometheus.Gauge
	SessionsStarted   prometheus.Counter
	SessionsCompleted prometheus.Counter
	SessionsReaped    prometheus.Counter
	SessionsRejected  *prometheus.CounterVec

	ChunksReceived prometheus.Counter
	ChunksDropped  prometheus.Counter

	SegmentsEmitted   *prometheus.CounterVec
	SegmentsPersisted prometheus.Counter

	FinalizeFailures prometheus.Counter
	UploadRetries    prometheus.Counter
	FinalizeDuration prometheus.Histogram
}

// New registers all instruments against reg. Passing a fresh registry per
// instance keeps tests free of duplicate-registration panics.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		ActiveSessions: f.NewGauge(prometheus.GaugeOpts{
			Name: "medscribe_active_sessions",
			Help: "Current number of live dictation sessions",
		}),
		SessionsStarted: f.NewCounter(prometheus.CounterOpts{
			Name: "medscribe_sessions_started_total",
			Help: "Total number of sessions started",
		}),
		SessionsCompleted: f.NewCounter(prometheus.CounterOpts{
			Name: "medscribe_sessions_completed_total",
			Help: "Total number of sessions finalized successfully",
		}),
		SessionsReaped: f.NewCounter(prometheus.CounterOpts{
			Name: "medscribe_sessions_reaped_total",
			Help: "Total number of idle sessions removed by housekeeping",
		}),
		SessionsRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "medscribe_sessions_rejected_total",
			Help: "Total number of rejected session starts by reason",
		}, []string{"reason"}),

		ChunksReceived: f.NewCounter(prometheus.CounterOpts{
			Name: "medscribe_audio_chunks_received_total",
			Help: "Total number of audio chunks accepted",
		}),
		ChunksDropped: f.NewCounter(prometheus.CounterOpts{
			Name: "medscribe_audio_chunks_dropped_total",
			Help: "Total number of audio chunks dropped as stale or invalid",
		}),

		SegmentsEmitted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "medscribe_segments_emitted_total",
			Help: "Total number of transcription segments sent to clients",
		}, []string{"kind"}),
		SegmentsPersisted: f.NewCounter(prometheus.CounterOpts{
			Name: "medscribe_segments_persisted_total",
			Help: "Total number of final segments appended to the transcript",
		}),

		FinalizeFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "medscribe_finalize_failures_total",
			Help: "Total number of session finalizations that failed",
		}),
		UploadRetries: f.NewCounter(prometheus.CounterOpts{
			Name: "medscribe_upload_retries_total",
			Help: "Total number of audio upload retry attempts",
		}),
		FinalizeDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "medscribe_finalize_duration_seconds",
			Help:    "Time spent encoding, uploading and persisting a session",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
		}),
	}
}
