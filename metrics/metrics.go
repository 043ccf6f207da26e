package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type ClientMetrics struct {
	RetryCount      *prometheus.GaugeVec
	FailureCount    *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
}

type AcquisitionMetrics struct {
	JobsSubmittedCount  prometheus.Counter
	JobsCompletedCount  *prometheus.CounterVec
	JobsInFlight        prometheus.Gauge
	JobDurationSec      *prometheus.SummaryVec
	JobAttemptsCount    prometheus.Histogram
	APIRequestCount     *prometheus.CounterVec
	APIRequestDuration  *prometheus.SummaryVec
	ExtractorRunsCount  *prometheus.CounterVec
	ExtractorDuration   prometheus.Histogram
	UploadedBytesCount  prometheus.Counter
	UploadDurationSec   prometheus.Histogram
	QueueDepth          prometheus.Gauge
	QueueRedeliveries   prometheus.Counter
	DeadLetteredCount   prometheus.Counter
	ProgressDropsCount  prometheus.Counter
	CredentialRotations prometheus.Counter
	CredentialThrottled prometheus.Counter
	WebhookCount        *prometheus.CounterVec
	WebhookClient       ClientMetrics
}

func NewMetrics() *AcquisitionMetrics {
	m := &AcquisitionMetrics{
		// Job lifecycle metrics
		JobsSubmittedCount: promauto.NewCounter(prometheus.CounterOpts{
			Name: "acquisition_jobs_submitted_count",
			Help: "The total number of acquisition jobs accepted for processing",
		}),
		JobsCompletedCount: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "acquisition_jobs_completed_count",
			Help: "The total number of acquisition jobs that reached a terminal status, broken up by status",
		}, []string{"status"}),
		JobsInFlight: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "acquisition_jobs_in_flight",
			Help: "The number of jobs currently being executed by this process",
		}),
		JobDurationSec: promauto.NewSummaryVec(prometheus.SummaryOpts{
			Name: "acquisition_job_duration_seconds",
			Help: "The wall-clock time jobs take from first run to terminal status, broken up by status",
		}, []string{"status"}),
		JobAttemptsCount: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "acquisition_job_attempts",
			Help:    "Attempts consumed by jobs reaching a terminal status",
			Buckets: []float64{1, 2, 3, 4, 5},
		}),

		// API metrics
		APIRequestCount: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "acquisition_api_request_count",
			Help: "The total number of API requests, broken up by route and status code",
		}, []string{"route", "status_code"}),
		APIRequestDuration: promauto.NewSummaryVec(prometheus.SummaryOpts{
			Name: "acquisition_api_request_duration_seconds",
			Help: "The latency of API requests in seconds, broken up by route",
		}, []string{"route"}),

		// Extractor subprocess metrics
		ExtractorRunsCount: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "acquisition_extractor_runs_count",
			Help: "The total number of extractor invocations, broken up by result",
		}, []string{"result"}),
		ExtractorDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "acquisition_extractor_duration_seconds",
			Help:    "Time taken by extractor downloads",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200, 1800},
		}),

		// Storage metrics
		UploadedBytesCount: promauto.NewCounter(prometheus.CounterOpts{
			Name: "acquisition_uploaded_bytes_count",
			Help: "The total number of artifact bytes written to storage",
		}),
		UploadDurationSec: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "acquisition_upload_duration_seconds",
			Help:    "Time taken to upload a single artifact",
			Buckets: []float64{.1, .5, 1, 5, 15, 30, 60, 120, 300, 600},
		}),

		// Queue metrics
		QueueDepth: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "acquisition_queue_depth",
			Help: "The number of payloads waiting in the ready queue",
		}),
		QueueRedeliveries: promauto.NewCounter(prometheus.CounterOpts{
			Name: "acquisition_queue_redeliveries_count",
			Help: "The total number of payloads redelivered after a visibility timeout expired",
		}),
		DeadLetteredCount: promauto.NewCounter(prometheus.CounterOpts{
			Name: "acquisition_queue_dead_lettered_count",
			Help: "The total number of payloads moved to the dead-letter queue",
		}),

		// Progress bus metrics
		ProgressDropsCount: promauto.NewCounter(prometheus.CounterOpts{
			Name: "acquisition_progress_events_dropped_count",
			Help: "The total number of progress events dropped because a subscriber buffer was full",
		}),

		// Credential store metrics
		CredentialRotations: promauto.NewCounter(prometheus.CounterOpts{
			Name: "acquisition_credential_rotations_count",
			Help: "The total number of times the backup credential bundle was promoted to active",
		}),
		CredentialThrottled: promauto.NewCounter(prometheus.CounterOpts{
			Name: "acquisition_credential_lookups_throttled_count",
			Help: "The total number of credential lookups rejected by the rate limit",
		}),

		// Webhook metrics
		WebhookCount: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "acquisition_webhook_count",
			Help: "The total number of completion webhooks sent, broken up by outcome",
		}, []string{"outcome"}),
		WebhookClient: ClientMetrics{
			RetryCount: promauto.NewGaugeVec(prometheus.GaugeOpts{
				Name: "acquisition_webhook_retry_count",
				Help: "The number of retries the last completion webhook to a host needed",
			}, []string{"host"}),
			FailureCount: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "acquisition_webhook_failures_count",
				Help: "The total number of failed completion webhook deliveries, broken up by status code",
			}, []string{"host", "status_code"}),
			RequestDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
				Name:    "acquisition_webhook_request_duration_seconds",
				Help:    "The time taken to deliver a completion webhook",
				Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10},
			}, []string{"host"}),
		},
	}

	return m
}

var Metrics = NewMetrics()
