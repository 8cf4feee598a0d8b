package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	JobsProcessedTotal *prometheus.CounterVec
	JobsEnqueuedTotal  *prometheus.CounterVec
	RetryAttemptsTotal *prometheus.CounterVec
	WebhookEventsTotal *prometheus.CounterVec
	SendDuration       *prometheus.HistogramVec
	JobsInFlight       prometheus.Gauge
}

func NewMetrics() *Metrics {
	return &Metrics{
		HTTPRequestsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "pipeline_http_requests_total",
			Help: "HTTP requests by method, path and status",
		}, []string{"method", "path", "status"}),
		HTTPRequestDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pipeline_http_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path"}),
		JobsProcessedTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "pipeline_jobs_processed_total",
			Help: "Pipeline jobs by terminal outcome and channel",
		}, []string{"outcome", "channel"}),
		JobsEnqueuedTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "pipeline_jobs_enqueued_total",
			Help: "Jobs handed to the queue broker, by channel",
		}, []string{"channel"}),
		RetryAttemptsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "pipeline_retry_attempts_total",
			Help: "Retry reschedules by origin",
		}, []string{"origin"}),
		WebhookEventsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "pipeline_webhook_events_total",
			Help: "Provider webhook events by type",
		}, []string{"event"}),
		SendDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pipeline_send_duration_seconds",
			Help:    "Channel sender call latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"channel"}),
		JobsInFlight: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "pipeline_jobs_in_flight",
			Help: "Jobs currently held in PROCESSING by this process",
		}),
	}
}
