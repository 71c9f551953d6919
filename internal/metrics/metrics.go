package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics stores Prometheus collectors used across the service.
type Metrics struct {
	WebhookRequests *prometheus.CounterVec
	QueueItems      *prometheus.CounterVec
	QueueBatchTime  prometheus.Histogram
	VendorRequests  *prometheus.CounterVec
	VendorLatency   *prometheus.HistogramVec
	PresencePolls   *prometheus.CounterVec
	CacheLookups    *prometheus.CounterVec
	LeadsCreated    *prometheus.CounterVec
	LogRowsPurged   prometheus.Counter
	Errors          *prometheus.CounterVec
}

var (
	regOnce         sync.Once
	metricsInstance *Metrics
)

// Registry builds and registers the metrics singleton with optional namespace.
func Registry(namespace string) *Metrics {
	regOnce.Do(func() {
		metricsInstance = &Metrics{
			WebhookRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "webhook_requests_total",
				Help:      "Inbound webhook requests by endpoint and response status.",
			}, []string{"endpoint", "status"}),
			QueueItems: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "queue_items_total",
				Help:      "Webhook queue rows handled by type and outcome.",
			}, []string{"type", "outcome"}),
			QueueBatchTime: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "queue_batch_duration_seconds",
				Help:      "Time spent draining one queue batch.",
				Buckets:   prometheus.DefBuckets,
			}),
			VendorRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "vendor_requests_total",
				Help:      "Outbound vendor API requests by client, endpoint and status.",
			}, []string{"client", "endpoint", "status"}),
			VendorLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "vendor_request_duration_seconds",
				Help:      "Latency distribution for outbound vendor API requests.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"client", "endpoint", "status"}),
			PresencePolls: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "presence_polls_total",
				Help:      "Presence lookups by outcome.",
			}, []string{"outcome"}),
			CacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_lookups_total",
				Help:      "Cache lookups by cache name and result.",
			}, []string{"cache", "result"}),
			LeadsCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "leads_created_total",
				Help:      "Leads created by ingestion source.",
			}, []string{"source"}),
			LogRowsPurged: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "webhook_log_rows_purged_total",
				Help:      "Webhook log rows removed by the retention job.",
			}),
			Errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_total",
				Help:      "Total errors grouped by component.",
			}, []string{"component"}),
		}

		prometheus.MustRegister(
			metricsInstance.WebhookRequests,
			metricsInstance.QueueItems,
			metricsInstance.QueueBatchTime,
			metricsInstance.VendorRequests,
			metricsInstance.VendorLatency,
			metricsInstance.PresencePolls,
			metricsInstance.CacheLookups,
			metricsInstance.LeadsCreated,
			metricsInstance.LogRowsPurged,
			metricsInstance.Errors,
		)
	})
	return metricsInstance
}
