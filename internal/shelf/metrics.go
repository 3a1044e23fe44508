package shelf

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// metricsOnce ensures metrics are only initialized once.
var metricsOnce sync.Once

// metricsInstance is the singleton instance of shelf metrics.
var metricsInstance *Metrics

// Metrics holds all Prometheus metrics for the shelf service.
type Metrics struct {
	// Request metrics
	RequestsTotal   *prometheus.CounterVec   // shelf_requests_total{operation,status}
	RequestDuration *prometheus.HistogramVec // shelf_request_duration_seconds{operation}

	// Transfer metrics
	BytesUploaded   prometheus.Counter // shelf_bytes_uploaded_total
	BytesDownloaded prometheus.Counter // shelf_bytes_downloaded_total

	// Accounting metrics
	TenantsTracked prometheus.Gauge // shelf_tenants_tracked
	AccountedBytes prometheus.Gauge // shelf_accounted_bytes
}

// InitMetrics initializes all shelf metrics.
// Metrics are only registered once; subsequent calls return the same instance.
func InitMetrics(registry prometheus.Registerer) *Metrics {
	metricsOnce.Do(func() {
		if registry == nil {
			registry = prometheus.DefaultRegisterer
		}
		metricsInstance = &Metrics{
			RequestsTotal: promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
				Name: "shelf_requests_total",
				Help: "Total shelf requests by operation and status",
			}, []string{"operation", "status"}),

			RequestDuration: promauto.With(registry).NewHistogramVec(prometheus.HistogramOpts{
				Name:    "shelf_request_duration_seconds",
				Help:    "Shelf request duration in seconds",
				Buckets: prometheus.DefBuckets,
			}, []string{"operation"}),

			BytesUploaded: promauto.With(registry).NewCounter(prometheus.CounterOpts{
				Name: "shelf_bytes_uploaded_total",
				Help: "Total bytes uploaded",
			}),

			BytesDownloaded: promauto.With(registry).NewCounter(prometheus.CounterOpts{
				Name: "shelf_bytes_downloaded_total",
				Help: "Total bytes downloaded",
			}),

			TenantsTracked: promauto.With(registry).NewGauge(prometheus.GaugeOpts{
				Name: "shelf_tenants_tracked",
				Help: "Number of tenants with a usage cache entry",
			}),

			AccountedBytes: promauto.With(registry).NewGauge(prometheus.GaugeOpts{
				Name: "shelf_accounted_bytes",
				Help: "Total bytes accounted across all tenants",
			}),
		}
	})
	return metricsInstance
}
