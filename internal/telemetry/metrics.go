package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsEnqueued = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "sync_jobs_enqueued_total", Help: "Jobs accepted by the broker"},
		[]string{"queue", "type"},
	)
	JobsCompleted = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "sync_jobs_completed_total", Help: "Jobs completed successfully"},
		[]string{"queue", "type"},
	)
	JobsRetried = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "sync_jobs_retried_total", Help: "Failed attempts scheduled for redelivery"},
		[]string{"queue", "type"},
	)
	JobsFailed = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "sync_jobs_failed_total", Help: "Jobs that exhausted their attempt budget"},
		[]string{"queue", "type"},
	)
	JobsInFlight = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Name: "sync_jobs_inflight", Help: "Handler attempts currently running"},
		[]string{"queue"},
	)
	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Name: "sync_queue_depth", Help: "Ready jobs per queue"},
		[]string{"queue"},
	)
	OrdersIngested = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "sync_orders_ingested_total", Help: "Orders committed by the flow parent handler"},
	)
	ProductsCreated = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "sync_products_created_total", Help: "Products created lazily from line items"},
	)
	CleanupOrdersDeleted = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "sync_cleanup_orders_deleted_total", Help: "Orders removed by retention cleanup"},
	)
	CleanupProductsDeleted = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "sync_cleanup_products_deleted_total", Help: "Orphaned products removed by retention cleanup"},
	)
)

// Handler exposes the /metrics HTTP handler with a singleton registration.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsEnqueued,
			JobsCompleted,
			JobsRetried,
			JobsFailed,
			JobsInFlight,
			QueueDepth,
			OrdersIngested,
			ProductsCreated,
			CleanupOrdersDeleted,
			CleanupProductsDeleted,
		)
	})
	return promhttp.Handler()
}
