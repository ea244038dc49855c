package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsEnqueued    = prometheus.NewCounter(prometheus.CounterOpts{Name: "queue_jobs_enqueued_total", Help: "Jobs accepted by a provider"})
	JobsFetched     = prometheus.NewCounter(prometheus.CounterOpts{Name: "queue_jobs_fetched_total", Help: "Jobs leased via fetch"})
	JobsAcked       = prometheus.NewCounter(prometheus.CounterOpts{Name: "queue_jobs_acked_total", Help: "Jobs settled successfully"})
	JobsNacked      = prometheus.NewCounter(prometheus.CounterOpts{Name: "queue_jobs_nacked_total", Help: "Jobs returned for redelivery"})
	PoisonPills     = prometheus.NewCounter(prometheus.CounterOpts{Name: "queue_poison_pills_total", Help: "Messages dropped because they could not be decoded"})
	DegradedOptions = prometheus.NewCounter(prometheus.CounterOpts{Name: "queue_degraded_options_total", Help: "Job options dropped by capability negotiation"})
	ShutdownRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "queue_shutdown_rejects_total", Help: "Operations rejected after disconnect"})
	DLQReads        = prometheus.NewCounter(prometheus.CounterOpts{Name: "queue_dlq_reads_total", Help: "Dead-letter inspection calls"})
	QueueDepthGauge = prometheus.NewGauge(prometheus.GaugeOpts{Name: "queue_depth", Help: "Approximate backend queue depth"})
	InFlightGauge   = prometheus.NewGauge(prometheus.GaugeOpts{Name: "queue_inflight", Help: "Jobs currently leased by this process"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsEnqueued,
			JobsFetched,
			JobsAcked,
			JobsNacked,
			PoisonPills,
			DegradedOptions,
			ShutdownRejects,
			DLQReads,
			QueueDepthGauge,
			InFlightGauge,
		)
	})
	return promhttp.Handler()
}
