package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	EnqueueCounter    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "submissions_enqueued_total", Help: "Operations accepted into the durable queue"}, []string{"kind"})
	PersistFailures   = prometheus.NewCounter(prometheus.CounterOpts{Name: "submissions_persist_failures_total", Help: "Queue writes rejected because the durable store failed"})
	RateLimitRejects  = prometheus.NewCounter(prometheus.CounterOpts{Name: "submissions_rate_limit_rejects_total", Help: "Enqueue requests rejected by the rate limiter"})
	DeliveredCounter  = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "submissions_delivered_total", Help: "Operations delivered to the gateway and removed"}, []string{"kind"})
	TransientFailures = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "submissions_transient_failures_total", Help: "Delivery attempts that failed and will retry"}, []string{"kind"})
	DeadLetterCounter = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "submissions_dead_letter_total", Help: "Operations moved to dead letter"}, []string{"kind"})
	UploadCounter     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "submissions_attachment_uploads_total", Help: "Attachment uploads by result"}, []string{"result"})
	SyncPasses        = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "sync_passes_total", Help: "Sync passes by trigger source"}, []string{"trigger"})
	SyncPassSkipped   = prometheus.NewCounter(prometheus.CounterOpts{Name: "sync_passes_skipped_total", Help: "Triggers ignored because a pass was already running"})
	GatewayLatency    = prometheus.NewHistogram(prometheus.HistogramOpts{Name: "gateway_request_seconds", Help: "Remote gateway call latency", Buckets: prometheus.DefBuckets})
	OutstandingGauge  = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "submissions_outstanding", Help: "Operations waiting for delivery"}, []string{"queue"})
	DeadLetterGauge   = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "submissions_dead_letter", Help: "Operations parked in dead letter"}, []string{"queue"})
	InFlightGauge     = prometheus.NewGauge(prometheus.GaugeOpts{Name: "submissions_inflight", Help: "Operations currently being delivered"})
	ReachableGauge    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "gateway_reachable", Help: "1 when the gateway is reachable"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			EnqueueCounter,
			PersistFailures,
			RateLimitRejects,
			DeliveredCounter,
			TransientFailures,
			DeadLetterCounter,
			UploadCounter,
			SyncPasses,
			SyncPassSkipped,
			GatewayLatency,
			OutstandingGauge,
			DeadLetterGauge,
			InFlightGauge,
			ReachableGauge,
		)
	})
	return promhttp.Handler()
}
