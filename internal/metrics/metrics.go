// Package metrics holds the Prometheus collectors shared by the sync
// orchestrator, the cloud client and the realtime service.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	SyncCycles = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ecole",
		Subsystem: "sync",
		Name:      "cycles_total",
		Help:      "Sync cycles by outcome.",
	}, []string{"status"})

	SyncDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "ecole",
		Subsystem: "sync",
		Name:      "cycle_duration_seconds",
		Help:      "Duration of sync cycles.",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
	})

	SyncRows = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ecole",
		Subsystem: "sync",
		Name:      "rows_total",
		Help:      "Rows moved by sync stage.",
	}, []string{"stage"})

	SyncState = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "ecole",
		Subsystem: "sync",
		Name:      "state",
		Help:      "Current orchestrator state as its numeric value.",
	})

	CloudRequests = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "ecole",
		Subsystem: "cloud",
		Name:      "request_duration_seconds",
		Help:      "Remote authority request latency by endpoint and status.",
	}, []string{"endpoint", "status"})

	GradeBatches = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ecole",
		Subsystem: "realtime",
		Name:      "grade_batches_total",
		Help:      "Grade batches received over the LAN by outcome.",
	}, []string{"status"})

	Listeners = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "ecole",
		Subsystem: "realtime",
		Name:      "listeners",
		Help:      "Connected push-stream listeners.",
	})

	ListenersPruned = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "ecole",
		Subsystem: "realtime",
		Name:      "listeners_pruned_total",
		Help:      "Listeners removed because their queue was full or a write failed.",
	})
)

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
