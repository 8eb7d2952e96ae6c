// Package metrics declares the Prometheus collectors exported on /metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Connections tracks live WebSocket connections per room.
	Connections = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "roomchat_connections",
			Help: "Number of live WebSocket connections.",
		},
		[]string{"room"},
	)

	// Envelopes counts inbound envelopes applied by a room actor.
	Envelopes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "roomchat_envelopes_total",
			Help: "Inbound envelopes processed, by type.",
		},
		[]string{"type"},
	)

	// Rejections counts envelopes refused without a state change.
	Rejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "roomchat_rejections_total",
			Help: "Envelopes rejected by validation, by reason.",
		},
		[]string{"reason"},
	)

	// DroppedConnections counts connections dropped because their send
	// buffer was full.
	DroppedConnections = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "roomchat_dropped_connections_total",
			Help: "Connections dropped for stalling on send.",
		},
	)

	// StoreWrites observes durable store batch commits.
	StoreWrites = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "roomchat_store_write_seconds",
			Help:    "Latency of durable store batch commits.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
		},
		[]string{"result"},
	)
)

func init() {
	prometheus.MustRegister(Connections)
	prometheus.MustRegister(Envelopes)
	prometheus.MustRegister(Rejections)
	prometheus.MustRegister(DroppedConnections)
	prometheus.MustRegister(StoreWrites)
}

// ObserveStoreWrite records one commit with its outcome.
func ObserveStoreWrite(start time.Time, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	StoreWrites.WithLabelValues(result).Observe(time.Since(start).Seconds())
}

// Handler exposes the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
