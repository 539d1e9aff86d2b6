// Package metrics defines the Prometheus collectors of the gateway and worker.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "chatrelay"

// Gateway holds connection gateway collectors.
type Gateway struct {
	// Connections is the number of streaming connections.
	Connections prometheus.Gauge
	// Published counts inbound publishes. Labels: result (ok, dropped, failed, rate_limited)
	Published *prometheus.CounterVec
	// Delivered counts outbound entries written to clients.
	Delivered prometheus.Counter
	// Closures counts connection closures. Labels: reason
	Closures *prometheus.CounterVec
}

// NewGateway registers gateway collectors with reg.
func NewGateway(reg prometheus.Registerer) *Gateway {
	f := promauto.With(reg)
	return &Gateway{
		Connections: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "connections",
			Help:      "Live streaming WebSocket connections",
		}),
		Published: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "published_total",
			Help:      "Inbound messages by publish result",
		}, []string{"result"}),
		Delivered: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "delivered_total",
			Help:      "Outbound entries delivered to live connections",
		}),
		Closures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "closures_total",
			Help:      "Connection closures by reason",
		}, []string{"reason"}),
	}
}

// Worker holds inference worker collectors.
type Worker struct {
	// Processed counts inbound entries. Labels: outcome (replied, dropped, duplicate, malformed, failed)
	Processed *prometheus.CounterVec
	// InferenceSeconds measures model call latency.
	InferenceSeconds prometheus.Histogram
}

// NewWorker registers worker collectors with reg.
func NewWorker(reg prometheus.Registerer) *Worker {
	f := promauto.With(reg)
	return &Worker{
		Processed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "processed_total",
			Help:      "Inbound entries by processing outcome",
		}, []string{"outcome"}),
		InferenceSeconds: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "inference_seconds",
			Help:      "Model call latency in seconds",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60},
		}),
	}
}

// NewRegistry returns a registry with the Go and process collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// Handler serves the registry in the Prometheus exposition format.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}
