package metric

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics contains process-level metrics shared by all components. Component
// specific metrics (pool, router, dispatcher, governor) live with their
// components and register through the MetricsRegistry.
type Metrics struct {
	ComponentStatus   *prometheus.GaugeVec
	FramesReceived    *prometheus.CounterVec
	PushesDelivered   *prometheus.CounterVec
	ErrorsTotal       *prometheus.CounterVec
	HealthCheckStatus *prometheus.GaugeVec

	// NATS metrics
	NATSConnected  prometheus.Gauge
	NATSReconnects prometheus.Counter
}

// NewMetrics creates a new Metrics instance with all core metrics
func NewMetrics() *Metrics {
	return &Metrics{
		ComponentStatus: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "seatstream",
				Subsystem: "component",
				Name:      "status",
				Help:      "Component status (0=stopped, 1=starting, 2=running, 3=stopping, 4=failed)",
			},
			[]string{"component"},
		),

		FramesReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "seatstream",
				Subsystem: "frames",
				Name:      "received_total",
				Help:      "Total number of inbound client frames by type",
			},
			[]string{"type"},
		),

		PushesDelivered: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "seatstream",
				Subsystem: "pushes",
				Name:      "delivered_total",
				Help:      "Total number of outbound push frames by topic",
			},
			[]string{"topic"},
		),

		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "seatstream",
				Subsystem: "errors",
				Name:      "total",
				Help:      "Total number of errors by component and class",
			},
			[]string{"component", "class"},
		),

		HealthCheckStatus: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "seatstream",
				Subsystem: "health",
				Name:      "check_status",
				Help:      "Health check status per component (1=healthy, 0.5=degraded, 0=unhealthy)",
			},
			[]string{"component"},
		),

		NATSConnected: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "seatstream",
				Subsystem: "nats",
				Name:      "connected",
				Help:      "NATS connection status (1=connected, 0=disconnected)",
			},
		),

		NATSReconnects: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "seatstream",
				Subsystem: "nats",
				Name:      "reconnects_total",
				Help:      "Total number of NATS reconnections",
			},
		),
	}
}
