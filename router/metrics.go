package router

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/seatstream/metric"
)

// routerMetrics instruments subscription routing. Safe on a nil receiver.
type routerMetrics struct {
	subscriptions       prometheus.Gauge
	publishesTotal      *prometheus.CounterVec
	messagesEnqueued    prometheus.Counter
	filteredTotal       *prometheus.CounterVec
	expiredTotal        prometheus.Counter
	subscribeRejections prometheus.Counter
	publishErrors       prometheus.Counter
	intakeErrors        *prometheus.CounterVec
}

func newRouterMetrics(registry *metric.MetricsRegistry) *routerMetrics {
	if registry == nil {
		return nil
	}

	m := &routerMetrics{
		subscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "seatstream_router_subscriptions",
			Help: "Live subscriptions",
		}),
		publishesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "seatstream_router_publishes_total",
			Help: "Publish calls by topic",
		}, []string{"topic"}),
		messagesEnqueued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "seatstream_router_messages_enqueued_total",
			Help: "Per-connection messages handed to the dispatcher",
		}),
		filteredTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "seatstream_router_filtered_total",
			Help: "Subscriptions whose filters rejected an event, by topic",
		}, []string{"topic"}),
		expiredTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "seatstream_router_expired_total",
			Help: "Subscriptions purged by the TTL sweep",
		}),
		subscribeRejections: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "seatstream_router_subscribe_rejections_total",
			Help: "Subscribe calls rejected by the per-user cap",
		}),
		publishErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "seatstream_router_publish_errors_total",
			Help: "Publish fan-out failures",
		}),
		intakeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "seatstream_router_intake_errors_total",
			Help: "Change event intake drops by kind",
		}, []string{"kind"}),
	}

	registry.MustRegister("router",
		m.subscriptions, m.publishesTotal, m.messagesEnqueued, m.filteredTotal,
		m.expiredTotal, m.subscribeRejections, m.publishErrors, m.intakeErrors)
	return m
}

func (m *routerMetrics) setSubscriptions(n int) {
	if m == nil {
		return
	}
	m.subscriptions.Set(float64(n))
}

func (m *routerMetrics) recordPublish(topic string, enqueued int) {
	if m == nil {
		return
	}
	m.publishesTotal.WithLabelValues(topic).Inc()
	m.messagesEnqueued.Add(float64(enqueued))
}

func (m *routerMetrics) recordFiltered(topic string) {
	if m == nil {
		return
	}
	m.filteredTotal.WithLabelValues(topic).Inc()
}

func (m *routerMetrics) recordExpired() {
	if m == nil {
		return
	}
	m.expiredTotal.Inc()
}

func (m *routerMetrics) recordSubscribeRejected() {
	if m == nil {
		return
	}
	m.subscribeRejections.Inc()
}

func (m *routerMetrics) recordPublishError() {
	if m == nil {
		return
	}
	m.publishErrors.Inc()
}

func (m *routerMetrics) recordIntakeError(kind string) {
	if m == nil {
		return
	}
	m.intakeErrors.WithLabelValues(kind).Inc()
}
