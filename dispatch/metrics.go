package dispatch

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/seatstream/metric"
)

// dispatcherMetrics instruments batching and delivery. Safe on a nil
// receiver.
type dispatcherMetrics struct {
	enqueued    *prometheus.CounterVec
	queueDepth  *prometheus.GaugeVec
	dedupHits   prometheus.Counter
	merged      prometheus.Counter
	flushes     *prometheus.CounterVec
	delivered   *prometheus.CounterVec
	retries     prometheus.Counter
	dead        prometheus.Counter
	expired     prometheus.Counter
	queueFull   prometheus.Counter
	delayedSize prometheus.Gauge
}

func newDispatcherMetrics(registry *metric.MetricsRegistry) *dispatcherMetrics {
	if registry == nil {
		return nil
	}

	m := &dispatcherMetrics{
		enqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "seatstream_dispatch_enqueued_total",
			Help: "Messages accepted by priority",
		}, []string{"priority"}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "seatstream_dispatch_queue_depth",
			Help: "Queued messages by priority",
		}, []string{"priority"}),
		dedupHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "seatstream_dispatch_dedup_hits_total",
			Help: "Enqueues dropped as duplicates inside the dedup window",
		}),
		merged: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "seatstream_dispatch_merged_total",
			Help: "Messages combined into an earlier one at flush",
		}),
		flushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "seatstream_dispatch_flushes_total",
			Help: "Queue flushes by trigger",
		}, []string{"trigger"}),
		delivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "seatstream_dispatch_delivered_total",
			Help: "Delivery outcomes",
		}, []string{"outcome"}),
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "seatstream_dispatch_retries_total",
			Help: "Messages scheduled for a retry",
		}),
		dead: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "seatstream_dispatch_dead_total",
			Help: "Messages dead-lettered after exhausting retries",
		}),
		expired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "seatstream_dispatch_expired_total",
			Help: "Messages dropped past their expiry",
		}),
		queueFull: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "seatstream_dispatch_queue_full_total",
			Help: "Enqueues rejected by the depth cap",
		}),
		delayedSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "seatstream_dispatch_delayed",
			Help: "Retries waiting out their backoff",
		}),
	}

	registry.MustRegister("dispatch",
		m.enqueued, m.queueDepth, m.dedupHits, m.merged, m.flushes,
		m.delivered, m.retries, m.dead, m.expired, m.queueFull, m.delayedSize)
	return m
}

func (m *dispatcherMetrics) recordEnqueue(p Priority, depth int) {
	if m == nil {
		return
	}
	m.enqueued.WithLabelValues(p.String()).Inc()
	m.queueDepth.WithLabelValues(p.String()).Set(float64(depth))
}

func (m *dispatcherMetrics) setDepth(p Priority, depth int) {
	if m == nil {
		return
	}
	m.queueDepth.WithLabelValues(p.String()).Set(float64(depth))
}

func (m *dispatcherMetrics) recordDedupHit() {
	if m == nil {
		return
	}
	m.dedupHits.Inc()
}

func (m *dispatcherMetrics) recordMerged() {
	if m == nil {
		return
	}
	m.merged.Inc()
}

func (m *dispatcherMetrics) recordFlush(trigger string) {
	if m == nil {
		return
	}
	m.flushes.WithLabelValues(trigger).Inc()
}

func (m *dispatcherMetrics) recordDelivery(success bool) {
	if m == nil {
		return
	}
	if success {
		m.delivered.WithLabelValues("ok").Inc()
	} else {
		m.delivered.WithLabelValues("failed").Inc()
	}
}

func (m *dispatcherMetrics) recordRetry(pending int) {
	if m == nil {
		return
	}
	m.retries.Inc()
	m.delayedSize.Set(float64(pending))
}

func (m *dispatcherMetrics) setDelayed(pending int) {
	if m == nil {
		return
	}
	m.delayedSize.Set(float64(pending))
}

func (m *dispatcherMetrics) recordDead() {
	if m == nil {
		return
	}
	m.dead.Inc()
}

func (m *dispatcherMetrics) recordExpired() {
	if m == nil {
		return
	}
	m.expired.Inc()
}

func (m *dispatcherMetrics) recordQueueFull() {
	if m == nil {
		return
	}
	m.queueFull.Inc()
}
