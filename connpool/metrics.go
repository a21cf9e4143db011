package connpool

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/seatstream/metric"
)

// poolMetrics instruments the connection pool. Safe on a nil receiver.
type poolMetrics struct {
	connected      prometheus.Gauge
	acceptedTotal  prometheus.Counter
	rejectedTotal  *prometheus.CounterVec
	closedTotal    *prometheus.CounterVec
	framesIn       *prometheus.CounterVec
	framesOut      prometheus.Counter
	bytesOut       prometheus.Counter
	errorsTotal    *prometheus.CounterVec
	authSuccesses  prometheus.Counter
	authFailures   prometheus.Counter
	heartbeatDrops prometheus.Counter
}

func newPoolMetrics(registry *metric.MetricsRegistry) *poolMetrics {
	if registry == nil {
		return nil
	}

	m := &poolMetrics{
		connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "seatstream_pool_connections",
			Help: "Currently open connections",
		}),
		acceptedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "seatstream_pool_accepted_total",
			Help: "Connections accepted",
		}),
		rejectedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "seatstream_pool_rejected_total",
			Help: "Connection accepts rejected by reason",
		}, []string{"reason"}),
		closedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "seatstream_pool_closed_total",
			Help: "Connections closed by reason",
		}, []string{"reason"}),
		framesIn: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "seatstream_pool_frames_in_total",
			Help: "Inbound frames by type",
		}, []string{"type"}),
		framesOut: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "seatstream_pool_frames_out_total",
			Help: "Outbound frames written",
		}),
		bytesOut: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "seatstream_pool_bytes_out_total",
			Help: "Outbound bytes written",
		}),
		errorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "seatstream_pool_errors_total",
			Help: "Pool errors by kind",
		}, []string{"kind"}),
		authSuccesses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "seatstream_pool_auth_success_total",
			Help: "Successful auth handshakes",
		}),
		authFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "seatstream_pool_auth_failure_total",
			Help: "Failed auth handshakes",
		}),
		heartbeatDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "seatstream_pool_heartbeat_drops_total",
			Help: "Connections dropped for missed heartbeats",
		}),
	}

	registry.MustRegister("pool",
		m.connected, m.acceptedTotal, m.rejectedTotal, m.closedTotal,
		m.framesIn, m.framesOut, m.bytesOut, m.errorsTotal,
		m.authSuccesses, m.authFailures, m.heartbeatDrops)
	return m
}

func (m *poolMetrics) setConnected(n int) {
	if m == nil {
		return
	}
	m.connected.Set(float64(n))
}

func (m *poolMetrics) recordAccept() {
	if m == nil {
		return
	}
	m.acceptedTotal.Inc()
}

func (m *poolMetrics) recordReject(reason string) {
	if m == nil {
		return
	}
	m.rejectedTotal.WithLabelValues(reason).Inc()
}

func (m *poolMetrics) recordClose(reason string) {
	if m == nil {
		return
	}
	m.closedTotal.WithLabelValues(reason).Inc()
}

func (m *poolMetrics) recordFrameIn(frameType string) {
	if m == nil {
		return
	}
	m.framesIn.WithLabelValues(frameType).Inc()
}

func (m *poolMetrics) recordWrite(bytes int) {
	if m == nil {
		return
	}
	m.framesOut.Inc()
	m.bytesOut.Add(float64(bytes))
}

func (m *poolMetrics) recordError(kind string) {
	if m == nil {
		return
	}
	m.errorsTotal.WithLabelValues(kind).Inc()
}

func (m *poolMetrics) recordAuth(success bool) {
	if m == nil {
		return
	}
	if success {
		m.authSuccesses.Inc()
	} else {
		m.authFailures.Inc()
	}
}

func (m *poolMetrics) recordHeartbeatDrop() {
	if m == nil {
		return
	}
	m.heartbeatDrops.Inc()
}
