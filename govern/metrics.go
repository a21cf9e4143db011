package govern

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/seatstream/metric"
)

// governorMetrics tracks rate-limiting activity. All methods are safe on a
// nil receiver so the governor runs unchanged without a registry.
type governorMetrics struct {
	decisions     *prometheus.CounterVec
	violations    prometheus.Counter
	blacklisted   prometheus.Gauge
	degraded      prometheus.Gauge
	storeFailures prometheus.Counter
	adaptiveSteps *prometheus.CounterVec
}

func newGovernorMetrics(registry *metric.MetricsRegistry) *governorMetrics {
	if registry == nil {
		return nil
	}

	m := &governorMetrics{
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "seatstream_governor_decisions_total",
			Help: "Rate limit decisions by rule and outcome",
		}, []string{"rule", "outcome"}),
		violations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "seatstream_governor_violations_total",
			Help: "Rate limit violations recorded",
		}),
		blacklisted: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "seatstream_governor_blacklisted",
			Help: "Identifiers currently auto-blacklisted",
		}),
		degraded: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "seatstream_governor_degraded",
			Help: "1 when the window store is unreachable and counts are memory-only",
		}),
		storeFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "seatstream_governor_store_failures_total",
			Help: "Window store operations that failed",
		}),
		adaptiveSteps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "seatstream_governor_adaptive_steps_total",
			Help: "Adaptive limit adjustments by direction",
		}, []string{"direction"}),
	}

	registry.MustRegister("governor",
		m.decisions, m.violations, m.blacklisted, m.degraded, m.storeFailures, m.adaptiveSteps)
	return m
}

func (m *governorMetrics) recordDecision(rule string, allowed bool) {
	if m == nil {
		return
	}
	outcome := "allowed"
	if !allowed {
		outcome = "rejected"
	}
	m.decisions.WithLabelValues(rule, outcome).Inc()
}

func (m *governorMetrics) recordViolation() {
	if m == nil {
		return
	}
	m.violations.Inc()
}

func (m *governorMetrics) setBlacklisted(count int) {
	if m == nil {
		return
	}
	m.blacklisted.Set(float64(count))
}

func (m *governorMetrics) setDegraded(degraded bool) {
	if m == nil {
		return
	}
	if degraded {
		m.degraded.Set(1)
	} else {
		m.degraded.Set(0)
	}
}

func (m *governorMetrics) recordStoreFailure() {
	if m == nil {
		return
	}
	m.storeFailures.Inc()
}

func (m *governorMetrics) recordAdaptiveStep(down bool) {
	if m == nil {
		return
	}
	direction := "up"
	if down {
		direction = "down"
	}
	m.adaptiveSteps.WithLabelValues(direction).Inc()
}
