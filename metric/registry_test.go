package metric

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMetricsRegistry(t *testing.T) {
	registry := NewMetricsRegistry()
	require.NotNil(t, registry)
	require.NotNil(t, registry.PrometheusRegistry())
	require.NotNil(t, registry.CoreMetrics())
}

func TestRegisterAndUnregister(t *testing.T) {
	registry := NewMetricsRegistry()

	counter := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "test_events_total",
		Help: "test counter",
	})

	err := registry.Register("dispatcher", "events_total", counter)
	require.NoError(t, err)

	// Duplicate registration is rejected
	err = registry.Register("dispatcher", "events_total", counter)
	assert.Error(t, err)

	assert.True(t, registry.Unregister("dispatcher", "events_total"))
	assert.False(t, registry.Unregister("dispatcher", "events_total"))
}

func TestRegisterConflictingCollector(t *testing.T) {
	registry := NewMetricsRegistry()

	a := prometheus.NewCounter(prometheus.CounterOpts{Name: "dup_total", Help: "a"})
	b := prometheus.NewCounter(prometheus.CounterOpts{Name: "dup_total", Help: "a"})

	require.NoError(t, registry.Register("pool", "dup_a", a))
	// Same fully-qualified name under a different key still conflicts in
	// the underlying prometheus registry.
	assert.Error(t, registry.Register("pool", "dup_b", b))
}

func TestCoreMetricsUsable(t *testing.T) {
	registry := NewMetricsRegistry()
	core := registry.CoreMetrics()

	core.FramesReceived.WithLabelValues("auth").Inc()
	core.PushesDelivered.WithLabelValues("seat_changes").Add(3)
	core.NATSConnected.Set(1)

	families, err := registry.PrometheusRegistry().Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}
