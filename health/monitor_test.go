package health

import (
	"testing"
	"time"
)

func TestMonitorUpdateAndGet(t *testing.T) {
	m := NewMonitor()

	m.UpdateHealthy("pool", "all connections live")

	status, exists := m.Get("pool")
	if !exists {
		t.Fatal("expected pool status to exist")
	}
	if !status.IsHealthy() {
		t.Errorf("expected healthy, got %s", status.Status)
	}
	if status.Component != "pool" {
		t.Errorf("expected component pool, got %s", status.Component)
	}
	if status.Timestamp.IsZero() {
		t.Error("expected timestamp to be set")
	}
}

func TestMonitorAggregateAllHealthy(t *testing.T) {
	m := NewMonitor()
	m.UpdateHealthy("pool", "ok")
	m.UpdateHealthy("dispatcher", "ok")

	agg := m.AggregateHealth("seatstream")
	if !agg.IsHealthy() {
		t.Errorf("expected healthy aggregate, got %s", agg.Status)
	}
	if len(agg.SubStatuses) != 2 {
		t.Errorf("expected 2 sub-statuses, got %d", len(agg.SubStatuses))
	}
}

func TestMonitorAggregateDegraded(t *testing.T) {
	m := NewMonitor()
	m.UpdateHealthy("pool", "ok")
	m.UpdateDegraded("governor", "store unreachable, mirror-only")

	agg := m.AggregateHealth("seatstream")
	if !agg.IsDegraded() {
		t.Errorf("expected degraded aggregate, got %s", agg.Status)
	}
}

func TestMonitorAggregateUnhealthyWins(t *testing.T) {
	m := NewMonitor()
	m.UpdateDegraded("governor", "mirror-only")
	m.UpdateUnhealthy("pool", "listener down")

	agg := m.AggregateHealth("seatstream")
	if !agg.IsUnhealthy() {
		t.Errorf("expected unhealthy aggregate, got %s", agg.Status)
	}
}

type fakeChecker struct {
	status Status
}

func (f *fakeChecker) Health() Status { return f.status }

func TestMonitorPollsRegisteredCheckers(t *testing.T) {
	m := NewMonitor()
	m.Register("dispatcher", &fakeChecker{status: NewDegraded("dispatcher", "queue near capacity")})

	agg := m.AggregateHealth("seatstream")
	if !agg.IsDegraded() {
		t.Errorf("expected degraded via checker, got %s", agg.Status)
	}
}

func TestMonitorRemove(t *testing.T) {
	m := NewMonitor()
	m.UpdateHealthy("pool", "ok")
	m.Remove("pool")

	if _, exists := m.Get("pool"); exists {
		t.Error("expected pool to be removed")
	}
	if m.Count() != 0 {
		t.Errorf("expected 0 components, got %d", m.Count())
	}
}

func TestAggregateEmpty(t *testing.T) {
	agg := Aggregate("system", nil)
	if !agg.IsHealthy() {
		t.Errorf("empty aggregate should be healthy, got %s", agg.Status)
	}
}

func TestStatusWithMetrics(t *testing.T) {
	s := NewHealthy("pool", "ok").WithMetrics(&Metrics{
		Uptime:            time.Minute,
		ActiveConnections: 12,
		ErrorRate:         0.01,
	})
	if s.Metrics == nil || s.Metrics.ActiveConnections != 12 {
		t.Error("expected metrics to be attached")
	}
}
