package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type stubHub struct {
	running bool
	clients int
}

func (h stubHub) Running() bool               { return h.running }
func (h stubHub) GetClientCount() int         { return h.clients }
func (h stubHub) ClassCounts() map[string]int { return map[string]int{"c1": h.clients} }

func TestCombineStatus(t *testing.T) {
	tests := []struct {
		current, candidate, want string
	}{
		{"ok", "ok", "ok"},
		{"ok", "degraded", "degraded"},
		{"degraded", "ok", "degraded"},
		{"degraded", "critical", "critical"},
		{"critical", "degraded", "critical"},
		{"bogus", "degraded", "degraded"},
		{"ok", "bogus", "ok"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, combineStatus(tt.current, tt.candidate), "%s + %s", tt.current, tt.candidate)
	}
}

func TestHumanizeDuration(t *testing.T) {
	tests := map[time.Duration]string{
		0:                            "0s",
		45 * time.Second:             "45s",
		time.Hour + 2*time.Second:    "1h 2s",
		26*time.Hour + 3*time.Minute: "1d 2h 3m",
		1500 * time.Millisecond:      "2s",
	}
	for d, want := range tests {
		assert.Equal(t, want, humanizeDuration(d), d.String())
	}
}

func dependency(r HealthReport, name string) DependencyStatus {
	for _, d := range r.Dependencies {
		if d.Name == name {
			return d
		}
	}
	return DependencyStatus{}
}

func TestHealthReportMissingDatabaseIsCritical(t *testing.T) {
	s := NewHealthService("", "", HealthDeps{StoreDriver: "mysql", Hub: stubHub{running: true}})
	r := s.GetHealthReport(context.Background())

	assert.Equal(t, "critical", r.Status)
	assert.Equal(t, 503, s.HTTPStatusForOverall(r.Status))
	assert.Equal(t, "down", dependency(r, "mysql").Status)
	assert.Equal(t, "disabled", dependency(r, "redis").Status)
	assert.Equal(t, "Attendance API", r.Service)
}

func TestHealthReportMemoryStore(t *testing.T) {
	s := NewHealthService("svc", "2.0.0", HealthDeps{
		StoreDriver: "memory",
		Environment: "test",
		Hub:         stubHub{running: true, clients: 3},
	})
	r := s.GetHealthReport(context.Background())

	assert.Equal(t, "ok", r.Status)
	assert.Equal(t, 200, s.HTTPStatusForOverall(r.Status))
	assert.Equal(t, "disabled", dependency(r, "mysql").Status)
	assert.Equal(t, "up", dependency(r, "realtime_hub").Status)
	assert.Equal(t, 3, r.Metrics.RealtimeClients)
	assert.Equal(t, "test", r.Environment)
}

func TestHealthReportDegradations(t *testing.T) {
	s := NewHealthService("", "", HealthDeps{
		StoreDriver: "memory",
		Hub:         stubHub{running: false},
	})
	assert.Equal(t, "degraded", s.GetHealthReport(context.Background()).Status)

	s = NewHealthService("", "", HealthDeps{
		StoreDriver: "memory",
		Flags:       HealthFlags{UseRedisNotifications: true},
	})
	r := s.GetHealthReport(context.Background())
	assert.Equal(t, "degraded", r.Status)
	assert.Equal(t, "down", dependency(r, "redis").Status)
}
