package telemetry

import (
	"slices"
	"strings"
	"sync"
	"time"
)

// HealthReport is the /healthz response body.
type HealthReport struct {
	Status string        `json:"status"`
	Checks []HealthCheck `json:"checks,omitempty"`
}

// HealthCheck reports one background loop.
type HealthCheck struct {
	Name     string    `json:"name"`
	Healthy  bool      `json:"healthy"`
	LastBeat time.Time `json:"lastBeat,omitempty"`
}

// HealthTracker watches background loops through heartbeats. A loop whose
// last beat is older than its staleness window is unhealthy.
type HealthTracker struct {
	mu    sync.Mutex
	beats map[string]*Heartbeat
	now   func() time.Time
}

// Heartbeat is held by one loop and beaten on every iteration.
type Heartbeat struct {
	tracker *HealthTracker
	name    string
	stale   time.Duration
	last    time.Time
}

func NewHealthTracker() *HealthTracker {
	return &HealthTracker{beats: make(map[string]*Heartbeat), now: time.Now}
}

// Register adds a loop. It counts as healthy until stale has passed without
// a beat.
func (t *HealthTracker) Register(name string, stale time.Duration) *Heartbeat {
	t.mu.Lock()
	defer t.mu.Unlock()
	beat := &Heartbeat{tracker: t, name: name, stale: stale, last: t.now()}
	t.beats[name] = beat
	return beat
}

func (h *Heartbeat) Beat() {
	if h == nil {
		return
	}
	h.tracker.mu.Lock()
	h.last = h.tracker.now()
	h.tracker.mu.Unlock()
}

func (t *HealthTracker) Report() HealthReport {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	report := HealthReport{Status: "ok"}
	for _, beat := range t.beats {
		healthy := now.Sub(beat.last) <= beat.stale
		if !healthy {
			report.Status = "degraded"
		}
		report.Checks = append(report.Checks, HealthCheck{Name: beat.name, Healthy: healthy, LastBeat: beat.last})
	}
	slices.SortFunc(report.Checks, func(a, b HealthCheck) int {
		return strings.Compare(a.Name, b.Name)
	})
	return report
}
