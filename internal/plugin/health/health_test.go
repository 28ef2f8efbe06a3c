package health

import (
	"testing"
	"time"

	"github.com/meristem/core/internal/plugin/isolate"
)

func report(status string, rss int64) isolate.HealthReport {
	var r isolate.HealthReport
	r.Status = status
	r.MemoryUsage.RSS = rss
	return r
}

func newWatched(t *testing.T, cfg Config) *Monitor {
	t.Helper()
	m := NewMonitor(cfg)
	m.Watch("com.meristem.p", nil)
	return m
}

func TestHealthyReportKeepsHealthy(t *testing.T) {
	m := newWatched(t, Config{})
	m.recordReport("com.meristem.p", report("healthy", 1024))

	s, ok := m.Snapshot("com.meristem.p")
	if !ok || s.Status != StatusHealthy {
		t.Fatalf("expected healthy, got %+v", s)
	}
	if s.ConsecutiveFailures != 0 {
		t.Fatalf("a pong must reset consecutive failures, got %d", s.ConsecutiveFailures)
	}
	if !m.IsResponsive("com.meristem.p") {
		t.Fatal("a freshly healthy plugin must be responsive")
	}
}

func TestDegradedMapsToRecovering(t *testing.T) {
	m := newWatched(t, Config{})
	m.recordReport("com.meristem.p", report("degraded", 0))
	s, _ := m.Snapshot("com.meristem.p")
	if s.Status != StatusRecovering {
		t.Fatalf("degraded must map to recovering, got %s", s.Status)
	}
	if !m.IsResponsive("com.meristem.p") {
		t.Fatal("recovering still counts as responsive")
	}
}

func TestUnhealthyMapsToUnresponsive(t *testing.T) {
	m := newWatched(t, Config{})
	m.recordReport("com.meristem.p", report("unhealthy", 0))
	s, _ := m.Snapshot("com.meristem.p")
	if s.Status != StatusUnresponsive {
		t.Fatalf("unhealthy must map to unresponsive, got %s", s.Status)
	}
	if m.IsResponsive("com.meristem.p") {
		t.Fatal("an unresponsive plugin must not be responsive")
	}
}

func TestRecoveryHysteresisTakesTwoHealthyReports(t *testing.T) {
	m := newWatched(t, Config{})
	m.recordReport("com.meristem.p", report("unhealthy", 0))

	m.recordReport("com.meristem.p", report("healthy", 0))
	s, _ := m.Snapshot("com.meristem.p")
	if s.Status != StatusRecovering {
		t.Fatalf("first healthy report after a down state must be recovering, got %s", s.Status)
	}

	m.recordReport("com.meristem.p", report("healthy", 0))
	s, _ = m.Snapshot("com.meristem.p")
	if s.Status != StatusHealthy {
		t.Fatalf("second healthy report must restore healthy, got %s", s.Status)
	}
}

func TestDeadDetectionFiresOnUnresponsive(t *testing.T) {
	m := NewMonitor(Config{PongTimeout: time.Millisecond, MaxConsecutiveFailures: 2})
	var fired []string
	m.OnUnresponsive = func(id string) { fired = append(fired, id) }
	m.Watch("com.meristem.p", nil)

	time.Sleep(5 * time.Millisecond) // age the last pong past the timeout
	m.recordMiss("com.meristem.p")
	if len(fired) != 0 {
		t.Fatal("one miss must not declare a crash")
	}
	m.recordMiss("com.meristem.p")
	if len(fired) != 1 || fired[0] != "com.meristem.p" {
		t.Fatalf("expected exactly one onUnresponsive firing, got %v", fired)
	}

	s, _ := m.Snapshot("com.meristem.p")
	if s.Status != StatusCrashed {
		t.Fatalf("expected crashed, got %s", s.Status)
	}

	m.recordMiss("com.meristem.p")
	if len(fired) != 1 {
		t.Fatal("further misses after crashed must not re-fire the hook")
	}
}

func TestMemoryOverloadFiresOncePerEpisode(t *testing.T) {
	m := NewMonitor(Config{MemoryThresholdBytes: 100})
	var fired int
	m.OnMemoryExceeded = func(string) { fired++ }
	m.Watch("com.meristem.p", nil)

	m.recordReport("com.meristem.p", report("healthy", 200))
	m.recordReport("com.meristem.p", report("healthy", 300))
	if fired != 1 {
		t.Fatalf("overload must fire exactly once per episode, got %d", fired)
	}
	s, _ := m.Snapshot("com.meristem.p")
	if s.Status != StatusUnresponsive {
		t.Fatalf("an overloaded plugin must be unresponsive, got %s", s.Status)
	}

	// Dropping below the threshold ends the episode; crossing again
	// starts a new one.
	m.recordReport("com.meristem.p", report("healthy", 50))
	m.recordReport("com.meristem.p", report("healthy", 200))
	if fired != 2 {
		t.Fatalf("a new episode must fire the hook again, got %d", fired)
	}
}

func TestUnwatchedPluginIsNotResponsive(t *testing.T) {
	m := NewMonitor(Config{})
	if m.IsResponsive("com.meristem.ghost") {
		t.Fatal("an unwatched plugin must not be responsive")
	}
}
