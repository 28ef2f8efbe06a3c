// Package health runs the ping/pong liveness loop against plugin
// isolates and derives each plugin's HealthStatus with recovery
// hysteresis, dead detection, and memory-overload detection.
package health

import (
	"context"
	"sync"
	"time"

	"github.com/meristem/core/internal/logging"
	"github.com/meristem/core/internal/plugin/isolate"
)

var log = logging.Component("plugin-health")

// Status is the internal health classification of one plugin.
type Status string

const (
	StatusHealthy      Status = "healthy"
	StatusRecovering   Status = "recovering"
	StatusUnresponsive Status = "unresponsive"
	StatusCrashed      Status = "crashed"
)

// HealthStatus is the point-in-time health snapshot for one plugin.
// Readers always get copies; the Monitor owns the originals.
type HealthStatus struct {
	PluginID            string
	Status              Status
	LastPing            time.Time
	LastPong            time.Time
	MemoryUsageRSS      int64 // 0 when the isolate reported nothing
	Uptime              time.Duration
	ConsecutiveFailures int
}

// Config bounds the monitor's detection behavior. The zero value is
// filled with defaults; MaxConsecutiveFailures defaults to 2.
type Config struct {
	PingInterval           time.Duration
	PongTimeout            time.Duration
	MaxConsecutiveFailures int
	MemoryThresholdBytes   int64 // 0 disables overload detection
}

type entry struct {
	iso       *isolate.Isolate
	startedAt time.Time
	status    HealthStatus
	// overloadSignaled keeps onMemoryExceeded to exactly one firing
	// per overload episode; it resets when rss drops back under the
	// threshold.
	overloadSignaled bool
}

// Monitor watches every registered isolate, pinging on a shared
// interval. The hooks fire outside the monitor's lock; both are
// expected to trigger a supervised restart at the Lifecycle Manager.
type Monitor struct {
	cfg Config

	// OnUnresponsive fires when a plugin crosses
	// MaxConsecutiveFailures missed pongs and is declared crashed.
	OnUnresponsive func(pluginID string)
	// OnMemoryExceeded fires once per overload episode.
	OnMemoryExceeded func(pluginID string)

	mu      sync.Mutex
	watched map[string]*entry

	stopOnce sync.Once
	stop     chan struct{}
}

func NewMonitor(cfg Config) *Monitor {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 10 * time.Second
	}
	if cfg.PongTimeout <= 0 {
		cfg.PongTimeout = 5 * time.Second
	}
	if cfg.MaxConsecutiveFailures <= 0 {
		cfg.MaxConsecutiveFailures = 2
	}
	return &Monitor{
		cfg:     cfg,
		watched: make(map[string]*entry),
		stop:    make(chan struct{}),
	}
}

// Watch begins monitoring pluginID's isolate. Re-watching an id (the
// post-reload isolate, or a supervised restart) resets its state.
func (m *Monitor) Watch(pluginID string, iso *isolate.Isolate) {
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.watched[pluginID] = &entry{
		iso:       iso,
		startedAt: now,
		status: HealthStatus{
			PluginID: pluginID,
			Status:   StatusHealthy,
			LastPong: now,
		},
	}
}

// Unwatch stops monitoring pluginID.
func (m *Monitor) Unwatch(pluginID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.watched, pluginID)
}

// Run blocks, pinging every watched isolate on PingInterval until ctx
// is cancelled or Stop is called.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stop:
			return
		case <-ticker.C:
			m.tick(ctx)
		}
	}
}

func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.stop) })
}

// tick sends HEALTH to every monitored isolate and evaluates dead
// plugins.
func (m *Monitor) tick(ctx context.Context) {
	m.mu.Lock()
	targets := make(map[string]*isolate.Isolate, len(m.watched))
	for id, e := range m.watched {
		e.status.LastPing = time.Now()
		targets[id] = e.iso
	}
	m.mu.Unlock()

	for id, iso := range targets {
		report, err := iso.Health(ctx, m.cfg.PongTimeout)
		if err != nil {
			m.recordMiss(id)
			continue
		}
		m.recordReport(id, report)
	}
}

// recordMiss applies dead detection: each pong past its timeout
// increments consecutiveFailures; crossing the ceiling declares the
// plugin crashed and fires onUnresponsive.
func (m *Monitor) recordMiss(pluginID string) {
	var crashed bool
	m.mu.Lock()
	e, ok := m.watched[pluginID]
	if ok && time.Since(e.status.LastPong) > m.cfg.PongTimeout {
		e.status.ConsecutiveFailures++
		if e.status.ConsecutiveFailures >= m.cfg.MaxConsecutiveFailures && e.status.Status != StatusCrashed {
			e.status.Status = StatusCrashed
			crashed = true
		}
		log.Warn().Str("plugin_id", pluginID).Int("consecutive_failures", e.status.ConsecutiveFailures).Msg("health ping missed")
	}
	m.mu.Unlock()

	if crashed && m.OnUnresponsive != nil {
		m.OnUnresponsive(pluginID)
	}
}

// recordReport refreshes the snapshot from the isolate's own
// report, with recovery hysteresis and memory-overload detection.
func (m *Monitor) recordReport(pluginID string, report isolate.HealthReport) {
	var overloaded bool
	now := time.Now()

	m.mu.Lock()
	e, ok := m.watched[pluginID]
	if !ok {
		m.mu.Unlock()
		return
	}

	previous := e.status.Status
	e.status.LastPong = now
	e.status.Uptime = now.Sub(e.startedAt)
	e.status.MemoryUsageRSS = report.MemoryUsage.RSS
	e.status.ConsecutiveFailures = 0

	switch report.Status {
	case "healthy":
		// Hysteresis: a plugin last seen unresponsive or crashed
		// earns healthy in two steps, passing through recovering.
		switch previous {
		case StatusUnresponsive, StatusCrashed:
			e.status.Status = StatusRecovering
		default:
			e.status.Status = StatusHealthy
		}
	case "degraded":
		e.status.Status = StatusRecovering
	case "unhealthy":
		e.status.Status = StatusUnresponsive
	}

	if m.cfg.MemoryThresholdBytes > 0 && report.MemoryUsage.RSS > m.cfg.MemoryThresholdBytes {
		e.status.Status = StatusUnresponsive
		if !e.overloadSignaled {
			e.overloadSignaled = true
			overloaded = true
		}
	} else {
		e.overloadSignaled = false
	}
	m.mu.Unlock()

	if overloaded && m.OnMemoryExceeded != nil {
		m.OnMemoryExceeded(pluginID)
	}
}

// Snapshot returns a copy of pluginID's current HealthStatus.
func (m *Monitor) Snapshot(pluginID string) (HealthStatus, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.watched[pluginID]
	if !ok {
		return HealthStatus{}, false
	}
	return e.status, true
}

// IsResponsive reports whether pluginID's last pong is within the
// pong timeout and its status is healthy or recovering.
func (m *Monitor) IsResponsive(pluginID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.watched[pluginID]
	if !ok {
		return false
	}
	if time.Since(e.status.LastPong) > m.cfg.PongTimeout {
		return false
	}
	return e.status.Status == StatusHealthy || e.status.Status == StatusRecovering
}
