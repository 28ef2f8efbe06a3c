// Package netmode implements the network-mode manager: a control
// loop that arbitrates DIRECT vs M-NET from plugin health and
// proposals, emitting a transition event on every mode change.
package netmode

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/meristem/core/internal/bus"
	"github.com/meristem/core/internal/logging"
	"github.com/meristem/core/internal/metrics"
	"github.com/meristem/core/internal/wsfanout"
)

var log = logging.Component("netmode")

// Mode is one of the two network modes the manager arbitrates between.
type Mode string

const (
	ModeDirect Mode = "DIRECT"
	ModeMNet   Mode = "M-NET"
)

// Reason explains why a transition happened
type Reason string

const (
	ReasonPluginEnabled  Reason = "plugin_enabled"
	ReasonPluginDisabled Reason = "plugin_disabled"
	ReasonPluginFailure  Reason = "plugin_failure"
	ReasonPluginProposal Reason = "plugin_proposal"
	ReasonManualOverride Reason = "manual_override"
)

// Proposal is what a provider plugin optionally returns when asked
// for its preferred mode.
type Proposal struct {
	Mode Mode
}

// Provider is a plugin that exports the "network-mode-status"
// capability and is eligible to drive mode arbitration. Implementations
// typically wrap a lifecycle.Plugin + its health.Monitor.
type Provider interface {
	PluginID() string
	Running() bool
	Healthy() bool
	// Proposal returns the provider's current mode preference, if any.
	Proposal(ctx context.Context) (*Proposal, bool)
}

// TransitionEvent describes one mode change, published
// on the bus and broadcast to WebSocket clients on every mode change.
type TransitionEvent struct {
	From     Mode   `json:"from"`
	To       Mode   `json:"to"`
	Reason   Reason `json:"reason"`
	TS       int64  `json:"ts"`
	PluginID string `json:"plugin_id,omitempty"`
	Health   bool   `json:"health"`
}

// Config bounds the manager's polling behavior.
type Config struct {
	PollInterval time.Duration
	// FallbackToDirect controls behavior when a provider exists and is
	// running but unhealthy: true falls back to DIRECT immediately,
	// false holds the current mode until the provider recovers.
	FallbackToDirect bool
}

// Manager is the sole writer of currentMode.
type Manager struct {
	cfg       Config
	providers func() []Provider
	busConn   *bus.Conn
	hub       *wsfanout.Hub

	tickGuard sync.Mutex // reentrancy guard: serializes ticks

	mu          sync.Mutex // guards currentMode only
	currentMode Mode
}

// New builds a Manager starting in DIRECT mode, the default when no
// provider plugin is present.
func New(cfg Config, providers func() []Provider, busConn *bus.Conn, hub *wsfanout.Hub) *Manager {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	return &Manager{
		cfg:         cfg,
		providers:   providers,
		busConn:     busConn,
		hub:         hub,
		currentMode: ModeDirect,
	}
}

func (m *Manager) CurrentMode() Mode {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.currentMode
}

// Run blocks, ticking on cfg.PollInterval until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Tick(ctx)
		}
	}
}

// Tick runs one arbitration pass. Ticks are serialized: a tick still
// running when the next one is due is skipped rather than overlapped.
func (m *Manager) Tick(ctx context.Context) {
	if !m.tickGuard.TryLock() {
		return
	}
	defer m.tickGuard.Unlock()

	providers := m.providers()

	exists, running, healthy := false, false, false
	pluginID := ""
	var proposal *Proposal

	for _, p := range providers {
		exists = true
		pluginID = p.PluginID()
		running = p.Running()
		healthy = p.Healthy()
		if pr, ok := p.Proposal(ctx); ok {
			proposal = pr
		}
		if running && healthy {
			break // a healthy provider wins over a degraded one in the set
		}
	}

	target, reason := m.resolve(exists, running, healthy, proposal)

	m.mu.Lock()
	current := m.currentMode
	if target == current {
		m.mu.Unlock()
		return
	}
	m.currentMode = target
	m.mu.Unlock()

	m.emit(TransitionEvent{
		From:     current,
		To:       target,
		Reason:   reason,
		TS:       time.Now().UnixMilli(),
		PluginID: pluginID,
		Health:   healthy,
	})
}

// SetMode applies an operator-initiated override, bypassing
// arbitration. Used for the manual_override reason.
func (m *Manager) SetMode(mode Mode) {
	m.mu.Lock()
	current := m.currentMode
	if mode == current {
		m.mu.Unlock()
		return
	}
	m.currentMode = mode
	m.mu.Unlock()

	m.emit(TransitionEvent{
		From:   current,
		To:     mode,
		Reason: ReasonManualOverride,
		TS:     time.Now().UnixMilli(),
		Health: true,
	})
}

// resolve implements the target-mode resolution.
func (m *Manager) resolve(exists, running, healthy bool, proposal *Proposal) (Mode, Reason) {
	if proposal != nil {
		if proposal.Mode == ModeDirect {
			return ModeDirect, ReasonPluginProposal
		}
		if running && healthy {
			return ModeMNet, ReasonPluginProposal
		}
		return ModeDirect, ReasonPluginProposal
	}

	if running && healthy {
		return ModeMNet, ReasonPluginEnabled
	}
	if !exists || !running {
		return ModeDirect, ReasonPluginDisabled
	}
	// exists && running && !healthy
	if !m.cfg.FallbackToDirect {
		return m.CurrentMode(), ReasonPluginFailure
	}
	return ModeDirect, ReasonPluginFailure
}

// emit publishes to the bus and broadcasts to WebSocket clients.
// Publish failures are logged only: the transition is not republished
// on a later tick, and the already-applied currentMode is not rolled
// back.
func (m *Manager) emit(ev TransitionEvent) {
	b, err := json.Marshal(ev)
	if err != nil {
		log.Error().Err(err).Msg("failed to marshal network mode transition")
		return
	}
	if err := m.busConn.Publish(bus.SubjectNetworkMode, b); err != nil {
		log.Warn().Err(err).Str("from", string(ev.From)).Str("to", string(ev.To)).Msg("failed to publish network mode transition")
	}
	if m.hub != nil {
		m.hub.Publish("sys.network.mode", "", b)
	}
	metrics.NetworkMode.WithLabelValues(string(ev.From)).Set(0)
	metrics.NetworkMode.WithLabelValues(string(ev.To)).Set(1)
	log.Info().Str("from", string(ev.From)).Str("to", string(ev.To)).Str("reason", string(ev.Reason)).Msg("network mode transition")
}
