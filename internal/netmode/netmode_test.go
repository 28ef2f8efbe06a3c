package netmode

import (
	"context"
	"testing"
	"time"

	"github.com/meristem/core/internal/bus"
)

type fakeProvider struct {
	id       string
	running  bool
	healthy  bool
	proposal *Proposal
}

func (f fakeProvider) PluginID() string { return f.id }
func (f fakeProvider) Running() bool    { return f.running }
func (f fakeProvider) Healthy() bool    { return f.healthy }
func (f fakeProvider) Proposal(ctx context.Context) (*Proposal, bool) {
	if f.proposal == nil {
		return nil, false
	}
	return f.proposal, true
}

func newManager(t *testing.T, providers func() []Provider) *Manager {
	t.Helper()
	disabledBus, err := bus.Connect(bus.Config{})
	if err != nil {
		t.Fatalf("bus.Connect: %v", err)
	}
	return New(Config{PollInterval: time.Hour, FallbackToDirect: true}, providers, disabledBus, nil)
}

func TestNoProvidersStaysDirect(t *testing.T) {
	m := newManager(t, func() []Provider { return nil })
	m.Tick(context.Background())
	if got := m.CurrentMode(); got != ModeDirect {
		t.Fatalf("expected DIRECT, got %s", got)
	}
}

func TestHealthyProviderEnablesMNet(t *testing.T) {
	var providers []Provider
	m := newManager(t, func() []Provider { return providers })

	providers = []Provider{fakeProvider{id: "com.example.net", running: true, healthy: true}}
	m.Tick(context.Background())
	if got := m.CurrentMode(); got != ModeMNet {
		t.Fatalf("expected M-NET, got %s", got)
	}
}

func TestUnhealthyProviderFallsBackToDirect(t *testing.T) {
	var providers []Provider
	m := newManager(t, func() []Provider { return providers })

	providers = []Provider{fakeProvider{id: "com.example.net", running: true, healthy: true}}
	m.Tick(context.Background())
	if m.CurrentMode() != ModeMNet {
		t.Fatalf("setup: expected M-NET before flipping unhealthy")
	}

	providers = []Provider{fakeProvider{id: "com.example.net", running: true, healthy: false}}
	m.Tick(context.Background())
	if got := m.CurrentMode(); got != ModeDirect {
		t.Fatalf("expected DIRECT after health failure, got %s", got)
	}
}

func TestProposalDirectOverridesHealth(t *testing.T) {
	var providers []Provider
	m := newManager(t, func() []Provider { return providers })

	providers = []Provider{fakeProvider{id: "com.example.net", running: true, healthy: true}}
	m.Tick(context.Background())
	if m.CurrentMode() != ModeMNet {
		t.Fatalf("setup: expected M-NET")
	}

	providers = []Provider{fakeProvider{id: "com.example.net", running: true, healthy: true, proposal: &Proposal{Mode: ModeDirect}}}
	m.Tick(context.Background())
	if got := m.CurrentMode(); got != ModeDirect {
		t.Fatalf("expected DIRECT from proposal, got %s", got)
	}
}

func TestTickIsReentrancyGuarded(t *testing.T) {
	m := newManager(t, func() []Provider { return nil })
	if !m.tickGuard.TryLock() {
		t.Fatal("expected guard to be free before any tick")
	}
	m.tickGuard.Unlock()

	m.tickGuard.Lock()
	defer m.tickGuard.Unlock()
	// A concurrent Tick call should return immediately without blocking
	// because the guard is already held.
	done := make(chan struct{})
	go func() {
		m.Tick(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Tick did not return promptly while guard held")
	}
}
