package lifecycle

import (
	"context"
	"testing"
	"time"

	"github.com/meristem/core/internal/plugin/manifest"
)

func newTestPlugin() *Plugin {
	return New(manifest.Manifest{ID: "com.meristem.test", Tier: manifest.TierExtension}, "entry.js", nil)
}

func TestInitialStateIsLoaded(t *testing.T) {
	p := newTestPlugin()
	if p.State() != StateLoaded {
		t.Fatalf("expected LOADED, got %s", p.State())
	}
	if p.ConfigVersion() != 1 {
		t.Fatalf("expected initial configVersion 1, got %d", p.ConfigVersion())
	}
}

func TestLegalTransitionSucceeds(t *testing.T) {
	p := newTestPlugin()
	if err := p.transition(StateInitializing); err != nil {
		t.Fatalf("LOADED -> INITIALIZING should be legal: %v", err)
	}
	if p.State() != StateInitializing {
		t.Fatalf("expected INITIALIZING, got %s", p.State())
	}
}

func TestIllegalTransitionRejected(t *testing.T) {
	p := newTestPlugin()
	if err := p.transition(StateRunning); err == nil {
		t.Fatal("LOADED -> RUNNING must be rejected as an illegal transition")
	}
	if p.State() != StateLoaded {
		t.Fatal("state must not change on a rejected transition")
	}
}

func TestEveryStateIsExactlyOneOfTen(t *testing.T) {
	all := map[State]bool{
		StateLoaded: true, StateInitializing: true, StateInitError: true,
		StateStarting: true, StateStartError: true, StateRunning: true,
		StateReloading: true, StateStopping: true, StateStopped: true,
		StateDestroyed: true,
	}
	if len(all) != 10 {
		t.Fatalf("expected exactly 10 distinct states, got %d", len(all))
	}
	for from, tos := range legalTransitions {
		if !all[from] {
			t.Fatalf("legalTransitions references unknown state %s", from)
		}
		for _, to := range tos {
			if !all[to] {
				t.Fatalf("legalTransitions references unknown target state %s", to)
			}
		}
	}
}

func TestErrorStatesPermitRetry(t *testing.T) {
	p := newTestPlugin()
	mustTransition(t, p, StateInitializing, StateInitError)
	if err := p.transition(StateInitializing); err != nil {
		t.Fatalf("INIT_ERROR -> INITIALIZING (retry) must be legal: %v", err)
	}
	mustTransition(t, p, StateStarting, StateStartError)
	if err := p.transition(StateStarting); err != nil {
		t.Fatalf("START_ERROR -> STARTING (retry) must be legal: %v", err)
	}
}

func TestStoppedOnlyMovesToDestroyed(t *testing.T) {
	tos := legalTransitions[StateStopped]
	if len(tos) != 1 || tos[0] != StateDestroyed {
		t.Fatalf("STOPPED must only move to DESTROYED, got %v", tos)
	}
}

func TestDestroyedIsTerminal(t *testing.T) {
	if len(legalTransitions[StateDestroyed]) != 0 {
		t.Fatal("DESTROYED must have no legal outgoing transitions")
	}
}

func TestReloadingReturnsToRunningOnly(t *testing.T) {
	tos := legalTransitions[StateReloading]
	if len(tos) != 1 || tos[0] != StateRunning {
		t.Fatalf("RELOADING must return to RUNNING for both commit and rollback, got %v", tos)
	}
}

func TestStopIsIdempotentOnceStopped(t *testing.T) {
	p := newTestPlugin()
	mustTransition(t, p, StateInitializing, StateStarting, StateRunning, StateStopping, StateStopped)

	if err := p.Stop(context.Background(), time.Second); err != nil {
		t.Fatalf("stopping a STOPPED plugin must be a no-op, got %v", err)
	}
	if p.State() != StateStopped {
		t.Fatalf("state must remain STOPPED, got %s", p.State())
	}
	if err := p.Destroy(); err != nil {
		t.Fatalf("STOPPED -> DESTROYED after an idempotent stop must still work: %v", err)
	}
}

func TestReloadRequiresRunningWithLiveIsolate(t *testing.T) {
	p := newTestPlugin()
	if err := p.Reload(context.Background(), time.Second); err == nil {
		t.Fatal("reload of a LOADED plugin must be rejected")
	}
	mustTransition(t, p, StateInitializing, StateStarting, StateRunning)
	if err := p.Reload(context.Background(), time.Second); err == nil {
		t.Fatal("reload without a live isolate must be rejected")
	}
	if p.State() != StateRunning {
		t.Fatalf("a rejected reload must leave the state untouched, got %s", p.State())
	}
	if p.ConfigVersion() != 1 {
		t.Fatalf("a failed reload must leave configVersion unchanged, got %d", p.ConfigVersion())
	}
}

func mustTransition(t *testing.T, p *Plugin, states ...State) {
	t.Helper()
	for _, s := range states {
		if err := p.transition(s); err != nil {
			t.Fatalf("transition to %s: %v", s, err)
		}
	}
}
