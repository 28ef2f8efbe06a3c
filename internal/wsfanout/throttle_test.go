package wsfanout

import (
	"encoding/json"
	"testing"
	"time"
)

func TestRealtimeProfileNeverThrottles(t *testing.T) {
	th := newThrottle(ProfileRealtime)
	for i := 0; i < 5; i++ {
		if !th.allow() {
			t.Fatalf("realtime profile must always allow, call %d denied", i)
		}
	}
}

func TestBalancedProfileEnforcesMinInterval(t *testing.T) {
	th := newThrottle(ProfileBalanced)
	if !th.allow() {
		t.Fatal("first push must always be allowed")
	}
	if th.allow() {
		t.Fatal("an immediate second push must be throttled under the balanced profile")
	}
}

func TestThrottleAllowsAfterGapElapses(t *testing.T) {
	th := newThrottle(ProfileConserve)
	if !th.allow() {
		t.Fatal("first push must be allowed")
	}
	th.mu.Lock()
	th.lastDeliveredAt = time.Now().Add(-ProfileConserve.MinInterval - time.Millisecond)
	th.mu.Unlock()
	if !th.allow() {
		t.Fatal("push after the gap elapsed must be allowed")
	}
}

func TestResolveProfileDefaultsToBalanced(t *testing.T) {
	p, ok := resolveProfile(nil)
	if !ok || p.Name != "balanced" {
		t.Fatalf("absent stream_profile must resolve to balanced, got %+v", p)
	}
}

func TestResolveProfileByName(t *testing.T) {
	p, ok := resolveProfile(json.RawMessage(`"conserve"`))
	if !ok || p.MinInterval != 500*time.Millisecond || p.BatchMaxSize != 20 {
		t.Fatalf("expected the conserve preset, got %+v", p)
	}
	if _, ok := resolveProfile(json.RawMessage(`"turbo"`)); ok {
		t.Fatal("an unknown preset name must be rejected")
	}
}

func TestResolveProfileCustomObjectOverridesFields(t *testing.T) {
	p, ok := resolveProfile(json.RawMessage(`{"min_interval_ms": 250}`))
	if !ok {
		t.Fatal("a valid custom object must resolve")
	}
	if p.MinInterval != 250*time.Millisecond {
		t.Fatalf("expected the overridden interval, got %s", p.MinInterval)
	}
	if p.BatchMaxSize != ProfileBalanced.BatchMaxSize {
		t.Fatalf("unset fields must keep the balanced defaults, got %d", p.BatchMaxSize)
	}
}

func TestResolveProfileRejectsNegativeInterval(t *testing.T) {
	if _, ok := resolveProfile(json.RawMessage(`{"min_interval_ms": -5}`)); ok {
		t.Fatal("a negative interval must be rejected")
	}
}
