// Package lifecycle implements the per-plugin state machine: an
// explicit, inspectable ten-state graph with guarded transitions,
// stop-with-timeout, and blue/green hot-reload.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/meristem/core/internal/bus"
	"github.com/meristem/core/internal/bus/guard"
	"github.com/meristem/core/internal/logging"
	"github.com/meristem/core/internal/plugin/isolate"
	"github.com/meristem/core/internal/plugin/manifest"
)

var log = logging.Component("lifecycle")

// State is one of the ten plugin lifecycle states.
type State string

const (
	StateLoaded       State = "LOADED"
	StateInitializing State = "INITIALIZING"
	StateInitError    State = "INIT_ERROR"
	StateStarting     State = "STARTING"
	StateStartError   State = "START_ERROR"
	StateRunning      State = "RUNNING"
	StateReloading    State = "RELOADING"
	StateStopping     State = "STOPPING"
	StateStopped      State = "STOPPED"
	StateDestroyed    State = "DESTROYED"
)

// legalTransitions enumerates every allowed State->State edge; any
// edge not listed here is rejected. The _ERROR states permit a retry
// of the originating transition, and may be destroyed on unload.
var legalTransitions = map[State][]State{
	StateLoaded:       {StateInitializing},
	StateInitializing: {StateStarting, StateInitError},
	StateInitError:    {StateInitializing, StateDestroyed},
	StateStarting:     {StateRunning, StateStartError},
	StateStartError:   {StateStarting, StateDestroyed},
	StateRunning:      {StateStopping, StateReloading},
	StateReloading:    {StateRunning},
	StateStopping:     {StateStopped},
	StateStopped:      {StateDestroyed},
	StateDestroyed:    {},
}

const (
	defaultStopTimeout   = 3 * time.Second
	defaultReloadTimeout = 5 * time.Second
	hookCallTimeout      = 10 * time.Second
)

// ErrBusy is returned when a lifecycle operation arrives while
// another one is still in progress for the same plugin; transitions
// are serialized, and a concurrent reload + stop is rejected rather
// than queued.
var ErrBusy = errors.New("lifecycle: operation already in progress")

// Runtime bundles the collaborators every managed plugin shares: the
// bus for event subscriptions, the capability broker serving its
// invoke bridge, the configVersion persistence hook, and the health
// monitor start/stop hooks.
type Runtime struct {
	Bus    *bus.Conn
	Broker *isolate.Broker
	// PersistConfigVersion durably records a successful reload's new
	// config version before traffic moves to the new isolate.
	PersistConfigVersion func(ctx context.Context, pluginID string, version int) error
	// StartHealth / StopHealth attach and detach health monitoring
	// for a plugin's active isolate.
	StartHealth func(pluginID string, iso *isolate.Isolate)
	StopHealth  func(pluginID string)
}

// Plugin is one managed plugin instance: its manifest, its current
// isolate, and its lifecycle state. The Lifecycle Manager is the sole
// writer of state and isolate references; readers take snapshots.
type Plugin struct {
	Manifest  manifest.Manifest
	EntryPath string

	rt *Runtime

	op sync.Mutex // serializes lifecycle operations; TryLock rejects overlap

	mu            sync.Mutex // guards the fields below
	state         State
	configVersion int
	iso           *isolate.Isolate
	pending       *isolate.Isolate
	eventSubs     []*nats.Subscription
	brokerCancel  context.CancelFunc
	startedAt     time.Time
	stoppedAt     time.Time
	lastErr       error
}

func New(m manifest.Manifest, entryPath string, rt *Runtime) *Plugin {
	if rt == nil {
		rt = &Runtime{}
	}
	return &Plugin{Manifest: m, EntryPath: entryPath, rt: rt, state: StateLoaded, configVersion: 1}
}

func (p *Plugin) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Plugin) ConfigVersion() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.configVersion
}

// LastError returns the most recent hook or reload failure, if any.
func (p *Plugin) LastError() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastErr
}

// Isolate returns the currently active isolate, or nil when the
// plugin holds none.
func (p *Plugin) Isolate() *isolate.Isolate {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.iso
}

// transition moves p.state to next, returning an error identifying
// the illegal pair when the edge is not in legalTransitions.
func (p *Plugin) transition(next State) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.transitionLocked(next)
}

func (p *Plugin) transitionLocked(next State) error {
	for _, s := range legalTransitions[p.state] {
		if s == next {
			log.Info().Str("plugin_id", p.Manifest.ID).Str("from", string(p.state)).Str("to", string(next)).Msg("lifecycle transition")
			p.state = next
			return nil
		}
	}
	return fmt.Errorf("lifecycle: illegal transition %s -> %s for plugin %s", p.state, next, p.Manifest.ID)
}

// Init spawns the isolate, binds the invoke bridge, and calls onInit.
// Failure lands in INIT_ERROR, from which Init may be retried.
func (p *Plugin) Init(ctx context.Context) error {
	if !p.op.TryLock() {
		return ErrBusy
	}
	defer p.op.Unlock()

	if err := p.transition(StateInitializing); err != nil {
		return err
	}

	iso, cancel, err := p.spawnAndServe(ctx, p.Manifest, p.EntryPath)
	if err != nil {
		err = fmt.Errorf("lifecycle: init %s: %w", p.Manifest.ID, err)
		p.fail(StateInitError, err)
		return err
	}

	if _, err := iso.Invoke(ctx, "", isolate.MethodOnInit, map[string]any{"hasContext": true}, hookCallTimeout); err != nil {
		cancel()
		_ = iso.Stop(defaultStopTimeout)
		err = fmt.Errorf("lifecycle: onInit %s: %w", p.Manifest.ID, err)
		p.fail(StateInitError, err)
		return err
	}

	p.mu.Lock()
	p.iso = iso
	p.brokerCancel = cancel
	p.lastErr = nil
	p.mu.Unlock()
	return nil
}

// Start calls onStart, subscribes the manifest's event subjects (each
// routed through the Subject Permission Guard; violations are audited
// and skipped), and attaches health monitoring. Failure lands in
// START_ERROR, from which Start may be retried.
func (p *Plugin) Start(ctx context.Context) error {
	if !p.op.TryLock() {
		return ErrBusy
	}
	defer p.op.Unlock()

	if err := p.transition(StateStarting); err != nil {
		return err
	}

	iso := p.Isolate()
	if iso == nil {
		err := fmt.Errorf("lifecycle: start %s: no isolate", p.Manifest.ID)
		p.fail(StateStartError, err)
		return err
	}

	if _, err := iso.Invoke(ctx, "", isolate.MethodOnStart, nil, hookCallTimeout); err != nil {
		err = fmt.Errorf("lifecycle: onStart %s: %w", p.Manifest.ID, err)
		p.fail(StateStartError, err)
		return err
	}

	subs := p.subscribeEvents(iso)

	if p.rt.StartHealth != nil {
		p.rt.StartHealth(p.Manifest.ID, iso)
	}

	p.mu.Lock()
	p.eventSubs = subs
	p.startedAt = time.Now().UTC()
	p.lastErr = nil
	err := p.transitionLocked(StateRunning)
	p.mu.Unlock()
	return err
}

// subscribeEvents creates one bus subscription per declared event
// subject, gated by the Subject Permission Guard against the
// manifest's own permission set. Denied subjects are audited and no
// subscription is created for them.
func (p *Plugin) subscribeEvents(iso *isolate.Isolate) []*nats.Subscription {
	var subs []*nats.Subscription
	for _, subject := range p.Manifest.Events {
		decision := guard.Check(subject, p.Manifest.Permissions)
		if !decision.Allowed {
			guard.AuditDenial("BUS_ACCESS_DENIED", p.Manifest.ID, subject, decision.RequiredPermission, decision.Reason)
			continue
		}
		sub, err := isolate.Bridge(p.rt.Bus, subject, iso)
		if err != nil {
			log.Warn().Str("plugin_id", p.Manifest.ID).Str("subject", subject).Err(err).Msg("event subscription failed")
			continue
		}
		if sub != nil {
			subs = append(subs, sub)
		}
	}
	return subs
}

// Stop gracefully stops the plugin: unsubscribe events, stop health
// monitoring, send TERMINATE, race onStop against timeout, and
// force-kill on overrun. Stopping an already-STOPPED plugin is a
// no-op, keeping Stop idempotent relative to STOPPED -> DESTROYED.
func (p *Plugin) Stop(ctx context.Context, timeout time.Duration) error {
	if !p.op.TryLock() {
		return ErrBusy
	}
	defer p.op.Unlock()

	if p.State() == StateStopped {
		return nil
	}
	if timeout <= 0 {
		timeout = defaultStopTimeout
	}

	if err := p.transition(StateStopping); err != nil {
		return err
	}

	p.mu.Lock()
	iso := p.iso
	subs := p.eventSubs
	cancel := p.brokerCancel
	p.eventSubs = nil
	p.mu.Unlock()

	unsubscribeAll(subs)
	if p.rt.StopHealth != nil {
		p.rt.StopHealth(p.Manifest.ID)
	}

	if iso != nil {
		_ = iso.Terminate()
		if _, err := iso.Invoke(ctx, "", isolate.MethodOnStop, nil, timeout); err != nil {
			log.Warn().Str("plugin_id", p.Manifest.ID).Err(err).Msg("onStop did not complete, force-terminating")
		}
		if err := iso.Stop(timeout); err != nil {
			log.Warn().Str("plugin_id", p.Manifest.ID).Err(err).Msg("isolate did not exit gracefully, killed")
		}
	}
	if cancel != nil {
		cancel()
	}

	p.mu.Lock()
	p.iso = nil
	p.brokerCancel = nil
	p.stoppedAt = time.Now().UTC()
	err := p.transitionLocked(StateStopped)
	p.mu.Unlock()
	return err
}

// Destroy releases the plugin's slot after a stop. The isolate was
// already released at STOPPED.
func (p *Plugin) Destroy() error {
	if !p.op.TryLock() {
		return ErrBusy
	}
	defer p.op.Unlock()
	return p.transition(StateDestroyed)
}

// Reload performs a blue/green hot-reload. The old isolate keeps
// serving while a pending one initializes and starts
// with {reload:true}; any failure tears the pending isolate down and
// returns to RUNNING with configVersion unchanged. On success the new
// config version is persisted first, and only then does the active
// reference swap, the event subscriptions rebind, and the old isolate
// stop.
func (p *Plugin) Reload(ctx context.Context, timeout time.Duration) error {
	if !p.op.TryLock() {
		return ErrBusy
	}
	defer p.op.Unlock()

	if timeout <= 0 {
		timeout = defaultReloadTimeout
	}

	p.mu.Lock()
	if p.state != StateRunning || p.iso == nil {
		state := p.state
		p.mu.Unlock()
		return fmt.Errorf("lifecycle: reload %s: requires RUNNING with a live isolate, currently %s", p.Manifest.ID, state)
	}
	if err := p.transitionLocked(StateReloading); err != nil {
		p.mu.Unlock()
		return err
	}
	old := p.iso
	oldCancel := p.brokerCancel
	oldSubs := p.eventSubs
	version := p.configVersion
	p.mu.Unlock()

	rollback := func(cause error) error {
		p.mu.Lock()
		p.pending = nil
		p.lastErr = cause
		_ = p.transitionLocked(StateRunning) // blue keeps serving; traffic never moved
		p.mu.Unlock()
		return cause
	}

	pending, pendingCancel, err := p.spawnAndServe(ctx, p.Manifest, p.EntryPath)
	if err != nil {
		return rollback(fmt.Errorf("lifecycle: reload spawn %s: %w", p.Manifest.ID, err))
	}
	p.mu.Lock()
	p.pending = pending
	p.mu.Unlock()

	hookCtx, cancelHooks := context.WithTimeout(ctx, timeout)
	defer cancelHooks()

	if _, err := pending.Invoke(hookCtx, "", isolate.MethodOnInit, map[string]any{"hasContext": true, "reload": true}, timeout); err != nil {
		pendingCancel()
		_ = pending.Stop(defaultStopTimeout)
		return rollback(fmt.Errorf("lifecycle: reload onInit %s: %w", p.Manifest.ID, err))
	}
	if _, err := pending.Invoke(hookCtx, "", isolate.MethodOnStart, map[string]any{"reload": true}, timeout); err != nil {
		pendingCancel()
		_ = pending.Stop(defaultStopTimeout)
		return rollback(fmt.Errorf("lifecycle: reload onStart %s: %w", p.Manifest.ID, err))
	}

	if p.rt.PersistConfigVersion != nil {
		if err := p.rt.PersistConfigVersion(ctx, p.Manifest.ID, version+1); err != nil {
			pendingCancel()
			_ = pending.Stop(defaultStopTimeout)
			return rollback(fmt.Errorf("lifecycle: reload persist %s: %w", p.Manifest.ID, err))
		}
	}

	newSubs := p.subscribeEvents(pending)

	// Swap: in-flight invocations continue against the isolate that
	// was active at their arrival; new ones land on the new isolate.
	p.mu.Lock()
	p.iso = pending
	p.pending = nil
	p.brokerCancel = pendingCancel
	p.eventSubs = newSubs
	p.configVersion = version + 1
	p.lastErr = nil
	p.mu.Unlock()

	if p.rt.StopHealth != nil {
		p.rt.StopHealth(p.Manifest.ID)
	}
	if p.rt.StartHealth != nil {
		p.rt.StartHealth(p.Manifest.ID, pending)
	}

	unsubscribeAll(oldSubs)
	_ = old.Terminate()
	if _, err := old.Invoke(ctx, "", isolate.MethodOnStop, nil, defaultStopTimeout); err != nil {
		log.Warn().Str("plugin_id", p.Manifest.ID).Err(err).Msg("old isolate onStop failed during reload")
	}
	if oldCancel != nil {
		oldCancel()
	}
	if err := old.Stop(defaultStopTimeout); err != nil {
		log.Warn().Str("plugin_id", p.Manifest.ID).Err(err).Msg("old isolate did not exit gracefully during reload")
	}

	return p.transition(StateRunning)
}

// Clone returns a fresh LOADED Plugin sharing p's manifest, entry
// path, and runtime; used by the supervisor to restart a plugin whose
// stopped instance can only move to DESTROYED.
func Clone(p *Plugin) *Plugin {
	return New(p.Manifest, p.EntryPath, p.rt)
}

// spawnAndServe starts an isolate process and attaches the capability
// broker's serve loop to its invoke bridge.
func (p *Plugin) spawnAndServe(ctx context.Context, m manifest.Manifest, entryPath string) (*isolate.Isolate, context.CancelFunc, error) {
	iso, err := isolate.Spawn(ctx, m, entryPath)
	if err != nil {
		return nil, nil, err
	}
	serveCtx, cancel := context.WithCancel(context.Background())
	if p.rt.Broker != nil {
		go p.rt.Broker.Serve(serveCtx, iso)
	}
	return iso, cancel, nil
}

// fail records err and moves to errState; the transition itself is
// always legal from the states fail is called in.
func (p *Plugin) fail(errState State, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastErr = err
	if terr := p.transitionLocked(errState); terr != nil {
		log.Error().Str("plugin_id", p.Manifest.ID).Err(terr).Msg("failed to enter error state")
	}
}

func unsubscribeAll(subs []*nats.Subscription) {
	for _, s := range subs {
		if s != nil {
			_ = s.Unsubscribe()
		}
	}
}
