// Package fleet ingests node heartbeats and the coarse pulse stream,
// and runs the offline-reclaim monitor: subscribe to a fixed subject
// list, decode, update the node rows.
package fleet

import (
	"context"
	"encoding/json"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/meristem/core/internal/bus"
	"github.com/meristem/core/internal/logging"
	"github.com/meristem/core/internal/metrics"
	"github.com/meristem/core/internal/store"
	"github.com/meristem/core/internal/timers"
)

var log = logging.Component("fleet")

// Monitor ingests heartbeats/pulses and reclaims stale nodes.
type Monitor struct {
	bus   *bus.Conn
	store store.Store

	offlineAfter time.Duration

	mu     sync.Mutex
	online map[string]struct{}
	subs   []*nats.Subscription
}

func NewMonitor(conn *bus.Conn, st store.Store, offlineAfter time.Duration) *Monitor {
	if offlineAfter <= 0 {
		offlineAfter = 90 * time.Second
	}
	return &Monitor{bus: conn, store: st, offlineAfter: offlineAfter, online: make(map[string]struct{})}
}

type heartbeatPayload struct {
	NodeID    string `json:"node_id"`
	TS        int64  `json:"ts"`
	ClaimedIP string `json:"claimed_ip"`
}

// Start subscribes to the heartbeat wildcard and the pulse subject.
func (m *Monitor) Start() error {
	hbSub, err := m.bus.Subscribe(bus.SubjectHeartbeatWildcard, m.handleHeartbeat)
	if err != nil {
		return err
	}
	pulseSub, err := m.bus.Subscribe(bus.SubjectPulse, m.handlePulse)
	if err != nil {
		if hbSub != nil {
			_ = hbSub.Unsubscribe()
		}
		return err
	}
	m.mu.Lock()
	for _, s := range []*nats.Subscription{hbSub, pulseSub} {
		if s != nil {
			m.subs = append(m.subs, s)
		}
	}
	m.mu.Unlock()
	return nil
}

// Stop drops the heartbeat and pulse subscriptions. It is the first
// entry in the process's LIFO teardown, ahead of the bus close, so no
// handler fires against a store that is already going away. Safe to
// call more than once.
func (m *Monitor) Stop() {
	m.mu.Lock()
	subs := m.subs
	m.subs = nil
	m.mu.Unlock()
	for _, s := range subs {
		if err := s.Unsubscribe(); err != nil {
			log.Warn().Err(err).Msg("failed to drop fleet subscription")
		}
	}
}

func (m *Monitor) handleHeartbeat(subject string, data []byte) {
	var hb heartbeatPayload
	if err := json.Unmarshal(data, &hb); err != nil {
		log.Warn().Str("subject", subject).Err(err).Msg("malformed heartbeat payload")
		return
	}
	if hb.NodeID == "" {
		nodeID, ok := nodeIDFromSubject(subject)
		if !ok {
			log.Warn().Str("subject", subject).Msg("heartbeat subject missing node id")
			return
		}
		hb.NodeID = nodeID
	}

	ts := time.Now().UTC()
	if hb.TS > 0 {
		ts = time.UnixMilli(hb.TS).UTC()
	}

	err := m.store.UpsertNodeHeartbeat(context.Background(), store.Heartbeat{
		NodeID:    hb.NodeID,
		TS:        ts,
		ClaimedIP: hb.ClaimedIP,
	})
	if err != nil {
		log.Error().Err(err).Str("node_id", hb.NodeID).Msg("failed to record heartbeat")
		return
	}
	m.markOnline(hb.NodeID)
}

func (m *Monitor) markOnline(nodeID string) {
	m.mu.Lock()
	m.online[nodeID] = struct{}{}
	count := len(m.online)
	m.mu.Unlock()
	metrics.NodesOnline.Set(float64(count))
}

func (m *Monitor) markOffline(nodeIDs []string) {
	m.mu.Lock()
	for _, id := range nodeIDs {
		delete(m.online, id)
	}
	count := len(m.online)
	m.mu.Unlock()
	metrics.NodesOnline.Set(float64(count))
}

// nodeIDFromSubject extracts the node id from a meristem.v1.hb.<id>
// subject. handleHeartbeat always decodes the full payload first and
// uses the subject only when the payload carries no node_id.
func nodeIDFromSubject(subject string) (string, bool) {
	const prefix = "meristem.v1.hb."
	if !strings.HasPrefix(subject, prefix) {
		return "", false
	}
	id := strings.TrimPrefix(subject, prefix)
	if id == "" {
		return "", false
	}
	return id, true
}

type pulseCore struct {
	CPULoad  float64  `json:"cpu_load"`
	RAMUsage float64  `json:"ram_usage"`
	NetIO    *float64 `json:"net_io,omitempty"`
}

type pulsePayload struct {
	NodeID  string                 `json:"node_id"`
	TS      int64                  `json:"ts"`
	Core    pulseCore              `json:"core"`
	Plugins map[string]any         `json:"plugins,omitempty"`
}

// handlePulse decodes, clamps usage fractions to [0,1] and rounds
// cpu_load to three decimals, then logs a broad-strokes
// triad_type:"snapshot" summary: the pulse stream favors cheap,
// frequent, approximate signal over precise but expensive telemetry.
func (m *Monitor) handlePulse(subject string, data []byte) {
	var p pulsePayload
	if err := json.Unmarshal(data, &p); err != nil {
		log.Warn().Str("subject", subject).Err(err).Msg("malformed pulse payload")
		return
	}
	cpuLoad := roundThree(clampUnit(p.Core.CPULoad))
	ramUsage := clampUnit(p.Core.RAMUsage)

	log.Info().
		Str("triad_type", "snapshot").
		Str("node_id", p.NodeID).
		Float64("cpu_load", cpuLoad).
		Float64("ram_usage", ramUsage).
		Msg("pulse")
}

func clampUnit(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func roundThree(v float64) float64 {
	return math.Round(v*1000) / 1000
}

// RegisterOfflineReclaim schedules the two-step offline-reclaim sweep
// on group at interval: mark stale nodes offline, then soft-reclaim
// their shadow IP leases.
func (m *Monitor) RegisterOfflineReclaim(group *timers.Group, interval time.Duration) error {
	return group.ScheduleEvery("fleet-offline-reclaim", interval.String(), func() {
		if err := m.ReclaimOffline(context.Background()); err != nil {
			log.Error().Err(err).Msg("offline reclaim sweep failed")
		}
	})
}

// ReclaimOffline marks every node whose last heartbeat is older than
// offlineAfter as offline, then reclaims its IP shadow lease.
func (m *Monitor) ReclaimOffline(ctx context.Context) error {
	cutoff := time.Now().UTC().Add(-m.offlineAfter)
	reclaimed, err := m.store.MarkNodesOffline(ctx, cutoff)
	if err != nil {
		return err
	}
	if len(reclaimed) > 0 {
		ids := make([]string, len(reclaimed))
		for i, n := range reclaimed {
			ids[i] = n.NodeID
		}
		m.markOffline(ids)
		log.Info().Int("count", len(reclaimed)).Msg("nodes marked offline and reclaimed")
	}
	return nil
}
