// Package storetest provides an in-memory store.Store implementation
// used only by the Core's test suite, so audit/tasks/auth unit tests
// can exercise real transaction and claim-protocol semantics without
// a live backend.
package storetest

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/meristem/core/internal/store"
)

type fakeTx struct{}

func (fakeTx) Commit() error   { return nil }
func (fakeTx) Rollback() error { return nil }

// Store is a single-process, mutex-guarded stand-in for store.Store.
type Store struct {
	mu sync.Mutex

	tasks           []store.Task
	intents         map[string]store.AuditIntent
	partitionTails  map[int]store.PartitionState
	global          store.GlobalState
	logs            []store.AuditLog
	failures        []store.AuditIntent
	anchors         []store.GlobalAnchor
	nodes           map[string]store.Node
	bootstrapped    bool
	users           map[string]store.User
	pluginVersions  map[string]int
}

func New() *Store {
	return &Store{
		intents:        map[string]store.AuditIntent{},
		partitionTails: map[int]store.PartitionState{},
		nodes:          map[string]store.Node{},
		users:          map[string]store.User{},
	}
}

func (s *Store) BeginTx(ctx context.Context) (store.Tx, error) { return fakeTx{}, nil }

func (s *Store) InsertTask(ctx context.Context, tx store.Tx, t store.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks = append(s.tasks, t)
	return nil
}

func (s *Store) ListTasks(ctx context.Context, f store.TaskFilter) ([]store.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var filtered []store.Task
	for _, t := range s.tasks {
		if !f.IsSuperadmin && f.OrgID != "" && t.OrgID != f.OrgID {
			continue
		}
		if f.HasCursor {
			if t.CreatedAt.Before(f.AfterCreatedAt) {
				continue
			}
			if t.CreatedAt.Equal(f.AfterCreatedAt) && t.TaskID <= f.AfterTaskID {
				continue
			}
		}
		filtered = append(filtered, t)
	}
	sort.Slice(filtered, func(i, j int) bool {
		if filtered[i].CreatedAt.Equal(filtered[j].CreatedAt) {
			return filtered[i].TaskID < filtered[j].TaskID
		}
		return filtered[i].CreatedAt.Before(filtered[j].CreatedAt)
	})
	if f.Limit > 0 && f.Limit < len(filtered) {
		filtered = filtered[:f.Limit]
	}
	return filtered, nil
}

func (s *Store) InsertAuditIntent(ctx context.Context, tx store.Tx, i store.AuditIntent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.intents[i.EventID] = i
	return nil
}

func (s *Store) ClaimAuditIntents(ctx context.Context, nodeID string, batchSize int, leaseDuration time.Duration) ([]store.AuditIntent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var candidates []store.AuditIntent
	now := time.Now()
	for _, i := range s.intents {
		if i.Status == "pending" || i.Status == "failed_retriable" {
			candidates = append(candidates, i)
		} else if i.Status == "processing" && i.LeaseUntil.Before(now) {
			candidates = append(candidates, i)
		}
	}
	sort.Slice(candidates, func(a, b int) bool {
		if candidates[a].CreatedAt.Equal(candidates[b].CreatedAt) {
			return candidates[a].EventID < candidates[b].EventID
		}
		return candidates[a].CreatedAt.Before(candidates[b].CreatedAt)
	})
	if len(candidates) > batchSize {
		candidates = candidates[:batchSize]
	}
	for idx, c := range candidates {
		c.Status = "processing"
		c.LeaseOwner = nodeID
		c.LeaseUntil = now.Add(leaseDuration)
		s.intents[c.EventID] = c
		candidates[idx] = c
	}
	return candidates, nil
}

func (s *Store) UpdateAuditIntent(ctx context.Context, i store.AuditIntent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.intents[i.EventID] = i
	return nil
}

func (s *Store) GetPartitionTail(ctx context.Context, partitionID int) (store.PartitionState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.partitionTails[partitionID], nil
}

func (s *Store) GetGlobalState(ctx context.Context) (store.GlobalState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.global, nil
}

func (s *Store) CommitAuditBatch(ctx context.Context, batch store.CommitBatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.logs = append(s.logs, batch.Logs...)
	for _, p := range batch.PartitionUpdates {
		s.partitionTails[p.PartitionID] = p
	}
	s.global = batch.FinalGlobalState
	for _, eventID := range batch.IntentsCommitted {
		i := s.intents[eventID]
		i.Status = "committed"
		i.CommittedAt = time.Now()
		s.intents[eventID] = i
	}
	return nil
}

func (s *Store) CountAuditBacklog(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, i := range s.intents {
		switch i.Status {
		case "pending", "processing", "ready_for_global_commit", "failed_retriable":
			n++
		}
	}
	return n, nil
}

func (s *Store) InsertAuditFailure(ctx context.Context, i store.AuditIntent, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	i.ErrorLast = reason
	s.failures = append(s.failures, i)
	return nil
}

// Intent returns the current state of one stored intent.
func (s *Store) Intent(eventID string) (store.AuditIntent, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i, ok := s.intents[eventID]
	return i, ok
}

// Failures returns every intent recorded in the failure collection.
func (s *Store) Failures() []store.AuditIntent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]store.AuditIntent, len(s.failures))
	copy(out, s.failures)
	return out
}

func (s *Store) ListPartitionTails(ctx context.Context, partitionCount int) ([]store.PartitionState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]store.PartitionState, 0, partitionCount)
	for i := 0; i < partitionCount; i++ {
		if t, ok := s.partitionTails[i]; ok {
			out = append(out, t)
		}
	}
	return out, nil
}

func (s *Store) InsertAnchor(ctx context.Context, a store.GlobalAnchor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.anchors = append(s.anchors, a)
	return nil
}

func (s *Store) LatestAnchor(ctx context.Context) (store.GlobalAnchor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.anchors) == 0 {
		return store.GlobalAnchor{}, store.ErrNotFound
	}
	return s.anchors[len(s.anchors)-1], nil
}

func (s *Store) SavePluginConfigVersion(ctx context.Context, pluginID string, version int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pluginVersions == nil {
		s.pluginVersions = map[string]int{}
	}
	s.pluginVersions[pluginID] = version
	return nil
}

// PluginConfigVersion returns the last persisted config version for
// pluginID, or 0 when none was recorded.
func (s *Store) PluginConfigVersion(pluginID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pluginVersions[pluginID]
}

func (s *Store) UpsertNodeHeartbeat(ctx context.Context, hb store.Heartbeat) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.nodes[hb.NodeID]
	n.NodeID = hb.NodeID
	n.Status = "online"
	s.nodes[hb.NodeID] = n
	return nil
}

func (s *Store) MarkNodesOffline(ctx context.Context, cutoff time.Time) ([]store.Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var changed []store.Node
	for id, n := range s.nodes {
		if n.Status != "offline" {
			n.Status = "offline"
			s.nodes[id] = n
			changed = append(changed, n)
		}
	}
	return changed, nil
}

func (s *Store) GetNode(ctx context.Context, nodeID string) (store.Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[nodeID]
	if !ok {
		return store.Node{}, store.ErrNotFound
	}
	return n, nil
}

func (s *Store) IsBootstrapped(ctx context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bootstrapped, nil
}

func (s *Store) MarkBootstrapped(ctx context.Context, tx store.Tx) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.bootstrapped {
		return store.ErrNotFound
	}
	s.bootstrapped = true
	return nil
}

func (s *Store) CreateUser(ctx context.Context, tx store.Tx, u store.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.users[u.Username]; exists {
		return store.ErrNotFound
	}
	s.users[u.Username] = u
	return nil
}

func (s *Store) GetUserByUsername(ctx context.Context, username string) (store.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[username]
	if !ok {
		return store.User{}, store.ErrNotFound
	}
	return u, nil
}

func (s *Store) Close() error { return nil }

// Logs returns every committed AuditLog, for test assertions.
func (s *Store) Logs() []store.AuditLog {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]store.AuditLog, len(s.logs))
	copy(out, s.logs)
	return out
}
