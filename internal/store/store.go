// Package store declares the document-store contract the Core talks
// to. The concrete driver is an external collaborator; this package
// only defines the interface shape and the domain types every
// subsystem shares, so callers depend on a narrow set of query
// methods rather than embedding a driver type directly.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by lookups that find no matching document.
var ErrNotFound = errors.New("store: not found")

// Tx is a transactional handle; callers must Commit or Rollback.
type Tx interface {
	Commit() error
	Rollback() error
}

// Store is the narrow persistence contract used by the Core's
// subsystems. A concrete implementation (e.g. internal/store/pgstore)
// adapts it onto a real backend.
type Store interface {
	BeginTx(ctx context.Context) (Tx, error)

	// Tasks (J)
	InsertTask(ctx context.Context, tx Tx, t Task) error
	ListTasks(ctx context.Context, f TaskFilter) ([]Task, error)

	// Audit (B)
	InsertAuditIntent(ctx context.Context, tx Tx, i AuditIntent) error
	ClaimAuditIntents(ctx context.Context, nodeID string, batchSize int, leaseDuration time.Duration) ([]AuditIntent, error)
	UpdateAuditIntent(ctx context.Context, i AuditIntent) error
	GetPartitionTail(ctx context.Context, partitionID int) (PartitionState, error)
	GetGlobalState(ctx context.Context) (GlobalState, error)
	CommitAuditBatch(ctx context.Context, batch CommitBatch) error
	CountAuditBacklog(ctx context.Context) (int, error)
	InsertAuditFailure(ctx context.Context, i AuditIntent, reason string) error
	ListPartitionTails(ctx context.Context, partitionCount int) ([]PartitionState, error)
	InsertAnchor(ctx context.Context, a GlobalAnchor) error
	LatestAnchor(ctx context.Context) (GlobalAnchor, error)

	// Plugins (D)
	SavePluginConfigVersion(ctx context.Context, pluginID string, version int) error

	// Nodes (I)
	UpsertNodeHeartbeat(ctx context.Context, hb Heartbeat) error
	MarkNodesOffline(ctx context.Context, cutoff time.Time) ([]Node, error)
	GetNode(ctx context.Context, nodeID string) (Node, error)

	// Auth / RBAC (M)
	IsBootstrapped(ctx context.Context) (bool, error)
	MarkBootstrapped(ctx context.Context, tx Tx) error
	CreateUser(ctx context.Context, tx Tx, u User) error
	GetUserByUsername(ctx context.Context, username string) (User, error)

	Close() error
}

type Task struct {
	TaskID       string
	OwnerID      string
	OrgID        string
	TraceID      string
	TargetNodeID string
	Type         string
	Status       string
	Availability string
	Payload      map[string]any
	LeaseExpireAt          time.Time
	LeaseHeartbeatInterval time.Duration
	Progress    map[string]any
	ResultURI   string
	Handshake   map[string]any
	CreatedAt   time.Time
}

type TaskFilter struct {
	OrgID     string // empty only for superadmin callers
	IsSuperadmin bool
	Limit     int
	AfterCreatedAt time.Time
	AfterTaskID    string
	HasCursor      bool
}

type AuditIntent struct {
	EventID        string
	RouteTag       string
	PartitionID    int
	Status         string
	LeaseOwner     string
	LeaseUntil     time.Time
	AttemptCount   int
	CreatedAt      time.Time
	UpdatedAt      time.Time
	Payload        map[string]any
	PayloadDigest  string
	PayloadHMAC    string
	HMACKeyID      string
	GlobalSequence int64
	CommittedAt    time.Time
	ErrorLast      string
}

type PartitionState struct {
	PartitionID int
	LastSequence int64
	LastHash     string
	UpdatedAt    time.Time
}

type GlobalAnchor struct {
	AnchorID          string
	TS                time.Time
	PartitionHeads    []PartitionState
	PreviousAnchorHash string
	AnchorHash        string
}

// GlobalState is the single-row mirror of the global hash-chain tail.
type GlobalState struct {
	GlobalSequence int64
	GlobalHash     string
}

// CommitBatch is the set of staged writes the commit algorithm
// applies inside a single transaction.
type CommitBatch struct {
	Logs             []AuditLog
	IntentsCommitted []string // event ids
	PartitionUpdates []PartitionState
	FinalGlobalState GlobalState
}

type AuditLog struct {
	EventID               string
	Level                 string
	NodeID                string
	Source                string
	TraceID               string
	Content               string
	Meta                  map[string]any
	ChainVersion          int
	PartitionID           int
	PartitionSequence     int64
	PartitionPreviousHash string
	PartitionHash         string
	GlobalSequence        int64
	GlobalPreviousHash    string
	GlobalHash            string
}

type Heartbeat struct {
	NodeID    string
	TS        time.Time
	ClaimedIP string
}

type Node struct {
	NodeID           string
	Status           string
	ConnectionStatus string
	IPShadowLease    IPShadowLease
}

type IPShadowLease struct {
	ReclaimStatus     string
	ReclaimAt         time.Time
	ReclaimGeneration int
}

type User struct {
	Username     string
	PasswordHash string
	OrgID        string
	Superadmin   bool
}
