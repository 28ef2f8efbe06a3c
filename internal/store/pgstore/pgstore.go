// Package pgstore is a PostgreSQL-backed implementation of
// store.Store, opened by cmd/main.go as the Core's process store and
// exercised by sqlmock tests: a validated connection pool and explicit
// transactions under the audit pipeline's and task scheduler's
// query shapes.
package pgstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net"
	"regexp"
	"strconv"
	"time"

	_ "github.com/lib/pq"

	"github.com/meristem/core/internal/store"
)

// Config mirrors internal/db.Config's fields and validation rules.
type Config struct {
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string
}

var (
	hostnameRegex = regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9\-.]{0,253}[a-zA-Z0-9])?$`)
	identRegex    = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
)

func validateConfig(c Config) error {
	if c.Host == "" {
		return fmt.Errorf("database host cannot be empty")
	}
	if net.ParseIP(c.Host) == nil && !hostnameRegex.MatchString(c.Host) {
		return fmt.Errorf("invalid database host: %s", c.Host)
	}
	if c.Port == "" {
		return fmt.Errorf("database port cannot be empty")
	}
	if port, err := strconv.Atoi(c.Port); err != nil || port < 1 || port > 65535 {
		return fmt.Errorf("invalid database port: %s", c.Port)
	}
	if c.User == "" || !identRegex.MatchString(c.User) {
		return fmt.Errorf("invalid database user: %s", c.User)
	}
	if c.DBName == "" || !identRegex.MatchString(c.DBName) {
		return fmt.Errorf("invalid database name: %s", c.DBName)
	}
	switch c.SSLMode {
	case "", "disable", "allow", "prefer", "require", "verify-ca", "verify-full":
	default:
		return fmt.Errorf("invalid ssl mode: %s", c.SSLMode)
	}
	return nil
}

// Store wraps a pooled *sql.DB, configured the same way
// internal/db.NewDatabase configures its pool (25 max open, 5 idle,
// 5 minute max lifetime).
type Store struct {
	db *sql.DB
}

func Open(cfg Config) (*Store, error) {
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}
	sslMode := cfg.SSLMode
	if sslMode == "" {
		sslMode = "require"
	}
	dsn := fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.DBName, sslMode)

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// Migrate creates every table the Core needs, plus the required
// indexes.
func (s *Store) Migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS users (
			username TEXT PRIMARY KEY,
			password_hash TEXT NOT NULL,
			org_id TEXT,
			superadmin BOOLEAN NOT NULL DEFAULT FALSE
		)`,
		`CREATE TABLE IF NOT EXISTS bootstrap_state (
			id INT PRIMARY KEY DEFAULT 1,
			completed BOOLEAN NOT NULL DEFAULT FALSE,
			CHECK (id = 1)
		)`,
		`CREATE TABLE IF NOT EXISTS tasks (
			task_id TEXT PRIMARY KEY,
			owner_id TEXT NOT NULL,
			org_id TEXT NOT NULL,
			trace_id TEXT NOT NULL,
			target_node_id TEXT NOT NULL,
			type TEXT NOT NULL,
			status TEXT NOT NULL,
			availability TEXT NOT NULL,
			payload JSONB NOT NULL,
			lease_expire_at TIMESTAMPTZ,
			lease_heartbeat_interval_ms BIGINT,
			progress JSONB,
			result_uri TEXT,
			handshake JSONB,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS tasks_created_at_id_idx ON tasks (created_at ASC, task_id)`,
		`CREATE TABLE IF NOT EXISTS nodes (
			node_id TEXT PRIMARY KEY,
			status TEXT NOT NULL DEFAULT 'offline',
			connection_status TEXT NOT NULL DEFAULT 'active',
			last_heartbeat TIMESTAMPTZ,
			claimed_ip TEXT,
			reclaim_status TEXT NOT NULL DEFAULT 'ACTIVE',
			reclaim_at TIMESTAMPTZ,
			reclaim_generation INT NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS audit_intents (
			event_id TEXT PRIMARY KEY,
			route_tag TEXT NOT NULL,
			partition_id INT NOT NULL,
			status TEXT NOT NULL,
			lease_owner TEXT,
			lease_until TIMESTAMPTZ,
			attempt_count INT NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			payload JSONB NOT NULL,
			payload_digest TEXT NOT NULL,
			payload_hmac TEXT NOT NULL,
			hmac_key_id TEXT NOT NULL,
			global_sequence BIGINT,
			committed_at TIMESTAMPTZ,
			error_last TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS audit_intents_status_created_idx ON audit_intents (status, created_at)`,
		`CREATE TABLE IF NOT EXISTS audit_logs (
			event_id TEXT NOT NULL,
			level TEXT NOT NULL,
			node_id TEXT NOT NULL,
			source TEXT NOT NULL,
			trace_id TEXT NOT NULL,
			content TEXT,
			meta JSONB,
			chain_version INT NOT NULL DEFAULT 1,
			partition_id INT NOT NULL,
			partition_sequence BIGINT NOT NULL,
			partition_previous_hash TEXT NOT NULL,
			partition_hash TEXT NOT NULL,
			_sequence BIGINT NOT NULL,
			_previous_hash TEXT NOT NULL,
			_hash TEXT NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS audit_logs_sequence_idx ON audit_logs (_sequence)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS audit_logs_partition_seq_idx ON audit_logs (partition_id, partition_sequence)`,
		`CREATE TABLE IF NOT EXISTS audit_partition_state (
			partition_id INT PRIMARY KEY,
			last_sequence BIGINT NOT NULL DEFAULT 0,
			last_hash TEXT NOT NULL DEFAULT '',
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS audit_global_anchor (
			anchor_id TEXT PRIMARY KEY,
			ts TIMESTAMPTZ NOT NULL,
			partition_heads JSONB NOT NULL,
			previous_anchor_hash TEXT NOT NULL,
			anchor_hash TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS audit_failures (
			event_id TEXT NOT NULL,
			reason TEXT NOT NULL,
			recorded_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS plugins (
			plugin_id TEXT PRIMARY KEY,
			config_version INT NOT NULL DEFAULT 1,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS audit_state (
			id INT PRIMARY KEY DEFAULT 1,
			global_sequence BIGINT NOT NULL DEFAULT 0,
			global_hash TEXT NOT NULL DEFAULT '',
			CHECK (id = 1)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// tx adapts *sql.Tx to store.Tx.
type tx struct{ t *sql.Tx }

func (t *tx) Commit() error   { return t.t.Commit() }
func (t *tx) Rollback() error { return t.t.Rollback() }

func (s *Store) BeginTx(ctx context.Context) (store.Tx, error) {
	t, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	return &tx{t: t}, nil
}

func asSQLTx(t store.Tx) *sql.Tx { return t.(*tx).t }

func toJSON(v map[string]any) ([]byte, error) {
	if v == nil {
		v = map[string]any{}
	}
	return json.Marshal(v)
}

func fromJSON(b []byte) map[string]any {
	if len(b) == 0 {
		return map[string]any{}
	}
	var m map[string]any
	_ = json.Unmarshal(b, &m)
	return m
}

func (s *Store) InsertTask(ctx context.Context, t store.Tx, task store.Task) error {
	payload, err := toJSON(task.Payload)
	if err != nil {
		return err
	}
	progress, _ := toJSON(task.Progress)
	handshake, _ := toJSON(task.Handshake)

	const q = `INSERT INTO tasks
		(task_id, owner_id, org_id, trace_id, target_node_id, type, status, availability,
		 payload, lease_expire_at, lease_heartbeat_interval_ms, progress, result_uri, handshake, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`
	_, err = asSQLTx(t).ExecContext(ctx, q,
		task.TaskID, task.OwnerID, task.OrgID, task.TraceID, task.TargetNodeID,
		task.Type, task.Status, task.Availability, payload, task.LeaseExpireAt,
		task.LeaseHeartbeatInterval.Milliseconds(), progress, task.ResultURI, handshake, task.CreatedAt)
	return err
}

func (s *Store) ListTasks(ctx context.Context, f store.TaskFilter) ([]store.Task, error) {
	limit := f.Limit // already includes the caller's has_next look-ahead row

	query := `SELECT task_id, owner_id, org_id, trace_id, target_node_id, type, status,
		availability, payload, lease_expire_at, lease_heartbeat_interval_ms, progress,
		result_uri, handshake, created_at FROM tasks WHERE 1=1`
	args := []any{}
	n := 0
	next := func(v any) string { n++; args = append(args, v); return fmt.Sprintf("$%d", n) }

	if !f.IsSuperadmin {
		query += " AND org_id = " + next(f.OrgID)
	}
	if f.HasCursor {
		query += fmt.Sprintf(" AND (created_at, task_id) > (%s, %s)", next(f.AfterCreatedAt), next(f.AfterTaskID))
	}
	query += " ORDER BY created_at ASC, task_id ASC LIMIT " + next(limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.Task
	for rows.Next() {
		var t store.Task
		var payload, progress, handshake []byte
		var leaseMS sql.NullInt64
		var leaseExpire sql.NullTime
		if err := rows.Scan(&t.TaskID, &t.OwnerID, &t.OrgID, &t.TraceID, &t.TargetNodeID,
			&t.Type, &t.Status, &t.Availability, &payload, &leaseExpire, &leaseMS, &progress,
			&t.ResultURI, &handshake, &t.CreatedAt); err != nil {
			return nil, err
		}
		t.Payload = fromJSON(payload)
		t.Progress = fromJSON(progress)
		t.Handshake = fromJSON(handshake)
		if leaseExpire.Valid {
			t.LeaseExpireAt = leaseExpire.Time
		}
		if leaseMS.Valid {
			t.LeaseHeartbeatInterval = time.Duration(leaseMS.Int64) * time.Millisecond
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) InsertAuditIntent(ctx context.Context, t store.Tx, i store.AuditIntent) error {
	payload, err := toJSON(i.Payload)
	if err != nil {
		return err
	}
	const q = `INSERT INTO audit_intents
		(event_id, route_tag, partition_id, status, attempt_count, created_at, updated_at,
		 payload, payload_digest, payload_hmac, hmac_key_id)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`
	_, err = asSQLTx(t).ExecContext(ctx, q, i.EventID, i.RouteTag, i.PartitionID, i.Status,
		i.AttemptCount, i.CreatedAt, i.UpdatedAt, payload, i.PayloadDigest, i.PayloadHMAC, i.HMACKeyID)
	return err
}

// ClaimAuditIntents implements the lease-based claim protocol: CAS
// pending/failed_retriable rows to processing, then top up with
// lease-expired processing rows if the batch isn't full.
func (s *Store) ClaimAuditIntents(ctx context.Context, nodeID string, batchSize int, leaseDuration time.Duration) ([]store.AuditIntent, error) {
	now := time.Now().UTC()
	leaseUntil := now.Add(leaseDuration)

	const claimFresh = `UPDATE audit_intents SET status='processing', lease_owner=$1, lease_until=$2, updated_at=$3
		WHERE event_id IN (
			SELECT event_id FROM audit_intents
			WHERE status IN ('pending','failed_retriable')
			ORDER BY created_at ASC, event_id ASC
			LIMIT $4
		) RETURNING event_id`
	rows, err := s.db.QueryContext(ctx, claimFresh, nodeID, leaseUntil, now, batchSize)
	if err != nil {
		return nil, err
	}
	claimed := map[string]bool{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		claimed[id] = true
	}
	rows.Close()

	if len(claimed) < batchSize {
		remaining := batchSize - len(claimed)
		const claimStale = `UPDATE audit_intents SET lease_owner=$1, lease_until=$2, updated_at=$3
			WHERE event_id IN (
				SELECT event_id FROM audit_intents
				WHERE status='processing' AND lease_until <= $4
				ORDER BY created_at ASC, event_id ASC
				LIMIT $5
			) RETURNING event_id`
		rows2, err := s.db.QueryContext(ctx, claimStale, nodeID, leaseUntil, now, now, remaining)
		if err != nil {
			return nil, err
		}
		for rows2.Next() {
			var id string
			if err := rows2.Scan(&id); err != nil {
				rows2.Close()
				return nil, err
			}
			claimed[id] = true
		}
		rows2.Close()
	}

	if len(claimed) == 0 {
		return nil, nil
	}

	ids := make([]string, 0, len(claimed))
	for id := range claimed {
		ids = append(ids, id)
	}
	return s.loadIntents(ctx, ids)
}

func (s *Store) loadIntents(ctx context.Context, ids []string) ([]store.AuditIntent, error) {
	const q = `SELECT event_id, route_tag, partition_id, status, lease_owner, lease_until,
		attempt_count, created_at, updated_at, payload, payload_digest, payload_hmac, hmac_key_id
		FROM audit_intents WHERE event_id = ANY($1) ORDER BY created_at ASC, event_id ASC`
	rows, err := s.db.QueryContext(ctx, q, idsArray(ids))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.AuditIntent
	for rows.Next() {
		var i store.AuditIntent
		var payload []byte
		var leaseOwner sql.NullString
		var leaseUntil sql.NullTime
		if err := rows.Scan(&i.EventID, &i.RouteTag, &i.PartitionID, &i.Status, &leaseOwner,
			&leaseUntil, &i.AttemptCount, &i.CreatedAt, &i.UpdatedAt, &payload, &i.PayloadDigest,
			&i.PayloadHMAC, &i.HMACKeyID); err != nil {
			return nil, err
		}
		i.Payload = fromJSON(payload)
		i.LeaseOwner = leaseOwner.String
		if leaseUntil.Valid {
			i.LeaseUntil = leaseUntil.Time
		}
		out = append(out, i)
	}
	return out, rows.Err()
}

// idsArray renders a Go string slice as a Postgres text[] literal for
// the ANY($1) query above (lib/pq's pq.Array is the idiomatic helper;
// kept inline here to avoid a second import alias in this file).
func idsArray(ids []string) string {
	out := "{"
	for i, id := range ids {
		if i > 0 {
			out += ","
		}
		out += `"` + id + `"`
	}
	return out + "}"
}

func (s *Store) UpdateAuditIntent(ctx context.Context, i store.AuditIntent) error {
	const q = `UPDATE audit_intents SET status=$1, lease_owner=$2, lease_until=$3,
		attempt_count=$4, updated_at=$5, global_sequence=$6, committed_at=$7, error_last=$8
		WHERE event_id=$9`
	_, err := s.db.ExecContext(ctx, q, i.Status, i.LeaseOwner, i.LeaseUntil, i.AttemptCount,
		time.Now().UTC(), i.GlobalSequence, i.CommittedAt, i.ErrorLast, i.EventID)
	return err
}

func (s *Store) GetGlobalState(ctx context.Context) (store.GlobalState, error) {
	const q = `SELECT global_sequence, global_hash FROM audit_state WHERE id=1`
	var g store.GlobalState
	err := s.db.QueryRowContext(ctx, q).Scan(&g.GlobalSequence, &g.GlobalHash)
	if err == sql.ErrNoRows {
		return store.GlobalState{}, nil
	}
	return g, err
}

func (s *Store) GetPartitionTail(ctx context.Context, partitionID int) (store.PartitionState, error) {
	const q = `SELECT partition_id, last_sequence, last_hash, updated_at FROM audit_partition_state WHERE partition_id=$1`
	var p store.PartitionState
	err := s.db.QueryRowContext(ctx, q, partitionID).Scan(&p.PartitionID, &p.LastSequence, &p.LastHash, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return store.PartitionState{PartitionID: partitionID}, nil
	}
	return p, err
}

func (s *Store) ListPartitionTails(ctx context.Context, partitionCount int) ([]store.PartitionState, error) {
	out := make([]store.PartitionState, partitionCount)
	const q = `SELECT partition_id, last_sequence, last_hash, updated_at FROM audit_partition_state`
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	found := map[int]store.PartitionState{}
	for rows.Next() {
		var p store.PartitionState
		if err := rows.Scan(&p.PartitionID, &p.LastSequence, &p.LastHash, &p.UpdatedAt); err != nil {
			return nil, err
		}
		found[p.PartitionID] = p
	}
	for i := 0; i < partitionCount; i++ {
		if p, ok := found[i]; ok {
			out[i] = p
		} else {
			out[i] = store.PartitionState{PartitionID: i}
		}
	}
	return out, rows.Err()
}

// CommitAuditBatch applies every staged write of a commit pass
// inside one transaction. Duplicate-key errors on
// the audit_logs insert are swallowed (retry-after-crash case).
func (s *Store) CommitAuditBatch(ctx context.Context, batch store.CommitBatch) error {
	sqltx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer sqltx.Rollback() //nolint:errcheck

	for _, l := range batch.Logs {
		meta, _ := toJSON(l.Meta)
		const ins = `INSERT INTO audit_logs
			(event_id, level, node_id, source, trace_id, content, meta, chain_version,
			 partition_id, partition_sequence, partition_previous_hash, partition_hash,
			 _sequence, _previous_hash, _hash)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
			ON CONFLICT (partition_id, partition_sequence) DO NOTHING`
		if _, err := sqltx.ExecContext(ctx, ins, l.EventID, l.Level, l.NodeID, l.Source, l.TraceID,
			l.Content, meta, l.ChainVersion, l.PartitionID, l.PartitionSequence, l.PartitionPreviousHash,
			l.PartitionHash, l.GlobalSequence, l.GlobalPreviousHash, l.GlobalHash); err != nil {
			return err
		}
	}

	for _, id := range batch.IntentsCommitted {
		const upd = `UPDATE audit_intents SET status='committed', committed_at=$1, updated_at=$1 WHERE event_id=$2`
		if _, err := sqltx.ExecContext(ctx, upd, time.Now().UTC(), id); err != nil {
			return err
		}
	}

	for _, p := range batch.PartitionUpdates {
		const ups = `INSERT INTO audit_partition_state (partition_id, last_sequence, last_hash, updated_at)
			VALUES ($1,$2,$3,$4)
			ON CONFLICT (partition_id) DO UPDATE SET last_sequence=$2, last_hash=$3, updated_at=$4`
		if _, err := sqltx.ExecContext(ctx, ups, p.PartitionID, p.LastSequence, p.LastHash, p.UpdatedAt); err != nil {
			return err
		}
	}

	const upsGlobal = `INSERT INTO audit_state (id, global_sequence, global_hash) VALUES (1,$1,$2)
		ON CONFLICT (id) DO UPDATE SET global_sequence=$1, global_hash=$2`
	if _, err := sqltx.ExecContext(ctx, upsGlobal, batch.FinalGlobalState.GlobalSequence, batch.FinalGlobalState.GlobalHash); err != nil {
		return err
	}

	return sqltx.Commit()
}

func (s *Store) CountAuditBacklog(ctx context.Context) (int, error) {
	const q = `SELECT COUNT(*) FROM audit_intents WHERE status IN ('pending','processing','ready_for_global_commit','failed_retriable')`
	var n int
	err := s.db.QueryRowContext(ctx, q).Scan(&n)
	return n, err
}

func (s *Store) InsertAuditFailure(ctx context.Context, i store.AuditIntent, reason string) error {
	const q = `INSERT INTO audit_failures (event_id, reason, recorded_at) VALUES ($1,$2,$3)`
	_, err := s.db.ExecContext(ctx, q, i.EventID, reason, time.Now().UTC())
	return err
}

func (s *Store) InsertAnchor(ctx context.Context, a store.GlobalAnchor) error {
	heads, err := json.Marshal(a.PartitionHeads)
	if err != nil {
		return err
	}
	const q = `INSERT INTO audit_global_anchor (anchor_id, ts, partition_heads, previous_anchor_hash, anchor_hash)
		VALUES ($1,$2,$3,$4,$5)`
	_, err = s.db.ExecContext(ctx, q, a.AnchorID, a.TS, heads, a.PreviousAnchorHash, a.AnchorHash)
	return err
}

func (s *Store) LatestAnchor(ctx context.Context) (store.GlobalAnchor, error) {
	const q = `SELECT anchor_id, ts, partition_heads, previous_anchor_hash, anchor_hash
		FROM audit_global_anchor ORDER BY ts DESC LIMIT 1`
	var a store.GlobalAnchor
	var heads []byte
	err := s.db.QueryRowContext(ctx, q).Scan(&a.AnchorID, &a.TS, &heads, &a.PreviousAnchorHash, &a.AnchorHash)
	if err == sql.ErrNoRows {
		return store.GlobalAnchor{}, nil
	}
	if err != nil {
		return store.GlobalAnchor{}, err
	}
	_ = json.Unmarshal(heads, &a.PartitionHeads)
	return a, nil
}

// SavePluginConfigVersion durably records a plugin's config version;
// the lifecycle manager calls this before swapping in a reloaded
// isolate.
func (s *Store) SavePluginConfigVersion(ctx context.Context, pluginID string, version int) error {
	const q = `INSERT INTO plugins (plugin_id, config_version, updated_at)
		VALUES ($1,$2,$3)
		ON CONFLICT (plugin_id) DO UPDATE SET config_version=$2, updated_at=$3`
	_, err := s.db.ExecContext(ctx, q, pluginID, version, time.Now().UTC())
	return err
}

func (s *Store) UpsertNodeHeartbeat(ctx context.Context, hb store.Heartbeat) error {
	const q = `INSERT INTO nodes (node_id, status, last_heartbeat, claimed_ip)
		VALUES ($1,'online',$2,$3)
		ON CONFLICT (node_id) DO UPDATE SET status='online', last_heartbeat=$2, claimed_ip=$3`
	_, err := s.db.ExecContext(ctx, q, hb.NodeID, hb.TS, hb.ClaimedIP)
	return err
}

// MarkNodesOffline implements the two-step reclaim: mark
// stale nodes offline, then soft-reclaim any still-ACTIVE lease.
func (s *Store) MarkNodesOffline(ctx context.Context, cutoff time.Time) ([]store.Node, error) {
	const markOffline = `UPDATE nodes SET status='offline' WHERE last_heartbeat < $1 AND status <> 'offline' RETURNING node_id`
	rows, err := s.db.QueryContext(ctx, markOffline, cutoff)
	if err != nil {
		return nil, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if len(ids) == 0 {
		return nil, nil
	}

	const reclaim = `UPDATE nodes SET connection_status='expired_credentials', reclaim_status='RECLAIMED',
		reclaim_at=$1, reclaim_generation = reclaim_generation + 1
		WHERE node_id = ANY($2) AND reclaim_status = 'ACTIVE'
		RETURNING node_id, status, connection_status, reclaim_status, reclaim_at, reclaim_generation`
	rows2, err := s.db.QueryContext(ctx, reclaim, time.Now().UTC(), idsArray(ids))
	if err != nil {
		return nil, err
	}
	defer rows2.Close()
	var out []store.Node
	for rows2.Next() {
		var n store.Node
		var reclaimAt sql.NullTime
		if err := rows2.Scan(&n.NodeID, &n.Status, &n.ConnectionStatus, &n.IPShadowLease.ReclaimStatus,
			&reclaimAt, &n.IPShadowLease.ReclaimGeneration); err != nil {
			return nil, err
		}
		if reclaimAt.Valid {
			n.IPShadowLease.ReclaimAt = reclaimAt.Time
		}
		out = append(out, n)
	}
	return out, rows2.Err()
}

func (s *Store) GetNode(ctx context.Context, nodeID string) (store.Node, error) {
	const q = `SELECT node_id, status, connection_status, reclaim_status, reclaim_at, reclaim_generation
		FROM nodes WHERE node_id=$1`
	var n store.Node
	var reclaimAt sql.NullTime
	err := s.db.QueryRowContext(ctx, q, nodeID).Scan(&n.NodeID, &n.Status, &n.ConnectionStatus,
		&n.IPShadowLease.ReclaimStatus, &reclaimAt, &n.IPShadowLease.ReclaimGeneration)
	if err == sql.ErrNoRows {
		return store.Node{}, store.ErrNotFound
	}
	if reclaimAt.Valid {
		n.IPShadowLease.ReclaimAt = reclaimAt.Time
	}
	return n, err
}

func (s *Store) IsBootstrapped(ctx context.Context) (bool, error) {
	const q = `SELECT completed FROM bootstrap_state WHERE id=1`
	var done bool
	err := s.db.QueryRowContext(ctx, q).Scan(&done)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return done, err
}

func (s *Store) MarkBootstrapped(ctx context.Context, t store.Tx) error {
	const q = `INSERT INTO bootstrap_state (id, completed) VALUES (1, TRUE)
		ON CONFLICT (id) DO UPDATE SET completed = TRUE
		WHERE bootstrap_state.completed = FALSE`
	res, err := asSQLTx(t).ExecContext(ctx, q)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("pgstore: bootstrap already completed")
	}
	return nil
}

func (s *Store) CreateUser(ctx context.Context, t store.Tx, u store.User) error {
	const q = `INSERT INTO users (username, password_hash, org_id, superadmin) VALUES ($1,$2,$3,$4)`
	_, err := asSQLTx(t).ExecContext(ctx, q, u.Username, u.PasswordHash, u.OrgID, u.Superadmin)
	return err
}

func (s *Store) GetUserByUsername(ctx context.Context, username string) (store.User, error) {
	const q = `SELECT username, password_hash, org_id, superadmin FROM users WHERE username=$1`
	var u store.User
	err := s.db.QueryRowContext(ctx, q, username).Scan(&u.Username, &u.PasswordHash, &u.OrgID, &u.Superadmin)
	if err == sql.ErrNoRows {
		return store.User{}, store.ErrNotFound
	}
	return u, err
}

var _ store.Store = (*Store)(nil)
