package audit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/meristem/core/internal/apperr"
	"github.com/meristem/core/internal/logging"
	"github.com/meristem/core/internal/metrics"
	"github.com/meristem/core/internal/store"
	"github.com/meristem/core/internal/trace"
)

var log = logging.Component("audit")

// EventInput is the immutable input to RecordAuditEvent.
type EventInput struct {
	TS      time.Time
	Level   string // DEBUG, INFO, WARN, ERROR, FATAL
	NodeID  string
	Source  string
	TraceID string
	Content string
	Meta    map[string]any
}

// Config bounds the pipeline's behavior
type Config struct {
	PartitionCount     int
	BatchSize          int
	BacklogHardLimit   int64
	LeaseDuration      time.Duration
	MaxRetryAttempts   int
	HMACSecret         string
	HMACKeyID          string
	AnchorInterval     time.Duration
	NodeID             string // this process's node id, used as lease_owner
}

// Outcome is what recordAuditEvent hands back to its caller: exactly
// one of Committed (inline path) or Queued (pipeline ready).
type Outcome struct {
	Committed *store.AuditLog
	Queued    bool
}

// Pipeline is the sole writer of partition tails and the global tail
// for committed rows; its in-memory mirrors are
// updated only after a successful transaction.
type Pipeline struct {
	cfg   Config
	store store.Store

	backlog BacklogCounter

	// ready is true once Start has launched the background drain
	// loop; before that, recordAuditEvent commits inline.
	ready int32

	draining sync.Mutex // in-flight flag: only one drain executes at a time

	mu            sync.Mutex // guards partitionCache/globalCache below
	partitionCache map[int]store.PartitionState
	globalCache    store.GlobalState
	globalLoaded   bool
}

func New(cfg Config, st store.Store, backlog BacklogCounter) *Pipeline {
	if cfg.PartitionCount <= 0 {
		cfg.PartitionCount = 16
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.BacklogHardLimit <= 0 {
		cfg.BacklogHardLimit = 5000
	}
	if cfg.LeaseDuration <= 0 {
		cfg.LeaseDuration = 30 * time.Second
	}
	if cfg.MaxRetryAttempts <= 0 {
		cfg.MaxRetryAttempts = 5
	}
	return &Pipeline{
		cfg:            cfg,
		store:          st,
		backlog:        backlog,
		partitionCache: map[int]store.PartitionState{},
	}
}

// Start marks the pipeline ready: subsequent RecordAuditEvent calls
// queue instead of committing inline, and launches the background
// drain loop on the given interval.
func (p *Pipeline) Start(ctx context.Context, drainInterval time.Duration) {
	atomic.StoreInt32(&p.ready, 1)
	go func() {
		ticker := time.NewTicker(drainInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := p.Drain(ctx); err != nil {
					log.Error().Err(err).Msg("audit drain failed")
				}
			}
		}
	}()
}

func (p *Pipeline) isReady() bool { return atomic.LoadInt32(&p.ready) == 1 }

// RecordAuditEvent is the two-phase write entry point. tx is the
// caller's business-mutation transaction; the intent insert always
// shares it.
func (p *Pipeline) RecordAuditEvent(ctx context.Context, tx store.Tx, in EventInput) (Outcome, error) {
	if p.backlog.Load() >= p.cfg.BacklogHardLimit {
		n, err := p.store.CountAuditBacklog(ctx)
		if err == nil {
			p.backlog.Add(int64(n) - p.backlog.Load())
		}
		if p.backlog.Load() >= p.cfg.BacklogHardLimit {
			return Outcome{}, apperr.Backpressure(1)
		}
	}

	payload := map[string]any{
		"ts":       in.TS.UnixMilli(),
		"level":    in.Level,
		"node_id":  in.NodeID,
		"source":   in.Source,
		"trace_id": in.TraceID,
		"content":  SanitizeContent(in.Content),
		"meta":     SanitizeMeta(in.Meta),
	}
	digest := PayloadDigest(payload)
	hmacVal := PayloadHMAC(p.cfg.HMACSecret, digest)
	partitionID := Partition(in.NodeID, in.TraceID, in.Source, p.cfg.PartitionCount)

	now := time.Now().UTC()
	intent := store.AuditIntent{
		EventID:       uuid.NewString(),
		RouteTag:      in.Source,
		PartitionID:   partitionID,
		Status:        "pending",
		CreatedAt:     now,
		UpdatedAt:     now,
		Payload:       payload,
		PayloadDigest: digest,
		PayloadHMAC:   hmacVal,
		HMACKeyID:     p.cfg.HMACKeyID,
	}

	if err := p.store.InsertAuditIntent(ctx, tx, intent); err != nil {
		return Outcome{}, apperr.Wrap(apperr.InternalError, "failed to enqueue audit intent", err)
	}
	p.backlog.Add(1)
	metrics.AuditBacklogDepth.Set(float64(p.backlog.Load()))

	if p.isReady() {
		return Outcome{Queued: true}, nil
	}

	// Pipeline disabled: commit this single intent inline, best effort.
	committed, err := p.commitOne(ctx, intent)
	if err != nil {
		// Inline commit failure is not fatal to the caller's business
		// transaction; the intent remains queued for a future drain.
		log.Error().Err(err).Str("event_id", intent.EventID).Msg("inline audit commit failed")
		return Outcome{Queued: true}, nil
	}
	return Outcome{Committed: committed}, nil
}

// Drain runs one claim+commit pass. Only one drain executes at a
// time per process.
func (p *Pipeline) Drain(ctx context.Context) error {
	if !p.draining.TryLock() {
		return nil
	}
	defer p.draining.Unlock()

	intents, err := p.store.ClaimAuditIntents(ctx, p.cfg.NodeID, p.cfg.BatchSize, p.cfg.LeaseDuration)
	if err != nil {
		return err
	}
	if len(intents) == 0 {
		return nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.ensureGlobalLoaded(ctx); err != nil {
		return err
	}

	batch := store.CommitBatch{}
	touchedPartitions := map[int]bool{}

	for _, intent := range intents {
		if err := p.stageCommit(ctx, &batch, intent); err != nil {
			// A broken seal is tampering, not a transient fault: it
			// goes terminal immediately instead of consuming retry
			// attempts like other staging failures.
			var ferr error
			if errors.Is(err, errSealMismatch) {
				ferr = p.terminalFail(ctx, intent, err.Error())
			} else {
				ferr = p.failIntent(ctx, intent, err.Error())
			}
			if ferr != nil {
				log.Error().Err(ferr).Str("event_id", intent.EventID).Msg("failed to record intent failure")
			}
			continue
		}
		touchedPartitions[intent.PartitionID] = true
	}

	for pid := range touchedPartitions {
		batch.PartitionUpdates = append(batch.PartitionUpdates, p.partitionCache[pid])
	}
	batch.FinalGlobalState = p.globalCache

	if len(batch.Logs) == 0 {
		return nil
	}

	if err := p.store.CommitAuditBatch(ctx, batch); err != nil {
		return err
	}
	p.backlog.Add(-int64(len(batch.Logs)))
	metrics.AuditBacklogDepth.Set(float64(p.backlog.Load()))
	for pid := range touchedPartitions {
		metrics.AuditCommitsTotal.WithLabelValues(strconv.Itoa(pid)).Inc()
	}
	return nil
}

// commitOne runs the commit algorithm for a single intent outside the
// claim protocol, used by the inline (pipeline-disabled) path.
func (p *Pipeline) commitOne(ctx context.Context, intent store.AuditIntent) (*store.AuditLog, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.ensureGlobalLoaded(ctx); err != nil {
		return nil, err
	}

	var batch store.CommitBatch
	if err := p.stageCommit(ctx, &batch, intent); err != nil {
		if errors.Is(err, errSealMismatch) {
			_ = p.terminalFail(ctx, intent, err.Error())
		} else {
			_ = p.failIntent(ctx, intent, err.Error())
		}
		return nil, err
	}
	batch.PartitionUpdates = append(batch.PartitionUpdates, p.partitionCache[intent.PartitionID])
	batch.FinalGlobalState = p.globalCache

	if err := p.store.CommitAuditBatch(ctx, batch); err != nil {
		return nil, err
	}
	p.backlog.Add(-1)
	metrics.AuditBacklogDepth.Set(float64(p.backlog.Load()))
	metrics.AuditCommitsTotal.WithLabelValues(strconv.Itoa(intent.PartitionID)).Inc()
	return &batch.Logs[0], nil
}

// stageCommit recomputes the digest and HMAC seals, extends the
// partition and global hash chains, and appends the resulting log
// entry to batch.
func (p *Pipeline) stageCommit(ctx context.Context, batch *store.CommitBatch, intent store.AuditIntent) error {
	recomputedDigest := PayloadDigest(intent.Payload)
	if recomputedDigest != intent.PayloadDigest {
		return fmt.Errorf("%w: payload digest mismatch at commit", errSealMismatch)
	}
	if PayloadHMAC(p.cfg.HMACSecret, recomputedDigest) != intent.PayloadHMAC {
		return fmt.Errorf("%w: payload hmac mismatch at commit", errSealMismatch)
	}

	tail, err := p.loadPartitionTail(ctx, intent.PartitionID)
	if err != nil {
		return err
	}

	partitionSeq := tail.LastSequence + 1
	partitionPrevHash := tail.LastHash
	partitionHashInput := map[string]any{}
	for k, v := range intent.Payload {
		partitionHashInput[k] = v
	}
	partitionHashInput["partition_sequence"] = partitionSeq
	partitionHashInput["partition_previous_hash"] = partitionPrevHash
	partitionHash := SHA256Hex(Canonicalize(partitionHashInput))

	globalSeq := p.globalCache.GlobalSequence + 1
	globalPrevHash := p.globalCache.GlobalHash

	entry := store.AuditLog{
		EventID:               intent.EventID,
		Level:                 stringOr(intent.Payload["level"]),
		NodeID:                stringOr(intent.Payload["node_id"]),
		Source:                stringOr(intent.Payload["source"]),
		TraceID:               stringOr(intent.Payload["trace_id"]),
		Content:               stringOr(intent.Payload["content"]),
		Meta:                  mapOr(intent.Payload["meta"]),
		ChainVersion:          1,
		PartitionID:           intent.PartitionID,
		PartitionSequence:     partitionSeq,
		PartitionPreviousHash: partitionPrevHash,
		PartitionHash:         partitionHash,
		GlobalSequence:        globalSeq,
		GlobalPreviousHash:    globalPrevHash,
	}
	entry.GlobalHash = hashLogEntry(entry)

	batch.Logs = append(batch.Logs, entry)
	batch.IntentsCommitted = append(batch.IntentsCommitted, intent.EventID)

	p.partitionCache[intent.PartitionID] = store.PartitionState{
		PartitionID:  intent.PartitionID,
		LastSequence: partitionSeq,
		LastHash:     partitionHash,
		UpdatedAt:    time.Now().UTC(),
	}
	p.globalCache = store.GlobalState{GlobalSequence: globalSeq, GlobalHash: entry.GlobalHash}

	return nil
}

// hashLogEntry computes _hash = H(entire AuditLog) over every field
// except _hash itself, using the same canonical JSON as everything
// else in the pipeline.
func hashLogEntry(e store.AuditLog) string {
	m := map[string]any{
		"event_id":                e.EventID,
		"level":                   e.Level,
		"node_id":                 e.NodeID,
		"source":                  e.Source,
		"trace_id":                e.TraceID,
		"content":                 e.Content,
		"meta":                    e.Meta,
		"chain_version":           e.ChainVersion,
		"partition_id":            e.PartitionID,
		"partition_sequence":      e.PartitionSequence,
		"partition_previous_hash": e.PartitionPreviousHash,
		"partition_hash":          e.PartitionHash,
		"_sequence":               e.GlobalSequence,
		"_previous_hash":          e.GlobalPreviousHash,
	}
	return SHA256Hex(Canonicalize(m))
}

func (p *Pipeline) loadPartitionTail(ctx context.Context, partitionID int) (store.PartitionState, error) {
	if t, ok := p.partitionCache[partitionID]; ok {
		return t, nil
	}
	t, err := p.store.GetPartitionTail(ctx, partitionID)
	if err != nil {
		return store.PartitionState{}, err
	}
	p.partitionCache[partitionID] = t
	return t, nil
}

func (p *Pipeline) ensureGlobalLoaded(ctx context.Context) error {
	if p.globalLoaded {
		return nil
	}
	g, err := p.store.GetGlobalState(ctx)
	if err != nil {
		return err
	}
	p.globalCache = g
	p.globalLoaded = true
	return nil
}

// errSealMismatch marks a recomputed digest or HMAC that no longer
// matches what was sealed at enqueue time. Unlike other staging
// failures it is never retried.
var errSealMismatch = errors.New("audit: payload seal mismatch")

// failIntent marks an intent failed_retriable, or failed_terminal
// once its attempt count reaches max_retry_attempts, clearing its
// lease either way.
func (p *Pipeline) failIntent(ctx context.Context, intent store.AuditIntent, reason string) error {
	if intent.AttemptCount+1 >= p.cfg.MaxRetryAttempts {
		return p.terminalFail(ctx, intent, reason)
	}
	intent.AttemptCount++
	intent.ErrorLast = reason
	intent.Status = "failed_retriable"
	intent.LeaseOwner = ""
	return p.store.UpdateAuditIntent(ctx, intent)
}

// terminalFail marks an intent failed_terminal and records it in the
// failure collection, regardless of how many attempts it has had.
func (p *Pipeline) terminalFail(ctx context.Context, intent store.AuditIntent, reason string) error {
	intent.AttemptCount++
	intent.ErrorLast = reason
	intent.Status = "failed_terminal"
	intent.LeaseOwner = ""
	if err := p.store.UpdateAuditIntent(ctx, intent); err != nil {
		return err
	}
	p.backlog.Add(-1)
	metrics.AuditBacklogDepth.Set(float64(p.backlog.Load()))
	return p.store.InsertAuditFailure(ctx, intent, reason)
}

func stringOr(v any) string {
	s, _ := v.(string)
	return s
}

func mapOr(v any) map[string]any {
	m, _ := v.(map[string]any)
	return m
}

// traceFromIntent is a convenience used by callers that need to log
// with the originating trace context after an inline commit.
func traceFromIntent(i store.AuditIntent) trace.Context {
	return trace.Context{
		TraceID: stringOr(i.Payload["trace_id"]),
		NodeID:  stringOr(i.Payload["node_id"]),
		Source:  stringOr(i.Payload["source"]),
	}
}
