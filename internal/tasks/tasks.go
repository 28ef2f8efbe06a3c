// Package tasks implements the task scheduler: task creation inside
// the same transaction as its audit intent, and cursor-paginated
// listing.
package tasks

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/meristem/core/internal/apperr"
	"github.com/meristem/core/internal/audit"
	"github.com/meristem/core/internal/logging"
	"github.com/meristem/core/internal/metrics"
	"github.com/meristem/core/internal/store"
	"github.com/meristem/core/internal/trace"
)

var log = logging.Component("tasks")

const maxCallDepth = 8

// errCode extracts the apperr.Code off err for metric labeling,
// falling back to a generic label for errors that never went through
// apperr (e.g. a raw store/transaction failure).
func errCode(err error) apperr.Code {
	if de, ok := err.(*apperr.DomainError); ok {
		return de.Code
	}
	return apperr.InternalError
}

// CreateInput is the caller-supplied task creation request.
type CreateInput struct {
	OwnerID      string
	OrgID        string
	TargetNodeID string
	Type         string
	Availability string
	Payload      map[string]any
	CallDepth    int
}

// Service creates and lists tasks, writing a paired audit intent for
// every creation.
type Service struct {
	store    store.Store
	pipeline *audit.Pipeline
}

func NewService(st store.Store, pipeline *audit.Pipeline) *Service {
	return &Service{store: st, pipeline: pipeline}
}

// Create validates in.CallDepth against the recursion guard,
// then writes the task and its audit intent in one transaction. If
// the audit pipeline isn't ready yet, RecordAuditEvent also commits the
// intent inline through its own commit batch, which does not share
// that transaction; if the inline commit fails the intent stays queued.
func (s *Service) Create(ctx context.Context, tctx trace.Context, in CreateInput) (task store.Task, err error) {
	defer func() {
		if err != nil {
			metrics.TaskCreateFailuresTotal.WithLabelValues(string(errCode(err))).Inc()
			return
		}
		metrics.TasksCreatedTotal.WithLabelValues(task.Type).Inc()
	}()

	if in.CallDepth < 0 || in.CallDepth > maxCallDepth {
		return store.Task{}, apperr.New(apperr.InvalidCallDepth, "call_depth out of range")
	}

	tx, txErr := s.store.BeginTx(ctx)
	if txErr != nil {
		return store.Task{}, apperr.Wrap(apperr.TaskCreationFailed, "failed to start transaction", txErr)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	now := time.Now().UTC()
	task = store.Task{
		TaskID:       uuid.NewString(),
		OwnerID:      in.OwnerID,
		OrgID:        in.OrgID,
		TraceID:      tctx.TraceID,
		TargetNodeID: in.TargetNodeID,
		Type:         in.Type,
		Status:       "pending",
		Availability: in.Availability,
		Payload:      in.Payload,
		CreatedAt:    now,
	}

	if err := s.store.InsertTask(ctx, tx, task); err != nil {
		return store.Task{}, apperr.Wrap(apperr.TaskCreationFailed, "failed to insert task", err)
	}

	_, err = s.pipeline.RecordAuditEvent(ctx, tx, audit.EventInput{
		TS:      now,
		Level:   "INFO",
		NodeID:  in.TargetNodeID,
		Source:  "tasks.create",
		TraceID: tctx.TraceID,
		Content: "task created",
		Meta: map[string]any{
			"task_id": task.TaskID,
			"type":    task.Type,
			"org_id":  task.OrgID,
		},
	})
	if err != nil {
		return store.Task{}, err
	}

	if err := tx.Commit(); err != nil {
		return store.Task{}, apperr.Wrap(apperr.TaskCreationFailed, "failed to commit task", err)
	}
	committed = true

	logging.WithTrace(log, tctx).Str("task_id", task.TaskID).Msg("task created")
	return task, nil
}

// ListInput is the cursor-paginated list request.
type ListInput struct {
	OrgID        string
	IsSuperadmin bool
	Limit        int
	Cursor       string // opaque, built by EncodeCursor
}

// ListResult carries the page and the cursor to request the next one.
type ListResult struct {
	Tasks      []store.Task
	NextCursor string
}

// List resolves cursor into a (created_at, task_id) tuple filter and
// fetches one page
// pagination (no offset variant).
func (s *Service) List(ctx context.Context, in ListInput) (ListResult, error) {
	limit := in.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	f := store.TaskFilter{
		OrgID:        in.OrgID,
		IsSuperadmin: in.IsSuperadmin,
		Limit:        limit + 1, // fetch one extra to detect a next page
	}
	if in.Cursor != "" {
		after, taskID, err := DecodeCursor(in.Cursor)
		if err != nil {
			return ListResult{}, apperr.New(apperr.InvalidCursor, "malformed cursor")
		}
		f.AfterCreatedAt = after
		f.AfterTaskID = taskID
		f.HasCursor = true
	}

	rows, err := s.store.ListTasks(ctx, f)
	if err != nil {
		return ListResult{}, apperr.Wrap(apperr.InternalError, "failed to list tasks", err)
	}

	result := ListResult{Tasks: rows}
	if len(rows) > limit {
		result.Tasks = rows[:limit]
		last := result.Tasks[len(result.Tasks)-1]
		result.NextCursor = EncodeCursor(last.CreatedAt, last.TaskID)
	}
	return result, nil
}
