package tasks

import (
	"context"
	"testing"
	"time"

	"github.com/meristem/core/internal/audit"
	"github.com/meristem/core/internal/store"
	"github.com/meristem/core/internal/store/storetest"
	"github.com/meristem/core/internal/trace"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	st := storetest.New()
	pipeline := audit.New(audit.Config{
		PartitionCount: 4,
		HMACSecret:     "s",
		HMACKeyID:      "k1",
		NodeID:         "n1",
	}, st, audit.NewLocalCounter())
	return NewService(st, pipeline)
}

func TestCreateRejectsInvalidCallDepth(t *testing.T) {
	s := newTestService(t)
	_, err := s.Create(context.Background(), trace.Context{TraceID: "t1"}, CreateInput{CallDepth: 99})
	if err == nil {
		t.Fatal("expected INVALID_CALL_DEPTH for an out-of-range call depth")
	}
}

func TestCreateInsertsExactlyOneTask(t *testing.T) {
	s := newTestService(t)
	task, err := s.Create(context.Background(), trace.Context{TraceID: "t1"}, CreateInput{
		OwnerID: "owner", OrgID: "org1", Type: "ping", CallDepth: 0,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if task.TaskID == "" {
		t.Fatal("expected a generated task id")
	}

	res, err := s.List(context.Background(), ListInput{OrgID: "org1", Limit: 10})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(res.Tasks) != 1 {
		t.Fatalf("expected exactly one task, got %d", len(res.Tasks))
	}
}

func TestCursorRoundTripPreservesOrderAndDisjointPages(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := s.Create(ctx, trace.Context{TraceID: "t"}, CreateInput{OrgID: "org1", Type: "t"}); err != nil {
			t.Fatalf("Create %d: %v", i, err)
		}
	}

	first, err := s.List(ctx, ListInput{OrgID: "org1", Limit: 2})
	if err != nil {
		t.Fatalf("List page 1: %v", err)
	}
	if len(first.Tasks) != 2 || first.NextCursor == "" {
		t.Fatalf("expected a full first page with a next cursor, got %+v", first)
	}

	second, err := s.List(ctx, ListInput{OrgID: "org1", Limit: 2, Cursor: first.NextCursor})
	if err != nil {
		t.Fatalf("List page 2: %v", err)
	}

	seen := map[string]bool{}
	for _, tk := range first.Tasks {
		seen[tk.TaskID] = true
	}
	for _, tk := range second.Tasks {
		if seen[tk.TaskID] {
			t.Fatalf("task %s appeared on both pages", tk.TaskID)
		}
	}

	allCreatedAt := append(append([]store.Task{}, first.Tasks...), second.Tasks...)
	for i := 1; i < len(allCreatedAt); i++ {
		if allCreatedAt[i].CreatedAt.Before(allCreatedAt[i-1].CreatedAt) {
			t.Fatal("combined pages are not sorted ascending by created_at")
		}
	}
}

func TestDecodeCursorRejectsMalformed(t *testing.T) {
	if _, _, err := DecodeCursor("not-valid-base64!!"); err == nil {
		t.Fatal("expected an error decoding a malformed cursor")
	}
}

func TestCursorEncodeDecodeRoundTrip(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Millisecond)
	c := EncodeCursor(now, "task-123")
	gotTime, gotID, err := DecodeCursor(c)
	if err != nil {
		t.Fatalf("DecodeCursor: %v", err)
	}
	if gotID != "task-123" {
		t.Fatalf("expected task-123, got %s", gotID)
	}
	if !gotTime.Equal(now) {
		t.Fatalf("expected %v, got %v", now, gotTime)
	}
}
