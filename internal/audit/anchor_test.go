package audit

import (
	"context"
	"testing"
	"time"
)

func TestAnchorSnapshotsPartitionTailsAndChains(t *testing.T) {
	p, st := newTestPipeline(t)
	ctx := context.Background()

	for i := 0; i < 40; i++ {
		_, err := p.RecordAuditEvent(ctx, nil, EventInput{
			TS:      time.Now(),
			Level:   "INFO",
			NodeID:  "node-" + string(rune('a'+i%3)),
			Source:  "api",
			TraceID: "trace-" + string(rune('a'+i%4)),
			Content: "event",
		})
		if err != nil {
			t.Fatalf("RecordAuditEvent: %v", err)
		}
	}
	if err := p.Drain(ctx); err != nil {
		t.Fatalf("Drain: %v", err)
	}

	job := NewAnchorJob(st, p.cfg.PartitionCount)
	if err := job.Run(ctx); err != nil {
		t.Fatalf("anchor run: %v", err)
	}

	anchor, err := st.LatestAnchor(ctx)
	if err != nil {
		t.Fatalf("LatestAnchor: %v", err)
	}
	if anchor.PreviousAnchorHash != "" {
		t.Fatalf("first anchor must chain from the empty hash, got %q", anchor.PreviousAnchorHash)
	}
	if anchor.AnchorHash == "" {
		t.Fatal("anchor hash must be set")
	}

	tails, err := st.ListPartitionTails(ctx, p.cfg.PartitionCount)
	if err != nil {
		t.Fatalf("ListPartitionTails: %v", err)
	}
	tailByID := map[int]int64{}
	for _, tail := range tails {
		tailByID[tail.PartitionID] = tail.LastSequence
	}
	for _, head := range anchor.PartitionHeads {
		if tailByID[head.PartitionID] != head.LastSequence {
			t.Fatalf("anchor head for partition %d does not match the committed tail", head.PartitionID)
		}
	}

	// A second anchor chains to the first.
	if err := job.Run(ctx); err != nil {
		t.Fatalf("second anchor run: %v", err)
	}
	second, err := st.LatestAnchor(ctx)
	if err != nil {
		t.Fatalf("LatestAnchor: %v", err)
	}
	if second.PreviousAnchorHash != anchor.AnchorHash {
		t.Fatal("second anchor must chain to the first anchor's hash")
	}
}

func TestCommittedIntentIsNotReclaimed(t *testing.T) {
	p, st := newTestPipeline(t)
	ctx := context.Background()

	if _, err := p.RecordAuditEvent(ctx, nil, EventInput{
		TS: time.Now(), Level: "INFO", NodeID: "n", Source: "s", TraceID: "t", Content: "once",
	}); err != nil {
		t.Fatalf("RecordAuditEvent: %v", err)
	}
	if err := p.Drain(ctx); err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if len(st.Logs()) != 1 {
		t.Fatalf("expected one committed log, got %d", len(st.Logs()))
	}

	// Re-draining must not re-commit the already-committed intent.
	if err := p.Drain(ctx); err != nil {
		t.Fatalf("second Drain: %v", err)
	}
	if len(st.Logs()) != 1 {
		t.Fatalf("commit must be idempotent, got %d logs", len(st.Logs()))
	}
}
