package audit

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/meristem/core/internal/store"
	"github.com/meristem/core/internal/store/storetest"
)

func newTestPipeline(t *testing.T) (*Pipeline, *storetest.Store) {
	t.Helper()
	st := storetest.New()
	p := New(Config{
		PartitionCount:   4,
		BatchSize:        50,
		LeaseDuration:    time.Minute,
		MaxRetryAttempts: 3,
		HMACSecret:       "test-secret",
		HMACKeyID:        "k1",
		NodeID:           "test-node",
	}, st, NewLocalCounter())
	atomic.StoreInt32(&p.ready, 1) // force the queued path so Drain has work to do
	return p, st
}

func TestHashChainUnderInterleaving(t *testing.T) {
	p, st := newTestPipeline(t)
	ctx := context.Background()

	sources := []string{"api", "agent", "scheduler", "bus"}
	for i := 0; i < 200; i++ {
		in := EventInput{
			TS:      time.Now(),
			Level:   "INFO",
			NodeID:  "node-" + string(rune('a'+i%5)),
			Source:  sources[i%len(sources)],
			TraceID: "trace-" + string(rune('a'+i%7)),
			Content: "event",
		}
		if _, err := p.RecordAuditEvent(ctx, nil, in); err != nil {
			t.Fatalf("RecordAuditEvent: %v", err)
		}
	}

	for i := 0; i < 10; i++ {
		if err := p.Drain(ctx); err != nil {
			t.Fatalf("Drain: %v", err)
		}
	}

	logs := st.Logs()
	if len(logs) != 200 {
		t.Fatalf("expected 200 committed logs, got %d", len(logs))
	}

	byPartition := map[int][]store.AuditLog{}
	for _, l := range logs {
		byPartition[l.PartitionID] = append(byPartition[l.PartitionID], l)
	}

	seenGlobal := map[int64]bool{}
	var maxGlobal int64
	for _, l := range logs {
		if seenGlobal[l.GlobalSequence] {
			t.Fatalf("duplicate global sequence %d", l.GlobalSequence)
		}
		seenGlobal[l.GlobalSequence] = true
		if l.GlobalSequence > maxGlobal {
			maxGlobal = l.GlobalSequence
		}
	}
	for i := int64(1); i <= maxGlobal; i++ {
		if !seenGlobal[i] {
			t.Fatalf("global sequence is not dense: missing %d", i)
		}
	}

	for pid, partLogs := range byPartition {
		sortBySeq(partLogs)
		for i, l := range partLogs {
			if l.PartitionSequence != int64(i+1) {
				t.Fatalf("partition %d: expected sequence %d, got %d", pid, i+1, l.PartitionSequence)
			}
			if i > 0 {
				prev := partLogs[i-1]
				if l.PartitionPreviousHash != prev.PartitionHash {
					t.Fatalf("partition %d: hash chain broken at index %d", pid, i)
				}
			}
		}
	}
}

func sortBySeq(logs []store.AuditLog) {
	for i := 1; i < len(logs); i++ {
		for j := i; j > 0 && logs[j].PartitionSequence < logs[j-1].PartitionSequence; j-- {
			logs[j], logs[j-1] = logs[j-1], logs[j]
		}
	}
}

func TestPayloadDigestAndHMACRecomputed(t *testing.T) {
	payload := map[string]any{"b": 2, "a": 1}
	digest := PayloadDigest(payload)
	if digest != PayloadDigest(map[string]any{"a": 1, "b": 2}) {
		t.Fatal("canonical digest must be independent of map iteration order")
	}
	mac := PayloadHMAC("secret", digest)
	if mac != PayloadHMAC("secret", digest) {
		t.Fatal("HMAC must be deterministic for the same digest and secret")
	}
	if PayloadHMAC("other-secret", digest) == mac {
		t.Fatal("HMAC must differ for a different secret")
	}
}

func TestDigestMismatchFailsTerminalOnFirstAttempt(t *testing.T) {
	p, st := newTestPipeline(t)
	ctx := context.Background()

	intent := store.AuditIntent{
		EventID:       "bad-event",
		PartitionID:   0,
		Status:        "pending",
		CreatedAt:     time.Now(),
		UpdatedAt:     time.Now(),
		Payload:       map[string]any{"content": "tampered"},
		PayloadDigest: "not-the-real-digest",
		PayloadHMAC:   "irrelevant",
		HMACKeyID:     "k1",
	}
	if err := st.InsertAuditIntent(ctx, nil, intent); err != nil {
		t.Fatalf("InsertAuditIntent: %v", err)
	}

	// A single drain must be enough: a broken seal never consumes
	// retry attempts.
	if err := p.Drain(ctx); err != nil {
		t.Fatalf("Drain: %v", err)
	}

	got, ok := st.Intent("bad-event")
	if !ok {
		t.Fatal("intent disappeared from the store")
	}
	if got.Status != "failed_terminal" {
		t.Fatalf("expected failed_terminal after the first drain, got %q", got.Status)
	}
	if failures := st.Failures(); len(failures) != 1 || failures[0].EventID != "bad-event" {
		t.Fatalf("expected exactly one failure-collection row for the intent, got %+v", failures)
	}
	if len(st.Logs()) != 0 {
		t.Fatal("a digest-mismatched intent must never be committed")
	}
}

func TestHMACMismatchFailsTerminalOnFirstAttempt(t *testing.T) {
	p, st := newTestPipeline(t)
	ctx := context.Background()

	payload := map[string]any{"content": "sealed"}
	intent := store.AuditIntent{
		EventID:       "bad-hmac",
		PartitionID:   0,
		Status:        "pending",
		CreatedAt:     time.Now(),
		UpdatedAt:     time.Now(),
		Payload:       payload,
		PayloadDigest: PayloadDigest(payload),
		PayloadHMAC:   PayloadHMAC("wrong-secret", PayloadDigest(payload)),
		HMACKeyID:     "k1",
	}
	if err := st.InsertAuditIntent(ctx, nil, intent); err != nil {
		t.Fatalf("InsertAuditIntent: %v", err)
	}

	if err := p.Drain(ctx); err != nil {
		t.Fatalf("Drain: %v", err)
	}

	got, _ := st.Intent("bad-hmac")
	if got.Status != "failed_terminal" {
		t.Fatalf("expected failed_terminal after the first drain, got %q", got.Status)
	}
}

func TestBackpressure(t *testing.T) {
	st := storetest.New()
	p := New(Config{
		PartitionCount:   4,
		BatchSize:        10,
		HMACSecret:       "s",
		HMACKeyID:        "k1",
		NodeID:           "n1",
		BacklogHardLimit: 2,
	}, st, NewLocalCounter())
	atomic.StoreInt32(&p.ready, 1)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := p.RecordAuditEvent(ctx, nil, EventInput{NodeID: "n", Source: "s", TraceID: "t"}); err != nil {
			t.Fatalf("RecordAuditEvent %d: %v", i, err)
		}
	}

	_, err := p.RecordAuditEvent(ctx, nil, EventInput{NodeID: "n", Source: "s", TraceID: "t"})
	if err == nil {
		t.Fatal("expected backpressure error once backlog hits the hard limit")
	}
}
