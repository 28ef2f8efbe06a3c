package logging

import (
	"testing"
	"time"

	"github.com/meristem/core/internal/bus"
)

func disabledBus(t *testing.T) *bus.Conn {
	t.Helper()
	conn, err := bus.Connect(bus.Config{})
	if err != nil {
		t.Fatalf("bus.Connect: %v", err)
	}
	return conn
}

func envOf(nodeID, content string, meta map[string]any) Envelope {
	return Envelope{
		TS:      time.Now().UnixMilli(),
		Level:   "INFO",
		NodeID:  nodeID,
		Source:  "test",
		TraceID: "t-1",
		Content: content,
		Meta:    meta,
	}
}

func TestRingBufferDropsOldestPastByteCeiling(t *testing.T) {
	tr := NewTransport(TransportConfig{MaxBufferBytes: 300, MinBatch: 1000, FlushInterval: time.Hour}, disabledBus(t))

	for i := 0; i < 10; i++ {
		tr.Write(envOf("n1", "padding-padding-padding-padding-padding", nil))
	}

	if tr.Dropped() == 0 {
		t.Fatal("expected FIFO drops once the byte ceiling was exceeded")
	}
	if tr.Buffered() == 0 {
		t.Fatal("newest envelopes must survive the eviction")
	}
}

func TestFlushDrainsBuffer(t *testing.T) {
	tr := NewTransport(TransportConfig{MaxBufferBytes: 1 << 20, MinBatch: 1000, FlushInterval: time.Hour}, disabledBus(t))
	for i := 0; i < 5; i++ {
		tr.Write(envOf("n1", "hello", nil))
	}
	if tr.Buffered() != 5 {
		t.Fatalf("expected 5 buffered, got %d", tr.Buffered())
	}
	tr.Flush()
	if tr.Buffered() != 0 {
		t.Fatalf("expected an empty buffer after flush, got %d", tr.Buffered())
	}
}

func TestOversizeEnvelopeDroppedPastFragmentBudget(t *testing.T) {
	tr := NewTransport(TransportConfig{
		MaxBufferBytes:  1 << 20,
		MinBatch:        1000,
		FlushInterval:   time.Hour,
		MaxMessageBytes: 64,
		MaxFragments:    2,
	}, disabledBus(t))

	big := make([]byte, 1024)
	for i := range big {
		big[i] = 'x'
	}
	tr.Write(envOf("n1", string(big), nil))
	tr.Flush()

	if tr.Oversize() != 1 {
		t.Fatalf("expected one oversize drop, got %d", tr.Oversize())
	}
}

func TestSubjectRouting(t *testing.T) {
	sys := subjectFor(envOf("node-7", "x", nil))
	if sys != "meristem.v1.logs.sys.node-7" {
		t.Fatalf("expected the sys subject, got %s", sys)
	}

	task := subjectFor(envOf("node-7", "x", map[string]any{"task_id": "task-9"}))
	if task != "meristem.v1.logs.task.node-7.task-9" {
		t.Fatalf("expected the task subject, got %s", task)
	}

	camel := subjectFor(envOf("node-7", "x", map[string]any{"taskId": "task-9"}))
	if camel != "meristem.v1.logs.task.node-7.task-9" {
		t.Fatalf("taskId must route the same as task_id, got %s", camel)
	}
}
