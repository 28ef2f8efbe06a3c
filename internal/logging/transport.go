package logging

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/meristem/core/internal/bus"
	"github.com/meristem/core/internal/trace"
)

// Envelope is the wire shape of one log event pushed over the bus.
type Envelope struct {
	TS      int64          `json:"ts"`
	Level   string         `json:"level"`
	NodeID  string         `json:"node_id"`
	Source  string         `json:"source"`
	TraceID string         `json:"trace_id"`
	Content string         `json:"content"`
	Meta    map[string]any `json:"meta,omitempty"`
}

// Fragment carries one slice of an envelope too large for a single
// bus message.
type Fragment struct {
	FragmentID        string `json:"fragment_id"`
	FragmentIndex     int    `json:"fragment_index"`
	FragmentTotal     int    `json:"fragment_total"`
	FragmentSubject   string `json:"fragment_subject"`
	FragmentExpiresAt int64  `json:"fragment_expires_at"`
	TraceID           string `json:"trace_id"`
	PayloadChunk      []byte `json:"payload_chunk"`
}

// TransportConfig bounds the ring buffer and batching behavior of
// the NATS transport.
type TransportConfig struct {
	MaxBufferBytes  int           // ring buffer byte ceiling; oldest entries drop past it
	MinBatch        int           // flush as soon as this many envelopes are buffered
	FlushInterval   time.Duration // flush at least this often
	MaxMessageBytes int           // per-message ceiling before fragmentation
	MaxFragments    int           // fragment budget; envelopes beyond it drop
	FragmentTTL     time.Duration
}

type bufferedEnvelope struct {
	env  Envelope
	data []byte
}

// Transport is the batching ring-buffer sink feeding log envelopes to
// the bus. Writes append; when the oldest entries would push total
// bytes over the ceiling they are dropped FIFO and the drop counter
// increments. A flush triggers at MinBatch or on the flush interval;
// a failed publish re-prepends the remainder and retries next round.
type Transport struct {
	cfg TransportConfig
	bus *bus.Conn

	mu       sync.Mutex
	buffer   []bufferedEnvelope
	bufBytes int

	dropped  atomic.Int64
	oversize atomic.Int64

	kick chan struct{}
}

func NewTransport(cfg TransportConfig, conn *bus.Conn) *Transport {
	if cfg.MaxBufferBytes <= 0 {
		cfg.MaxBufferBytes = 1 << 20
	}
	if cfg.MinBatch <= 0 {
		cfg.MinBatch = 32
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 2 * time.Second
	}
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = 1 << 20 // matches the stream's max_msg_size
	}
	if cfg.MaxFragments <= 0 {
		cfg.MaxFragments = 8
	}
	if cfg.FragmentTTL <= 0 {
		cfg.FragmentTTL = 2 * time.Minute
	}
	return &Transport{cfg: cfg, bus: conn, kick: make(chan struct{}, 1)}
}

// Write appends env to the ring buffer, evicting from the front when
// the byte ceiling is exceeded, and kicks a flush once the min-batch
// threshold is reached.
func (t *Transport) Write(env Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		return
	}

	t.mu.Lock()
	t.buffer = append(t.buffer, bufferedEnvelope{env: env, data: data})
	t.bufBytes += len(data)
	for t.bufBytes > t.cfg.MaxBufferBytes && len(t.buffer) > 0 {
		t.bufBytes -= len(t.buffer[0].data)
		t.buffer = t.buffer[1:]
		t.dropped.Add(1)
	}
	shouldFlush := len(t.buffer) >= t.cfg.MinBatch
	t.mu.Unlock()

	if shouldFlush {
		select {
		case t.kick <- struct{}{}:
		default:
		}
	}
}

// Run flushes on the interval and on min-batch kicks until ctx ends;
// a final flush drains whatever is left.
func (t *Transport) Run(ctx context.Context) {
	ticker := time.NewTicker(t.cfg.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			t.Flush()
			return
		case <-ticker.C:
			t.Flush()
		case <-t.kick:
			t.Flush()
		}
	}
}

// Flush publishes every buffered envelope in order. On the first
// publish failure the unsent remainder is re-prepended for the next
// round.
func (t *Transport) Flush() {
	t.mu.Lock()
	batch := t.buffer
	t.buffer = nil
	t.bufBytes = 0
	t.mu.Unlock()

	for i, be := range batch {
		if err := t.publishOne(be); err != nil {
			t.mu.Lock()
			remainder := batch[i:]
			t.buffer = append(append([]bufferedEnvelope{}, remainder...), t.buffer...)
			for _, r := range remainder {
				t.bufBytes += len(r.data)
			}
			t.mu.Unlock()
			return
		}
	}
}

// publishOne routes the envelope to its subject, fragmenting it when
// it exceeds the per-message ceiling. Envelopes whose fragmentation
// would exceed the fragment budget are dropped and counted.
func (t *Transport) publishOne(be bufferedEnvelope) error {
	subject := subjectFor(be.env)
	if len(be.data) <= t.cfg.MaxMessageBytes {
		return t.bus.Publish(subject, be.data)
	}

	total := (len(be.data) + t.cfg.MaxMessageBytes - 1) / t.cfg.MaxMessageBytes
	if total > t.cfg.MaxFragments {
		t.oversize.Add(1)
		return nil
	}

	fragID := uuid.NewString()
	expires := time.Now().Add(t.cfg.FragmentTTL).UnixMilli()
	for i := 0; i < total; i++ {
		start := i * t.cfg.MaxMessageBytes
		end := start + t.cfg.MaxMessageBytes
		if end > len(be.data) {
			end = len(be.data)
		}
		frag := Fragment{
			FragmentID:        fragID,
			FragmentIndex:     i,
			FragmentTotal:     total,
			FragmentSubject:   subject,
			FragmentExpiresAt: expires,
			TraceID:           be.env.TraceID,
			PayloadChunk:      be.data[start:end],
		}
		data, err := json.Marshal(frag)
		if err != nil {
			return err
		}
		if err := t.bus.Publish(subject, data); err != nil {
			return err
		}
	}
	return nil
}

// subjectFor picks the per-task log subject when the envelope's meta
// carries a task id, else the per-node system subject.
func subjectFor(env Envelope) string {
	if env.Meta != nil {
		for _, key := range []string{"taskId", "task_id"} {
			if v, ok := env.Meta[key].(string); ok && v != "" {
				return bus.LogsTaskSubject(env.NodeID, v)
			}
		}
	}
	return bus.LogsSysSubject(env.NodeID)
}

// Dropped returns how many envelopes the ring buffer evicted.
func (t *Transport) Dropped() int64 { return t.dropped.Load() }

// Oversize returns how many envelopes exceeded the fragment budget.
func (t *Transport) Oversize() int64 { return t.oversize.Load() }

// Buffered returns the current number of buffered envelopes.
func (t *Transport) Buffered() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.buffer)
}

// transport is the process-wide transport Emit feeds, nil until
// installed by the entrypoint.
var (
	transportMu sync.RWMutex
	transport   *Transport
)

// SetTransport installs the bus sink Emit mirrors envelopes to.
func SetTransport(t *Transport) {
	transportMu.Lock()
	defer transportMu.Unlock()
	transport = t
}

// Emit writes one log event to both sinks: the local structured
// logger synchronously, and the bus transport when installed.
func Emit(ctx trace.Context, level, source, content string, meta map[string]any) {
	l := Component(source)
	ev := WithTrace(l, ctx)
	if level == "ERROR" || level == "FATAL" {
		ev = ErrorWithTrace(l, ctx, nil)
	}
	ev.Interface("meta", meta).Msg(content)

	transportMu.RLock()
	t := transport
	transportMu.RUnlock()
	if t == nil {
		return
	}
	if ctx.HasTask() {
		if meta == nil {
			meta = map[string]any{}
		}
		if _, ok := meta["task_id"]; !ok {
			meta["task_id"] = ctx.TaskID
		}
	}
	t.Write(Envelope{
		TS:      time.Now().UnixMilli(),
		Level:   level,
		NodeID:  ctx.NodeID,
		Source:  source,
		TraceID: ctx.TraceID,
		Content: content,
		Meta:    meta,
	})
}
