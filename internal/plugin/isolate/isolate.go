// Package isolate runs each plugin in its own OS process speaking a
// line-delimited JSON frame protocol over the child's stdio. The
// process boundary is the sandbox: the host exposes nothing to the
// plugin beyond the framed channel, and every host call crosses the
// capability broker.
package isolate

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/meristem/core/internal/logging"
	"github.com/meristem/core/internal/plugin/manifest"
)

var log = logging.Component("isolate")

// Frame types. INVOKE carries a request/response host call in either
// direction; HEALTH requests a HealthReport; TERMINATE signals a
// graceful stop; EVENT delivers a bridged bus message.
const (
	TypeInvoke       = "INVOKE"
	TypeInvokeResult = "INVOKE_RESULT"
	TypeHealth       = "HEALTH"
	TypeTerminate    = "TERMINATE"
	TypeEvent        = "EVENT"
)

// Reserved INVOKE method names for lifecycle hooks.
const (
	MethodOnInit    = "onInit"
	MethodOnStart   = "onStart"
	MethodOnStop    = "onStop"
	MethodOnDestroy = "onDestroy"
)

// Frame is the message-passing envelope exchanged with an isolate's
// stdio.
type Frame struct {
	ID        string          `json:"id"`
	PluginID  string          `json:"pluginId"`
	Type      string          `json:"type"`
	Timestamp int64           `json:"timestamp"`
	TraceID   string          `json:"traceId,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// InvokeRequest is an INVOKE frame's payload: a named method plus
// its parameters.
type InvokeRequest struct {
	Method string         `json:"method"`
	Params map[string]any `json:"params,omitempty"`
}

// InvokeError is the structured failure half of an InvokeResult.
type InvokeError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// InvokeResult is an INVOKE_RESULT frame's payload.
type InvokeResult struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   *InvokeError    `json:"error,omitempty"`
}

// HealthReport is what an isolate answers a HEALTH frame with.
type HealthReport struct {
	Status      string `json:"status"` // healthy, degraded, unhealthy
	MemoryUsage struct {
		RSS int64 `json:"rss"`
	} `json:"memory_usage"`
	UptimeMS int64 `json:"uptime_ms"`
}

// Isolate is one running plugin process.
type Isolate struct {
	IsolateID string
	PluginID  string
	Manifest  manifest.Manifest

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *bufio.Scanner

	mu      sync.Mutex
	inFlight map[string]chan Frame

	incoming chan Frame
	done     chan struct{}
}

// Spawn starts a new OS process for m, running entryPath as its
// binary. The caller owns Stop().
func Spawn(ctx context.Context, m manifest.Manifest, entryPath string, args ...string) (*Isolate, error) {
	cmd := exec.CommandContext(ctx, entryPath, args...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("isolate: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("isolate: stdout pipe: %w", err)
	}
	cmd.Stderr = isolateStderr{pluginID: m.ID}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("isolate: start %s: %w", m.ID, err)
	}

	iso := &Isolate{
		IsolateID: uuid.NewString(),
		PluginID:  m.ID,
		Manifest:  m,
		cmd:       cmd,
		stdin:     stdin,
		stdout:    bufio.NewScanner(stdout),
		inFlight:  make(map[string]chan Frame),
		incoming:  make(chan Frame, 64),
		done:      make(chan struct{}),
	}
	iso.stdout.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)

	go iso.readLoop()
	return iso, nil
}

func (i *Isolate) readLoop() {
	defer close(i.done)
	for i.stdout.Scan() {
		var f Frame
		if err := json.Unmarshal(i.stdout.Bytes(), &f); err != nil {
			log.Warn().Str("plugin_id", i.PluginID).Err(err).Msg("isolate emitted malformed frame")
			continue
		}
		i.mu.Lock()
		ch, waiting := i.inFlight[f.ID]
		if waiting {
			delete(i.inFlight, f.ID)
		}
		i.mu.Unlock()

		if waiting {
			ch <- f
			close(ch)
			continue
		}
		select {
		case i.incoming <- f:
		default:
			log.Warn().Str("plugin_id", i.PluginID).Msg("isolate incoming queue full, dropping frame")
		}
	}
}

// Incoming returns the channel of frames the isolate pushed
// unsolicited (events, not call responses).
func (i *Isolate) Incoming() <-chan Frame { return i.incoming }

// Send writes a frame to the isolate's stdin without waiting for a
// reply, used for fire-and-forget event delivery (the Event Bridge).
func (i *Isolate) Send(f Frame) error {
	b, err := json.Marshal(f)
	if err != nil {
		return err
	}
	b = append(b, '\n')
	_, err = i.stdin.Write(b)
	return err
}

// Call sends f and blocks for a matching-ID reply or timeout, used by
// Invoke and Health for host-initiated request/response calls.
func (i *Isolate) Call(ctx context.Context, f Frame, timeout time.Duration) (Frame, error) {
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	reply := make(chan Frame, 1)
	i.mu.Lock()
	i.inFlight[f.ID] = reply
	i.mu.Unlock()

	if err := i.Send(f); err != nil {
		i.mu.Lock()
		delete(i.inFlight, f.ID)
		i.mu.Unlock()
		return Frame{}, err
	}

	select {
	case r := <-reply:
		return r, nil
	case <-time.After(timeout):
		i.mu.Lock()
		delete(i.inFlight, f.ID)
		i.mu.Unlock()
		return Frame{}, fmt.Errorf("isolate: call %s timed out after %s", f.Type, timeout)
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	}
}

// Invoke sends an INVOKE frame for method and decodes the correlated
// INVOKE_RESULT. Hook invocations (onInit, onStart, onStop,
// onDestroy) use the same path with their reserved method names. A
// timed-out call surfaces the timeout error without corrupting the
// in-flight correlation map.
func (i *Isolate) Invoke(ctx context.Context, traceID, method string, params map[string]any, timeout time.Duration) (InvokeResult, error) {
	payload, err := json.Marshal(InvokeRequest{Method: method, Params: params})
	if err != nil {
		return InvokeResult{}, err
	}
	reply, err := i.Call(ctx, Frame{
		PluginID:  i.PluginID,
		Type:      TypeInvoke,
		Timestamp: time.Now().UnixMilli(),
		TraceID:   traceID,
		Payload:   payload,
	}, timeout)
	if err != nil {
		return InvokeResult{}, err
	}
	var res InvokeResult
	if err := json.Unmarshal(reply.Payload, &res); err != nil {
		return InvokeResult{}, fmt.Errorf("isolate: malformed INVOKE_RESULT for %s: %w", method, err)
	}
	if !res.Success {
		msg := "invoke failed"
		if res.Error != nil {
			msg = res.Error.Code + ": " + res.Error.Message
		}
		return res, fmt.Errorf("isolate: %s %s", method, msg)
	}
	return res, nil
}

// Health sends a HEALTH frame and decodes the isolate's report.
func (i *Isolate) Health(ctx context.Context, timeout time.Duration) (HealthReport, error) {
	reply, err := i.Call(ctx, Frame{
		PluginID:  i.PluginID,
		Type:      TypeHealth,
		Timestamp: time.Now().UnixMilli(),
	}, timeout)
	if err != nil {
		return HealthReport{}, err
	}
	var report HealthReport
	if err := json.Unmarshal(reply.Payload, &report); err != nil {
		return HealthReport{}, fmt.Errorf("isolate: malformed health report: %w", err)
	}
	return report, nil
}

// Terminate sends the graceful-stop control frame without waiting
// for a reply.
func (i *Isolate) Terminate() error {
	return i.Send(Frame{
		ID:        uuid.NewString(),
		PluginID:  i.PluginID,
		Type:      TypeTerminate,
		Timestamp: time.Now().UnixMilli(),
	})
}

// Stop terminates the isolate process, waiting up to timeout for a
// graceful exit before killing it.
func (i *Isolate) Stop(timeout time.Duration) error {
	_ = i.stdin.Close()
	if i.cmd.Process == nil {
		return nil
	}

	exited := make(chan error, 1)
	go func() { exited <- i.cmd.Wait() }()

	select {
	case err := <-exited:
		return err
	case <-time.After(timeout):
		_ = i.cmd.Process.Kill()
		<-exited
		return fmt.Errorf("isolate: %s did not exit within %s, killed", i.PluginID, timeout)
	}
}

type isolateStderr struct{ pluginID string }

func (w isolateStderr) Write(p []byte) (int, error) {
	log.Warn().Str("plugin_id", w.pluginID).Str("stderr", string(p)).Msg("isolate stderr")
	return len(p), nil
}
