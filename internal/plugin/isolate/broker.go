package isolate

import (
	"context"
	"encoding/json"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/meristem/core/internal/bus"
)

// CodeBridgeError is the error code returned to an isolate when a
// capability handler fails for any uncaught reason.
const CodeBridgeError = "PLUGIN_CONTEXT_BRIDGE_ERROR"

// CapabilityHandler executes one permitted capability and returns its
// JSON-able result.
type CapabilityHandler func(ctx context.Context, pluginID string, params map[string]any) (any, error)

type capability struct {
	permission string
	handler    CapabilityHandler
}

// Broker is the sole conduit for host calls from isolates: it
// resolves an INVOKE frame's method against the registered capability
// table, verifies the plugin's manifest declares the capability's
// required permission, and dispatches.
type Broker struct {
	capabilities map[string]capability
}

func NewBroker() *Broker {
	return &Broker{capabilities: make(map[string]capability)}
}

// RegisterCapability wires a capability name to its implementation
// and the manifest permission a plugin must declare to call it.
func (b *Broker) RegisterCapability(name, requiredPermission string, handler CapabilityHandler) {
	b.capabilities[name] = capability{permission: requiredPermission, handler: handler}
}

// Dispatch resolves and executes one host call, returning the result
// payload the INVOKE_RESULT should carry. Errors never escape as Go
// errors to the isolate; they are folded into a failed InvokeResult.
func (b *Broker) Dispatch(ctx context.Context, iso *Isolate, req InvokeRequest) InvokeResult {
	cap, ok := b.capabilities[req.Method]
	if !ok {
		return invokeFailure(CodeBridgeError, "unknown capability "+req.Method)
	}
	if !declaresPermission(iso.Manifest.Permissions, cap.permission) {
		return invokeFailure(CodeBridgeError, "capability "+req.Method+" requires undeclared permission "+cap.permission)
	}
	data, err := cap.handler(ctx, iso.PluginID, req.Params)
	if err != nil {
		return invokeFailure(CodeBridgeError, err.Error())
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return invokeFailure(CodeBridgeError, "unencodable capability result")
	}
	return InvokeResult{Success: true, Data: raw}
}

// Serve consumes iso's unsolicited frames, answering INVOKE requests
// through the capability table until the isolate's channel closes or
// ctx is cancelled. Run it in its own goroutine per isolate.
func (b *Broker) Serve(ctx context.Context, iso *Isolate) {
	for {
		select {
		case <-ctx.Done():
			return
		case f, ok := <-iso.Incoming():
			if !ok {
				return
			}
			if f.Type != TypeInvoke {
				continue
			}
			var req InvokeRequest
			var result InvokeResult
			if err := json.Unmarshal(f.Payload, &req); err != nil {
				result = invokeFailure(CodeBridgeError, "malformed INVOKE payload")
			} else {
				result = b.Dispatch(ctx, iso, req)
			}
			payload, err := json.Marshal(result)
			if err != nil {
				continue
			}
			reply := Frame{
				ID:        f.ID,
				PluginID:  iso.PluginID,
				Type:      TypeInvokeResult,
				Timestamp: time.Now().UnixMilli(),
				TraceID:   f.TraceID,
				Payload:   payload,
			}
			if err := iso.Send(reply); err != nil {
				log.Warn().Str("plugin_id", iso.PluginID).Err(err).Msg("failed to answer isolate invoke")
			}
		}
	}
}

func invokeFailure(code, message string) InvokeResult {
	return InvokeResult{Success: false, Error: &InvokeError{Code: code, Message: message}}
}

func declaresPermission(declared []string, required string) bool {
	if required == "" {
		return true
	}
	for _, p := range declared {
		if p == required {
			return true
		}
	}
	return false
}

// eventBody is what the Event Bridge delivers: the bus message body
// decoded as JSON when possible, else carried as raw text.
type eventBody struct {
	Subject string `json:"subject"`
	Data    any    `json:"data,omitempty"`
	Raw     string `json:"raw,omitempty"`
}

// Bridge forwards bus messages on subject into iso as EVENT frames,
// implementing the Event Bridge half of component C: plugins observe
// the bus without holding a direct NATS connection. The returned
// subscription is what Stop/Reload tear down or swap.
func Bridge(conn *bus.Conn, subject string, iso *Isolate) (*nats.Subscription, error) {
	return conn.Subscribe(subject, func(subj string, data []byte) {
		body := eventBody{Subject: subj}
		var decoded any
		if err := json.Unmarshal(data, &decoded); err == nil {
			body.Data = decoded
		} else {
			body.Raw = string(data)
		}
		payload, err := json.Marshal(body)
		if err != nil {
			return
		}
		f := Frame{
			PluginID:  iso.PluginID,
			Type:      TypeEvent,
			Timestamp: time.Now().UnixMilli(),
			Payload:   payload,
		}
		if err := iso.Send(f); err != nil {
			log.Warn().Str("plugin_id", iso.PluginID).Str("subject", subj).Err(err).Msg("failed to bridge event to isolate")
		}
	})
}
