package wsfanout

import (
	"encoding/json"
	"testing"
)

// newTestConnection builds a connection that never touches a real
// socket; server frames land in c.send where the tests read them.
func newTestConnection(hub *Hub, auth AuthContext) *Connection {
	return NewConnection(hub, nil, auth)
}

func lastFrame(t *testing.T, c *Connection) Frame {
	t.Helper()
	select {
	case raw := <-c.send:
		var f Frame
		if err := json.Unmarshal(raw, &f); err != nil {
			t.Fatalf("malformed server frame: %v", err)
		}
		return f
	default:
		t.Fatal("expected a server frame, got none")
		return Frame{}
	}
}

func TestSubscribeAllowedTopicAcks(t *testing.T) {
	hub := NewHub()
	c := newTestConnection(hub, AuthContext{
		Subject:       "operator",
		Permissions:   []string{"node:read"},
		AllowedTopics: []string{"task.1.status"},
	})

	c.handleFrame(Frame{Type: "SUBSCRIBE", Topic: "task.1.status"})
	f := lastFrame(t, c)
	if f.Type != "ACK" || f.Action != "SUBSCRIBE" || f.Topic != "task.1.status" {
		t.Fatalf("expected SUBSCRIBE ack, got %+v", f)
	}
	if !c.subscribed("task.1.status") {
		t.Fatal("connection must be subscribed after the ack")
	}
}

func TestSubscribeOutsideAllowedTopicsRejected(t *testing.T) {
	hub := NewHub()
	c := newTestConnection(hub, AuthContext{
		Subject:       "operator",
		Permissions:   []string{"node:read"},
		AllowedTopics: []string{"task.1.status"},
	})

	c.handleFrame(Frame{Type: "SUBSCRIBE", Topic: "node.a.status"})
	f := lastFrame(t, c)
	if f.Type != "ERROR" || f.Code != CodeInvalidTopic {
		t.Fatalf("expected INVALID_TOPIC for a topic outside the UI contract, got %+v", f)
	}
	if c.subscribed("node.a.status") {
		t.Fatal("a rejected topic must not be subscribed")
	}
}

func TestSubscribeWithoutPermissionRejected(t *testing.T) {
	hub := NewHub()
	c := newTestConnection(hub, AuthContext{
		Subject:     "operator",
		Permissions: []string{"node:read"},
	})

	// sys.network.mode maps to sys:manage, which this token lacks.
	hub.DeclareChannels([]string{"sys.network.mode"})
	c.handleFrame(Frame{Type: "SUBSCRIBE", Topic: "sys.network.mode"})
	f := lastFrame(t, c)
	if f.Type != "ERROR" || f.Code != CodeInvalidTopic {
		t.Fatalf("expected INVALID_TOPIC for a denied subject, got %+v", f)
	}
}

func TestSubscribeNonAdmissibleShapeRejected(t *testing.T) {
	hub := NewHub()
	c := newTestConnection(hub, AuthContext{Subject: "op", Permissions: []string{"*"}})

	c.handleFrame(Frame{Type: "SUBSCRIBE", Topic: "completely.random.subject"})
	f := lastFrame(t, c)
	if f.Type != "ERROR" || f.Code != CodeInvalidTopic {
		t.Fatalf("expected INVALID_TOPIC for a non-admissible shape, got %+v", f)
	}
}

func TestDeclaredChannelIsAdmissible(t *testing.T) {
	hub := NewHub()
	hub.DeclareChannels([]string{"plugin.example.events"})
	c := newTestConnection(hub, AuthContext{Subject: "op", Permissions: []string{"plugin:access"}})

	c.handleFrame(Frame{Type: "SUBSCRIBE", Topic: "plugin.example.events"})
	f := lastFrame(t, c)
	if f.Type != "ACK" || f.Action != "SUBSCRIBE" {
		t.Fatalf("expected ack for a declared UI-contract channel, got %+v", f)
	}
}

func TestUnsubscribeAcksAndRemoves(t *testing.T) {
	hub := NewHub()
	c := newTestConnection(hub, AuthContext{Subject: "op", Permissions: []string{"node:read"}})
	c.handleFrame(Frame{Type: "SUBSCRIBE", Topic: "node.a.status"})
	_ = lastFrame(t, c)

	c.handleFrame(Frame{Type: "UNSUBSCRIBE", Topic: "node.a.status"})
	f := lastFrame(t, c)
	if f.Type != "ACK" || f.Action != "UNSUBSCRIBE" {
		t.Fatalf("expected UNSUBSCRIBE ack, got %+v", f)
	}
	if c.subscribed("node.a.status") {
		t.Fatal("topic must be removed after unsubscribe")
	}
}

func TestPingAnswersPong(t *testing.T) {
	hub := NewHub()
	c := newTestConnection(hub, AuthContext{Subject: "op"})
	c.handleFrame(Frame{Type: "PING"})
	f := lastFrame(t, c)
	if f.Type != "ACK" || f.Action != "PONG" {
		t.Fatalf("expected PONG ack, got %+v", f)
	}
}

func TestUnknownFrameTypeIsInvalidMessage(t *testing.T) {
	hub := NewHub()
	c := newTestConnection(hub, AuthContext{Subject: "op"})
	c.handleFrame(Frame{Type: "SHOUT"})
	f := lastFrame(t, c)
	if f.Type != "ERROR" || f.Code != CodeInvalidMessage {
		t.Fatalf("expected INVALID_MESSAGE, got %+v", f)
	}
}

func TestBadStreamProfileIsInvalidMessage(t *testing.T) {
	hub := NewHub()
	c := newTestConnection(hub, AuthContext{Subject: "op", Permissions: []string{"node:read"}})
	c.handleFrame(Frame{Type: "SUBSCRIBE", Topic: "node.a.status", StreamProfile: json.RawMessage(`"turbo"`)})
	f := lastFrame(t, c)
	if f.Type != "ERROR" || f.Code != CodeInvalidMessage {
		t.Fatalf("expected INVALID_MESSAGE for an unknown profile, got %+v", f)
	}
}
