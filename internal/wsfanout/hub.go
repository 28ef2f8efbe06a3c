// Package wsfanout is the Core's WebSocket fanout:
// subject-authorized subscribe/unsubscribe, push delivery throttled
// per (connection, topic), and ack/error framing, with every topic
// subscription gated by the Subject Permission Guard.
package wsfanout

import (
	"encoding/json"
	"regexp"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/meristem/core/internal/bus/guard"
	"github.com/meristem/core/internal/logging"
	"github.com/meristem/core/internal/metrics"
)

var log = logging.Component("wsfanout")

const (
	writeTimeout = 10 * time.Second
	pongWait     = 60 * time.Second
	pingInterval = 30 * time.Second
	sendBuffer   = 256
)

// Error codes sent to clients
const (
	CodeAuthRequired   = "AUTH_REQUIRED"
	CodeAuthInvalid    = "AUTH_INVALID"
	CodeInvalidMessage = "INVALID_MESSAGE"
	CodeInvalidTopic   = "INVALID_TOPIC"
)

// Frame is the wire shape exchanged over the websocket connection.
// Client frames: SUBSCRIBE, UNSUBSCRIBE, PING. Server frames: ACK
// (action CONNECTED|SUBSCRIBE|UNSUBSCRIBE|PONG), PUSH, ERROR.
type Frame struct {
	Type          string          `json:"type"`
	Action        string          `json:"action,omitempty"`
	Code          string          `json:"code,omitempty"`
	Topic         string          `json:"topic,omitempty"`
	StreamProfile json.RawMessage `json:"stream_profile,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	TraceID       string          `json:"trace_id,omitempty"`
}

// AuthContext is the identity a connection authenticated to. When
// AllowedTopics is non-nil it enforces the UI contract: SUBSCRIBE is
// admitted only for topics it lists.
type AuthContext struct {
	Subject       string
	Permissions   []string
	TraceID       string
	AllowedTopics []string
}

// topicPatterns are the syntactic shapes a SUBSCRIBE topic may take
// besides a plugin's declared UI-contract channel.
var topicPatterns = []*regexp.Regexp{
	regexp.MustCompile(`^node\.[^.]+\.status$`),
	regexp.MustCompile(`^task\.[^.]+\.status$`),
}

// Hub tracks every connection and its topic subscriptions, and knows
// the set of UI-contract channels declared by installed plugins.
type Hub struct {
	mu          sync.RWMutex
	connections map[*Connection]bool
	channels    map[string]bool // declared UI-contract channels

	register   chan *Connection
	unregister chan *Connection
}

func NewHub() *Hub {
	return &Hub{
		connections: make(map[*Connection]bool),
		channels:    make(map[string]bool),
		register:    make(chan *Connection),
		unregister:  make(chan *Connection),
	}
}

// DeclareChannels adds a plugin's UI-contract channels to the set of
// admissible topics; called once per loaded manifest.
func (h *Hub) DeclareChannels(channels []string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, c := range channels {
		h.channels[c] = true
	}
}

func (h *Hub) isDeclaredChannel(topic string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.channels[topic]
}

func (h *Hub) Run() {
	for {
		select {
		case c := <-h.register:
			h.mu.Lock()
			h.connections[c] = true
			n := len(h.connections)
			h.mu.Unlock()
			metrics.WSConnections.Set(float64(n))
		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.connections[c]; ok {
				delete(h.connections, c)
				close(c.send)
			}
			n := len(h.connections)
			h.mu.Unlock()
			metrics.WSConnections.Set(float64(n))
		}
	}
}

// Publish pushes payload to every connection subscribed to topic,
// honoring each subscription's throttle profile; connections whose
// send buffer is full are skipped rather than allowed to stall the
// broadcast. Pushes to one (connection, topic) stay in server-receive
// order because delivery happens on the caller's goroutine.
func (h *Hub) Publish(topic, traceID string, payload []byte) {
	frame := Frame{Type: "PUSH", Topic: topic, Payload: payload, TraceID: traceID}
	b, err := json.Marshal(frame)
	if err != nil {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.connections {
		if !c.subscribed(topic) {
			continue
		}
		if !c.throttleAllow(topic) {
			continue
		}
		select {
		case c.send <- b:
		default:
			log.Warn().Str("subject", c.auth.Subject).Str("topic", topic).Msg("connection send buffer full, dropping push")
		}
	}
}

// Connection is one authenticated websocket client.
type Connection struct {
	auth AuthContext

	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	mu         sync.Mutex
	throttlers map[string]*throttle // keyed by topic; presence == subscribed
}

func NewConnection(hub *Hub, conn *websocket.Conn, auth AuthContext) *Connection {
	return &Connection{
		auth:       auth,
		hub:        hub,
		conn:       conn,
		send:       make(chan []byte, sendBuffer),
		throttlers: make(map[string]*throttle),
	}
}

// Serve registers the connection, starts its write pump, sends the
// CONNECTED ack, and runs its read pump until the connection closes.
func (c *Connection) Serve() {
	c.hub.register <- c
	go c.writePump()
	c.sendFrame(Frame{Type: "ACK", Action: "CONNECTED"})
	c.readPump()
}

func (c *Connection) subscribed(topic string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.throttlers[topic]
	return ok
}

func (c *Connection) throttleAllow(topic string) bool {
	c.mu.Lock()
	t, ok := c.throttlers[topic]
	c.mu.Unlock()
	if !ok {
		return true
	}
	return t.allow()
}

func (c *Connection) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Warn().Str("subject", c.auth.Subject).Err(err).Msg("websocket read error")
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(pongWait))

		var f Frame
		if err := json.Unmarshal(raw, &f); err != nil {
			c.sendError("", CodeInvalidMessage)
			continue
		}
		c.handleFrame(f)
	}
}

func (c *Connection) handleFrame(f Frame) {
	switch f.Type {
	case "SUBSCRIBE":
		c.handleSubscribe(f)
	case "UNSUBSCRIBE":
		c.mu.Lock()
		delete(c.throttlers, f.Topic)
		c.mu.Unlock()
		c.sendFrame(Frame{Type: "ACK", Action: "UNSUBSCRIBE", Topic: f.Topic})
	case "PING":
		c.sendFrame(Frame{Type: "ACK", Action: "PONG"})
	default:
		c.sendError(f.Topic, CodeInvalidMessage)
	}
}

// handleSubscribe runs the three-stage topic admission: syntactic
// pattern or declared UI-contract channel, then the auth context's
// allowedTopics whitelist, then the Subject Permission Guard. Any
// failure yields INVALID_TOPIC.
func (c *Connection) handleSubscribe(f Frame) {
	topic := f.Topic
	if !c.topicAdmissible(topic) {
		c.sendError(topic, CodeInvalidTopic)
		return
	}

	decision := guard.Check(topic, c.auth.Permissions)
	if !decision.Allowed {
		guard.AuditDenial("WS_SUBSCRIPTION_DENIED", c.auth.Subject, topic, decision.RequiredPermission, decision.Reason)
		c.sendError(topic, CodeInvalidTopic)
		return
	}

	profile, ok := resolveProfile(f.StreamProfile)
	if !ok {
		c.sendError(topic, CodeInvalidMessage)
		return
	}

	c.mu.Lock()
	c.throttlers[topic] = newThrottle(profile)
	c.mu.Unlock()

	nameJSON, _ := json.Marshal(profile.Name)
	c.sendFrame(Frame{Type: "ACK", Action: "SUBSCRIBE", Topic: topic, StreamProfile: nameJSON})
}

func (c *Connection) topicAdmissible(topic string) bool {
	if topic == "" {
		return false
	}
	syntactic := c.hub.isDeclaredChannel(topic)
	if !syntactic {
		for _, re := range topicPatterns {
			if re.MatchString(topic) {
				syntactic = true
				break
			}
		}
	}
	if !syntactic {
		return false
	}
	if c.auth.AllowedTopics == nil {
		return true
	}
	for _, t := range c.auth.AllowedTopics {
		if t == topic {
			return true
		}
	}
	return false
}

func (c *Connection) sendError(topic, code string) {
	c.sendFrame(Frame{Type: "ERROR", Topic: topic, Code: code})
}

func (c *Connection) sendFrame(f Frame) {
	b, err := json.Marshal(f)
	if err != nil {
		return
	}
	select {
	case c.send <- b:
	default:
		log.Warn().Str("subject", c.auth.Subject).Msg("connection send buffer full, dropping control frame")
	}
}

func (c *Connection) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
