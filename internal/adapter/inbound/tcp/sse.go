package tcp

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/loopgate/loopgate/internal/domain/rpc"
	"github.com/loopgate/loopgate/internal/domain/session"
)

// messagesPath is the endpoint advertised in the endpoint-discovery event.
const messagesPath = "/messages"

// SSEManager owns the single permitted SSE subscriber: session id issuance
// and resumption, event-id sequencing, event framing, and heartbeats.
//
// At most one subscriber is active at a time. A newer SSE connection
// replaces the current reference without closing the old socket; the
// registry's EOF/error path eventually reclaims it. Notifications are only
// ever delivered to the current reference.
type SSEManager struct {
	mu      sync.Mutex
	current *Connection

	state     *session.State
	heartbeat time.Duration
	logger    *slog.Logger
	metrics   *Metrics

	// remove tears down a connection through the registry. Installed by
	// the server during wiring.
	remove func(c *Connection, reason string)
}

// NewSSEManager creates the session manager.
func NewSSEManager(state *session.State, heartbeat time.Duration, logger *slog.Logger, metrics *Metrics) *SSEManager {
	return &SSEManager{
		state:     state,
		heartbeat: heartbeat,
		logger:    logger,
		metrics:   metrics,
	}
}

// Handshake promotes a routed SSE connection to the connected state: it
// resolves the session id and resume point from the request headers, makes
// the connection the sole subscriber, writes the stream head, emits the
// endpoint-discovery event, and starts the heartbeat timer.
func (m *SSEManager) Handshake(c *Connection, info *RequestInfo) error {
	// Resume point: a positive integer Last-Event-ID moves the counter
	// forward so the next event continues the sequence. Anything else is
	// ignored.
	if raw := info.Header(LastEventIDHeader); raw != "" {
		if n, err := strconv.ParseInt(raw, 10, 64); err == nil && n > 0 {
			m.state.Resume(n)
		}
	}

	// Session id: adopt the client's verbatim when supplied, otherwise
	// generate a fresh one.
	sid := m.state.Begin(info.Header(SessionIDHeader))
	c.setSession(sid)

	m.mu.Lock()
	old := m.current
	m.current = c
	m.mu.Unlock()
	if old != nil && old != c {
		m.logger.Info("sse subscriber replaced", "old_conn", old.ID(), "new_conn", c.ID())
	}

	c.setState(StateConnected)

	if _, err := c.Write(buildSSEHead(sid)); err != nil {
		return fmt.Errorf("write sse head: %w", err)
	}

	// Endpoint discovery: the first frame tells the client where to POST
	// JSON-RPC requests. The payload is a bare path string, not JSON; the
	// client consumes it before it speaks JSON-RPC at all.
	endpoint := messagesPath + "?sessionId=" + sid
	if err := m.writeEvent(c, "endpoint", endpoint); err != nil {
		return fmt.Errorf("write endpoint event: %w", err)
	}

	if m.heartbeat > 0 {
		go m.runHeartbeat(c)
	}

	m.logger.Info("sse stream connected", "conn_id", c.ID(), "session_id", sid)
	return nil
}

// SendEvent JSON-encodes payload and emits it as a generic event. The write
// failure is reported to the caller; the caller decides whether to tear the
// connection down.
func (m *SSEManager) SendEvent(c *Connection, payload interface{}, eventType string) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	return m.writeEvent(c, eventType, string(data))
}

// writeEvent frames and writes one event: optional "event:" line, mandatory
// "id:" line, one "data:" line per payload line (so multi-line payloads
// never break SSE framing), blank-line terminator. Each call consumes the
// next event id.
func (m *SSEManager) writeEvent(c *Connection, eventType, data string) error {
	id := m.state.NextEventID()

	var b strings.Builder
	if eventType != "" {
		fmt.Fprintf(&b, "event: %s\n", eventType)
	}
	fmt.Fprintf(&b, "id: %d\n", id)
	for _, line := range strings.Split(data, "\n") {
		fmt.Fprintf(&b, "data: %s\n", line)
	}
	b.WriteString("\n")

	if _, err := c.Write([]byte(b.String())); err != nil {
		return fmt.Errorf("write event %d: %w", id, err)
	}
	if m.metrics != nil {
		m.metrics.EventsEmitted.Inc()
	}
	return nil
}

// Notify delivers a notification event to the current subscriber.
// Returns false when no subscriber is active or the write failed; a failed
// write also tears the subscriber down.
func (m *SSEManager) Notify(method string, params interface{}) bool {
	m.mu.Lock()
	c := m.current
	m.mu.Unlock()
	if c == nil {
		return false
	}

	payload := map[string]interface{}{
		"jsonrpc": rpc.Version,
		"method":  method,
	}
	if params != nil {
		payload["params"] = params
	}

	if err := m.SendEvent(c, payload, "notification"); err != nil {
		m.logger.Warn("notification write failed", "conn_id", c.ID(), "error", err)
		if m.remove != nil {
			m.remove(c, "notification write failed")
		}
		return false
	}
	return true
}

// Client returns the handler-facing view of the current subscriber, or nil
// when no stream is connected.
func (m *SSEManager) Client() rpc.Client {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return nil
	}
	return &sseClient{m: m}
}

// SessionID returns the active session id, empty when none.
func (m *SSEManager) SessionID() string {
	return m.state.ID()
}

// connClosed is the registry's removal hook: when the current subscriber
// disconnects, the singleton reference and its session id are cleared. The
// event-id counter is deliberately left alone so a later session can still
// resume from ids issued before the disconnect.
func (m *SSEManager) connClosed(c *Connection) {
	m.mu.Lock()
	isCurrent := m.current == c
	if isCurrent {
		m.current = nil
	}
	m.mu.Unlock()

	if isCurrent {
		m.state.Clear()
		m.logger.Info("sse stream disconnected", "conn_id", c.ID())
	}
}

// runHeartbeat writes a comment-only keepalive at a fixed interval while
// the connection lives. Heartbeats are invisible to consumers and do not
// touch the event-id counter. A failed write tears the connection down.
func (m *SSEManager) runHeartbeat(c *Connection) {
	ticker := time.NewTicker(m.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-c.hbStop:
			return
		case <-ticker.C:
			if !c.alive() {
				return
			}
			if _, err := c.Write([]byte(":\n\n")); err != nil {
				if m.metrics != nil {
					m.metrics.HeartbeatFailures.Inc()
				}
				m.logger.Warn("heartbeat write failed", "conn_id", c.ID(), "error", err)
				if m.remove != nil {
					m.remove(c, "heartbeat write failed")
				}
				return
			}
		}
	}
}

// sseClient adapts the manager's current subscriber to the rpc.Client
// interface handlers receive.
type sseClient struct {
	m *SSEManager
}

func (s *sseClient) SessionID() string {
	return s.m.SessionID()
}

func (s *sseClient) Notify(method string, params interface{}) bool {
	return s.m.Notify(method, params)
}

// Compile-time check that sseClient satisfies the handler-facing interface.
var _ rpc.Client = (*sseClient)(nil)
