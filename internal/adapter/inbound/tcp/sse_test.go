package tcp

import (
	"bytes"
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/loopgate/loopgate/internal/domain/session"
)

// mockConn is an in-memory net.Conn capturing everything written to it.
type mockConn struct {
	mu      sync.Mutex
	written bytes.Buffer
	failAll bool
	closed  bool
}

func (m *mockConn) Read(b []byte) (int, error) { return 0, io.EOF }

func (m *mockConn) Write(b []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failAll {
		return 0, errors.New("write refused")
	}
	return m.written.Write(b)
}

func (m *mockConn) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *mockConn) output() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.written.String()
}

func (m *mockConn) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *mockConn) LocalAddr() net.Addr                { return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1)} }
func (m *mockConn) RemoteAddr() net.Addr               { return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1)} }
func (m *mockConn) SetDeadline(t time.Time) error      { return nil }
func (m *mockConn) SetReadDeadline(t time.Time) error  { return nil }
func (m *mockConn) SetWriteDeadline(t time.Time) error { return nil }

func newMockConnection(id string) (*Connection, *mockConn) {
	mc := &mockConn{}
	return &Connection{id: id, conn: mc, hbStop: make(chan struct{})}, mc
}

func newTestSSEManager(heartbeat time.Duration) *SSEManager {
	return NewSSEManager(session.NewState(), heartbeat, discardLogger(), nil)
}

func sseRequestInfo(t *testing.T, headers string) *RequestInfo {
	t.Helper()

	info, ok := parseHTTPRequest([]byte("GET /mcp HTTP/1.1\r\n" + headers + "\r\n"))
	if !ok {
		t.Fatal("parseHTTPRequest() returned ok = false")
	}
	return info
}

func TestHandshakeWritesHeadAndEndpointEvent(t *testing.T) {
	m := newTestSSEManager(0)
	c, mc := newMockConnection("c1")

	if err := m.Handshake(c, sseRequestInfo(t, "")); err != nil {
		t.Fatalf("Handshake() error = %v", err)
	}

	sid := m.SessionID()
	if sid == "" {
		t.Fatal("no session id after handshake")
	}
	if c.Session() != sid {
		t.Errorf("connection session = %q, want %q", c.Session(), sid)
	}
	if c.State() != StateConnected {
		t.Errorf("connection state = %d, want StateConnected", c.State())
	}

	out := mc.output()
	if !strings.HasPrefix(out, "HTTP/1.1 200 OK\r\n") {
		t.Errorf("stream head missing, got %q", out)
	}
	if !strings.Contains(out, "Content-Type: text/event-stream\r\n") {
		t.Error("stream head missing event-stream content type")
	}
	if !strings.Contains(out, SessionIDHeader+": "+sid+"\r\n") {
		t.Error("stream head missing session header")
	}

	// The first frame is endpoint discovery: a bare path, not JSON.
	want := "event: endpoint\nid: 1\ndata: /messages?sessionId=" + sid + "\n\n"
	if !strings.Contains(out, want) {
		t.Errorf("endpoint event missing; output:\n%q", out)
	}
}

func TestHandshakeAdoptsClientSessionID(t *testing.T) {
	m := newTestSSEManager(0)
	c, _ := newMockConnection("c1")

	if err := m.Handshake(c, sseRequestInfo(t, SessionIDHeader+": client-sid\r\n")); err != nil {
		t.Fatalf("Handshake() error = %v", err)
	}
	if m.SessionID() != "client-sid" {
		t.Errorf("session id = %q, want client-sid", m.SessionID())
	}
}

func TestHandshakeResumesEventSequence(t *testing.T) {
	m := newTestSSEManager(0)
	c, mc := newMockConnection("c1")

	if err := m.Handshake(c, sseRequestInfo(t, LastEventIDHeader+": 41\r\n")); err != nil {
		t.Fatalf("Handshake() error = %v", err)
	}

	if !strings.Contains(mc.output(), "id: 42\n") {
		t.Errorf("endpoint event should continue from resume point, got %q", mc.output())
	}
}

func TestHandshakeIgnoresBadResumeValues(t *testing.T) {
	for _, bad := range []string{"abc", "-5", "0"} {
		m := newTestSSEManager(0)
		c, mc := newMockConnection("c1")

		if err := m.Handshake(c, sseRequestInfo(t, LastEventIDHeader+": "+bad+"\r\n")); err != nil {
			t.Fatalf("Handshake() error = %v", err)
		}
		if !strings.Contains(mc.output(), "id: 1\n") {
			t.Errorf("Last-Event-ID %q should be ignored, got %q", bad, mc.output())
		}
	}
}

func TestSendEventIncrementsIDs(t *testing.T) {
	m := newTestSSEManager(0)
	c, mc := newMockConnection("c1")

	if err := m.Handshake(c, sseRequestInfo(t, "")); err != nil {
		t.Fatalf("Handshake() error = %v", err)
	}
	if err := m.SendEvent(c, map[string]int{"n": 1}, "message"); err != nil {
		t.Fatalf("SendEvent() error = %v", err)
	}
	if err := m.SendEvent(c, map[string]int{"n": 2}, "message"); err != nil {
		t.Fatalf("SendEvent() error = %v", err)
	}

	out := mc.output()
	for _, want := range []string{"id: 1\n", "id: 2\n", "id: 3\n"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%q", want, out)
		}
	}
}

func TestNotifyDeliversToCurrentSubscriber(t *testing.T) {
	m := newTestSSEManager(0)
	c, mc := newMockConnection("c1")

	if ok := m.Notify("status", nil); ok {
		t.Error("Notify() = true with no subscriber")
	}

	if err := m.Handshake(c, sseRequestInfo(t, "")); err != nil {
		t.Fatalf("Handshake() error = %v", err)
	}
	if ok := m.Notify("status", map[string]string{"phase": "ready"}); !ok {
		t.Fatal("Notify() = false with active subscriber")
	}

	out := mc.output()
	if !strings.Contains(out, "event: notification\n") {
		t.Errorf("output missing notification event:\n%q", out)
	}
	if !strings.Contains(out, `"jsonrpc":"2.0"`) || !strings.Contains(out, `"method":"status"`) {
		t.Errorf("notification payload malformed:\n%q", out)
	}
}

func TestSecondSubscriberReplacesFirst(t *testing.T) {
	m := newTestSSEManager(0)
	c1, mc1 := newMockConnection("c1")
	c2, mc2 := newMockConnection("c2")

	if err := m.Handshake(c1, sseRequestInfo(t, "")); err != nil {
		t.Fatalf("first Handshake() error = %v", err)
	}
	if err := m.Handshake(c2, sseRequestInfo(t, "")); err != nil {
		t.Fatalf("second Handshake() error = %v", err)
	}

	// The old socket is not closed on replacement; its own read loop
	// reclaims it eventually.
	if mc1.isClosed() {
		t.Error("replaced subscriber socket was closed")
	}

	before1 := mc1.output()
	if !m.Notify("status", nil) {
		t.Fatal("Notify() = false")
	}
	if mc1.output() != before1 {
		t.Error("replaced subscriber still received a notification")
	}
	if !strings.Contains(mc2.output(), "event: notification\n") {
		t.Error("current subscriber did not receive the notification")
	}
}

func TestNotifyWriteFailureTearsDown(t *testing.T) {
	m := newTestSSEManager(0)
	c, mc := newMockConnection("c1")

	var removedMu sync.Mutex
	var removed []string
	m.remove = func(c *Connection, reason string) {
		removedMu.Lock()
		removed = append(removed, c.ID())
		removedMu.Unlock()
		m.connClosed(c)
	}

	if err := m.Handshake(c, sseRequestInfo(t, "")); err != nil {
		t.Fatalf("Handshake() error = %v", err)
	}

	mc.mu.Lock()
	mc.failAll = true
	mc.mu.Unlock()

	if ok := m.Notify("status", nil); ok {
		t.Error("Notify() = true on write failure")
	}

	removedMu.Lock()
	defer removedMu.Unlock()
	if len(removed) != 1 || removed[0] != "c1" {
		t.Errorf("removed = %v, want [c1]", removed)
	}
	if m.SessionID() != "" {
		t.Errorf("session id = %q after teardown, want empty", m.SessionID())
	}
}

func TestConnClosedKeepsEventCounter(t *testing.T) {
	m := newTestSSEManager(0)
	c1, _ := newMockConnection("c1")

	if err := m.Handshake(c1, sseRequestInfo(t, "")); err != nil {
		t.Fatalf("Handshake() error = %v", err)
	}
	if err := m.SendEvent(c1, "x", "message"); err != nil {
		t.Fatalf("SendEvent() error = %v", err)
	}

	m.connClosed(c1)
	if m.SessionID() != "" {
		t.Errorf("session id = %q after close, want empty", m.SessionID())
	}

	// A later session without a resume header continues the sequence, so
	// event ids issued before the disconnect stay unique.
	c2, mc2 := newMockConnection("c2")
	if err := m.Handshake(c2, sseRequestInfo(t, "")); err != nil {
		t.Fatalf("Handshake() error = %v", err)
	}
	if !strings.Contains(mc2.output(), "id: 3\n") {
		t.Errorf("new stream should continue sequence at 3, got %q", mc2.output())
	}
}

func TestHeartbeatDoesNotTouchEventCounter(t *testing.T) {
	m := newTestSSEManager(5 * time.Millisecond)
	c, mc := newMockConnection("c1")

	if err := m.Handshake(c, sseRequestInfo(t, "")); err != nil {
		t.Fatalf("Handshake() error = %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for !strings.Contains(mc.output(), ":\n\n") {
		if time.Now().After(deadline) {
			t.Fatal("no heartbeat observed")
		}
		time.Sleep(2 * time.Millisecond)
	}

	c.stopHeartbeat()
	time.Sleep(20 * time.Millisecond)

	// Only the endpoint event consumed an id.
	if err := m.SendEvent(c, "x", "message"); err != nil {
		t.Fatalf("SendEvent() error = %v", err)
	}
	if !strings.Contains(mc.output(), "id: 2\n") {
		t.Errorf("heartbeats must not consume event ids, got %q", mc.output())
	}
}
