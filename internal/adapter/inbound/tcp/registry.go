package tcp

import (
	"io"
	"log/slog"
	"net"
	"sync"

	"github.com/google/uuid"
)

// ConnState tracks the lifecycle of one accepted socket.
type ConnState int

const (
	// StateAccepted means the socket is tracked but not yet classified.
	StateAccepted ConnState = iota
	// StateRouted means the route is determined and dispatch has begun.
	StateRouted
	// StateConnected means a long-lived handler (SSE, websocket) owns it.
	StateConnected
	// StateClosing means teardown is in progress.
	StateClosing
	// StateClosed means the socket is closed and the registry forgot it.
	StateClosed
)

// Connection is one accepted socket with its routing and session state.
// The registry owns the raw socket exclusively until it is closed.
type Connection struct {
	id   string
	conn net.Conn

	mu      sync.Mutex
	buf     []byte
	routed  bool
	route   RouteKind
	state   ConnState
	session string

	writeMu sync.Mutex

	// heartbeat stop channel, owned by the connection while SSE and alive.
	hbOnce sync.Once
	hbStop chan struct{}

	closeOnce sync.Once
}

// ID returns the opaque connection identifier.
func (c *Connection) ID() string { return c.id }

// Route returns the classified route, RouteUndetermined before routing.
func (c *Connection) Route() RouteKind {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.route
}

// State returns the current lifecycle state.
func (c *Connection) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Session returns the SSE session id bound to this connection, if any.
func (c *Connection) Session() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// setRoute records the classification result. Held under c.mu because
// Route() is read from removal hooks on other goroutines.
func (c *Connection) setRoute(route RouteKind) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.routed = true
	c.route = route
	c.state = StateRouted
}

// setSession binds a session id to the connection.
func (c *Connection) setSession(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.session = id
}

// setState transitions the lifecycle state.
func (c *Connection) setState(s ConnState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = s
}

// alive reports whether the connection has not begun teardown. Timer
// callbacks must check this before writing.
func (c *Connection) alive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state != StateClosing && c.state != StateClosed
}

// Write serializes raw bytes onto the socket, satisfying io.Writer so the
// connection can be handed to collaborators like the websocket codec.
// Writes from the reader goroutine, the heartbeat timer, and Notify callers
// are mutually excluded.
func (c *Connection) Write(p []byte) (int, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.Write(p)
}

// The websocket codec writes reply frames through the connection directly.
var _ io.Writer = (*Connection)(nil)

// stopHeartbeat stops the heartbeat timer if one is running. Idempotent;
// must happen before the connection's last reference is dropped so the
// timer cannot fire on a closed socket.
func (c *Connection) stopHeartbeat() {
	c.hbOnce.Do(func() {
		if c.hbStop != nil {
			close(c.hbStop)
		}
	})
}

// Registry tracks every accepted socket and owns its lifecycle: creation,
// removal, and forced close.
type Registry struct {
	mu     sync.Mutex
	conns  map[string]*Connection
	logger *slog.Logger

	metrics *Metrics

	// onRemove is invoked exactly once per connection after it leaves the
	// registry; the SSE manager uses it to clear a dead subscriber.
	onRemove func(*Connection)
}

// NewRegistry creates an empty connection registry.
func NewRegistry(logger *slog.Logger, metrics *Metrics) *Registry {
	return &Registry{
		conns:   make(map[string]*Connection),
		logger:  logger,
		metrics: metrics,
	}
}

// setOnRemove installs the removal hook. Must be called before Add.
func (r *Registry) setOnRemove(fn func(*Connection)) {
	r.onRemove = fn
}

// Add tracks a freshly accepted socket.
func (r *Registry) Add(netConn net.Conn) *Connection {
	c := &Connection{
		id:     uuid.NewString(),
		conn:   netConn,
		state:  StateAccepted,
		hbStop: make(chan struct{}),
	}

	r.mu.Lock()
	r.conns[c.id] = c
	r.mu.Unlock()

	if r.metrics != nil {
		r.metrics.ActiveConnections.Inc()
	}
	r.logger.Debug("connection accepted", "conn_id", c.id, "remote", netConn.RemoteAddr())
	return c
}

// Remove tears a connection down: clears registry membership, stops any
// heartbeat timer, and closes the socket. Idempotent and safe to call from
// any goroutine; only the first call does work.
func (r *Registry) Remove(c *Connection, reason string) {
	r.mu.Lock()
	_, present := r.conns[c.id]
	delete(r.conns, c.id)
	r.mu.Unlock()

	if !present {
		return
	}

	c.setState(StateClosing)
	c.stopHeartbeat()
	c.closeOnce.Do(func() {
		_ = c.conn.Close()
	})
	c.setState(StateClosed)

	if r.metrics != nil {
		r.metrics.ActiveConnections.Dec()
	}
	r.logger.Debug("connection removed", "conn_id", c.id, "reason", reason)

	if r.onRemove != nil {
		r.onRemove(c)
	}
}

// Get returns a tracked connection by id.
func (r *Registry) Get(id string) (*Connection, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[id]
	return c, ok
}

// Len returns the number of tracked connections.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// CloseAll removes every tracked connection. Used during shutdown.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	conns := make([]*Connection, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	r.mu.Unlock()

	for _, c := range conns {
		r.Remove(c, "shutdown")
	}
}
