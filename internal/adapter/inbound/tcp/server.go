// Package tcp implements the loopback front end: a byte-buffering TCP
// server that classifies each accepted connection into an application
// protocol and drives it through the matching state machine for its
// lifetime.
package tcp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loopgate/loopgate/internal/domain/audit"
	"github.com/loopgate/loopgate/internal/domain/rpc"
	"github.com/loopgate/loopgate/internal/domain/session"
	"github.com/loopgate/loopgate/internal/netkit"
)

// readBufferSize is the per-read chunk size of the connection reader.
const readBufferSize = 4096

// AuditSink receives transport audit records. Implementations must not
// block; the async audit pipeline satisfies this.
type AuditSink interface {
	Record(rec audit.Record)
}

// Server is the loopback transport: port negotiation, accept loop,
// per-connection buffering and routing, and the protocol handlers.
type Server struct {
	handlers     *rpc.Registry
	routeCfg     RouteConfig
	fixedPort    int
	minPort      int
	maxPort      int
	heartbeat    time.Duration
	capabilities interface{}
	wsCodec      FrameCodec
	logger       *slog.Logger
	promReg      prometheus.Registerer
	auditSink    AuditSink

	registry   *Registry
	sse        *SSEManager
	dispatcher *Dispatcher
	metrics    *Metrics

	mu       sync.Mutex
	listener net.Listener
	port     int

	ready chan struct{}
}

// Option is a functional option for configuring the Server.
type Option func(*Server)

// WithPort pins the listener to a fixed port instead of negotiating one.
func WithPort(port int) Option {
	return func(s *Server) { s.fixedPort = port }
}

// WithPortRange sets the range the port allocator scans.
// Default is [42000, 42999].
func WithPortRange(minPort, maxPort int) Option {
	return func(s *Server) {
		s.minPort = minPort
		s.maxPort = maxPort
	}
}

// WithSSEPath sets the stream endpoint. Default is "/mcp".
func WithSSEPath(path string) Option {
	return func(s *Server) { s.routeCfg.SSEPath = path }
}

// WithSSEEnabled toggles the SSE, JSON-RPC POST, and registration routes.
// Default is enabled.
func WithSSEEnabled(enabled bool) Option {
	return func(s *Server) { s.routeCfg.SSEEnabled = enabled }
}

// WithHeartbeatInterval sets the keepalive period for open streams.
// Zero disables heartbeats. Default is 30 seconds.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(s *Server) { s.heartbeat = d }
}

// WithCapabilities sets the capability object surfaced verbatim in
// registration responses.
func WithCapabilities(caps interface{}) Option {
	return func(s *Server) { s.capabilities = caps }
}

// WithFrameCodec installs the WebSocket collaborator. Without one,
// websocket-routed connections are answered 503 and closed.
func WithFrameCodec(codec FrameCodec) Option {
	return func(s *Server) { s.wsCodec = codec }
}

// WithLogger sets the logger for the transport.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithMetricsRegistry sets the Prometheus registry metrics register into.
func WithMetricsRegistry(reg prometheus.Registerer) Option {
	return func(s *Server) { s.promReg = reg }
}

// WithAuditSink installs the transport audit sink.
func WithAuditSink(sink AuditSink) Option {
	return func(s *Server) { s.auditSink = sink }
}

// NewServer creates the transport over the given handler table.
func NewServer(handlers *rpc.Registry, opts ...Option) *Server {
	s := &Server{
		handlers:  handlers,
		routeCfg:  RouteConfig{SSEEnabled: true, SSEPath: "/mcp"},
		minPort:   42000,
		maxPort:   42999,
		heartbeat: 30 * time.Second,
		logger:    slog.Default(),
		promReg:   prometheus.NewRegistry(),
		ready:     make(chan struct{}),
	}

	for _, opt := range opts {
		opt(s)
	}

	s.metrics = NewMetrics(s.promReg)
	s.registry = NewRegistry(s.logger, s.metrics)
	s.sse = NewSSEManager(session.NewState(), s.heartbeat, s.logger, s.metrics)
	s.sse.remove = s.registry.Remove
	s.dispatcher = NewDispatcher(s.handlers, s.sse, s.capabilities, s.logger, s.metrics)
	s.registry.setOnRemove(s.onConnRemoved)

	return s
}

// SSE exposes the session manager so the host process can push
// notifications to the current subscriber.
func (s *Server) SSE() *SSEManager { return s.sse }

// Metrics exposes the transport metrics.
func (s *Server) Metrics() *Metrics { return s.metrics }

// Port returns the bound port, or zero before the listener is up.
func (s *Server) Port() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.port
}

// Ready is closed once the listener is accepting connections.
func (s *Server) Ready() <-chan struct{} { return s.ready }

// Start negotiates a port, binds the loopback listener, and serves until
// the context is cancelled or the listener fails.
func (s *Server) Start(ctx context.Context) error {
	port := s.fixedPort
	if port == 0 {
		var err error
		port, err = netkit.FindFreePort(s.minPort, s.maxPort)
		if err != nil {
			return fmt.Errorf("allocate port: %w", err)
		}
	}

	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return fmt.Errorf("bind 127.0.0.1:%d: %w", port, err)
	}

	s.mu.Lock()
	s.listener = ln
	s.port = ln.Addr().(*net.TCPAddr).Port
	s.mu.Unlock()
	close(s.ready)

	s.logger.Info("transport listening", "addr", ln.Addr().String(), "sse_path", s.routeCfg.SSEPath)

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.acceptLoop(ln)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("context cancelled, shutting down transport")
		s.shutdown()
		<-errCh
		return nil
	case err := <-errCh:
		s.shutdown()
		return err
	}
}

// shutdown closes the listener and tears down every tracked connection.
func (s *Server) shutdown() {
	s.mu.Lock()
	ln := s.listener
	s.listener = nil
	s.mu.Unlock()

	if ln != nil {
		_ = ln.Close()
	}
	s.registry.CloseAll()
	s.logger.Info("transport shutdown complete")
}

// acceptLoop accepts sockets until the listener closes.
func (s *Server) acceptLoop(ln net.Listener) error {
	for {
		netConn, err := ln.Accept()
		if err != nil {
			if isClosedErr(err) {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}

		c := s.registry.Add(netConn)
		go s.readLoop(c)
	}
}

// isClosedErr reports whether err is the normal use-of-closed-listener
// error seen during shutdown.
func isClosedErr(err error) bool {
	return errors.Is(err, net.ErrClosed)
}

// readLoop services one connection: it appends each inbound chunk to the
// accumulation buffer and runs the routing/dispatch cycle. Bytes for a
// given connection are processed in arrival order by this goroutine only.
func (s *Server) readLoop(c *Connection) {
	buf := make([]byte, readBufferSize)
	for {
		n, err := c.conn.Read(buf)
		if n > 0 {
			c.buf = append(c.buf, buf[:n]...)
			s.processBuffer(c)
		}
		if err != nil {
			s.registry.Remove(c, "read: "+err.Error())
			return
		}
		if !c.alive() {
			return
		}
	}
}

// processBuffer runs one routing/dispatch cycle over the accumulated bytes
// of a connection. Called only from the connection's reader goroutine.
func (s *Server) processBuffer(c *Connection) {
	if !c.routed {
		info, ok := parseHTTPRequest(c.buf)
		if !ok {
			// Not even a full request line yet; keep buffering.
			return
		}

		route, path := determineRoute(info, s.routeCfg)
		c.setRoute(route)
		s.metrics.ConnectionsTotal.WithLabelValues(route.String()).Inc()
		s.logger.Debug("connection routed",
			"conn_id", c.ID(), "route", route.String(), "method", info.Method, "path", path)
		s.auditRoute(c, route, audit.OutcomeOK, info.Method+" "+path)

		switch route {
		case RouteCORSPreflight:
			_, _ = c.Write(buildPreflightResponse())
			s.registry.Remove(c, "preflight answered")

		case RouteUnknown:
			_, _ = c.Write(buildNotFoundResponse(path, s.routeCfg.SSEPath))
			s.registry.Remove(c, "unknown route")

		case RouteWebSocket:
			s.handleWebSocket(c)

		case RouteSSE:
			if err := s.sse.Handshake(c, info); err != nil {
				s.logger.Warn("sse handshake failed", "conn_id", c.ID(), "error", err)
				s.auditRoute(c, route, audit.OutcomeError, err.Error())
				s.registry.Remove(c, "sse handshake failed")
				return
			}
			// The request head is consumed; an SSE client sends nothing more.
			c.buf = nil

		case RouteJSONRPCPost, RouteRegistrationPost:
			s.tryDispatchPost(c)
		}
		return
	}

	// Already routed: keep feeding the long-lived owner.
	switch c.route {
	case RouteWebSocket:
		data := c.buf
		c.buf = nil
		if len(data) > 0 && s.wsCodec != nil {
			if err := s.wsCodec.ProcessBytes(c.ID(), data, c); err != nil {
				s.logger.Warn("websocket codec error", "conn_id", c.ID(), "error", err)
				s.registry.Remove(c, "websocket codec error")
			}
		}
	case RouteJSONRPCPost, RouteRegistrationPost:
		s.tryDispatchPost(c)
	default:
		// SSE and closed routes consume nothing further.
		c.buf = nil
	}
}

// handleWebSocket hands a websocket-routed connection to the installed
// codec, or answers 503 when none is configured.
func (s *Server) handleWebSocket(c *Connection) {
	if s.wsCodec == nil {
		body := []byte(`{"error":"WebSocket support not configured"}`)
		_, _ = c.Write(buildResponse(503, "application/json", body, ""))
		s.registry.Remove(c, "no websocket codec")
		return
	}

	head := c.buf
	c.buf = nil
	if err := s.wsCodec.Handshake(c.ID(), head, c); err != nil {
		s.logger.Warn("websocket handshake failed", "conn_id", c.ID(), "error", err)
		s.auditRoute(c, RouteWebSocket, audit.OutcomeError, err.Error())
		s.registry.Remove(c, "websocket handshake failed")
		return
	}
	c.setState(StateConnected)
}

// tryDispatchPost dispatches a POST once its body is complete; until then
// the buffer keeps accumulating. Pipelined bytes beyond the declared length
// stay buffered, but POST connections close after one response.
func (s *Server) tryDispatchPost(c *Connection) {
	complete, _, consumed := hasCompleteBody(c.buf)
	if !complete {
		return
	}

	rawReq := c.buf[:consumed]
	c.buf = c.buf[consumed:]

	var resp []byte
	if c.route == RouteRegistrationPost {
		resp = s.dispatcher.HandleRegister(rawReq)
	} else {
		resp = s.dispatcher.HandlePost(rawReq)
	}
	s.auditDispatch(c, rawReq, resp)

	if _, err := c.Write(resp); err != nil {
		s.logger.Warn("response write failed", "conn_id", c.ID(), "error", err)
	}
	s.registry.Remove(c, "response written")
}

// onConnRemoved is the registry removal hook: it releases the SSE singleton
// when its owner disconnects and tells the websocket codec to drop state.
func (s *Server) onConnRemoved(c *Connection) {
	s.sse.connClosed(c)
	if c.Route() == RouteWebSocket && s.wsCodec != nil {
		s.wsCodec.Closed(c.ID())
	}
}

// auditRoute records a routing event.
func (s *Server) auditRoute(c *Connection, route RouteKind, outcome, detail string) {
	if s.auditSink == nil {
		return
	}
	s.auditSink.Record(audit.Record{
		Timestamp: time.Now().UTC(),
		ConnID:    c.ID(),
		SessionID: c.Session(),
		Route:     route.String(),
		Outcome:   outcome,
		Detail:    detail,
	})
}

// auditDispatch records a JSON-RPC dispatch. The method name comes from the
// raw request body; the outcome from whether the response carries an error
// member.
func (s *Server) auditDispatch(c *Connection, rawReq, rawResp []byte) {
	if s.auditSink == nil {
		return
	}

	method := ""
	if _, body, _ := hasCompleteBody(rawReq); len(body) > 0 {
		var req struct {
			Method string `json:"method"`
		}
		if err := json.Unmarshal(body, &req); err == nil {
			method = req.Method
		}
	}

	s.auditSink.Record(audit.Record{
		Timestamp: time.Now().UTC(),
		ConnID:    c.ID(),
		SessionID: s.sse.SessionID(),
		Route:     c.route.String(),
		Method:    method,
		Outcome:   dispatchOutcome(rawResp),
	})
}

// dispatchOutcome classifies a serialized HTTP response: a JSON-RPC body
// with an error member, or a non-200 status line, counts as an error.
func dispatchOutcome(rawResp []byte) string {
	if !bytes.HasPrefix(rawResp, []byte("HTTP/1.1 200")) {
		return audit.OutcomeError
	}
	if i := bytes.Index(rawResp, headTerminator); i >= 0 {
		var env struct {
			Error json.RawMessage `json:"error"`
		}
		if err := json.Unmarshal(rawResp[i+len(headTerminator):], &env); err == nil && len(env.Error) > 0 {
			return audit.OutcomeError
		}
	}
	return audit.OutcomeOK
}
