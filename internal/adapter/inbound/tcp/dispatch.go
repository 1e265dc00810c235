package tcp

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/loopgate/loopgate/internal/domain/rpc"
	"github.com/loopgate/loopgate/internal/domain/session"
)

// Dispatcher parses complete HTTP POST requests into JSON-RPC envelopes and
// invokes registered handlers. It never lets a handler failure escape: a
// panicking method implementation produces an Internal error response, not
// a dead listener.
type Dispatcher struct {
	handlers     *rpc.Registry
	sse          *SSEManager
	capabilities interface{}
	logger       *slog.Logger
	metrics      *Metrics
}

// NewDispatcher creates a dispatcher over the given handler table.
// capabilities is surfaced verbatim in registration responses.
func NewDispatcher(handlers *rpc.Registry, sse *SSEManager, capabilities interface{}, logger *slog.Logger, metrics *Metrics) *Dispatcher {
	return &Dispatcher{
		handlers:     handlers,
		sse:          sse,
		capabilities: capabilities,
		logger:       logger,
		metrics:      metrics,
	}
}

// HandlePost processes a complete raw JSON-RPC POST request and returns the
// serialized HTTP response.
//
// The status-code asymmetry is deliberate and compatibility-critical:
// malformed HTTP (missing Content-Length, missing head terminator) is an
// HTTP 400, while malformed JSON-RPC content (invalid JSON, bad envelope,
// unknown method, handler failure) is an HTTP 200 carrying a JSON-RPC
// error object.
func (d *Dispatcher) HandlePost(raw []byte) []byte {
	sid := d.sse.SessionID()

	body, errResp := d.extractBody(raw)
	if errResp != nil {
		return buildJSONResponse(400, errResp, sid)
	}

	if !json.Valid(body) {
		return buildJSONResponse(200,
			rpc.NewErrorResponse(nil, rpc.CodeParseError, "Parse error", "Invalid JSON"), sid)
	}

	// The id is extracted independently of envelope validation so even an
	// invalid envelope echoes it back.
	id := extractRawID(body)

	var req rpc.Request
	if err := json.Unmarshal(body, &req); err != nil || req.JSONRPC != rpc.Version {
		return buildJSONResponse(200,
			rpc.NewErrorResponse(id, rpc.CodeInvalidRequest, "Invalid Request",
				`jsonrpc must be "2.0"`), sid)
	}

	handler, ok := d.handlers.Lookup(req.Method)
	if !ok {
		d.countRequest(req.Method, "error")
		return buildJSONResponse(200,
			rpc.NewErrorResponse(id, rpc.CodeMethodNotFound, "Method not found",
				"Unknown method: "+req.Method), sid)
	}

	resp := d.invoke(handler, &req, id)
	status := "ok"
	if resp.Error != nil {
		status = "error"
	}
	d.countRequest(req.Method, status)
	return buildJSONResponse(200, resp, sid)
}

// extractBody validates the HTTP framing of a raw request and returns the
// declared body. A non-nil response means a protocol error (HTTP 400).
func (d *Dispatcher) extractBody(raw []byte) ([]byte, *rpc.Response) {
	info, ok := parseHTTPRequest(raw)
	if !ok || info.Header("Content-Length") == "" {
		return nil, rpc.NewErrorResponse(nil, rpc.CodeParseError, "Parse error",
			"Missing Content-Length header")
	}

	if !bytes.Contains(raw, headTerminator) {
		return nil, rpc.NewErrorResponse(nil, rpc.CodeParseError, "Parse error",
			"Malformed HTTP request")
	}

	complete, body, _ := hasCompleteBody(raw)
	if !complete {
		// The registry only dispatches complete requests; reaching this
		// means the raw buffer was truncated in flight.
		return nil, rpc.NewErrorResponse(nil, rpc.CodeParseError, "Parse error",
			"Malformed HTTP request")
	}
	return body, nil
}

// invoke runs a handler with panic recovery at the dispatch boundary and
// wraps its outcome into a JSON-RPC response.
func (d *Dispatcher) invoke(handler rpc.Handler, req *rpc.Request, id json.RawMessage) (resp *rpc.Response) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("handler panicked", "method", req.Method, "panic", r)
			resp = rpc.NewErrorResponse(id, rpc.CodeInternalError, "Internal error",
				fmt.Sprint(r))
		}
	}()

	result, err := handler.Invoke(d.sse.Client(), req.Params)
	if err != nil {
		if errObj, ok := err.(*rpc.ErrorObject); ok {
			// Handlers may return a fully-formed error object; it is
			// passed through verbatim.
			return &rpc.Response{JSONRPC: rpc.Version, ID: normalizeRawID(id), Error: errObj}
		}
		return rpc.NewErrorResponse(id, rpc.CodeInternalError, "Internal error", err.Error())
	}

	if result != nil && result.Deferred {
		// This transport answers each POST synchronously; a handler that
		// wants to block and answer later cannot be served here.
		return rpc.NewErrorResponse(id, rpc.CodeBlockingUnsupported,
			"Blocking tools not supported over SSE",
			"Method "+req.Method+" requires a transport with deferred responses")
	}

	var value interface{}
	if result != nil {
		value = result.Value
	}
	wrapped, err := rpc.NewResponse(id, value)
	if err != nil {
		return rpc.NewErrorResponse(id, rpc.CodeInternalError, "Internal error", err.Error())
	}
	return wrapped
}

// HandleRegister processes a registration POST: same HTTP framing and JSON
// validity rules as HandlePost, then a result carrying the current (or a
// freshly generated) session id and the server's advertised capabilities.
// Declared client capabilities are not persisted.
func (d *Dispatcher) HandleRegister(raw []byte) []byte {
	sid := d.sse.SessionID()

	body, errResp := d.extractBody(raw)
	if errResp != nil {
		return buildJSONResponse(400, errResp, sid)
	}

	if !json.Valid(body) {
		return buildJSONResponse(200,
			rpc.NewErrorResponse(nil, rpc.CodeParseError, "Parse error", "Invalid JSON"), sid)
	}

	id := extractRawID(body)

	resultSID := sid
	if resultSID == "" {
		resultSID = session.GenerateSessionID()
	}

	result := map[string]interface{}{
		"sessionId":    resultSID,
		"capabilities": d.capabilities,
	}
	resp, err := rpc.NewResponse(id, result)
	if err != nil {
		resp = rpc.NewErrorResponse(id, rpc.CodeInternalError, "Internal error", err.Error())
	}
	return buildJSONResponse(200, resp, sid)
}

// countRequest records a dispatch outcome.
func (d *Dispatcher) countRequest(method, status string) {
	if d.metrics != nil {
		d.metrics.RPCRequestsTotal.WithLabelValues(method, status).Inc()
	}
}

// extractRawID pulls the raw id member out of a JSON-RPC body, preserving
// its original form (number, string, or null). Returns nil when absent.
func extractRawID(body []byte) json.RawMessage {
	var env struct {
		ID json.RawMessage `json:"id"`
	}
	if err := json.Unmarshal(body, &env); err != nil {
		return nil
	}
	return env.ID
}

// normalizeRawID maps an absent id to explicit null.
func normalizeRawID(id json.RawMessage) json.RawMessage {
	if len(id) == 0 {
		return json.RawMessage("null")
	}
	return id
}
