// Package rpc provides JSON-RPC 2.0 envelope types and the handler table
// used to dispatch transport-level requests to registered business methods.
package rpc

import (
	"encoding/json"
	"fmt"
	"sync"
)

// Version is the only JSON-RPC protocol version this transport accepts.
const Version = "2.0"

// Canonical JSON-RPC 2.0 error codes used by the transport.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInternalError  = -32603
	// CodeBlockingUnsupported is returned when a handler asks to defer its
	// answer: the SSE transport answers each POST synchronously and cannot
	// park a request.
	CodeBlockingUnsupported = -32000
)

// Request is an incoming JSON-RPC 2.0 envelope.
// ID is kept raw so number, string, and absent ids round-trip untouched.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// IsNotification reports whether the request carries no id and therefore
// expects no response.
func (r *Request) IsNotification() bool {
	return len(r.ID) == 0
}

// Response is an outgoing JSON-RPC 2.0 envelope. Exactly one of Result and
// Error is set.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *ErrorObject    `json:"error,omitempty"`
}

// ErrorObject is the error member of a JSON-RPC 2.0 response.
type ErrorObject struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// Error implements the error interface so handlers can return an
// ErrorObject directly and have the dispatcher pass it through verbatim.
func (e *ErrorObject) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// NewResponse builds a success response echoing the given raw id.
// The result is marshalled here so handlers can return plain Go values.
func NewResponse(id json.RawMessage, result interface{}) (*Response, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("marshal result: %w", err)
	}
	return &Response{JSONRPC: Version, ID: normalizeID(id), Result: raw}, nil
}

// NewErrorResponse builds an error response echoing the given raw id.
func NewErrorResponse(id json.RawMessage, code int, message string, data interface{}) *Response {
	return &Response{
		JSONRPC: Version,
		ID:      normalizeID(id),
		Error:   &ErrorObject{Code: code, Message: message, Data: data},
	}
}

// normalizeID maps an absent id to explicit null so error responses for
// id-less requests still carry an id member, matching the wire behavior
// clients of this transport expect.
func normalizeID(id json.RawMessage) json.RawMessage {
	if len(id) == 0 {
		return json.RawMessage("null")
	}
	return id
}

// Client is the view of the current SSE subscriber a handler receives.
// Nil is a valid value: it means no stream is connected and the handler
// cannot push server-initiated events.
type Client interface {
	// SessionID returns the session identifier of the subscriber.
	SessionID() string

	// Notify pushes a notification event to the subscriber.
	// Returns false if the subscriber is gone or the write failed.
	Notify(method string, params interface{}) bool
}

// Result is what a handler produces on success.
type Result struct {
	// Value is marshalled into the JSON-RPC result member.
	Value interface{}

	// Deferred marks a handler that wants to answer asynchronously.
	// The SSE transport rejects deferred results with CodeBlockingUnsupported
	// instead of parking the request.
	Deferred bool
}

// Handler is one registered JSON-RPC method implementation.
// client may be nil when no SSE subscriber is connected.
type Handler interface {
	Invoke(client Client, params json.RawMessage) (*Result, error)
}

// HandlerFunc adapts a plain function to the Handler interface.
type HandlerFunc func(client Client, params json.RawMessage) (*Result, error)

// Invoke calls the underlying function.
func (f HandlerFunc) Invoke(client Client, params json.RawMessage) (*Result, error) {
	return f(client, params)
}

// Registry is the method table the business layer populates once at startup.
// Lookup is safe for concurrent use with registration.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry creates an empty handler registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register installs a handler for a method name, replacing any previous one.
func (r *Registry) Register(method string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[method] = h
}

// RegisterFunc installs a HandlerFunc for a method name.
func (r *Registry) RegisterFunc(method string, f HandlerFunc) {
	r.Register(method, f)
}

// Lookup returns the handler for a method name, or false if none is registered.
func (r *Registry) Lookup(method string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[method]
	return h, ok
}

// Methods returns the registered method names in no particular order.
func (r *Registry) Methods() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	return names
}
