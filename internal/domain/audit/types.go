// Package audit defines the transport audit record and the store interface
// it is persisted through. Interface owned by the domain; implementations
// live in adapters.
package audit

import "time"

// Outcome values recorded for transport events.
const (
	OutcomeOK    = "ok"
	OutcomeError = "error"
)

// Record is one audited transport event: a routed connection, a JSON-RPC
// dispatch, or an SSE lifecycle transition.
type Record struct {
	// Timestamp is when the event occurred (UTC).
	Timestamp time.Time `json:"ts"`

	// ConnID identifies the connection the event belongs to.
	ConnID string `json:"conn_id"`

	// SessionID is the SSE session id active at the time, if any.
	SessionID string `json:"session_id,omitempty"`

	// Route is the classified route of the connection (sse, json_rpc_post, ...).
	Route string `json:"route"`

	// Method is the JSON-RPC method for dispatch events, empty otherwise.
	Method string `json:"method,omitempty"`

	// Outcome is "ok" or "error".
	Outcome string `json:"outcome"`

	// Detail carries a short human-readable note (error message, event type).
	Detail string `json:"detail,omitempty"`
}
