package tcp

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Header names this transport consumes and produces. Lookup constants are
// lowercase because RequestInfo normalizes keys.
const (
	// SessionIDHeader identifies the SSE session on requests and responses.
	SessionIDHeader = "Mcp-Session-Id"
	// LastEventIDHeader carries the resume point on SSE reconnects.
	LastEventIDHeader = "Last-Event-ID"

	headerSessionID   = "mcp-session-id"
	headerLastEventID = "last-event-id"
)

// corsAllowHeaders is the full allow-list advertised on every response.
const corsAllowHeaders = "Content-Type, Accept, Authorization, Mcp-Session-Id, Last-Event-ID"

// statusText maps the handful of status codes this transport renders.
var statusText = map[int]string{
	200: "OK",
	400: "Bad Request",
	404: "Not Found",
	405: "Method Not Allowed",
	503: "Service Unavailable",
}

// buildResponse renders a complete HTTP/1.1 response with the standard CORS
// header set, Content-Length framing, and Connection: close. sessionID is
// attached as Mcp-Session-Id when non-empty.
func buildResponse(status int, contentType string, body []byte, sessionID string) []byte {
	text, ok := statusText[status]
	if !ok {
		text = "OK"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "HTTP/1.1 %d %s\r\n", status, text)
	if contentType != "" {
		fmt.Fprintf(&b, "Content-Type: %s\r\n", contentType)
	}
	fmt.Fprintf(&b, "Content-Length: %d\r\n", len(body))
	writeCORSHeaders(&b)
	if sessionID != "" {
		fmt.Fprintf(&b, "%s: %s\r\n", SessionIDHeader, sessionID)
	}
	b.WriteString("Connection: close\r\n\r\n")
	b.Write(body)
	return []byte(b.String())
}

// buildJSONResponse marshals v and renders it as an application/json response.
func buildJSONResponse(status int, v interface{}, sessionID string) []byte {
	body, err := json.Marshal(v)
	if err != nil {
		// Marshal of transport-owned types cannot fail in practice; keep
		// the connection protocol-correct anyway.
		body = []byte(`{"jsonrpc":"2.0","id":null,"error":{"code":-32603,"message":"Internal error"}}`)
		status = 200
	}
	return buildResponse(status, "application/json", body, sessionID)
}

// buildPreflightResponse renders the wildcard CORS preflight acceptance.
func buildPreflightResponse() []byte {
	var b strings.Builder
	b.WriteString("HTTP/1.1 200 OK\r\n")
	b.WriteString("Content-Length: 0\r\n")
	writeCORSHeaders(&b)
	b.WriteString("Access-Control-Max-Age: 86400\r\n")
	b.WriteString("Connection: close\r\n\r\n")
	return []byte(b.String())
}

// buildSSEHead renders the stream response head: the status line and
// headers of a response whose body is the unbounded event stream.
func buildSSEHead(sessionID string) []byte {
	var b strings.Builder
	b.WriteString("HTTP/1.1 200 OK\r\n")
	b.WriteString("Content-Type: text/event-stream\r\n")
	b.WriteString("Cache-Control: no-cache\r\n")
	b.WriteString("Connection: keep-alive\r\n")
	writeCORSHeaders(&b)
	if sessionID != "" {
		fmt.Fprintf(&b, "%s: %s\r\n", SessionIDHeader, sessionID)
	}
	b.WriteString("\r\n")
	return []byte(b.String())
}

// buildNotFoundResponse renders a 404 with a hint listing the endpoints the
// server actually serves.
func buildNotFoundResponse(path, ssePath string) []byte {
	hint := map[string]interface{}{
		"error": "Not found",
		"path":  path,
		"endpoints": []string{
			"GET " + ssePath,
			"GET /sse",
			"POST /messages",
			"POST " + ssePath,
			"POST /register",
		},
	}
	return buildJSONResponse(404, hint, "")
}

// writeCORSHeaders appends the standard CORS allow set.
func writeCORSHeaders(b *strings.Builder) {
	b.WriteString("Access-Control-Allow-Origin: *\r\n")
	b.WriteString("Access-Control-Allow-Methods: GET, POST, OPTIONS\r\n")
	b.WriteString("Access-Control-Allow-Headers: " + corsAllowHeaders + "\r\n")
}
