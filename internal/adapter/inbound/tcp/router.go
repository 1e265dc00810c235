package tcp

import (
	"bytes"
	"strconv"
	"strings"
)

// RouteKind classifies a connection by the protocol it carries. The
// classification happens once, from the first buffered bytes; after that a
// connection's route never changes.
type RouteKind int

const (
	// RouteUndetermined means not enough bytes have arrived yet.
	RouteUndetermined RouteKind = iota
	// RouteWebSocket is an HTTP request carrying Upgrade: websocket.
	RouteWebSocket
	// RouteCORSPreflight is an OPTIONS request on any path.
	RouteCORSPreflight
	// RouteSSE is a GET on the SSE path opening a long-lived stream.
	RouteSSE
	// RouteJSONRPCPost is a POST carrying a JSON-RPC envelope.
	RouteJSONRPCPost
	// RouteRegistrationPost is a POST to the registration endpoint.
	RouteRegistrationPost
	// RouteUnknown is anything else; answered with a 404 hint.
	RouteUnknown
)

// String returns the route name used in logs, metrics, and audit records.
func (r RouteKind) String() string {
	switch r {
	case RouteWebSocket:
		return "websocket"
	case RouteCORSPreflight:
		return "cors_preflight"
	case RouteSSE:
		return "sse"
	case RouteJSONRPCPost:
		return "json_rpc_post"
	case RouteRegistrationPost:
		return "registration_post"
	case RouteUnknown:
		return "unknown"
	default:
		return "undetermined"
	}
}

// RequestInfo is a parsed HTTP request head. Header keys are lowercased and
// values trimmed, so lookups are case-insensitive.
type RequestInfo struct {
	Method  string
	Path    string
	Version string
	Headers map[string]string
}

// Header returns the value for a header name (any case), or empty string.
func (r *RequestInfo) Header(name string) string {
	return r.Headers[strings.ToLower(name)]
}

// RouteConfig is the routing-relevant slice of server configuration.
type RouteConfig struct {
	// SSEEnabled gates the SSE, JSON-RPC POST, and registration routes.
	SSEEnabled bool
	// SSEPath is the configured stream endpoint (default /mcp). The
	// literal /sse alias is always accepted in addition.
	SSEPath string
}

// crlf and the header/body terminator of an HTTP/1.1 message.
var (
	crlf           = []byte("\r\n")
	headTerminator = []byte("\r\n\r\n")
)

// parseHTTPRequest extracts method, path, version, and headers from raw
// buffered bytes. It requires at least a complete request line; returning
// false is a soft failure meaning the caller should keep buffering. Header
// lines are parsed as far as they have arrived, so routing can happen
// before the head terminator is buffered.
func parseHTTPRequest(raw []byte) (*RequestInfo, bool) {
	lineEnd := bytes.Index(raw, crlf)
	if lineEnd < 0 {
		return nil, false
	}

	parts := strings.Fields(string(raw[:lineEnd]))
	if len(parts) != 3 {
		return nil, false
	}

	info := &RequestInfo{
		Method:  parts[0],
		Path:    parts[1],
		Version: parts[2],
		Headers: make(map[string]string),
	}

	rest := raw[lineEnd+len(crlf):]
	for {
		end := bytes.Index(rest, crlf)
		if end < 0 {
			// Possibly partial header line still in flight; stop here.
			break
		}
		line := rest[:end]
		rest = rest[end+len(crlf):]
		if len(line) == 0 {
			// Blank line: end of head.
			break
		}
		colon := bytes.IndexByte(line, ':')
		if colon < 0 {
			continue
		}
		key := strings.ToLower(strings.TrimSpace(string(line[:colon])))
		value := strings.TrimSpace(string(line[colon+1:]))
		info.Headers[key] = value
	}

	return info, true
}

// determineRoute classifies a parsed request head. First match wins; the
// order below is load-bearing (a websocket upgrade on the SSE path must
// still route to websocket, and OPTIONS wins regardless of path).
func determineRoute(info *RequestInfo, cfg RouteConfig) (RouteKind, string) {
	if strings.EqualFold(info.Header("Upgrade"), "websocket") {
		return RouteWebSocket, info.Path
	}

	if info.Method == "OPTIONS" {
		// Wildcard preflight acceptor: path does not matter.
		return RouteCORSPreflight, info.Path
	}

	if cfg.SSEEnabled {
		if info.Method == "GET" && (info.Path == cfg.SSEPath || info.Path == "/sse") {
			return RouteSSE, info.Path
		}
		if info.Method == "POST" {
			// Several aliases are accepted so a dedicated messages endpoint
			// or the stream endpoint itself can carry requests.
			switch info.Path {
			case "/messages", cfg.SSEPath, "/mcp":
				return RouteJSONRPCPost, info.Path
			case "/register":
				return RouteRegistrationPost, info.Path
			}
		}
	}

	return RouteUnknown, info.Path
}

// hasCompleteBody reports whether raw holds a full request. It requires the
// blank-line head terminator; without a Content-Length header the body is
// defined as empty and the request is complete as soon as the terminator is
// seen. With one, completion waits until the buffer holds at least the
// declared byte count, and body is truncated to exactly that count.
// consumed is the byte length of head plus body; trailing pipelined bytes
// beyond it stay in the connection buffer for the next cycle.
//
// Chunked transfer encoding is unsupported: such a request never completes
// and the connection idles until the peer gives up.
func hasCompleteBody(raw []byte) (complete bool, body []byte, consumed int) {
	headEnd := bytes.Index(raw, headTerminator)
	if headEnd < 0 {
		return false, nil, 0
	}
	bodyStart := headEnd + len(headTerminator)

	info, ok := parseHTTPRequest(raw[:bodyStart])
	if !ok {
		return false, nil, 0
	}

	if strings.Contains(strings.ToLower(info.Header("Transfer-Encoding")), "chunked") {
		return false, nil, 0
	}

	lengthStr := info.Header("Content-Length")
	if lengthStr == "" {
		return true, []byte{}, bodyStart
	}

	length, err := strconv.Atoi(lengthStr)
	if err != nil || length < 0 {
		// Unparseable declared length: treat as no body expected.
		return true, []byte{}, bodyStart
	}

	if len(raw)-bodyStart < length {
		return false, nil, 0
	}

	return true, raw[bodyStart : bodyStart+length], bodyStart + length
}
