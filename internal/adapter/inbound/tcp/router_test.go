package tcp

import (
	"strings"
	"testing"
)

func defaultRouteConfig() RouteConfig {
	return RouteConfig{SSEEnabled: true, SSEPath: "/mcp"}
}

func TestParseHTTPRequest(t *testing.T) {
	raw := []byte("GET /mcp HTTP/1.1\r\nHost: 127.0.0.1\r\nAccept: text/event-stream\r\n\r\n")

	info, ok := parseHTTPRequest(raw)
	if !ok {
		t.Fatal("parseHTTPRequest() returned ok = false")
	}
	if info.Method != "GET" || info.Path != "/mcp" || info.Version != "HTTP/1.1" {
		t.Errorf("request line = %s %s %s", info.Method, info.Path, info.Version)
	}
	if got := info.Header("accept"); got != "text/event-stream" {
		t.Errorf("Header(accept) = %q", got)
	}
	if got := info.Header("ACCEPT"); got != "text/event-stream" {
		t.Errorf("Header(ACCEPT) = %q, lookup should be case-insensitive", got)
	}
}

func TestParseHTTPRequestIncompleteLine(t *testing.T) {
	if _, ok := parseHTTPRequest([]byte("GET /mcp HT")); ok {
		t.Error("parseHTTPRequest() ok = true for partial request line")
	}
	if _, ok := parseHTTPRequest([]byte("GARBAGE\r\n")); ok {
		t.Error("parseHTTPRequest() ok = true for malformed request line")
	}
}

func TestParseHTTPRequestPartialHeaders(t *testing.T) {
	// A complete request line with a header still in flight must still
	// parse, so routing can happen before the full head arrives.
	raw := []byte("GET /mcp HTTP/1.1\r\nHost: 127.0.0.1\r\nUpgra")

	info, ok := parseHTTPRequest(raw)
	if !ok {
		t.Fatal("parseHTTPRequest() returned ok = false")
	}
	if got := info.Header("host"); got != "127.0.0.1" {
		t.Errorf("Header(host) = %q", got)
	}
	if got := info.Header("upgra"); got != "" {
		t.Errorf("partial header line should not be parsed, got %q", got)
	}
}

func TestDetermineRoute(t *testing.T) {
	tests := []struct {
		name    string
		request string
		want    RouteKind
	}{
		{
			name:    "websocket upgrade",
			request: "GET /ws HTTP/1.1\r\nUpgrade: websocket\r\n\r\n",
			want:    RouteWebSocket,
		},
		{
			name:    "websocket upgrade wins over sse path",
			request: "GET /mcp HTTP/1.1\r\nUpgrade: WebSocket\r\n\r\n",
			want:    RouteWebSocket,
		},
		{
			name:    "options any path",
			request: "OPTIONS /whatever HTTP/1.1\r\n\r\n",
			want:    RouteCORSPreflight,
		},
		{
			name:    "get sse path",
			request: "GET /mcp HTTP/1.1\r\nAccept: text/event-stream\r\n\r\n",
			want:    RouteSSE,
		},
		{
			name:    "get sse alias",
			request: "GET /sse HTTP/1.1\r\n\r\n",
			want:    RouteSSE,
		},
		{
			name:    "post messages",
			request: "POST /messages HTTP/1.1\r\nContent-Length: 2\r\n\r\n{}",
			want:    RouteJSONRPCPost,
		},
		{
			name:    "post sse path",
			request: "POST /mcp HTTP/1.1\r\nContent-Length: 2\r\n\r\n{}",
			want:    RouteJSONRPCPost,
		},
		{
			name:    "post register",
			request: "POST /register HTTP/1.1\r\nContent-Length: 2\r\n\r\n{}",
			want:    RouteRegistrationPost,
		},
		{
			name:    "get unknown path",
			request: "GET /nope HTTP/1.1\r\n\r\n",
			want:    RouteUnknown,
		},
		{
			name:    "delete is unknown",
			request: "DELETE /mcp HTTP/1.1\r\n\r\n",
			want:    RouteUnknown,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			info, ok := parseHTTPRequest([]byte(tt.request))
			if !ok {
				t.Fatal("parseHTTPRequest() returned ok = false")
			}
			got, _ := determineRoute(info, defaultRouteConfig())
			if got != tt.want {
				t.Errorf("determineRoute() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestDetermineRouteSSEDisabled(t *testing.T) {
	cfg := RouteConfig{SSEEnabled: false, SSEPath: "/mcp"}

	for _, request := range []string{
		"GET /mcp HTTP/1.1\r\n\r\n",
		"POST /messages HTTP/1.1\r\nContent-Length: 2\r\n\r\n{}",
		"POST /register HTTP/1.1\r\nContent-Length: 2\r\n\r\n{}",
	} {
		info, ok := parseHTTPRequest([]byte(request))
		if !ok {
			t.Fatal("parseHTTPRequest() returned ok = false")
		}
		if got, _ := determineRoute(info, cfg); got != RouteUnknown {
			t.Errorf("determineRoute(%q) with SSE disabled = %s, want unknown",
				strings.SplitN(request, "\r\n", 2)[0], got)
		}
	}

	// Preflight and websocket are unaffected by the SSE toggle.
	info, _ := parseHTTPRequest([]byte("OPTIONS /mcp HTTP/1.1\r\n\r\n"))
	if got, _ := determineRoute(info, cfg); got != RouteCORSPreflight {
		t.Errorf("OPTIONS with SSE disabled = %s, want cors_preflight", got)
	}
}

func TestDetermineRouteCustomSSEPath(t *testing.T) {
	cfg := RouteConfig{SSEEnabled: true, SSEPath: "/events"}

	info, _ := parseHTTPRequest([]byte("GET /events HTTP/1.1\r\n\r\n"))
	if got, _ := determineRoute(info, cfg); got != RouteSSE {
		t.Errorf("GET custom path = %s, want sse", got)
	}

	// The /sse alias stays valid alongside the custom path.
	info, _ = parseHTTPRequest([]byte("GET /sse HTTP/1.1\r\n\r\n"))
	if got, _ := determineRoute(info, cfg); got != RouteSSE {
		t.Errorf("GET /sse alias = %s, want sse", got)
	}

	info, _ = parseHTTPRequest([]byte("GET /mcp HTTP/1.1\r\n\r\n"))
	if got, _ := determineRoute(info, cfg); got != RouteUnknown {
		t.Errorf("GET /mcp with custom path = %s, want unknown", got)
	}
}

func TestHasCompleteBody(t *testing.T) {
	tests := []struct {
		name         string
		raw          string
		wantComplete bool
		wantBody     string
		wantConsumed int
	}{
		{
			name:         "no head terminator",
			raw:          "POST /messages HTTP/1.1\r\nContent-Length: 2\r\n",
			wantComplete: false,
		},
		{
			name:         "complete with body",
			raw:          "POST /messages HTTP/1.1\r\nContent-Length: 2\r\n\r\n{}",
			wantComplete: true,
			wantBody:     "{}",
			wantConsumed: 48,
		},
		{
			name:         "body still arriving",
			raw:          "POST /messages HTTP/1.1\r\nContent-Length: 10\r\n\r\n{}",
			wantComplete: false,
		},
		{
			name:         "no content length means empty body",
			raw:          "POST /messages HTTP/1.1\r\nHost: x\r\n\r\nleftover",
			wantComplete: true,
			wantBody:     "",
			wantConsumed: 36,
		},
		{
			name:         "unparseable content length treated as empty",
			raw:          "POST /messages HTTP/1.1\r\nContent-Length: abc\r\n\r\n{}",
			wantComplete: true,
			wantBody:     "",
			wantConsumed: 48,
		},
		{
			name:         "chunked never completes",
			raw:          "POST /messages HTTP/1.1\r\nTransfer-Encoding: chunked\r\n\r\n2\r\n{}\r\n0\r\n\r\n",
			wantComplete: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			complete, body, consumed := hasCompleteBody([]byte(tt.raw))
			if complete != tt.wantComplete {
				t.Fatalf("complete = %v, want %v", complete, tt.wantComplete)
			}
			if !complete {
				return
			}
			if string(body) != tt.wantBody {
				t.Errorf("body = %q, want %q", body, tt.wantBody)
			}
			if consumed != tt.wantConsumed {
				t.Errorf("consumed = %d, want %d", consumed, tt.wantConsumed)
			}
		})
	}
}

func TestHasCompleteBodyTruncatesToDeclaredLength(t *testing.T) {
	// Pipelined bytes beyond Content-Length stay in the buffer.
	raw := []byte("POST /messages HTTP/1.1\r\nContent-Length: 2\r\n\r\n{}EXTRA")

	complete, body, consumed := hasCompleteBody(raw)
	if !complete {
		t.Fatal("complete = false")
	}
	if string(body) != "{}" {
		t.Errorf("body = %q, want {}", body)
	}
	if rest := string(raw[consumed:]); rest != "EXTRA" {
		t.Errorf("remaining bytes = %q, want EXTRA", rest)
	}
}
