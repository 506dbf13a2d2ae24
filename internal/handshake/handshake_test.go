package handshake_test

import (
	"errors"
	"net/http"
	"strings"
	"testing"

	"github.com/wspush/wspush/internal/handshake"
)

func rawRequest(path string, headers ...string) []byte {
	var sb strings.Builder
	sb.WriteString("GET " + path + " HTTP/1.1\r\n")
	sb.WriteString("Host: localhost:8000\r\n")
	for _, h := range headers {
		sb.WriteString(h + "\r\n")
	}
	sb.WriteString("\r\n")
	return []byte(sb.String())
}

func TestAcceptKeyRFCExample(t *testing.T) {
	got := handshake.AcceptKey("dGhlIHNhbXBsZSBub25jZQ==")
	if got != "s3pPLMBiTxaQ9kYGzzhZRbK+xOo=" {
		t.Fatalf("AcceptKey = %q", got)
	}
}

func TestUpgradeSuccess(t *testing.T) {
	req, err := handshake.Parse(rawRequest("/chat",
		"Upgrade: websocket",
		"Connection: Upgrade",
		"Sec-WebSocket-Key: dGhlIHNhbXBsZSBub25jZQ==",
		"Sec-WebSocket-Version: 13",
	))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if req.Path != "/chat" {
		t.Fatalf("Path = %q", req.Path)
	}
	if req.Header("SEC-WEBSOCKET-VERSION") != "13" {
		t.Fatalf("header lookup is case sensitive")
	}

	resp, err := handshake.Upgrade(req, nil)
	if err != nil {
		t.Fatalf("Upgrade: %v", err)
	}
	s := string(resp)
	for _, want := range []string{
		"HTTP/1.1 101 Switching Protocols\r\n",
		"Upgrade: websocket\r\n",
		"Connection: Upgrade\r\n",
		"Sec-WebSocket-Accept: s3pPLMBiTxaQ9kYGzzhZRbK+xOo=\r\n",
	} {
		if !strings.Contains(s, want) {
			t.Errorf("response missing %q:\n%s", want, s)
		}
	}
	if strings.Contains(s, "Sec-WebSocket-Protocol") {
		t.Errorf("unexpected protocol header:\n%s", s)
	}
	if !strings.HasSuffix(s, "\r\n\r\n") {
		t.Errorf("response not terminated")
	}
}

func TestUpgradeEchoesPathAsProtocol(t *testing.T) {
	req, _ := handshake.Parse(rawRequest("/notifications",
		"Sec-WebSocket-Key: abcdefghijklmnop",
		"Sec-WebSocket-Version: 13",
		"Sec-WebSocket-Protocol: notifications",
	))
	resp, err := handshake.Upgrade(req, nil)
	if err != nil {
		t.Fatalf("Upgrade: %v", err)
	}
	if !strings.Contains(string(resp), "Sec-WebSocket-Protocol: notifications\r\n") {
		t.Fatalf("protocol not echoed:\n%s", resp)
	}
}

func TestUpgradeFailures(t *testing.T) {
	origins := handshake.NewOriginPolicy(true, []string{"https://www.example.com/app"})

	tests := []struct {
		name    string
		headers []string
		status  int
		err     error
	}{
		{
			name:    "missing version",
			headers: []string{"Sec-WebSocket-Key: k"},
			status:  http.StatusNotImplemented,
			err:     handshake.ErrUnsupportedVersion,
		},
		{
			name:    "old version",
			headers: []string{"Sec-WebSocket-Key: k", "Sec-WebSocket-Version: 5"},
			status:  http.StatusNotImplemented,
			err:     handshake.ErrUnsupportedVersion,
		},
		{
			name:    "missing origin",
			headers: []string{"Sec-WebSocket-Key: k", "Sec-WebSocket-Version: 13"},
			status:  http.StatusUnauthorized,
			err:     handshake.ErrMissingOrigin,
		},
		{
			name:    "disallowed origin",
			headers: []string{"Sec-WebSocket-Key: k", "Sec-WebSocket-Version: 13", "Origin: http://evil.test"},
			status:  http.StatusUnauthorized,
			err:     handshake.ErrOriginNotAllowed,
		},
		{
			name:    "missing key",
			headers: []string{"Sec-WebSocket-Version: 13", "Origin: http://example.com"},
			status:  http.StatusBadRequest,
			err:     handshake.ErrMissingKey,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := handshake.Parse(rawRequest("/", tt.headers...))
			if err != nil {
				t.Fatalf("Parse: %v", err)
			}
			_, err = handshake.Upgrade(req, origins)
			var herr *handshake.Error
			if !errors.As(err, &herr) {
				t.Fatalf("err = %v, want *handshake.Error", err)
			}
			if herr.Status != tt.status {
				t.Errorf("status = %d, want %d", herr.Status, tt.status)
			}
			if !errors.Is(err, tt.err) {
				t.Errorf("err = %v, want %v", err, tt.err)
			}
		})
	}
}

func TestUpgradeLegacyOriginHeader(t *testing.T) {
	origins := handshake.NewOriginPolicy(true, []string{"example.com"})
	req, _ := handshake.Parse(rawRequest("/",
		"Sec-WebSocket-Key: k",
		"Sec-WebSocket-Version: 8",
		"Sec-WebSocket-Origin: HTTPS://WWW.Example.com",
	))
	if _, err := handshake.Upgrade(req, origins); err != nil {
		t.Fatalf("Upgrade: %v", err)
	}
}

func TestParseRejectsBadRequestLine(t *testing.T) {
	for _, line := range []string{
		"POST / HTTP/1.1",
		"GET / HTTP/1.0",
		"GET  HTTP/1.1",
		"garbage",
	} {
		_, err := handshake.Parse([]byte(line + "\r\n\r\n"))
		var herr *handshake.Error
		if !errors.As(err, &herr) || herr.Status != http.StatusBadRequest {
			t.Errorf("%q: err = %v, want 400", line, err)
		}
	}
}

func TestComplete(t *testing.T) {
	full := rawRequest("/", "Sec-WebSocket-Version: 13")
	if ok, err := handshake.Complete(full[:len(full)-2]); ok || err != nil {
		t.Fatalf("partial request: ok=%v err=%v", ok, err)
	}
	if ok, err := handshake.Complete(full); !ok || err != nil {
		t.Fatalf("full request: ok=%v err=%v", ok, err)
	}
	huge := make([]byte, handshake.MaxRequestSize+1)
	if _, err := handshake.Complete(huge); !errors.Is(err, handshake.ErrRequestTooLarge) {
		t.Fatalf("huge request: err = %v", err)
	}
}

func TestCompleteTerminatedButOversized(t *testing.T) {
	padded := rawRequest("/", "X-Pad: "+strings.Repeat("a", handshake.MaxRequestSize))
	if ok, err := handshake.Complete(padded); ok || !errors.Is(err, handshake.ErrRequestTooLarge) {
		t.Fatalf("padded request: ok=%v err=%v", ok, err)
	}

	// Frame bytes after the headers do not count toward the limit.
	full := rawRequest("/", "Sec-WebSocket-Version: 13")
	withFrames := append(full, make([]byte, handshake.MaxRequestSize)...)
	if ok, err := handshake.Complete(withFrames); !ok || err != nil {
		t.Fatalf("request with trailing frames: ok=%v err=%v", ok, err)
	}
}

func TestErrorResponse(t *testing.T) {
	if got := string(handshake.ErrorResponse(http.StatusUnauthorized)); got != "HTTP/1.1 401 Unauthorized\r\nConnection: close\r\n\r\n" {
		t.Fatalf("ErrorResponse(401) = %q", got)
	}
	if got := string(handshake.ErrorResponse(999)); !strings.HasPrefix(got, "HTTP/1.1 400 Bad Request") {
		t.Fatalf("ErrorResponse(999) = %q", got)
	}
}

func TestNormalizeOrigin(t *testing.T) {
	tests := map[string]string{
		"http://example.com":           "example.com",
		"https://www.Example.COM/path": "example.com",
		"www.example.com":              "example.com",
		"https://app.example.com:8443": "app.example.com:8443",
		"":                             "",
	}
	for in, want := range tests {
		if got := handshake.NormalizeOrigin(in); got != want {
			t.Errorf("NormalizeOrigin(%q) = %q, want %q", in, got, want)
		}
	}

	disabled := handshake.NewOriginPolicy(false, nil)
	if !disabled.Allowed("http://anything") {
		t.Error("disabled policy rejected an origin")
	}
}
