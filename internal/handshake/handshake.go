// Package handshake parses the HTTP upgrade request of a raw TCP client and
// produces the RFC 6455 opening response or the HTTP error that ends the
// connection.
package handshake

import (
	"bytes"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"
)

// WebSocket GUID as defined in RFC 6455.
const webSocketGUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

// MaxRequestSize bounds the buffered upgrade request.
const MaxRequestSize = 8 << 10

// MinVersion is the lowest Sec-WebSocket-Version accepted (hybi-06).
const MinVersion = 6

// Errors returned inside an *Error by Complete, Parse and Upgrade.
var (
	// ErrRequestLine reports a request line other than "GET <path> HTTP/1.1".
	ErrRequestLine = errors.New("invalid request line")
	// ErrRequestTooLarge reports headers longer than MaxRequestSize.
	ErrRequestTooLarge = errors.New("upgrade request too large")
	// ErrUnsupportedVersion reports a missing or pre-hybi-06 version.
	ErrUnsupportedVersion = errors.New("unsupported websocket version")
	// ErrMissingKey reports an absent Sec-WebSocket-Key.
	ErrMissingKey = errors.New("missing Sec-WebSocket-Key header")
	// ErrMissingOrigin reports a request without an origin when origins are restricted.
	ErrMissingOrigin = errors.New("no origin provided")
	// ErrOriginNotAllowed reports an origin outside the allow list.
	ErrOriginNotAllowed = errors.New("origin not allowed")
)

var (
	requestLineRe = regexp.MustCompile(`\AGET (\S+) HTTP/1\.1\z`)
	headerRe      = regexp.MustCompile(`\A(\S+): (.*)\z`)
	terminator    = []byte("\r\n\r\n")
)

// Error is a failed handshake together with the HTTP status to answer with.
type Error struct {
	Status int
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("handshake %d: %v", e.Status, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Request is a parsed upgrade request. Header names are lower-cased.
type Request struct {
	Path    string
	Headers map[string]string
}

// Header returns the value of the named header, matched case-insensitively.
func (r *Request) Header(name string) string {
	return r.Headers[strings.ToLower(name)]
}

// Complete reports whether buf holds the end of the request headers. It
// returns an *Error when the headers span more than MaxRequestSize bytes,
// whether or not they are terminated yet.
func Complete(buf []byte) (bool, error) {
	end := bytes.Index(buf, terminator)
	if end >= 0 {
		end += len(terminator)
	}
	if (end < 0 && len(buf) > MaxRequestSize) || end > MaxRequestSize {
		return false, &Error{Status: http.StatusBadRequest, Err: ErrRequestTooLarge}
	}
	return end >= 0, nil
}

// Parse splits a raw CRLF-delimited request into its path and headers.
func Parse(raw []byte) (*Request, error) {
	head := raw
	if idx := bytes.Index(raw, terminator); idx >= 0 {
		head = raw[:idx]
	}
	lines := strings.Split(string(head), "\r\n")

	m := requestLineRe.FindStringSubmatch(lines[0])
	if m == nil {
		return nil, &Error{Status: http.StatusBadRequest, Err: fmt.Errorf("%w: %q", ErrRequestLine, lines[0])}
	}

	req := &Request{Path: m[1], Headers: make(map[string]string, len(lines)-1)}
	for _, line := range lines[1:] {
		hm := headerRe.FindStringSubmatch(strings.TrimRight(line, " \t"))
		if hm == nil {
			continue
		}
		req.Headers[strings.ToLower(hm[1])] = hm[2]
	}
	return req, nil
}

// Upgrade validates req against the version and origin rules and returns the
// 101 response to write. Errors are always *Error.
func Upgrade(req *Request, origins *OriginPolicy) ([]byte, error) {
	version, err := strconv.Atoi(strings.TrimSpace(req.Header("Sec-WebSocket-Version")))
	if err != nil || version < MinVersion {
		return nil, &Error{Status: http.StatusNotImplemented, Err: ErrUnsupportedVersion}
	}

	if origins != nil && origins.Enabled() {
		origin := req.Header("Origin")
		if origin == "" {
			origin = req.Header("Sec-WebSocket-Origin")
		}
		if origin == "" {
			return nil, &Error{Status: http.StatusUnauthorized, Err: ErrMissingOrigin}
		}
		if !origins.Allowed(origin) {
			return nil, &Error{Status: http.StatusUnauthorized, Err: fmt.Errorf("%w: %q", ErrOriginNotAllowed, origin)}
		}
	}

	key := strings.TrimSpace(req.Header("Sec-WebSocket-Key"))
	if key == "" {
		return nil, &Error{Status: http.StatusBadRequest, Err: ErrMissingKey}
	}

	var sb strings.Builder
	sb.WriteString("HTTP/1.1 101 Switching Protocols\r\n")
	sb.WriteString("Upgrade: websocket\r\n")
	sb.WriteString("Connection: Upgrade\r\n")
	sb.WriteString("Sec-WebSocket-Accept: " + AcceptKey(key) + "\r\n")
	if req.Header("Sec-WebSocket-Protocol") != "" {
		sb.WriteString("Sec-WebSocket-Protocol: " + strings.TrimPrefix(req.Path, "/") + "\r\n")
	}
	sb.WriteString("\r\n")
	return []byte(sb.String()), nil
}

// AcceptKey computes Sec-WebSocket-Accept for a client key.
func AcceptKey(key string) string {
	sum := sha1.Sum([]byte(key + webSocketGUID))
	return base64.StdEncoding.EncodeToString(sum[:])
}

// ErrorResponse renders the HTTP response that ends a failed handshake.
func ErrorResponse(status int) []byte {
	text := http.StatusText(status)
	if text == "" {
		status, text = http.StatusBadRequest, http.StatusText(http.StatusBadRequest)
	}
	return []byte(fmt.Sprintf("HTTP/1.1 %d %s\r\nConnection: close\r\n\r\n", status, text))
}
