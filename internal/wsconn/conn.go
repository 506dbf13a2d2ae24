// Package wsconn implements the per-socket WebSocket state machine: it drives
// the opening handshake, decodes frames from a growing buffer, verifies the
// client's identity token and hands application messages to an Application.
//
// A Connection is not safe for concurrent use. The server loop owns it.
package wsconn

import (
	"bytes"
	"crypto/md5"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/mr-tron/base58"
	"golang.org/x/time/rate"

	"github.com/wspush/wspush/internal/crypto"
	"github.com/wspush/wspush/internal/frame"
	"github.com/wspush/wspush/internal/handshake"
	"github.com/wspush/wspush/internal/identity"
)

// ErrClosed is returned when writing to a connection that was torn down.
var ErrClosed = errors.New("connection closed")

// Socket is the raw transport of a Connection. Write must write all of p or
// fail. Shutdown closes both directions and releases the socket.
type Socket interface {
	Write(p []byte) (int, error)
	Shutdown() error
}

// Owner is notified about lifecycle changes a registry has to track.
type Owner interface {
	// Forget drops a torn-down connection and frees its ip slot.
	Forget(c *Connection)
	// Identified is called once the identity token has been accepted.
	Identified(c *Connection)
}

// Application receives connection events. Calls happen on the server loop.
type Application interface {
	OnConnect(c *Connection)
	OnIdentified(c *Connection)
	OnMessage(c *Connection, msg Message)
	OnDisconnect(c *Connection)
}

// Options configures connections. One value is shared by every connection
// of a server.
type Options struct {
	Origins *handshake.OriginPolicy
	// Key opens identity tokens. Without a key no client can identify.
	Key          *crypto.Key
	MaxFrameSize int
	// RateLimit is the allowed inbound application messages per second.
	// Zero disables limiting.
	RateLimit float64
	RateBurst int
	App       Application
	Logger    *slog.Logger
	Now       func() time.Time
}

func (o *Options) now() time.Time {
	if o.Now != nil {
		return o.Now()
	}
	return time.Now()
}

// Connection is one accepted client socket.
type Connection struct {
	id       string
	ip       string
	port     int
	sock     Socket
	owner    Owner
	opts     *Options
	decoder  frame.Decoder
	limiter  *rate.Limiter
	logger   *slog.Logger
	accepted time.Time

	state     State
	connected bool
	buf       []byte
	awaiting  bool
	claims    *identity.Claims
}

// New wraps an accepted socket. The connection starts in Handshaking.
func New(sock Socket, ip string, port int, owner Owner, opts *Options) *Connection {
	if opts == nil {
		opts = &Options{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	c := &Connection{
		id:       NewID(ip, port),
		ip:       ip,
		port:     port,
		sock:     sock,
		owner:    owner,
		opts:     opts,
		decoder:  frame.Decoder{MaxPayloadSize: opts.MaxFrameSize},
		accepted: opts.now(),
		state:    Connecting,
	}
	c.logger = logger.With("client", c.Addr(), "conn", c.id)
	if opts.RateLimit > 0 {
		burst := opts.RateBurst
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), burst)
	}
	c.state = Handshaking
	return c
}

// NewID derives a connection id from the remote address and a random uuid.
func NewID(ip string, port int) string {
	sum := md5.Sum([]byte(ip + strconv.Itoa(port) + uuid.NewString()))
	return base58.Encode(sum[:])
}

// ID returns the connection id assigned by NewID.
func (c *Connection) ID() string { return c.id }

// IP returns the remote address.
func (c *Connection) IP() string { return c.ip }

// Port returns the remote port.
func (c *Connection) Port() int { return c.port }

// State returns the current lifecycle state.
func (c *Connection) State() State { return c.state }

// AcceptedAt returns when the socket was accepted.
func (c *Connection) AcceptedAt() time.Time { return c.accepted }

// Logger returns the logger tagged with this connection's address and id.
func (c *Connection) Logger() *slog.Logger { return c.logger }

// Addr returns "ip:port".
func (c *Connection) Addr() string {
	return fmt.Sprintf("%s:%d", c.ip, c.port)
}

// Awaiting reports whether a partial frame is buffered.
func (c *Connection) Awaiting() bool { return c.awaiting }

// Identified reports whether the identity token was accepted.
func (c *Connection) Identified() bool { return c.claims != nil }

// Claims returns the accepted identity.
func (c *Connection) Claims() (identity.Claims, bool) {
	if c.claims == nil {
		return identity.Claims{}, false
	}
	return *c.claims, true
}

// Handle processes bytes read from the socket.
func (c *Connection) Handle(data []byte) {
	switch c.state {
	case Handshaking:
		c.buf = append(c.buf, data...)
		c.upgrade()
	case Open:
		c.buf = append(c.buf, data...)
		c.processFrames()
	default:
		c.logger.Debug("data after close ignored", "bytes", len(data))
	}
}

func (c *Connection) upgrade() {
	done, err := handshake.Complete(c.buf)
	if err != nil {
		c.reject(err)
		return
	}
	if !done {
		return
	}

	req, err := handshake.Parse(c.buf)
	if err != nil {
		c.reject(err)
		return
	}
	resp, err := handshake.Upgrade(req, c.opts.Origins)
	if err != nil {
		c.reject(err)
		return
	}
	if _, err := c.sock.Write(resp); err != nil {
		c.logger.Info("handshake write failed", "error", err)
		c.terminate()
		return
	}

	c.buf = c.buf[headerEnd(c.buf):]
	c.state = Open
	c.connected = true
	c.logger.Info("handshake complete", "path", req.Path)
	if c.opts.App != nil {
		c.opts.App.OnConnect(c)
	}
	if c.state == Open && len(c.buf) > 0 {
		c.processFrames()
	}
}

// reject answers a failed handshake with its HTTP status and tears down.
func (c *Connection) reject(err error) {
	status := http.StatusBadRequest
	var herr *handshake.Error
	if errors.As(err, &herr) {
		status = herr.Status
	}
	c.logger.Info("handshake rejected", "status", status, "error", err)
	c.httpError(status)
}

func (c *Connection) httpError(status int) {
	if _, err := c.sock.Write(handshake.ErrorResponse(status)); err != nil {
		c.logger.Debug("error response write failed", "error", err)
	}
	c.terminate()
}

func (c *Connection) processFrames() {
	for c.state == Open && len(c.buf) > 0 {
		f, n, err := c.decoder.Decode(c.buf)
		if errors.Is(err, frame.ErrIncomplete) {
			c.awaiting = true
			return
		}
		if err != nil {
			c.frameError(err)
			return
		}
		c.buf = c.buf[n:]
		c.handleFrame(f)
	}
	c.awaiting = false
	if len(c.buf) == 0 {
		c.buf = nil
	}
}

func (c *Connection) frameError(err error) {
	c.logger.Info("invalid frame", "error", err)
	switch {
	case errors.Is(err, frame.ErrUnsupportedOpcode):
		c.httpError(http.StatusUnauthorized)
	case errors.Is(err, frame.ErrFrameTooLarge):
		c.Close(frame.CloseFrameTooLarge)
	default:
		c.Close(frame.CloseProtocolError)
	}
}

func (c *Connection) handleFrame(f frame.Frame) {
	switch f.Opcode {
	case frame.OpText:
		c.handleText(f.Payload)
	case frame.OpBinary:
		c.Close(frame.CloseUnsupportedData)
	case frame.OpPing:
		if err := c.send(f.Payload, frame.OpPong); err != nil {
			c.logger.Debug("pong failed", "error", err)
		}
	case frame.OpPong:
	case frame.OpClose:
		code, reason, err := frame.ParseClosePayload(f.Payload)
		c.logger.Info("close frame received", "code", code, "reason", reason, "error", err)
		c.Close(frame.CloseNormalClosure)
	}
}

func (c *Connection) handleText(payload []byte) {
	if !utf8.Valid(payload) {
		c.Close(frame.CloseInvalidUTF8)
		return
	}
	if c.claims == nil {
		c.identify(payload)
		return
	}

	if c.limiter != nil && !c.limiter.AllowN(c.opts.now(), 1) {
		c.logger.Warn("rate limit exceeded")
		c.Close(frame.ClosePolicyViolation)
		return
	}

	var msg Message
	if err := json.Unmarshal(payload, &msg); err != nil || !msg.valid() {
		c.logger.Info("malformed message", "error", err)
		c.Close(frame.ClosePolicyViolation)
		return
	}
	if c.opts.App != nil {
		c.opts.App.OnMessage(c, msg)
	}
}

func (c *Connection) identify(payload []byte) {
	var msg initMessage
	if err := json.Unmarshal(payload, &msg); err != nil || msg.InitialPayload == nil {
		c.logger.Info("message before identification")
		c.Close(frame.ClosePolicyViolation)
		return
	}
	if c.opts.Key == nil {
		c.logger.Warn("identity rejected", "error", "no secret configured")
		c.Close(frame.ClosePolicyViolation)
		return
	}

	claims, err := identity.Open(*msg.InitialPayload, *c.opts.Key, c.opts.now())
	if err != nil {
		c.logger.Info("identity rejected", "error", err)
		c.Close(frame.ClosePolicyViolation)
		return
	}
	c.claims = &claims
	c.logger = c.logger.With("session", claims.SessionID)
	c.logger.Info("identified", "route", claims.RouteMd5)
	if c.owner != nil {
		c.owner.Identified(c)
	}
	if c.opts.App != nil {
		c.opts.App.OnIdentified(c)
	}
}

// SendPayload writes {controller, action, payload} as a text frame.
func (c *Connection) SendPayload(controller, action string, payload any) error {
	b, err := json.Marshal(Envelope{Controller: controller, Action: action, Payload: payload})
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	return c.SendText(b)
}

// SendText writes b as a text frame. A write error tears the connection down.
func (c *Connection) SendText(b []byte) error {
	return c.send(b, frame.OpText)
}

func (c *Connection) send(payload []byte, op frame.Opcode) error {
	if c.state != Open {
		return ErrClosed
	}
	b, err := frame.Encode(payload, op, false)
	if err != nil {
		return err
	}
	if _, err := c.sock.Write(b); err != nil {
		c.logger.Info("write failed", "error", err)
		c.terminate()
		return fmt.Errorf("%w: %v", ErrClosed, err)
	}
	return nil
}

// Close sends a best-effort close frame with code, shuts the socket down and
// tells the owner to forget the connection. Closing twice is a no-op.
func (c *Connection) Close(code frame.CloseCode) {
	if c.state == Closing || c.state == Closed {
		return
	}
	if c.state == Open {
		c.state = Closing
		b, err := frame.Encode(code.Payload(), frame.OpClose, false)
		if err == nil {
			_, err = c.sock.Write(b)
		}
		if err != nil {
			c.logger.Debug("close frame not sent", "error", err)
		}
	}
	c.logger.Info("closing", "code", code.Code(), "reason", code.Reason())
	c.terminate()
}

// Disconnect handles a peer that went away (zero-byte read).
func (c *Connection) Disconnect() {
	c.Close(frame.CloseGoingAway)
}

// Fail tears the connection down after a read error.
func (c *Connection) Fail(err error) {
	if c.state == Closed {
		return
	}
	c.logger.Info("read failed", "error", err)
	c.terminate()
}

func (c *Connection) terminate() {
	if c.state == Closed {
		return
	}
	c.state = Closed
	c.buf = nil
	c.awaiting = false
	if err := c.sock.Shutdown(); err != nil {
		c.logger.Debug("shutdown failed", "error", err)
	}
	if c.owner != nil {
		c.owner.Forget(c)
	}
	if c.connected && c.opts.App != nil {
		c.opts.App.OnDisconnect(c)
	}
}

func headerEnd(buf []byte) int {
	if i := bytes.Index(buf, []byte("\r\n\r\n")); i >= 0 {
		return i + 4
	}
	return len(buf)
}
