package hub_test

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/wspush/wspush/internal/crypto"
	"github.com/wspush/wspush/internal/frame"
	"github.com/wspush/wspush/internal/hub"
	"github.com/wspush/wspush/internal/identity"
	"github.com/wspush/wspush/internal/ipc"
	"github.com/wspush/wspush/internal/route"
	"github.com/wspush/wspush/internal/timer"
	"github.com/wspush/wspush/internal/wsconn"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

type runningServer struct {
	srv     *hub.Server
	ipcPath string
	key     crypto.Key
	addr    string
}

func startServer(t *testing.T, mutate func(*hub.Options)) *runningServer {
	t.Helper()
	key, err := crypto.DeriveKey("salt")
	if err != nil {
		t.Fatalf("DeriveKey: %v", err)
	}
	rs := &runningServer{key: key, ipcPath: filepath.Join(t.TempDir(), "push.sock")}
	opts := hub.Options{
		Host:                "127.0.0.1",
		Port:                0,
		MaxClients:          10,
		MaxConnectionsPerIP: 5,
		Tick:                2 * time.Millisecond,
		IPCSocketPath:       rs.ipcPath,
		Conn:                &wsconn.Options{Key: &rs.key},
		Logger:              discard,
	}
	if mutate != nil {
		mutate(&opts)
	}

	srv, err := hub.Listen(opts)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	rs.srv = srv
	rs.addr = net.JoinHostPort("127.0.0.1", strconv.Itoa(srv.Port()))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("Run: %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Error("Run did not return after cancel")
		}
	})
	return rs
}

type wsClient struct {
	conn net.Conn
	r    *bufio.Reader
	buf  []byte
}

func dial(t *testing.T, addr string) *wsClient {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return &wsClient{conn: conn, r: bufio.NewReader(conn)}
}

func (c *wsClient) upgrade(t *testing.T) {
	t.Helper()
	req := "GET /push HTTP/1.1\r\nHost: test\r\nUpgrade: websocket\r\nConnection: Upgrade\r\n" +
		"Sec-WebSocket-Key: dGhlIHNhbXBsZSBub25jZQ==\r\nSec-WebSocket-Version: 13\r\n\r\n"
	if _, err := c.conn.Write([]byte(req)); err != nil {
		t.Fatalf("write upgrade: %v", err)
	}
	c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	status, err := c.r.ReadString('\n')
	if err != nil {
		t.Fatalf("read status: %v", err)
	}
	if !strings.HasPrefix(status, "HTTP/1.1 101") {
		t.Fatalf("status = %q", status)
	}
	for {
		line, err := c.r.ReadString('\n')
		if err != nil {
			t.Fatalf("read headers: %v", err)
		}
		if line == "\r\n" {
			return
		}
	}
}

func (c *wsClient) send(t *testing.T, op frame.Opcode, payload []byte) {
	t.Helper()
	b, err := frame.Encode(payload, op, true)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if _, err := c.conn.Write(b); err != nil {
		t.Fatalf("write frame: %v", err)
	}
}

func (c *wsClient) read(t *testing.T) frame.Frame {
	t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	chunk := make([]byte, 4096)
	for {
		if f, n, err := frame.Decode(c.buf); err == nil {
			c.buf = c.buf[n:]
			return f
		} else if !errors.Is(err, frame.ErrIncomplete) {
			t.Fatalf("Decode: %v", err)
		}
		n, err := c.r.Read(chunk)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		c.buf = append(c.buf, chunk[:n]...)
	}
}

func (rs *runningServer) identify(t *testing.T, c *wsClient, session string, r route.Route) {
	t.Helper()
	tok, err := identity.Issue(identity.Claims{
		SessionID: session,
		RouteMd5:  route.Fingerprint(r, false, false),
		Expires:   time.Now().Add(time.Minute),
	}, rs.key)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	body, _ := json.Marshal(map[string]string{"initialPayload": tok})
	c.send(t, frame.OpText, body)
	waitFor(t, "identification", func() bool { return rs.srv.Stats().Identified > 0 })
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestServerPushReachesIdentifiedClient(t *testing.T) {
	rs := startServer(t, nil)
	c := dial(t, rs.addr)
	c.upgrade(t)

	c.send(t, frame.OpPing, []byte("p"))
	if f := c.read(t); f.Opcode != frame.OpPong || string(f.Payload) != "p" {
		t.Fatalf("got %v %q, want pong", f.Opcode, f.Payload)
	}

	rs.identify(t, c, "sess-1", route.Route{Controller: "Inbox", Action: "index"})

	var filters ipc.Filters
	filters.AddSession("sess-1")
	err := ipc.NewClient(rs.ipcPath).Send(ipc.Payload{
		Controller: "Inbox",
		Action:     "message",
		Payload:    json.RawMessage(`{"unread":4}`),
		Filters:    filters,
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	f := c.read(t)
	if f.Opcode != frame.OpText {
		t.Fatalf("opcode = %v", f.Opcode)
	}
	if want := `{"controller":"Inbox","action":"message","payload":{"unread":4}}`; string(f.Payload) != want {
		t.Fatalf("payload = %s", f.Payload)
	}
	waitFor(t, "delivery count", func() bool { return rs.srv.Stats().Delivered == 1 })
}

func TestServerRejectsOverPerIPCap(t *testing.T) {
	rs := startServer(t, func(o *hub.Options) { o.MaxConnectionsPerIP = 1 })

	first := dial(t, rs.addr)
	first.upgrade(t)
	waitFor(t, "first connection", func() bool { return rs.srv.Stats().Connections == 1 })

	second := dial(t, rs.addr)
	second.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := second.r.ReadByte(); err == nil {
		t.Fatal("second connection from the same ip was served")
	}
	waitFor(t, "rejection", func() bool { return rs.srv.Stats().Rejected == 1 })

	if got := rs.srv.Stats().Connections; got != 1 {
		t.Fatalf("Connections = %d", got)
	}
}

func TestServerClientCloseFrameAndDisconnect(t *testing.T) {
	rs := startServer(t, nil)
	c := dial(t, rs.addr)
	c.upgrade(t)

	c.send(t, frame.OpClose, frame.CloseNormalClosure.Payload())
	f := c.read(t)
	code, _, err := frame.ParseClosePayload(f.Payload)
	if f.Opcode != frame.OpClose || err != nil || code != 1000 {
		t.Fatalf("got %v code %d (%v)", f.Opcode, code, err)
	}
	waitFor(t, "removal", func() bool { return rs.srv.Stats().Connections == 0 })

	d := dial(t, rs.addr)
	d.upgrade(t)
	waitFor(t, "second connection", func() bool { return rs.srv.Stats().Connections == 1 })
	d.conn.Close()
	waitFor(t, "peer disconnect", func() bool { return rs.srv.Stats().Connections == 0 })
}

func TestServerHandshakeRejection(t *testing.T) {
	rs := startServer(t, nil)
	c := dial(t, rs.addr)
	if _, err := c.conn.Write([]byte("GET / HTTP/1.1\r\nHost: x\r\n\r\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	status, err := c.r.ReadString('\n')
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !strings.HasPrefix(status, "HTTP/1.1 501") {
		t.Fatalf("status = %q", status)
	}
}

type tickJob struct{ runs chan int }

func (j *tickJob) Interval() time.Duration { return 10 * time.Millisecond }
func (j *tickJob) Run(conns []*wsconn.Connection) {
	select {
	case j.runs <- len(conns):
	default:
	}
}

func TestServerRunsTimersAndSurvivesBadDatagrams(t *testing.T) {
	job := &tickJob{runs: make(chan int, 1)}
	sched := timer.NewScheduler(discard)
	if err := sched.Add("tick", job); err != nil {
		t.Fatalf("Add: %v", err)
	}
	rs := startServer(t, func(o *hub.Options) { o.Scheduler = sched })

	select {
	case <-job.runs:
	case <-time.After(2 * time.Second):
		t.Fatal("timer never ran")
	}

	if err := ipc.NewClient(rs.ipcPath).SendRaw([]byte("{broken")); err != nil {
		t.Fatalf("SendRaw: %v", err)
	}
	if err := ipc.NewClient(rs.ipcPath).Send(ipc.Payload{Controller: "C", Action: "a"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	waitFor(t, "push after bad datagram", func() bool { return rs.srv.Stats().Pushes == 1 })
}
