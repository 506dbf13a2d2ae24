package hub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"golang.org/x/sys/unix"

	"github.com/wspush/wspush/internal/frame"
	"github.com/wspush/wspush/internal/ipc"
	"github.com/wspush/wspush/internal/timer"
	"github.com/wspush/wspush/internal/wsconn"
)

// readBufferSize is the most read from one socket per readiness event.
const readBufferSize = 64 << 10

// acceptBackoff is how long the listener is left out of the poll set after
// an accept error such as EMFILE.
const acceptBackoff = 100 * time.Millisecond

// Options configures a Server.
type Options struct {
	Host                string
	Port                int
	MaxClients          int
	MaxConnectionsPerIP int
	// Tick bounds each readiness wait and so the timer and IPC resolution.
	Tick          time.Duration
	IPCSocketPath string
	Conn          *wsconn.Options
	// Scheduler may be nil when no timers are configured.
	Scheduler *timer.Scheduler
	Logger    *slog.Logger
	Now       func() time.Time
}

// Server runs the event loop: timers, socket readiness, then one IPC
// datagram per iteration.
type Server struct {
	hub       *Hub
	lfd       int
	port      int
	ipc       *ipc.Listener
	scheduler *timer.Scheduler
	tick      time.Duration
	logger    *slog.Logger
	now       func() time.Time
	buf       []byte
	pollfds   []unix.PollFd

	acceptPausedUntil time.Time
	acceptFailures    int
}

// Listen binds the TCP listener and the IPC socket.
func Listen(opts Options) (*Server, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	tick := opts.Tick
	if tick < time.Millisecond {
		tick = 5 * time.Millisecond
	}
	scheduler := opts.Scheduler
	if scheduler == nil {
		scheduler = timer.NewScheduler(logger)
	}

	lfd, port, err := listenTCP(opts.Host, opts.Port)
	if err != nil {
		return nil, err
	}
	l, err := ipc.Listen(opts.IPCSocketPath)
	if err != nil {
		unix.Close(lfd)
		return nil, err
	}

	return &Server{
		hub:       NewHub(opts.MaxClients, opts.MaxConnectionsPerIP, opts.Conn, logger),
		lfd:       lfd,
		port:      port,
		ipc:       l,
		scheduler: scheduler,
		tick:      tick,
		logger:    logger,
		now:       now,
		buf:       make([]byte, readBufferSize),
	}, nil
}

// Port returns the bound TCP port.
func (s *Server) Port() int { return s.port }

// Hub returns the connection registry.
func (s *Server) Hub() *Hub { return s.hub }

// Stats returns the hub counters. It is safe for concurrent use.
func (s *Server) Stats() Snapshot { return s.hub.Stats() }

// Run drives the loop until ctx is cancelled, then closes every connection,
// the listener and the IPC socket. It must be called once.
func (s *Server) Run(ctx context.Context) error {
	defer s.shutdown()
	s.logger.Info("server loop started", "port", s.port, "ipc", s.ipc.Path())

	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		if err := s.iterate(); err != nil {
			return err
		}
	}
}

func (s *Server) iterate() error {
	s.scheduler.Tick(s.now(), s.hub.Connections())

	polled := slices.Clone(s.hub.clients)
	s.pollfds = s.pollfds[:0]
	listening := s.accepting()
	if listening {
		s.pollfds = append(s.pollfds, unix.PollFd{Fd: int32(s.lfd), Events: unix.POLLIN})
	}
	base := len(s.pollfds)
	for _, cl := range polled {
		s.pollfds = append(s.pollfds, unix.PollFd{Fd: int32(cl.sock.Fd()), Events: unix.POLLIN})
	}

	n, err := unix.Poll(s.pollfds, int(s.tick/time.Millisecond))
	if err != nil && !errors.Is(err, unix.EINTR) {
		return fmt.Errorf("poll: %w", err)
	}
	if n > 0 {
		if listening && s.pollfds[0].Revents != 0 {
			s.acceptPending()
		}
		for i, cl := range polled {
			if rev := s.pollfds[base+i].Revents; rev != 0 {
				s.readClient(cl, rev)
			}
		}
	}

	s.drainIPC()
	return nil
}

func (s *Server) acceptPending() {
	for {
		sock, ip, port, ok, err := acceptTCP(s.lfd)
		if err != nil {
			s.acceptFailed(err)
			return
		}
		s.acceptRecovered()
		if !ok {
			return
		}
		s.hub.Accept(sock, ip, port)
	}
}

func (s *Server) accepting() bool {
	return !s.now().Before(s.acceptPausedUntil)
}

// acceptFailed pauses accepting for acceptBackoff. Only the first failure of
// a run is logged as an error.
func (s *Server) acceptFailed(err error) {
	s.acceptFailures++
	s.acceptPausedUntil = s.now().Add(acceptBackoff)
	if s.acceptFailures == 1 {
		s.logger.Error("accept failed", "error", err, "retry_in", acceptBackoff)
		return
	}
	s.logger.Debug("accept still failing", "error", err, "failures", s.acceptFailures)
}

func (s *Server) acceptRecovered() {
	if s.acceptFailures == 0 {
		return
	}
	s.logger.Info("accept recovered", "failures", s.acceptFailures)
	s.acceptFailures = 0
}

// readClient reads from a client reported ready. Clients removed earlier in
// the same iteration are skipped.
func (s *Server) readClient(cl *client, revents int16) {
	if s.hub.byConn[cl.conn] != cl {
		return
	}
	conn := cl.conn

	n, err := cl.sock.Read(s.buf)
	switch {
	case errors.Is(err, unix.EAGAIN):
		if revents&(unix.POLLERR|unix.POLLHUP|unix.POLLNVAL) != 0 {
			conn.Fail(fmt.Errorf("socket error (revents 0x%x)", revents))
		}
	case err != nil:
		conn.Fail(err)
	case n == 0:
		conn.Disconnect()
	default:
		conn.Handle(s.buf[:n])
	}
}

func (s *Server) drainIPC() {
	p, ok, err := s.ipc.Poll()
	if err != nil {
		s.logger.Warn("ipc datagram dropped", "error", err)
		return
	}
	if ok {
		s.hub.Push(p)
	}
}

func (s *Server) shutdown() {
	s.hub.CloseAll(frame.CloseGoingAway)
	if err := unix.Close(s.lfd); err != nil {
		s.logger.Warn("closing listener", "error", err)
	}
	if err := s.ipc.Close(); err != nil {
		s.logger.Warn("closing ipc socket", "error", err)
	}
	s.logger.Info("server loop stopped")
}

// Close releases the sockets of a server whose loop never ran.
func (s *Server) Close() error {
	err := unix.Close(s.lfd)
	return errors.Join(err, s.ipc.Close())
}
