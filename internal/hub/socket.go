package hub

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"golang.org/x/sys/unix"
)

// writeTimeout bounds how long a write may wait for a full send buffer. The
// loop is blocked for that long, so a stalled peer costs at most this much
// once before its connection is failed.
const writeTimeout = 50 * time.Millisecond

var errWriteTimeout = errors.New("write timed out")

// fdSocket is a non-blocking TCP client socket.
type fdSocket struct {
	fd     int
	closed bool
	// timeout overrides writeTimeout when set.
	timeout time.Duration
}

func (s *fdSocket) Fd() int { return s.fd }

// Write sends all of p, waiting for writability while the send buffer is full.
func (s *fdSocket) Write(p []byte) (int, error) {
	if s.closed {
		return 0, net.ErrClosed
	}
	timeout := s.timeout
	if timeout <= 0 {
		timeout = writeTimeout
	}
	deadline := time.Now().Add(timeout)
	written := 0
	for written < len(p) {
		n, err := unix.SendmsgN(s.fd, p[written:], nil, nil, unix.MSG_NOSIGNAL)
		if n > 0 {
			written += n
		}
		switch {
		case err == nil:
		case errors.Is(err, unix.EINTR):
		case errors.Is(err, unix.EAGAIN):
			if err := waitWritable(s.fd, deadline); err != nil {
				return written, err
			}
		default:
			return written, err
		}
	}
	return written, nil
}

// Read reads what is available. It returns 0, nil when the peer closed.
func (s *fdSocket) Read(p []byte) (int, error) {
	for {
		n, err := unix.Read(s.fd, p)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return 0, err
		}
		return n, nil
	}
}

// Shutdown closes both directions and releases the descriptor. The
// descriptor is released even when the shutdown itself fails.
func (s *fdSocket) Shutdown() error {
	if s.closed {
		return nil
	}
	s.closed = true
	err := unix.Shutdown(s.fd, unix.SHUT_RDWR)
	if errors.Is(err, unix.ENOTCONN) {
		err = nil
	}
	if err != nil {
		err = fmt.Errorf("shutdown: %w", err)
	}
	return errors.Join(err, unix.Close(s.fd))
}

func waitWritable(fd int, deadline time.Time) error {
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return errWriteTimeout
		}
		fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLOUT}}
		n, err := unix.Poll(fds, int(remaining.Milliseconds())+1)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return err
		}
		if n > 0 {
			return nil
		}
	}
}

// listenTCP opens a non-blocking listening socket on host:port and returns it
// with the bound port.
func listenTCP(host string, port int) (int, int, error) {
	addr, err := net.ResolveTCPAddr("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return -1, 0, fmt.Errorf("resolve %s: %w", host, err)
	}

	var (
		family = unix.AF_INET
		sa     unix.Sockaddr
	)
	if ip4 := addr.IP.To4(); ip4 != nil || addr.IP == nil {
		sa4 := &unix.SockaddrInet4{Port: addr.Port}
		copy(sa4.Addr[:], ip4)
		sa = sa4
	} else {
		family = unix.AF_INET6
		sa6 := &unix.SockaddrInet6{Port: addr.Port}
		copy(sa6.Addr[:], addr.IP.To16())
		sa = sa6
	}

	fd, err := unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, 0, fmt.Errorf("socket: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return -1, 0, fmt.Errorf("SO_REUSEADDR: %w", err)
	}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return -1, 0, fmt.Errorf("bind %s: %w", addr, err)
	}
	if err := unix.Listen(fd, unix.SOMAXCONN); err != nil {
		unix.Close(fd)
		return -1, 0, fmt.Errorf("listen %s: %w", addr, err)
	}

	bound, err := unix.Getsockname(fd)
	if err != nil {
		unix.Close(fd)
		return -1, 0, fmt.Errorf("getsockname: %w", err)
	}
	_, boundPort := sockaddrIPPort(bound)
	return fd, boundPort, nil
}

// acceptTCP accepts one pending connection. It reports false when none is
// pending.
func acceptTCP(lfd int) (*fdSocket, string, int, bool, error) {
	for {
		nfd, sa, err := unix.Accept4(lfd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		switch {
		case err == nil:
			ip, port := sockaddrIPPort(sa)
			return &fdSocket{fd: nfd}, ip, port, true, nil
		case errors.Is(err, unix.EINTR), errors.Is(err, unix.ECONNABORTED):
			continue
		case errors.Is(err, unix.EAGAIN):
			return nil, "", 0, false, nil
		default:
			return nil, "", 0, false, err
		}
	}
}

func sockaddrIPPort(sa unix.Sockaddr) (string, int) {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return net.IP(a.Addr[:]).String(), a.Port
	case *unix.SockaddrInet6:
		ip := net.IP(a.Addr[:])
		if v4 := ip.To4(); v4 != nil {
			return v4.String(), a.Port
		}
		return ip.String(), a.Port
	default:
		return "", 0
	}
}
