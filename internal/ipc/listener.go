package ipc

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"golang.org/x/sys/unix"
)

// DefaultSocketPath is where the server listens unless configured otherwise.
const DefaultSocketPath = "/tmp/wspush.sock"

// minBufferSize is the smallest receive buffer used for datagrams.
const minBufferSize = 64 << 10

// ErrTruncated is returned for a datagram larger than the receive buffer.
var ErrTruncated = errors.New("ipc datagram truncated")

// Listener is the server end of the push channel. It is non-blocking and is
// polled from the server loop.
type Listener struct {
	fd   int
	path string
	buf  []byte
}

// Listen binds a datagram socket at path, replacing a stale socket file.
func Listen(path string) (*Listener, error) {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("remove stale socket %s: %w", path, err)
	}

	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_DGRAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("ipc socket: %w", err)
	}
	if err := unix.Bind(fd, &unix.SockaddrUnix{Name: path}); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("bind %s: %w", path, err)
	}

	size := minBufferSize
	if n, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_SNDBUF); err == nil && n > size {
		size = n
	}
	return &Listener{fd: fd, path: path, buf: make([]byte, size)}, nil
}

// Fd returns the socket descriptor.
func (l *Listener) Fd() int { return l.fd }

// Path returns the socket file path.
func (l *Listener) Path() string { return l.path }

// Poll reads at most one pending datagram. It reports false when none is
// pending. A datagram that cannot be decoded is consumed and returned as an
// error.
func (l *Listener) Poll() (Payload, bool, error) {
	n, _, err := unix.Recvfrom(l.fd, l.buf, unix.MSG_TRUNC)
	if err != nil {
		if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR) {
			return Payload{}, false, nil
		}
		return Payload{}, false, fmt.Errorf("ipc recv: %w", err)
	}
	if n > len(l.buf) {
		return Payload{}, false, fmt.Errorf("%w: %d bytes, buffer %d", ErrTruncated, n, len(l.buf))
	}
	p, err := Decode(l.buf[:n])
	if err != nil {
		return Payload{}, false, err
	}
	return p, true, nil
}

// Close closes the socket and removes its file.
func (l *Listener) Close() error {
	err := unix.Close(l.fd)
	if rerr := os.Remove(l.path); rerr != nil && !errors.Is(rerr, fs.ErrNotExist) && err == nil {
		err = rerr
	}
	return err
}
