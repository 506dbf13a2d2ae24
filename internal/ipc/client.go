package ipc

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// ErrPayloadTooLarge is returned when an encoded payload exceeds the send
// buffer of the datagram socket.
var ErrPayloadTooLarge = errors.New("ipc payload exceeds socket send buffer")

// Client pushes payloads to a server. Every push uses its own socket.
type Client struct {
	path string
}

// NewClient returns a client for the server socket at path.
func NewClient(path string) *Client {
	return &Client{path: path}
}

// Send encodes p and sends it as a single datagram.
func (c *Client) Send(p Payload) error {
	b, err := Encode(p)
	if err != nil {
		return err
	}
	return c.SendRaw(b)
}

// SendRaw sends an already encoded datagram.
func (c *Client) SendRaw(b []byte) error {
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_DGRAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return fmt.Errorf("ipc socket: %w", err)
	}
	defer unix.Close(fd)

	limit, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_SNDBUF)
	if err != nil {
		return fmt.Errorf("read SO_SNDBUF: %w", err)
	}
	if len(b) > limit {
		return fmt.Errorf("%w: %d bytes, limit %d", ErrPayloadTooLarge, len(b), limit)
	}
	if err := unix.Sendto(fd, b, 0, &unix.SockaddrUnix{Name: c.path}); err != nil {
		if errors.Is(err, unix.EMSGSIZE) {
			return fmt.Errorf("%w: %v", ErrPayloadTooLarge, err)
		}
		return fmt.Errorf("send to %s: %w", c.path, err)
	}
	return nil
}

// IsOpen reports whether a server is bound at the socket path.
func (c *Client) IsOpen() bool {
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_DGRAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return false
	}
	defer unix.Close(fd)
	return unix.Connect(fd, &unix.SockaddrUnix{Name: c.path}) == nil
}
