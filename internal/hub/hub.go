// Package hub owns the live connections of the server. The Hub tracks every
// accepted socket, enforces the global and per-ip caps and fans IPC pushes
// out to matching connections; the Server drives it from a single
// readiness-polling loop.
package hub

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/wspush/wspush/internal/frame"
	"github.com/wspush/wspush/internal/ipc"
	"github.com/wspush/wspush/internal/wsconn"
)

var (
	// ErrTooManyClients is returned when the global cap is reached.
	ErrTooManyClients = errors.New("too many clients")
	// ErrTooManyPerIP is returned when the remote ip holds its maximum.
	ErrTooManyPerIP = errors.New("too many connections from ip")
)

// Socket is an accepted client socket. Read returns 0, nil once the peer
// has closed.
type Socket interface {
	wsconn.Socket
	Read(p []byte) (int, error)
	Fd() int
}

type client struct {
	conn *wsconn.Connection
	sock Socket
}

// Hub maintains the set of live connections. Apart from Stats and
// ClientCount it is only used from the server loop goroutine.
type Hub struct {
	// clients holds live clients in accept order.
	clients []*client

	// byConn indexes clients for removal.
	byConn map[*wsconn.Connection]*client

	// ipCount maps remote ip to its live connection count.
	ipCount map[string]int

	maxClients int
	maxPerIP   int
	connOpts   *wsconn.Options
	stats      Stats
	logger     *slog.Logger
}

var _ wsconn.Owner = (*Hub)(nil)

// NewHub creates an empty hub. connOpts is shared by every connection.
func NewHub(maxClients, maxPerIP int, connOpts *wsconn.Options, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	if connOpts == nil {
		connOpts = &wsconn.Options{}
	}
	if connOpts.Logger == nil {
		connOpts.Logger = logger
	}
	return &Hub{
		byConn:     make(map[*wsconn.Connection]*client),
		ipCount:    make(map[string]int),
		maxClients: maxClients,
		maxPerIP:   maxPerIP,
		connOpts:   connOpts,
		logger:     logger,
	}
}

// Accept admits a new socket. The global cap is checked before the per-ip
// cap; a rejected socket is shut down and never counted.
func (h *Hub) Accept(sock Socket, ip string, port int) (*wsconn.Connection, error) {
	var err error
	switch {
	case len(h.clients) >= h.maxClients:
		err = fmt.Errorf("%w: %d connected", ErrTooManyClients, len(h.clients))
	case h.ipCount[ip] >= h.maxPerIP:
		err = fmt.Errorf("%w: %s holds %d", ErrTooManyPerIP, ip, h.ipCount[ip])
	}
	if err != nil {
		addr := fmt.Sprintf("%s:%d", ip, port)
		if serr := sock.Shutdown(); serr != nil {
			h.logger.Debug("closing rejected socket", "client", addr, "error", serr)
		}
		h.stats.rejected.Add(1)
		h.logger.Warn("connection rejected", "client", addr, "error", err)
		return nil, err
	}

	conn := wsconn.New(sock, ip, port, h, h.connOpts)
	cl := &client{conn: conn, sock: sock}
	h.clients = append(h.clients, cl)
	h.byConn[conn] = cl
	h.ipCount[ip]++
	h.stats.accepted.Add(1)
	h.stats.current.Add(1)

	conn.Logger().Info("client connected",
		"connections", len(h.clients),
		"from_ip", h.ipCount[ip],
	)
	return conn, nil
}

// Forget removes a torn-down connection and frees its ip slot.
func (h *Hub) Forget(c *wsconn.Connection) {
	cl, ok := h.byConn[c]
	if !ok {
		return
	}
	delete(h.byConn, c)
	h.clients = slices.DeleteFunc(h.clients, func(x *client) bool { return x == cl })

	if h.ipCount[c.IP()]--; h.ipCount[c.IP()] <= 0 {
		delete(h.ipCount, c.IP())
	}
	h.stats.current.Add(-1)
	if c.Identified() {
		h.stats.identified.Add(-1)
	}
	c.Logger().Info("client removed", "connections", len(h.clients))
}

// Identified counts a connection whose identity was accepted.
func (h *Hub) Identified(*wsconn.Connection) {
	h.stats.identified.Add(1)
}

// Connections returns a snapshot of the live connections in accept order.
func (h *Hub) Connections() []*wsconn.Connection {
	out := make([]*wsconn.Connection, len(h.clients))
	for i, cl := range h.clients {
		out[i] = cl.conn
	}
	return out
}

// LookupClient returns the live connection with the given id.
func (h *Hub) LookupClient(id string) (*wsconn.Connection, bool) {
	for _, cl := range h.clients {
		if cl.conn.ID() == id {
			return cl.conn, true
		}
	}
	return nil, false
}

// ClientCount returns the number of live connections.
// It is safe for concurrent use.
func (h *Hub) ClientCount() int {
	return int(h.stats.current.Load())
}

// IPCount returns the live connection count of ip.
func (h *Hub) IPCount(ip string) int {
	return h.ipCount[ip]
}

// Stats returns the counters. It is safe for concurrent use.
func (h *Hub) Stats() Snapshot {
	return h.stats.snapshot()
}

// Push delivers p to every live connection whose identity matches its
// filters. It returns how many received it and how many were considered.
func (h *Hub) Push(p ipc.Payload) (delivered, candidates int) {
	conns := h.Connections()
	for _, c := range conns {
		claims, ok := c.Claims()
		if !p.Matches(claims, ok) {
			continue
		}
		if err := c.SendPayload(p.Controller, p.Action, p.Payload); err != nil {
			c.Logger().Info("push not delivered", "error", err)
			continue
		}
		delivered++
	}
	candidates = len(conns)

	h.stats.pushes.Add(1)
	h.stats.delivered.Add(int64(delivered))
	h.logger.Info("push fanned out",
		"controller", p.Controller,
		"action", p.Action,
		"delivered", delivered,
		"candidates", candidates,
	)
	return delivered, candidates
}

// CloseAll closes every live connection with code.
func (h *Hub) CloseAll(code frame.CloseCode) {
	for _, c := range h.Connections() {
		c.Close(code)
	}
}
