package hub

import "sync/atomic"

// Stats are the hub counters. They are written by the server loop and may be
// read from any goroutine.
type Stats struct {
	current    atomic.Int64
	identified atomic.Int64
	accepted   atomic.Int64
	rejected   atomic.Int64
	pushes     atomic.Int64
	delivered  atomic.Int64
}

// Snapshot is a point-in-time copy of Stats.
type Snapshot struct {
	Connections int64 `json:"connections"`
	Identified  int64 `json:"identified"`
	Accepted    int64 `json:"accepted"`
	Rejected    int64 `json:"rejected"`
	Pushes      int64 `json:"pushes"`
	Delivered   int64 `json:"delivered"`
}

func (s *Stats) snapshot() Snapshot {
	return Snapshot{
		Connections: s.current.Load(),
		Identified:  s.identified.Load(),
		Accepted:    s.accepted.Load(),
		Rejected:    s.rejected.Load(),
		Pushes:      s.pushes.Load(),
		Delivered:   s.delivered.Load(),
	}
}
