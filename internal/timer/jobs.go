package timer

import (
	"log/slog"
	"time"

	"github.com/wspush/wspush/internal/frame"
	"github.com/wspush/wspush/internal/wsconn"
)

// StatsInterval is how often the stats job logs.
const StatsInterval = 30 * time.Second

// DefaultReaperGrace is how long a connection may stay unidentified.
const DefaultReaperGrace = 30 * time.Second

// Stats logs connection counts.
type Stats struct {
	logger   *slog.Logger
	interval time.Duration
}

// NewStats returns a Stats job that logs every interval.
func NewStats(logger *slog.Logger, interval time.Duration) *Stats {
	return &Stats{logger: logger, interval: interval}
}

// Interval implements Job.
func (s *Stats) Interval() time.Duration { return s.interval }

// Run logs the number of open and identified connections.
func (s *Stats) Run(conns []*wsconn.Connection) {
	identified := 0
	for _, c := range conns {
		if c.Identified() {
			identified++
		}
	}
	s.logger.Info("connection stats", "connections", len(conns), "identified", identified)
}

// Reaper closes connections that have not identified within the grace period.
type Reaper struct {
	logger *slog.Logger
	grace  time.Duration
	now    func() time.Time
}

// NewReaper returns a Reaper. A non-positive grace selects
// DefaultReaperGrace and a nil now selects time.Now.
func NewReaper(logger *slog.Logger, grace time.Duration, now func() time.Time) *Reaper {
	if grace <= 0 {
		grace = DefaultReaperGrace
	}
	if now == nil {
		now = time.Now
	}
	return &Reaper{logger: logger, grace: grace, now: now}
}

// Interval checks once a second, or once per grace period when it is shorter.
func (r *Reaper) Interval() time.Duration {
	return min(time.Second, r.grace)
}

// Run closes every unidentified connection older than the grace period
// with a policy violation.
func (r *Reaper) Run(conns []*wsconn.Connection) {
	now := r.now()
	for _, c := range conns {
		if c.Identified() || now.Sub(c.AcceptedAt()) < r.grace {
			continue
		}
		r.logger.Info("reaping unidentified connection", "client", c.Addr(), "conn", c.ID())
		c.Close(frame.ClosePolicyViolation)
	}
}
