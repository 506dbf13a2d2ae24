// Package timer runs recurring jobs against the live connection set from the
// server loop.
package timer

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/wspush/wspush/internal/wsconn"
)

var (
	// ErrNoInterval is returned when a job declares no usable interval.
	ErrNoInterval = errors.New("timer has no interval")
	// ErrDuplicate is returned when a name is added twice.
	ErrDuplicate = errors.New("timer already registered")
)

// Job is a recurring task. Run executes on the server loop and must return
// quickly; it receives a snapshot of the live connections.
type Job interface {
	Interval() time.Duration
	Run(conns []*wsconn.Connection)
}

type entry struct {
	name     string
	job      Job
	interval time.Duration
	lastRun  time.Time
	ran      bool
}

// Scheduler holds jobs in registration order. It is driven by Tick and is not
// safe for concurrent use.
type Scheduler struct {
	entries []*entry
	logger  *slog.Logger
}

// NewScheduler returns an empty scheduler.
func NewScheduler(logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{logger: logger}
}

// Add registers job under name. The interval is read once, here, and must be
// at least one millisecond.
func (s *Scheduler) Add(name string, job Job) error {
	if job == nil {
		return fmt.Errorf("timer %q: nil job", name)
	}
	interval := job.Interval()
	if interval < time.Millisecond {
		return fmt.Errorf("timer %q: %w (got %s)", name, ErrNoInterval, interval)
	}
	for _, e := range s.entries {
		if e.name == name {
			return fmt.Errorf("timer %q: %w", name, ErrDuplicate)
		}
	}
	s.entries = append(s.entries, &entry{name: name, job: job, interval: interval.Truncate(time.Millisecond)})
	return nil
}

// Tick runs every due job and returns how many ran. A job is due on its first
// tick and then once per elapsed interval; its last run time advances in whole
// intervals so a late tick neither fires twice nor shifts the schedule.
func (s *Scheduler) Tick(now time.Time, conns []*wsconn.Connection) int {
	ran := 0
	for _, e := range s.entries {
		if e.ran {
			elapsed := now.Sub(e.lastRun)
			if elapsed < e.interval {
				continue
			}
			e.lastRun = e.lastRun.Add(elapsed / e.interval * e.interval)
		} else {
			e.ran = true
			e.lastRun = now
		}
		e.job.Run(conns)
		ran++
	}
	return ran
}

// Info describes a registered job.
type Info struct {
	Name     string
	Interval time.Duration
}

// List returns the registered jobs in order.
func (s *Scheduler) List() []Info {
	out := make([]Info, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, Info{Name: e.name, Interval: e.interval})
	}
	return out
}

// Len returns the number of registered jobs.
func (s *Scheduler) Len() int { return len(s.entries) }
