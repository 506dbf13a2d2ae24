package timer

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"
)

// ErrUnknownTimer is returned when a configured timer id has no factory.
var ErrUnknownTimer = errors.New("unknown timer")

// Env is what factories may use to build a job.
type Env struct {
	Logger      *slog.Logger
	ReaperGrace time.Duration
	Now         func() time.Time
}

// Factory builds the job registered under an id.
type Factory func(env Env) (Job, error)

// Registry maps configured timer ids to factories.
type Registry struct {
	factories map[string]Factory
}

// NewRegistry returns a registry holding the built-in jobs.
func NewRegistry() *Registry {
	r := &Registry{factories: make(map[string]Factory)}
	r.factories["stats"] = func(env Env) (Job, error) { return NewStats(env.Logger, StatsInterval), nil }
	r.factories["reaper"] = func(env Env) (Job, error) {
		return NewReaper(env.Logger, env.ReaperGrace, env.Now), nil
	}
	return r
}

// Register adds a factory. Ids are unique.
func (r *Registry) Register(id string, f Factory) error {
	if id == "" || f == nil {
		return fmt.Errorf("timer %q: empty id or factory", id)
	}
	if _, ok := r.factories[id]; ok {
		return fmt.Errorf("timer %q: %w", id, ErrDuplicate)
	}
	r.factories[id] = f
	return nil
}

// IDs returns the registered ids, sorted.
func (r *Registry) IDs() []string {
	ids := make([]string, 0, len(r.factories))
	for id := range r.factories {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Install builds each configured job and adds it to s in the given order.
func (r *Registry) Install(s *Scheduler, ids []string, env Env) error {
	if env.Logger == nil {
		env.Logger = slog.Default()
	}
	if env.Now == nil {
		env.Now = time.Now
	}
	for _, id := range ids {
		f, ok := r.factories[id]
		if !ok {
			return fmt.Errorf("%w: %q (known: %v)", ErrUnknownTimer, id, r.IDs())
		}
		job, err := f(env)
		if err != nil {
			return fmt.Errorf("timer %q: %w", id, err)
		}
		if err := s.Add(id, job); err != nil {
			return err
		}
	}
	return nil
}
