// internal/scheduler/scheduler.go
package scheduler

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/user/agentlens/internal/state"
)

// cronParser accepts both standard 5-field cron expressions and 6-field
// expressions with an optional seconds field.
var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Pruner releases per-session resources held for sessions the store has
// evicted. The HTTP server implements it for audit emitters.
type Pruner interface {
	PruneEmitters(timeout time.Duration) int
}

// Sweeper periodically evicts sessions that have been idle past the TTL.
// The store also evicts over capacity on append; the sweep handles the
// time-based half of retention.
type Sweeper struct {
	store    *state.Store
	pruner   Pruner // optional
	ttl      time.Duration
	schedule string
	cron     *cron.Cron
}

// New creates a Sweeper that runs on the given cron schedule. pruner may
// be nil.
func New(store *state.Store, pruner Pruner, ttl time.Duration, schedule string) *Sweeper {
	return &Sweeper{
		store:    store,
		pruner:   pruner,
		ttl:      ttl,
		schedule: schedule,
		cron:     cron.New(cron.WithParser(cronParser)),
	}
}

// Start registers the sweep entry and starts the cron ticker.
func (s *Sweeper) Start() error {
	if _, err := s.cron.AddFunc(s.schedule, s.sweep); err != nil {
		return fmt.Errorf("invalid sweep schedule %q: %w", s.schedule, err)
	}
	s.cron.Start()
	slog.Info("retention sweep scheduled", "schedule", s.schedule, "idle_ttl", s.ttl)
	return nil
}

func (s *Sweeper) sweep() {
	evicted := s.store.EvictIdle(s.ttl)
	if evicted > 0 {
		slog.Info("retention sweep evicted idle sessions",
			"evicted", evicted, "retained", s.store.Len())
	}
	if s.pruner != nil {
		if pruned := s.pruner.PruneEmitters(5 * time.Second); pruned > 0 {
			slog.Info("retention sweep pruned audit emitters", "pruned", pruned)
		}
	}
}

// Stop stops the cron ticker.
func (s *Sweeper) Stop() {
	s.cron.Stop()
}
