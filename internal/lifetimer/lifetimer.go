// Package lifetimer removes expired entries. Reads already drop the expired
// entry they hit; the sweeper catches the ones nobody reads anymore.
package lifetimer

import (
	"context"
	"github.com/rs/zerolog"
)

type Sweepable interface {
	Sweep() int
	Len() int64
}

type Lifetimer interface {
	Run(ctx context.Context) int
	LifetimerMetrics() (sweeps, removed, skipped int64)
}

type Sweeper struct {
	cache    Sweepable
	logger   zerolog.Logger
	counters *lifetimerCounters
}

func New(cache Sweepable, logger zerolog.Logger) *Sweeper {
	return &Sweeper{
		cache:    cache,
		logger:   logger.With().Str("component", "sweeper").Logger(),
		counters: newLifetimerCounters(),
	}
}

// Run performs one sweep and returns the number of removed entries.
// It is the body of the scheduled sweep task and of the sweep stage.
func (s *Sweeper) Run(ctx context.Context) int {
	if ctx.Err() != nil {
		return 0
	}
	// an empty cache is still swept so the cleanup event is published
	if s.cache.Len() == 0 {
		s.counters.skipped.Add(1)
	}
	s.counters.sweeps.Add(1)
	removed := s.cache.Sweep()
	if removed > 0 {
		s.counters.removed.Add(int64(removed))
		s.logger.Debug().Int("removed", removed).Msg("expired entries swept")
	}
	return removed
}

func (s *Sweeper) LifetimerMetrics() (sweeps, removed, skipped int64) {
	return s.counters.snapshot()
}
