// Package syncer moves cache writes to the blob store according to the
// sync strategy of each category.
package syncer

import (
	"context"
	"github.com/Borislavv/go-ash-tiers/internal/shared/queue"
	"github.com/Borislavv/go-ash-tiers/model"
	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
	"sync"
	"sync/atomic"
	"time"
)

const flushTimeout = 10 * time.Second

type Flusher interface {
	Flush(ctx context.Context, category model.Category) error
}

type PolicySource interface {
	PolicyFor(category model.Category) (model.Policy, error)
}

type Syncer struct {
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	flusher  Flusher
	policies PolicySource
	clock    clock.Clock
	interval time.Duration
	logger   zerolog.Logger
	counters *counters

	// batched categories waiting for the next tick; dirty dedups the queue
	batched *queue.Queue[model.Category]
	dirty   [model.NumCategories]atomic.Bool

	// background categories waiting for the async flusher
	pending [model.NumCategories]atomic.Bool
	wakeCh  chan struct{}
}

// New starts the batched ticker and the background flusher. interval is the
// batched flush cadence.
func New(
	ctx context.Context,
	flusher Flusher,
	policies PolicySource,
	clk clock.Clock,
	interval time.Duration,
	logger zerolog.Logger,
) *Syncer {
	ctx, cancel := context.WithCancel(ctx)
	s := &Syncer{
		ctx:      ctx,
		cancel:   cancel,
		flusher:  flusher,
		policies: policies,
		clock:    clk,
		interval: interval,
		logger:   logger.With().Str("component", "syncer").Logger(),
		counters: &counters{},
		batched:  queue.New[model.Category](model.NumCategories + 1),
		wakeCh:   make(chan struct{}, 1),
	}
	return s.run()
}

// Written dispatches a changed category to its sync strategy.
// Immediate categories are flushed before Written returns.
func (s *Syncer) Written(category model.Category) {
	idx := category.Index()
	if idx < 0 {
		return
	}
	pol, err := s.policies.PolicyFor(category)
	if err != nil {
		// category left the table, its blob is no longer maintained
		return
	}

	switch pol.SyncStrategy {
	case model.SyncImmediate:
		s.flush(category)
	case model.SyncBackground:
		s.pending[idx].Store(true)
		select {
		case s.wakeCh <- struct{}{}:
		default:
		}
	default:
		if s.dirty[idx].CompareAndSwap(false, true) {
			s.batched.TryPush(category)
		}
	}
}

func (s *Syncer) flush(category model.Category) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(s.ctx), flushTimeout)
	defer cancel()

	if err := s.flusher.Flush(ctx, category); err != nil {
		s.counters.failures.Add(1)
		s.logger.Error().Err(err).Str("category", string(category)).Msg("flush failed")
		return
	}
	s.counters.flushes.Add(1)
}

// FlushBatched flushes every dirty batched category now.
func (s *Syncer) FlushBatched() int {
	categories := s.batched.Drain()
	for _, category := range categories {
		s.dirty[category.Index()].Store(false)
		s.flush(category)
	}
	return len(categories)
}

func (s *Syncer) flushBackground() (n int) {
	for i, category := range model.Categories {
		if s.pending[i].CompareAndSwap(true, false) {
			s.flush(category)
			n++
		}
	}
	return n
}

func (s *Syncer) run() *Syncer {
	s.logger.Info().Str("interval", s.interval.String()).Msg("syncer is running")

	// the ticker exists before run returns, so no tick is missed on a mock clock
	ticker := s.clock.Ticker(s.interval)

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		defer ticker.Stop()
		for {
			select {
			case <-s.ctx.Done():
				return
			case <-ticker.C:
				s.FlushBatched()
			}
		}
	}()
	go func() {
		defer s.wg.Done()
		for {
			select {
			case <-s.ctx.Done():
				return
			case <-s.wakeCh:
				s.flushBackground()
			}
		}
	}()
	return s
}

func (s *Syncer) Metrics() (flushes, failures int64) {
	return s.counters.snapshot()
}

// Close stops both loops and flushes whatever is still pending.
func (s *Syncer) Close() error {
	s.cancel()
	s.wg.Wait()
	s.FlushBatched()
	s.flushBackground()
	s.logger.Info().Msg("syncer is stopped")
	return nil
}

type counters struct {
	flushes  atomic.Int64
	failures atomic.Int64
}

func (c *counters) snapshot() (flushes, failures int64) {
	return c.flushes.Load(), c.failures.Load()
}
