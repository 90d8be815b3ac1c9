// Package scheduler owns the periodic tasks: expiration sweeps, prefetch
// evaluations and scheduled optimization pipelines. Every cadence runs on its
// own goroutine driven by the injected clock and stops with Close.
package scheduler

import (
	"context"
	"fmt"
	"github.com/Borislavv/go-ash-tiers/internal/pipeline"
	"github.com/Borislavv/go-ash-tiers/internal/prefetch"
	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
	"sync"
	"sync/atomic"
	"time"
)

type Sweeper interface {
	Run(ctx context.Context) int
}

type Prefetcher interface {
	Run(ctx context.Context) (prefetch.Report, error)
}

type Runner interface {
	Run(ctx context.Context, kind pipeline.Kind) (*pipeline.Pipeline, error)
}

// Config holds the cadences. A zero interval or a nil task disables that cadence.
type Config struct {
	SweepInterval    time.Duration
	PrefetchInterval time.Duration
	PipelineInterval time.Duration
	Kinds            []string
}

type Scheduler struct {
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
	clock  clock.Clock
	logger zerolog.Logger

	cfg      Config
	kinds    []pipeline.Kind
	sweeper  Sweeper
	prefetch Prefetcher
	runner   Runner

	sweeps    atomic.Int64
	prefetchs atomic.Int64
	pipelines atomic.Int64
	failures  atomic.Int64
}

func New(
	ctx context.Context,
	cfg Config,
	clk clock.Clock,
	sweeper Sweeper,
	prefetcher Prefetcher,
	runner Runner,
	logger zerolog.Logger,
) (*Scheduler, error) {
	kinds := make([]pipeline.Kind, 0, len(cfg.Kinds))
	for _, k := range cfg.Kinds {
		kind, err := pipeline.ParseKind(k)
		if err != nil {
			return nil, fmt.Errorf("scheduler: %w", err)
		}
		kinds = append(kinds, kind)
	}
	if clk == nil {
		clk = clock.New()
	}

	ctx, cancel := context.WithCancel(ctx)
	return &Scheduler{
		ctx:      ctx,
		cancel:   cancel,
		clock:    clk,
		logger:   logger.With().Str("component", "scheduler").Logger(),
		cfg:      cfg,
		kinds:    kinds,
		sweeper:  sweeper,
		prefetch: prefetcher,
		runner:   runner,
	}, nil
}

// Start launches the enabled cadences. Tickers are created before Start
// returns, so a mock clock advanced afterwards drives every cadence.
func (s *Scheduler) Start() {
	s.once.Do(func() {
		if s.sweeper != nil && s.cfg.SweepInterval > 0 {
			s.every("sweep", s.cfg.SweepInterval, s.sweep)
		}
		if s.prefetch != nil && s.cfg.PrefetchInterval > 0 {
			s.every("prefetch", s.cfg.PrefetchInterval, s.runPrefetch)
		}
		if s.runner != nil && s.cfg.PipelineInterval > 0 && len(s.kinds) > 0 {
			s.every("pipeline", s.cfg.PipelineInterval, s.runPipelines)
		}
		s.logger.Info().Msg("scheduler is running")
	})
}

func (s *Scheduler) every(task string, interval time.Duration, fn func(ctx context.Context)) {
	t := s.clock.Ticker(interval)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer t.Stop()
		for {
			select {
			case <-s.ctx.Done():
				s.logger.Debug().Str("task", task).Msg("task stopped")
				return
			case <-t.C:
				fn(s.ctx)
			}
		}
	}()
}

func (s *Scheduler) sweep(ctx context.Context) {
	s.sweeps.Add(1)
	s.sweeper.Run(ctx)
}

func (s *Scheduler) runPrefetch(ctx context.Context) {
	s.prefetchs.Add(1)
	if _, err := s.prefetch.Run(ctx); err != nil && ctx.Err() == nil {
		s.failures.Add(1)
		s.logger.Warn().Err(err).Msg("scheduled prefetch failed")
	}
}

// runPipelines starts one pipeline per configured kind. The kinds of one tick
// run concurrently and the tick waits for all of them.
func (s *Scheduler) runPipelines(ctx context.Context) {
	var wg sync.WaitGroup
	for _, kind := range s.kinds {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.run(ctx, kind)
		}()
	}
	wg.Wait()
}

func (s *Scheduler) run(ctx context.Context, kind pipeline.Kind) error {
	s.pipelines.Add(1)
	if _, err := s.runner.Run(ctx, kind); err != nil {
		s.failures.Add(1)
		return err
	}
	return nil
}

// TriggerOptimization runs a fresh pipeline of kind on the calling goroutine
// and returns its outcome. Concurrent triggers run independent pipelines.
func (s *Scheduler) TriggerOptimization(ctx context.Context, kind pipeline.Kind) error {
	if s.runner == nil {
		return fmt.Errorf("trigger %s: %w: no pipeline runner", kind, pipeline.ErrServiceUnavailable)
	}
	return s.run(ctx, kind)
}

// Metrics returns how many times each task fired and how many runs failed.
func (s *Scheduler) Metrics() (sweeps, prefetches, pipelines, failures int64) {
	return s.sweeps.Load(), s.prefetchs.Load(), s.pipelines.Load(), s.failures.Load()
}

// Close stops every cadence and waits for running ticks to return.
func (s *Scheduler) Close() error {
	s.cancel()
	s.wg.Wait()
	s.logger.Info().Msg("scheduler is stopped")
	return nil
}
