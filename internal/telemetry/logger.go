// Package telemetry reports what the cache and its workers did: periodic
// stats logs of per-interval counter deltas and Prometheus metrics fed from
// the event bus.
package telemetry

import (
	"context"
	"github.com/Borislavv/go-ash-tiers/config"
	"github.com/Borislavv/go-ash-tiers/internal/shared/bytes"
	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
	"sync"
	"time"
)

type Logger interface {
	Interval() time.Duration
	Close() error
}

type Logs struct {
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	cfg      *config.TelemetryCfg
	logger   zerolog.Logger
	clock    clock.Clock
	src      Sources
	metrics  *Metrics
	interval time.Duration
}

// New starts the stats loop when cfg is enabled. src.Cache is required.
// When metrics is not nil its category gauges are refreshed on every tick.
func New(ctx context.Context, cfg *config.TelemetryCfg, clk clock.Clock, src Sources, metrics *Metrics, logger zerolog.Logger) *Logs {
	ctx, cancel := context.WithCancel(ctx)
	if clk == nil {
		clk = clock.New()
	}
	l := &Logs{
		ctx:     ctx,
		cancel:  cancel,
		cfg:     cfg,
		logger:  logger.With().Str("component", "telemetry").Logger(),
		clock:   clk,
		src:     src,
		metrics: metrics,
	}
	if cfg.Enabled() {
		l.interval = cfg.LogsInterval
	}
	return l.run()
}

func (l *Logs) Interval() time.Duration {
	return l.interval
}

func (l *Logs) Close() error {
	l.cancel()
	l.wg.Wait()
	return nil
}

func (l *Logs) run() *Logs {
	if !l.cfg.Enabled() || l.interval <= 0 || l.src.Cache == nil {
		return l
	}

	ticker := l.clock.Ticker(l.interval)
	s := newSampler(l.src)
	prev := s.snapshot()

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		defer ticker.Stop()
		for {
			select {
			case <-l.ctx.Done():
				return
			case <-ticker.C:
				cur := s.snapshot()
				l.report(deltaSnapshot(prev, cur))
				prev = cur
				if l.metrics != nil {
					l.metrics.Update(l.src.Cache)
				}
			}
		}
	}()
	return l
}

func (l *Logs) report(d snapshot) {
	interval := l.interval.String()

	l.logger.Info().
		Str("interval", interval).
		Uint64("hits", d.hits).
		Uint64("misses", d.misses).
		Uint64("sets", d.sets).
		Uint64("rejected", d.rejected).
		Uint64("expired", d.expiredItems).
		Uint64("evicted_items", d.evictedItems).
		Str("evicted_bytes", bytes.FmtMem(d.evictedBytes)).
		Msg("cache")

	if l.src.Evictor != nil && d.reevalRuns > 0 {
		l.logger.Info().
			Str("interval", interval).
			Uint64("runs", d.reevalRuns).
			Uint64("errors", d.reevalFailures).
			Uint64("freed_items", d.reevalItems).
			Str("freed_bytes", bytes.FmtMem(d.reevalBytes)).
			Msg("evictor")
	}

	if l.src.Lifetimer != nil {
		l.logger.Info().
			Str("interval", interval).
			Uint64("sweeps", d.sweeps).
			Uint64("removed", d.swept).
			Uint64("idle", d.sweepsSkipped).
			Msg("sweeper")
	}

	if l.src.Syncer != nil && (d.flushes > 0 || d.flushFailures > 0) {
		l.logger.Info().
			Str("interval", interval).
			Uint64("flushes", d.flushes).
			Uint64("errors", d.flushFailures).
			Msg("syncer")
	}

	if l.src.Prefetch != nil {
		l.logger.Info().
			Str("interval", interval).
			Uint64("runs", d.prefetchRuns).
			Uint64("warmed", d.warmed).
			Msg("prefetch")
	}

	if l.src.Pipelines != nil && d.pipelinesStarted+d.pipelinesCompleted+d.pipelinesFailed > 0 {
		l.logger.Info().
			Str("interval", interval).
			Uint64("started", d.pipelinesStarted).
			Uint64("completed", d.pipelinesCompleted).
			Uint64("failed", d.pipelinesFailed).
			Msg("pipelines")
	}

	for _, st := range l.src.Cache.CategoryStats() {
		if st.MaxSize == 0 && st.Len == 0 {
			continue
		}
		l.logger.Info().
			Str("category", string(st.Category)).
			Int64("entries", st.Len).
			Str("size", bytes.FmtMem(uint64(st.Mem))).
			Str("limit", bytes.FmtMem(uint64(st.MaxSize))).
			Msg("category")
	}

	l.logger.Info().
		Str("interval", interval).
		Str("size", bytes.FmtMem(uint64(l.src.Cache.Mem()))).
		Int64("entries", l.src.Cache.Len()).
		Msg("storage")
}
