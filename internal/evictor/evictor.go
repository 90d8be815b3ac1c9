// Package evictor re-applies category policies to entries already stored.
// A policy change only affects subsequent sets; this worker runs the explicit
// re-evaluation pass after every change and on demand.
package evictor

import (
	"context"
	"github.com/Borislavv/go-ash-tiers/internal/cache/policy"
	"github.com/Borislavv/go-ash-tiers/model"
	"github.com/rs/zerolog"
	"sync"
	"sync/atomic"
)

type Reevaluator interface {
	Reevaluate(category model.Category) (freedBytes, evictedItems int64, err error)
}

type Evictor interface {
	ReevaluateAll() (freedBytes, evictedItems int64)
	Metrics() (runs, failures, evictedItems, evictedBytes int64)
	Close() error
}

type EvictionWorker struct {
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	logger   zerolog.Logger
	cache    Reevaluator
	policies *policy.Table
	counters *evictorCounters

	pending  [model.NumCategories]atomic.Bool
	invokeCh chan struct{}
}

// New starts the worker and subscribes it to policy changes of table.
func New(ctx context.Context, table *policy.Table, cache Reevaluator, logger zerolog.Logger) *EvictionWorker {
	ctx, cancel := context.WithCancel(ctx)
	w := &EvictionWorker{
		ctx:      ctx,
		cancel:   cancel,
		logger:   logger.With().Str("component", "evictor").Logger(),
		cache:    cache,
		policies: table,
		counters: newEvictorCounters(),
		invokeCh: make(chan struct{}, 1),
	}
	table.Subscribe(func(category model.Category, _, _ model.Policy) {
		w.enqueue(category)
	})
	return w.run()
}

func (w *EvictionWorker) enqueue(category model.Category) {
	if idx := category.Index(); idx >= 0 {
		w.pending[idx].Store(true)
		select {
		case w.invokeCh <- struct{}{}:
		default:
		}
	}
}

// ReevaluateAll runs the pass over every category synchronously.
func (w *EvictionWorker) ReevaluateAll() (freedBytes, evictedItems int64) {
	for _, category := range w.policies.Categories() {
		f, e := w.reevaluate(category)
		freedBytes += f
		evictedItems += e
	}
	return
}

func (w *EvictionWorker) reevaluate(category model.Category) (freedBytes, evictedItems int64) {
	w.counters.runs.Add(1)
	freedBytes, evictedItems, err := w.cache.Reevaluate(category)
	if err != nil {
		w.counters.failures.Add(1)
		w.logger.Warn().Err(err).Str("category", string(category)).Msg("re-evaluation failed")
		return 0, 0
	}
	w.counters.evictedItems.Add(evictedItems)
	w.counters.evictedBytes.Add(freedBytes)
	return freedBytes, evictedItems
}

func (w *EvictionWorker) Metrics() (runs, failures, evictedItems, evictedBytes int64) {
	return w.counters.snapshot()
}

func (w *EvictionWorker) Close() error {
	w.cancel()
	w.wg.Wait()
	return nil
}

func (w *EvictionWorker) run() *EvictionWorker {
	w.logger.Info().Msg("evictor is running")

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer w.logger.Info().Msg("evictor is stopped")
		w.consumer()
	}()

	return w
}

// consumer re-evaluates every category marked pending, once per wake-up.
func (w *EvictionWorker) consumer() {
	for {
		select {
		case <-w.ctx.Done():
			return
		case <-w.invokeCh:
			for i, category := range model.Categories {
				if w.pending[i].CompareAndSwap(true, false) {
					w.reevaluate(category)
				}
			}
		}
	}
}
