// Package prefetch warms keys proposed by an external source before they are
// requested. Candidates are ranked by observed miss demand, loaded at a bounded
// rate and only stored while their category stays inside its prefetch budget,
// so warming never evicts live entries.
package prefetch

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"github.com/Borislavv/go-ash-tiers/config"
	"github.com/Borislavv/go-ash-tiers/internal/events"
	"github.com/Borislavv/go-ash-tiers/internal/shared/rate"
	"github.com/Borislavv/go-ash-tiers/model"
	"github.com/rs/zerolog"
	"slices"
	"sync/atomic"
)

// Candidate is a key the source expects to be requested soon.
// A nil Priority falls back to the configured one.
type Candidate struct {
	Key      string
	Category model.Category
	Priority *model.Priority
}

type Source interface {
	Candidates(ctx context.Context) ([]Candidate, error)
}

type Loader interface {
	Load(ctx context.Context, key string, category model.Category) ([]byte, error)
}

// Store is the part of the cache the advisor writes through. SetWithin must
// fail with model.ErrOverBudget, without evicting, when the stored entry would
// push its category above budget.
type Store interface {
	Contains(key string) bool
	Usage(category model.Category) (mem int64, pol model.Policy, err error)
	SetWithin(key string, data []byte, category model.Category, priority model.Priority, budget int64) error
}

// Prediction is a proposed key with its estimated miss demand.
type Prediction struct {
	Key      string
	Category model.Category
	Demand   uint8
}

// Report summarizes one run.
type Report struct {
	Considered int
	Warmed     int
	Present    int // already cached
	LowDemand  int // below min demand
	OverBudget int // would exceed the category prefetch budget
	Failed     int // load or set failed
}

type Advisor struct {
	cfg     *config.PrefetchCfg
	store   Store
	source  Source
	loader  Loader
	demand  *demand
	jitter  *rate.Jitter
	logger  zerolog.Logger
	runs    atomic.Int64
	warmed  atomic.Int64
	lastRun atomic.Pointer[Report]
}

func New(ctx context.Context, cfg *config.PrefetchCfg, store Store, source Source, loader Loader, logger zerolog.Logger) *Advisor {
	return &Advisor{
		cfg:    cfg,
		store:  store,
		source: source,
		loader: loader,
		demand: newDemand(cfg.SketchCapacity),
		jitter: rate.NewJitter(ctx, cfg.Rate),
		logger: logger.With().Str("component", "prefetch").Logger(),
	}
}

// RecordMiss counts one cache miss of key towards its demand.
func (a *Advisor) RecordMiss(key string) { a.demand.record(key) }

// Demand returns the estimated miss count of key.
func (a *Advisor) Demand(key string) uint8 { return a.demand.estimate(key) }

// Observe records the misses published on ch until it is closed or ctx is done.
func (a *Advisor) Observe(ctx context.Context, ch <-chan events.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			if e.Type == events.CacheMiss {
				a.RecordMiss(e.Key)
			}
		}
	}
}

// Run evaluates one batch of candidates. A failing source fails the run;
// failing loads are counted and skipped.
func (a *Advisor) Run(ctx context.Context) (Report, error) {
	var rep Report
	if a.source == nil || a.loader == nil {
		return rep, nil
	}

	candidates, err := a.ranked(ctx)
	if err != nil {
		return rep, err
	}

	for _, c := range candidates {
		if ctx.Err() != nil {
			break
		}
		rep.Considered++

		if a.store.Contains(c.Key) {
			rep.Present++
			continue
		}
		if a.demand.estimate(c.Key) < a.cfg.MinDemand {
			rep.LowDemand++
			continue
		}
		mem, pol, err := a.store.Usage(c.Category)
		if err != nil {
			rep.Failed++
			continue
		}
		budget := int64(float64(pol.MaxSize) * a.cfg.BudgetRatio)
		if mem >= budget {
			rep.OverBudget++
			continue
		}

		if err = a.jitter.Wait(ctx); err != nil {
			break
		}
		data, err := a.loader.Load(ctx, c.Key, c.Category)
		if err != nil {
			rep.Failed++
			a.logger.Debug().Err(err).Str("key", c.Key).Msg("prefetch load failed")
			continue
		}

		priority := a.cfg.Priority
		if c.Priority != nil {
			priority = *c.Priority
		}
		// the stored size is only known after encoding, so the store checks the budget
		if err = a.store.SetWithin(c.Key, data, c.Category, priority, budget); err != nil {
			if errors.Is(err, model.ErrOverBudget) {
				rep.OverBudget++
			} else {
				rep.Failed++
			}
			continue
		}
		rep.Warmed++
	}

	a.runs.Add(1)
	a.warmed.Add(int64(rep.Warmed))
	a.lastRun.Store(&rep)
	a.logger.Info().
		Int("considered", rep.Considered).
		Int("warmed", rep.Warmed).
		Int("present", rep.Present).
		Int("low_demand", rep.LowDemand).
		Int("over_budget", rep.OverBudget).
		Int("failed", rep.Failed).
		Msg("prefetch finished")

	if errors.Is(ctx.Err(), context.Canceled) {
		return rep, ctx.Err()
	}
	return rep, nil
}

// Rank returns the proposed keys the next run would consider, highest demand first.
func (a *Advisor) Rank(ctx context.Context) ([]Prediction, error) {
	if a.source == nil {
		return nil, nil
	}
	candidates, err := a.ranked(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Prediction, 0, len(candidates))
	for _, c := range candidates {
		out = append(out, Prediction{Key: c.Key, Category: c.Category, Demand: a.demand.estimate(c.Key)})
	}
	return out, nil
}

// ranked fetches candidates and keeps the MaxPerRun with the highest demand,
// in source order on ties.
func (a *Advisor) ranked(ctx context.Context) ([]Candidate, error) {
	candidates, err := a.source.Candidates(ctx)
	if err != nil {
		return nil, fmt.Errorf("prefetch candidates: %w", err)
	}
	slices.SortStableFunc(candidates, func(x, y Candidate) int {
		return cmp.Compare(a.demand.estimate(y.Key), a.demand.estimate(x.Key))
	})
	if len(candidates) > a.cfg.MaxPerRun {
		candidates = candidates[:a.cfg.MaxPerRun]
	}
	return candidates, nil
}

// Metrics returns the number of runs and warmed entries so far.
func (a *Advisor) Metrics() (runs, warmed int64) {
	return a.runs.Load(), a.warmed.Load()
}

// LastReport returns the report of the most recent run, if any.
func (a *Advisor) LastReport() (Report, bool) {
	if r := a.lastRun.Load(); r != nil {
		return *r, true
	}
	return Report{}, false
}
