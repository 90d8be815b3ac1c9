package telemetry

import (
	"github.com/Borislavv/go-ash-tiers/internal/cache"
	"github.com/Borislavv/go-ash-tiers/internal/evictor"
	"github.com/Borislavv/go-ash-tiers/internal/lifetimer"
)

type CacheSource interface {
	Len() int64
	Mem() int64
	Metrics() cache.Metrics
	CategoryStats() []cache.CategoryStat
}

type SyncSource interface {
	Metrics() (flushes, failures int64)
}

type PrefetchSource interface {
	Metrics() (runs, warmed int64)
}

type PipelineSource interface {
	Metrics() (started, completed, failed int64)
}

// Sources are the components whose counters are logged. Only Cache is
// required; a nil source is left out of the logs.
type Sources struct {
	Cache     CacheSource
	Evictor   evictor.Evictor
	Lifetimer lifetimer.Lifetimer
	Syncer    SyncSource
	Prefetch  PrefetchSource
	Pipelines PipelineSource
}

type sampler struct {
	src Sources
}

func newSampler(src Sources) sampler {
	return sampler{src: src}
}

// snapshot holds cumulative counters (monotonic).
type snapshot struct {
	hits, misses, sets, rejected uint64
	evictedItems, evictedBytes   uint64
	expiredItems                 uint64

	reevalRuns, reevalFailures   uint64
	reevalItems, reevalBytes     uint64
	sweeps, swept, sweepsSkipped uint64

	flushes, flushFailures uint64
	prefetchRuns, warmed   uint64

	pipelinesStarted, pipelinesCompleted, pipelinesFailed uint64
}

func (s sampler) snapshot() snapshot {
	m := s.src.Cache.Metrics()
	snap := snapshot{
		hits:         u(m.Hits),
		misses:       u(m.Misses),
		sets:         u(m.Sets),
		rejected:     u(m.Rejected),
		evictedItems: u(m.EvictedItems),
		evictedBytes: u(m.EvictedBytes),
		expiredItems: u(m.ExpiredItems),
	}
	if s.src.Evictor != nil {
		runs, failures, items, bytes := s.src.Evictor.Metrics()
		snap.reevalRuns, snap.reevalFailures = u(runs), u(failures)
		snap.reevalItems, snap.reevalBytes = u(items), u(bytes)
	}
	if s.src.Lifetimer != nil {
		sweeps, removed, skipped := s.src.Lifetimer.LifetimerMetrics()
		snap.sweeps, snap.swept, snap.sweepsSkipped = u(sweeps), u(removed), u(skipped)
	}
	if s.src.Syncer != nil {
		flushes, failures := s.src.Syncer.Metrics()
		snap.flushes, snap.flushFailures = u(flushes), u(failures)
	}
	if s.src.Prefetch != nil {
		runs, warmed := s.src.Prefetch.Metrics()
		snap.prefetchRuns, snap.warmed = u(runs), u(warmed)
	}
	if s.src.Pipelines != nil {
		started, completed, failed := s.src.Pipelines.Metrics()
		snap.pipelinesStarted, snap.pipelinesCompleted, snap.pipelinesFailed = u(started), u(completed), u(failed)
	}
	return snap
}

func u(v int64) uint64 { return uint64(max(v, 0)) }

// deltaSnapshot converts cumulative snapshots to per-interval deltas.
// If counters reset (cur < prev), it treats cur as the delta.
func deltaSnapshot(prev, cur snapshot) snapshot {
	return snapshot{
		hits:         delta(prev.hits, cur.hits),
		misses:       delta(prev.misses, cur.misses),
		sets:         delta(prev.sets, cur.sets),
		rejected:     delta(prev.rejected, cur.rejected),
		evictedItems: delta(prev.evictedItems, cur.evictedItems),
		evictedBytes: delta(prev.evictedBytes, cur.evictedBytes),
		expiredItems: delta(prev.expiredItems, cur.expiredItems),

		reevalRuns:     delta(prev.reevalRuns, cur.reevalRuns),
		reevalFailures: delta(prev.reevalFailures, cur.reevalFailures),
		reevalItems:    delta(prev.reevalItems, cur.reevalItems),
		reevalBytes:    delta(prev.reevalBytes, cur.reevalBytes),
		sweeps:         delta(prev.sweeps, cur.sweeps),
		swept:          delta(prev.swept, cur.swept),
		sweepsSkipped:  delta(prev.sweepsSkipped, cur.sweepsSkipped),

		flushes:       delta(prev.flushes, cur.flushes),
		flushFailures: delta(prev.flushFailures, cur.flushFailures),
		prefetchRuns:  delta(prev.prefetchRuns, cur.prefetchRuns),
		warmed:        delta(prev.warmed, cur.warmed),

		pipelinesStarted:   delta(prev.pipelinesStarted, cur.pipelinesStarted),
		pipelinesCompleted: delta(prev.pipelinesCompleted, cur.pipelinesCompleted),
		pipelinesFailed:    delta(prev.pipelinesFailed, cur.pipelinesFailed),
	}
}

func delta(prev, cur uint64) uint64 {
	if cur >= prev {
		return cur - prev
	}
	return cur
}
