package cache

import "sync/atomic"

type counters struct {
	hits          atomic.Int64
	misses        atomic.Int64
	sets          atomic.Int64
	rejected      atomic.Int64
	evictedItems  atomic.Int64
	evictedBytes  atomic.Int64
	expiredItems  atomic.Int64
	corruptedRecs atomic.Int64
}

func newCounters() *counters {
	return &counters{}
}

// Metrics is a point-in-time copy of the store counters.
type Metrics struct {
	Hits, Misses, Sets, Rejected int64
	EvictedItems, EvictedBytes   int64
	ExpiredItems                 int64
	CorruptedRecords             int64
}

func (c *counters) snapshot() Metrics {
	return Metrics{
		Hits:             c.hits.Load(),
		Misses:           c.misses.Load(),
		Sets:             c.sets.Load(),
		Rejected:         c.rejected.Load(),
		EvictedItems:     c.evictedItems.Load(),
		EvictedBytes:     c.evictedBytes.Load(),
		ExpiredItems:     c.expiredItems.Load(),
		CorruptedRecords: c.corruptedRecs.Load(),
	}
}
