package evictor

import "sync/atomic"

type evictorCounters struct {
	runs         atomic.Int64 // per-category passes
	failures     atomic.Int64 // passes that returned an error
	evictedItems atomic.Int64
	evictedBytes atomic.Int64
}

func newEvictorCounters() *evictorCounters {
	return &evictorCounters{}
}

func (c *evictorCounters) snapshot() (runs, failures, evictedItems, evictedBytes int64) {
	return c.runs.Load(), c.failures.Load(), c.evictedItems.Load(), c.evictedBytes.Load()
}
