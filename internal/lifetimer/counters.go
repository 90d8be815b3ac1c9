package lifetimer

import "sync/atomic"

type lifetimerCounters struct {
	sweeps  atomic.Int64 // sweeps performed
	removed atomic.Int64 // expired entries removed
	skipped atomic.Int64 // sweeps that found an empty cache
}

func newLifetimerCounters() *lifetimerCounters {
	return &lifetimerCounters{}
}

func (c *lifetimerCounters) snapshot() (sweeps, removed, skipped int64) {
	return c.sweeps.Load(), c.removed.Load(), c.skipped.Load()
}
