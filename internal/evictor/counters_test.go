package evictor

import (
	"github.com/stretchr/testify/require"
	"sync"
	"testing"
)

// TestEvictorCounters_Snapshot verifies that evictor counters correctly track metrics.
func TestEvictorCounters_Snapshot(t *testing.T) {
	c := newEvictorCounters()

	runs, failures, items, bytes := c.snapshot()
	require.Zero(t, runs)
	require.Zero(t, failures)
	require.Zero(t, items)
	require.Zero(t, bytes)

	c.runs.Add(6)
	c.failures.Add(1)
	c.evictedItems.Add(25)
	c.evictedBytes.Add(51200)

	runs, failures, items, bytes = c.snapshot()
	require.Equal(t, int64(6), runs)
	require.Equal(t, int64(1), failures)
	require.Equal(t, int64(25), items)
	require.Equal(t, int64(51200), bytes)
}

// TestEvictorCounters_Concurrent verifies that counters are safe for concurrent use.
func TestEvictorCounters_Concurrent(t *testing.T) {
	c := newEvictorCounters()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				c.runs.Add(1)
				c.evictedItems.Add(2)
			}
		}()
	}
	wg.Wait()

	runs, _, items, _ := c.snapshot()
	require.Equal(t, int64(800), runs)
	require.Equal(t, int64(1600), items)
}
