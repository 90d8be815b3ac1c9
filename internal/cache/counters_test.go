package cache

import (
	"github.com/stretchr/testify/require"
	"sync"
	"testing"
)

// TestCounters_Snapshot verifies that counters correctly track and snapshot metrics.
func TestCounters_Snapshot(t *testing.T) {
	c := newCounters()
	require.Equal(t, Metrics{}, c.snapshot())

	c.hits.Add(10)
	c.misses.Add(5)
	c.evictedItems.Add(3)
	c.evictedBytes.Add(1024)

	m := c.snapshot()
	require.Equal(t, int64(10), m.Hits)
	require.Equal(t, int64(5), m.Misses)
	require.Equal(t, int64(3), m.EvictedItems)
	require.Equal(t, int64(1024), m.EvictedBytes)
	require.Zero(t, m.Rejected)
}

// TestCounters_Concurrent verifies that counters are safe for concurrent use.
func TestCounters_Concurrent(t *testing.T) {
	c := newCounters()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				c.sets.Add(1)
				c.rejected.Add(1)
			}
		}()
	}
	wg.Wait()

	m := c.snapshot()
	require.Equal(t, int64(1000), m.Sets)
	require.Equal(t, int64(1000), m.Rejected)
}
