package lifetimer

import (
	"github.com/stretchr/testify/require"
	"sync"
	"testing"
)

// TestLifetimerCounters_Snapshot verifies that lifetimer counters correctly track metrics.
func TestLifetimerCounters_Snapshot(t *testing.T) {
	c := newLifetimerCounters()

	sweeps, removed, skipped := c.snapshot()
	require.Zero(t, sweeps)
	require.Zero(t, removed)
	require.Zero(t, skipped)

	c.sweeps.Add(3)
	c.removed.Add(42)
	c.skipped.Add(1)

	sweeps, removed, skipped = c.snapshot()
	require.Equal(t, int64(3), sweeps)
	require.Equal(t, int64(42), removed)
	require.Equal(t, int64(1), skipped)
}

// TestLifetimerCounters_Concurrent verifies that counters are safe for concurrent use.
func TestLifetimerCounters_Concurrent(t *testing.T) {
	c := newLifetimerCounters()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				c.removed.Add(1)
			}
		}()
	}
	wg.Wait()

	_, removed, _ := c.snapshot()
	require.Equal(t, int64(500), removed)
}
