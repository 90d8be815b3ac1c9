package prefetch

import (
	"github.com/stretchr/testify/require"
	"strconv"
	"testing"
)

// TestDemand_DoorkeeperAbsorbsFirstMiss reports one miss without touching the counters.
func TestDemand_DoorkeeperAbsorbsFirstMiss(t *testing.T) {
	d := newDemand(1024)
	require.Zero(t, d.estimate("k"))

	d.record("k")
	require.Equal(t, uint8(1), d.estimate("k"))
	require.Zero(t, d.adds.Load())
}

// TestDemand_RanksHotOverCold estimates repeated misses higher than single ones.
func TestDemand_RanksHotOverCold(t *testing.T) {
	d := newDemand(4096)
	for i := 0; i < 50; i++ {
		key := "hot" + strconv.Itoa(i)
		for j := 0; j < 8; j++ {
			d.record(key)
		}
		d.record("cold" + strconv.Itoa(i))
	}

	hotter := 0
	for i := 0; i < 50; i++ {
		if d.estimate("hot"+strconv.Itoa(i)) > d.estimate("cold"+strconv.Itoa(i)) {
			hotter++
		}
	}
	require.GreaterOrEqual(t, hotter, 45)
}

// TestDemand_Saturates caps the estimate at MaxDemand.
func TestDemand_Saturates(t *testing.T) {
	d := newDemand(64)
	for i := 0; i < 100; i++ {
		d.record("k")
	}
	require.Equal(t, uint8(MaxDemand), d.estimate("k"))
}

// TestDemand_AgingHalves lets old demand fade once the window is full.
func TestDemand_AgingHalves(t *testing.T) {
	d := newDemand(1024)
	for i := 0; i < 16; i++ {
		d.record("k")
	}
	before := d.estimate("k")

	// fill the window with other keys to trigger aging
	for i := 0; uint64(i) < d.resetAt+1; i++ {
		d.record("other" + strconv.Itoa(i%4))
		d.record("other" + strconv.Itoa(i%4))
	}
	require.Less(t, d.estimate("k"), before)
}
