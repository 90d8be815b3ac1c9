package prefetch

import (
	"github.com/zeebo/xxh3"
	"sync/atomic"
)

// demand estimates how often a key was missed, TinyLFU style: a doorkeeper bit
// set absorbs one-off misses and a count-min sketch of 4-bit counters counts
// repeated ones. Counters are halved every window to let stale demand fade.
type demand struct {
	words   []uint64 // 16 nibble counters per word
	mask    uint32
	door    []uint64
	dmask   uint32
	adds    atomic.Uint64
	resetAt uint64
	aging   atomic.Uint32
}

const (
	nibbleMask    = 0xF
	maskNibbles64 = 0x7777777777777777
	maxCASTries   = 64
	sampleFactor  = 10

	// MaxDemand is the highest estimate the sketch can report.
	MaxDemand = nibbleMask + 1
)

func newDemand(capacity int) *demand {
	n := nextPow2(capacity)
	if n < 16 {
		n = 16
	}
	d := &demand{
		words:   make([]uint64, n/16),
		mask:    uint32(n - 1),
		door:    make([]uint64, (n+63)/64),
		dmask:   uint32(n - 1),
		resetAt: uint64(n) * sampleFactor,
	}
	return d
}

func hashKey(key string) uint64 { return xxh3.HashString(key) }

// record observes one miss of key.
func (d *demand) record(key string) {
	h := hashKey(key)
	if !d.seenOrAdd(h) {
		return
	}
	d.maybeReset()
	for _, idx := range d.indices(h) {
		d.incAt(idx)
	}
	d.adds.Add(1)
}

// estimate returns the approximate miss count of key, 0..MaxDemand.
func (d *demand) estimate(key string) uint8 {
	h := hashKey(key)
	if !d.seen(h) {
		return 0
	}
	est := uint8(nibbleMask)
	for _, idx := range d.indices(h) {
		if c := d.getAt(idx); c < est {
			est = c
		}
	}
	return est + 1
}

func (d *demand) indices(h uint64) [4]uint32 {
	var out [4]uint32
	for i := range out {
		out[i] = uint32(h) & d.mask
		h = mix64(h)
	}
	return out
}

func (d *demand) incAt(idx uint32) {
	ptr := &d.words[idx>>4]
	sh := uint((idx & 0xF) << 2)
	for tries := 0; tries < maxCASTries; tries++ {
		old := atomic.LoadUint64(ptr)
		if (old>>sh)&nibbleMask == nibbleMask {
			return
		}
		if atomic.CompareAndSwapUint64(ptr, old, old+(1<<sh)) {
			return
		}
	}
}

func (d *demand) getAt(idx uint32) uint8 {
	return uint8((atomic.LoadUint64(&d.words[idx>>4]) >> uint((idx&0xF)<<2)) & nibbleMask)
}

func (d *demand) doorBits(h uint64) [3]uint32 {
	var out [3]uint32
	for i := range out {
		out[i] = uint32(h) & d.dmask
		h = mix64(h)
	}
	return out
}

func (d *demand) seen(h uint64) bool {
	for _, i := range d.doorBits(h) {
		if atomic.LoadUint64(&d.door[i>>6])&(1<<(i&63)) == 0 {
			return false
		}
	}
	return true
}

// seenOrAdd reports whether h passed the doorkeeper before, setting its bits otherwise.
func (d *demand) seenOrAdd(h uint64) bool {
	if d.seen(h) {
		return true
	}
	for _, i := range d.doorBits(h) {
		ptr := &d.door[i>>6]
		for tries := 0; tries < maxCASTries; tries++ {
			old := atomic.LoadUint64(ptr)
			if old&(1<<(i&63)) != 0 || atomic.CompareAndSwapUint64(ptr, old, old|1<<(i&63)) {
				break
			}
		}
	}
	return false
}

func (d *demand) maybeReset() {
	if d.adds.Load() < d.resetAt || !d.aging.CompareAndSwap(0, 1) {
		return
	}
	defer d.aging.Store(0)
	if d.adds.Load() < d.resetAt {
		return
	}
	for i := range d.words {
		for tries := 0; tries < maxCASTries; tries++ {
			old := atomic.LoadUint64(&d.words[i])
			if atomic.CompareAndSwapUint64(&d.words[i], old, (old>>1)&maskNibbles64) {
				break
			}
		}
	}
	for i := range d.door {
		atomic.StoreUint64(&d.door[i], 0)
	}
	d.adds.Store(0)
}

func nextPow2(x int) int {
	n := 1
	for n < x {
		n <<= 1
	}
	return n
}

// mix64 is the SplitMix64 finalizer.
func mix64(x uint64) uint64 {
	x += 0x9E3779B97F4A7C15
	x = (x ^ (x >> 30)) * 0xBF58476D1CE4E5B9
	x = (x ^ (x >> 27)) * 0x94D049BB133111EB
	return x ^ (x >> 31)
}
