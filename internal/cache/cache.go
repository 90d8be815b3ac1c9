// Package cache is the category-partitioned cache store. Every set is checked
// against its category policy, evicts inside that category only and is
// reported to the event bus and the sync strategy of the category.
package cache

import (
	"errors"
	"fmt"
	"github.com/Borislavv/go-ash-tiers/internal/blob"
	"github.com/Borislavv/go-ash-tiers/internal/cache/codec"
	"github.com/Borislavv/go-ash-tiers/internal/cache/db"
	"github.com/Borislavv/go-ash-tiers/internal/cache/db/model"
	"github.com/Borislavv/go-ash-tiers/internal/cache/policy"
	"github.com/Borislavv/go-ash-tiers/internal/events"
	pub "github.com/Borislavv/go-ash-tiers/model"
	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
	"sync"
	"sync/atomic"
)

var (
	ErrTooLarge        = errors.New("entry is larger than its category max size")
	ErrUnknownCategory = policy.ErrUnknownCategory
	ErrOverBudget      = pub.ErrOverBudget
)

type Cacher interface {
	Get(key string) ([]byte, bool)
	Set(key string, data []byte, category pub.Category, priority pub.Priority) error
	Fetch(key string, category pub.Category, priority pub.Priority, load func() ([]byte, error)) ([]byte, error)
	Del(key string) bool
	Contains(key string) bool
	Inspect(key string) (pub.EntryView, bool)
	Len() int64
	Mem() int64
}

// Syncer is told about every category whose content changed.
type Syncer interface {
	Written(category pub.Category)
}

type nopSyncer struct{}

func (nopSyncer) Written(pub.Category) {}

// Deps are the collaborators of a Cache. Only Policies is required.
type Deps struct {
	Policies *policy.Table
	Codec    *codec.Codec
	Store    blob.Store
	Gzip     bool // gzip snapshot blobs
	Clock    clock.Clock
	Events   events.Publisher
	Logger   zerolog.Logger
}

type Cache struct {
	db       *db.Map
	policies *policy.Table
	codec    *codec.Codec
	store    blob.Store
	gzip     bool
	clock    clock.Clock
	events   events.Publisher
	logger   zerolog.Logger
	syncer   atomic.Pointer[Syncer]
	seq      atomic.Uint64
	counters *counters

	// held from snapshot to save so a stale blob never lands last
	flushMu [pub.NumCategories]sync.Mutex
}

func New(deps Deps) (*Cache, error) {
	if deps.Policies == nil {
		return nil, errors.New("cache: policy table is required")
	}
	c := &Cache{
		db:       db.NewMap(),
		policies: deps.Policies,
		codec:    deps.Codec,
		store:    deps.Store,
		gzip:     deps.Gzip,
		clock:    deps.Clock,
		events:   deps.Events,
		logger:   deps.Logger.With().Str("component", "cache").Logger(),
		counters: newCounters(),
	}
	if c.codec == nil {
		var err error
		if c.codec, err = codec.New(nil); err != nil {
			return nil, err
		}
	}
	if c.store == nil {
		c.store = blob.NewMemory()
	}
	if c.clock == nil {
		c.clock = clock.New()
	}
	if c.events == nil {
		c.events = events.Nop{}
	}
	c.SetSyncer(nopSyncer{})
	return c, nil
}

// SetSyncer installs the sync strategy dispatcher.
func (c *Cache) SetSyncer(s Syncer) { c.syncer.Store(&s) }

func (c *Cache) written(category pub.Category) { (*c.syncer.Load()).Written(category) }

// Get returns the decoded data of a live entry and records the access.
// An expired entry is removed and reported as a miss.
func (c *Cache) Get(key string) ([]byte, bool) {
	var (
		stored   []byte
		flags    model.Flags
		category pub.Category
		expired  bool
	)
	hit := c.db.Lookup(key, func(p *db.Partition, e *model.Entry) {
		now := c.clock.Now()
		category = e.Category()
		if e.IsExpired(now) {
			p.RemoveUnlocked(key)
			expired = true
			return
		}
		e.Touch(now)
		stored, flags = e.Payload(), e.Flags()
	})

	if !hit || expired {
		if expired {
			c.counters.expiredItems.Add(1)
			c.written(category)
		}
		c.counters.misses.Add(1)
		c.events.Publish(events.Event{Type: events.CacheMiss, Key: key, Category: category})
		return nil, false
	}

	data, err := c.codec.Decode(stored, flags)
	if err != nil {
		c.logger.Error().Err(err).Str("key", key).Str("category", string(category)).Msg("dropping undecodable entry")
		c.counters.corruptedRecs.Add(1)
		c.db.Remove(key)
		c.written(category)
		c.counters.misses.Add(1)
		c.events.Publish(events.Event{Type: events.CacheMiss, Key: key, Category: category})
		return nil, false
	}

	c.counters.hits.Add(1)
	c.events.Publish(events.Event{Type: events.CacheHit, Key: key, Category: category})
	return data, true
}

// Set stores data under key in category. Overwriting a key replaces the entry
// and resets its access statistics; a key set into another category leaves
// its previous category.
func (c *Cache) Set(key string, data []byte, category pub.Category, priority pub.Priority) error {
	return c.set(key, data, category, priority, -1)
}

// SetWithin stores data like Set but only while the category, minus the entry
// it replaces, stays within budget bytes. It never evicts: an entry that does
// not fit fails with ErrOverBudget and leaves the cache unchanged.
func (c *Cache) SetWithin(key string, data []byte, category pub.Category, priority pub.Priority, budget int64) error {
	return c.set(key, data, category, priority, budget)
}

// set evicts freely when budget is negative.
func (c *Cache) set(key string, data []byte, category pub.Category, priority pub.Priority, budget int64) error {
	if !category.Valid() {
		c.reject(key, category, 0)
		return fmt.Errorf("set %q: %w: %q", key, ErrUnknownCategory, category)
	}
	pol, err := c.policies.PolicyFor(category)
	if err != nil {
		c.reject(key, category, 0)
		return fmt.Errorf("set %q: %w", key, err)
	}

	stored, flags, err := c.codec.Encode(data, pol.CompressionEnabled, pol.EncryptionEnabled)
	if err != nil {
		c.reject(key, category, int64(len(data)))
		return fmt.Errorf("set %q: encode: %w", key, err)
	}

	size := int64(len(stored))
	if size > pol.MaxSize {
		c.reject(key, category, size)
		return fmt.Errorf("set %q: %w: %d > %d bytes in %s", key, ErrTooLarge, size, pol.MaxSize, category)
	}

	entry := model.NewEntry(key, category, priority, stored, flags, c.clock.Now(), pol.MaxAge, c.seq.Add(1))

	var evicted []*model.Entry
	moved, err := c.db.Upsert(key, category, func(p *db.Partition, existing *model.Entry) error {
		if budget >= 0 {
			weight := p.Weight() + size
			if existing != nil {
				weight -= existing.Size()
			}
			if weight > budget {
				return ErrOverBudget
			}
		}
		if existing != nil {
			p.RemoveUnlocked(key)
		}
		p.EvictUnlocked(pol.EvictionStrategy, p.Weight()+size-pol.MaxSize, func(v *model.Entry) {
			evicted = append(evicted, v)
		})
		p.SetUnlocked(entry)
		return nil
	})
	if err != nil {
		return fmt.Errorf("set %q: %w", key, err)
	}

	c.counters.sets.Add(1)
	c.reportEvicted(evicted)
	c.events.Publish(events.Event{Type: events.CacheSet, Key: key, Category: category, Size: size})
	if moved != nil {
		c.written(moved.Category())
	}
	c.written(category)
	return nil
}

// Fetch returns the cached data for key or loads, stores and returns it.
// A load result rejected by the policy is still returned to the caller.
func (c *Cache) Fetch(key string, category pub.Category, priority pub.Priority, load func() ([]byte, error)) ([]byte, error) {
	if data, ok := c.Get(key); ok {
		return data, nil
	}
	data, err := load()
	if err != nil {
		return nil, err
	}
	if err = c.Set(key, data, category, priority); err != nil {
		c.logger.Warn().Err(err).Str("key", key).Msg("loaded value was not cached")
	}
	return data, nil
}

func (c *Cache) reject(key string, category pub.Category, size int64) {
	c.counters.rejected.Add(1)
	c.events.Publish(events.Event{Type: events.CacheRejected, Key: key, Category: category, Size: size})
}

func (c *Cache) reportEvicted(evicted []*model.Entry) {
	for _, v := range evicted {
		c.counters.evictedItems.Add(1)
		c.counters.evictedBytes.Add(v.Size())
		c.events.Publish(events.Event{Type: events.CacheEvicted, Key: v.Key(), Category: v.Category(), Size: v.Size()})
	}
}

func (c *Cache) Del(key string) bool {
	removed, ok := c.db.Remove(key)
	if ok {
		c.written(removed.Category())
	}
	return ok
}

// Contains reports whether key holds a live entry. It is not an access.
func (c *Cache) Contains(key string) (live bool) {
	c.db.Lookup(key, func(_ *db.Partition, e *model.Entry) {
		live = !e.IsExpired(c.clock.Now())
	})
	return
}

// Inspect returns the bookkeeping of a live entry without recording an access.
func (c *Cache) Inspect(key string) (view pub.EntryView, ok bool) {
	c.db.Lookup(key, func(_ *db.Partition, e *model.Entry) {
		if !e.IsExpired(c.clock.Now()) {
			view, ok = e.View(), true
		}
	})
	return
}

// Sweep removes every expired entry and returns how many were removed.
func (c *Cache) Sweep() int {
	now := c.clock.Now()
	total := 0
	c.db.WalkPartitions(func(p *db.Partition) {
		p.Lock()
		n := p.SweepUnlocked(now, nil)
		p.Unlock()
		if n > 0 {
			total += n
			c.written(p.Category())
		}
	})
	c.counters.expiredItems.Add(int64(total))
	c.events.Publish(events.Event{Type: events.CacheCleanup, Count: total})
	return total
}

func (c *Cache) Len() int64 { return c.db.Len() }
func (c *Cache) Mem() int64 { return c.db.Mem() }

func (c *Cache) Metrics() Metrics { return c.counters.snapshot() }

// Clear drops every entry of every category.
func (c *Cache) Clear() {
	c.db.WalkPartitions(func(p *db.Partition) {
		if _, n := p.Clear(); n > 0 {
			c.written(p.Category())
		}
	})
}

// Policies exposes the table the cache enforces.
func (c *Cache) Policies() *policy.Table { return c.policies }

// CategoryStat describes the occupancy of one category.
type CategoryStat struct {
	Category pub.Category
	Len      int64
	Mem      int64
	MaxSize  int64 // 0 when the category has no policy
}

func (c *Cache) CategoryStats() []CategoryStat {
	stats := make([]CategoryStat, 0, pub.NumCategories)
	for _, category := range pub.Categories {
		p := c.db.Partition(category)
		st := CategoryStat{Category: category, Len: p.Len(), Mem: p.Weight()}
		if pol, err := c.policies.PolicyFor(category); err == nil {
			st.MaxSize = pol.MaxSize
		}
		stats = append(stats, st)
	}
	return stats
}

// Usage returns the stored bytes of category and its policy.
func (c *Cache) Usage(category pub.Category) (mem int64, pol pub.Policy, err error) {
	if !category.Valid() {
		return 0, pol, fmt.Errorf("%w: %q", ErrUnknownCategory, category)
	}
	if pol, err = c.policies.PolicyFor(category); err != nil {
		return 0, pol, err
	}
	return c.db.Partition(category).Weight(), pol, nil
}
