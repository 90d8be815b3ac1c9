package db

import (
	"github.com/Borislavv/go-ash-tiers/internal/cache/db/model"
	pub "github.com/Borislavv/go-ash-tiers/model"
	"sync"
	"sync/atomic"
	"time"
)

// Partition holds the entries of a single category. Its mutex serializes
// eviction, insertion and access bookkeeping, so every set/get inside one
// category observes a total order.
type Partition struct {
	sync.Mutex
	category pub.Category
	items    map[string]*model.Entry
	index    *keyIndex

	mem int64 // total stored bytes (atomic)
	len int64 // number of entries (atomic)
}

func newPartition(category pub.Category, index *keyIndex) *Partition {
	return &Partition{category: category, items: make(map[string]*model.Entry), index: index}
}

func (p *Partition) Category() pub.Category { return p.category }
func (p *Partition) Weight() int64          { return atomic.LoadInt64(&p.mem) }
func (p *Partition) Len() int64             { return atomic.LoadInt64(&p.len) }

// GetUnlocked reads an entry. The caller holds the lock.
func (p *Partition) GetUnlocked(key string) (*model.Entry, bool) {
	e, ok := p.items[key]
	return e, ok
}

// SetUnlocked inserts or replaces an entry. The caller holds the lock.
func (p *Partition) SetUnlocked(e *model.Entry) {
	if old, hit := p.items[e.Key()]; hit {
		atomic.AddInt64(&p.mem, e.Size()-old.Size())
	} else {
		atomic.AddInt64(&p.mem, e.Size())
		atomic.AddInt64(&p.len, 1)
	}
	p.items[e.Key()] = e
	p.index.bind(e.Key(), p.category)
}

// RemoveUnlocked deletes a key. The caller holds the lock.
func (p *Partition) RemoveUnlocked(key string) (removed *model.Entry, hit bool) {
	if removed, hit = p.items[key]; hit {
		delete(p.items, key)
		p.index.unbind(key, p.category)
		atomic.AddInt64(&p.mem, -removed.Size())
		atomic.AddInt64(&p.len, -1)
	}
	return
}

// SweepUnlocked removes every entry expired at now and reports each one to onRemove.
func (p *Partition) SweepUnlocked(now time.Time, onRemove func(*model.Entry)) (removed int) {
	for key, e := range p.items {
		if e.IsExpired(now) {
			p.RemoveUnlocked(key)
			removed++
			if onRemove != nil {
				onRemove(e)
			}
		}
	}
	return
}

// Items returns the entries in no particular order. The caller holds the lock.
func (p *Partition) Items() []*model.Entry {
	out := make([]*model.Entry, 0, len(p.items))
	for _, e := range p.items {
		out = append(out, e)
	}
	return out
}

// Walk calls fn for every entry under the lock until fn returns false.
// The callback must not retain the entry.
func (p *Partition) Walk(fn func(*model.Entry) bool) {
	p.Lock()
	defer p.Unlock()
	for _, e := range p.items {
		if !fn(e) {
			return
		}
	}
}

// Clear drops every entry and returns (freedBytes, itemsRemoved).
func (p *Partition) Clear() (freedBytes int64, items int64) {
	p.Lock()
	defer p.Unlock()
	for key := range p.items {
		p.index.unbind(key, p.category)
	}
	items = atomic.LoadInt64(&p.len)
	freedBytes = atomic.LoadInt64(&p.mem)
	p.items = make(map[string]*model.Entry)
	atomic.StoreInt64(&p.len, 0)
	atomic.StoreInt64(&p.mem, 0)
	return
}
