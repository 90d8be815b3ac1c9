// Package db implements the category-partitioned entry map behind the cache store.
// Each category is an independent Partition with its own lock; a key index keeps
// exactly one entry per key across all partitions.
package db

import (
	"github.com/Borislavv/go-ash-tiers/internal/cache/db/model"
	pub "github.com/Borislavv/go-ash-tiers/model"
)

type Map struct {
	index *keyIndex
	parts [pub.NumCategories]*Partition
}

func NewMap() *Map {
	m := &Map{index: newKeyIndex()}
	for i, c := range pub.Categories {
		m.parts[i] = newPartition(c, m.index)
	}
	return m
}

// Partition returns the partition of a known category or nil.
func (m *Map) Partition(c pub.Category) *Partition {
	if i := c.Index(); i >= 0 {
		return m.parts[i]
	}
	return nil
}

// Locate returns the category currently holding key.
func (m *Map) Locate(key string) (pub.Category, bool) { return m.index.lookup(key) }

// Lookup locks the partition holding key and calls fn with the entry.
// It reports false if the key is absent.
func (m *Map) Lookup(key string, fn func(p *Partition, e *model.Entry)) bool {
	for {
		c, ok := m.index.lookup(key)
		if !ok {
			return false
		}
		p := m.Partition(c)
		p.Lock()
		if e, hit := p.items[key]; hit {
			fn(p, e)
			p.Unlock()
			return true
		}
		p.Unlock()
		if cur, still := m.index.lookup(key); !still || cur == c {
			return false
		}
		// moved to another category meanwhile, follow it
	}
}

// Upsert locks the partition of category, plus the partition currently holding key
// when it differs (always in category order), and calls fn with the entry already
// stored under key in the target partition, if any. When fn succeeds and the key
// lived in another partition, that old entry is removed and returned.
func (m *Map) Upsert(key string, category pub.Category, fn func(p *Partition, existing *model.Entry) error) (moved *model.Entry, err error) {
	target := m.Partition(category)
	for {
		prev, had := m.index.lookup(key)
		var other *Partition
		if had && prev != category {
			other = m.Partition(prev)
		}
		unlock := lockOrdered(target, other)

		if cur, has := m.index.lookup(key); has != had || (has && cur != prev) {
			unlock()
			continue
		}

		existing, _ := target.GetUnlocked(key)
		if err = fn(target, existing); err == nil && other != nil {
			moved, _ = other.RemoveUnlocked(key)
		}
		unlock()
		return moved, err
	}
}

func lockOrdered(a, b *Partition) (unlock func()) {
	if b == nil {
		a.Lock()
		return a.Unlock
	}
	if b.category.Index() < a.category.Index() {
		a, b = b, a
	}
	a.Lock()
	b.Lock()
	return func() {
		b.Unlock()
		a.Unlock()
	}
}

// Remove deletes key wherever it lives.
func (m *Map) Remove(key string) (removed *model.Entry, hit bool) {
	m.Lookup(key, func(p *Partition, e *model.Entry) {
		removed, hit = p.RemoveUnlocked(key)
	})
	return
}

// WalkPartitions applies fn to every partition in category order.
func (m *Map) WalkPartitions(fn func(p *Partition)) {
	for _, p := range m.parts {
		fn(p)
	}
}

func (m *Map) Len() (n int64) {
	for _, p := range m.parts {
		n += p.Len()
	}
	return
}

func (m *Map) Mem() (n int64) {
	for _, p := range m.parts {
		n += p.Weight()
	}
	return
}

// Clear wipes all partitions.
func (m *Map) Clear() (freedBytes, items int64) {
	for _, p := range m.parts {
		b, n := p.Clear()
		freedBytes += b
		items += n
	}
	return
}
