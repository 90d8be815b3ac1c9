package db

import (
	"cmp"
	"github.com/Borislavv/go-ash-tiers/internal/cache/db/model"
	pub "github.com/Borislavv/go-ash-tiers/model"
	"slices"
)

// VictimOrder returns the comparison that sorts entries from first to last victim.
// Every strategy falls back to insertion sequence on ties.
func VictimOrder(strategy pub.EvictionStrategy) func(a, b *model.Entry) int {
	switch strategy {
	case pub.EvictLFU:
		return func(a, b *model.Entry) int {
			return cmp.Or(cmp.Compare(a.Hits(), b.Hits()), cmp.Compare(a.Seq(), b.Seq()))
		}
	case pub.EvictFIFO:
		return func(a, b *model.Entry) int {
			return cmp.Or(cmp.Compare(a.CreatedAt(), b.CreatedAt()), cmp.Compare(a.Seq(), b.Seq()))
		}
	case pub.EvictPriority:
		return func(a, b *model.Entry) int {
			return cmp.Or(
				cmp.Compare(a.Priority().Rank(), b.Priority().Rank()),
				cmp.Compare(a.TouchedAt(), b.TouchedAt()),
				cmp.Compare(a.Seq(), b.Seq()),
			)
		}
	default: // LRU
		return func(a, b *model.Entry) int {
			return cmp.Or(cmp.Compare(a.TouchedAt(), b.TouchedAt()), cmp.Compare(a.Seq(), b.Seq()))
		}
	}
}

// EvictUnlocked removes entries in victim order until at least need bytes are freed
// or the partition is empty. The caller holds the lock.
func (p *Partition) EvictUnlocked(strategy pub.EvictionStrategy, need int64, onEvict func(*model.Entry)) (freed, evicted int64) {
	if need <= 0 || len(p.items) == 0 {
		return 0, 0
	}

	victims := make([]*model.Entry, 0, len(p.items))
	for _, e := range p.items {
		victims = append(victims, e)
	}
	slices.SortFunc(victims, VictimOrder(strategy))

	for _, v := range victims {
		if freed >= need {
			break
		}
		if _, hit := p.RemoveUnlocked(v.Key()); hit {
			freed += v.Size()
			evicted++
			if onEvict != nil {
				onEvict(v)
			}
		}
	}
	return freed, evicted
}

// EvictToLimitUnlocked evicts until the partition weight is at most limit.
func (p *Partition) EvictToLimitUnlocked(strategy pub.EvictionStrategy, limit int64, onEvict func(*model.Entry)) (freed, evicted int64) {
	return p.EvictUnlocked(strategy, p.Weight()-limit, onEvict)
}
