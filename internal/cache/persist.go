package cache

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"github.com/Borislavv/go-ash-tiers/internal/cache/db"
	"github.com/Borislavv/go-ash-tiers/internal/cache/db/model"
	"github.com/Borislavv/go-ash-tiers/internal/cache/dump"
	pub "github.com/Borislavv/go-ash-tiers/model"
	"golang.org/x/sync/errgroup"
	"slices"
	"sync/atomic"
)

var errAlreadyPresent = errors.New("key already present")

// Namespace is the blob namespace a category is persisted under.
func Namespace(category pub.Category) string { return string(category) }

// Flush writes one category to the blob store.
func (c *Cache) Flush(ctx context.Context, category pub.Category) error {
	p := c.db.Partition(category)
	if p == nil {
		return fmt.Errorf("flush: %w: %q", ErrUnknownCategory, category)
	}
	mu := &c.flushMu[category.Index()]
	mu.Lock()
	defer mu.Unlock()

	var entries []*model.Entry
	p.Walk(func(e *model.Entry) bool {
		entries = append(entries, e.Clone())
		return true
	})
	slices.SortFunc(entries, func(a, b *model.Entry) int { return cmp.Compare(a.Seq(), b.Seq()) })

	data, err := dump.Encode(entries, c.gzip)
	if err != nil {
		return fmt.Errorf("flush %s: %w", category, err)
	}
	if err = c.store.Save(ctx, Namespace(category), data); err != nil {
		return fmt.Errorf("flush %s: %w", category, err)
	}
	return nil
}

// Snapshot flushes every category in parallel.
func (c *Cache) Snapshot(ctx context.Context) error {
	start := c.clock.Now()
	g, gctx := errgroup.WithContext(ctx)
	for _, category := range pub.Categories {
		g.Go(func() error { return c.Flush(gctx, category) })
	}
	if err := g.Wait(); err != nil {
		c.logger.Error().Err(err).Msg("snapshot failed")
		return err
	}
	c.logger.Info().
		Int64("entries", c.Len()).
		Int64("bytes", c.Mem()).
		Str("elapsed", c.clock.Since(start).String()).
		Msg("snapshot written")
	return nil
}

// Restore loads every category from the blob store. Entries already expired are
// dropped, entries of categories without a policy are dropped, keys already
// present in the cache win over restored ones, and every category is brought
// back under its max size. It returns the number of restored entries.
func (c *Cache) Restore(ctx context.Context) (int, error) {
	start := c.clock.Now()
	var restored, dropped atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	for _, category := range pub.Categories {
		g.Go(func() error {
			n, d, err := c.restoreCategory(gctx, category)
			restored.Add(int64(n))
			dropped.Add(int64(d))
			return err
		})
	}
	err := g.Wait()

	c.logger.Info().
		Int64("restored", restored.Load()).
		Int64("dropped", dropped.Load()).
		Str("elapsed", c.clock.Since(start).String()).
		Msg("restoring snapshot")

	return int(restored.Load()), err
}

func (c *Cache) restoreCategory(ctx context.Context, category pub.Category) (restored, dropped int, err error) {
	data, ok, err := c.store.Load(ctx, Namespace(category))
	if err != nil {
		return 0, 0, fmt.Errorf("restore %s: %w", category, err)
	}
	if !ok {
		return 0, 0, nil
	}
	res, err := dump.Decode(data)
	if err != nil {
		return 0, 0, fmt.Errorf("restore %s: %w", category, err)
	}
	dropped = res.Corrupted
	c.counters.corruptedRecs.Add(int64(res.Corrupted))

	pol, err := c.policies.PolicyFor(category)
	if err != nil {
		return 0, dropped + len(res.Entries), nil
	}

	now := c.clock.Now()
	for _, e := range res.Entries {
		if e.Category() != category || e.IsExpired(now) {
			dropped++
			continue
		}
		c.bumpSeq(e.Seq())
		_, err = c.db.Upsert(e.Key(), category, func(p *db.Partition, existing *model.Entry) error {
			if _, bound := c.db.Locate(e.Key()); bound {
				return errAlreadyPresent
			}
			p.SetUnlocked(e)
			return nil
		})
		if err != nil {
			dropped++
			continue
		}
		restored++
	}

	var evicted []*model.Entry
	p := c.db.Partition(category)
	p.Lock()
	p.EvictToLimitUnlocked(pol.EvictionStrategy, pol.MaxSize, func(v *model.Entry) { evicted = append(evicted, v) })
	p.Unlock()
	c.reportEvicted(evicted)

	return restored, dropped, nil
}

// bumpSeq keeps new insertions ordered after every restored entry.
func (c *Cache) bumpSeq(seen uint64) {
	for {
		cur := c.seq.Load()
		if seen <= cur || c.seq.CompareAndSwap(cur, seen) {
			return
		}
	}
}
