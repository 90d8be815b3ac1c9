package cache

import (
	"fmt"
	"github.com/Borislavv/go-ash-tiers/internal/cache/db/model"
	pub "github.com/Borislavv/go-ash-tiers/model"
)

// Reevaluate applies the current policy of category to entries stored under an
// older one: payloads are re-encoded when the compression or encryption setting
// no longer matches, expired entries are dropped and the category is evicted
// down to its max size.
func (c *Cache) Reevaluate(category pub.Category) (freedBytes, evictedItems int64, err error) {
	pol, err := c.policies.PolicyFor(category)
	if err != nil {
		return 0, 0, fmt.Errorf("reevaluate: %w", err)
	}

	var (
		evicted   []*model.Entry
		recoded   int
		expired   int
		failures  int
		p         = c.db.Partition(category)
		now       = c.clock.Now()
		wantCrypt = pol.EncryptionEnabled
	)

	p.Lock()
	expired = p.SweepUnlocked(now, nil)

	var stale []*model.Entry
	for _, e := range p.Items() {
		if e.Flags().Has(model.FlagEncrypted) != wantCrypt ||
			(e.Flags().Has(model.FlagCompressed) && !pol.CompressionEnabled) {
			stale = append(stale, e)
		}
	}
	for _, e := range stale {
		data, derr := c.codec.Decode(e.Payload(), e.Flags())
		if derr != nil {
			p.RemoveUnlocked(e.Key())
			failures++
			continue
		}
		stored, flags, eerr := c.codec.Encode(data, pol.CompressionEnabled, pol.EncryptionEnabled)
		if eerr != nil {
			failures++
			continue
		}
		p.SetUnlocked(e.WithPayload(stored, flags))
		recoded++
	}

	freedBytes, evictedItems = p.EvictToLimitUnlocked(pol.EvictionStrategy, pol.MaxSize, func(v *model.Entry) {
		evicted = append(evicted, v)
	})
	p.Unlock()

	c.counters.expiredItems.Add(int64(expired))
	c.counters.corruptedRecs.Add(int64(failures))
	c.reportEvicted(evicted)
	if expired > 0 || recoded > 0 || evictedItems > 0 {
		c.written(category)
	}

	c.logger.Debug().
		Str("category", string(category)).
		Int("expired", expired).
		Int("recoded", recoded).
		Int("failures", failures).
		Int64("evicted", evictedItems).
		Int64("freed_bytes", freedBytes).
		Msg("category re-evaluated")

	return freedBytes, evictedItems, nil
}

// Verify decodes every stored payload and drops entries that no longer decode.
// It returns how many entries were checked and how many were dropped.
func (c *Cache) Verify() (checked, dropped int) {
	for _, category := range pub.Categories {
		p := c.db.Partition(category)
		p.Lock()
		var bad []string
		for _, e := range p.Items() {
			checked++
			if _, err := c.codec.Decode(e.Payload(), e.Flags()); err != nil {
				bad = append(bad, e.Key())
			}
		}
		for _, key := range bad {
			p.RemoveUnlocked(key)
		}
		p.Unlock()

		if len(bad) > 0 {
			dropped += len(bad)
			c.written(category)
			c.logger.Warn().Str("category", string(category)).Int("dropped", len(bad)).Msg("dropped undecodable entries")
		}
	}
	c.counters.corruptedRecs.Add(int64(dropped))
	return checked, dropped
}
