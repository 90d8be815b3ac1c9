// Package policy holds the per-category policy table.
// A category without a policy rejects every set.
package policy

import (
	"context"
	"errors"
	"fmt"
	"github.com/Borislavv/go-ash-tiers/internal/blob"
	"github.com/Borislavv/go-ash-tiers/model"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
	"maps"
	"slices"
	"sync"
)

// Namespace is the blob namespace the table persists itself under.
const Namespace = "_policies"

var ErrUnknownCategory = errors.New("unknown category")

// Listener is notified after a category's policy changed.
type Listener func(category model.Category, prev, next model.Policy)

type Table struct {
	mu        sync.RWMutex
	policies  map[model.Category]model.Policy
	listeners []Listener
	store     blob.Store // nil => changes are not persisted
	logger    zerolog.Logger
}

// New builds a table from policies. Categories outside the fixed set are
// dropped, so they keep rejecting every set.
func New(policies map[model.Category]model.Policy, store blob.Store, logger zerolog.Logger) *Table {
	t := &Table{
		policies: make(map[model.Category]model.Policy, len(policies)),
		store:    store,
		logger:   logger.With().Str("component", "policies").Logger(),
	}
	for c, p := range policies {
		if !c.Valid() {
			t.logger.Warn().Str("category", string(c)).Msg("skipping policy of unknown category")
			continue
		}
		t.policies[c] = p
	}
	return t
}

func (t *Table) PolicyFor(category model.Category) (model.Policy, error) {
	t.mu.RLock()
	p, ok := t.policies[category]
	t.mu.RUnlock()
	if !ok {
		return model.Policy{}, fmt.Errorf("%w: %q", ErrUnknownCategory, category)
	}
	return p, nil
}

// Categories returns the categories that have a policy, in category order.
func (t *Table) Categories() []model.Category {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]model.Category, 0, len(t.policies))
	for _, c := range model.Categories {
		if _, ok := t.policies[c]; ok {
			out = append(out, c)
		}
	}
	return out
}

// Snapshot returns a copy of the whole table.
func (t *Table) Snapshot() map[model.Category]model.Policy {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return maps.Clone(t.policies)
}

// Subscribe registers l for every subsequent change.
func (t *Table) Subscribe(l Listener) {
	t.mu.Lock()
	t.listeners = append(t.listeners, l)
	t.mu.Unlock()
}

// Update mutates one existing policy. The change applies to subsequent sets only;
// stored entries are re-evaluated by listeners, if any.
func (t *Table) Update(ctx context.Context, category model.Category, fn func(p *model.Policy)) error {
	t.mu.Lock()
	prev, ok := t.policies[category]
	if !ok {
		t.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrUnknownCategory, category)
	}
	next := prev
	fn(&next)
	if err := next.Validate(); err != nil {
		t.mu.Unlock()
		return fmt.Errorf("category %s: %w", category, err)
	}
	t.policies[category] = next
	listeners := slices.Clone(t.listeners)
	t.mu.Unlock()

	t.notify(listeners, category, prev, next)
	return t.Persist(ctx)
}

// Replace swaps the whole table, as done on hot reload. Listeners see every
// category whose policy differs. Categories dropped from the table stop accepting sets.
func (t *Table) Replace(ctx context.Context, policies map[model.Category]model.Policy) error {
	for c, p := range policies {
		if !c.Valid() {
			return fmt.Errorf("%w: %q", ErrUnknownCategory, c)
		}
		if err := p.Validate(); err != nil {
			return fmt.Errorf("category %s: %w", c, err)
		}
	}

	t.mu.Lock()
	prev := t.policies
	t.policies = maps.Clone(policies)
	listeners := slices.Clone(t.listeners)
	t.mu.Unlock()

	for _, c := range model.Categories {
		next, ok := policies[c]
		if old, had := prev[c]; ok && (!had || old != next) {
			t.notify(listeners, c, old, next)
		}
	}
	return t.Persist(ctx)
}

func (t *Table) notify(listeners []Listener, category model.Category, prev, next model.Policy) {
	t.logger.Info().
		Str("category", string(category)).
		Int64("max_size", next.MaxSize).
		Str("max_age", next.MaxAge.String()).
		Str("eviction", string(next.EvictionStrategy)).
		Str("sync", string(next.SyncStrategy)).
		Msg("policy changed")
	for _, l := range listeners {
		l(category, prev, next)
	}
}

// Load overlays the policies saved in the blob store on top of the current table.
// It reports whether a saved table was found.
func (t *Table) Load(ctx context.Context) (bool, error) {
	if t.store == nil {
		return false, nil
	}
	data, ok, err := t.store.Load(ctx, Namespace)
	if err != nil || !ok {
		return false, err
	}

	var saved map[model.Category]model.Policy
	if err = yaml.Unmarshal(data, &saved); err != nil {
		return false, fmt.Errorf("unmarshal saved policies: %w", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	for c, p := range saved {
		if !c.Valid() || p.Validate() != nil {
			t.logger.Warn().Str("category", string(c)).Msg("skipping invalid saved policy")
			continue
		}
		t.policies[c] = p
	}
	return true, nil
}

// Persist writes the table to the blob store.
func (t *Table) Persist(ctx context.Context) error {
	if t.store == nil {
		return nil
	}
	data, err := yaml.Marshal(t.Snapshot())
	if err != nil {
		return fmt.Errorf("marshal policies: %w", err)
	}
	if err = t.store.Save(ctx, Namespace, data); err != nil {
		return fmt.Errorf("persist policies: %w", err)
	}
	return nil
}
