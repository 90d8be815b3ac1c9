package policy

import (
	"context"
	"fmt"
	"github.com/Borislavv/go-ash-tiers/internal/blob"
	"github.com/Borislavv/go-ash-tiers/model"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func policies() map[model.Category]model.Policy {
	return map[model.Category]model.Policy{
		model.CategoryContent: {
			MaxSize:          100,
			MaxAge:           time.Minute,
			EvictionStrategy: model.EvictLRU,
			SyncStrategy:     model.SyncBatched,
		},
		model.CategorySessions: {
			MaxSize:          50,
			EvictionStrategy: model.EvictFIFO,
			SyncStrategy:     model.SyncImmediate,
		},
	}
}

// TestPolicyFor_UnknownCategory never falls back to a default policy.
func TestPolicyFor_UnknownCategory(t *testing.T) {
	tbl := New(policies(), nil, zerolog.Nop())

	p, err := tbl.PolicyFor(model.CategoryContent)
	require.NoError(t, err)
	require.Equal(t, int64(100), p.MaxSize)

	_, err = tbl.PolicyFor(model.CategoryMedia)
	require.ErrorIs(t, err, ErrUnknownCategory)
}

// TestNew_DropsCategoriesOutsideTheFixedSet keeps a foreign category unknown.
func TestNew_DropsCategoriesOutsideTheFixedSet(t *testing.T) {
	in := policies()
	in["billing"] = model.Policy{MaxSize: 10, EvictionStrategy: model.EvictLRU, SyncStrategy: model.SyncBatched}
	tbl := New(in, nil, zerolog.Nop())

	_, err := tbl.PolicyFor("billing")
	require.ErrorIs(t, err, ErrUnknownCategory)
	require.Equal(t, []model.Category{model.CategoryContent, model.CategorySessions}, tbl.Categories())
	require.Len(t, tbl.Snapshot(), 2)
}

// TestUpdate_NotifiesAndPersists applies a change, tells listeners and saves the table.
func TestUpdate_NotifiesAndPersists(t *testing.T) {
	store := blob.NewMemory()
	tbl := New(policies(), store, zerolog.Nop())

	var got []model.Category
	tbl.Subscribe(func(c model.Category, prev, next model.Policy) {
		require.Equal(t, int64(100), prev.MaxSize)
		require.Equal(t, int64(60), next.MaxSize)
		got = append(got, c)
	})

	require.NoError(t, tbl.Update(context.Background(), model.CategoryContent, func(p *model.Policy) { p.MaxSize = 60 }))
	require.Equal(t, []model.Category{model.CategoryContent}, got)

	_, ok, err := store.Load(context.Background(), Namespace)
	require.NoError(t, err)
	require.True(t, ok)
}

// TestUpdate_RejectsInvalid leaves the table untouched.
func TestUpdate_RejectsInvalid(t *testing.T) {
	tbl := New(policies(), nil, zerolog.Nop())

	err := tbl.Update(context.Background(), model.CategoryContent, func(p *model.Policy) { p.MaxSize = 0 })
	require.ErrorIs(t, err, model.ErrInvalidPolicy)

	p, _ := tbl.PolicyFor(model.CategoryContent)
	require.Equal(t, int64(100), p.MaxSize)

	err = tbl.Update(context.Background(), model.CategoryMedia, func(p *model.Policy) {})
	require.ErrorIs(t, err, ErrUnknownCategory)
}

// TestLoad_OverlaysSavedPolicies restores a persisted table over the configured one.
func TestLoad_OverlaysSavedPolicies(t *testing.T) {
	store := blob.NewMemory()
	first := New(policies(), store, zerolog.Nop())
	require.NoError(t, first.Update(context.Background(), model.CategorySessions, func(p *model.Policy) {
		p.EvictionStrategy = model.EvictPriority
		p.MaxAge = 90 * time.Second
	}))

	second := New(policies(), store, zerolog.Nop())
	found, err := second.Load(context.Background())
	require.NoError(t, err)
	require.True(t, found)

	p, err := second.PolicyFor(model.CategorySessions)
	require.NoError(t, err)
	require.Equal(t, model.EvictPriority, p.EvictionStrategy)
	require.Equal(t, 90*time.Second, p.MaxAge)
}

// TestReplace_NotifiesOnlyChanged skips categories whose policy is identical.
func TestReplace_NotifiesOnlyChanged(t *testing.T) {
	tbl := New(policies(), nil, zerolog.Nop())

	var got []model.Category
	tbl.Subscribe(func(c model.Category, _, _ model.Policy) { got = append(got, c) })

	next := policies()
	p := next[model.CategorySessions]
	p.MaxSize = 10
	next[model.CategorySessions] = p
	delete(next, model.CategoryContent)

	require.NoError(t, tbl.Replace(context.Background(), next))
	require.Equal(t, []model.Category{model.CategorySessions}, got)

	_, err := tbl.PolicyFor(model.CategoryContent)
	require.ErrorIs(t, err, ErrUnknownCategory)
	require.Equal(t, []model.Category{model.CategorySessions}, tbl.Categories())
}

const watchedYAML = `
policies:
  content:
    max_size: %d
    eviction_strategy: lru
`

// TestWatch_ReloadsOnWrite picks up a rewritten config file.
func TestWatch_ReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tiers.yaml")
	require.NoError(t, os.WriteFile(path, []byte(fmtYAML(100)), 0o644))

	tbl := New(policies(), nil, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, tbl.Watch(ctx, path))

	require.NoError(t, os.WriteFile(path, []byte(fmtYAML(777)), 0o644))

	require.Eventually(t, func() bool {
		p, err := tbl.PolicyFor(model.CategoryContent)
		return err == nil && p.MaxSize == 777
	}, 3*time.Second, 20*time.Millisecond)
}

func fmtYAML(maxSize int) string {
	return fmt.Sprintf(watchedYAML, maxSize)
}
