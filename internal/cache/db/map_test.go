package db

import (
	"errors"
	"github.com/Borislavv/go-ash-tiers/internal/cache/db/model"
	pub "github.com/Borislavv/go-ash-tiers/model"
	"github.com/stretchr/testify/require"
	"sync"
	"testing"
	"time"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func entry(key string, c pub.Category, size int, seq uint64) *model.Entry {
	return model.NewEntry(key, c, pub.PriorityMedium, make([]byte, size), 0, epoch.Add(time.Duration(seq)*time.Second), 0, seq)
}

func put(t *testing.T, m *Map, e *model.Entry) {
	t.Helper()
	_, err := m.Upsert(e.Key(), e.Category(), func(p *Partition, _ *model.Entry) error {
		p.SetUnlocked(e)
		return nil
	})
	require.NoError(t, err)
}

// TestMap_UpsertAndLookup stores an entry and finds it by key only.
func TestMap_UpsertAndLookup(t *testing.T) {
	m := NewMap()
	put(t, m, entry("a", pub.CategoryContent, 10, 1))

	var found *model.Entry
	ok := m.Lookup("a", func(p *Partition, e *model.Entry) {
		require.Equal(t, pub.CategoryContent, p.Category())
		found = e
	})
	require.True(t, ok)
	require.Equal(t, "a", found.Key())
	require.Equal(t, int64(1), m.Len())
	require.Equal(t, int64(10), m.Mem())
	require.False(t, m.Lookup("missing", func(*Partition, *model.Entry) {}))
}

// TestMap_UpsertMovesKeyBetweenCategories keeps exactly one entry per key.
func TestMap_UpsertMovesKeyBetweenCategories(t *testing.T) {
	m := NewMap()
	put(t, m, entry("a", pub.CategoryContent, 10, 1))

	moved, err := m.Upsert("a", pub.CategoryMedia, func(p *Partition, existing *model.Entry) error {
		require.Nil(t, existing, "existing entry lives in another partition")
		p.SetUnlocked(entry("a", pub.CategoryMedia, 20, 2))
		return nil
	})
	require.NoError(t, err)
	require.NotNil(t, moved)
	require.Equal(t, pub.CategoryContent, moved.Category())

	c, ok := m.Locate("a")
	require.True(t, ok)
	require.Equal(t, pub.CategoryMedia, c)
	require.Equal(t, int64(0), m.Partition(pub.CategoryContent).Len())
	require.Equal(t, int64(1), m.Len())
	require.Equal(t, int64(20), m.Mem())
}

// TestMap_UpsertFailureKeepsOldEntry leaves the cache unchanged when fn fails.
func TestMap_UpsertFailureKeepsOldEntry(t *testing.T) {
	m := NewMap()
	put(t, m, entry("a", pub.CategoryContent, 10, 1))

	boom := errors.New("boom")
	moved, err := m.Upsert("a", pub.CategoryMedia, func(*Partition, *model.Entry) error { return boom })
	require.ErrorIs(t, err, boom)
	require.Nil(t, moved)

	c, ok := m.Locate("a")
	require.True(t, ok)
	require.Equal(t, pub.CategoryContent, c)
}

// TestMap_Remove deletes the key from its partition and the index.
func TestMap_Remove(t *testing.T) {
	m := NewMap()
	put(t, m, entry("a", pub.CategoryContent, 10, 1))

	removed, hit := m.Remove("a")
	require.True(t, hit)
	require.Equal(t, "a", removed.Key())
	_, ok := m.Locate("a")
	require.False(t, ok)
	require.Equal(t, int64(0), m.Mem())

	_, hit = m.Remove("a")
	require.False(t, hit)
}

// TestMap_ConcurrentCrossCategoryUpserts never deadlocks nor duplicates a key.
func TestMap_ConcurrentCrossCategoryUpserts(t *testing.T) {
	m := NewMap()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		c := pub.Categories[i%pub.NumCategories]
		wg.Add(1)
		go func(c pub.Category, seed uint64) {
			defer wg.Done()
			for j := uint64(0); j < 200; j++ {
				e := entry("shared", c, 1, seed*1000+j)
				_, _ = m.Upsert("shared", c, func(p *Partition, _ *model.Entry) error {
					p.SetUnlocked(e)
					return nil
				})
			}
		}(c, uint64(i))
	}
	wg.Wait()

	require.Equal(t, int64(1), m.Len())
	require.Equal(t, int64(1), m.Mem())
}

// TestMap_Clear empties every partition.
func TestMap_Clear(t *testing.T) {
	m := NewMap()
	put(t, m, entry("a", pub.CategoryContent, 10, 1))
	put(t, m, entry("b", pub.CategoryMedia, 5, 2))

	freed, items := m.Clear()
	require.Equal(t, int64(15), freed)
	require.Equal(t, int64(2), items)
	require.Equal(t, int64(0), m.Len())
	_, ok := m.Locate("b")
	require.False(t, ok)
}
