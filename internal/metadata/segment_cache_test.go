package metadata

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingStore wraps a MemoryStore and counts GetSegmentDesc calls, so
// tests can assert single-flight de-duplication actually happened.
type countingStore struct {
	*MemoryStore
	gets atomic.Int64
}

func newCountingStore() *countingStore {
	return &countingStore{MemoryStore: NewMemoryStore()}
}

func (c *countingStore) GetSegmentDesc(ctx context.Context, name string) (SegmentDesc, error) {
	c.gets.Add(1)
	return c.MemoryStore.GetSegmentDesc(ctx, name)
}

func TestSegmentCache_CachesAfterFirstFetch(t *testing.T) {
	store := newCountingStore()
	require.NoError(t, store.PutSegmentDesc(context.Background(), "seg-a", SegmentDesc{Name: "seg-a"}))

	cache := NewSegmentCache(store)
	ctx := context.Background()

	_, err := cache.GetByName(ctx, "seg-a", false)
	require.NoError(t, err)
	_, err = cache.GetByName(ctx, "seg-a", false)
	require.NoError(t, err)

	assert.Equal(t, int64(1), store.gets.Load())
}

func TestSegmentCache_ForceUpdateRefetches(t *testing.T) {
	store := newCountingStore()
	require.NoError(t, store.PutSegmentDesc(context.Background(), "seg-a", SegmentDesc{Name: "seg-a"}))

	cache := NewSegmentCache(store)
	ctx := context.Background()

	_, err := cache.GetByName(ctx, "seg-a", false)
	require.NoError(t, err)
	_, err = cache.GetByName(ctx, "seg-a", true)
	require.NoError(t, err)

	assert.Equal(t, int64(2), store.gets.Load())
}

func TestSegmentCache_ConcurrentMissesShareOneFetch(t *testing.T) {
	store := newCountingStore()
	require.NoError(t, store.PutSegmentDesc(context.Background(), "seg-a", SegmentDesc{Name: "seg-a"}))

	cache := NewSegmentCache(store)
	ctx := context.Background()

	const n = 20
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			_, err := cache.GetByName(ctx, "seg-a", false)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1), store.gets.Load())
}

func TestSegmentCache_IDAssignmentIsStable(t *testing.T) {
	store := newCountingStore()
	require.NoError(t, store.PutSegmentDesc(context.Background(), "seg-a", SegmentDesc{Name: "seg-a"}))

	cache := NewSegmentCache(store)
	ctx := context.Background()

	id1, err := cache.IDOf(ctx, "seg-a")
	require.NoError(t, err)
	id2, err := cache.IDOf(ctx, "seg-a")
	require.NoError(t, err)
	assert.Equal(t, id1, id2)

	byID, err := cache.GetByID(ctx, id1, false)
	require.NoError(t, err)
	assert.Equal(t, "seg-a", byID.Name)
}

func TestSegmentCache_GetByIDUnknownReturnsNotFound(t *testing.T) {
	cache := NewSegmentCache(newCountingStore())
	_, err := cache.GetByID(context.Background(), 999, false)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSegmentCache_PublishAndRemove(t *testing.T) {
	store := newCountingStore()
	cache := NewSegmentCache(store)
	ctx := context.Background()

	require.NoError(t, cache.Publish(ctx, "seg-b", SegmentDesc{Name: "seg-b"}))
	got, err := cache.GetByName(ctx, "seg-b", false)
	require.NoError(t, err)
	assert.Equal(t, "seg-b", got.Name)
	// Publish primes the cache directly; no store round trip needed yet.
	assert.Equal(t, int64(0), store.gets.Load())

	require.NoError(t, cache.Remove(ctx, "seg-b"))
	_, err = store.GetSegmentDesc(ctx, "seg-b")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSegmentCache_InvalidateForcesRefetch(t *testing.T) {
	store := newCountingStore()
	require.NoError(t, store.PutSegmentDesc(context.Background(), "seg-a", SegmentDesc{Name: "seg-a"}))
	cache := NewSegmentCache(store)
	ctx := context.Background()

	_, err := cache.GetByName(ctx, "seg-a", false)
	require.NoError(t, err)
	cache.Invalidate()
	_, err = cache.GetByName(ctx, "seg-a", false)
	require.NoError(t, err)

	assert.Equal(t, int64(2), store.gets.Load())
}
