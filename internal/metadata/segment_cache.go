package metadata

import (
	"context"
	"sync"

	"golang.org/x/sync/singleflight"
)

// SegmentCache caches SegmentDesc lookups in front of a Store, implementing
// the single-flight refresh semantics SPEC_FULL.md §5 requires: "force_update
// takes write and blocks other refreshers via single-flight semantics (first
// refresher fetches, others wait)". golang.org/x/sync/singleflight.Group is
// exactly this primitive, so it replaces what would otherwise be a
// hand-rolled mutex-plus-condition-variable de-duplication path.
type SegmentCache struct {
	store Store

	sf singleflight.Group

	mu    sync.RWMutex
	byName map[string]SegmentDesc
	nextID int64
	byID   map[int64]string
	idOf   map[string]int64
}

// NewSegmentCache wraps store with a read-through, single-flight cache.
func NewSegmentCache(store Store) *SegmentCache {
	return &SegmentCache{
		store:  store,
		byName: make(map[string]SegmentDesc),
		byID:   make(map[int64]string),
		idOf:   make(map[string]int64),
	}
}

// GetByName returns the cached descriptor, fetching it on a cache miss or
// when forceUpdate is set. Concurrent callers asking for the same name
// during a fetch share one underlying Store round trip.
func (c *SegmentCache) GetByName(ctx context.Context, name string, forceUpdate bool) (SegmentDesc, error) {
	if !forceUpdate {
		c.mu.RLock()
		desc, ok := c.byName[name]
		c.mu.RUnlock()
		if ok {
			return desc, nil
		}
	}

	v, err, _ := c.sf.Do(name, func() (any, error) {
		desc, err := c.store.GetSegmentDesc(ctx, name)
		if err != nil {
			return SegmentDesc{}, err
		}
		c.mu.Lock()
		c.byName[name] = desc
		if _, assigned := c.idOf[name]; !assigned {
			c.nextID++
			id := c.nextID
			c.idOf[name] = id
			c.byID[id] = name
		}
		c.mu.Unlock()
		return desc, nil
	})
	if err != nil {
		return SegmentDesc{}, err
	}
	return v.(SegmentDesc), nil
}

// GetByID resolves a previously-assigned SegmentID back to its name, then
// to its cached descriptor.
func (c *SegmentCache) GetByID(ctx context.Context, id int64, forceUpdate bool) (SegmentDesc, error) {
	c.mu.RLock()
	name, ok := c.byID[id]
	c.mu.RUnlock()
	if !ok {
		return SegmentDesc{}, ErrNotFound
	}
	return c.GetByName(ctx, name, forceUpdate)
}

// IDOf returns the process-local SegmentID for name, assigning one via
// GetByName if it has never been resolved.
func (c *SegmentCache) IDOf(ctx context.Context, name string) (int64, error) {
	c.mu.RLock()
	id, ok := c.idOf[name]
	c.mu.RUnlock()
	if ok {
		return id, nil
	}
	if _, err := c.GetByName(ctx, name, false); err != nil {
		return 0, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.idOf[name], nil
}

// Publish pushes desc to the backing store and primes the local cache,
// used to publish this process's own Segment descriptor.
func (c *SegmentCache) Publish(ctx context.Context, name string, desc SegmentDesc) error {
	if err := c.store.PutSegmentDesc(ctx, name, desc); err != nil {
		return err
	}
	c.mu.Lock()
	c.byName[name] = desc
	c.mu.Unlock()
	return nil
}

// Remove deletes name from both the backing store and the local cache
// (removeLocalSegmentDesc).
func (c *SegmentCache) Remove(ctx context.Context, name string) error {
	if err := c.store.RemoveSegmentDesc(ctx, name); err != nil {
		return err
	}
	c.mu.Lock()
	delete(c.byName, name)
	c.mu.Unlock()
	return nil
}

// Invalidate clears every cached descriptor so the next access refetches
// (Engine Facade's syncSegmentCache, SPEC_FULL.md §4.7).
func (c *SegmentCache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.byName = make(map[string]SegmentDesc)
}
