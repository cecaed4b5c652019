package metadata

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// Store is the KV-like directory required of the metadata service
// (SPEC_FULL.md §6): get/put/remove a segment descriptor by name.
type Store interface {
	GetSegmentDesc(ctx context.Context, name string) (SegmentDesc, error)
	PutSegmentDesc(ctx context.Context, name string, desc SegmentDesc) error
	RemoveSegmentDesc(ctx context.Context, name string) error
}

// ErrNotFound is returned by GetSegmentDesc when name has no published
// descriptor.
var ErrNotFound = fmt.Errorf("metadata: segment not found")

// MemoryStore is an in-process Store backed by a map, the default backend
// for single-binary and test use (SPEC_FULL.md §6).
type MemoryStore struct {
	mu       sync.RWMutex
	segments map[string]SegmentDesc
}

// NewMemoryStore creates an empty in-process store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{segments: make(map[string]SegmentDesc)}
}

func (m *MemoryStore) GetSegmentDesc(_ context.Context, name string) (SegmentDesc, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	desc, ok := m.segments[name]
	if !ok {
		return SegmentDesc{}, ErrNotFound
	}
	return desc, nil
}

func (m *MemoryStore) PutSegmentDesc(_ context.Context, name string, desc SegmentDesc) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.segments[name] = desc
	return nil
}

func (m *MemoryStore) RemoveSegmentDesc(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.segments, name)
	return nil
}

var _ Store = (*MemoryStore)(nil)

// marshalDesc/unmarshalDesc are shared by every non-memory backend that
// needs to serialize a SegmentDesc to a byte-oriented KV store.
func marshalDesc(desc SegmentDesc) ([]byte, error) {
	return json.Marshal(desc)
}

func unmarshalDesc(data []byte) (SegmentDesc, error) {
	var desc SegmentDesc
	err := json.Unmarshal(data, &desc)
	return desc, err
}
