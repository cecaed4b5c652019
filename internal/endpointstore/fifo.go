package endpointstore

import (
	"container/list"
	"sync"

	"github.com/mooncakelabs/transfer-engine/internal/logging"
)

// FIFOStore evicts the oldest-inserted endpoint first, a direct port of
// FIFOEndpointStore from endpoint_store.cpp: a map plus a doubly linked list
// of insertion order, with the list node cached per key so deleteEndpoint
// doesn't need a linear scan.
type FIFOStore struct {
	mu       sync.RWMutex
	maxSize  int
	logger   *logging.Logger
	entries  map[string]Endpoint
	order    *list.List
	orderPos map[string]*list.Element
}

// NewFIFOStore creates an empty store that evicts down to maxSize entries
// before every insert that would exceed it.
func NewFIFOStore(maxSize int) *FIFOStore {
	return &FIFOStore{
		maxSize:  maxSize,
		logger:   logging.Default(),
		entries:  make(map[string]Endpoint),
		order:    list.New(),
		orderPos: make(map[string]*list.Element),
	}
}

func (s *FIFOStore) Get(peerNICPath string) Endpoint {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.entries[peerNICPath]
}

func (s *FIFOStore) GetOrCreate(peerNICPath string, factory Factory) (Endpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ep, ok := s.entries[peerNICPath]; ok {
		return ep, nil
	}

	ep, err := factory(peerNICPath)
	if err != nil {
		return nil, errConstructFailed(peerNICPath, err)
	}

	for len(s.entries) >= s.maxSize {
		s.evictLocked()
	}

	s.entries[peerNICPath] = ep
	elem := s.order.PushBack(peerNICPath)
	s.orderPos[peerNICPath] = elem
	return ep, nil
}

func (s *FIFOStore) Delete(peerNICPath string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleteLocked(peerNICPath)
}

func (s *FIFOStore) deleteLocked(peerNICPath string) {
	ep, ok := s.entries[peerNICPath]
	if !ok {
		return
	}
	delete(s.entries, peerNICPath)
	if elem, ok := s.orderPos[peerNICPath]; ok {
		s.order.Remove(elem)
		delete(s.orderPos, peerNICPath)
	}
	_ = ep.Close()
}

func (s *FIFOStore) evictLocked() {
	front := s.order.Front()
	if front == nil {
		return
	}
	victim := front.Value.(string)
	s.order.Remove(front)
	delete(s.orderPos, victim)
	if ep, ok := s.entries[victim]; ok {
		delete(s.entries, victim)
		_ = ep.Close()
	}
	s.logger.Info("endpoint evicted", "peer_nic_path", victim, "policy", "fifo")
}

func (s *FIFOStore) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

var _ Store = (*FIFOStore)(nil)
