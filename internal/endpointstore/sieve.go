package endpointstore

import (
	"container/list"
	"sync"

	"github.com/mooncakelabs/transfer-engine/internal/logging"
)

// SIEVEStore is a port of SIEVEEndpointStore: a FIFO list of insertion order
// plus a per-entry "visited" bit and a rotating eviction hand. A lookup
// marks its entry visited; eviction walks from the hand, clearing visited
// bits and skipping visited entries, evicting the first unvisited one it
// finds and leaving the hand just behind it. New entries are pushed to the
// front of the list, unlike FIFOStore which appends to the back.
type SIEVEStore struct {
	mu       sync.RWMutex
	maxSize  int
	logger   *logging.Logger
	entries  map[string]Endpoint
	visited  map[string]bool
	order    *list.List
	orderPos map[string]*list.Element
	hand     *list.Element
}

// NewSIEVEStore creates an empty store that evicts down to maxSize entries
// before every insert that would exceed it.
func NewSIEVEStore(maxSize int) *SIEVEStore {
	return &SIEVEStore{
		maxSize:  maxSize,
		logger:   logging.Default(),
		entries:  make(map[string]Endpoint),
		visited:  make(map[string]bool),
		order:    list.New(),
		orderPos: make(map[string]*list.Element),
	}
}

func (s *SIEVEStore) Get(peerNICPath string) Endpoint {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ep, ok := s.entries[peerNICPath]
	if !ok {
		return nil
	}
	// Idempotent under a read lock, mirroring the original's relaxed-store
	// comment: marking a key visited twice concurrently is harmless.
	s.visited[peerNICPath] = true
	return ep
}

func (s *SIEVEStore) GetOrCreate(peerNICPath string, factory Factory) (Endpoint, error) {
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
	s.visited[peerNICPath] = false
	elem := s.order.PushFront(peerNICPath)
	s.orderPos[peerNICPath] = elem
	return ep, nil
}

func (s *SIEVEStore) Delete(peerNICPath string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleteLocked(peerNICPath)
}

func (s *SIEVEStore) deleteLocked(peerNICPath string) {
	ep, ok := s.entries[peerNICPath]
	if !ok {
		return
	}
	elem := s.orderPos[peerNICPath]
	if s.hand != nil && s.hand == elem {
		if elem == s.order.Front() {
			s.hand = nil
		} else {
			s.hand = elem.Prev()
		}
	}
	s.order.Remove(elem)
	delete(s.orderPos, peerNICPath)
	delete(s.entries, peerNICPath)
	delete(s.visited, peerNICPath)
	_ = ep.Close()
}

func (s *SIEVEStore) evictLocked() {
	if s.order.Len() == 0 {
		return
	}
	o := s.hand
	if o == nil {
		o = s.order.Back()
	}

	var victim string
	for {
		victim = o.Value.(string)
		if s.visited[victim] {
			s.visited[victim] = false
			if o == s.order.Front() {
				o = s.order.Back()
			} else {
				o = o.Prev()
			}
		} else {
			break
		}
	}

	if o == s.order.Front() {
		s.hand = s.order.Back()
	} else {
		s.hand = o.Prev()
	}

	s.order.Remove(o)
	delete(s.orderPos, victim)
	delete(s.visited, victim)
	if ep, ok := s.entries[victim]; ok {
		delete(s.entries, victim)
		_ = ep.Close()
	}
	s.logger.Info("endpoint evicted", "peer_nic_path", victim, "policy", "sieve")
}

func (s *SIEVEStore) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

var _ Store = (*SIEVEStore)(nil)
