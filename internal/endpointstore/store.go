// Package endpointstore bounds the number of live RdmaEndPoint connections a
// context keeps open, evicting least-useful entries once a capacity is
// reached (SPEC_FULL.md §4.4, "Endpoint cache"). It mirrors the small
// interface / concrete dispatch split the teacher uses for its backends
// (internal/interfaces/backend.go): the store never constructs the RDMA
// machinery itself, it is handed a Factory and only manages the cache
// bookkeeping around whatever the factory returns.
package endpointstore

import "fmt"

// Endpoint is the minimal lifecycle every cached connection must support.
// internal/rdmaendpoint.Endpoint satisfies this; keeping the dependency this
// direction (endpointstore never imports rdmaendpoint) lets rdmactx import
// both without a cycle.
type Endpoint interface {
	Close() error
}

// Factory constructs a new Endpoint for peerNICPath, e.g. by driving the
// active handshake. Called while the store's write lock is held, matching
// insertEndpoint's original semantics of constructing under the lock.
type Factory func(peerNICPath string) (Endpoint, error)

// Store is the eviction policy interface SPEC_FULL.md §4.4 requires two
// implementations of: FIFO and SIEVE, selected via Config.EndpointPolicy.
type Store interface {
	// Get returns the cached endpoint for peerNICPath, or nil if absent.
	Get(peerNICPath string) Endpoint
	// GetOrCreate returns the cached endpoint, constructing and inserting
	// one via Factory if absent, evicting victims first if at capacity.
	GetOrCreate(peerNICPath string, factory Factory) (Endpoint, error)
	// Delete removes and closes the cached endpoint for peerNICPath, if any.
	Delete(peerNICPath string)
	// Size returns the number of cached endpoints.
	Size() int
}

// errConstructFailed wraps a Factory error, matching the original's
// "construct() returns nonzero -> nullptr" signal with an explicit error.
func errConstructFailed(peerNICPath string, cause error) error {
	return fmt.Errorf("endpointstore: construct endpoint for %s: %w", peerNICPath, cause)
}
