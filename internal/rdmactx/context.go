// Package rdmactx models one local RDMA NIC: its simulated verbs device,
// the endpoint cache keyed by peer NIC path, and the pending-completion
// table for work requests posted through it (SPEC_FULL.md §3's "Device"
// plus §4.3 "RDMA Context"). Grounded on rdma_transport.h's RdmaContext
// forward declaration and RdmaTransport's context_list_ field: the original
// keeps one RdmaContext per local device, each owning its own protection
// domain and completion queue; this package is the Go analog, minus the raw
// verbs handles (delegated to internal/verbsq.Device). Registered memory is
// NOT tracked per-context: a region is registered against every local
// device at once (SPEC_FULL.md §4.1), so internal/transport keeps a single
// cross-context *memregion.Registry rather than one copy per Context.
package rdmactx

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/mooncakelabs/transfer-engine/internal/endpointstore"
	"github.com/mooncakelabs/transfer-engine/internal/verbsq"
	"github.com/mooncakelabs/transfer-engine/internal/xfer"
)

// EndpointPolicy selects the cache eviction strategy for a Context's
// endpoint store (SPEC_FULL.md §4.4).
type EndpointPolicy int

const (
	PolicyFIFO EndpointPolicy = iota
	PolicySIEVE
)

// AsyncEvent is a fabric-level notification delivered outside the normal
// completion-queue path, e.g. a port state change (SPEC_FULL.md §8 S5).
type AsyncEvent struct {
	DeviceName string
	Fatal      bool
	Message    string
}

// Context owns one local NIC's verbs device, its endpoint cache, and the
// pending-completion table for work posted through it. DeviceIndex is this
// context's position in the engine's device_name_list_-equivalent slice; it
// appears in String() only, as the worker-pool shard formula uses the
// remote device index chosen per slice.
type Context struct {
	DeviceName  string
	DeviceIndex int

	Device verbsq.Device

	Endpoints endpointstore.Store

	asyncEvents chan AsyncEvent

	active atomic.Bool

	// nextWRID/pending back internal/rdmaendpoint.CompletionRegistry: every
	// endpoint bound to this context posts onto the same underlying device
	// CQ, so wr_id tags must be minted from one counter and resolved
	// through one table, not one per endpoint (SPEC_FULL.md §5/§9).
	nextWRID  atomic.Uint64
	pendingMu sync.Mutex
	pending   map[verbsq.WRID]*xfer.Slice
}

// New creates a Context bound to device, with an endpoint cache of the
// given policy and capacity. The context starts active.
func New(deviceName string, deviceIndex int, device verbsq.Device, policy EndpointPolicy, endpointCacheCapacity int) *Context {
	var store endpointstore.Store
	switch policy {
	case PolicySIEVE:
		store = endpointstore.NewSIEVEStore(endpointCacheCapacity)
	default:
		store = endpointstore.NewFIFOStore(endpointCacheCapacity)
	}

	ctx := &Context{
		DeviceName:  deviceName,
		DeviceIndex: deviceIndex,
		Device:      device,
		Endpoints:   store,
		asyncEvents: make(chan AsyncEvent, 64),
		pending:     make(map[verbsq.WRID]*xfer.Slice),
	}
	ctx.active.Store(true)
	return ctx
}

// Active reports whether this context is still eligible for new work.
// A fatal async event (SPEC_FULL.md §4.6, §8 S5) clears it permanently.
func (c *Context) Active() bool { return c.active.Load() }

// Disable marks the context permanently unusable; callers must steer new
// submissions to a different local NIC afterward.
func (c *Context) Disable() { c.active.Store(false) }

// AsyncEvents returns the channel fatal/non-fatal device events are
// delivered on; the monitor goroutine in internal/worker reads from it.
func (c *Context) AsyncEvents() <-chan AsyncEvent { return c.asyncEvents }

// DeliverAsyncEvent is called by whatever watches this device's fabric
// state (a real driver callback, or a test injecting a fault) to push an
// event onto the context's channel, disabling the context first if Fatal.
func (c *Context) DeliverAsyncEvent(ev AsyncEvent) {
	if ev.Fatal {
		c.Disable()
	}
	select {
	case c.asyncEvents <- ev:
	default:
		// Channel full: the monitor goroutine is behind. Dropping a
		// non-fatal duplicate is preferable to blocking the notifier;
		// Fatal events already took effect above via Disable.
	}
}

// NextWRID mints a tag unique across every endpoint sharing this context's
// device CQ, satisfying internal/rdmaendpoint.CompletionRegistry.
func (c *Context) NextWRID() verbsq.WRID { return verbsq.WRID(c.nextWRID.Add(1)) }

// RegisterPending remembers which Slice a minted WRID stands for.
func (c *Context) RegisterPending(id verbsq.WRID, slice *xfer.Slice) {
	c.pendingMu.Lock()
	c.pending[id] = slice
	c.pendingMu.Unlock()
}

// ResolveCompletion looks up the Slice a polled Completion tags, advances
// its status and decrements its QP depth counter, and forgets the tag. It
// returns false if the WRID is unknown, which happens if the completion was
// already resolved or belongs to an endpoint this context no longer owns.
func (c *Context) ResolveCompletion(comp verbsq.Completion) (*xfer.Slice, bool) {
	c.pendingMu.Lock()
	slice, ok := c.pending[comp.ID]
	if ok {
		delete(c.pending, comp.ID)
	}
	c.pendingMu.Unlock()
	if !ok {
		return nil, false
	}

	if slice.QPDepthRef != nil {
		slice.QPDepthRef.Add(-1)
	}
	if comp.Err != nil {
		slice.SetStatus(xfer.SliceFailed)
	} else {
		slice.SetStatus(xfer.SliceSuccess)
	}
	return slice, true
}

// Close releases the underlying verbs device.
func (c *Context) Close() error {
	c.Disable()
	return c.Device.Close()
}

func (c *Context) String() string {
	return fmt.Sprintf("Context{%s#%d active=%v}", c.DeviceName, c.DeviceIndex, c.Active())
}
