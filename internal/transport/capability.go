// Package transport is the Transport Front-End (SPEC_FULL.md §4.1/§4.3):
// slicing, local/remote NIC selection, and the per-batch submit/status/free
// surface every concrete transport implements. Grounded on original_source's
// transport.h, which declares one abstract Transport with exactly the
// operations below and lets RdmaTransport/NvmeofTransport implement it — the
// same small-interface-then-concrete-dispatch shape the teacher uses for its
// backends (internal/interfaces/backend.go).
package transport

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/mooncakelabs/transfer-engine/internal/xfer"
)

// Sentinel errors surfaced at the transport layer; internal packages never
// import the root module's structured *mooncake.Error (that would cycle,
// since the root package imports transport), so these stay plain errors the
// root package wraps with mooncake.WrapError at the facade boundary.
var (
	ErrNoLocalNIC   = errors.New("transport: no active local nic for location tag")
	ErrNoRemoteNIC  = errors.New("transport: no remote nic candidate available")
	ErrBadRange     = errors.New("transport: dest range not covered by any registered buffer")
	ErrInvalidArg   = errors.New("transport: invalid argument")
	ErrBusy         = errors.New("transport: batch has outstanding tasks")
	ErrUnknownBatch = errors.New("transport: unknown batch id")
	ErrOverlap      = errors.New("transport: region overlaps an existing registration")
)

// TransferRequest is one user-submitted request to submitTransfer
// (SPEC_FULL.md §4.1), sliced internally per §4.2.
type TransferRequest struct {
	Opcode     xfer.OpCode
	SourceAddr uintptr
	TargetID   int64
	DestAddr   uint64
	Length     uint64
}

// MemoryRegionSpec is one entry of a registerLocalMemoryBatch call.
type MemoryRegionSpec struct {
	Addr             uintptr
	Length           uint64
	LocationTag      string
	RemoteAccessible bool
}

// Capability is the operation surface every concrete Transport implements
// (the Glossary's "Capability set"): install, register/unregister memory,
// allocate/submit/status/free a batch, and a name for logging/lookup.
type Capability interface {
	Name() string

	// Install parses args (the NIC priority matrix JSON, SPEC_FULL.md §4.1)
	// and brings the transport up: enumerating devices, publishing the local
	// Segment, starting the handshake daemon.
	Install(ctx context.Context, args json.RawMessage) error

	RegisterLocalMemory(spec MemoryRegionSpec, updateMetadata bool) error
	RegisterLocalMemoryBatch(specs []MemoryRegionSpec, updateMetadata bool) error
	UnregisterLocalMemoryBatch(addrs []uintptr, updateMetadata bool) error

	AllocateBatchID(capacity int) (uint64, error)
	SubmitTransfer(batchID uint64, requests []TransferRequest) ([]*xfer.Task, error)
	GetTransferStatus(batchID uint64, taskIndex int) (xfer.State, int64, error)
	FreeBatchID(batchID uint64) error

	// Shutdown tears down workers, contexts, and the handshake daemon.
	Shutdown() error
}

// LocalMemoryAccessor is an optional capability implemented by transports
// whose registered regions carry real backing storage (RDMA, NVMeoF). It
// exists only so callers with a registered address (tests verifying
// round-trip byte content; a future local-copy diagnostic) can read or write
// through the registration table without reaching into internal/memregion
// directly, not as part of the core Capability surface every transport must
// implement.
type LocalMemoryAccessor interface {
	ReadLocalMemory(addr uintptr, length uint64) ([]byte, error)
	WriteLocalMemory(addr uintptr, data []byte) error
}
