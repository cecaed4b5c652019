package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/mooncakelabs/transfer-engine/internal/memregion"
	"github.com/mooncakelabs/transfer-engine/internal/xfer"
)

// NVMeoF is a second, much smaller Capability implementation
// (SPEC_FULL.md §1's "NVMe-oF transport, modeled only as a second
// implementation of the same capability set"). Grounded on original_source's
// nvmeof_transport.h: that header already leaves
// registerLocalMemoryBatch/unregisterLocalMemoryBatch as trivial no-ops and
// routes everything else through a desc_pool_/CuFileContext pair keyed by
// target file, not through RDMA contexts or a worker pool — there is no QP,
// no completion queue, no retry state machine on this path. This transport
// keeps that shape: local memory registration is bookkeeping only, and a
// submitted transfer completes synchronously against a simulated
// backing file store, since cuFile/GPUDirect Storage has no pure-Go
// equivalent in the example corpus to bind against.
type NVMeoF struct {
	mu      sync.RWMutex
	files   map[int64]*simFile
	regions *memregion.Registry

	batchMu     sync.Mutex
	batches     map[uint64]*xfer.BatchDesc
	nextBatchID atomic.Uint64
}

type simFile struct {
	data []byte
}

// NewNVMeoF creates an idle NVMeoF transport.
func NewNVMeoF() *NVMeoF {
	return &NVMeoF{
		files:   make(map[int64]*simFile),
		regions: memregion.New(),
		batches: make(map[uint64]*xfer.BatchDesc),
	}
}

func (n *NVMeoF) Name() string { return "nvmeof" }

// Install accepts an optional JSON array of {target_id, size} simulated file
// targets; a real backend would instead open cuFile handles against mounted
// NVMe-oF block devices per original_source's CuFileContext.
func (n *NVMeoF) Install(_ context.Context, args json.RawMessage) error {
	if len(args) == 0 {
		return nil
	}
	var targets []struct {
		TargetID int64 `json:"target_id"`
		Size     int64 `json:"size"`
	}
	if err := json.Unmarshal(args, &targets); err != nil {
		return fmt.Errorf("%w: nvmeof targets: %v", ErrInvalidArg, err)
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, t := range targets {
		n.files[t.TargetID] = &simFile{data: make([]byte, t.Size)}
	}
	return nil
}

// RegisterLocalMemory is bookkeeping only, matching original_source's
// registerLocalMemory for this transport: no protection domain, no lkey/rkey.
func (n *NVMeoF) RegisterLocalMemory(spec MemoryRegionSpec, _ bool) error {
	return n.RegisterLocalMemoryBatch([]MemoryRegionSpec{spec}, false)
}

// RegisterLocalMemoryBatch registers every spec against the shared region
// table so submitTransfer can verify a source range before copying.
func (n *NVMeoF) RegisterLocalMemoryBatch(specs []MemoryRegionSpec, _ bool) error {
	for _, spec := range specs {
		region := &memregion.Region{
			Addr:        spec.Addr,
			Length:      spec.Length,
			LocationTag: spec.LocationTag,
			Data:        make([]byte, spec.Length),
		}
		if ok := n.regions.Register(region); !ok {
			return fmt.Errorf("%w: addr %#x", ErrOverlap, spec.Addr)
		}
	}
	return nil
}

// UnregisterLocalMemoryBatch is a no-op for any address not currently
// registered, matching original_source's unregisterLocalMemoryBatch stub.
func (n *NVMeoF) UnregisterLocalMemoryBatch(addrs []uintptr, _ bool) error {
	for _, addr := range addrs {
		n.regions.Unregister(addr)
	}
	return nil
}

// ReadLocalMemory copies [addr, addr+length) out of the registered region
// backing it, satisfying LocalMemoryAccessor.
func (n *NVMeoF) ReadLocalMemory(addr uintptr, length uint64) ([]byte, error) {
	region := n.regions.LookupAny(addr, length)
	if region == nil {
		return nil, fmt.Errorf("%w: addr %#x not registered", ErrBadRange, addr)
	}
	off := uint64(addr - region.Addr)
	out := make([]byte, length)
	copy(out, region.Data[off:off+length])
	return out, nil
}

// WriteLocalMemory copies data into the registered region backing
// [addr, addr+len(data)), satisfying LocalMemoryAccessor.
func (n *NVMeoF) WriteLocalMemory(addr uintptr, data []byte) error {
	region := n.regions.LookupAny(addr, uint64(len(data)))
	if region == nil {
		return fmt.Errorf("%w: addr %#x not registered", ErrBadRange, addr)
	}
	off := uint64(addr - region.Addr)
	copy(region.Data[off:off+uint64(len(data))], data)
	return nil
}

// AllocateBatchID allocates a fixed-capacity Batch, the same bookkeeping
// internal/transport.RDMA uses (SPEC_FULL.md §4.1).
func (n *NVMeoF) AllocateBatchID(capacity int) (uint64, error) {
	if capacity <= 0 {
		return 0, fmt.Errorf("%w: capacity must be positive", ErrInvalidArg)
	}
	id := n.nextBatchID.Add(1)
	n.batchMu.Lock()
	n.batches[id] = xfer.NewBatchDesc(id, capacity)
	n.batchMu.Unlock()
	return id, nil
}

// FreeBatchID releases a batch, failing BUSY if any task is not terminal.
func (n *NVMeoF) FreeBatchID(batchID uint64) error {
	n.batchMu.Lock()
	defer n.batchMu.Unlock()
	batch, ok := n.batches[batchID]
	if !ok {
		return ErrUnknownBatch
	}
	if !batch.AllTerminal() {
		return ErrBusy
	}
	delete(n.batches, batchID)
	return nil
}

// GetTransferStatus reports a task's aggregate state.
func (n *NVMeoF) GetTransferStatus(batchID uint64, taskIndex int) (xfer.State, int64, error) {
	n.batchMu.Lock()
	batch, ok := n.batches[batchID]
	n.batchMu.Unlock()
	if !ok {
		return xfer.StatePending, 0, ErrUnknownBatch
	}
	task := batch.TaskAt(taskIndex)
	if task == nil {
		return xfer.StatePending, 0, fmt.Errorf("%w: task index %d", ErrInvalidArg, taskIndex)
	}
	return task.State(), task.TransferredBytes(), nil
}

// SubmitTransfer runs every request to completion immediately against the
// simulated file store: TargetID selects the file, DestAddr is the file
// offset. There is no slicing, no NIC selection, and no retry path here —
// original_source's addSliceToCUFileBatch builds one cuFile descriptor per
// slice and lets the kernel driver complete it asynchronously; absent a
// cuFile binding, this stub collapses that to a synchronous copy against an
// in-memory []byte standing in for the target device.
func (n *NVMeoF) SubmitTransfer(batchID uint64, requests []TransferRequest) ([]*xfer.Task, error) {
	n.batchMu.Lock()
	batch, ok := n.batches[batchID]
	n.batchMu.Unlock()
	if !ok {
		return nil, ErrUnknownBatch
	}

	tasks := make([]*xfer.Task, 0, len(requests))
	for _, req := range requests {
		if req.Length == 0 {
			return nil, fmt.Errorf("%w: zero-length request", ErrInvalidArg)
		}

		slice := &xfer.Slice{
			SourceAddr: req.SourceAddr,
			Length:     req.Length,
			Opcode:     req.Opcode,
			TargetID:   req.TargetID,
			DestAddr:   req.DestAddr,
		}
		task := xfer.NewTask([]*xfer.Slice{slice}, int64(req.Length))

		region := n.regions.LookupAny(req.SourceAddr, req.Length)
		if region == nil {
			slice.SetStatus(xfer.SliceFailed)
			tasks = append(tasks, task)
			continue
		}

		n.mu.RLock()
		file, ok := n.files[req.TargetID]
		n.mu.RUnlock()
		if !ok || req.DestAddr+req.Length > uint64(len(file.data)) {
			slice.SetStatus(xfer.SliceFailed)
			tasks = append(tasks, task)
			continue
		}

		// Stand in for the cuFile read/write a real GPUDirect Storage path
		// would issue: move bytes between the registered local buffer and
		// the simulated target file at the requested offset.
		srcOff := req.SourceAddr - region.Addr
		local := region.Data[srcOff : srcOff+uintptr(req.Length)]
		remote := file.data[req.DestAddr : req.DestAddr+req.Length]
		if req.Opcode == xfer.OpRead {
			copy(local, remote)
		} else {
			copy(remote, local)
		}
		slice.SetStatus(xfer.SliceSuccess)
		tasks = append(tasks, task)
	}

	if !batch.AppendTasks(tasks...) {
		return nil, fmt.Errorf("%w: batch capacity exceeded", ErrBusy)
	}
	return tasks, nil
}

// Shutdown releases the simulated file store.
func (n *NVMeoF) Shutdown() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.files = make(map[int64]*simFile)
	return nil
}

var _ Capability = (*NVMeoF)(nil)
var _ LocalMemoryAccessor = (*NVMeoF)(nil)
