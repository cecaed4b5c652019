// Package rdmaendpoint is the per-peer-NIC connection: a small group of
// queue pairs addressing one remote device, its handshake state machine,
// and its post-send/poll-completion path (SPEC_FULL.md §4.5). Grounded
// directly on rdma_endpoint.{h,cpp}, translating RWSpinlock -> sync.RWMutex,
// the raw ibv_qp*/wr_id-as-pointer scheme -> internal/verbsq.QP plus a
// WRID->Slice lookup table (the "64-bit tag, not a pointer" handle
// SPEC_FULL.md §5/§9 calls for), and lrand48()%qp_list_.size() ->
// math/rand/v2 for the same uniform QP pick.
package rdmaendpoint

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"

	"github.com/mooncakelabs/transfer-engine/internal/logging"
	"github.com/mooncakelabs/transfer-engine/internal/rdmaverbs"
	"github.com/mooncakelabs/transfer-engine/internal/slicepool"
	"github.com/mooncakelabs/transfer-engine/internal/verbsq"
	"github.com/mooncakelabs/transfer-engine/internal/xfer"
)

// Status is the connection lifecycle (rdma_endpoint.h's Status enum).
type Status int32

const (
	StatusInitializing Status = iota
	StatusUnconnected
	StatusConnected
)

func (s Status) String() string {
	switch s {
	case StatusUnconnected:
		return "UNCONNECTED"
	case StatusConnected:
		return "CONNECTED"
	default:
		return "INITIALIZING"
	}
}

var (
	ErrAlreadyConstructed = errors.New("rdmaendpoint: already constructed")
	ErrAlreadyConnected   = errors.New("rdmaendpoint: already connected")
	ErrHandshakeMismatch  = errors.New("rdmaendpoint: handshake descriptor mismatch")
	ErrQPCountMismatch    = errors.New("rdmaendpoint: local/peer qp count mismatch")
	ErrRemoteNICNotFound  = errors.New("rdmaendpoint: remote nic not present in segment descriptor")
	ErrPostSendFailed     = errors.New("rdmaendpoint: post_send failed")
)

// HandshakeSender performs the active-side RPC round trip to peerServerName,
// injected so this package never imports internal/handshake directly.
type HandshakeSender func(ctx context.Context, peerServerName string, local rdmaverbs.HandShakeDesc) (rdmaverbs.HandShakeDesc, error)

// PeerDeviceResolver looks up the GID/LID of peerNICName on peerServerName,
// e.g. via the metadata segment cache.
type PeerDeviceResolver func(peerServerName, peerNICName string) (rdmaverbs.DeviceDescriptor, bool)

// CompletionRegistry mints WRID tags and remembers which Slice each one
// stands for. Endpoints sharing a single completion queue (every endpoint
// bound to the same internal/rdmactx.Context) must mint tags from one
// counter and resolve them through one table, since a CQ has no notion of
// which endpoint a given wr_id came from; internal/rdmactx.Context
// implements this interface for that reason. When nil, PerformPostSend
// falls back to the endpoint's own private table, which is only safe when
// the endpoint owns its completion queue outright (as in standalone tests).
type CompletionRegistry interface {
	NextWRID() verbsq.WRID
	RegisterPending(id verbsq.WRID, slice *xfer.Slice)
}

// Endpoint is one local-NIC<->peer-NIC connection, holding a small group of
// QPs (num_qp_per_ep, default 2).
type Endpoint struct {
	localNICPath string
	device       verbsq.Device
	logger       *logging.Logger

	maxWRDepth int

	mu          sync.RWMutex
	status      atomic.Int32
	qps         []verbsq.QP
	wrDepth     []*atomic.Int32
	peerNICPath string

	queueMu    sync.Mutex
	sliceQueue []*xfer.Slice

	pendingMu sync.Mutex
	pending   map[verbsq.WRID]*xfer.Slice
	nextWRID  atomic.Uint64

	submittedCount atomic.Int64
	postedCount    atomic.Int64

	// Notify, if set, is called after a submitPostSend appends new work,
	// mirroring RdmaContext::notifyWorker() waking the owning worker.
	Notify func()
}

// New creates an endpoint in status INITIALIZING bound to localNICPath and
// device; call Construct before any connection setup.
func New(localNICPath string, device verbsq.Device) *Endpoint {
	return &Endpoint{
		localNICPath: localNICPath,
		device:       device,
		logger:       logging.Default(),
		pending:      make(map[verbsq.WRID]*xfer.Slice),
	}
}

// Construct creates numQP queue pairs bound to the context's shared CQ and
// transitions status INITIALIZING -> UNCONNECTED.
func (e *Endpoint) Construct(numQP int, maxWRDepth int) error {
	if Status(e.status.Load()) != StatusInitializing {
		return ErrAlreadyConstructed
	}

	qps := make([]verbsq.QP, numQP)
	wrDepth := make([]*atomic.Int32, numQP)
	for i := 0; i < numQP; i++ {
		qp, err := e.device.CreateQP()
		if err != nil {
			return fmt.Errorf("rdmaendpoint: create qp %d: %w", i, err)
		}
		qps[i] = qp
		wrDepth[i] = &atomic.Int32{}
	}

	e.mu.Lock()
	e.qps = qps
	e.wrDepth = wrDepth
	e.maxWRDepth = maxWRDepth
	e.mu.Unlock()

	e.status.Store(int32(StatusUnconnected))
	return nil
}

// Connected reports whether the handshake has completed.
func (e *Endpoint) Connected() bool {
	return Status(e.status.Load()) == StatusConnected
}

func (e *Endpoint) qpNums() []uint32 {
	nums := make([]uint32, len(e.qps))
	for i, qp := range e.qps {
		nums[i] = qp.QPNum()
	}
	return nums
}

// SetupConnectionsByActive drives the active side of the handshake
// (rdma_endpoint.cpp's setupConnectionsByActive).
func (e *Endpoint) SetupConnectionsByActive(ctx context.Context, peerNICPath string, send HandshakeSender, resolve PeerDeviceResolver) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.Connected() {
		return ErrAlreadyConnected
	}

	e.peerNICPath = peerNICPath
	local := rdmaverbs.HandShakeDesc{
		LocalNICPath: e.localNICPath,
		PeerNICPath:  peerNICPath,
		QPNums:       e.qpNums(),
	}

	peerServerName, peerNICName, ok := rdmaverbs.SplitNICPath(peerNICPath)
	if !ok {
		return fmt.Errorf("rdmaendpoint: malformed peer nic path %q", peerNICPath)
	}

	peerDesc, err := send(ctx, peerServerName, local)
	if err != nil {
		return fmt.Errorf("rdmaendpoint: handshake with %s: %w", peerServerName, err)
	}
	if !peerDesc.Validate(local) {
		return ErrHandshakeMismatch
	}

	dev, found := resolve(peerServerName, peerNICName)
	if !found {
		e.logger.Info("remote nic not found in segment descriptor", "peer_nic_path", peerNICPath)
		return ErrRemoteNICNotFound
	}

	return e.doSetupConnectionLocked(dev.GID, dev.LID, peerDesc.QPNums)
}

// SetupConnectionsByPassive drives the passive side: peerDesc is the
// request received on the handshake daemon, the returned descriptor is the
// response to send back.
func (e *Endpoint) SetupConnectionsByPassive(peerDesc rdmaverbs.HandShakeDesc, resolve PeerDeviceResolver) (rdmaverbs.HandShakeDesc, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.Connected() {
		// A fresh handshake from the peer re-establishes the connection;
		// doSetupConnectionLocked drives every QP back through RESET.
		e.queueMu.Lock()
		e.sliceQueue = nil
		e.queueMu.Unlock()
		for _, d := range e.wrDepth {
			d.Store(0)
		}
		e.status.Store(int32(StatusUnconnected))
	}

	e.peerNICPath = peerDesc.LocalNICPath
	if peerDesc.PeerNICPath != e.localNICPath {
		return rdmaverbs.HandShakeDesc{}, fmt.Errorf("%w: expected peer_nic_path %s, got %s", ErrHandshakeMismatch, e.localNICPath, peerDesc.PeerNICPath)
	}

	peerServerName, peerNICName, ok := rdmaverbs.SplitNICPath(e.peerNICPath)
	if !ok {
		return rdmaverbs.HandShakeDesc{}, fmt.Errorf("rdmaendpoint: malformed peer nic path %q", e.peerNICPath)
	}

	local := rdmaverbs.HandShakeDesc{
		LocalNICPath:  e.localNICPath,
		PeerNICPath:   e.peerNICPath,
		QPNums:        e.qpNums(),
		CorrelationID: peerDesc.CorrelationID,
	}

	dev, found := resolve(peerServerName, peerNICName)
	if !found {
		e.logger.Info("remote nic not found in segment descriptor", "peer_nic_path", e.peerNICPath)
		return local, ErrRemoteNICNotFound
	}

	if err := e.doSetupConnectionLocked(dev.GID, dev.LID, peerDesc.QPNums); err != nil {
		return local, err
	}
	return local, nil
}

func (e *Endpoint) doSetupConnectionLocked(peerGID [16]byte, peerLID uint16, peerQPNums []uint32) error {
	if len(e.qps) != len(peerQPNums) {
		return ErrQPCountMismatch
	}
	for i, qp := range e.qps {
		if err := e.driveQPToRTS(qp, peerGID, peerLID, peerQPNums[i]); err != nil {
			return err
		}
	}
	e.status.Store(int32(StatusConnected))
	return nil
}

// driveQPToRTS walks one QP through RESET->INIT->RTR->RTS, the transition
// sequence of doSetupConnection in the original. Only the peer GID/LID/QP
// number, port and GID index are passed; the retry, timeout, hop-limit and
// MTU values in internal/constants are not applied to the simulated QP.
func (e *Endpoint) driveQPToRTS(qp verbsq.QP, peerGID [16]byte, peerLID uint16, peerQPNum uint32) error {
	if err := qp.ModifyState(verbsq.QPReset, verbsq.RTRAttrs{}); err != nil {
		return fmt.Errorf("rdmaendpoint: qp %d -> RESET: %w", qp.QPNum(), err)
	}
	if err := qp.ModifyState(verbsq.QPInit, verbsq.RTRAttrs{}); err != nil {
		return fmt.Errorf("rdmaendpoint: qp %d -> INIT: %w", qp.QPNum(), err)
	}

	rtrAttrs := verbsq.RTRAttrs{
		PeerGID:   peerGID,
		PeerLID:   peerLID,
		PeerQPNum: peerQPNum,
		PortNum:   1,
		GIDIndex:  0,
	}
	if err := qp.ModifyState(verbsq.QPRTR, rtrAttrs); err != nil {
		return fmt.Errorf("rdmaendpoint: qp %d -> RTR: %w", qp.QPNum(), err)
	}
	if err := qp.ModifyState(verbsq.QPRTS, rtrAttrs); err != nil {
		return fmt.Errorf("rdmaendpoint: qp %d -> RTS: %w", qp.QPNum(), err)
	}
	return nil
}

// Disconnect forces every QP back to RESET, drains the pending queue, and
// returns status to UNCONNECTED so setupConnections may run again
// (rdma_endpoint.cpp's disconnect()).
func (e *Endpoint) Disconnect() {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, qp := range e.qps {
		if err := qp.ModifyState(verbsq.QPReset, verbsq.RTRAttrs{}); err != nil {
			e.logger.Warn("failed to modify qp to reset on disconnect", "qp_num", qp.QPNum(), "error", err)
		}
	}

	e.peerNICPath = ""
	e.queueMu.Lock()
	e.sliceQueue = nil
	e.queueMu.Unlock()
	for _, d := range e.wrDepth {
		d.Store(0)
	}
	e.submittedCount.Store(0)
	e.postedCount.Store(0)

	e.pendingMu.Lock()
	e.pending = make(map[verbsq.WRID]*xfer.Slice)
	e.pendingMu.Unlock()

	e.status.Store(int32(StatusUnconnected))
}

// SubmitPostSend enqueues slices for the next performPostSend call, waking
// Notify if set (context_.notifyWorker() in the original).
func (e *Endpoint) SubmitPostSend(slices []*xfer.Slice) {
	e.queueMu.Lock()
	e.sliceQueue = append(e.sliceQueue, slices...)
	e.queueMu.Unlock()
	e.submittedCount.Add(int64(len(slices)))
	if e.Notify != nil {
		e.Notify()
	}
}

// PerformPostSend drains the pending slice queue onto one randomly chosen
// QP, chaining as many work requests as the QP's remaining wr depth budget
// allows (performPostSend in the original; qp_index picked uniformly at
// random via math/rand/v2 rather than lrand48()).
func (e *Endpoint) PerformPostSend(registry CompletionRegistry) error {
	e.queueMu.Lock()
	pendingLen := len(e.sliceQueue)
	e.queueMu.Unlock()
	if pendingLen == 0 {
		return nil
	}

	e.mu.RLock()
	qpIndex := rand.IntN(len(e.qps))
	qp := e.qps[qpIndex]
	depth := e.wrDepth[qpIndex]
	maxWRDepth := e.maxWRDepth
	e.mu.RUnlock()

	var posted int
	for int(depth.Load()) < maxWRDepth {
		e.queueMu.Lock()
		wrCount := maxWRDepth - int(depth.Load())
		if wrCount > len(e.sliceQueue) {
			wrCount = len(e.sliceQueue)
		}
		batch := e.sliceQueue[:wrCount]
		e.sliceQueue = e.sliceQueue[wrCount:]
		e.queueMu.Unlock()

		if wrCount == 0 {
			break
		}

		wrs := slicepool.GetWorkRequests(wrCount)
		for i, slice := range batch {
			posted++
			var id verbsq.WRID
			if registry != nil {
				id = registry.NextWRID()
				registry.RegisterPending(id, slice)
			} else {
				id = verbsq.WRID(e.nextWRID.Add(1))
				e.pendingMu.Lock()
				e.pending[id] = slice
				e.pendingMu.Unlock()
			}

			opcode := verbsq.OpRDMAWrite
			if slice.Opcode == xfer.OpRead {
				opcode = verbsq.OpRDMARead
			}
			wrs[i] = verbsq.WorkRequest{
				ID:         id,
				Opcode:     opcode,
				Length:     slice.Length,
				LocalBuf:   slice.LocalBuf,
				RemoteKey:  slice.DestRKey,
				RemoteAddr: slice.DestAddr,
			}

			slice.SetStatus(xfer.SlicePosted)
			slice.QPDepthRef = depth
			depth.Add(1)
		}

		if err := qp.PostSend(wrs); err != nil {
			e.logger.Warn("post_send failed", "qp_num", qp.QPNum(), "error", err)
			for _, slice := range batch {
				slice.SetStatus(xfer.SliceFailed)
				depth.Add(-1)
			}
			if registry == nil {
				e.pendingMu.Lock()
				for _, wr := range wrs {
					delete(e.pending, wr.ID)
				}
				e.pendingMu.Unlock()
			}
			slicepool.PutWorkRequests(wrs)
			return fmt.Errorf("%w: %v", ErrPostSendFailed, err)
		}
		slicepool.PutWorkRequests(wrs)
	}
	return nil
}

// ResolveCompletion looks up the Slice tagged by a polled Completion and
// advances its status, returning false if the WRID is unknown (already
// resolved, or from a stale/disconnected endpoint).
func (e *Endpoint) ResolveCompletion(comp verbsq.Completion) (*xfer.Slice, bool) {
	e.pendingMu.Lock()
	slice, ok := e.pending[comp.ID]
	if ok {
		delete(e.pending, comp.ID)
	}
	e.pendingMu.Unlock()
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
		e.postedCount.Add(1)
	}
	return slice, true
}

// SubmittedSliceCount and PostedSliceCount mirror the original's debug
// counters (submittedSliceCount/postedSliceCount).
func (e *Endpoint) SubmittedSliceCount() int64 { return e.submittedCount.Load() }
func (e *Endpoint) PostedSliceCount() int64    { return e.postedCount.Load() }

// PeerNICPath returns the currently configured remote NIC path, empty if
// unconnected.
func (e *Endpoint) PeerNICPath() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.peerNICPath
}

func (e *Endpoint) String() string {
	if e.Connected() {
		return fmt.Sprintf("EndPoint: local %s, peer %s", e.localNICPath, e.PeerNICPath())
	}
	return fmt.Sprintf("EndPoint: local %s (unconnected)", e.localNICPath)
}

// Close tears down every QP, satisfying endpointstore.Endpoint.
func (e *Endpoint) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	var firstErr error
	for _, qp := range e.qps {
		if err := qp.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	e.qps = nil
	return firstErr
}
