package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/mooncakelabs/transfer-engine/internal/constants"
	"github.com/mooncakelabs/transfer-engine/internal/endpointstore"
	"github.com/mooncakelabs/transfer-engine/internal/handshake"
	"github.com/mooncakelabs/transfer-engine/internal/logging"
	"github.com/mooncakelabs/transfer-engine/internal/memregion"
	"github.com/mooncakelabs/transfer-engine/internal/metadata"
	"github.com/mooncakelabs/transfer-engine/internal/rdmactx"
	"github.com/mooncakelabs/transfer-engine/internal/rdmaendpoint"
	"github.com/mooncakelabs/transfer-engine/internal/rdmaverbs"
	"github.com/mooncakelabs/transfer-engine/internal/verbsq"
	"github.com/mooncakelabs/transfer-engine/internal/worker"
	"github.com/mooncakelabs/transfer-engine/internal/xfer"
)

// RDMAConfig configures a new RDMA transport, the typed form of
// SPEC_FULL.md §6's configuration keys.
type RDMAConfig struct {
	WorkersPerCtx         int
	NumQPPerEndpoint      int
	MaxWRDepth            int
	SliceSize             uint64
	EndpointCacheCapacity int
	MaxRetryCnt           int
	// FragmentLimit caps a single TransferRequest's Length (SPEC_FULL.md
	// §6's fragment_limit), independent of SliceSize's per-slice cut size;
	// zero means no limit.
	FragmentLimit         uint64
	EndpointPolicy        rdmactx.EndpointPolicy
	// HandshakeAddr is the address the passive handshake daemon listens on,
	// published as the local Segment's RPCAddr.
	HandshakeAddr string
	// Observer receives per-slice completion events from every Context's
	// worker pool (SPEC_FULL.md §6's metrics export); nil falls back to
	// worker's internal no-op.
	Observer worker.Observer
}

func (c RDMAConfig) withDefaults() RDMAConfig {
	if c.WorkersPerCtx <= 0 {
		c.WorkersPerCtx = constants.DefaultWorkersPerCtx
	}
	if c.NumQPPerEndpoint <= 0 {
		c.NumQPPerEndpoint = constants.DefaultNumQPPerEndpoint
	}
	if c.MaxWRDepth <= 0 {
		c.MaxWRDepth = constants.DefaultMaxWRDepth
	}
	if c.SliceSize == 0 {
		c.SliceSize = constants.DefaultSliceSize
	}
	if c.EndpointCacheCapacity <= 0 {
		c.EndpointCacheCapacity = constants.DefaultEndpointCacheCapacity
	}
	if c.MaxRetryCnt <= 0 {
		c.MaxRetryCnt = constants.DefaultMaxRetryCount
	}
	if c.HandshakeAddr == "" {
		c.HandshakeAddr = "127.0.0.1:0"
	}
	return c
}

// nextRKeySeq mints lkey/rkey values for every RDMA instance in the process,
// not just one transport's own regions. verbsq's fabric (internal/verbsq's
// PublishRemoteBuffer) resolves a posted WorkRequest's remote buffer by rkey
// alone, so rkeys must be unique across every RDMA instance sharing this
// process, the same way real rkeys are unique per protection domain across
// an entire fabric, not just within one NIC.
var nextRKeySeq atomic.Uint32

// RDMA is the concrete RDMA Transport (SPEC_FULL.md §4.1, §4.3). One Context
// plus one worker Pool is built per device handed to NewRDMA; device index
// position doubles as the shard formula's remote_device_id and as the index
// into a peer Segment's device list for remote-NIC selection.
type RDMA struct {
	serverName string
	cfg        RDMAConfig
	logger     *logging.Logger

	segments *metadata.SegmentCache

	deviceNames  []string
	contexts     []*rdmactx.Context
	pools        []*worker.Pool
	byDeviceName map[string]int

	mu             sync.RWMutex
	priorityMatrix metadata.PriorityMatrix

	// regions is the single cross-context registered-memory table
	// (SPEC_FULL.md §5's "Registered-memory table"); each Region's
	// LKey/RKey carry one entry per context in r.contexts order, since a
	// region is registered against every local device at once.
	regions *memregion.Registry

	daemon *handshake.Daemon

	batchMu     sync.Mutex
	batches     map[uint64]*xfer.BatchDesc
	nextBatchID atomic.Uint64
}

// NewRDMA builds one Context and worker Pool per entry in devices, keyed by
// device name, in the order devices.Keys() would not guarantee -- callers
// supply deviceOrder explicitly so the context-index assignment (and
// therefore the shard formula's remote_device_id and the published Segment's
// device list order) is deterministic across a restart.
func NewRDMA(serverName string, deviceOrder []string, devices map[string]verbsq.Device, segments *metadata.SegmentCache, cfg RDMAConfig) (*RDMA, error) {
	cfg = cfg.withDefaults()

	r := &RDMA{
		serverName:   serverName,
		cfg:          cfg,
		logger:       logging.Default(),
		segments:     segments,
		byDeviceName: make(map[string]int, len(deviceOrder)),
		regions:      memregion.New(),
		batches:      make(map[uint64]*xfer.BatchDesc),
	}

	for idx, name := range deviceOrder {
		dev, ok := devices[name]
		if !ok {
			return nil, fmt.Errorf("transport: device %q not present in devices map", name)
		}
		ctx := rdmactx.New(name, idx, dev, cfg.EndpointPolicy, cfg.EndpointCacheCapacity)
		pool := worker.New(ctx, worker.Options{
			WorkersPerCtx: cfg.WorkersPerCtx,
			MaxRetryCnt:   cfg.MaxRetryCnt,
			Selector:      r.selectRemoteDevice,
			Connect:       r.connectFactory(idx),
			LocalCopy:     r.localCopy,
			Observer:      cfg.Observer,
		})
		r.deviceNames = append(r.deviceNames, name)
		r.contexts = append(r.contexts, ctx)
		r.pools = append(r.pools, pool)
		r.byDeviceName[name] = idx
	}
	return r, nil
}

func (r *RDMA) Name() string { return "rdma" }

// Install parses args as a metadata.PriorityMatrix, publishes the local
// Segment describing this server's devices, starts every context's worker
// pool, and brings up the passive handshake daemon (SPEC_FULL.md §4.1
// install).
func (r *RDMA) Install(ctx context.Context, args json.RawMessage) error {
	var matrix metadata.PriorityMatrix
	if len(args) > 0 {
		if err := json.Unmarshal(args, &matrix); err != nil {
			return fmt.Errorf("%w: priority matrix: %v", ErrInvalidArg, err)
		}
	}

	daemon, err := handshake.NewDaemon(r.cfg.HandshakeAddr, r.onPassiveHandshake)
	if err != nil {
		return fmt.Errorf("transport: start handshake daemon: %w", err)
	}
	r.daemon = daemon
	go daemon.Serve()

	r.mu.Lock()
	r.priorityMatrix = matrix
	r.mu.Unlock()

	if err := r.publishLocalSegment(ctx); err != nil {
		return err
	}

	for _, pool := range r.pools {
		pool.Start(ctx)
	}
	return nil
}

// Shutdown tears down every worker pool, the handshake daemon, and every
// context's underlying device.
func (r *RDMA) Shutdown() error {
	var firstErr error
	for _, pool := range r.pools {
		if err := pool.Stop(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if r.daemon != nil {
		if err := r.daemon.Stop(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for _, ctx := range r.contexts {
		if err := ctx.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (r *RDMA) localNICPath(ctxIdx int) string {
	return metadata.NICPath(r.serverName, r.deviceNames[ctxIdx])
}

func (r *RDMA) deviceDescriptors() []metadata.DeviceDescriptor {
	out := make([]metadata.DeviceDescriptor, len(r.contexts))
	for i, ctx := range r.contexts {
		out[i] = metadata.DeviceDescriptor{Name: ctx.DeviceName, GID: ctx.Device.GID(), LID: ctx.Device.LID()}
	}
	return out
}

// UpdatePriorityMatrix replaces the matrix used by local/remote NIC
// selection and republishes the local Segment, letting a running transport
// pick up an edited priority-matrix file without a restart
// (SPEC_FULL.md §10.2).
func (r *RDMA) UpdatePriorityMatrix(ctx context.Context, matrix metadata.PriorityMatrix) error {
	r.mu.Lock()
	r.priorityMatrix = matrix
	r.mu.Unlock()
	return r.publishLocalSegment(ctx)
}

func (r *RDMA) publishLocalSegment(ctx context.Context) error {
	buffers := r.toBufferDescriptors()

	r.mu.RLock()
	matrix := r.priorityMatrix
	r.mu.RUnlock()

	desc := metadata.SegmentDesc{
		Name:           r.serverName,
		Buffers:        buffers,
		Devices:        r.deviceDescriptors(),
		PriorityMatrix: matrix,
		RPCAddr:        r.daemon.Addr().String(),
	}
	return r.segments.Publish(ctx, r.serverName, desc)
}

func (r *RDMA) toBufferDescriptors() []metadata.BufferDescriptor {
	local := r.regions.ToBuffers()
	out := make([]metadata.BufferDescriptor, len(local))
	for i, b := range local {
		out[i] = metadata.BufferDescriptor{
			BaseAddr:    uint64(b.Addr),
			Length:      b.Length,
			LocationTag: b.LocationTag,
			LKey:        b.LKey,
			RKey:        b.RKey,
		}
	}
	return out
}

// RegisterLocalMemory pins and registers addr..addr+length against every
// context, synthesizing a per-device lkey/rkey pair (SPEC_FULL.md §4.1). Real
// hardware would call ibv_reg_mr per protection domain; internal/verbsq has
// no memory-registration verb of its own (this engine's verbs layer is a
// pure-Go simulation, grounded on the teacher's decision in internal/uring
// to hand-roll the ring rather than bind libibverbs), so lkey/rkey are
// simulation-local sequential tags unique per registered region per device.
func (r *RDMA) RegisterLocalMemory(spec MemoryRegionSpec, updateMetadata bool) error {
	return r.RegisterLocalMemoryBatch([]MemoryRegionSpec{spec}, updateMetadata)
}

// RegisterLocalMemoryBatch registers every spec, publishing once after all
// succeed (SPEC_FULL.md §4.1, "atomic at the metadata-publish boundary").
func (r *RDMA) RegisterLocalMemoryBatch(specs []MemoryRegionSpec, updateMetadata bool) error {
	for _, spec := range specs {
		lkey := make([]uint32, len(r.contexts))
		rkey := make([]uint32, len(r.contexts))
		for i := range r.contexts {
			k := nextRKeySeq.Add(1)
			lkey[i] = k
			rkey[i] = k
			if !spec.RemoteAccessible {
				rkey[i] = 0
			}
		}
		region := &memregion.Region{
			Addr:             spec.Addr,
			Length:           spec.Length,
			LocationTag:      spec.LocationTag,
			RemoteAccessible: spec.RemoteAccessible,
			LKey:             lkey,
			RKey:             rkey,
			Data:             make([]byte, spec.Length),
		}
		if ok := r.regions.Register(region); !ok {
			return fmt.Errorf("%w: addr %#x", ErrOverlap, spec.Addr)
		}
		for _, k := range rkey {
			verbsq.PublishRemoteBuffer(k, uint64(spec.Addr), region.Data)
		}
	}

	if !updateMetadata {
		return nil
	}
	return r.publishLocalSegment(context.Background())
}

// UnregisterLocalMemoryBatch removes each addr from the registered-memory
// table, publishing once afterward if requested.
func (r *RDMA) UnregisterLocalMemoryBatch(addrs []uintptr, updateMetadata bool) error {
	for _, addr := range addrs {
		if region := r.regions.LookupAny(addr, 1); region != nil {
			for _, k := range region.RKey {
				verbsq.UnpublishRemoteBuffer(k)
			}
		}
		r.regions.Unregister(addr)
	}

	if !updateMetadata {
		return nil
	}
	return r.publishLocalSegment(context.Background())
}

// ReadLocalMemory copies [addr, addr+length) out of the registered region
// backing it, satisfying LocalMemoryAccessor.
func (r *RDMA) ReadLocalMemory(addr uintptr, length uint64) ([]byte, error) {
	region := r.regions.LookupAny(addr, length)
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
func (r *RDMA) WriteLocalMemory(addr uintptr, data []byte) error {
	region := r.regions.LookupAny(addr, uint64(len(data)))
	if region == nil {
		return fmt.Errorf("%w: addr %#x not registered", ErrBadRange, addr)
	}
	off := uint64(addr - region.Addr)
	copy(region.Data[off:off+uint64(len(data))], data)
	return nil
}

// AllocateBatchID allocates a fixed-capacity Batch (SPEC_FULL.md §4.1).
func (r *RDMA) AllocateBatchID(capacity int) (uint64, error) {
	if capacity <= 0 {
		return 0, fmt.Errorf("%w: capacity must be positive", ErrInvalidArg)
	}
	id := r.nextBatchID.Add(1)
	r.batchMu.Lock()
	r.batches[id] = xfer.NewBatchDesc(id, capacity)
	r.batchMu.Unlock()
	return id, nil
}

// FreeBatchID releases a batch, failing BUSY if any task is not terminal
// (SPEC_FULL.md §4.1).
func (r *RDMA) FreeBatchID(batchID uint64) error {
	r.batchMu.Lock()
	defer r.batchMu.Unlock()
	batch, ok := r.batches[batchID]
	if !ok {
		return ErrUnknownBatch
	}
	if !batch.AllTerminal() {
		return ErrBusy
	}
	delete(r.batches, batchID)
	return nil
}

// GetTransferStatus reports a task's aggregate state (SPEC_FULL.md §4.1).
func (r *RDMA) GetTransferStatus(batchID uint64, taskIndex int) (xfer.State, int64, error) {
	r.batchMu.Lock()
	batch, ok := r.batches[batchID]
	r.batchMu.Unlock()
	if !ok {
		return xfer.StatePending, 0, ErrUnknownBatch
	}
	task := batch.TaskAt(taskIndex)
	if task == nil {
		return xfer.StatePending, 0, fmt.Errorf("%w: task index %d", ErrInvalidArg, taskIndex)
	}
	return task.State(), task.TransferredBytes(), nil
}

// SubmitTransfer slices each request (SPEC_FULL.md §4.2), selects a local NIC
// per slice, and enqueues onto the chosen context's worker pool. The peer's
// remote NIC is resolved lazily by the pool's DeviceSelector at submit and
// retry time, not here, since retry must be able to pick a different
// candidate without re-slicing.
func (r *RDMA) SubmitTransfer(batchID uint64, requests []TransferRequest) ([]*xfer.Task, error) {
	r.batchMu.Lock()
	batch, ok := r.batches[batchID]
	r.batchMu.Unlock()
	if !ok {
		return nil, ErrUnknownBatch
	}

	tasks := make([]*xfer.Task, 0, len(requests))
	bySliceCtx := make(map[int][]*xfer.Slice)

	for _, req := range requests {
		slices, err := r.sliceRequest(req)
		if err != nil {
			return nil, err
		}

		locationTag := ""
		srcRegion := r.regions.LookupAny(req.SourceAddr, req.Length)
		if srcRegion != nil {
			locationTag = srcRegion.LocationTag
		}

		task := xfer.NewTask(slices, int64(req.Length))
		for i, slice := range slices {
			ctxIdx, err := r.selectLocalDevice(locationTag, batchID, i)
			if err != nil {
				slice.SetStatus(xfer.SliceFailed)
				continue
			}
			if srcRegion != nil {
				off := uint64(slice.SourceAddr - srcRegion.Addr)
				if off+slice.Length <= uint64(len(srcRegion.Data)) {
					slice.LocalBuf = srcRegion.Data[off : off+slice.Length]
				}
				if ctxIdx < len(srcRegion.LKey) {
					slice.SourceLKey = srcRegion.LKey[ctxIdx]
				}
			}
			bySliceCtx[ctxIdx] = append(bySliceCtx[ctxIdx], slice)
		}
		tasks = append(tasks, task)
	}

	if !batch.AppendTasks(tasks...) {
		return nil, fmt.Errorf("%w: batch capacity exceeded", ErrBusy)
	}

	for ctxIdx, slices := range bySliceCtx {
		r.pools[ctxIdx].SubmitPostSend(slices)
	}
	return tasks, nil
}

// sliceRequest cuts req into contiguous slices of at most cfg.SliceSize bytes
// (SPEC_FULL.md §4.2): the last slice may be shorter, and source_addr/
// dest_addr advance by the cumulative offset.
func (r *RDMA) sliceRequest(req TransferRequest) ([]*xfer.Slice, error) {
	if req.Length == 0 {
		return nil, fmt.Errorf("%w: zero-length request", ErrInvalidArg)
	}
	if r.cfg.FragmentLimit > 0 && req.Length > r.cfg.FragmentLimit {
		return nil, fmt.Errorf("%w: request length %d exceeds fragment_limit %d", ErrInvalidArg, req.Length, r.cfg.FragmentLimit)
	}

	var slices []*xfer.Slice
	var offset uint64
	for offset < req.Length {
		n := r.cfg.SliceSize
		if remaining := req.Length - offset; remaining < n {
			n = remaining
		}
		slices = append(slices, &xfer.Slice{
			SourceAddr:  req.SourceAddr + uintptr(offset),
			Length:      n,
			Opcode:      req.Opcode,
			TargetID:    req.TargetID,
			DestAddr:    req.DestAddr + offset,
			MaxRetryCnt: r.cfg.MaxRetryCnt,
		})
		offset += n
	}
	return slices, nil
}

// selectLocalDevice implements SPEC_FULL.md §4.3.a: try the preferred list in
// declared order, tie-broken by a hash of (batch_id, slice_index) among the
// active candidates; fall back to the fallback list on the same terms.
func (r *RDMA) selectLocalDevice(locationTag string, batchID uint64, sliceIndex int) (int, error) {
	r.mu.RLock()
	list, ok := r.priorityMatrix[locationTag]
	r.mu.RUnlock()
	if !ok {
		return -1, ErrNoLocalNIC
	}
	if idx, ok := r.pickActiveContext(list.Preferred, batchID, sliceIndex); ok {
		return idx, nil
	}
	if idx, ok := r.pickActiveContext(list.Fallback, batchID, sliceIndex); ok {
		return idx, nil
	}
	return -1, ErrNoLocalNIC
}

func (r *RDMA) pickActiveContext(names []string, batchID uint64, sliceIndex int) (int, bool) {
	var active []int
	for _, name := range names {
		if idx, ok := r.byDeviceName[name]; ok && r.contexts[idx].Active() {
			active = append(active, idx)
		}
	}
	if len(active) == 0 {
		return 0, false
	}
	return active[tieBreakHash(batchID, sliceIndex)%uint64(len(active))], true
}

// selectRemoteDevice implements SPEC_FULL.md §4.3.b as the worker pool's
// DeviceSelector: locate the peer Buffer covering [destAddr, destAddr+length),
// then walk retryCnt further into that Buffer's location's candidate device
// list, wrapping, so a retry always tries a different NIC when more than one
// is available.
func (r *RDMA) selectRemoteDevice(targetID int64, destAddr uint64, length uint64, retryCnt int) (string, int, uint32, error) {
	desc, err := r.segments.GetByID(context.Background(), targetID, retryCnt > 0)
	if err != nil {
		return "", 0, 0, fmt.Errorf("%w: %v", ErrNoRemoteNIC, err)
	}

	bufIdx := desc.FindBuffer(destAddr, length)
	if bufIdx < 0 && retryCnt == 0 {
		// The cached descriptor may predate the peer's latest registration:
		// refetch once before reporting BAD_RANGE.
		if desc, err = r.segments.GetByID(context.Background(), targetID, true); err != nil {
			return "", 0, 0, fmt.Errorf("%w: %v", ErrNoRemoteNIC, err)
		}
		bufIdx = desc.FindBuffer(destAddr, length)
	}
	if bufIdx < 0 {
		return "", 0, 0, ErrBadRange
	}
	buf := desc.Buffers[bufIdx]

	candidates := r.remoteCandidates(desc, buf.LocationTag)
	if len(candidates) == 0 {
		return "", 0, 0, ErrNoRemoteNIC
	}

	devIdx := candidates[retryCnt%len(candidates)]
	if devIdx >= len(desc.Devices) || devIdx >= len(buf.RKey) {
		return "", 0, 0, ErrNoRemoteNIC
	}

	peerPath := metadata.NICPath(desc.Name, desc.Devices[devIdx].Name)
	return peerPath, devIdx, buf.RKey[devIdx], nil
}

// remoteCandidates returns the device indexes named by locationTag's
// priority matrix entry, preferred list first then fallback, matching
// selectLocalDevice's declared-order semantics but without the active-local
// liveness check (peer device liveness is discovered by a post-send/
// completion failure, not known up front).
func (r *RDMA) remoteCandidates(desc metadata.SegmentDesc, locationTag string) []int {
	list, ok := desc.PriorityMatrix[locationTag]
	if !ok {
		// No matrix entry for this location: every device is a candidate,
		// in declared order, rather than failing a request the peer never
		// told us how to prioritize.
		all := make([]int, len(desc.Devices))
		for i := range all {
			all[i] = i
		}
		return all
	}

	nameIndex := make(map[string]int, len(desc.Devices))
	for i, d := range desc.Devices {
		nameIndex[d.Name] = i
	}
	var out []int
	for _, name := range append(append([]string(nil), list.Preferred...), list.Fallback...) {
		if idx, ok := nameIndex[name]; ok {
			out = append(out, idx)
		}
	}
	return out
}

func tieBreakHash(batchID uint64, sliceIndex int) uint64 {
	return batchID*2654435761 + uint64(sliceIndex)
}

// localCopy services a LOCAL_SEGMENT_ID slice with an in-process memcpy
// instead of an RDMA post (SPEC_FULL.md §3, §4.2): both source and
// destination must resolve to a currently registered local region, and the
// bytes actually move between their backing buffers, the same round trip a
// real memcpy -- or an RDMA WRITE to one's own node -- would perform.
func (r *RDMA) localCopy(slice *xfer.Slice) error {
	src := r.regions.LookupAny(slice.SourceAddr, slice.Length)
	if src == nil {
		return fmt.Errorf("%w: local copy source %#x not registered", ErrBadRange, slice.SourceAddr)
	}
	dst := r.regions.LookupAny(uintptr(slice.DestAddr), slice.Length)
	if dst == nil {
		return fmt.Errorf("%w: local copy dest %#x not registered", ErrBadRange, slice.DestAddr)
	}
	srcOff := uint64(slice.SourceAddr - src.Addr)
	dstOff := uint64(slice.DestAddr) - uint64(dst.Addr)
	copy(dst.Data[dstOff:dstOff+slice.Length], src.Data[srcOff:srcOff+slice.Length])
	return nil
}

// connectFactory builds the active-side endpointstore.Factory for context
// ctxIdx: construct an endpoint, drive the active handshake against
// peerNICPath, return it for the store to cache.
func (r *RDMA) connectFactory(ctxIdx int) endpointstore.Factory {
	return func(peerNICPath string) (endpointstore.Endpoint, error) {
		ctx := r.contexts[ctxIdx]
		ep := rdmaendpoint.New(r.localNICPath(ctxIdx), ctx.Device)
		if err := ep.Construct(r.cfg.NumQPPerEndpoint, r.cfg.MaxWRDepth); err != nil {
			return nil, err
		}

		send := func(sendCtx context.Context, peerServerName string, local rdmaverbs.HandShakeDesc) (rdmaverbs.HandShakeDesc, error) {
			peerDesc, err := r.segments.GetByName(sendCtx, peerServerName, false)
			if err != nil {
				return rdmaverbs.HandShakeDesc{}, err
			}
			return handshake.SendHandshake(sendCtx, peerDesc.RPCAddr, local)
		}

		if err := ep.SetupConnectionsByActive(context.Background(), peerNICPath, send, r.resolvePeerDevice); err != nil {
			return nil, err
		}
		return ep, nil
	}
}

// onPassiveHandshake is the handshake daemon's Handler: find the local
// Context the request targets, get-or-create the cached endpoint for the
// requesting peer via the passive setup path, and return our local
// descriptor (rdma_endpoint.cpp's onSetupRdmaConnections).
func (r *RDMA) onPassiveHandshake(peerDesc rdmaverbs.HandShakeDesc) (rdmaverbs.HandShakeDesc, error) {
	_, localNICName, ok := rdmaverbs.SplitNICPath(peerDesc.PeerNICPath)
	if !ok {
		return rdmaverbs.HandShakeDesc{}, fmt.Errorf("transport: malformed peer_nic_path %q", peerDesc.PeerNICPath)
	}
	ctxIdx, ok := r.byDeviceName[localNICName]
	if !ok {
		return rdmaverbs.HandShakeDesc{}, fmt.Errorf("transport: no local context for nic %q", localNICName)
	}
	ctx := r.contexts[ctxIdx]

	var localDesc rdmaverbs.HandShakeDesc
	ep, err := ctx.Endpoints.GetOrCreate(peerDesc.LocalNICPath, func(_ string) (endpointstore.Endpoint, error) {
		ep := rdmaendpoint.New(r.localNICPath(ctxIdx), ctx.Device)
		if err := ep.Construct(r.cfg.NumQPPerEndpoint, r.cfg.MaxWRDepth); err != nil {
			return nil, err
		}
		resp, err := ep.SetupConnectionsByPassive(peerDesc, r.resolvePeerDevice)
		if err != nil {
			return nil, err
		}
		localDesc = resp
		return ep, nil
	})
	if err != nil {
		return rdmaverbs.HandShakeDesc{}, err
	}
	if localDesc.LocalNICPath == "" {
		// The endpoint was already cached, so the factory did not run:
		// answer this handshake by re-running passive setup on it.
		rep, ok := ep.(*rdmaendpoint.Endpoint)
		if !ok {
			return rdmaverbs.HandShakeDesc{}, fmt.Errorf("transport: unexpected endpoint type for %q", peerDesc.LocalNICPath)
		}
		return rep.SetupConnectionsByPassive(peerDesc, r.resolvePeerDevice)
	}
	return localDesc, nil
}

// resolvePeerDevice looks up peerNICName's GID/LID within peerServerName's
// published Segment, the PeerDeviceResolver internal/rdmaendpoint requires.
func (r *RDMA) resolvePeerDevice(peerServerName, peerNICName string) (rdmaverbs.DeviceDescriptor, bool) {
	desc, err := r.segments.GetByName(context.Background(), peerServerName, false)
	if err != nil {
		return rdmaverbs.DeviceDescriptor{}, false
	}
	for _, d := range desc.Devices {
		if d.Name == peerNICName {
			return rdmaverbs.DeviceDescriptor{Name: d.Name, GID: d.GID, LID: d.LID}, true
		}
	}
	return rdmaverbs.DeviceDescriptor{}, false
}

var _ Capability = (*RDMA)(nil)
var _ LocalMemoryAccessor = (*RDMA)(nil)
