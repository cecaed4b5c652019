// Package worker is the sharded submission/completion pump bound to one
// internal/rdmactx.Context (SPEC_FULL.md §4.6). Grounded directly on
// worker_pool.{h,cpp}: the 8-shard submission map keyed by
// (target_id*10007+remote_device_id) mod 8, strided shard ownership across a
// fixed worker count, a per-worker "collective queue" used for same-thread
// redispatch after a failed slice picks a new peer, bounded retry before a
// slice is marked permanently failed, and a monitor goroutine fanning in
// async device events. "OS thread per worker" relaxes to "one goroutine per
// worker pinned via runtime.LockOSThread", the same pinning idiom the
// teacher's internal/queue/runner.go ioLoop uses for ublk_drv's
// thread-affinity requirement, reusing golang.org/x/sys/unix.SchedSetaffinity
// for the optional NUMA/CPU pinning step. Teardown joins every worker plus
// the monitor goroutine via golang.org/x/sync/errgroup (SPEC_FULL.md §5).
package worker

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/mooncakelabs/transfer-engine/internal/constants"
	"github.com/mooncakelabs/transfer-engine/internal/endpointstore"
	"github.com/mooncakelabs/transfer-engine/internal/logging"
	"github.com/mooncakelabs/transfer-engine/internal/rdmactx"
	"github.com/mooncakelabs/transfer-engine/internal/rdmaendpoint"
	"github.com/mooncakelabs/transfer-engine/internal/xfer"
)

// DeviceSelector picks the peer NIC and remote rkey a slice should target,
// mirroring selectDevice in the original transport: called once at submit
// time (retryCnt 0) and again by processFailedSlice on each retry, which
// must steer toward a different candidate than the one that just failed.
// deviceID only needs to be stable enough to shard on; it is never
// persisted.
type DeviceSelector func(targetID int64, destAddr uint64, length uint64, retryCnt int) (peerNICPath string, deviceID int, destRKey uint32, err error)

// LocalCopy performs the LOCAL_SEGMENT_ID fast path: a same-process memcpy
// instead of an RDMA operation (SPEC_FULL.md §3, §4.2).
type LocalCopy func(slice *xfer.Slice) error

// Observer receives per-slice completion events, the same pluggable seam
// the root package's Observer interface defines (SPEC_FULL.md §6's metrics
// export); declared locally rather than imported to avoid a dependency from
// internal/worker back onto the root module, mirroring the teacher's split
// between its root Observer and internal/interfaces.Observer. Any value
// satisfying the root package's Observer interface also satisfies this one.
type Observer interface {
	ObserveRead(bytes uint64, latencyNs uint64, success bool)
	ObserveWrite(bytes uint64, latencyNs uint64, success bool)
	ObserveRetry()
	ObserveQPDepth(depth uint32)
}

type noopObserver struct{}

func (noopObserver) ObserveRead(uint64, uint64, bool)  {}
func (noopObserver) ObserveWrite(uint64, uint64, bool) {}
func (noopObserver) ObserveRetry()                     {}
func (noopObserver) ObserveQPDepth(uint32)             {}


// Options configures a Pool; zero fields fall back to the package-level
// defaults in internal/constants.
type Options struct {
	WorkersPerCtx  int
	MaxRetryCnt    int
	PollCountPerCQ int
	CPUAffinity    []int

	Selector  DeviceSelector
	Connect   endpointstore.Factory
	LocalCopy LocalCopy
	Observer  Observer
}

func (o Options) withDefaults() Options {
	if o.WorkersPerCtx <= 0 {
		o.WorkersPerCtx = constants.DefaultWorkersPerCtx
	}
	if o.MaxRetryCnt <= 0 {
		o.MaxRetryCnt = constants.DefaultMaxRetryCount
	}
	if o.PollCountPerCQ <= 0 {
		o.PollCountPerCQ = constants.PollCountPerCQ
	}
	if o.Observer == nil {
		o.Observer = noopObserver{}
	}
	return o
}

// shardEntry is one (peer_nic_path -> pending slices) bucket within a shard,
// matching slice_queue_[shard] (a map<string, SliceList>) in the original.
type shardEntry struct {
	mu    sync.Mutex
	count atomic.Int64
	bySeg map[string][]*xfer.Slice
}

// Pool is one context's worker pool: workersPerCtx transferWorker goroutines
// draining a strided subset of the 8 submission shards, plus one
// monitorWorker goroutine relaying the context's async device events.
type Pool struct {
	ctx    *rdmactx.Context
	logger *logging.Logger
	opts   Options

	shards [constants.ShardCount]*shardEntry

	submittedCount atomic.Int64
	processedCount atomic.Int64
	retryCount     atomic.Int64

	condMu sync.Mutex
	cond   *sync.Cond

	running   atomic.Bool
	cancel    context.CancelFunc
	group     *errgroup.Group
	groupDone chan struct{}

	// collective is one redispatch map per worker, touched only by the
	// goroutine that owns that index (collective_slice_queue_ in the
	// original): a slice failing post-send picks a new peer and is
	// requeued here rather than back through the sharded submission path,
	// since it is already known which worker should retry it.
	collective []map[string][]*xfer.Slice
}

// New builds a Pool bound to ctx. Call Start to launch its goroutines.
func New(ctx *rdmactx.Context, opts Options) *Pool {
	opts = opts.withDefaults()
	p := &Pool{
		ctx:        ctx,
		logger:     logging.Default(),
		opts:       opts,
		collective: make([]map[string][]*xfer.Slice, opts.WorkersPerCtx),
	}
	for i := range p.shards {
		p.shards[i] = &shardEntry{bySeg: make(map[string][]*xfer.Slice)}
	}
	for i := range p.collective {
		p.collective[i] = make(map[string][]*xfer.Slice)
	}
	p.cond = sync.NewCond(&p.condMu)
	return p
}

func shardFor(targetID int64, deviceID int) int {
	return int((uint64(targetID)*10007 + uint64(deviceID)) % uint64(constants.ShardCount))
}

// Start launches workersPerCtx transfer workers plus the monitor goroutine.
// Returns immediately; call Stop to tear down.
func (p *Pool) Start(parent context.Context) {
	if !p.running.CompareAndSwap(false, true) {
		return
	}
	ctx, cancel := context.WithCancel(parent)
	p.cancel = cancel
	group, gctx := errgroup.WithContext(ctx)
	p.group = group
	p.groupDone = make(chan struct{})

	for i := 0; i < p.opts.WorkersPerCtx; i++ {
		workerID := i
		group.Go(func() error {
			p.transferWorker(gctx, workerID)
			return nil
		})
	}
	group.Go(func() error {
		p.monitorWorker(gctx)
		return nil
	})

	go func() {
		_ = group.Wait()
		close(p.groupDone)
	}()
}

// Stop cancels every worker and the monitor goroutine and waits for them to
// exit, returning the first error any reported (errgroup.Group.Wait).
func (p *Pool) Stop() error {
	if !p.running.CompareAndSwap(true, false) {
		return nil
	}
	p.cancel()
	p.condMu.Lock()
	p.cond.Broadcast()
	p.condMu.Unlock()
	<-p.groupDone
	return p.group.Wait()
}

// SubmitPostSend is submitPostSend from the original: resolves each slice's
// peer NIC and remote rkey (skipped for LOCAL_SEGMENT_ID slices), routes it
// into its submission shard, and wakes any idling worker.
func (p *Pool) SubmitPostSend(slices []*xfer.Slice) {
	if len(slices) == 0 {
		return
	}

	grouped := make(map[int]map[string][]*xfer.Slice)
	var accepted int
	for _, slice := range slices {
		var deviceID int
		if slice.TargetID != constants.LocalSegmentID {
			peerNICPath, devID, destRKey, err := p.opts.Selector(slice.TargetID, slice.DestAddr, slice.Length, slice.RetryCnt)
			if err != nil {
				p.logger.Warn("device selection failed at submit", "target_id", slice.TargetID, "error", err)
				slice.SetStatus(xfer.SliceFailed)
				continue
			}
			slice.PeerNICPath = peerNICPath
			slice.DestRKey = destRKey
			deviceID = devID
		}

		shard := shardFor(slice.TargetID, deviceID)
		bucket, ok := grouped[shard]
		if !ok {
			bucket = make(map[string][]*xfer.Slice)
			grouped[shard] = bucket
		}
		bucket[slice.PeerNICPath] = append(bucket[slice.PeerNICPath], slice)
		accepted++
	}

	for shard, bucket := range grouped {
		entry := p.shards[shard]
		entry.mu.Lock()
		var added int
		for peerPath, s := range bucket {
			entry.bySeg[peerPath] = append(entry.bySeg[peerPath], s...)
			added += len(s)
		}
		entry.mu.Unlock()
		entry.count.Add(int64(added))
	}

	if accepted > 0 {
		p.submittedCount.Add(int64(accepted))
		p.condMu.Lock()
		p.cond.Broadcast()
		p.condMu.Unlock()
	}
}

// transferWorker is one worker's main loop: drain owned shards, perform
// posts, poll for completions, idle-sleep when there is no progress
// (transferWorker in the original).
func (p *Pool) transferWorker(ctx context.Context, workerID int) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	if len(p.opts.CPUAffinity) > 0 {
		cpu := p.opts.CPUAffinity[workerID%len(p.opts.CPUAffinity)]
		var mask unix.CPUSet
		mask.Set(cpu)
		if err := unix.SchedSetaffinity(0, &mask); err != nil {
			p.logger.Warn("failed to set worker cpu affinity", "worker_id", workerID, "cpu", cpu, "error", err)
		}
	}

	idleSince := time.Time{}
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		p.performPostSend(workerID)
		p.performPollCq(workerID)

		if p.submittedCount.Load() == p.processedCount.Load() {
			if idleSince.IsZero() {
				idleSince = time.Now()
				continue
			}
			if time.Since(idleSince) >= constants.IdleThreshold {
				p.waitIdle(ctx)
				idleSince = time.Time{}
			}
		} else {
			idleSince = time.Time{}
		}
	}
}

// waitIdle suspends the calling worker on the shared condition variable,
// woken by a new submission, a Stop, or at worst the bound timeout
// (transferWorker's condvar wait with a 1s ceiling in the original).
func (p *Pool) waitIdle(ctx context.Context) {
	done := make(chan struct{})
	timer := time.AfterFunc(constants.IdleWaitTimeout, func() {
		p.condMu.Lock()
		p.cond.Broadcast()
		p.condMu.Unlock()
	})
	defer timer.Stop()

	go func() {
		select {
		case <-ctx.Done():
			p.condMu.Lock()
			p.cond.Broadcast()
			p.condMu.Unlock()
		case <-done:
		}
	}()

	p.condMu.Lock()
	p.cond.Wait()
	p.condMu.Unlock()
	close(done)
}

// performPostSend drains the shards this worker strides over (workerID,
// workerID+workersPerCtx, ...), hands each peer's batch to its endpoint, and
// routes anything that could not be handed off through processFailedSlice.
func (p *Pool) performPostSend(workerID int) {
	local := p.collective[workerID]
	for shard := workerID; shard < constants.ShardCount; shard += p.opts.WorkersPerCtx {
		entry := p.shards[shard]
		if entry.count.Load() == 0 {
			continue
		}
		entry.mu.Lock()
		for peerPath, slices := range entry.bySeg {
			if len(slices) == 0 {
				continue
			}
			local[peerPath] = append(local[peerPath], slices...)
			delete(entry.bySeg, peerPath)
		}
		entry.count.Store(0)
		entry.mu.Unlock()
	}

	for peerPath, slices := range local {
		if len(slices) == 0 {
			delete(local, peerPath)
			continue
		}
		delete(local, peerPath)

		if slices[0].TargetID == constants.LocalSegmentID {
			p.performLocalCopy(slices)
			continue
		}

		if !p.ctx.Active() {
			for _, s := range slices {
				p.processFailedSlice(s, workerID)
			}
			continue
		}

		ep, err := p.ctx.Endpoints.GetOrCreate(peerPath, p.opts.Connect)
		if err != nil {
			p.logger.Warn("endpoint allocation failed", "peer_nic_path", peerPath, "error", err)
			for _, s := range slices {
				p.processFailedSlice(s, workerID)
			}
			continue
		}

		rep, ok := ep.(*rdmaendpoint.Endpoint)
		if !ok {
			p.logger.Error("endpoint store returned unexpected type", "peer_nic_path", peerPath)
			for _, s := range slices {
				p.processFailedSlice(s, workerID)
			}
			continue
		}

		for _, s := range slices {
			s.PostedAt = time.Now().UnixNano()
		}
		rep.SubmitPostSend(slices)
		if err := rep.PerformPostSend(p.ctx); err != nil {
			p.logger.Warn("post_send failed, dropping endpoint", "peer_nic_path", peerPath, "error", err)
			p.ctx.Endpoints.Delete(peerPath)
			for _, s := range slices {
				p.processFailedSlice(s, workerID)
			}
		}
	}
}

func (p *Pool) performLocalCopy(slices []*xfer.Slice) {
	for _, slice := range slices {
		slice.PostedAt = time.Now().UnixNano()
		if p.opts.LocalCopy != nil {
			if err := p.opts.LocalCopy(slice); err != nil {
				slice.SetStatus(xfer.SliceFailed)
				p.processedCount.Add(1)
				p.observe(slice, false)
				continue
			}
		}
		slice.SetStatus(xfer.SliceSuccess)
		p.processedCount.Add(1)
		p.observe(slice, true)
	}
}

// observe reports one slice's terminal outcome to the configured Observer,
// deriving latency from PostedAt (zero if the slice never went through
// performPostSend/performLocalCopy, e.g. a post_send that failed before
// either set it).
func (p *Pool) observe(slice *xfer.Slice, success bool) {
	var latencyNs uint64
	if slice.PostedAt > 0 {
		if d := time.Now().UnixNano() - slice.PostedAt; d > 0 {
			latencyNs = uint64(d)
		}
	}
	if slice.Opcode == xfer.OpWrite {
		p.opts.Observer.ObserveWrite(slice.Length, latencyNs, success)
	} else {
		p.opts.Observer.ObserveRead(slice.Length, latencyNs, success)
	}
}

// performPollCq drains up to PollCountPerCQ completions from the context's
// shared CQ. Only worker 0 does this, since SPEC_FULL.md §4.3 models one CQ
// per context rather than one per shard; every other worker returns at once.
func (p *Pool) performPollCq(workerID int) {
	if workerID != 0 {
		return
	}
	if !p.ctx.Active() {
		return
	}

	comps, err := p.ctx.Device.CQ().Poll(p.opts.PollCountPerCQ)
	if err != nil {
		p.logger.Warn("cq poll failed", "device", p.ctx.DeviceName, "error", err)
		return
	}
	for _, comp := range comps {
		slice, ok := p.ctx.ResolveCompletion(comp)
		if !ok {
			continue
		}
		if comp.Err != nil {
			p.processFailedSlice(slice, workerID)
			continue
		}
		p.processedCount.Add(1)
		p.observe(slice, true)
		if slice.QPDepthRef != nil {
			p.opts.Observer.ObserveQPDepth(uint32(slice.QPDepthRef.Load()))
		}
	}
}

// processFailedSlice is the retry state machine: bounded by MaxRetryCnt,
// each retry reselects a peer NIC (steering away from the one that just
// failed) and requeues directly into the failing worker's own collective
// queue, matching the original's same-thread redispatch. The endpoint that
// produced the failure is always dropped from the store first, terminal or
// not, so the next attempt against that peer re-handshakes from scratch.
func (p *Pool) processFailedSlice(slice *xfer.Slice, workerID int) {
	p.ctx.Endpoints.Delete(slice.PeerNICPath)

	if slice.RetryCnt >= p.opts.MaxRetryCnt {
		slice.SetStatus(xfer.SliceFailed)
		p.processedCount.Add(1)
		p.observe(slice, false)
		return
	}

	slice.RetryCnt++
	if slice.TargetID == constants.LocalSegmentID {
		// LOCAL_SEGMENT_ID never fails at the device-selection stage; a
		// retry here only makes sense if LocalCopy itself failed, which is
		// already terminal (performLocalCopy never calls back in here).
		slice.SetStatus(xfer.SliceFailed)
		p.processedCount.Add(1)
		p.observe(slice, false)
		return
	}

	peerNICPath, _, destRKey, err := p.opts.Selector(slice.TargetID, slice.DestAddr, slice.Length, slice.RetryCnt)
	if err != nil {
		slice.SetStatus(xfer.SliceFailed)
		p.processedCount.Add(1)
		p.observe(slice, false)
		return
	}

	slice.PeerNICPath = peerNICPath
	slice.DestRKey = destRKey
	slice.SetStatus(xfer.SlicePending)
	p.retryCount.Add(1)
	p.opts.Observer.ObserveRetry()

	local := p.collective[workerID]
	local[peerNICPath] = append(local[peerNICPath], slice)
}

// monitorWorker relays the context's async device events (DEVICE_FATAL,
// PORT_ERR, LID_CHANGE, PORT_ACTIVE), mirroring monitorWorker's epoll loop
// over ibv_get_async_event in the original. Fatal events already disabled
// the context by the time they reach this channel (Context.DeliverAsyncEvent
// does that synchronously); this loop only logs and wakes idle workers so
// they notice ctx.Active() went false.
func (p *Pool) monitorWorker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-p.ctx.AsyncEvents():
			if !ok {
				return
			}
			if ev.Fatal {
				p.logger.Error("fatal async device event, context disabled", "device", ev.DeviceName, "message", ev.Message)
			} else {
				p.logger.Info("async device event", "device", ev.DeviceName, "message", ev.Message)
			}
			p.condMu.Lock()
			p.cond.Broadcast()
			p.condMu.Unlock()
		}
	}
}

// SubmittedCount and ProcessedCount mirror the original's
// submitted_slice_count_/processed_slice_count_ debug counters.
func (p *Pool) SubmittedCount() int64 { return p.submittedCount.Load() }
func (p *Pool) ProcessedCount() int64 { return p.processedCount.Load() }
func (p *Pool) RetryCount() int64     { return p.retryCount.Load() }
