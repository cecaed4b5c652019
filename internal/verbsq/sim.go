package verbsq

import (
	"sync"
	"sync/atomic"
)

// SimDevice is a software stand-in for a local RDMA NIC. It implements
// Device and FaultInjector so tests can drive completion failures
// deterministically (SPEC_FULL.md scenarios S4/S5) without real hardware.
// Completions are delivered synchronously into the shared CQ's buffer on
// PostSend, which is adequate for this engine's purposes: the worker pool
// treats "poll" and "post" as independent phases regardless of whether the
// underlying completion arrived synchronously or asynchronously.
type SimDevice struct {
	name string
	gid  [16]byte
	lid  uint16

	cq *simCQ

	mu              sync.Mutex
	qps             map[uint32]*simQP
	nextQPNum       uint32
	postFailuresLeft int
}

// NewSimDevice creates a simulated device identified by name, with gid/lid
// values suitable for use in a HandShakeDesc.
func NewSimDevice(name string, gid [16]byte, lid uint16) *SimDevice {
	return &SimDevice{
		name: name,
		gid:  gid,
		lid:  lid,
		cq:   newSimCQ(),
		qps:  make(map[uint32]*simQP),
	}
}

func (d *SimDevice) CreateQP() (QP, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextQPNum++
	qp := &simQP{num: d.nextQPNum, dev: d}
	d.qps[qp.num] = qp
	return qp, nil
}

func (d *SimDevice) CQ() CQ          { return d.cq }
func (d *SimDevice) GID() [16]byte   { return d.gid }
func (d *SimDevice) LID() uint16     { return d.lid }
func (d *SimDevice) Close() error    { return nil }
func (d *SimDevice) Name() string    { return d.name }

// InjectPostSendFailure makes the next n PostSend calls on any QP of this
// device fail as if ibv_post_send itself had errored.
func (d *SimDevice) InjectPostSendFailure(_ string, n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.postFailuresLeft += n
}

// InjectCompletionFailure arranges for the next n completions polled from
// this device's CQ to carry a non-nil Err, simulating IBV_WC_SUCCESS != status.
func (d *SimDevice) InjectCompletionFailure(_ string, n int) {
	d.cq.injectFailures(n)
}

func (d *SimDevice) takePostFailure() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.postFailuresLeft > 0 {
		d.postFailuresLeft--
		return true
	}
	return false
}

type simQP struct {
	num   uint32
	dev   *SimDevice
	state atomic.Int32
}

func (q *simQP) QPNum() uint32 { return q.num }

func (q *simQP) State() QPState { return QPState(q.state.Load()) }

func (q *simQP) ModifyState(state QPState, _ RTRAttrs) error {
	q.state.Store(int32(state))
	return nil
}

func (q *simQP) PostSend(wrs []WorkRequest) error {
	if q.dev.takePostFailure() {
		return ErrFabricPostSend
	}
	for _, wr := range wrs {
		comp := Completion{ID: wr.ID}
		if err := moveWorkRequestBytes(wr); err != nil {
			comp.Err = err
		}
		q.dev.cq.push(comp)
	}
	return nil
}

// moveWorkRequestBytes performs the actual RDMA READ/WRITE byte movement a
// real NIC's DMA engine would, between wr's local buffer and the remote
// region wr.RemoteKey/RemoteAddr resolve to in the fabric. A zero RemoteKey
// means the caller has no remote side to move bytes against (e.g. a work
// request posted only to exercise queue-depth/completion bookkeeping), so it
// is treated as a no-op rather than a resolution failure.
func moveWorkRequestBytes(wr WorkRequest) error {
	if wr.RemoteKey == 0 || wr.Length == 0 {
		return nil
	}
	remote, ok := lookupRemoteBuffer(wr.RemoteKey, wr.RemoteAddr, wr.Length)
	if !ok || uint64(len(wr.LocalBuf)) < wr.Length {
		return ErrFabricCompletion
	}
	switch wr.Opcode {
	case OpRDMAWrite:
		copy(remote, wr.LocalBuf[:wr.Length])
	case OpRDMARead:
		copy(wr.LocalBuf[:wr.Length], remote)
	}
	return nil
}

func (q *simQP) Close() error {
	q.dev.mu.Lock()
	defer q.dev.mu.Unlock()
	delete(q.dev.qps, q.num)
	return nil
}

type simCQ struct {
	mu               sync.Mutex
	pending          []Completion
	failuresRemaining int
}

func newSimCQ() *simCQ { return &simCQ{} }

func (c *simCQ) push(comp Completion) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failuresRemaining > 0 {
		c.failuresRemaining--
		comp.Err = ErrFabricCompletion
	}
	c.pending = append(c.pending, comp)
}

func (c *simCQ) injectFailures(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failuresRemaining += n
}

func (c *simCQ) Poll(max int) ([]Completion, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.pending) == 0 {
		return nil, nil
	}
	n := max
	if n > len(c.pending) {
		n = len(c.pending)
	}
	out := append([]Completion(nil), c.pending[:n]...)
	c.pending = c.pending[n:]
	return out, nil
}

func (c *simCQ) Close() error { return nil }
