// Package verbsq provides the queue-pair post/poll interface the engine
// drives, and one concrete in-process implementation. It is grounded on the
// teacher's internal/uring/interface.go: a small Ring/Batch/Result interface
// with NewRing dispatching to a concrete constructor, here renamed to the
// RDMA domain (QP/CQ/Completion) since the unit of work is a posted verbs
// work request, not an io_uring SQE. No ibverbs Go binding exists anywhere
// in the example corpus (same situation the teacher faced with io_uring,
// solved there by hand-rolling the ring in pure Go instead of cgo-wrapping
// liburing) — the same choice is made here: SimDevice hand-rolls post-send/
// poll-cq semantics in pure Go rather than cgo-binding libibverbs.
package verbsq

import "errors"

// ErrQueueFull names an exhausted in-flight work-request budget
// (max_wr_depth). The simulated QP never returns it; the endpoint caps the
// depth itself before posting.
var ErrQueueFull = errors.New("verbsq: queue pair depth exhausted")

// ErrFabricPostSend is returned by PostSend when the simulated post-send
// call itself fails (not a later completion error).
var ErrFabricPostSend = errors.New("verbsq: post_send failed")

// ErrFabricCompletion marks a completion with a non-success status.
var ErrFabricCompletion = errors.New("verbsq: completion status != success")

// Opcode mirrors the RDMA verb issued for one work request.
type Opcode int

const (
	OpRDMARead Opcode = iota
	OpRDMAWrite
)

// QPState is the connection state machine defined in SPEC_FULL.md §4.5.
type QPState int

const (
	QPReset QPState = iota
	QPInit
	QPRTR // ready to receive
	QPRTS // ready to send
)

// WRID is the 64-bit tag carried by a posted work request, used to look up
// the owning Slice at completion time without holding a pointer to it.
type WRID uint64

// WorkRequest is one queued post-send operation. LocalBuf/RemoteKey/
// RemoteAddr carry the actual bytes and remote-side resolution a real verbs
// WR would hand the NIC via its SGE list and rkey, so PostSend can perform
// the data movement a real RDMA READ/WRITE verb would (see fabric.go).
type WorkRequest struct {
	ID     WRID
	Opcode Opcode
	Length uint64

	LocalBuf   []byte
	RemoteKey  uint32
	RemoteAddr uint64
}

// Completion reports the outcome of one previously posted WorkRequest.
type Completion struct {
	ID  WRID
	Err error // nil on success
}

// RTRAttrs are the parameters driven into a QP at the RESET->INIT->RTR->RTS
// transition (SPEC_FULL.md §4.5). They carry only peer addressing, port and
// GID index; the retry/timeout/MTU values in internal/constants are not part
// of them.
type RTRAttrs struct {
	PeerGID    [16]byte
	PeerLID    uint16
	PeerQPNum  uint32
	PortNum    uint8
	GIDIndex   int
}

// QP is one queue pair belonging to an Endpoint.
type QP interface {
	// PostSend enqueues wrs as a single chained post-send. It does not check
	// a depth budget; callers limit how many wrs they post.
	PostSend(wrs []WorkRequest) error
	ModifyState(state QPState, attrs RTRAttrs) error
	State() QPState
	QPNum() uint32
	Close() error
}

// CQ is a completion queue shared by every QP on a Context.
type CQ interface {
	// Poll drains up to max completions without blocking.
	Poll(max int) ([]Completion, error)
	Close() error
}

// Device is one local RDMA NIC: it mints QPs bound to a shared CQ and
// reports its own GID/LID for handshake descriptors.
type Device interface {
	CreateQP() (QP, error)
	CQ() CQ
	GID() [16]byte
	LID() uint16
	Close() error
}

// FaultInjector lets tests force a post-send or completion failure on a
// named device, used to drive S4 (retry on alternate NIC) and S5 (port
// down/up) from SPEC_FULL.md §8 without real hardware.
type FaultInjector interface {
	InjectPostSendFailure(deviceName string, n int)
	InjectCompletionFailure(deviceName string, n int)
}
