package mooncake

import (
	"context"
	"sync"

	"github.com/mooncakelabs/transfer-engine/internal/metadata"
	"github.com/mooncakelabs/transfer-engine/internal/verbsq"
)

// RecordingObserver is a call-tracking Observer for tests, mirroring the
// teacher's MockBackend call-counting idiom (CallCounts/IsClosed) adapted to
// this engine's completion-event seam instead of block-device I/O.
type RecordingObserver struct {
	mu sync.Mutex

	readOps, writeOps        int
	readBytes, writeBytes    uint64
	readErrors, writeErrors  int
	retries                  int
	qpDepths                 []uint32
}

// NewRecordingObserver creates an Observer that records every call for
// later inspection instead of forwarding to Metrics or Prometheus.
func NewRecordingObserver() *RecordingObserver {
	return &RecordingObserver{}
}

func (r *RecordingObserver) ObserveRead(bytes uint64, _ uint64, success bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.readOps++
	if success {
		r.readBytes += bytes
	} else {
		r.readErrors++
	}
}

func (r *RecordingObserver) ObserveWrite(bytes uint64, _ uint64, success bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.writeOps++
	if success {
		r.writeBytes += bytes
	} else {
		r.writeErrors++
	}
}

func (r *RecordingObserver) ObserveRetry() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.retries++
}

func (r *RecordingObserver) ObserveQPDepth(depth uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.qpDepths = append(r.qpDepths, depth)
}

// Counts returns a point-in-time snapshot of every recorded call, keyed the
// same way the teacher's MockBackend.CallCounts reports method-call tallies.
func (r *RecordingObserver) Counts() map[string]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return map[string]int{
		"read_ops":     r.readOps,
		"write_ops":    r.writeOps,
		"read_errors":  r.readErrors,
		"write_errors": r.writeErrors,
		"retries":      r.retries,
		"qp_samples":   len(r.qpDepths),
	}
}

// ReadBytes returns the cumulative bytes observed across successful reads.
func (r *RecordingObserver) ReadBytes() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.readBytes
}

// WriteBytes returns the cumulative bytes observed across successful writes.
func (r *RecordingObserver) WriteBytes() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.writeBytes
}

// LastQPDepth returns the most recently observed QP depth sample, or 0 if
// none has been recorded yet.
func (r *RecordingObserver) LastQPDepth() uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.qpDepths) == 0 {
		return 0
	}
	return r.qpDepths[len(r.qpDepths)-1]
}

var _ Observer = (*RecordingObserver)(nil)

// LoopbackPair is two Engines, each backed by one simulated NIC, sharing a
// metadata.MemoryStore and with an "rdma" transport already installed and
// handshake-reachable from the other — a minimal two-node cluster for
// integration tests that need a real (simulated) RDMA round trip rather
// than a single-process loopback-to-self transfer.
type LoopbackPair struct {
	A, B *Engine

	DeviceA, DeviceB *verbsq.SimDevice
}

// LoopbackLocationTag is the LocationTag used by memory registered through a
// LoopbackPair; it has a standing entry in both sides' priority matrices so
// selectLocalDevice always has a candidate.
const LoopbackLocationTag = "cpu:0"

// NewLoopbackPair builds a LoopbackPair with devices named "mlx5_0" on both
// sides (distinguished by server name, not device name, since NIC paths are
// "server@nic"), installs "rdma" on each with a priority matrix that prefers
// "mlx5_0" for LoopbackLocationTag, and returns a cleanup func that shuts
// both engines down.
func NewLoopbackPair(serverA, serverB string) (*LoopbackPair, func(), error) {
	store := metadata.NewMemoryStore()

	devA := verbsq.NewSimDevice("mlx5_0", [16]byte{1}, 10)
	devB := verbsq.NewSimDevice("mlx5_0", [16]byte{2}, 20)

	engineA, err := NewEngine(EngineOptions{ServerName: serverA, Store: store})
	if err != nil {
		return nil, nil, err
	}
	engineB, err := NewEngine(EngineOptions{ServerName: serverB, Store: store})
	if err != nil {
		return nil, nil, err
	}

	matrix := metadata.PriorityMatrix{
		LoopbackLocationTag: {Preferred: []string{"mlx5_0"}},
	}

	if _, err := engineA.InstallOrGetTransport("rdma", &RDMATransportArgs{
		DeviceOrder:    []string{"mlx5_0"},
		Devices:        map[string]verbsq.Device{"mlx5_0": devA},
		HandshakeAddr:  "127.0.0.1:0",
		PriorityMatrix: matrix,
	}); err != nil {
		return nil, nil, err
	}
	if _, err := engineB.InstallOrGetTransport("rdma", &RDMATransportArgs{
		DeviceOrder:    []string{"mlx5_0"},
		Devices:        map[string]verbsq.Device{"mlx5_0": devB},
		HandshakeAddr:  "127.0.0.1:0",
		PriorityMatrix: matrix,
	}); err != nil {
		return nil, nil, err
	}

	pair := &LoopbackPair{A: engineA, B: engineB, DeviceA: devA, DeviceB: devB}
	cleanup := func() {
		_ = engineA.Shutdown()
		_ = engineB.Shutdown()
	}
	return pair, cleanup, nil
}

// WarmSegmentCache forces both engines to resolve the other's SegmentID at
// least once, so later submitTransfer calls don't pay the first-lookup cost
// mid-assertion.
func (p *LoopbackPair) WarmSegmentCache(ctx context.Context, serverA, serverB string) error {
	if _, err := p.A.OpenSegment(ctx, serverB); err != nil {
		return err
	}
	if _, err := p.B.OpenSegment(ctx, serverA); err != nil {
		return err
	}
	return nil
}
