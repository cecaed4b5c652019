package worker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/mooncakelabs/transfer-engine/internal/constants"
	"github.com/mooncakelabs/transfer-engine/internal/endpointstore"
	"github.com/mooncakelabs/transfer-engine/internal/rdmactx"
	"github.com/mooncakelabs/transfer-engine/internal/rdmaendpoint"
	"github.com/mooncakelabs/transfer-engine/internal/rdmaverbs"
	"github.com/mooncakelabs/transfer-engine/internal/verbsq"
	"github.com/mooncakelabs/transfer-engine/internal/xfer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestPair wires a real active/passive handshake between a Context's
// local device and a standalone remote endpoint, then returns a Connect
// factory suitable for Options.Connect.
func newTestPair(t *testing.T) (devA *verbsq.SimDevice, connect endpointstore.Factory) {
	t.Helper()
	devA = verbsq.NewSimDevice("mlx5_0", [16]byte{1}, 10)
	devB := verbsq.NewSimDevice("mlx5_1", [16]byte{2}, 20)

	b := rdmaendpoint.New("serverB@mlx5_1", devB)
	require.NoError(t, b.Construct(2, 8))

	resolveA := func(peerServerName, peerNICName string) (rdmaverbs.DeviceDescriptor, bool) {
		return rdmaverbs.DeviceDescriptor{Name: "mlx5_1", GID: devB.GID(), LID: devB.LID()}, true
	}
	send := func(ctx context.Context, peerServerName string, local rdmaverbs.HandShakeDesc) (rdmaverbs.HandShakeDesc, error) {
		return b.SetupConnectionsByPassive(local, func(peerServerName, peerNICName string) (rdmaverbs.DeviceDescriptor, bool) {
			return rdmaverbs.DeviceDescriptor{Name: "mlx5_0", GID: devA.GID(), LID: devA.LID()}, true
		})
	}

	connect = func(peerNICPath string) (endpointstore.Endpoint, error) {
		a := rdmaendpoint.New("serverA@mlx5_0", devA)
		if err := a.Construct(2, 8); err != nil {
			return nil, err
		}
		if err := a.SetupConnectionsByActive(context.Background(), peerNICPath, send, resolveA); err != nil {
			return nil, err
		}
		return a, nil
	}
	return devA, connect
}

func TestPool_SubmitPostSendCompletesSlice(t *testing.T) {
	devA, connect := newTestPair(t)
	ctx := rdmactx.New("mlx5_0", 0, devA, rdmactx.PolicyFIFO, 16)

	selector := func(targetID int64, destAddr, length uint64, retryCnt int) (string, int, uint32, error) {
		return "serverB@mlx5_1", 3, 99, nil
	}

	pool := New(ctx, Options{WorkersPerCtx: 1, Selector: selector, Connect: connect})
	pool.Start(context.Background())
	defer pool.Stop()

	task := xfer.NewTask(nil, 4096)
	slice := &xfer.Slice{Length: 4096, Opcode: xfer.OpWrite, TargetID: 7, DestAddr: 1000, Task: task}
	task.Slices = []*xfer.Slice{slice}

	pool.SubmitPostSend([]*xfer.Slice{slice})

	require.Eventually(t, task.IsTerminal, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, xfer.SliceSuccess, slice.Status())
	assert.EqualValues(t, 99, slice.DestRKey)
	assert.Equal(t, int64(1), pool.SubmittedCount())
	assert.Equal(t, int64(1), pool.ProcessedCount())
}

func TestPool_CompletionFailureRetriesThenSucceeds(t *testing.T) {
	devA, connect := newTestPair(t)
	devA.InjectCompletionFailure("mlx5_0", 1)
	ctx := rdmactx.New("mlx5_0", 0, devA, rdmactx.PolicyFIFO, 16)

	var mu sync.Mutex
	var retryCntsSeen []int
	selector := func(targetID int64, destAddr, length uint64, retryCnt int) (string, int, uint32, error) {
		mu.Lock()
		retryCntsSeen = append(retryCntsSeen, retryCnt)
		mu.Unlock()
		return "serverB@mlx5_1", 3, uint32(100 + retryCnt), nil
	}

	pool := New(ctx, Options{WorkersPerCtx: 1, MaxRetryCnt: 3, Selector: selector, Connect: connect})
	pool.Start(context.Background())
	defer pool.Stop()

	task := xfer.NewTask(nil, 2048)
	slice := &xfer.Slice{Length: 2048, Opcode: xfer.OpRead, TargetID: 7, DestAddr: 2000, Task: task}
	task.Slices = []*xfer.Slice{slice}

	pool.SubmitPostSend([]*xfer.Slice{slice})

	require.Eventually(t, task.IsTerminal, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, xfer.SliceSuccess, slice.Status())
	assert.Equal(t, 1, slice.RetryCnt)
	assert.Equal(t, int64(1), pool.RetryCount())

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, retryCntsSeen, 0)
	assert.Contains(t, retryCntsSeen, 1)
}

func TestPool_CompletionFailureDropsAndRehandshakesEndpoint(t *testing.T) {
	devA, baseConnect := newTestPair(t)
	devA.InjectCompletionFailure("mlx5_0", 1)
	ctx := rdmactx.New("mlx5_0", 0, devA, rdmactx.PolicyFIFO, 16)

	var connectCount int
	var mu sync.Mutex
	connect := func(peerNICPath string) (endpointstore.Endpoint, error) {
		mu.Lock()
		connectCount++
		mu.Unlock()
		return baseConnect(peerNICPath)
	}

	selector := func(targetID int64, destAddr, length uint64, retryCnt int) (string, int, uint32, error) {
		return "serverB@mlx5_1", 3, 1, nil
	}

	pool := New(ctx, Options{WorkersPerCtx: 1, MaxRetryCnt: 3, Selector: selector, Connect: connect})
	pool.Start(context.Background())
	defer pool.Stop()

	task := xfer.NewTask(nil, 2048)
	slice := &xfer.Slice{Length: 2048, Opcode: xfer.OpRead, TargetID: 7, DestAddr: 2000, Task: task}
	task.Slices = []*xfer.Slice{slice}

	pool.SubmitPostSend([]*xfer.Slice{slice})

	require.Eventually(t, task.IsTerminal, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, xfer.SliceSuccess, slice.Status())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2, connectCount, "the failing endpoint must be dropped and re-handshaked on retry")
}

func TestPool_RetriesExhaustedMarksFailed(t *testing.T) {
	devA, connect := newTestPair(t)
	devA.InjectCompletionFailure("mlx5_0", 5)
	ctx := rdmactx.New("mlx5_0", 0, devA, rdmactx.PolicyFIFO, 16)

	selector := func(targetID int64, destAddr, length uint64, retryCnt int) (string, int, uint32, error) {
		return "serverB@mlx5_1", 3, 1, nil
	}

	pool := New(ctx, Options{WorkersPerCtx: 1, MaxRetryCnt: 2, Selector: selector, Connect: connect})
	pool.Start(context.Background())
	defer pool.Stop()

	task := xfer.NewTask(nil, 1024)
	slice := &xfer.Slice{Length: 1024, Opcode: xfer.OpWrite, TargetID: 9, DestAddr: 3000, Task: task}
	task.Slices = []*xfer.Slice{slice}

	pool.SubmitPostSend([]*xfer.Slice{slice})

	require.Eventually(t, task.IsTerminal, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, xfer.SliceFailed, slice.Status())
	assert.Equal(t, int64(1), task.FailedCount())
}

func TestPool_LocalSegmentIDUsesLocalCopy(t *testing.T) {
	devA, connect := newTestPair(t)
	ctx := rdmactx.New("mlx5_0", 0, devA, rdmactx.PolicyFIFO, 16)

	var copied []uint64
	var mu sync.Mutex
	localCopy := func(slice *xfer.Slice) error {
		mu.Lock()
		copied = append(copied, slice.DestAddr)
		mu.Unlock()
		return nil
	}
	selector := func(targetID int64, destAddr, length uint64, retryCnt int) (string, int, uint32, error) {
		t.Fatal("selector should not be called for LOCAL_SEGMENT_ID slices")
		return "", 0, 0, nil
	}

	pool := New(ctx, Options{WorkersPerCtx: 1, Selector: selector, Connect: connect, LocalCopy: localCopy})
	pool.Start(context.Background())
	defer pool.Stop()

	task := xfer.NewTask(nil, 512)
	slice := &xfer.Slice{Length: 512, Opcode: xfer.OpWrite, TargetID: constants.LocalSegmentID, DestAddr: 42, Task: task}
	task.Slices = []*xfer.Slice{slice}

	pool.SubmitPostSend([]*xfer.Slice{slice})

	require.Eventually(t, task.IsTerminal, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, xfer.SliceSuccess, slice.Status())

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, copied, 1)
	assert.EqualValues(t, 42, copied[0])
}

func TestPool_SelectionFailureAtSubmitMarksFailed(t *testing.T) {
	devA, connect := newTestPair(t)
	ctx := rdmactx.New("mlx5_0", 0, devA, rdmactx.PolicyFIFO, 16)

	selector := func(targetID int64, destAddr, length uint64, retryCnt int) (string, int, uint32, error) {
		return "", 0, 0, assert.AnError
	}

	pool := New(ctx, Options{WorkersPerCtx: 1, Selector: selector, Connect: connect})
	pool.Start(context.Background())
	defer pool.Stop()

	task := xfer.NewTask(nil, 256)
	slice := &xfer.Slice{Length: 256, Opcode: xfer.OpWrite, TargetID: 7, DestAddr: 100, Task: task}
	task.Slices = []*xfer.Slice{slice}

	pool.SubmitPostSend([]*xfer.Slice{slice})

	require.Eventually(t, func() bool { return slice.Status() == xfer.SliceFailed }, time.Second, 5*time.Millisecond)
}

type recordingObserver struct {
	mu      sync.Mutex
	reads   int
	writes  int
	retries int
	fails   int
}

func (r *recordingObserver) ObserveRead(_ uint64, _ uint64, success bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reads++
	if !success {
		r.fails++
	}
}

func (r *recordingObserver) ObserveWrite(_ uint64, _ uint64, success bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.writes++
	if !success {
		r.fails++
	}
}

func (r *recordingObserver) ObserveRetry() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.retries++
}

func (r *recordingObserver) ObserveQPDepth(uint32) {}

func TestPool_ObserverSeesCompletionAndRetry(t *testing.T) {
	devA, connect := newTestPair(t)
	devA.InjectCompletionFailure("mlx5_0", 1)
	ctx := rdmactx.New("mlx5_0", 0, devA, rdmactx.PolicyFIFO, 16)

	selector := func(targetID int64, destAddr, length uint64, retryCnt int) (string, int, uint32, error) {
		return "serverB@mlx5_1", 3, uint32(100 + retryCnt), nil
	}

	obs := &recordingObserver{}
	pool := New(ctx, Options{WorkersPerCtx: 1, MaxRetryCnt: 3, Selector: selector, Connect: connect, Observer: obs})
	pool.Start(context.Background())
	defer pool.Stop()

	task := xfer.NewTask(nil, 2048)
	slice := &xfer.Slice{Length: 2048, Opcode: xfer.OpRead, TargetID: 7, DestAddr: 2000, Task: task}
	task.Slices = []*xfer.Slice{slice}

	pool.SubmitPostSend([]*xfer.Slice{slice})

	require.Eventually(t, task.IsTerminal, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, xfer.SliceSuccess, slice.Status())

	obs.mu.Lock()
	defer obs.mu.Unlock()
	assert.GreaterOrEqual(t, obs.retries, 1)
	assert.Equal(t, 1, obs.reads)
	assert.Equal(t, 0, obs.fails)
}

func TestPool_ObserverSeesTerminalFailure(t *testing.T) {
	devA, connect := newTestPair(t)
	ctx := rdmactx.New("mlx5_0", 0, devA, rdmactx.PolicyFIFO, 16)

	selector := func(targetID int64, destAddr, length uint64, retryCnt int) (string, int, uint32, error) {
		return "", 0, 0, assert.AnError
	}

	obs := &recordingObserver{}
	pool := New(ctx, Options{WorkersPerCtx: 1, Selector: selector, Connect: connect, Observer: obs})
	pool.Start(context.Background())
	defer pool.Stop()

	task := xfer.NewTask(nil, 256)
	slice := &xfer.Slice{Length: 256, Opcode: xfer.OpWrite, TargetID: 7, DestAddr: 100, Task: task}
	task.Slices = []*xfer.Slice{slice}

	pool.SubmitPostSend([]*xfer.Slice{slice})

	require.Eventually(t, func() bool { return slice.Status() == xfer.SliceFailed }, time.Second, 5*time.Millisecond)

	obs.mu.Lock()
	defer obs.mu.Unlock()
	assert.Equal(t, 1, obs.writes)
	assert.Equal(t, 1, obs.fails)
}
