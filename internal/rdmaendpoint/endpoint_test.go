package rdmaendpoint

import (
	"context"
	"testing"

	"github.com/mooncakelabs/transfer-engine/internal/rdmaverbs"
	"github.com/mooncakelabs/transfer-engine/internal/verbsq"
	"github.com/mooncakelabs/transfer-engine/internal/xfer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type connectedPair struct {
	a, b       *Endpoint
	devA, devB *verbsq.SimDevice
}

func newConnectedPair(t *testing.T) connectedPair {
	t.Helper()
	devA := verbsq.NewSimDevice("mlx5_0", [16]byte{1}, 10)
	devB := verbsq.NewSimDevice("mlx5_1", [16]byte{2}, 20)

	a := New("serverA@mlx5_0", devA)
	require.NoError(t, a.Construct(2, 8))
	b := New("serverB@mlx5_1", devB)
	require.NoError(t, b.Construct(2, 8))

	send := func(ctx context.Context, peerServerName string, local rdmaverbs.HandShakeDesc) (rdmaverbs.HandShakeDesc, error) {
		return b.SetupConnectionsByPassive(local, func(peerServerName, peerNICName string) (rdmaverbs.DeviceDescriptor, bool) {
			return rdmaverbs.DeviceDescriptor{Name: "mlx5_0", GID: devA.GID(), LID: devA.LID()}, true
		})
	}
	resolve := func(peerServerName, peerNICName string) (rdmaverbs.DeviceDescriptor, bool) {
		return rdmaverbs.DeviceDescriptor{Name: "mlx5_1", GID: devB.GID(), LID: devB.LID()}, true
	}

	require.NoError(t, a.SetupConnectionsByActive(context.Background(), "serverB@mlx5_1", send, resolve))
	require.True(t, a.Connected())
	require.True(t, b.Connected())
	return connectedPair{a: a, b: b, devA: devA, devB: devB}
}

func TestEndpoint_ConstructTwiceFails(t *testing.T) {
	dev := verbsq.NewSimDevice("mlx5_0", [16]byte{1}, 1)
	e := New("serverA@mlx5_0", dev)
	require.NoError(t, e.Construct(2, 8))
	assert.ErrorIs(t, e.Construct(2, 8), ErrAlreadyConstructed)
}

func TestEndpoint_HandshakeConnectsBothSides(t *testing.T) {
	pair := newConnectedPair(t)
	assert.Equal(t, "serverB@mlx5_1", pair.a.PeerNICPath())
	assert.Equal(t, "serverA@mlx5_0", pair.b.PeerNICPath())
}

func TestEndpoint_HandshakeRemoteNICNotFound(t *testing.T) {
	dev := verbsq.NewSimDevice("mlx5_0", [16]byte{1}, 1)
	a := New("serverA@mlx5_0", dev)
	require.NoError(t, a.Construct(2, 8))

	send := func(ctx context.Context, peerServerName string, local rdmaverbs.HandShakeDesc) (rdmaverbs.HandShakeDesc, error) {
		return rdmaverbs.HandShakeDesc{LocalNICPath: local.PeerNICPath, PeerNICPath: local.LocalNICPath}, nil
	}
	resolve := func(peerServerName, peerNICName string) (rdmaverbs.DeviceDescriptor, bool) {
		return rdmaverbs.DeviceDescriptor{}, false
	}

	err := a.SetupConnectionsByActive(context.Background(), "serverB@mlx5_1", send, resolve)
	assert.ErrorIs(t, err, ErrRemoteNICNotFound)
	assert.False(t, a.Connected())
}

func TestEndpoint_PostSendAndResolveCompletion(t *testing.T) {
	pair := newConnectedPair(t)

	task := xfer.NewTask(nil, 4096)
	slice := &xfer.Slice{Length: 4096, Opcode: xfer.OpWrite, Task: task}
	task.Slices = []*xfer.Slice{slice}

	pair.a.SubmitPostSend([]*xfer.Slice{slice})
	require.NoError(t, pair.a.PerformPostSend(nil))
	assert.Equal(t, xfer.SlicePosted, slice.Status())
	assert.Equal(t, int64(1), pair.a.SubmittedSliceCount())

	comps, err := pair.devA.CQ().Poll(16)
	require.NoError(t, err)
	require.Len(t, comps, 1)

	resolved, ok := pair.a.ResolveCompletion(comps[0])
	require.True(t, ok)
	assert.Same(t, slice, resolved)
	assert.Equal(t, xfer.SliceSuccess, slice.Status())
	assert.Equal(t, int64(1), pair.a.PostedSliceCount())
	assert.True(t, task.IsTerminal())
}

func TestEndpoint_PostSendFailurePropagatesToSlices(t *testing.T) {
	pair := newConnectedPair(t)
	pair.devA.InjectPostSendFailure("mlx5_0", 1)

	task := xfer.NewTask(nil, 1024)
	slice := &xfer.Slice{Length: 1024, Opcode: xfer.OpRead, Task: task}
	task.Slices = []*xfer.Slice{slice}

	pair.a.SubmitPostSend([]*xfer.Slice{slice})
	err := pair.a.PerformPostSend(nil)
	assert.ErrorIs(t, err, ErrPostSendFailed)
	assert.Equal(t, xfer.SliceFailed, slice.Status())
}

func TestEndpoint_DisconnectResetsState(t *testing.T) {
	pair := newConnectedPair(t)
	pair.a.Disconnect()
	assert.False(t, pair.a.Connected())
	assert.Equal(t, "", pair.a.PeerNICPath())
	assert.Equal(t, int64(0), pair.a.SubmittedSliceCount())
	assert.True(t, pair.b.Connected())
}

func TestEndpoint_String(t *testing.T) {
	dev := verbsq.NewSimDevice("mlx5_0", [16]byte{1}, 1)
	e := New("serverA@mlx5_0", dev)
	require.NoError(t, e.Construct(1, 4))
	assert.Contains(t, e.String(), "unconnected")
}
