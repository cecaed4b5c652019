package verbsq

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSimDevice_PostSendAndPollCompletion(t *testing.T) {
	dev := NewSimDevice("mlx5_0", [16]byte{1}, 7)
	qp, err := dev.CreateQP()
	require.NoError(t, err)

	require.NoError(t, qp.ModifyState(QPRTS, RTRAttrs{}))
	assert.Equal(t, QPRTS, qp.State())

	err = qp.PostSend([]WorkRequest{{ID: 42, Opcode: OpRDMAWrite, Length: 4096}})
	require.NoError(t, err)

	comps, err := dev.CQ().Poll(16)
	require.NoError(t, err)
	require.Len(t, comps, 1)
	assert.Equal(t, WRID(42), comps[0].ID)
	assert.NoError(t, comps[0].Err)
}

func TestSimDevice_InjectPostSendFailure(t *testing.T) {
	dev := NewSimDevice("mlx5_0", [16]byte{1}, 7)
	qp, err := dev.CreateQP()
	require.NoError(t, err)

	dev.InjectPostSendFailure("mlx5_0", 1)
	err = qp.PostSend([]WorkRequest{{ID: 1}})
	assert.ErrorIs(t, err, ErrFabricPostSend)

	// Only the injected count fails; the next post succeeds.
	err = qp.PostSend([]WorkRequest{{ID: 2}})
	assert.NoError(t, err)
}

func TestSimDevice_InjectCompletionFailure(t *testing.T) {
	dev := NewSimDevice("mlx5_0", [16]byte{1}, 7)
	qp, err := dev.CreateQP()
	require.NoError(t, err)

	dev.InjectCompletionFailure("mlx5_0", 1)
	require.NoError(t, qp.PostSend([]WorkRequest{{ID: 1}, {ID: 2}}))

	comps, err := dev.CQ().Poll(16)
	require.NoError(t, err)
	require.Len(t, comps, 2)
	assert.ErrorIs(t, comps[0].Err, ErrFabricCompletion)
	assert.NoError(t, comps[1].Err)
}

func TestSimCQ_PollRespectsMax(t *testing.T) {
	dev := NewSimDevice("mlx5_0", [16]byte{1}, 7)
	qp, err := dev.CreateQP()
	require.NoError(t, err)

	require.NoError(t, qp.PostSend([]WorkRequest{{ID: 1}, {ID: 2}, {ID: 3}}))

	first, err := dev.CQ().Poll(2)
	require.NoError(t, err)
	assert.Len(t, first, 2)

	second, err := dev.CQ().Poll(2)
	require.NoError(t, err)
	assert.Len(t, second, 1)

	empty, err := dev.CQ().Poll(2)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestSimQP_CloseRemovesFromDevice(t *testing.T) {
	dev := NewSimDevice("mlx5_0", [16]byte{1}, 7)
	qp, err := dev.CreateQP()
	require.NoError(t, err)
	assert.NoError(t, qp.Close())
	assert.NotContains(t, dev.qps, qp.QPNum())
}
