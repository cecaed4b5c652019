package transport

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/mooncakelabs/transfer-engine/internal/xfer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newInstalledNVMeoF(t *testing.T, targetID int64, size int64) *NVMeoF {
	t.Helper()
	n := NewNVMeoF()
	args, err := json.Marshal([]map[string]int64{{"target_id": targetID, "size": size}})
	require.NoError(t, err)
	require.NoError(t, n.Install(context.Background(), args))
	t.Cleanup(func() { _ = n.Shutdown() })
	return n
}

func TestNVMeoF_SubmitTransferSucceedsWithinBounds(t *testing.T) {
	n := newInstalledNVMeoF(t, 1, 4096)
	require.NoError(t, n.RegisterLocalMemory(MemoryRegionSpec{Addr: 0x1000, Length: 4096, LocationTag: "cpu:0"}, false))

	batchID, err := n.AllocateBatchID(1)
	require.NoError(t, err)

	tasks, err := n.SubmitTransfer(batchID, []TransferRequest{
		{Opcode: xfer.OpWrite, SourceAddr: 0x1000, TargetID: 1, DestAddr: 0, Length: 4096},
	})
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.True(t, tasks[0].IsTerminal())
	assert.Equal(t, xfer.StateCompleted, tasks[0].State())
}

func TestNVMeoF_SubmitTransferFailsForUnregisteredSource(t *testing.T) {
	n := newInstalledNVMeoF(t, 1, 4096)
	batchID, err := n.AllocateBatchID(1)
	require.NoError(t, err)

	tasks, err := n.SubmitTransfer(batchID, []TransferRequest{
		{Opcode: xfer.OpWrite, SourceAddr: 0x1000, TargetID: 1, DestAddr: 0, Length: 4096},
	})
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, xfer.StateFailed, tasks[0].State())
}

func TestNVMeoF_SubmitTransferFailsWhenDestExceedsFileSize(t *testing.T) {
	n := newInstalledNVMeoF(t, 1, 64)
	require.NoError(t, n.RegisterLocalMemory(MemoryRegionSpec{Addr: 0x1000, Length: 4096, LocationTag: "cpu:0"}, false))

	batchID, err := n.AllocateBatchID(1)
	require.NoError(t, err)

	tasks, err := n.SubmitTransfer(batchID, []TransferRequest{
		{Opcode: xfer.OpRead, SourceAddr: 0x1000, TargetID: 1, DestAddr: 0, Length: 4096},
	})
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, xfer.StateFailed, tasks[0].State())
}

func TestNVMeoF_SubmitTransferUnknownTargetFails(t *testing.T) {
	n := newInstalledNVMeoF(t, 1, 4096)
	require.NoError(t, n.RegisterLocalMemory(MemoryRegionSpec{Addr: 0x1000, Length: 4096, LocationTag: "cpu:0"}, false))

	batchID, err := n.AllocateBatchID(1)
	require.NoError(t, err)

	tasks, err := n.SubmitTransfer(batchID, []TransferRequest{
		{Opcode: xfer.OpWrite, SourceAddr: 0x1000, TargetID: 999, DestAddr: 0, Length: 64},
	})
	require.NoError(t, err)
	assert.Equal(t, xfer.StateFailed, tasks[0].State())
}

func TestNVMeoF_RegisterLocalMemoryBatchRejectsOverlap(t *testing.T) {
	n := NewNVMeoF()
	require.NoError(t, n.RegisterLocalMemory(MemoryRegionSpec{Addr: 0x1000, Length: 4096, LocationTag: "cpu:0"}, false))
	err := n.RegisterLocalMemory(MemoryRegionSpec{Addr: 0x1800, Length: 4096, LocationTag: "cpu:0"}, false)
	assert.ErrorIs(t, err, ErrOverlap)
}

func TestNVMeoF_BatchLifecycle(t *testing.T) {
	n := NewNVMeoF()
	id, err := n.AllocateBatchID(2)
	require.NoError(t, err)

	_, err = n.AllocateBatchID(0)
	assert.ErrorIs(t, err, ErrInvalidArg)

	assert.NoError(t, n.FreeBatchID(id))
	assert.ErrorIs(t, n.FreeBatchID(id), ErrUnknownBatch)
}

func TestNVMeoF_NameAndCapabilityConformance(t *testing.T) {
	n := NewNVMeoF()
	assert.Equal(t, "nvmeof", n.Name())
	var _ Capability = n
}
