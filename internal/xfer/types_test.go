package xfer

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTask_StateTransitionsOnSliceCompletion(t *testing.T) {
	s1 := &Slice{Length: 4096}
	s2 := &Slice{Length: 4096}
	task := NewTask([]*Slice{s1, s2}, 8192)

	assert.Equal(t, StatePending, task.State())

	s1.SetStatus(SliceSuccess)
	assert.Equal(t, StatePending, task.State())
	assert.Equal(t, int64(1), task.SuccessCount())
	assert.Equal(t, int64(4096), task.TransferredBytes())

	s2.SetStatus(SliceSuccess)
	assert.True(t, task.IsTerminal())
	assert.Equal(t, StateCompleted, task.State())
	assert.Equal(t, int64(8192), task.TransferredBytes())
}

func TestTask_AnyFailureMarksTaskFailed(t *testing.T) {
	s1 := &Slice{Length: 1024}
	s2 := &Slice{Length: 1024}
	task := NewTask([]*Slice{s1, s2}, 2048)

	s1.SetStatus(SliceSuccess)
	s2.SetStatus(SliceFailed)

	assert.True(t, task.IsTerminal())
	assert.Equal(t, StateFailed, task.State())
	assert.Equal(t, int64(1), task.SuccessCount())
	assert.Equal(t, int64(1), task.FailedCount())
	// Invariant: success+failed never exceeds len(slices).
	assert.LessOrEqual(t, task.SuccessCount()+task.FailedCount(), int64(len(task.Slices)))
}

func TestTask_TimeoutCountsAsFailure(t *testing.T) {
	s := &Slice{Length: 1024}
	task := NewTask([]*Slice{s}, 1024)
	s.SetStatus(SliceTimeout)
	assert.Equal(t, int64(1), task.FailedCount())
	assert.Equal(t, StateFailed, task.State())
}

func TestBatchDesc_AppendTasksRespectsCapacity(t *testing.T) {
	b := NewBatchDesc(1, 2)
	t1 := NewTask(nil, 0)
	t2 := NewTask(nil, 0)
	t3 := NewTask(nil, 0)

	assert.True(t, b.AppendTasks(t1, t2))
	assert.False(t, b.AppendTasks(t3))
	assert.Equal(t, t1, b.TaskAt(0))
	assert.Nil(t, b.TaskAt(5))
}

func TestBatchDesc_AllTerminalRequiresEveryTask(t *testing.T) {
	s := &Slice{Length: 1}
	pendingTask := NewTask([]*Slice{s}, 1)
	doneTask := NewTask(nil, 0)

	b := NewBatchDesc(2, 4)
	require := assert.New(t)
	require.True(b.AppendTasks(pendingTask, doneTask))
	require.False(b.AllTerminal())

	s.SetStatus(SliceSuccess)
	require.True(b.AllTerminal())
}
