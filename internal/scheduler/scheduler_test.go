package scheduler

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"tentackl/internal/domain"
	"tentackl/internal/ports"
	storememory "tentackl/internal/store/memory"
	"tentackl/internal/tree"
)

// recordingExecutor records dispatched step ids without running anything.
type recordingExecutor struct{ dispatched []domain.StepID }

func (r *recordingExecutor) ExecuteStep(ctx context.Context, taskID domain.TaskID, stepID domain.StepID, dispatchedInputs domain.Value, modelOverride string) (ports.StepExecResult, error) {
	r.dispatched = append(r.dispatched, stepID)
	return ports.StepExecResult{Tag: ports.StepOutcomeCompleted}, nil
}

// recordingQueue records enqueued dispatches.
type recordingQueue struct{ enqueued []StepDispatch }

func (q *recordingQueue) Enqueue(ctx context.Context, d StepDispatch) error {
	q.enqueued = append(q.enqueued, d)
	return nil
}

func setup(t *testing.T, steps []domain.Step) (*storememory.TaskStore, *tree.Manager, domain.TaskID) {
	t.Helper()
	ctx := context.Background()
	tasks := storememory.NewTaskStore()
	trees := tree.NewManager()
	task := &domain.Task{ID: "task-1", Steps: steps, Status: domain.TaskExecuting}
	require.NoError(t, tasks.CreateTask(ctx, task))
	treeID, err := trees.CreateTree(ctx, task.ID, steps)
	require.NoError(t, err)
	require.NoError(t, tasks.UpdateTask(ctx, task.ID, func(tk *domain.Task) error {
		tk.TreeID = &treeID
		return nil
	}))
	return tasks, trees, task.ID
}

func chain() []domain.Step {
	return []domain.Step{
		{ID: "s1", Status: domain.StepPending},
		{ID: "s2", Status: domain.StepPending, DependsOn: []domain.StepID{"s1"}},
	}
}

func TestScheduleReadyNodes_DispatchesOnlyReadySteps(t *testing.T) {
	tasks, trees, taskID := setup(t, chain())
	exec := &recordingExecutor{}
	s, err := New(Options{Tree: trees, Tasks: tasks, Executor: exec})
	require.NoError(t, err)

	count, err := s.ScheduleReadyNodes(context.Background(), taskID)
	require.NoError(t, err)
	require.Equal(t, 1, count)
	require.Equal(t, []domain.StepID{"s1"}, exec.dispatched)
}

func TestScheduleReadyNodes_QueueModeEnqueues(t *testing.T) {
	tasks, trees, taskID := setup(t, chain())
	q := &recordingQueue{}
	s, err := New(Options{Tree: trees, Tasks: tasks, Queue: q, Mode: ModeQueue})
	require.NoError(t, err)

	count, err := s.ScheduleReadyNodes(context.Background(), taskID)
	require.NoError(t, err)
	require.Equal(t, 1, count)
	require.Len(t, q.enqueued, 1)
	require.Equal(t, domain.StepID("s1"), q.enqueued[0].StepID)
}

func TestNotifyStepCompleted_NoOpInProcess(t *testing.T) {
	tasks, trees, taskID := setup(t, chain())
	exec := &recordingExecutor{}
	s, err := New(Options{Tree: trees, Tasks: tasks, Executor: exec})
	require.NoError(t, err)

	count, err := s.NotifyStepCompleted(context.Background(), taskID)
	require.NoError(t, err)
	require.Zero(t, count)
	require.Empty(t, exec.dispatched, "in-process mode leaves advancement to the cycle driver")
}

func TestNotifyStepCompleted_QueueModeSchedules(t *testing.T) {
	tasks, trees, taskID := setup(t, chain())
	q := &recordingQueue{}
	s, err := New(Options{Tree: trees, Tasks: tasks, Queue: q, Mode: ModeQueue})
	require.NoError(t, err)

	count, err := s.NotifyStepCompleted(context.Background(), taskID)
	require.NoError(t, err)
	require.Equal(t, 1, count)
	require.Len(t, q.enqueued, 1)
}

func TestQueueModeRequiresQueue(t *testing.T) {
	tasks, trees, _ := setup(t, chain())
	_, err := New(Options{Tree: trees, Tasks: tasks, Mode: ModeQueue})
	require.Error(t, err)
}
