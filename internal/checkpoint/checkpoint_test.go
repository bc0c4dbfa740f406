package checkpoint

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"tentackl/internal/domain"
	"tentackl/internal/ports"
)

type fakeStore struct {
	byKey map[string]*domain.CheckpointState
}

func newFakeStore() *fakeStore { return &fakeStore{byKey: map[string]*domain.CheckpointState{}} }

func key(taskID domain.TaskID, stepID domain.StepID) string { return string(taskID) + "/" + string(stepID) }

func (s *fakeStore) Insert(ctx context.Context, cp *domain.CheckpointState) error {
	s.byKey[key(cp.TaskID, cp.StepID)] = cp
	return nil
}
func (s *fakeStore) Get(ctx context.Context, taskID domain.TaskID, stepID domain.StepID) (*domain.CheckpointState, error) {
	return s.byKey[key(taskID, stepID)], nil
}
func (s *fakeStore) Update(ctx context.Context, cp *domain.CheckpointState) error {
	s.byKey[key(cp.TaskID, cp.StepID)] = cp
	return nil
}
func (s *fakeStore) ListPending(ctx context.Context, userID string) ([]*domain.CheckpointState, error) {
	return nil, nil
}
func (s *fakeStore) ListPendingForTask(ctx context.Context, taskID domain.TaskID) ([]*domain.CheckpointState, error) {
	return nil, nil
}

type fakeTasks struct{ task *domain.Task }

func (t *fakeTasks) CreateTask(ctx context.Context, task *domain.Task) error { return nil }
func (t *fakeTasks) GetTask(ctx context.Context, id domain.TaskID) (*domain.Task, error) {
	return t.task, nil
}
func (t *fakeTasks) UpdateTask(ctx context.Context, id domain.TaskID, mutate func(*domain.Task) error) error {
	return mutate(t.task)
}
func (t *fakeTasks) ListTasks(ctx context.Context, userID string, limit, offset int) ([]*domain.Task, error) {
	return nil, nil
}
func (t *fakeTasks) AddFinding(ctx context.Context, id domain.TaskID, f domain.Finding) error {
	return nil
}
func (t *fakeTasks) SetParentTask(ctx context.Context, id, parent domain.TaskID) error { return nil }
func (t *fakeTasks) SetSupersededBy(ctx context.Context, id, supersededBy domain.TaskID) error {
	return nil
}
func (t *fakeTasks) StuckPlanningTasks(ctx context.Context, olderThan time.Duration) ([]*domain.Task, error) {
	return nil, nil
}

type fakeTree struct{ resumed map[domain.StepID]bool }

func (f *fakeTree) CreateTree(ctx context.Context, taskID domain.TaskID, steps []domain.Step) (domain.TreeID, error) {
	return "tree-1", nil
}
func (f *fakeTree) ReadyGroups(ctx context.Context, treeID domain.TreeID) ([]ports.StepGroup, error) {
	return nil, nil
}
func (f *fakeTree) GetStepFromTree(ctx context.Context, treeID domain.TreeID, stepID domain.StepID) (ports.StepNode, bool, error) {
	return ports.StepNode{}, false, nil
}
func (f *fakeTree) StartStep(ctx context.Context, treeID domain.TreeID, stepID domain.StepID) error {
	return nil
}
func (f *fakeTree) PauseStep(ctx context.Context, treeID domain.TreeID, stepID domain.StepID) error {
	return nil
}
func (f *fakeTree) ResumeStep(ctx context.Context, treeID domain.TreeID, stepID domain.StepID) error {
	if f.resumed == nil {
		f.resumed = map[domain.StepID]bool{}
	}
	f.resumed[stepID] = true
	return nil
}
func (f *fakeTree) CompleteStep(ctx context.Context, treeID domain.TreeID, stepID domain.StepID, outputs domain.Value) error {
	return nil
}
func (f *fakeTree) FailStep(ctx context.Context, treeID domain.TreeID, stepID domain.StepID) error {
	return nil
}
func (f *fakeTree) SkipStep(ctx context.Context, treeID domain.TreeID, stepID domain.StepID) error {
	return nil
}
func (f *fakeTree) ResetStep(ctx context.Context, treeID domain.TreeID, stepID domain.StepID) error {
	return nil
}
func (f *fakeTree) IsTaskComplete(ctx context.Context, treeID domain.TreeID) (bool, error) {
	return false, nil
}
func (f *fakeTree) HasFailed(ctx context.Context, treeID domain.TreeID) (bool, error) { return false, nil }
func (f *fakeTree) PendingBlockedByFailure(ctx context.Context, treeID domain.TreeID) ([]domain.StepID, error) {
	return nil, nil
}
func (f *fakeTree) GetTreeMetrics(ctx context.Context, treeID domain.TreeID) (ports.TreeMetrics, error) {
	return ports.TreeMetrics{}, nil
}

type fakeScheduler struct{ calls int }

func (s *fakeScheduler) ScheduleReadyNodes(ctx context.Context, taskID domain.TaskID) (int, error) {
	s.calls++
	return 1, nil
}

func (s *fakeScheduler) NotifyStepCompleted(ctx context.Context, taskID domain.TaskID) (int, error) {
	return 0, nil
}

func newTask() *domain.Task {
	treeID := domain.TreeID("tree-1")
	return &domain.Task{
		ID: "task-1", UserID: "user-1", Status: domain.TaskCheckpoint, TreeID: &treeID,
		Steps: []domain.Step{{ID: "s1", Status: domain.StepPaused, CheckpointRequired: true}},
	}
}

func TestApprove_ResumesStepAndSchedules(t *testing.T) {
	task := newTask()
	store := newFakeStore()
	require.NoError(t, store.Insert(context.Background(), &domain.CheckpointState{TaskID: task.ID, StepID: "s1", Decision: domain.DecisionPending}))
	tree := &fakeTree{}
	sched := &fakeScheduler{}
	mgr, err := New(Options{Store: store, Tasks: &fakeTasks{task: task}, Tree: tree, Scheduler: sched})
	require.NoError(t, err)

	err = mgr.Approve(context.Background(), task.ID, "s1", "user-1", "looks good", false)
	require.NoError(t, err)
	require.True(t, tree.resumed["s1"])
	require.Equal(t, 1, sched.calls)
	require.Equal(t, domain.TaskExecuting, task.Status)
	require.False(t, task.Steps[0].CheckpointRequired)

	cp, _ := store.Get(context.Background(), task.ID, "s1")
	require.Equal(t, domain.DecisionApproved, cp.Decision)
}

func TestReject_FailsTaskWithoutResuming(t *testing.T) {
	task := newTask()
	store := newFakeStore()
	require.NoError(t, store.Insert(context.Background(), &domain.CheckpointState{TaskID: task.ID, StepID: "s1", Decision: domain.DecisionPending}))
	tree := &fakeTree{}
	mgr, err := New(Options{Store: store, Tasks: &fakeTasks{task: task}, Tree: tree})
	require.NoError(t, err)

	err = mgr.Reject(context.Background(), task.ID, "s1", "user-1", "not now", false)
	require.NoError(t, err)
	require.Equal(t, domain.TaskFailed, task.Status)
	require.False(t, tree.resumed["s1"])
}

func TestResolve_RejectsUnknownResolver(t *testing.T) {
	task := newTask()
	store := newFakeStore()
	require.NoError(t, store.Insert(context.Background(), &domain.CheckpointState{TaskID: task.ID, StepID: "s1", Decision: domain.DecisionPending}))
	mgr, err := New(Options{Store: store, Tasks: &fakeTasks{task: task}, Tree: &fakeTree{}})
	require.NoError(t, err)

	err = mgr.Approve(context.Background(), task.ID, "s1", "someone-else", "", false)
	require.Error(t, err)
}

func TestIsAlreadyApproved(t *testing.T) {
	task := newTask()
	store := newFakeStore()
	require.NoError(t, store.Insert(context.Background(), &domain.CheckpointState{TaskID: task.ID, StepID: "s1", Decision: domain.DecisionApproved}))
	mgr, err := New(Options{Store: store, Tasks: &fakeTasks{task: task}, Tree: &fakeTree{}})
	require.NoError(t, err)

	ok, err := mgr.IsAlreadyApproved(context.Background(), task.ID, "s1")
	require.NoError(t, err)
	require.True(t, ok)
}
