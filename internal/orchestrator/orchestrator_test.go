package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"tentackl/internal/domain"
	"tentackl/internal/ports"
)

// fakeTree is a minimal single-group TreePort double: it reports exactly
// one ready group (or none) based on the steps handed to it, and tracks
// status transitions so tests can assert on them.
type fakeTree struct {
	groups  []ports.StepGroup
	failed  bool
	blocked []domain.StepID
	started map[domain.StepID]bool
	skipped map[domain.StepID]bool
}

func newFakeTree(group ports.StepGroup) *fakeTree {
	return &fakeTree{groups: []ports.StepGroup{group}, started: map[domain.StepID]bool{}, skipped: map[domain.StepID]bool{}}
}

func (f *fakeTree) CreateTree(ctx context.Context, taskID domain.TaskID, steps []domain.Step) (domain.TreeID, error) {
	return "tree-1", nil
}
func (f *fakeTree) ReadyGroups(ctx context.Context, treeID domain.TreeID) ([]ports.StepGroup, error) {
	return f.groups, nil
}
func (f *fakeTree) GetStepFromTree(ctx context.Context, treeID domain.TreeID, stepID domain.StepID) (ports.StepNode, bool, error) {
	return ports.StepNode{}, false, nil
}
func (f *fakeTree) StartStep(ctx context.Context, treeID domain.TreeID, stepID domain.StepID) error {
	f.started[stepID] = true
	return nil
}
func (f *fakeTree) PauseStep(ctx context.Context, treeID domain.TreeID, stepID domain.StepID) error {
	return nil
}
func (f *fakeTree) ResumeStep(ctx context.Context, treeID domain.TreeID, stepID domain.StepID) error {
	return nil
}
func (f *fakeTree) CompleteStep(ctx context.Context, treeID domain.TreeID, stepID domain.StepID, outputs domain.Value) error {
	return nil
}
func (f *fakeTree) FailStep(ctx context.Context, treeID domain.TreeID, stepID domain.StepID) error {
	return nil
}
func (f *fakeTree) SkipStep(ctx context.Context, treeID domain.TreeID, stepID domain.StepID) error {
	f.skipped[stepID] = true
	f.groups = nil
	return nil
}
func (f *fakeTree) ResetStep(ctx context.Context, treeID domain.TreeID, stepID domain.StepID) error {
	return nil
}
func (f *fakeTree) IsTaskComplete(ctx context.Context, treeID domain.TreeID) (bool, error) {
	return len(f.groups) == 0 && len(f.blocked) == 0, nil
}
func (f *fakeTree) HasFailed(ctx context.Context, treeID domain.TreeID) (bool, error) {
	return f.failed, nil
}
func (f *fakeTree) PendingBlockedByFailure(ctx context.Context, treeID domain.TreeID) ([]domain.StepID, error) {
	return f.blocked, nil
}
func (f *fakeTree) GetTreeMetrics(ctx context.Context, treeID domain.TreeID) (ports.TreeMetrics, error) {
	return ports.TreeMetrics{}, nil
}

// fakeCache holds exactly one task, mirroring CacheStore for a single
// cycle under test.
type fakeCache struct{ task *domain.Task }

func (c *fakeCache) PutTask(ctx context.Context, t *domain.Task) error { c.task = t; return nil }
func (c *fakeCache) GetTask(ctx context.Context, id domain.TaskID) (*domain.Task, error) {
	return c.task, nil
}
func (c *fakeCache) PutCheckpoint(ctx context.Context, cp *domain.CheckpointState) error { return nil }
func (c *fakeCache) GetCheckpoint(ctx context.Context, taskID domain.TaskID, stepID domain.StepID) (*domain.CheckpointState, error) {
	return nil, nil
}
func (c *fakeCache) SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	return true, nil
}

// fakeTasks is a minimal TaskStore double tracking the last mutation.
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

// fakeExecutor returns a scripted sequence of results, one per call.
type fakeExecutor struct {
	results []ports.StepExecResult
	calls   int
}

func (e *fakeExecutor) ExecuteStep(ctx context.Context, taskID domain.TaskID, stepID domain.StepID, dispatchedInputs domain.Value, modelOverride string) (ports.StepExecResult, error) {
	r := e.results[e.calls]
	e.calls++
	return r, nil
}

func baseTask(steps ...domain.Step) *domain.Task {
	treeID := domain.TreeID("tree-1")
	return &domain.Task{ID: "task-1", Status: domain.TaskExecuting, TreeID: &treeID, Steps: steps, MaxParallelSteps: 4}
}

func TestCycle_SingleStepCompletes(t *testing.T) {
	step := domain.Step{ID: "s1", Status: domain.StepPending}
	task := baseTask(step)
	cache := &fakeCache{task: task}
	tasks := &fakeTasks{task: task}
	tree := newFakeTree(ports.StepGroup{Steps: []domain.StepID{"s1"}})
	exec := &fakeExecutor{results: []ports.StepExecResult{
		{Tag: ports.StepOutcomeCompleted, Step: domain.Step{ID: "s1", Status: domain.StepCompleted, Outputs: domain.String("done")}},
	}}

	eng, err := New(Options{Cache: cache, Tasks: tasks, Tree: tree, Executor: exec})
	require.NoError(t, err)

	res, err := eng.Cycle(context.Background(), task.ID)
	require.NoError(t, err)
	require.Equal(t, TagStepCompleted, res.Tag)
	require.True(t, tree.started["s1"])
}

func TestCycle_TerminalTaskShortCircuits(t *testing.T) {
	task := baseTask(domain.Step{ID: "s1", Status: domain.StepCompleted})
	task.Status = domain.TaskCompleted
	cache := &fakeCache{task: task}
	tasks := &fakeTasks{task: task}
	tree := newFakeTree(ports.StepGroup{})
	exec := &fakeExecutor{}

	eng, err := New(Options{Cache: cache, Tasks: tasks, Tree: tree, Executor: exec})
	require.NoError(t, err)

	res, err := eng.Cycle(context.Background(), task.ID)
	require.NoError(t, err)
	require.Equal(t, TagTerminal, res.Tag)
}

func TestCycle_CheckpointRequiredSurfacesBeforeDispatch(t *testing.T) {
	step := domain.Step{ID: "s1", Status: domain.StepPending, CheckpointRequired: true}
	task := baseTask(step)
	cache := &fakeCache{task: task}
	tasks := &fakeTasks{task: task}
	tree := newFakeTree(ports.StepGroup{Steps: []domain.StepID{"s1"}})
	exec := &fakeExecutor{}

	eng, err := New(Options{Cache: cache, Tasks: tasks, Tree: tree, Executor: exec})
	require.NoError(t, err)

	res, err := eng.Cycle(context.Background(), task.ID)
	require.NoError(t, err)
	require.Equal(t, TagCheckpoint, res.Tag)
	require.Equal(t, 0, exec.calls, "plugin must not run before checkpoint approval")
}
