package planning

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"tentackl/internal/domain"
	"tentackl/internal/model"
	"tentackl/internal/ports"
)

// fakeTasks is an in-memory single-task TaskStore double.
type fakeTasks struct{ task *domain.Task }

func (f *fakeTasks) CreateTask(ctx context.Context, t *domain.Task) error { f.task = t; return nil }
func (f *fakeTasks) GetTask(ctx context.Context, id domain.TaskID) (*domain.Task, error) {
	return f.task, nil
}
func (f *fakeTasks) UpdateTask(ctx context.Context, id domain.TaskID, mutate func(*domain.Task) error) error {
	return mutate(f.task)
}
func (f *fakeTasks) ListTasks(ctx context.Context, userID string, limit, offset int) ([]*domain.Task, error) {
	return nil, nil
}
func (f *fakeTasks) AddFinding(ctx context.Context, id domain.TaskID, fi domain.Finding) error {
	return nil
}
func (f *fakeTasks) SetParentTask(ctx context.Context, id, parent domain.TaskID) error { return nil }
func (f *fakeTasks) SetSupersededBy(ctx context.Context, id, supersededBy domain.TaskID) error {
	return nil
}
func (f *fakeTasks) StuckPlanningTasks(ctx context.Context, olderThan time.Duration) ([]*domain.Task, error) {
	return nil, nil
}

type fakeTree struct{}

func (fakeTree) CreateTree(ctx context.Context, taskID domain.TaskID, steps []domain.Step) (domain.TreeID, error) {
	return "tree-1", nil
}
func (fakeTree) ReadyGroups(ctx context.Context, treeID domain.TreeID) ([]ports.StepGroup, error) {
	return nil, nil
}
func (fakeTree) GetStepFromTree(ctx context.Context, treeID domain.TreeID, stepID domain.StepID) (ports.StepNode, bool, error) {
	return ports.StepNode{}, false, nil
}
func (fakeTree) StartStep(ctx context.Context, treeID domain.TreeID, stepID domain.StepID) error {
	return nil
}
func (fakeTree) PauseStep(ctx context.Context, treeID domain.TreeID, stepID domain.StepID) error {
	return nil
}
func (fakeTree) ResumeStep(ctx context.Context, treeID domain.TreeID, stepID domain.StepID) error {
	return nil
}
func (fakeTree) CompleteStep(ctx context.Context, treeID domain.TreeID, stepID domain.StepID, outputs domain.Value) error {
	return nil
}
func (fakeTree) FailStep(ctx context.Context, treeID domain.TreeID, stepID domain.StepID) error {
	return nil
}
func (fakeTree) SkipStep(ctx context.Context, treeID domain.TreeID, stepID domain.StepID) error {
	return nil
}
func (fakeTree) ResetStep(ctx context.Context, treeID domain.TreeID, stepID domain.StepID) error {
	return nil
}
func (fakeTree) IsTaskComplete(ctx context.Context, treeID domain.TreeID) (bool, error) {
	return false, nil
}
func (fakeTree) HasFailed(ctx context.Context, treeID domain.TreeID) (bool, error) { return false, nil }
func (fakeTree) PendingBlockedByFailure(ctx context.Context, treeID domain.TreeID) ([]domain.StepID, error) {
	return nil, nil
}
func (fakeTree) GetTreeMetrics(ctx context.Context, treeID domain.TreeID) (ports.TreeMetrics, error) {
	return ports.TreeMetrics{}, nil
}

type scriptedModel struct {
	responses []model.Response
	errs      []error
	calls     int
}

func (m *scriptedModel) Complete(ctx context.Context, req model.Request) (model.Response, error) {
	i := m.calls
	m.calls++
	if i < len(m.errs) && m.errs[i] != nil {
		return model.Response{}, m.errs[i]
	}
	return m.responses[i], nil
}

func newTestEngine(t *testing.T, client model.Client, fp FastPathPort) (*Engine, *fakeTasks) {
	t.Helper()
	tasks := &fakeTasks{task: &domain.Task{ID: "t1", Goal: "do the thing", Status: domain.TaskPlanning}}
	reg := model.NewRegistry(map[model.Provider]model.Client{model.ProviderAnthropic: client})
	eng, err := New(Options{
		Tasks: tasks, Tree: fakeTree{}, Models: reg, FastPath: fp,
	})
	require.NoError(t, err)
	return eng, tasks
}

func TestPlan_FastPathShortCircuits(t *testing.T) {
	fp := fastPathStub{result: &FastPathResult{Steps: []domain.Step{{ID: "s1", Name: "list"}}}}
	eng, tasks := newTestEngine(t, &scriptedModel{}, fp)

	err := eng.Plan(context.Background(), "t1")
	require.NoError(t, err)
	require.Equal(t, domain.TaskCompleted, tasks.task.Status)
	require.Len(t, tasks.task.Steps, 1)
}

type fastPathStub struct{ result *FastPathResult }

func (f fastPathStub) TryFastPath(ctx context.Context, userID, orgID, goal string, intent Intent, metadata map[string]any) (*FastPathResult, error) {
	return f.result, nil
}

func TestPlan_LLMDecompositionRetriesThenSucceeds(t *testing.T) {
	client := &scriptedModel{
		responses: []model.Response{
			{Content: "[]"},
			{Content: `[{"name":"fetch","agent_type":"http_fetch"},{"name":"summarize","agent_type":"llm_summarize","depends_on":["fetch"]}]`},
		},
	}
	eng, tasks := newTestEngine(t, client, nil)

	err := eng.Plan(context.Background(), "t1")
	require.NoError(t, err)
	require.Equal(t, domain.TaskReady, tasks.task.Status)
	require.Len(t, tasks.task.Steps, 2)
	require.Equal(t, []domain.StepID{"step_1"}, tasks.task.Steps[1].DependsOn)
	require.NotNil(t, tasks.task.TreeID)
}

func TestNormalizeSchedule_RelativeOffsetMinutes(t *testing.T) {
	intent := &Intent{HasSchedule: true, Schedule: &Schedule{ExecuteAtRaw: "+15m"}}
	before := time.Now()
	sched, err := normalizeSchedule(intent)
	require.NoError(t, err)
	require.NotNil(t, sched.ExecuteAt)
	require.WithinDuration(t, before.Add(15*time.Minute), *sched.ExecuteAt, 2*time.Second)
}

func TestNormalizeSchedule_CronPassesThrough(t *testing.T) {
	intent := &Intent{HasSchedule: true, Schedule: &Schedule{Cron: "0 9 * * *"}}
	sched, err := normalizeSchedule(intent)
	require.NoError(t, err)
	require.Equal(t, "0 9 * * *", sched.Cron)
}

func TestNormalizeSchedule_InvalidCronErrors(t *testing.T) {
	intent := &Intent{HasSchedule: true, Schedule: &Schedule{Cron: "not a cron"}}
	_, err := normalizeSchedule(intent)
	require.Error(t, err)
}

func TestAssignParallelGroups_LayersByDependency(t *testing.T) {
	steps := []domain.Step{
		{ID: "a"},
		{ID: "b", DependsOn: []domain.StepID{"a"}},
		{ID: "c", DependsOn: []domain.StepID{"a"}},
	}
	assignParallelGroups(steps)
	require.Equal(t, "group_0", *steps[0].ParallelGroup)
	require.Equal(t, "group_1", *steps[1].ParallelGroup)
	require.Equal(t, *steps[1].ParallelGroup, *steps[2].ParallelGroup)
}

func TestDefaultRiskDetector_FlagsSensitiveAgentTypes(t *testing.T) {
	steps := []domain.Step{{ID: "s1", AgentType: "email_send"}, {ID: "s2", AgentType: "http_fetch"}}
	out := DefaultRiskDetector{}.AssessPlan(steps)
	require.True(t, out["s1"].RequiresCheckpoint)
	_, ok := out["s2"]
	require.False(t, ok)
}
