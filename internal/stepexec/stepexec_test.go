package stepexec

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	cachememory "tentackl/internal/cache/memory"
	"tentackl/internal/domain"
	"tentackl/internal/ports"
	"tentackl/internal/ports/fakeplugin"
	storememory "tentackl/internal/store/memory"
	"tentackl/internal/tree"
)

type execEnv struct {
	tasks *storememory.TaskStore
	cache *cachememory.Store
	trees *tree.Manager
	plug  *fakeplugin.Executor
	exec  *Executor
}

// newExecEnv persists a task with the given steps, builds its tree, and
// wires an Executor over the in-memory doubles.
func newExecEnv(t *testing.T, steps ...domain.Step) (*execEnv, *domain.Task) {
	t.Helper()
	ctx := context.Background()
	tasks := storememory.NewTaskStore()
	cache := cachememory.New()
	trees := tree.NewManager()
	plug := fakeplugin.New()

	task := &domain.Task{
		ID: "task-1", Goal: "test goal", UserID: "user-1", OrgID: "org-1",
		Steps: steps, Status: domain.TaskExecuting, MaxParallelSteps: 1, Version: 1,
	}
	require.NoError(t, tasks.CreateTask(ctx, task))
	treeID, err := trees.CreateTree(ctx, task.ID, steps)
	require.NoError(t, err)
	require.NoError(t, tasks.UpdateTask(ctx, task.ID, func(tk *domain.Task) error {
		tk.TreeID = &treeID
		return nil
	}))
	task, err = tasks.GetTask(ctx, task.ID)
	require.NoError(t, err)
	require.NoError(t, cache.PutTask(ctx, task))

	exec, err := New(Options{Tasks: tasks, Cache: cache, Tree: trees, Plugins: plug})
	require.NoError(t, err)
	return &execEnv{tasks: tasks, cache: cache, trees: trees, plug: plug, exec: exec}, task
}

func TestExecuteStep_SuccessSyncsAllStores(t *testing.T) {
	env, task := newExecEnv(t, domain.Step{ID: "s1", Name: "only", AgentType: "compose", Status: domain.StepPending})
	ctx := context.Background()

	res, err := env.exec.ExecuteStep(ctx, task.ID, "s1", domain.Value{}, "")
	require.NoError(t, err)
	require.Equal(t, ports.StepOutcomeCompleted, res.Tag)

	node, found, err := env.trees.GetStepFromTree(ctx, *task.TreeID, "s1")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, domain.StepCompleted, node.Status)

	stored, err := env.tasks.GetTask(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StepCompleted, stored.Steps[0].Status)
	require.Equal(t, domain.TaskCompleted, stored.Status)
	require.Len(t, stored.Findings, 1)
	require.Equal(t, domain.StepID("s1"), stored.Findings[0].StepID)

	cached, err := env.cache.GetTask(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StepCompleted, cached.Steps[0].Status)
}

func TestExecuteStep_TransientErrorRecyclesAsRetry(t *testing.T) {
	env, task := newExecEnv(t, domain.Step{ID: "s1", AgentType: "api_caller", Status: domain.StepPending, MaxRetries: 2})
	ctx := context.Background()
	env.plug.QueueResponse("api_caller", ports.PluginResult{Success: false, Error: "429 rate limit exceeded"})

	res, err := env.exec.ExecuteStep(ctx, task.ID, "s1", domain.Value{}, "")
	require.NoError(t, err)
	require.Equal(t, ports.StepOutcomeRetrying, res.Tag)
	require.Equal(t, 1, res.Step.RetryCount)

	// The tree node is reset so the next dispatch can start it again.
	node, _, err := env.trees.GetStepFromTree(ctx, *task.TreeID, "s1")
	require.NoError(t, err)
	require.Equal(t, domain.StepPending, node.Status)

	// The retry succeeds on the default echo response.
	res, err = env.exec.ExecuteStep(ctx, task.ID, "s1", domain.Value{}, "")
	require.NoError(t, err)
	require.Equal(t, ports.StepOutcomeCompleted, res.Tag)
}

func TestExecuteStep_NonTransientErrorFailsPermanently(t *testing.T) {
	env, task := newExecEnv(t, domain.Step{ID: "s1", AgentType: "api_caller", Status: domain.StepPending, MaxRetries: 3})
	ctx := context.Background()
	env.plug.SetResponse("api_caller", ports.PluginResult{Success: false, Error: "invalid credentials"})

	res, err := env.exec.ExecuteStep(ctx, task.ID, "s1", domain.Value{}, "")
	require.NoError(t, err)
	require.Equal(t, ports.StepOutcomeFailed, res.Tag)

	stored, err := env.tasks.GetTask(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StepFailed, stored.Steps[0].Status)
	require.NotNil(t, stored.Steps[0].Error)
	require.Equal(t, domain.TaskFailed, stored.Status)
}

func TestExecuteStep_RetriesExhaustedFailsEvenWhenTransient(t *testing.T) {
	env, task := newExecEnv(t, domain.Step{ID: "s1", AgentType: "api_caller", Status: domain.StepPending, MaxRetries: 0})
	ctx := context.Background()
	env.plug.SetResponse("api_caller", ports.PluginResult{Success: false, Error: "connection reset"})

	res, err := env.exec.ExecuteStep(ctx, task.ID, "s1", domain.Value{}, "")
	require.NoError(t, err)
	require.Equal(t, ports.StepOutcomeFailed, res.Tag)
}

// gatingCheckpoints is a CheckpointPort double that records Create calls and
// never reports a checkpoint approved.
type gatingCheckpoints struct{ created []*domain.CheckpointState }

func (g *gatingCheckpoints) Create(ctx context.Context, cp *domain.CheckpointState) error {
	g.created = append(g.created, cp)
	return nil
}
func (g *gatingCheckpoints) Approve(ctx context.Context, taskID domain.TaskID, stepID domain.StepID, resolverID, feedback string, learnPreference bool) error {
	return nil
}
func (g *gatingCheckpoints) Reject(ctx context.Context, taskID domain.TaskID, stepID domain.StepID, resolverID, feedback string, learnPreference bool) error {
	return nil
}
func (g *gatingCheckpoints) Resolve(ctx context.Context, taskID domain.TaskID, stepID domain.StepID, decision domain.CheckpointDecision, resolverID, feedback string) error {
	return nil
}
func (g *gatingCheckpoints) IsAlreadyApproved(ctx context.Context, taskID domain.TaskID, stepID domain.StepID) (bool, error) {
	return false, nil
}
func (g *gatingCheckpoints) ListPending(ctx context.Context, userID string) ([]*domain.CheckpointState, error) {
	return nil, nil
}
func (g *gatingCheckpoints) ListPendingForTask(ctx context.Context, taskID domain.TaskID) ([]*domain.CheckpointState, error) {
	return nil, nil
}

func TestExecuteStep_CheckpointGatesBeforePluginRuns(t *testing.T) {
	env, task := newExecEnv(t, domain.Step{
		ID: "s1", AgentType: "send_email", Status: domain.StepPending,
		CheckpointRequired: true,
		CheckpointConfig:   &domain.CheckpointConfig{Name: "risk_approval", PreferenceKey: "risk.send_email"},
	})
	ctx := context.Background()
	gate := &gatingCheckpoints{}
	env.exec.SetCheckpoints(gate)

	res, err := env.exec.ExecuteStep(ctx, task.ID, "s1", domain.Value{}, "")
	require.NoError(t, err)
	require.Equal(t, ports.StepOutcomeCheckpoint, res.Tag)
	require.Empty(t, env.plug.Calls(), "plugin must not run before approval")
	require.Len(t, gate.created, 1)
	require.Equal(t, "risk_approval", gate.created[0].Name)

	node, _, err := env.trees.GetStepFromTree(ctx, *task.TreeID, "s1")
	require.NoError(t, err)
	require.Equal(t, domain.StepPaused, node.Status)

	stored, err := env.tasks.GetTask(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, domain.TaskCheckpoint, stored.Status)
}

func TestExecuteStep_RawDispatchResolvesTemplates(t *testing.T) {
	env, task := newExecEnv(t,
		domain.Step{ID: "s1", Name: "research", AgentType: "web_research", Status: domain.StepPending},
		domain.Step{
			ID: "s2", Name: "write", AgentType: "compose", Status: domain.StepPending,
			DependsOn: []domain.StepID{"s1"},
			Inputs:    domain.Object(map[string]domain.Value{"body": domain.String("{{s1.outputs.findings}}")}),
		},
	)
	ctx := context.Background()
	env.plug.SetResponse("web_research", ports.PluginResult{
		Success: true,
		Outputs: domain.Object(map[string]domain.Value{"findings": domain.String("what we learned")}),
	})

	_, err := env.exec.ExecuteStep(ctx, task.ID, "s1", domain.Value{}, "")
	require.NoError(t, err)
	_, err = env.exec.ExecuteStep(ctx, task.ID, "s2", domain.Value{}, "")
	require.NoError(t, err)

	calls := env.plug.Calls()
	require.Len(t, calls, 2)
	body, ok := calls[1].Inputs.Field("body")
	require.True(t, ok)
	got, _ := body.AsString()
	require.Equal(t, "what we learned", got)
}

func TestExecuteStep_RawDispatchRejectsMalformedTemplate(t *testing.T) {
	env, task := newExecEnv(t, domain.Step{
		ID: "s1", AgentType: "compose", Status: domain.StepPending,
		Inputs: domain.Object(map[string]domain.Value{"body": domain.String("{{other.output}}")}),
	})
	ctx := context.Background()

	res, err := env.exec.ExecuteStep(ctx, task.ID, "s1", domain.Value{}, "")
	require.NoError(t, err)
	require.Equal(t, ports.StepOutcomeFailed, res.Tag)
	require.Contains(t, res.Err, "template validation")
	require.Empty(t, env.plug.Calls())
}

func TestSelectModel_Precedence(t *testing.T) {
	exec, err := New(Options{
		Tasks:   storememory.NewTaskStore(),
		Cache:   cachememory.New(),
		Tree:    tree.NewManager(),
		Plugins: fakeplugin.New(),
		AgentTypeModel: map[string]string{
			"compose": "anthropic:claude-sonnet",
		},
		DefaultProvider: "openai",
	})
	require.NoError(t, err)

	override := &domain.Step{
		AgentType: "compose",
		Inputs:    domain.Object(map[string]domain.Value{"model": domain.String("openai:gpt-large")}),
	}
	require.Equal(t, "openai:gpt-large", exec.selectModel(override))

	byAgent := &domain.Step{AgentType: "compose"}
	require.Equal(t, "anthropic:claude-sonnet", exec.selectModel(byAgent))

	fallback := &domain.Step{AgentType: "unknown"}
	require.Equal(t, "openai", exec.selectModel(fallback))
}
