package taskruntime

// End-to-end scenario tests: the full runtime wired against the in-memory
// store and cache doubles, the real tree/scheduler/orchestrator/checkpoint
// components, the deterministic fake plugin executor, and a scripted
// model.Client that returns exactly the responses each scenario narrative
// requires.

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	cachememory "tentackl/internal/cache/memory"
	"tentackl/internal/checkpoint"
	"tentackl/internal/domain"
	"tentackl/internal/model"
	"tentackl/internal/observer"
	"tentackl/internal/orchestrator"
	"tentackl/internal/planning"
	"tentackl/internal/ports"
	"tentackl/internal/ports/fakeplugin"
	"tentackl/internal/preference"
	"tentackl/internal/scheduler"
	"tentackl/internal/stepexec"
	storememory "tentackl/internal/store/memory"
	"tentackl/internal/tree"
	"tentackl/internal/trigger"
)

const waitFor = 5 * time.Second

// scriptedModel returns canned responses in order and errors once the
// script runs dry, so a scenario that makes an unexpected LLM call fails
// loudly instead of silently consuming another scenario's response.
type scriptedModel struct {
	mu        sync.Mutex
	responses []model.Response
	calls     int
}

func (m *scriptedModel) Complete(ctx context.Context, req model.Request) (model.Response, error) {
	if err := ctx.Err(); err != nil {
		return model.Response{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.calls >= len(m.responses) {
		return model.Response{}, fmt.Errorf("scripted model exhausted after %d calls", m.calls)
	}
	resp := m.responses[m.calls]
	m.calls++
	return resp, nil
}

func (m *scriptedModel) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// blockingModel parks every Complete call until its context is cancelled,
// for exercising planning cancellation mid-decomposition.
type blockingModel struct{}

func (blockingModel) Complete(ctx context.Context, req model.Request) (model.Response, error) {
	<-ctx.Done()
	return model.Response{}, ctx.Err()
}

type fastPathStub struct{ result *planning.FastPathResult }

func (f fastPathStub) TryFastPath(ctx context.Context, userID, orgID, goal string, intent planning.Intent, metadata map[string]any) (*planning.FastPathResult, error) {
	return f.result, nil
}

// harness is one fully wired runtime over in-memory adapters, in-process
// scheduling mode.
type harness struct {
	tasks    *storememory.TaskStore
	cache    *cachememory.Store
	trees    *tree.Manager
	plug     *fakeplugin.Executor
	cps      *storememory.CheckpointStore
	triggers *trigger.Registry
	orch     *orchestrator.Engine
	rt       *Runtime
}

func newHarness(t *testing.T, client model.Client, fastPath planning.FastPathPort) *harness {
	t.Helper()

	tasks := storememory.NewTaskStore()
	cache := cachememory.New()
	cps := storememory.NewCheckpointStore(tasks)
	prefStore := storememory.NewPreferenceStore()
	prefs, err := preference.New(preference.Options{Store: prefStore})
	require.NoError(t, err)

	trees := tree.NewManager()
	models := model.NewRegistry(map[model.Provider]model.Client{model.ProviderAnthropic: client})

	planner, err := planning.New(planning.Options{
		Tasks:    tasks,
		Tree:     trees,
		Models:   models,
		FastPath: fastPath,
	})
	require.NoError(t, err)

	plug := fakeplugin.New()
	exec, err := stepexec.New(stepexec.Options{
		Tasks:   tasks,
		Cache:   cache,
		Tree:    trees,
		Plugins: plug,
		Models:  models,
	})
	require.NoError(t, err)

	sched, err := scheduler.New(scheduler.Options{Tree: trees, Tasks: tasks, Executor: exec})
	require.NoError(t, err)
	exec.SetScheduler(sched)

	obs := observer.New(observer.Options{Model: client})

	orch, err := orchestrator.New(orchestrator.Options{
		Cache:    cache,
		Tasks:    tasks,
		Tree:     trees,
		Observer: obs,
		Executor: exec,
	})
	require.NoError(t, err)

	mgr, err := checkpoint.New(checkpoint.Options{
		Store:       cps,
		Cache:       cache,
		Tasks:       tasks,
		Tree:        trees,
		Preferences: prefs,
		Scheduler:   sched,
		Replanner:   planner,
		Cycle:       orch,
	})
	require.NoError(t, err)
	orch.SetCheckpoints(mgr)
	exec.SetCheckpoints(mgr)

	triggers := trigger.New(trigger.Options{})

	rt, err := New(Options{
		Tasks:        tasks,
		Cache:        cache,
		Tree:         trees,
		Scheduler:    sched,
		Planner:      planner,
		Orchestrator: orch,
		Checkpoints:  mgr,
		Preferences:  prefs,
		Triggers:     triggers,
		Memory:       fakeplugin.NewMemoryService(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = rt.Close(context.Background()) })

	return &harness{
		tasks: tasks, cache: cache, trees: trees, plug: plug,
		cps: cps, triggers: triggers, orch: orch, rt: rt,
	}
}

func (h *harness) waitForStatus(t *testing.T, id domain.TaskID, want domain.TaskStatus) *domain.Task {
	t.Helper()
	var last *domain.Task
	require.Eventually(t, func() bool {
		task, err := h.tasks.GetTask(context.Background(), id)
		if err != nil {
			return false
		}
		last = task
		return task.Status == want
	}, waitFor, 10*time.Millisecond, "task %s never reached status %s (last=%v)", id, want, last)
	return last
}

func pendingStep(steps ...domain.Step) []domain.Step {
	for i := range steps {
		steps[i].Status = domain.StepPending
	}
	return steps
}

func TestScenario_FastPathCompletesWithoutLLM(t *testing.T) {
	client := &scriptedModel{}
	fp := fastPathStub{result: &planning.FastPathResult{
		Steps: []domain.Step{{
			ID: "s1", Name: "list_workflows", AgentType: "data_query",
			Status: domain.StepCompleted,
		}},
		Metadata: map[string]any{"fast_path": true, "data_query_type": "list_workflows"},
	}}
	h := newHarness(t, client, fp)

	task, err := h.rt.CreateTask(context.Background(), "list my open workflows", "user-1", "org-1", nil, nil, 1)
	require.NoError(t, err)

	done := h.waitForStatus(t, task.ID, domain.TaskCompleted)
	require.Equal(t, true, done.Metadata["fast_path"])
	require.NotEmpty(t, done.Steps)
	require.Zero(t, client.callCount(), "fast path must not invoke the LLM")
	require.Empty(t, h.plug.Calls(), "fast path must not execute plugins")
}

func TestScenario_LinearPlanWithRiskCheckpoint(t *testing.T) {
	client := &scriptedModel{responses: []model.Response{
		{Content: `[
			{"name":"fetch","agent_type":"http_fetch","inputs":{"url":"https://example.com/x"}},
			{"name":"summarize","agent_type":"summarize","depends_on":["fetch"],"inputs":{"style":"short"}},
			{"name":"email","agent_type":"send_email","depends_on":["summarize"],"inputs":{"to":"me@example.com"}}
		]`},
	}}
	h := newHarness(t, client, nil)
	ctx := context.Background()

	task, err := h.rt.CreateTask(ctx, "fetch URL X, summarize it, email me the result", "user-1", "org-1", nil, nil, 2)
	require.NoError(t, err)

	// Planning auto-starts execution, which runs steps 1 and 2 and parks at
	// the risk-injected checkpoint on the email step.
	parked := h.waitForStatus(t, task.ID, domain.TaskCheckpoint)
	require.True(t, parked.Steps[2].CheckpointRequired)
	require.Equal(t, domain.StepCompleted, parked.Steps[0].Status)
	require.Equal(t, domain.StepCompleted, parked.Steps[1].Status)

	res, err := h.rt.ExecuteTask(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, domain.TaskCheckpoint, res.Status)
	require.NotNil(t, res.Checkpoint)
	require.Equal(t, domain.StepID("step_3"), res.Checkpoint.StepID)

	require.Equal(t, 2, len(h.plug.Calls()), "the gated step must not execute before approval")

	require.NoError(t, h.rt.ApproveCheckpoint(ctx, task.ID, "step_3", "user-1", "send it", false))
	done := h.waitForStatus(t, task.ID, domain.TaskCompleted)
	require.Equal(t, domain.StepCompleted, done.Steps[2].Status)
	require.Equal(t, 3, len(h.plug.Calls()))
}

func TestScenario_ParallelGroupBestEffort(t *testing.T) {
	h := newHarness(t, &scriptedModel{}, nil)
	ctx := context.Background()
	h.plug.SetResponse("flaky_fetch", ports.PluginResult{Success: false, Error: "fetch timeout"})

	g := "g1"
	steps := pendingStep(
		domain.Step{ID: "a", Name: "fetch_a", AgentType: "web_fetch", ParallelGroup: &g, FailurePolicy: domain.BestEffort},
		domain.Step{ID: "b", Name: "fetch_b", AgentType: "flaky_fetch", ParallelGroup: &g, FailurePolicy: domain.BestEffort},
		domain.Step{ID: "c", Name: "fetch_c", AgentType: "web_fetch", ParallelGroup: &g, FailurePolicy: domain.BestEffort},
		domain.Step{ID: "d", Name: "aggregate", AgentType: "aggregate", DependsOn: []domain.StepID{"a", "c"}},
	)
	task, err := h.rt.CreateTaskWithSteps(ctx, "gather from three sources", "user-1", "org-1", steps, nil)
	require.NoError(t, err)

	res, err := h.orch.Cycle(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, orchestrator.TagGroupCompleted, res.Tag)
	require.True(t, res.PartialFailure)
	require.Contains(t, res.Outputs, domain.StepID("a"))
	require.Contains(t, res.Outputs, domain.StepID("c"))
	require.NotContains(t, res.Outputs, domain.StepID("b"))

	// The task continues past the partial failure: the aggregate step runs.
	_, err = h.rt.ExecuteTask(ctx, task.ID)
	require.NoError(t, err)
	final, err := h.tasks.GetTask(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StepCompleted, final.Steps[3].Status)

	var aggregated bool
	for _, c := range h.plug.Calls() {
		if c.AgentType == "aggregate" {
			aggregated = true
		}
	}
	require.True(t, aggregated)
}

func TestScenario_ObserverModifyOnContentFilter(t *testing.T) {
	const rewritten = "A colorful turn-based strategy game map with tribal warriors"
	client := &scriptedModel{responses: []model.Response{
		{Content: `{"prompt":"` + rewritten + `"}`},
	}}
	h := newHarness(t, client, nil)
	ctx := context.Background()
	h.plug.QueueResponse("generate_image", ports.PluginResult{Success: false, Error: "Derivative Works Filter"})

	steps := pendingStep(domain.Step{
		ID: "img", Name: "draw_map", AgentType: "generate_image", Critical: true, MaxRetries: 3,
		Inputs: domain.Object(map[string]domain.Value{"prompt": domain.String("A Polytopia map")}),
	})
	task, err := h.rt.CreateTaskWithSteps(ctx, "draw a game map", "user-1", "org-1", steps, nil)
	require.NoError(t, err)

	_, err = h.rt.ExecuteTask(ctx, task.ID)
	require.NoError(t, err)
	h.waitForStatus(t, task.ID, domain.TaskCompleted)

	calls := h.plug.Calls()
	require.Len(t, calls, 2)
	prompt, ok := calls[1].Inputs.Field("prompt")
	require.True(t, ok)
	got, _ := prompt.AsString()
	require.Equal(t, rewritten, got)
}

func TestScenario_TemplateSyntaxFix(t *testing.T) {
	h := newHarness(t, &scriptedModel{}, nil)
	ctx := context.Background()
	findings := "three findings about X"
	h.plug.SetResponse("web_research", ports.PluginResult{
		Success: true,
		Outputs: domain.Object(map[string]domain.Value{"findings": domain.String(findings)}),
	})

	steps := pendingStep(
		domain.Step{ID: "step_1", Name: "research", AgentType: "web_research"},
		domain.Step{
			ID: "step_2", Name: "write_up", AgentType: "compose", DependsOn: []domain.StepID{"step_1"},
			Inputs: domain.Object(map[string]domain.Value{"summary": domain.String("{{step_1.output}}")}),
		},
	)
	task, err := h.rt.CreateTaskWithSteps(ctx, "research then summarize", "user-1", "org-1", steps, nil)
	require.NoError(t, err)

	_, err = h.rt.ExecuteTask(ctx, task.ID)
	require.NoError(t, err)
	done := h.waitForStatus(t, task.ID, domain.TaskCompleted)

	// The malformed reference was rewritten in place to the field-qualified
	// form before re-dispatch.
	fixed, ok := done.Steps[1].Inputs.Field("summary")
	require.True(t, ok)
	fixedStr, _ := fixed.AsString()
	require.Equal(t, "{{step_1.outputs.findings}}", fixedStr)

	// And the plugin received the resolved referent, not the template text.
	var composeInput string
	for _, c := range h.plug.Calls() {
		if c.AgentType == "compose" {
			v, _ := c.Inputs.Field("summary")
			composeInput, _ = v.AsString()
		}
	}
	require.Equal(t, findings, composeInput)
}

func TestScenario_ReplanSupersedesTask(t *testing.T) {
	client := &scriptedModel{responses: []model.Response{
		{Content: `[
			{"name":"compose content","agent_type":"compose","inputs":{"topic":"launch post"}},
			{"name":"finalize","agent_type":"aggregate","depends_on":["compose content"]}
		]`},
	}}
	h := newHarness(t, client, nil)
	ctx := context.Background()
	h.plug.SetResponse("marketing_strategist", ports.PluginResult{
		Success: false, Error: "Unknown subagent type: marketing_strategist",
	})

	steps := pendingStep(
		domain.Step{ID: "s1", Name: "strategy", AgentType: "marketing_strategist", Critical: true},
		domain.Step{ID: "s2", Name: "publish", AgentType: "compose", DependsOn: []domain.StepID{"s1"}},
	)
	task, err := h.rt.CreateTaskWithSteps(ctx, "write a launch post", "user-1", "org-1", steps, nil)
	require.NoError(t, err)

	res, err := h.rt.ExecuteTask(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, domain.TaskCheckpoint, res.Status)

	pending, err := h.cps.ListPendingForTask(ctx, task.ID)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, domain.CheckpointReplan, pending[0].Type)
	require.Equal(t, "delegation.replan", pending[0].PreferenceKey)

	require.NoError(t, h.rt.ApproveReplan(ctx, task.ID, "s1", "user-1", "go ahead"))

	original := h.waitForStatus(t, task.ID, domain.TaskSuperseded)
	require.NotNil(t, original.SupersededBy)

	next := h.waitForStatus(t, *original.SupersededBy, domain.TaskCompleted)
	require.Equal(t, 2, next.Version)
	require.NotNil(t, next.TreeID)
	require.NotEqual(t, original.TreeID, next.TreeID)
	require.NotNil(t, next.ParentTaskID)
	require.Equal(t, task.ID, *next.ParentTaskID)
}

func TestCancelDuringPlanning_NoCommitAfterCancel(t *testing.T) {
	h := newHarness(t, blockingModel{}, nil)
	ctx := context.Background()

	task, err := h.rt.CreateTask(ctx, "a goal that takes forever to plan", "user-1", "org-1", nil, nil, 1)
	require.NoError(t, err)

	// Let the planning goroutine reach its model call before cancelling.
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, h.rt.CancelTask(ctx, task.ID, "user-1"))

	cancelled := h.waitForStatus(t, task.ID, domain.TaskCancelled)
	require.Empty(t, cancelled.Steps, "no step commit may happen after cancellation")
	require.Empty(t, h.plug.Calls())

	err = h.rt.StartTask(ctx, task.ID, "user-1")
	require.Error(t, err)
}

func TestTriggerMetadata_RegistersAndCancelUnregisters(t *testing.T) {
	h := newHarness(t, &scriptedModel{}, nil)
	ctx := context.Background()

	steps := pendingStep(domain.Step{
		ID: "notify", Name: "notify", AgentType: "notify",
		Inputs: domain.Object(map[string]domain.Value{"title": domain.String("${trigger_event.body.issue.title}")}),
	})
	metadata := map[string]any{
		"trigger": map[string]any{
			"event_pattern": "external.webhook.issue.*",
			"source_filter": "gh",
			"enabled":       true,
			"scope":         "org",
		},
	}
	template, err := h.rt.CreateTaskWithSteps(ctx, "announce new issues", "user-1", "org-1", steps, metadata)
	require.NoError(t, err)

	regs, err := h.triggers.List(ctx, "org-1")
	require.NoError(t, err)
	require.Len(t, regs, 1)
	require.Equal(t, template.ID, regs[0].TaskID)

	evt := ports.TriggerEvent{
		OrgID: "org-1", SourceID: "gh", EventType: "external.webhook.issue.opened",
		Body:      map[string]any{"issue": map[string]any{"title": "Fix the bug"}},
		Timestamp: time.Now().UTC(),
	}
	matched, err := h.triggers.MatchEvent(ctx, evt)
	require.NoError(t, err)
	require.Len(t, matched, 1)

	clone, err := h.rt.CloneTaskForTrigger(ctx, template.ID, evt)
	require.NoError(t, err)
	require.NotEqual(t, template.ID, clone.ID)
	require.NotContains(t, clone.Metadata, "trigger")
	require.Equal(t, string(template.ID), clone.Metadata["template_task_id"])

	title, ok := clone.Steps[0].Inputs.Field("title")
	require.True(t, ok)
	got, _ := title.AsString()
	require.Equal(t, "Fix the bug", got)

	h.waitForStatus(t, clone.ID, domain.TaskCompleted)

	require.NoError(t, h.rt.CancelTask(ctx, template.ID, "user-1"))
	regs, err = h.triggers.List(ctx, "org-1")
	require.NoError(t, err)
	require.Empty(t, regs)
}
