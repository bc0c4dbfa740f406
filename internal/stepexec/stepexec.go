// Package stepexec implements the single-step execution lifecycle: tree
// update, primary-store sync, cache sync, event publish, and inbox
// messaging, in that strict order. It is the only package allowed to
// drive a step from RUNNING to a terminal tree state.
package stepexec

import (
	"context"
	"time"

	"tentackl/internal/apperr"
	"tentackl/internal/contentkind"
	"tentackl/internal/domain"
	"tentackl/internal/model"
	"tentackl/internal/ports"
	"tentackl/internal/telemetry"
	"tentackl/internal/template"
	"tentackl/internal/transient"
)

// Options wires every port the step-execution lifecycle touches.
type Options struct {
	Tasks       ports.TaskStore
	Cache       ports.CacheStore
	Tree        ports.TreePort
	Checkpoints ports.CheckpointPort
	EventBus    ports.EventBus
	Inbox       ports.InboxPort
	Plugins     ports.PluginExecutor
	Models      *model.Registry
	// AgentTypeModel maps an agent_type to a "<provider>:<model>" default,
	// consulted when a step carries no explicit override.
	AgentTypeModel  map[string]string
	DefaultProvider model.Provider
	Logger          telemetry.Logger
	Metrics         telemetry.Metrics

	// Scheduler is injected post-construction via SetScheduler, since the
	// scheduler and the executor each depend on the other's port.
	Scheduler ports.SchedulerPort
}

// Executor implements ports.StepExecutorPort.
type Executor struct {
	tasks       ports.TaskStore
	cache       ports.CacheStore
	tree        ports.TreePort
	checkpoints ports.CheckpointPort
	bus         ports.EventBus
	inbox       ports.InboxPort
	plugins     ports.PluginExecutor
	models      *model.Registry
	agentModel  map[string]string
	defaultProv model.Provider
	logger      telemetry.Logger
	metrics     telemetry.Metrics
	scheduler   ports.SchedulerPort
}

// New constructs an Executor. Scheduler may be nil at construction time and
// set later with SetScheduler, to break the scheduler<->executor
// construction cycle.
func New(opts Options) (*Executor, error) {
	if opts.Tasks == nil || opts.Cache == nil || opts.Tree == nil || opts.Plugins == nil {
		return nil, apperr.New(apperr.DependencyUnavailable, "stepexec: tasks, cache, tree, and plugins are required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = telemetry.NewNoopMetrics()
	}
	return &Executor{
		tasks: opts.Tasks, cache: opts.Cache, tree: opts.Tree,
		checkpoints: opts.Checkpoints, bus: opts.EventBus, inbox: opts.Inbox,
		plugins: opts.Plugins, models: opts.Models, agentModel: opts.AgentTypeModel,
		defaultProv: opts.DefaultProvider, logger: logger, metrics: metrics,
		scheduler: opts.Scheduler,
	}, nil
}

// SetScheduler injects the scheduler once both sides of the construction
// cycle exist.
func (e *Executor) SetScheduler(s ports.SchedulerPort) { e.scheduler = s }

// SetCheckpoints injects the checkpoint manager once it exists, since
// checkpoint.Manager's CycleRunner dependency is normally satisfied by the
// orchestrator, which itself depends on this Executor.
func (e *Executor) SetCheckpoints(c ports.CheckpointPort) { e.checkpoints = c }

var _ ports.StepExecutorPort = (*Executor)(nil)

// ExecuteStep runs the single-step lifecycle end to end.
func (e *Executor) ExecuteStep(ctx context.Context, taskID domain.TaskID, stepID domain.StepID, dispatchedInputs domain.Value, modelOverride string) (ports.StepExecResult, error) {
	task, err := e.tasks.GetTask(ctx, taskID)
	if err != nil {
		return ports.StepExecResult{}, apperr.Wrap(apperr.DependencyUnavailable, err, "stepexec: load task")
	}
	step, ok := task.StepByRef(string(stepID))
	if !ok {
		return ports.StepExecResult{}, apperr.Newf(apperr.NotFound, "stepexec: step %q not found on task %q", stepID, taskID)
	}

	if node, found, _ := e.tree.GetStepFromTree(ctx, *task.TreeID, stepID); !found || node.Status != domain.StepRunning {
		if err := e.tree.StartStep(ctx, *task.TreeID, stepID); err != nil {
			e.logger.Debug(ctx, "stepexec: start step (already running is fine)", "step_id", stepID, "error", err)
		}
	}

	// A null dispatched payload means the caller (queue worker, scheduler
	// dispatch) hands us the stored inputs raw: validate and resolve their
	// template references here, since no cycle did it upstream. A non-null
	// payload arrives already resolved.
	if dispatchedInputs.IsNull() {
		if errs := template.Validate(step.Inputs); len(errs) > 0 {
			return e.handleFailure(ctx, task, step, ports.PluginResult{
				Success: false,
				Error:   "template validation: " + errs[0].String(),
			})
		}
		step.Inputs = template.Resolve(step.Inputs, template.OutputsFromTask(task))
	} else {
		step.Inputs = dispatchedInputs
	}

	if step.CheckpointRequired {
		approved, err := e.checkpointApproved(ctx, taskID, stepID)
		if err != nil {
			return ports.StepExecResult{}, err
		}
		if !approved {
			return e.pauseForCheckpoint(ctx, task, step)
		}
	}

	selectedModel := modelOverride
	if selectedModel == "" {
		selectedModel = e.selectModel(step)
	}

	execCtx := ports.PluginContext{
		OrgID:  task.OrgID,
		UserID: task.UserID,
	}
	e.injectSystemContext(&execCtx, task, step)

	start := time.Now()
	result, err := e.plugins.Execute(ctx, step, selectedModel, execCtx)
	elapsed := time.Since(start)
	if err != nil {
		result = ports.PluginResult{Success: false, Error: err.Error()}
	}
	if result.Success {
		return e.handleSuccess(ctx, task, step, result, elapsed)
	}
	return e.handleFailure(ctx, task, step, result)
}

func (e *Executor) checkpointApproved(ctx context.Context, taskID domain.TaskID, stepID domain.StepID) (bool, error) {
	if e.checkpoints == nil {
		return false, nil
	}
	return e.checkpoints.IsAlreadyApproved(ctx, taskID, stepID)
}

func (e *Executor) pauseForCheckpoint(ctx context.Context, task *domain.Task, step *domain.Step) (ports.StepExecResult, error) {
	if err := e.tree.PauseStep(ctx, *task.TreeID, step.ID); err != nil {
		return ports.StepExecResult{}, apperr.Wrap(apperr.DependencyUnavailable, err, "stepexec: pause tree node")
	}
	if err := e.tasks.UpdateTask(ctx, task.ID, func(t *domain.Task) error {
		t.Status = domain.TaskCheckpoint
		for i := range t.Steps {
			if t.Steps[i].ID == step.ID {
				t.Steps[i].Status = domain.StepPaused
			}
		}
		return nil
	}); err != nil {
		return ports.StepExecResult{}, apperr.Wrap(apperr.DependencyUnavailable, err, "stepexec: sync checkpoint status")
	}
	task.Status = domain.TaskCheckpoint
	_ = e.cache.PutTask(ctx, task)

	cfg := step.CheckpointConfig
	cp := &domain.CheckpointState{
		TaskID: task.ID, StepID: step.ID,
		Decision:  domain.DecisionPending,
		CreatedAt: time.Now().UTC(),
	}
	if cfg != nil {
		cp.Name = cfg.Name
		cp.Description = cfg.Description
		cp.PreferenceKey = cfg.PreferenceKey
	}
	if e.checkpoints != nil {
		if err := e.checkpoints.Create(ctx, cp); err != nil {
			return ports.StepExecResult{}, apperr.Wrap(apperr.DependencyUnavailable, err, "stepexec: create checkpoint")
		}
	}
	e.publish(ctx, task.ID, &step.ID, "task.checkpoint_created", nil)
	if e.inbox != nil {
		_ = e.inbox.AddCheckpointMessage(ctx, task.ID, step.ID, cp)
	}
	return ports.StepExecResult{Tag: ports.StepOutcomeCheckpoint, Step: *step}, nil
}

func (e *Executor) handleSuccess(ctx context.Context, task *domain.Task, step *domain.Step, result ports.PluginResult, elapsed time.Duration) (ports.StepExecResult, error) {
	if err := e.tree.CompleteStep(ctx, *task.TreeID, step.ID, result.Outputs); err != nil {
		return ports.StepExecResult{}, apperr.Wrap(apperr.DependencyUnavailable, err, "stepexec: complete tree node")
	}
	now := time.Now().UTC()
	if err := e.tasks.UpdateTask(ctx, task.ID, func(t *domain.Task) error {
		for i := range t.Steps {
			if t.Steps[i].ID == step.ID {
				t.Steps[i].Status = domain.StepCompleted
				t.Steps[i].Outputs = result.Outputs
				t.Steps[i].CompletedAt = &now
			}
		}
		return nil
	}); err != nil {
		return ports.StepExecResult{}, apperr.Wrap(apperr.DependencyUnavailable, err, "stepexec: sync completed status")
	}
	step.Status = domain.StepCompleted
	step.Outputs = result.Outputs
	step.CompletedAt = &now
	_ = e.cache.PutTask(ctx, task)

	e.publish(ctx, task.ID, &step.ID, "task.step_completed", map[string]any{"execution_time_ms": elapsed.Milliseconds()})
	_ = e.tasks.AddFinding(ctx, task.ID, domain.Finding{StepID: step.ID, Type: "step_output", Content: findingContent(result.Outputs), Timestamp: now})
	if e.inbox != nil {
		_ = e.inbox.AddStepMessage(ctx, task.ID, step.ID, "completed")
	}
	if e.scheduler != nil {
		if _, err := e.scheduler.NotifyStepCompleted(ctx, task.ID); err != nil {
			e.logger.Warn(ctx, "stepexec: notify scheduler after completion failed", "task_id", task.ID, "error", err)
		}
	}
	e.finalizeIfComplete(ctx, task)
	return ports.StepExecResult{Tag: ports.StepOutcomeCompleted, Step: *step}, nil
}

func (e *Executor) handleFailure(ctx context.Context, task *domain.Task, step *domain.Step, result ports.PluginResult) (ports.StepExecResult, error) {
	if step.RetryCount < step.MaxRetries && transient.Is(result.Error) {
		if err := e.tree.ResetStep(ctx, *task.TreeID, step.ID); err != nil {
			return ports.StepExecResult{}, apperr.Wrap(apperr.DependencyUnavailable, err, "stepexec: reset tree node for retry")
		}
		retries := step.RetryCount + 1
		if err := e.tasks.UpdateTask(ctx, task.ID, func(t *domain.Task) error {
			for i := range t.Steps {
				if t.Steps[i].ID == step.ID {
					t.Steps[i].RetryCount = retries
					t.Steps[i].Status = domain.StepPending
				}
			}
			return nil
		}); err != nil {
			return ports.StepExecResult{}, apperr.Wrap(apperr.DependencyUnavailable, err, "stepexec: sync retry status")
		}
		step.RetryCount = retries
		step.Status = domain.StepPending
		e.publish(ctx, task.ID, &step.ID, "task.step_started", map[string]any{"retry_count": retries})
		return ports.StepExecResult{Tag: ports.StepOutcomeRetrying, Step: *step, Err: result.Error}, nil
	}

	if err := e.tree.FailStep(ctx, *task.TreeID, step.ID); err != nil {
		return ports.StepExecResult{}, apperr.Wrap(apperr.DependencyUnavailable, err, "stepexec: fail tree node")
	}
	errMsg := result.Error
	if err := e.tasks.UpdateTask(ctx, task.ID, func(t *domain.Task) error {
		for i := range t.Steps {
			if t.Steps[i].ID == step.ID {
				t.Steps[i].Status = domain.StepFailed
				t.Steps[i].Error = &errMsg
			}
		}
		return nil
	}); err != nil {
		return ports.StepExecResult{}, apperr.Wrap(apperr.DependencyUnavailable, err, "stepexec: sync failed status")
	}
	step.Status = domain.StepFailed
	step.Error = &errMsg
	e.publish(ctx, task.ID, &step.ID, "task.step_failed", map[string]any{"error": errMsg})
	if e.inbox != nil {
		_ = e.inbox.AddStepMessage(ctx, task.ID, step.ID, "failed")
	}

	hasFailed, _ := e.tree.HasFailed(ctx, *task.TreeID)
	complete, _ := e.tree.IsTaskComplete(ctx, *task.TreeID)
	if hasFailed && complete {
		e.finalizeFailed(ctx, task, errMsg)
	}
	return ports.StepExecResult{Tag: ports.StepOutcomeFailed, Step: *step, Err: errMsg}, nil
}

func (e *Executor) finalizeIfComplete(ctx context.Context, task *domain.Task) {
	complete, err := e.tree.IsTaskComplete(ctx, *task.TreeID)
	if err != nil || !complete {
		return
	}
	hasFailed, _ := e.tree.HasFailed(ctx, *task.TreeID)
	if hasFailed {
		e.finalizeFailed(ctx, task, "one or more steps failed")
		return
	}
	now := time.Now().UTC()
	_ = e.tasks.UpdateTask(ctx, task.ID, func(t *domain.Task) error {
		t.Status = domain.TaskCompleted
		t.CompletedAt = &now
		return nil
	})
	task.Status = domain.TaskCompleted
	task.CompletedAt = &now
	_ = e.cache.PutTask(ctx, task)
	e.publish(ctx, task.ID, nil, "task.task_completed", nil)
	if e.inbox != nil {
		_ = e.inbox.AddCompletionMessage(ctx, task.ID, "task completed", stepCounts(task))
	}
}

func (e *Executor) finalizeFailed(ctx context.Context, task *domain.Task, reason string) {
	_ = e.tasks.UpdateTask(ctx, task.ID, func(t *domain.Task) error {
		t.Status = domain.TaskFailed
		return nil
	})
	task.Status = domain.TaskFailed
	_ = e.cache.PutTask(ctx, task)
	e.publish(ctx, task.ID, nil, "task.task_failed", map[string]any{"reason": reason})
	if e.inbox != nil {
		_ = e.inbox.AddCompletionMessage(ctx, task.ID, "task failed: "+reason, stepCounts(task))
	}
}

// findingContent wraps a step's outputs into a finding's content map,
// preserving the outputs under "value" when they aren't already an object.
func findingContent(v domain.Value) map[string]any {
	if obj, ok := v.AsObject(); ok {
		out := make(map[string]any, len(obj))
		for k, e := range obj {
			out[k] = e.ToAny()
		}
		return out
	}
	return map[string]any{"value": v.ToAny()}
}

func stepCounts(task *domain.Task) map[string]int {
	counts := map[string]int{}
	for _, s := range task.Steps {
		counts[string(s.Status)]++
	}
	return counts
}

func (e *Executor) publish(ctx context.Context, taskID domain.TaskID, stepID *domain.StepID, eventType string, payload map[string]any) {
	if e.bus == nil {
		return
	}
	if err := e.bus.Publish(ctx, ports.Event{
		Type: eventType, TaskID: taskID, StepID: stepID, Payload: payload, Timestamp: time.Now().UTC(),
	}); err != nil {
		e.logger.Warn(ctx, "stepexec: publish event failed", "event_type", eventType, "error", err)
	}
}

// selectModel resolves explicit override > per-agent-type default >
// organization default provider's zero-value model string.
func (e *Executor) selectModel(step *domain.Step) string {
	if m, ok := explicitModelOverride(step); ok {
		return m
	}
	if m, ok := e.agentModel[step.AgentType]; ok {
		return m
	}
	return string(e.defaultProv)
}

// explicitModelOverride reads a "model" key out of the step's inputs
// object, when present, as the per-step override.
func explicitModelOverride(step *domain.Step) (string, bool) {
	obj, ok := step.Inputs.AsObject()
	if !ok {
		return "", false
	}
	v, ok := obj["model"]
	if !ok {
		return "", false
	}
	s, ok := v.AsString()
	return s, ok && s != ""
}

func (e *Executor) injectSystemContext(execCtx *ports.PluginContext, task *domain.Task, step *domain.Step) {
	switch step.AgentType {
	case "file_storage":
		execCtx.SystemFields = map[string]any{
			"org_id":       task.OrgID,
			"workflow_id":  string(task.ID),
			"agent_id":     step.AgentType,
			"content_type": inferContentType(step),
		}
	case "generate_image":
		execCtx.SystemFields = map[string]any{
			"org_id":      task.OrgID,
			"workflow_id": string(task.ID),
			"agent_id":    step.AgentType,
			"folder_path": contentkind.FolderSlug(task.Goal),
			"is_public":   true,
		}
	}
}

func inferContentType(step *domain.Step) string {
	obj, ok := step.Inputs.AsObject()
	if !ok {
		return "application/octet-stream"
	}
	name, ok := obj["filename"]
	if !ok {
		return "application/octet-stream"
	}
	s, _ := name.AsString()
	return contentkind.InferFromFilename(s)
}
