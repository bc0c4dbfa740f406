// Package orchestrator implements the stateless, per-cycle engine that
// advances at most one ready step-group of a task per invocation: it
// reloads the task from the cache, computes the ready set from the
// execution tree, resolves templates, dispatches to the step executor
// (honoring each group's failure policy), consults the Observer on
// failure, and applies the Observer's recovery decision.
package orchestrator

import (
	"context"
	"sync"

	"tentackl/internal/apperr"
	"tentackl/internal/domain"
	"tentackl/internal/ports"
	"tentackl/internal/telemetry"
	"tentackl/internal/template"
)

// ResultTag enumerates the outcomes one Cycle call can report.
type ResultTag string

const (
	TagStepCompleted    ResultTag = "step_completed"
	TagGroupCompleted   ResultTag = "group_completed"
	TagStepRetry        ResultTag = "step_retry"
	TagStepFallback     ResultTag = "step_fallback"
	TagStepSkipped      ResultTag = "step_skipped"
	TagStepModified     ResultTag = "step_modified"
	TagPlanAborted      ResultTag = "plan_aborted"
	TagReplanCheckpoint ResultTag = "replan_checkpoint"
	TagReplanComplete   ResultTag = "replan_complete"
	TagBlocked          ResultTag = "blocked"
	TagCheckpoint       ResultTag = "checkpoint"
	TagTerminal         ResultTag = "terminal" // task was already in a terminal status
	TagIdle             ResultTag = "idle"     // nothing ready, nothing to do this cycle
)

// Result is the outcome of one Cycle call.
type Result struct {
	Tag            ResultTag
	Status         domain.TaskStatus
	StepID         *domain.StepID
	Outputs        map[domain.StepID]domain.Value
	PartialFailure bool
	Err            string
}

// Options wires the ports a cycle touches.
type Options struct {
	Cache       ports.CacheStore
	Tasks       ports.TaskStore
	Tree        ports.TreePort
	Observer    ports.ObserverPort
	Checkpoints ports.CheckpointPort
	Executor    ports.StepExecutorPort
	EventBus    ports.EventBus
	Logger      telemetry.Logger
}

// Engine runs orchestration cycles. It holds no per-task state between
// calls — every Cycle call reloads the task fresh.
type Engine struct {
	cache       ports.CacheStore
	tasks       ports.TaskStore
	tree        ports.TreePort
	observer    ports.ObserverPort
	checkpoints ports.CheckpointPort
	executor    ports.StepExecutorPort
	bus         ports.EventBus
	logger      telemetry.Logger
}

// New constructs an Engine.
func New(opts Options) (*Engine, error) {
	if opts.Cache == nil || opts.Tree == nil || opts.Executor == nil || opts.Tasks == nil {
		return nil, apperr.New(apperr.DependencyUnavailable, "orchestrator: cache, tasks, tree, and executor are required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Engine{
		cache: opts.Cache, tasks: opts.Tasks, tree: opts.Tree, observer: opts.Observer,
		checkpoints: opts.Checkpoints, executor: opts.Executor, bus: opts.EventBus, logger: logger,
	}, nil
}

// SetCheckpoints injects the checkpoint manager post-construction, since
// checkpoint.Manager itself depends on an Engine as its CycleRunner — the
// same circular-dependency break used by stepexec.Executor.SetScheduler.
func (e *Engine) SetCheckpoints(c ports.CheckpointPort) { e.checkpoints = c }

// Cycle runs exactly one step-group advance for taskID.
func (e *Engine) Cycle(ctx context.Context, taskID domain.TaskID) (Result, error) {
	task, err := e.cache.GetTask(ctx, taskID)
	if err != nil {
		return Result{}, apperr.Wrap(apperr.DependencyUnavailable, err, "orchestrator: load task from cache")
	}
	if task.Status.IsTerminal() {
		return Result{Tag: TagTerminal, Status: task.Status}, nil
	}
	if task.TreeID == nil {
		return Result{}, apperr.New(apperr.InvalidTransition, "orchestrator: task has no execution tree")
	}

	groups, err := e.tree.ReadyGroups(ctx, *task.TreeID)
	if err != nil {
		return Result{}, apperr.Wrap(apperr.DependencyUnavailable, err, "orchestrator: ready groups")
	}

	if len(groups) == 0 {
		return e.handleNoReadyGroup(ctx, task)
	}

	group := groups[0]
	return e.dispatchGroup(ctx, task, group)
}

func (e *Engine) handleNoReadyGroup(ctx context.Context, task *domain.Task) (Result, error) {
	for _, s := range task.Steps {
		if s.Status == domain.StepPaused || (s.CheckpointRequired && s.Status != domain.StepCompleted && s.Status != domain.StepSkipped) {
			id := s.ID
			return Result{Tag: TagCheckpoint, StepID: &id, Status: domain.TaskCheckpoint}, nil
		}
	}

	blocked, err := e.tree.PendingBlockedByFailure(ctx, *task.TreeID)
	if err != nil {
		return Result{}, apperr.Wrap(apperr.DependencyUnavailable, err, "orchestrator: blocked steps")
	}
	if len(blocked) > 0 {
		return e.handleBlocked(ctx, task, blocked)
	}

	complete, err := e.tree.IsTaskComplete(ctx, *task.TreeID)
	if err != nil {
		return Result{}, apperr.Wrap(apperr.DependencyUnavailable, err, "orchestrator: is task complete")
	}
	if complete {
		hasFailed, _ := e.tree.HasFailed(ctx, *task.TreeID)
		status := domain.TaskCompleted
		if hasFailed {
			status = domain.TaskFailed
		}
		_ = e.tasks.UpdateTask(ctx, task.ID, func(t *domain.Task) error { t.Status = status; return nil })
		return Result{Tag: TagGroupCompleted, Status: status}, nil
	}
	return Result{Tag: TagIdle, Status: task.Status}, nil
}

func (e *Engine) handleBlocked(ctx context.Context, task *domain.Task, blockedIDs []domain.StepID) (Result, error) {
	blockedSteps := stepsByID(task, blockedIDs)
	var failedSteps []domain.Step
	for _, s := range task.Steps {
		if s.Status == domain.StepFailed {
			failedSteps = append(failedSteps, s)
		}
	}
	if e.observer != nil {
		proposal, err := e.observer.AnalyzeBlockedDependencies(ctx, task, blockedSteps, failedSteps)
		if err == nil && proposal != nil && proposal.Type == ports.ProposalReplan {
			return e.triggerReplanCheckpoint(ctx, task, &failedSteps[0], proposal)
		}
	}
	_ = e.tasks.UpdateTask(ctx, task.ID, func(t *domain.Task) error { t.Status = domain.TaskFailed; return nil })
	return Result{Tag: TagBlocked, Status: domain.TaskFailed, Err: "steps blocked behind failed dependencies with no recovery path"}, nil
}

func (e *Engine) dispatchGroup(ctx context.Context, task *domain.Task, group ports.StepGroup) (Result, error) {
	steps := stepsByID(task, group.Steps)

	for i := range steps {
		if steps[i].CheckpointRequired {
			if e.isApproved(ctx, task.ID, steps[i].ID) {
				continue
			}
			res, err := e.createGroupCheckpoint(ctx, task, &steps[i])
			// A learned preference may have auto-approved the checkpoint
			// during Create; if so the step is cleared to run this cycle.
			if !e.isApproved(ctx, task.ID, steps[i].ID) {
				return res, err
			}
		}
	}

	outputsMap := template.OutputsFromTask(task)
	for i := range steps {
		if template.HasMissingFieldReference(steps[i].Inputs) {
			return e.recoverFromFailure(ctx, task, &steps[i],
				"template validation: "+template.Validate(steps[i].Inputs)[0].String())
		}
		steps[i].Inputs = template.Resolve(steps[i].Inputs, outputsMap)
	}

	if len(steps) == 1 {
		return e.dispatchOne(ctx, task, &steps[0])
	}
	return e.dispatchParallel(ctx, task, steps)
}

func (e *Engine) isApproved(ctx context.Context, taskID domain.TaskID, stepID domain.StepID) bool {
	if e.checkpoints == nil {
		return false
	}
	ok, _ := e.checkpoints.IsAlreadyApproved(ctx, taskID, stepID)
	return ok
}

func (e *Engine) createGroupCheckpoint(ctx context.Context, task *domain.Task, step *domain.Step) (Result, error) {
	id := step.ID
	_ = e.tasks.UpdateTask(ctx, task.ID, func(t *domain.Task) error {
		t.Status = domain.TaskCheckpoint
		for i := range t.Steps {
			if t.Steps[i].ID == id {
				t.Steps[i].Status = domain.StepPaused
			}
		}
		return nil
	})
	if refreshed, err := e.tasks.GetTask(ctx, task.ID); err == nil {
		_ = e.cache.PutTask(ctx, refreshed)
	}
	if e.checkpoints != nil {
		cp := &domain.CheckpointState{TaskID: task.ID, StepID: id, Decision: domain.DecisionPending}
		if step.CheckpointConfig != nil {
			cp.Name = step.CheckpointConfig.Name
			cp.Description = step.CheckpointConfig.Description
			cp.PreferenceKey = step.CheckpointConfig.PreferenceKey
		}
		_ = e.checkpoints.Create(ctx, cp)
	}
	return Result{Tag: TagCheckpoint, StepID: &id, Status: domain.TaskCheckpoint}, nil
}

func (e *Engine) dispatchOne(ctx context.Context, task *domain.Task, step *domain.Step) (Result, error) {
	_ = e.tree.StartStep(ctx, *task.TreeID, step.ID)
	res, err := e.executor.ExecuteStep(ctx, task.ID, step.ID, step.Inputs, "")
	if err != nil {
		return Result{}, err
	}
	return e.interpretStepResult(ctx, task, step, res)
}

// interpretStepResult maps one step-execution outcome to an orchestrator
// result tag, consulting the Observer and applying its recovery decision
// for a permanent (non-transient) failure.
func (e *Engine) interpretStepResult(ctx context.Context, task *domain.Task, step *domain.Step, res ports.StepExecResult) (Result, error) {
	id := step.ID
	switch res.Tag {
	case ports.StepOutcomeCompleted:
		return Result{Tag: TagStepCompleted, StepID: &id, Status: domain.TaskExecuting,
			Outputs: map[domain.StepID]domain.Value{id: res.Step.Outputs}}, nil
	case ports.StepOutcomeCheckpoint:
		return Result{Tag: TagCheckpoint, StepID: &id, Status: domain.TaskCheckpoint}, nil
	case ports.StepOutcomeRetrying:
		return Result{Tag: TagStepRetry, StepID: &id, Status: domain.TaskExecuting, Err: res.Err}, nil
	case ports.StepOutcomeFailed:
		return e.recoverFromFailure(ctx, task, &res.Step, res.Err)
	default:
		return Result{}, apperr.Newf(apperr.UnrecoverableFailure, "orchestrator: unknown step outcome %q", res.Tag)
	}
}

func (e *Engine) recoverFromFailure(ctx context.Context, task *domain.Task, step *domain.Step, errMsg string) (Result, error) {
	id := step.ID
	if e.observer == nil {
		_ = e.tasks.UpdateTask(ctx, task.ID, func(t *domain.Task) error { t.Status = domain.TaskFailed; return nil })
		return Result{Tag: TagPlanAborted, StepID: &id, Status: domain.TaskFailed, Err: errMsg}, nil
	}
	proposal, err := e.observer.AnalyzeFailure(ctx, task, step, apperr.New(apperr.UnrecoverableFailure, errMsg))
	if err != nil {
		return Result{}, apperr.Wrap(apperr.DependencyUnavailable, err, "orchestrator: observer analysis")
	}
	switch proposal.Type {
	case ports.ProposalRetry:
		res, err := e.executor.ExecuteStep(ctx, task.ID, id, step.Inputs, "")
		if err != nil {
			return Result{}, err
		}
		return Result{Tag: TagStepRetry, StepID: &id, Status: domain.TaskExecuting, Err: res.Err}, nil
	case ports.ProposalFallback:
		model := proposal.FallbackModel
		if model == "" {
			model = proposal.FallbackAPI
		}
		_ = e.tasks.UpdateTask(ctx, task.ID, func(t *domain.Task) error {
			for i := range t.Steps {
				if t.Steps[i].ID == id {
					if proposal.FallbackModel != "" {
						t.Steps[i].FallbackConfig.PopModel()
					} else {
						t.Steps[i].FallbackConfig.PopAPI()
					}
				}
			}
			return nil
		})
		res, err := e.executor.ExecuteStep(ctx, task.ID, id, step.Inputs, model)
		if err != nil {
			return Result{}, err
		}
		return Result{Tag: TagStepFallback, StepID: &id, Status: domain.TaskExecuting, Err: res.Err}, nil
	case ports.ProposalSkip:
		_ = e.tree.SkipStep(ctx, *task.TreeID, id)
		_ = e.tasks.UpdateTask(ctx, task.ID, func(t *domain.Task) error {
			for i := range t.Steps {
				if t.Steps[i].ID == id {
					t.Steps[i].Status = domain.StepSkipped
				}
			}
			return nil
		})
		return Result{Tag: TagStepSkipped, StepID: &id, Status: domain.TaskExecuting}, nil
	case ports.ProposalModify:
		_ = e.tasks.UpdateTask(ctx, task.ID, func(t *domain.Task) error {
			for i := range t.Steps {
				if t.Steps[i].ID == id {
					t.Steps[i].Inputs = proposal.ModifiedInputs
				}
			}
			return nil
		})
		_ = e.tree.ResetStep(ctx, *task.TreeID, id)
		resolved := template.Resolve(proposal.ModifiedInputs, template.OutputsFromTask(task))
		res, err := e.executor.ExecuteStep(ctx, task.ID, id, resolved, "")
		if err != nil {
			return Result{}, err
		}
		return Result{Tag: TagStepModified, StepID: &id, Status: domain.TaskExecuting, Err: res.Err}, nil
	case ports.ProposalReplan:
		return e.triggerReplanCheckpoint(ctx, task, step, &proposal)
	default: // ProposalAbort: before giving up, check whether the failure is
		// structural enough to warrant a replan rather than killing the task.
		if replan, rerr := e.observer.AnalyzeForReplan(ctx, task, step, apperr.New(apperr.UnrecoverableFailure, errMsg)); rerr == nil && replan != nil {
			return e.triggerReplanCheckpoint(ctx, task, step, replan)
		}
		_ = e.tasks.UpdateTask(ctx, task.ID, func(t *domain.Task) error { t.Status = domain.TaskFailed; return nil })
		return Result{Tag: TagPlanAborted, StepID: &id, Status: domain.TaskFailed, Err: errMsg}, nil
	}
}

func (e *Engine) triggerReplanCheckpoint(ctx context.Context, task *domain.Task, step *domain.Step, proposal *ports.Proposal) (Result, error) {
	id := step.ID
	cp := &domain.CheckpointState{
		TaskID: task.ID, StepID: id, Decision: domain.DecisionPending,
		Name: "replan_approval", Description: proposal.Reason,
		Type: domain.CheckpointReplan, PreferenceKey: "delegation.replan",
	}
	_ = e.tasks.UpdateTask(ctx, task.ID, func(t *domain.Task) error {
		t.Status = domain.TaskCheckpoint
		for i := range t.Steps {
			if t.Steps[i].ID == id {
				t.Steps[i].ReplanContext = proposal.ReplanContext
				t.Steps[i].Status = domain.StepPaused
			}
		}
		return nil
	})
	if refreshed, err := e.tasks.GetTask(ctx, task.ID); err == nil {
		_ = e.cache.PutTask(ctx, refreshed)
	}
	if e.checkpoints != nil {
		_ = e.checkpoints.Create(ctx, cp)
	}
	return Result{Tag: TagReplanCheckpoint, StepID: &id, Status: domain.TaskCheckpoint}, nil
}

// dispatchParallel runs a multi-step group honoring its failure policy,
// bounded by the task's MaxParallelSteps. Group members are executed
// directly, without per-step Observer recovery: a member failure is a fact
// the policy aggregates, not something to repair mid-group.
func (e *Engine) dispatchParallel(ctx context.Context, task *domain.Task, steps []domain.Step) (Result, error) {
	limit := task.MaxParallelSteps
	if limit <= 0 {
		limit = len(steps)
	}
	policy := steps[0].FailurePolicy
	if policy == "" {
		policy = domain.AllOrNothing
	}

	sem := make(chan struct{}, limit)
	var wg sync.WaitGroup
	var mu sync.Mutex
	results := make(map[domain.StepID]Result, len(steps))
	cctx, cancel := context.WithCancel(ctx)
	defer cancel()

	for i := range steps {
		step := steps[i]
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			select {
			case <-cctx.Done():
				return
			default:
			}
			res := e.executeInGroup(cctx, task, &step)
			mu.Lock()
			results[step.ID] = res
			mu.Unlock()
			if policy == domain.FailFast && (res.Tag == TagPlanAborted) {
				cancel()
			}
		}()
	}
	wg.Wait()

	outputs := map[domain.StepID]domain.Value{}
	failed := 0
	for _, r := range results {
		if r.Outputs != nil {
			for k, v := range r.Outputs {
				outputs[k] = v
			}
		}
		if r.Tag == TagPlanAborted {
			failed++
		}
	}

	switch policy {
	case domain.FailFast:
		if failed > 0 {
			_ = e.tasks.UpdateTask(ctx, task.ID, func(t *domain.Task) error { t.Status = domain.TaskFailed; return nil })
			return Result{Tag: TagPlanAborted, Status: domain.TaskFailed, Outputs: outputs}, nil
		}
	case domain.AllOrNothing:
		if failed > 0 {
			_ = e.tasks.UpdateTask(ctx, task.ID, func(t *domain.Task) error { t.Status = domain.TaskFailed; return nil })
			return Result{Tag: TagPlanAborted, Status: domain.TaskFailed, Outputs: outputs}, nil
		}
	case domain.BestEffort:
		if failed > 0 && failed < len(steps) {
			return Result{Tag: TagGroupCompleted, Status: domain.TaskExecuting, Outputs: outputs, PartialFailure: true}, nil
		}
		if failed == len(steps) {
			_ = e.tasks.UpdateTask(ctx, task.ID, func(t *domain.Task) error { t.Status = domain.TaskFailed; return nil })
			return Result{Tag: TagPlanAborted, Status: domain.TaskFailed, Outputs: outputs}, nil
		}
	}
	return Result{Tag: TagGroupCompleted, Status: domain.TaskExecuting, Outputs: outputs}, nil
}

// executeInGroup runs one member of a parallel group and maps its outcome
// onto a per-member Result without consulting the Observer — the group's
// failure policy decides what a member failure means.
func (e *Engine) executeInGroup(ctx context.Context, task *domain.Task, step *domain.Step) Result {
	id := step.ID
	res, err := e.executor.ExecuteStep(ctx, task.ID, id, step.Inputs, "")
	if err != nil {
		return Result{Tag: TagPlanAborted, StepID: &id, Err: err.Error()}
	}
	switch res.Tag {
	case ports.StepOutcomeCompleted:
		return Result{Tag: TagStepCompleted, StepID: &id, Status: domain.TaskExecuting,
			Outputs: map[domain.StepID]domain.Value{id: res.Step.Outputs}}
	case ports.StepOutcomeCheckpoint:
		return Result{Tag: TagCheckpoint, StepID: &id, Status: domain.TaskCheckpoint}
	case ports.StepOutcomeRetrying:
		return Result{Tag: TagStepRetry, StepID: &id, Status: domain.TaskExecuting, Err: res.Err}
	default:
		return Result{Tag: TagPlanAborted, StepID: &id, Err: res.Err}
	}
}

func stepsByID(task *domain.Task, ids []domain.StepID) []domain.Step {
	want := make(map[domain.StepID]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	var out []domain.Step
	for _, s := range task.Steps {
		if want[s.ID] {
			out = append(out, s)
		}
	}
	return out
}
