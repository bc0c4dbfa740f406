// Package planning implements the task planning pipeline: intent
// detection, fast-path shortcutting, LLM-backed step decomposition with
// retries, risk-based checkpoint injection, parallel grouping, commit to
// the primary store, execution-tree creation, and schedule registration.
package planning

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"tentackl/internal/apperr"
	"tentackl/internal/domain"
	"tentackl/internal/model"
	"tentackl/internal/ports"
	"tentackl/internal/schema"
	"tentackl/internal/telemetry"
)

const (
	maxRetries = 3
	retryDelay = 2 * time.Second

	stepListSchemaName = "step_list"
)

// Options wires an Engine's dependencies.
type Options struct {
	Intent          IntentPort
	FastPath        FastPathPort
	Automation      AutomationSchedulerPort
	RiskDetector    RiskDetector
	Tasks           ports.TaskStore
	Tree            ports.TreePort
	EventBus        ports.EventBus
	Models          *model.Registry
	DecompositionProvider model.Provider
	Validator       *schema.Validator
	Logger          telemetry.Logger
}

// Engine runs the planning pipeline for one task at a time. It implements
// ports.PlannerPort so the checkpoint manager can drive a REPLAN without
// depending on the full Engine type.
type Engine struct {
	intent     IntentPort
	fastPath   FastPathPort
	automation AutomationSchedulerPort
	risk       RiskDetector
	tasks      ports.TaskStore
	tree       ports.TreePort
	bus        ports.EventBus
	models     *model.Registry
	provider   model.Provider
	validator  *schema.Validator
	logger     telemetry.Logger
}

// New constructs an Engine.
func New(opts Options) (*Engine, error) {
	if opts.Tasks == nil || opts.Tree == nil || opts.Models == nil {
		return nil, apperr.New(apperr.DependencyUnavailable, "planning: tasks, tree, and a model registry are required")
	}
	risk := opts.RiskDetector
	if risk == nil {
		risk = DefaultRiskDetector{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	provider := opts.DecompositionProvider
	if provider == "" {
		provider = model.ProviderAnthropic
	}
	if opts.Validator != nil {
		if err := opts.Validator.Register(stepListSchemaName, []byte(schema.StepListSchema)); err != nil {
			logger.Warn(context.Background(), "planning: step-list schema already registered or invalid, validation disabled", "error", err)
		}
	}
	return &Engine{
		intent: opts.Intent, fastPath: opts.FastPath, automation: opts.Automation,
		risk: risk, tasks: opts.Tasks, tree: opts.Tree, bus: opts.EventBus,
		models: opts.Models, provider: provider, validator: opts.Validator, logger: logger,
	}, nil
}

var _ ports.PlannerPort = (*Engine)(nil)

func (e *Engine) publish(ctx context.Context, eventType string, taskID domain.TaskID, payload map[string]any) {
	if e.bus == nil {
		return
	}
	_ = e.bus.Publish(ctx, ports.Event{Type: eventType, TaskID: taskID, Payload: payload, Timestamp: time.Now()})
}

func (e *Engine) cancelled(ctx context.Context, taskID domain.TaskID) bool {
	if ctx.Err() != nil {
		return true
	}
	task, err := e.tasks.GetTask(ctx, taskID)
	if err != nil {
		return false
	}
	return task.Status == domain.TaskCancelled
}

func (e *Engine) markCancelled(ctx context.Context, taskID domain.TaskID) {
	_ = e.tasks.UpdateTask(context.WithoutCancel(ctx), taskID, func(t *domain.Task) error {
		if t.Status.IsTerminal() {
			return nil
		}
		t.Status = domain.TaskCancelled
		return nil
	})
}

// Plan runs the full pipeline against an already-created, PLANNING-status
// task. It never returns a bare error for a planning failure: it persists
// FAILED status plus the error in task metadata and returns nil, so that
// callers treat pipeline failure as a recorded outcome, not a use-case
// error. It returns a non-nil error only for a hard dependency failure
// encountered after the task itself could no longer be reached.
func (e *Engine) Plan(ctx context.Context, taskID domain.TaskID) error {
	e.publish(ctx, "planning.started", taskID, nil)

	task, err := e.tasks.GetTask(ctx, taskID)
	if err != nil {
		return apperr.Wrap(apperr.DependencyUnavailable, err, "planning: load task")
	}
	goal := task.Goal

	if e.cancelled(ctx, taskID) {
		return nil
	}

	var intent Intent
	if e.intent != nil {
		intent, err = e.intent.ExtractIntent(ctx, goal)
		if err != nil {
			e.logger.Warn(ctx, "planning: intent extraction failed, continuing without it", "task_id", taskID, "error", err)
		}
	}
	schedule, err := normalizeSchedule(&intent)
	if err != nil {
		e.logger.Warn(ctx, "planning: invalid schedule, ignoring", "task_id", taskID, "error", err)
		schedule = nil
	}
	if schedule != nil {
		e.publish(ctx, "planning.intent_detected", taskID, map[string]any{"kind": "schedule", "label": schedule.Label()})
		if intent.OneShotGoal != "" && len(intent.OneShotGoal) >= 10 {
			goal = intent.OneShotGoal
		}
	}

	if e.cancelled(ctx, taskID) {
		e.markCancelled(ctx, taskID)
		return nil
	}

	if e.fastPath != nil {
		fp, err := e.fastPath.TryFastPath(ctx, task.UserID, task.OrgID, goal, intent, task.Metadata)
		if err != nil {
			e.logger.Warn(ctx, "planning: fast path check failed, falling through to LLM", "task_id", taskID, "error", err)
		}
		if fp != nil {
			e.publish(ctx, "planning.fast_path", taskID, map[string]any{"reason": "Direct data retrieval"})
			now := time.Now()
			if err := e.tasks.UpdateTask(ctx, taskID, func(t *domain.Task) error {
				t.Steps = fp.Steps
				if fp.Metadata != nil {
					t.Metadata = fp.Metadata
				}
				t.CompletedAt = &now
				t.Status = domain.TaskCompleted
				return nil
			}); err != nil {
				return apperr.Wrap(apperr.DependencyUnavailable, err, "planning: commit fast-path result")
			}
			e.publish(ctx, "planning.completed", taskID, map[string]any{"step_count": len(fp.Steps), "method": "fast_path"})
			return nil
		}
	}

	if e.cancelled(ctx, taskID) {
		e.markCancelled(ctx, taskID)
		return nil
	}

	e.publish(ctx, "planning.llm_started", taskID, nil)
	steps, genErr := e.decomposeWithRetries(ctx, taskID, goal, task.Constraints)
	if genErr != nil {
		if errors.Is(genErr, context.Canceled) || e.cancelled(ctx, taskID) {
			e.markCancelled(ctx, taskID)
			return nil
		}
		return e.fail(ctx, taskID, task.Metadata, genErr)
	}

	names := make([]string, len(steps))
	for i, s := range steps {
		names[i] = s.Name
	}
	e.publish(ctx, "planning.steps_generated", taskID, map[string]any{"count": len(steps), "names": names})

	if e.cancelled(ctx, taskID) {
		e.markCancelled(ctx, taskID)
		return nil
	}

	checkpointsAdded := 0
	if len(steps) > 0 {
		assessments := e.risk.AssessPlan(steps)
		for i := range steps {
			if steps[i].CheckpointRequired {
				continue
			}
			if a, ok := assessments[steps[i].ID]; ok && a.RequiresCheckpoint {
				steps[i].CheckpointRequired = true
				steps[i].CheckpointConfig = a.CheckpointConfig
				checkpointsAdded++
			}
		}
		assignParallelGroups(steps)
	}
	e.publish(ctx, "planning.risk_detection", taskID, map[string]any{"checkpoints_added": checkpointsAdded})

	if err := e.tasks.UpdateTask(ctx, taskID, func(t *domain.Task) error {
		t.Steps = steps
		return nil
	}); err != nil {
		return apperr.Wrap(apperr.DependencyUnavailable, err, "planning: commit steps")
	}

	plan, err := e.tasks.GetTask(ctx, taskID)
	if err != nil {
		return apperr.Wrap(apperr.DependencyUnavailable, err, "planning: reload task before tree creation")
	}
	treeID, err := e.tree.CreateTree(ctx, taskID, plan.Steps)
	if err != nil {
		return apperr.Wrap(apperr.DependencyUnavailable, err, "planning: create execution tree")
	}
	if err := e.tasks.UpdateTask(ctx, taskID, func(t *domain.Task) error {
		t.TreeID = &treeID
		t.Status = domain.TaskReady
		return nil
	}); err != nil {
		return apperr.Wrap(apperr.DependencyUnavailable, err, "planning: commit tree id")
	}
	e.logger.Info(ctx, "planning: created execution tree", "task_id", taskID, "tree_id", treeID)
	e.publish(ctx, "planning.completed", taskID, map[string]any{"step_count": len(steps), "method": "llm"})
	e.logger.Info(ctx, "planning: plan created", "task_id", taskID, "step_count", len(steps))

	if schedule != nil && e.automation != nil {
		if err := e.automation.CreateAutomationForTask(ctx, taskID, task.UserID, task.OrgID, goal, *schedule); err != nil {
			e.logger.Error(ctx, "planning: failed to create automation from scheduling intent", "task_id", taskID, "error", err)
		}
	}
	return nil
}

func (e *Engine) fail(ctx context.Context, taskID domain.TaskID, metadata map[string]any, cause error) error {
	e.logger.Error(ctx, "planning: failed", "task_id", taskID, "error", cause)
	merged := make(map[string]any, len(metadata)+1)
	for k, v := range metadata {
		merged[k] = v
	}
	merged["planning_error"] = cause.Error()
	if err := e.tasks.UpdateTask(ctx, taskID, func(t *domain.Task) error {
		t.Metadata = merged
		t.Status = domain.TaskFailed
		return nil
	}); err != nil {
		e.logger.Error(ctx, "planning: failed to update task after planning error", "task_id", taskID, "error", err)
	}
	e.publish(ctx, "planning.failed", taskID, map[string]any{"error": cause.Error()})
	return nil
}

// decomposeWithRetries calls GenerateDelegationSteps up to maxRetries
// times, treating an empty step slice the same as a returned error, with
// linear backoff (retryDelay * attempt) between attempts.
func (e *Engine) decomposeWithRetries(ctx context.Context, taskID domain.TaskID, goal string, constraints map[string]any) ([]domain.Step, error) {
	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if e.cancelled(ctx, taskID) {
			return nil, context.Canceled
		}
		steps, err := e.GenerateDelegationSteps(ctx, goal, constraints, false)
		if err == nil && len(steps) > 0 {
			return steps, nil
		}
		if err != nil {
			lastErr = err
		} else {
			lastErr = fmt.Errorf("planning: empty step list returned")
		}
		e.logger.Warn(ctx, "planning: step generation attempt failed", "task_id", taskID, "attempt", attempt+1, "max_retries", maxRetries, "error", lastErr)
		if attempt < maxRetries-1 {
			e.publish(ctx, "planning.llm_retry", taskID, map[string]any{"attempt": attempt + 1, "max_retries": maxRetries, "reason": lastErr.Error()})
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(retryDelay * time.Duration(attempt+1)):
			}
		}
	}
	return nil, fmt.Errorf("planning: failed to generate plan steps after %d attempts: %w", maxRetries, lastErr)
}

// GenerateDelegationSteps asks the configured model to decompose a goal
// into a step list, validates the raw response against schema.StepListSchema
// when a validator is configured, and decodes it into domain.Step values.
// It implements the narrow half of ports.PlannerPort.
func (e *Engine) GenerateDelegationSteps(ctx context.Context, goal string, constraints map[string]any, skipValidation bool) ([]domain.Step, error) {
	client, ok := e.models.Client(e.provider)
	if !ok {
		return nil, apperr.Newf(apperr.DependencyUnavailable, "planning: no model client configured for provider %q", e.provider)
	}
	constraintsJSON, _ := json.Marshal(constraints)
	req := model.Request{
		System: "Decompose the user's goal into an ordered list of delegation steps. Respond with only a JSON array of objects, each with name, description, agent_type, depends_on (array of prior step names), inputs (object), and critical (bool).",
		Messages: []model.Message{
			{Role: "user", Content: fmt.Sprintf("goal: %s\nconstraints: %s", goal, string(constraintsJSON))},
		},
		MaxTokens: 4096,
	}
	resp, err := client.Complete(ctx, req)
	if err != nil {
		return nil, err
	}
	raw := strings.TrimSpace(resp.Content)

	if !skipValidation && e.validator != nil {
		if err := e.validator.ValidateJSON(stepListSchemaName, []byte(raw)); err != nil {
			return nil, apperr.Wrap(apperr.ValidationError, err, "planning: step-list response failed schema validation")
		}
	}

	var rawSteps []rawStep
	if err := json.Unmarshal([]byte(raw), &rawSteps); err != nil {
		return nil, apperr.Wrap(apperr.ValidationError, err, "planning: step-list response is not valid JSON")
	}

	nameToID := make(map[string]domain.StepID, len(rawSteps))
	steps := make([]domain.Step, 0, len(rawSteps))
	for i, rs := range rawSteps {
		id := domain.StepID(fmt.Sprintf("step_%d", i+1))
		nameToID[rs.Name] = id
		inputs, err := domain.FromAny(rs.Inputs)
		if err != nil {
			inputs = domain.Object(map[string]domain.Value{})
		}
		steps = append(steps, domain.Step{
			ID:          id,
			Name:        rs.Name,
			Description: rs.Description,
			AgentType:   rs.AgentType,
			Inputs:      inputs,
			Status:      domain.StepPending,
			Critical:    rs.Critical,
			MaxRetries:  3,
		})
	}
	for i, rs := range rawSteps {
		for _, dep := range rs.DependsOn {
			if depID, ok := nameToID[dep]; ok {
				steps[i].DependsOn = append(steps[i].DependsOn, depID)
			}
		}
	}
	return steps, nil
}

type rawStep struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	AgentType   string         `json:"agent_type"`
	DependsOn   []string       `json:"depends_on"`
	Inputs      map[string]any `json:"inputs"`
	Critical    bool           `json:"critical"`
}

// Replan produces a new task version carrying forward the prior task's
// completed outputs and the Observer's diagnosis as decomposition
// context, used by internal/checkpoint's ExecuteReplan once a REPLAN
// checkpoint is approved. It implements the other half of ports.PlannerPort.
func (e *Engine) Replan(ctx context.Context, original *domain.Task, failedStep *domain.Step, rc domain.ReplanContext) (*domain.Task, error) {
	completedJSON, _ := json.Marshal(outputsByName(original, rc.CompletedOutputs))
	constraints := original.Constraints
	if rc.Constraints != nil {
		constraints = rc.Constraints
	}
	goal := fmt.Sprintf(
		"%s\n\nA prior attempt at this goal failed at step %q: %s. Completed outputs so far: %s. Produce a revised step list that carries the completed work forward and avoids the prior failure.",
		original.Goal, failedStep.ID, rc.Diagnosis, string(completedJSON),
	)
	steps, err := e.decomposeWithRetries(ctx, original.ID, goal, constraints)
	if err != nil {
		return nil, err
	}
	if rc.SuggestedAgentType != "" {
		for i := range steps {
			if steps[i].AgentType == failedStep.AgentType {
				steps[i].AgentType = rc.SuggestedAgentType
			}
		}
	}
	assessments := e.risk.AssessPlan(steps)
	for i := range steps {
		if a, ok := assessments[steps[i].ID]; ok && a.RequiresCheckpoint {
			steps[i].CheckpointRequired = true
			steps[i].CheckpointConfig = a.CheckpointConfig
		}
	}
	assignParallelGroups(steps)

	next := &domain.Task{
		ID:               domain.TaskID(uuid.NewString()),
		Goal:             original.Goal,
		UserID:           original.UserID,
		OrgID:            original.OrgID,
		Steps:            steps,
		Status:           domain.TaskPlanning,
		Constraints:      constraints,
		SuccessCriteria:  original.SuccessCriteria,
		MaxParallelSteps: original.MaxParallelSteps,
		Metadata:         original.Metadata,
		ParentTaskID:     &original.ID,
		Version:          original.Version + 1,
		CreatedAt:        time.Now(),
	}
	return next, nil
}

// ExecuteReplan runs Replan and then carries the resulting task through
// the same commit-and-tree-creation steps Plan applies to a freshly
// decomposed task, so the returned task is immediately executable. It is
// invoked by internal/checkpoint when a REPLAN checkpoint is approved.
func (e *Engine) ExecuteReplan(ctx context.Context, original *domain.Task, failedStep *domain.Step, rc domain.ReplanContext) (*domain.Task, error) {
	next, err := e.Replan(ctx, original, failedStep, rc)
	if err != nil {
		return nil, err
	}
	if err := e.tasks.CreateTask(ctx, next); err != nil {
		return nil, apperr.Wrap(apperr.DependencyUnavailable, err, "planning: persist replanned task")
	}
	treeID, err := e.tree.CreateTree(ctx, next.ID, next.Steps)
	if err != nil {
		return nil, apperr.Wrap(apperr.DependencyUnavailable, err, "planning: create execution tree for replanned task")
	}
	if err := e.tasks.UpdateTask(ctx, next.ID, func(t *domain.Task) error {
		t.TreeID = &treeID
		t.Status = domain.TaskReady
		return nil
	}); err != nil {
		return nil, apperr.Wrap(apperr.DependencyUnavailable, err, "planning: commit replanned task tree id")
	}
	e.publish(ctx, "planning.completed", next.ID, map[string]any{"step_count": len(next.Steps), "method": "replan"})
	return e.tasks.GetTask(ctx, next.ID)
}

func outputsByName(t *domain.Task, outputs map[domain.StepID]domain.Value) map[string]domain.Value {
	out := make(map[string]domain.Value, len(outputs))
	for id, v := range outputs {
		if s, ok := t.StepByRef(string(id)); ok && s.Name != "" {
			out[s.Name] = v
			continue
		}
		out[string(id)] = v
	}
	return out
}
