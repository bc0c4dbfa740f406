// Package checkpoint implements the approval state machine gating a step
// until a human (or a confident learned preference) resolves it:
// pending -> approved | rejected | auto_approved, with preference
// learning on resolutions that ask for it and REPLAN execution on approval
// of a replan checkpoint.
package checkpoint

import (
	"context"
	"time"

	"tentackl/internal/apperr"
	"tentackl/internal/domain"
	"tentackl/internal/orchestrator"
	"tentackl/internal/ports"
	"tentackl/internal/telemetry"
)

// Store is the primary-store CRUD surface for checkpoint records, kept
// separate from ports.CacheStore's hot-read Put/Get pair since the
// primary store is the system of record for list/history queries.
type Store interface {
	Insert(ctx context.Context, cp *domain.CheckpointState) error
	Get(ctx context.Context, taskID domain.TaskID, stepID domain.StepID) (*domain.CheckpointState, error)
	Update(ctx context.Context, cp *domain.CheckpointState) error
	ListPending(ctx context.Context, userID string) ([]*domain.CheckpointState, error)
	ListPendingForTask(ctx context.Context, taskID domain.TaskID) ([]*domain.CheckpointState, error)
}

// ReplanExecutor runs a full replan: generate revised steps, persist the
// new task version, build its execution tree, and ready it for
// execution. Implemented by internal/planning.Engine.
type ReplanExecutor interface {
	ExecuteReplan(ctx context.Context, original *domain.Task, failedStep *domain.Step, rc domain.ReplanContext) (*domain.Task, error)
}

// CycleRunner lets Manager fall back to a single synchronous
// orchestration cycle when scheduling a post-approval resume fails to
// enqueue normally.
type CycleRunner interface {
	Cycle(ctx context.Context, taskID domain.TaskID) (orchestrator.Result, error)
}

// Options wires a Manager's dependencies.
type Options struct {
	Store       Store
	Cache       ports.CacheStore
	Tasks       ports.TaskStore
	Tree        ports.TreePort
	Preferences ports.PreferencePort
	Inbox       ports.InboxPort
	EventBus    ports.EventBus
	Scheduler   ports.SchedulerPort
	Replanner   ReplanExecutor
	Cycle       CycleRunner
	Logger      telemetry.Logger
}

// Manager implements ports.CheckpointPort.
type Manager struct {
	store       Store
	cache       ports.CacheStore
	tasks       ports.TaskStore
	tree        ports.TreePort
	preferences ports.PreferencePort
	inbox       ports.InboxPort
	bus         ports.EventBus
	scheduler   ports.SchedulerPort
	replanner   ReplanExecutor
	cycle       CycleRunner
	logger      telemetry.Logger
}

// New constructs a Manager.
func New(opts Options) (*Manager, error) {
	if opts.Store == nil || opts.Tasks == nil || opts.Tree == nil {
		return nil, apperr.New(apperr.DependencyUnavailable, "checkpoint: store, tasks, and tree are required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Manager{
		store: opts.Store, cache: opts.Cache, tasks: opts.Tasks, tree: opts.Tree,
		preferences: opts.Preferences, inbox: opts.Inbox, bus: opts.EventBus,
		scheduler: opts.Scheduler, replanner: opts.Replanner, cycle: opts.Cycle, logger: logger,
	}, nil
}

var _ ports.CheckpointPort = (*Manager)(nil)

func (m *Manager) publish(ctx context.Context, eventType string, taskID domain.TaskID, stepID domain.StepID, payload map[string]any) {
	if m.bus == nil {
		return
	}
	_ = m.bus.Publish(ctx, ports.Event{Type: eventType, TaskID: taskID, StepID: &stepID, Payload: payload, Timestamp: time.Now()})
}

// Create persists a new pending checkpoint, consulting any learned
// preference first: a confident history of approvals auto-resolves the
// checkpoint immediately instead of surfacing it to a human.
func (m *Manager) Create(ctx context.Context, cp *domain.CheckpointState) error {
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	if cp.Decision == "" {
		cp.Decision = domain.DecisionPending
	}

	if cp.PreferenceKey != "" && m.preferences != nil {
		task, err := m.tasks.GetTask(ctx, cp.TaskID)
		if err == nil {
			auto, err := m.preferences.AutoApproveDecision(ctx, task.UserID, cp.PreferenceKey)
			if err == nil && auto {
				cp.Decision = domain.DecisionAutoApproved
				cp.ResolverID = "system"
				if err := m.store.Insert(ctx, cp); err != nil {
					return apperr.Wrap(apperr.DependencyUnavailable, err, "checkpoint: insert auto-approved checkpoint")
				}
				if m.cache != nil {
					_ = m.cache.PutCheckpoint(ctx, cp)
				}
				return m.applyResolution(ctx, cp, false)
			}
		}
	}

	if err := m.store.Insert(ctx, cp); err != nil {
		return apperr.Wrap(apperr.DependencyUnavailable, err, "checkpoint: insert checkpoint")
	}
	if m.cache != nil {
		_ = m.cache.PutCheckpoint(ctx, cp)
	}
	m.publish(ctx, "task.checkpoint_created", cp.TaskID, cp.StepID, map[string]any{"name": cp.Name})
	if m.inbox != nil {
		_ = m.inbox.AddCheckpointMessage(ctx, cp.TaskID, cp.StepID, cp)
	}
	return nil
}

// Approve resolves cp as approved, optionally recording the outcome as a
// learned preference, then resumes execution: a normal step resumes the
// paused tree node and re-schedules; a replan-context step executes the
// replan instead.
func (m *Manager) Approve(ctx context.Context, taskID domain.TaskID, stepID domain.StepID, resolverID, feedback string, learnPreference bool) error {
	return m.resolve(ctx, taskID, stepID, domain.DecisionApproved, resolverID, feedback, learnPreference)
}

// Reject resolves cp as rejected. Execution does not resume: the task
// fails and only an inbox message notifies the user.
func (m *Manager) Reject(ctx context.Context, taskID domain.TaskID, stepID domain.StepID, resolverID, feedback string, learnPreference bool) error {
	return m.resolve(ctx, taskID, stepID, domain.DecisionRejected, resolverID, feedback, learnPreference)
}

// Resolve dispatches to Approve or Reject by decision, for callers that
// already have a single decision value (e.g. a REST handler).
func (m *Manager) Resolve(ctx context.Context, taskID domain.TaskID, stepID domain.StepID, decision domain.CheckpointDecision, resolverID, feedback string) error {
	switch decision {
	case domain.DecisionApproved, domain.DecisionAutoApproved:
		return m.Approve(ctx, taskID, stepID, resolverID, feedback, false)
	case domain.DecisionRejected:
		return m.Reject(ctx, taskID, stepID, resolverID, feedback, false)
	default:
		return apperr.Newf(apperr.ValidationError, "checkpoint: unknown decision %q", decision)
	}
}

func (m *Manager) resolve(ctx context.Context, taskID domain.TaskID, stepID domain.StepID, decision domain.CheckpointDecision, resolverID, feedback string, learnPreference bool) error {
	if resolverID == "" {
		return apperr.New(apperr.Forbidden, "checkpoint: resolver id is required")
	}
	cp, err := m.store.Get(ctx, taskID, stepID)
	if err != nil {
		return apperr.Wrap(apperr.NotFound, err, "checkpoint: load checkpoint")
	}
	if cp.IsResolved() {
		return apperr.New(apperr.InvalidTransition, "checkpoint: already resolved")
	}

	task, err := m.tasks.GetTask(ctx, taskID)
	if err != nil {
		return apperr.Wrap(apperr.DependencyUnavailable, err, "checkpoint: load task")
	}
	if task.UserID != "" && resolverID != task.UserID && resolverID != task.OrgID && resolverID != "system" {
		return apperr.New(apperr.Forbidden, "checkpoint: resolver does not own this task")
	}

	cp.Decision = decision
	cp.ResolverID = resolverID
	cp.Feedback = feedback
	if err := m.store.Update(ctx, cp); err != nil {
		return apperr.Wrap(apperr.DependencyUnavailable, err, "checkpoint: update checkpoint")
	}
	if m.cache != nil {
		_ = m.cache.PutCheckpoint(ctx, cp)
	}

	if learnPreference && cp.PreferenceKey != "" && m.preferences != nil {
		_ = m.preferences.RecordOutcome(ctx, task.UserID, cp.PreferenceKey, decision == domain.DecisionApproved)
	}

	if m.inbox != nil {
		_ = m.inbox.AddCheckpointResolutionMessage(ctx, taskID, stepID, cp)
	}

	return m.applyResolution(ctx, cp, decision == domain.DecisionRejected)
}

// applyResolution carries out the execution-side effect of a resolved
// checkpoint: on rejection, fail the task; on approval, either execute a
// replan or resume the paused step and re-trigger scheduling.
func (m *Manager) applyResolution(ctx context.Context, cp *domain.CheckpointState, rejected bool) error {
	if rejected {
		if err := m.tasks.UpdateTask(ctx, cp.TaskID, func(t *domain.Task) error {
			t.Status = domain.TaskFailed
			for i := range t.Steps {
				if t.Steps[i].ID == cp.StepID {
					t.Steps[i].Status = domain.StepFailed
				}
			}
			return nil
		}); err != nil {
			return err
		}
		m.refreshCache(ctx, cp.TaskID)
		return nil
	}

	task, err := m.tasks.GetTask(ctx, cp.TaskID)
	if err != nil {
		return apperr.Wrap(apperr.DependencyUnavailable, err, "checkpoint: reload task for resolution")
	}
	step, ok := task.StepByRef(string(cp.StepID))
	if ok && step.ReplanContext != nil {
		return m.executeReplan(ctx, task, step)
	}

	// Other steps still parked at their own checkpoints keep the task in
	// CHECKPOINT; only the last resolution pushes it back to execution.
	stillPending, err := m.store.ListPendingForTask(ctx, cp.TaskID)
	if err != nil {
		stillPending = nil
	}
	if err := m.tasks.UpdateTask(ctx, cp.TaskID, func(t *domain.Task) error {
		if len(stillPending) == 0 {
			t.Status = domain.TaskExecuting
		}
		for i := range t.Steps {
			if t.Steps[i].ID == cp.StepID {
				t.Steps[i].CheckpointRequired = false
				if t.Steps[i].Status == domain.StepPaused {
					t.Steps[i].Status = domain.StepPending
				}
			}
		}
		return nil
	}); err != nil {
		return apperr.Wrap(apperr.DependencyUnavailable, err, "checkpoint: clear checkpoint_required")
	}

	if task.TreeID != nil {
		_ = m.tree.ResumeStep(ctx, *task.TreeID, cp.StepID)
	}
	m.refreshCache(ctx, cp.TaskID)

	if m.scheduler != nil {
		if _, err := m.scheduler.ScheduleReadyNodes(ctx, cp.TaskID); err != nil {
			m.logger.Warn(ctx, "checkpoint: scheduling failed after approval, falling back to one orchestrator cycle", "task_id", cp.TaskID, "error", err)
			if m.cycle != nil {
				if _, cerr := m.cycle.Cycle(ctx, cp.TaskID); cerr != nil {
					return apperr.Wrap(apperr.DependencyUnavailable, cerr, "checkpoint: fallback cycle failed")
				}
			}
		}
	}
	return nil
}

// refreshCache re-reads taskID from the primary store into the cache so the
// orchestrator's next cycle sees the resolution rather than the stale
// CHECKPOINT row.
func (m *Manager) refreshCache(ctx context.Context, taskID domain.TaskID) {
	if m.cache == nil {
		return
	}
	task, err := m.tasks.GetTask(ctx, taskID)
	if err != nil {
		m.logger.Warn(ctx, "checkpoint: reload task for cache refresh failed", "task_id", taskID, "error", err)
		return
	}
	_ = m.cache.PutTask(ctx, task)
}

func (m *Manager) executeReplan(ctx context.Context, original *domain.Task, failedStep *domain.Step) error {
	if m.replanner == nil {
		return apperr.New(apperr.DependencyUnavailable, "checkpoint: no replan executor configured")
	}
	next, err := m.replanner.ExecuteReplan(ctx, original, failedStep, *failedStep.ReplanContext)
	if err != nil {
		return apperr.Wrap(apperr.PlanningFailed, err, "checkpoint: replan failed")
	}

	if err := m.tasks.UpdateTask(ctx, original.ID, func(t *domain.Task) error {
		t.Status = domain.TaskSuperseded
		t.SupersededBy = &next.ID
		return nil
	}); err != nil {
		return apperr.Wrap(apperr.DependencyUnavailable, err, "checkpoint: mark original superseded")
	}
	if err := m.tasks.SetSupersededBy(ctx, original.ID, next.ID); err != nil {
		m.logger.Warn(ctx, "checkpoint: SetSupersededBy failed, primary update already recorded it", "task_id", original.ID, "error", err)
	}
	m.refreshCache(ctx, original.ID)
	m.refreshCache(ctx, next.ID)

	m.publish(ctx, "task.replan_complete", next.ID, failedStep.ID, map[string]any{"original_task_id": string(original.ID)})

	if m.scheduler != nil {
		if _, err := m.scheduler.ScheduleReadyNodes(ctx, next.ID); err != nil {
			m.logger.Warn(ctx, "checkpoint: scheduling the replanned task failed, falling back to one orchestrator cycle", "task_id", next.ID, "error", err)
			if m.cycle != nil {
				_, _ = m.cycle.Cycle(ctx, next.ID)
			}
		}
	}
	return nil
}

// IsAlreadyApproved reports whether a checkpoint for (taskID, stepID)
// exists and is already resolved favorably.
func (m *Manager) IsAlreadyApproved(ctx context.Context, taskID domain.TaskID, stepID domain.StepID) (bool, error) {
	if m.cache != nil {
		if cp, err := m.cache.GetCheckpoint(ctx, taskID, stepID); err == nil && cp != nil {
			return cp.IsResolved(), nil
		}
	}
	cp, err := m.store.Get(ctx, taskID, stepID)
	if err != nil {
		return false, nil
	}
	return cp.IsResolved(), nil
}

// ListPending lists every unresolved checkpoint visible to userID.
func (m *Manager) ListPending(ctx context.Context, userID string) ([]*domain.CheckpointState, error) {
	return m.store.ListPending(ctx, userID)
}

// ListPendingForTask lists every unresolved checkpoint for one task.
func (m *Manager) ListPendingForTask(ctx context.Context, taskID domain.TaskID) ([]*domain.CheckpointState, error) {
	return m.store.ListPendingForTask(ctx, taskID)
}
