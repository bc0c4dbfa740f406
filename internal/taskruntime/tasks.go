package taskruntime

import (
	"context"
	"time"

	"tentackl/internal/apperr"
	"tentackl/internal/domain"
)

// CreateTask persists a bare PLANNING task and hands it to the planner on
// a background goroutine, returning as soon as the row exists rather than
// awaiting the plan.
func (r *Runtime) CreateTask(ctx context.Context, goal, userID, orgID string, constraints, successCriteria map[string]any, maxParallelSteps int) (*domain.Task, error) {
	if goal == "" {
		return nil, apperr.New(apperr.ValidationError, "taskruntime: goal is required")
	}
	now := time.Now().UTC()
	task := &domain.Task{
		ID: newTaskID(), Goal: goal, UserID: userID, OrgID: orgID,
		Status: domain.TaskPlanning, Constraints: constraints, SuccessCriteria: successCriteria,
		MaxParallelSteps: maxParallelSteps, Metadata: map[string]any{}, Version: 1,
		CreatedAt: now, UpdatedAt: now,
	}
	if task.MaxParallelSteps <= 0 {
		task.MaxParallelSteps = 1
	}
	if err := r.tasks.CreateTask(ctx, task); err != nil {
		return nil, apperr.Wrap(apperr.DependencyUnavailable, err, "taskruntime: create task")
	}
	if r.cache != nil {
		if err := r.cache.PutTask(ctx, task); err != nil {
			r.logger.Warn(ctx, "taskruntime: cache warm failed", "task_id", task.ID, "error", err)
		}
	}
	if r.inbox != nil {
		if _, err := r.inbox.EnsureConversation(ctx, task.ID); err != nil {
			r.logger.Warn(ctx, "taskruntime: ensure conversation failed", "task_id", task.ID, "error", err)
		}
	}
	r.spawnPlanning(task.ID)
	return task, nil
}

// CreateTaskWithSteps builds a task with a caller-supplied step list
// directly, skipping the planning pipeline entirely: used for
// trigger-cloned tasks (the template's steps are already concrete) and
// for tests that want a deterministic tree without a model in the loop.
func (r *Runtime) CreateTaskWithSteps(ctx context.Context, goal, userID, orgID string, steps []domain.Step, metadata map[string]any) (*domain.Task, error) {
	if len(steps) == 0 {
		return nil, apperr.New(apperr.ValidationError, "taskruntime: at least one step is required")
	}
	now := time.Now().UTC()
	if metadata == nil {
		metadata = map[string]any{}
	}
	task := &domain.Task{
		ID: newTaskID(), Goal: goal, UserID: userID, OrgID: orgID,
		Steps: steps, Status: domain.TaskPlanning, Metadata: metadata,
		MaxParallelSteps: 1, Version: 1, CreatedAt: now, UpdatedAt: now,
	}
	if err := r.tasks.CreateTask(ctx, task); err != nil {
		return nil, apperr.Wrap(apperr.DependencyUnavailable, err, "taskruntime: create task")
	}
	treeID, err := r.tree.CreateTree(ctx, task.ID, steps)
	if err != nil {
		_ = r.tasks.UpdateTask(ctx, task.ID, func(t *domain.Task) error {
			t.Status = domain.TaskFailed
			return nil
		})
		return nil, apperr.Wrap(apperr.DependencyUnavailable, err, "taskruntime: create tree")
	}
	var readyErr error
	err = r.tasks.UpdateTask(ctx, task.ID, func(t *domain.Task) error {
		t.TreeID = &treeID
		t.Status = domain.TaskReady
		return nil
	})
	if err != nil {
		readyErr = err
	}
	task, err = r.tasks.GetTask(ctx, task.ID)
	if err != nil {
		return nil, apperr.Wrap(apperr.DependencyUnavailable, err, "taskruntime: reload task")
	}
	if r.cache != nil {
		if err := r.cache.PutTask(ctx, task); err != nil {
			r.logger.Warn(ctx, "taskruntime: cache warm failed", "task_id", task.ID, "error", err)
		}
	}
	if readyErr != nil {
		return task, apperr.Wrap(apperr.DependencyUnavailable, readyErr, "taskruntime: mark ready")
	}
	r.registerTriggerFromMetadata(ctx, task)
	return task, nil
}

// GetTask loads a task by id, authorizing userID against it if non-empty.
func (r *Runtime) GetTask(ctx context.Context, taskID domain.TaskID, userID string) (*domain.Task, error) {
	return r.authorize(ctx, taskID, userID)
}

// ListTasks returns userID's tasks, newest window first per TaskStore's
// contract.
func (r *Runtime) ListTasks(ctx context.Context, userID string, limit, offset int) ([]*domain.Task, error) {
	tasks, err := r.tasks.ListTasks(ctx, userID, limit, offset)
	if err != nil {
		return nil, apperr.Wrap(apperr.DependencyUnavailable, err, "taskruntime: list tasks")
	}
	return tasks, nil
}

// UpdateTaskMetadata merges kvs into taskID's metadata map. Setting a
// "trigger" block (re-)registers the task with the trigger registry.
func (r *Runtime) UpdateTaskMetadata(ctx context.Context, taskID domain.TaskID, kvs map[string]any) error {
	err := r.tasks.UpdateTask(ctx, taskID, func(t *domain.Task) error {
		if t.Metadata == nil {
			t.Metadata = map[string]any{}
		}
		for k, v := range kvs {
			t.Metadata[k] = v
		}
		return nil
	})
	if err != nil {
		return apperr.Wrap(apperr.DependencyUnavailable, err, "taskruntime: update metadata")
	}
	if _, ok := kvs["trigger"]; ok {
		if task, err := r.tasks.GetTask(ctx, taskID); err == nil {
			r.registerTriggerFromMetadata(ctx, task)
		}
	}
	return nil
}

// SetParentTask records parentID as taskID's parent, used when a
// checkpoint-driven replan or trigger clone derives one task from
// another.
func (r *Runtime) SetParentTask(ctx context.Context, taskID, parentID domain.TaskID) error {
	if err := r.tasks.SetParentTask(ctx, taskID, parentID); err != nil {
		return apperr.Wrap(apperr.DependencyUnavailable, err, "taskruntime: set parent task")
	}
	return nil
}

// spawnPlanning runs the planner for taskID on a background goroutine
// registered in r.planning, unregistering itself on completion.
func (r *Runtime) spawnPlanning(taskID domain.TaskID) {
	planCtx, cancel := context.WithCancel(context.Background())
	r.registerPlanning(taskID, cancel)
	go func() {
		defer cancel()
		defer r.unregisterPlanning(taskID)
		if err := r.planner.Plan(planCtx, taskID); err != nil {
			r.logger.Error(planCtx, "taskruntime: planning failed", "task_id", taskID, "error", err)
			return
		}
		task, err := r.tasks.GetTask(planCtx, taskID)
		if err != nil {
			r.logger.Error(planCtx, "taskruntime: reload after planning failed", "task_id", taskID, "error", err)
			return
		}
		r.syncCache(planCtx, taskID)
		if task.Status == domain.TaskReady {
			r.spawnExecution(taskID, task.UserID)
		}
	}()
}
