package taskruntime

import (
	"context"

	"tentackl/internal/apperr"
	"tentackl/internal/domain"
	"tentackl/internal/orchestrator"
)

// ExecutionResult summarizes one ExecuteTask run, whether it ran to
// completion, paused at a checkpoint, or was interrupted.
type ExecutionResult struct {
	TaskID         domain.TaskID
	Status         domain.TaskStatus
	StepsCompleted int
	StepsTotal     int
	Checkpoint     *domain.CheckpointState
	Err            string
}

// shouldContinue decides whether ExecuteTask's driving loop should call
// Cycle again. A non-terminal status with nothing blocking it (no
// checkpoint, no abort, no idle cycle) always continues; runToCompletion
// additionally allows continuing across the single-cycle-per-call tags
// the caller would otherwise stop on (TagIdle with readiness still
// pending elsewhere is not expected here since Cycle itself loops
// internally over one ready group per call — idle means nothing is
// dispatchable right now).
func shouldContinue(res orchestrator.Result) bool {
	if res.Status.IsTerminal() {
		return false
	}
	switch res.Tag {
	case orchestrator.TagCheckpoint, orchestrator.TagReplanCheckpoint, orchestrator.TagBlocked,
		orchestrator.TagPlanAborted, orchestrator.TagIdle, orchestrator.TagTerminal:
		return false
	default:
		return true
	}
}

// ExecuteTask drives taskID's orchestrator.Cycle loop to either
// completion or the next point requiring outside input (a checkpoint, a
// block, an abort, or an idle cycle with nothing ready). It is safe to
// call repeatedly on the same task; each call picks up wherever the task
// currently stands. In queue mode, pool workers consuming enqueued
// dispatches may advance steps between Cycle calls; Cycle tolerates this
// since it always reloads the task fresh.
func (r *Runtime) ExecuteTask(ctx context.Context, taskID domain.TaskID) (*ExecutionResult, error) {
	var last orchestrator.Result
	for {
		select {
		case <-ctx.Done():
			return r.buildExecutionResult(context.Background(), taskID, last, ctx.Err())
		default:
		}
		res, err := r.orchestrator.Cycle(ctx, taskID)
		if err != nil {
			return r.buildExecutionResult(ctx, taskID, res, err)
		}
		last = res
		if !shouldContinue(res) {
			break
		}
	}
	return r.buildExecutionResult(ctx, taskID, last, nil)
}

func (r *Runtime) buildExecutionResult(ctx context.Context, taskID domain.TaskID, last orchestrator.Result, runErr error) (*ExecutionResult, error) {
	task, err := r.tasks.GetTask(ctx, taskID)
	if err != nil {
		return nil, apperr.Wrap(apperr.DependencyUnavailable, err, "taskruntime: reload task after execution")
	}
	result := &ExecutionResult{TaskID: taskID, Status: task.Status, StepsTotal: len(task.Steps)}
	for _, s := range task.Steps {
		if s.Status.IsTerminalSuccess() {
			result.StepsCompleted++
		}
	}
	if runErr != nil {
		result.Err = runErr.Error()
	} else if last.Err != "" {
		result.Err = last.Err
	}
	if task.Status == domain.TaskCheckpoint && r.checkpoints != nil {
		pending, err := r.checkpoints.ListPendingForTask(ctx, taskID)
		if err == nil && len(pending) > 0 {
			result.Checkpoint = pending[0]
		}
	}
	return result, nil
}

// StartTask transitions a READY task to EXECUTING and drives it on a
// background goroutine registered in r.executing, returning immediately.
func (r *Runtime) StartTask(ctx context.Context, taskID domain.TaskID, userID string) error {
	task, err := r.authorize(ctx, taskID, userID)
	if err != nil {
		return err
	}
	if task.Status != domain.TaskReady {
		return apperr.Newf(apperr.InvalidTransition, "taskruntime: task %q is not ready (status=%s)", taskID, task.Status)
	}
	if !domain.CanTransition(task.Status, domain.TaskExecuting) {
		return apperr.InvalidTransitionErr(string(task.Status), string(domain.TaskExecuting))
	}
	err = r.tasks.UpdateTask(ctx, taskID, func(t *domain.Task) error {
		t.Status = domain.TaskExecuting
		return nil
	})
	if err != nil {
		return apperr.Wrap(apperr.DependencyUnavailable, err, "taskruntime: mark executing")
	}
	r.syncCache(ctx, taskID)
	r.publish(ctx, "task.task_started", taskID, nil)
	r.spawnExecution(taskID, userID)
	return nil
}

// spawnExecution runs ExecuteTask for taskID on a background goroutine
// registered in r.executing, unregistering itself and publishing a
// terminal event on completion.
func (r *Runtime) spawnExecution(taskID domain.TaskID, userID string) {
	execCtx, cancel := context.WithCancel(context.Background())
	r.registerExecution(taskID, cancel)
	go func() {
		defer cancel()
		defer r.unregisterExecution(taskID)
		result, err := r.ExecuteTask(execCtx, taskID)
		if err != nil {
			r.logger.Error(execCtx, "taskruntime: execution failed", "task_id", taskID, "error", err)
			return
		}
		switch result.Status {
		case domain.TaskCompleted:
			r.publish(execCtx, "task.task_completed", taskID, map[string]any{"steps_completed": result.StepsCompleted, "steps_total": result.StepsTotal})
		case domain.TaskFailed:
			r.publish(execCtx, "task.task_failed", taskID, map[string]any{"error": result.Err})
		case domain.TaskCancelled:
			r.publish(execCtx, "task.task_cancelled", taskID, nil)
		}
	}()
}

// PauseTask cancels taskID's in-flight execution goroutine and moves an
// EXECUTING task to PAUSED (any other non-terminal status is left as it
// is), letting a caller later resume by
// calling StartTask again (after moving the task back to READY) or by
// resolving whatever checkpoint it is sitting at.
func (r *Runtime) PauseTask(ctx context.Context, taskID domain.TaskID, userID string) error {
	task, err := r.authorize(ctx, taskID, userID)
	if err != nil {
		return err
	}
	if task.Status.IsTerminal() {
		return apperr.Newf(apperr.InvalidTransition, "taskruntime: task %q is already terminal (status=%s)", taskID, task.Status)
	}
	r.cancelExecution(taskID)
	err = r.tasks.UpdateTask(ctx, taskID, func(t *domain.Task) error {
		if t.Status == domain.TaskExecuting {
			t.Status = domain.TaskPaused
		}
		return nil
	})
	if err != nil {
		return apperr.Wrap(apperr.DependencyUnavailable, err, "taskruntime: mark paused")
	}
	r.syncCache(ctx, taskID)
	return nil
}

// CancelTask cancels any in-flight planning or execution goroutine for
// taskID, unregisters any trigger bound to it, and marks it CANCELLED.
func (r *Runtime) CancelTask(ctx context.Context, taskID domain.TaskID, userID string) error {
	task, err := r.authorize(ctx, taskID, userID)
	if err != nil {
		return err
	}
	if task.Status.IsTerminal() {
		return apperr.Newf(apperr.InvalidTransition, "taskruntime: task %q is already terminal (status=%s)", taskID, task.Status)
	}
	r.cancelPlanning(taskID)
	r.cancelExecution(taskID)
	err = r.tasks.UpdateTask(ctx, taskID, func(t *domain.Task) error {
		t.Status = domain.TaskCancelled
		return nil
	})
	if err != nil {
		return apperr.Wrap(apperr.DependencyUnavailable, err, "taskruntime: mark cancelled")
	}
	r.syncCache(ctx, taskID)
	if r.triggers != nil {
		if err := r.triggers.Unregister(ctx, taskID); err != nil && !apperr.Is(err, apperr.NotFound) {
			r.logger.Warn(ctx, "taskruntime: unregister trigger failed", "task_id", taskID, "error", err)
		}
	}
	r.publish(ctx, "task.task_cancelled", taskID, nil)
	return nil
}
