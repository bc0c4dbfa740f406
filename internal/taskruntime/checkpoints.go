package taskruntime

import (
	"context"

	"tentackl/internal/apperr"
	"tentackl/internal/domain"
)

// ApproveCheckpoint resolves the checkpoint at (taskID, stepID) as
// approved, optionally recording the resolution as a learned preference.
// Ownership is verified before delegating to the checkpoint manager, which
// performs its own authoritative check against the task's owning user.
func (r *Runtime) ApproveCheckpoint(ctx context.Context, taskID domain.TaskID, stepID domain.StepID, resolverID, feedback string, learnPreference bool) error {
	if r.checkpoints == nil {
		return apperr.New(apperr.DependencyUnavailable, "taskruntime: no checkpoint manager configured")
	}
	if _, err := r.authorize(ctx, taskID, resolverID); err != nil {
		return err
	}
	if err := r.checkpoints.Approve(ctx, taskID, stepID, resolverID, feedback, learnPreference); err != nil {
		return err
	}
	r.resumeAfterResolution(ctx, taskID)
	return nil
}

// RejectCheckpoint resolves the checkpoint at (taskID, stepID) as
// rejected; the owning task fails and no further steps execute.
func (r *Runtime) RejectCheckpoint(ctx context.Context, taskID domain.TaskID, stepID domain.StepID, resolverID, feedback string, learnPreference bool) error {
	if r.checkpoints == nil {
		return apperr.New(apperr.DependencyUnavailable, "taskruntime: no checkpoint manager configured")
	}
	if _, err := r.authorize(ctx, taskID, resolverID); err != nil {
		return err
	}
	return r.checkpoints.Reject(ctx, taskID, stepID, resolverID, feedback, learnPreference)
}

// ResolveCheckpoint dispatches to ApproveCheckpoint or RejectCheckpoint by
// decision, for callers (e.g. a REST handler) that already hold a single
// decision value rather than a yes/no branch.
func (r *Runtime) ResolveCheckpoint(ctx context.Context, taskID domain.TaskID, stepID domain.StepID, decision domain.CheckpointDecision, resolverID, feedback string) error {
	if r.checkpoints == nil {
		return apperr.New(apperr.DependencyUnavailable, "taskruntime: no checkpoint manager configured")
	}
	if _, err := r.authorize(ctx, taskID, resolverID); err != nil {
		return err
	}
	if err := r.checkpoints.Resolve(ctx, taskID, stepID, decision, resolverID, feedback); err != nil {
		return err
	}
	r.resumeAfterResolution(ctx, taskID)
	return nil
}

// resumeAfterResolution restarts the execution driver for taskID once a
// checkpoint resolution leaves it runnable again, following the
// superseded_by link when the resolution executed a replan. Rejections
// leave the task terminal, so there is nothing to resume.
func (r *Runtime) resumeAfterResolution(ctx context.Context, taskID domain.TaskID) {
	task, err := r.tasks.GetTask(ctx, taskID)
	if err != nil {
		r.logger.Warn(ctx, "taskruntime: reload after checkpoint resolution failed", "task_id", taskID, "error", err)
		return
	}
	if task.Status == domain.TaskSuperseded && task.SupersededBy != nil {
		next, err := r.tasks.GetTask(ctx, *task.SupersededBy)
		if err != nil {
			r.logger.Warn(ctx, "taskruntime: load replanned task failed", "task_id", *task.SupersededBy, "error", err)
			return
		}
		r.spawnExecution(next.ID, next.UserID)
		return
	}
	if task.Status == domain.TaskExecuting || task.Status == domain.TaskReady {
		r.spawnExecution(taskID, task.UserID)
	}
}

// replanCheckpoint loads and type-checks a REPLAN checkpoint at
// (taskID, stepID), shared by ApproveReplan and RejectReplan so both
// reject a caller trying to resolve an ordinary approval checkpoint
// through the replan-specific entry points.
func (r *Runtime) replanCheckpoint(ctx context.Context, taskID domain.TaskID, stepID domain.StepID) error {
	pending, err := r.checkpoints.ListPendingForTask(ctx, taskID)
	if err != nil {
		return apperr.Wrap(apperr.DependencyUnavailable, err, "taskruntime: list pending checkpoints")
	}
	for _, cp := range pending {
		if cp.StepID == stepID {
			if cp.Type != domain.CheckpointReplan {
				return apperr.Newf(apperr.ValidationError, "taskruntime: checkpoint %q/%q is not a replan checkpoint", taskID, stepID)
			}
			return nil
		}
	}
	return apperr.Newf(apperr.NotFound, "taskruntime: no pending checkpoint for %q/%q", taskID, stepID)
}

// ApproveReplan approves a REPLAN checkpoint: the checkpoint manager's
// normal approval path detects the step's _replan_context marker and
// executes the replan, superseding the task with a new version.
func (r *Runtime) ApproveReplan(ctx context.Context, taskID domain.TaskID, stepID domain.StepID, resolverID, feedback string) error {
	if r.checkpoints == nil {
		return apperr.New(apperr.DependencyUnavailable, "taskruntime: no checkpoint manager configured")
	}
	if _, err := r.authorize(ctx, taskID, resolverID); err != nil {
		return err
	}
	if err := r.replanCheckpoint(ctx, taskID, stepID); err != nil {
		return err
	}
	if err := r.checkpoints.Approve(ctx, taskID, stepID, resolverID, feedback, true); err != nil {
		return err
	}
	r.resumeAfterResolution(ctx, taskID)
	return nil
}

// RejectReplan rejects a proposed REPLAN: the original task fails rather
// than superseding, and no new task version is created.
func (r *Runtime) RejectReplan(ctx context.Context, taskID domain.TaskID, stepID domain.StepID, resolverID, feedback string) error {
	if r.checkpoints == nil {
		return apperr.New(apperr.DependencyUnavailable, "taskruntime: no checkpoint manager configured")
	}
	if _, err := r.authorize(ctx, taskID, resolverID); err != nil {
		return err
	}
	if err := r.replanCheckpoint(ctx, taskID, stepID); err != nil {
		return err
	}
	return r.checkpoints.Reject(ctx, taskID, stepID, resolverID, feedback, true)
}

// ListPendingCheckpoints lists every unresolved checkpoint visible to
// userID, across every task they own.
func (r *Runtime) ListPendingCheckpoints(ctx context.Context, userID string) ([]*domain.CheckpointState, error) {
	if r.checkpoints == nil {
		return nil, apperr.New(apperr.DependencyUnavailable, "taskruntime: no checkpoint manager configured")
	}
	return r.checkpoints.ListPending(ctx, userID)
}

// ListPreferences returns every learned preference recorded for userID.
func (r *Runtime) ListPreferences(ctx context.Context, userID string) ([]*domain.LearnedPreference, error) {
	if r.preferences == nil {
		return nil, apperr.New(apperr.DependencyUnavailable, "taskruntime: no preference service configured")
	}
	return r.preferences.ListPreferences(ctx, userID)
}

// GetPreference returns the learned-preference tally for (userID,
// preferenceKey), or nil if no resolution has been recorded under it yet.
func (r *Runtime) GetPreference(ctx context.Context, userID, preferenceKey string) (*domain.LearnedPreference, error) {
	if r.preferences == nil {
		return nil, apperr.New(apperr.DependencyUnavailable, "taskruntime: no preference service configured")
	}
	return r.preferences.GetPreferenceStats(ctx, userID, preferenceKey)
}

// DeletePreference forgets a learned-preference record entirely, so the
// next checkpoint under preferenceKey prompts userID again.
func (r *Runtime) DeletePreference(ctx context.Context, userID, preferenceKey string) error {
	if r.preferences == nil {
		return apperr.New(apperr.DependencyUnavailable, "taskruntime: no preference service configured")
	}
	return r.preferences.Delete(ctx, userID, preferenceKey)
}

// LinkConversation binds an externally-created conversation thread id
// (e.g. from a chat surface that started before the task existed) to
// taskID, recorded in its metadata alongside the one EnsureConversation
// would otherwise create.
func (r *Runtime) LinkConversation(ctx context.Context, taskID domain.TaskID, conversationID string) error {
	if conversationID == "" {
		return apperr.New(apperr.ValidationError, "taskruntime: conversation id is required")
	}
	return r.UpdateTaskMetadata(ctx, taskID, map[string]any{"conversation_id": conversationID})
}
