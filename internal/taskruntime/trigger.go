package taskruntime

import (
	"context"
	"time"

	"tentackl/internal/apperr"
	"tentackl/internal/domain"
	"tentackl/internal/ports"
	"tentackl/internal/trigger"
)

// registerTriggerFromMetadata registers a task carrying a "trigger"
// metadata block with the trigger registry, keyed by (org, event pattern,
// optional source filter, optional condition). A task without the block,
// or without a usable event pattern, is left unregistered.
func (r *Runtime) registerTriggerFromMetadata(ctx context.Context, task *domain.Task) {
	if r.triggers == nil || task.Metadata == nil {
		return
	}
	raw, ok := task.Metadata["trigger"].(map[string]any)
	if !ok {
		return
	}
	pattern, _ := raw["event_pattern"].(string)
	if pattern == "" {
		return
	}
	reg := domain.TriggerRegistration{
		TaskID:       task.ID,
		OrgID:        task.OrgID,
		UserID:       task.UserID,
		EventPattern: pattern,
		Enabled:      true,
		Scope:        domain.ScopeOrg,
	}
	if sf, ok := raw["source_filter"].(string); ok && sf != "" {
		reg.SourceFilter = &sf
	}
	if cond, ok := raw["condition"].(string); ok && cond != "" {
		reg.Condition = &cond
	}
	if enabled, ok := raw["enabled"].(bool); ok {
		reg.Enabled = enabled
	}
	if scope, ok := raw["scope"].(string); ok && scope == string(domain.ScopeUser) {
		reg.Scope = domain.ScopeUser
	}
	if err := r.triggers.Register(ctx, reg); err != nil {
		r.logger.Warn(ctx, "taskruntime: register trigger failed", "task_id", task.ID, "error", err)
	}
}

// CloneTaskForTrigger builds a new READY task from templateTaskID's steps,
// substituting "${trigger_event.<path>}" tokens in every step input
// against evt, and starts it running immediately. It is invoked once per
// matching trigger registration whenever an external event arrives.
func (r *Runtime) CloneTaskForTrigger(ctx context.Context, templateTaskID domain.TaskID, evt ports.TriggerEvent) (*domain.Task, error) {
	template, err := r.tasks.GetTask(ctx, templateTaskID)
	if err != nil {
		return nil, apperr.Wrap(apperr.DependencyUnavailable, err, "taskruntime: load template task")
	}
	if len(template.Steps) == 0 {
		return nil, apperr.Newf(apperr.ValidationError, "taskruntime: template task %q has no steps to clone", templateTaskID)
	}
	steps := trigger.CloneSteps(template.Steps, evt)
	metadata := map[string]any{
		"template_task_id": string(templateTaskID),
		"trigger_event": map[string]any{
			"type":      evt.EventType,
			"source_id": evt.SourceID,
			"body":      evt.Body,
		},
		"triggered_at": evt.Timestamp.UTC().Format(time.RFC3339),
		"source":       "trigger",
	}
	clone, err := r.CreateTaskWithSteps(ctx, template.Goal, template.UserID, template.OrgID, steps, metadata)
	if err != nil {
		return nil, err
	}
	if err := r.SetParentTask(ctx, clone.ID, templateTaskID); err != nil {
		r.logger.Warn(ctx, "taskruntime: set parent task failed", "task_id", clone.ID, "error", err)
	}
	if err := r.StartTask(ctx, clone.ID, clone.UserID); err != nil {
		return clone, apperr.Wrap(apperr.DependencyUnavailable, err, "taskruntime: start cloned task")
	}
	return clone, nil
}

// CloneAndExecuteFromAutomation clones templateTaskID's steps on a
// schedule-driven path rather than an external event: no trigger_event
// data exists to substitute, so step inputs are carried over verbatim
// (CloneSteps called with a zero TriggerEvent is a no-op substitution).
func (r *Runtime) CloneAndExecuteFromAutomation(ctx context.Context, templateTaskID domain.TaskID, automationID string) (*domain.Task, error) {
	template, err := r.tasks.GetTask(ctx, templateTaskID)
	if err != nil {
		return nil, apperr.Wrap(apperr.DependencyUnavailable, err, "taskruntime: load template task")
	}
	if len(template.Steps) == 0 {
		return nil, apperr.Newf(apperr.ValidationError, "taskruntime: template task %q has no steps to clone", templateTaskID)
	}
	steps := trigger.CloneSteps(template.Steps, ports.TriggerEvent{})
	metadata := map[string]any{
		"template_task_id": string(templateTaskID),
		"automation_id":    automationID,
		"triggered_at":     time.Now().UTC().Format(time.RFC3339),
		"source":           "automation",
	}
	clone, err := r.CreateTaskWithSteps(ctx, template.Goal, template.UserID, template.OrgID, steps, metadata)
	if err != nil {
		return nil, err
	}
	if err := r.SetParentTask(ctx, clone.ID, templateTaskID); err != nil {
		r.logger.Warn(ctx, "taskruntime: set parent task failed", "task_id", clone.ID, "error", err)
	}
	if err := r.StartTask(ctx, clone.ID, clone.UserID); err != nil {
		return clone, apperr.Wrap(apperr.DependencyUnavailable, err, "taskruntime: start cloned task")
	}
	return clone, nil
}
