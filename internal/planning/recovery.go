package planning

import (
	"context"
	"errors"
	"time"

	"tentackl/internal/telemetry"
)

// stuckAfter is how long a task may sit in PLANNING before the recovery
// sweep considers it abandoned (a crashed worker, a lost goroutine) and
// marks it FAILED.
const stuckAfter = 5 * time.Minute

// initialDelay is the one-shot delay before the first sweep, giving a
// freshly started task time to finish planning normally before the sweep
// considers it stuck.
const initialDelay = 10 * time.Second

// stuckPlanningMessage is the user-safe explanation recorded against a
// task the sweep gives up on; it never repeats the underlying cause
// (crashed worker, lost goroutine) back to the caller.
const stuckPlanningMessage = "planning did not complete in time and was abandoned"

// Recovery periodically marks tasks that have been stuck in PLANNING
// longer than stuckAfter as FAILED, owned by the composition root
// (cmd/tentackld) rather than the Engine itself so its lifecycle matches
// the process, not any one request.
type Recovery struct {
	engine *Engine
	period time.Duration
	logger telemetry.Logger
}

// NewRecovery constructs a Recovery sweep over engine, running every
// period (typically a minute or less; stuckAfter governs what counts as
// stuck, not how often the sweep runs).
func NewRecovery(engine *Engine, period time.Duration, logger telemetry.Logger) *Recovery {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	if period <= 0 {
		period = time.Minute
	}
	return &Recovery{engine: engine, period: period, logger: logger}
}

// Run blocks until ctx is cancelled, sweeping for stuck tasks on
// initialDelay then every period thereafter.
func (r *Recovery) Run(ctx context.Context) {
	timer := time.NewTimer(initialDelay)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			r.sweep(ctx)
			timer.Reset(r.period)
		}
	}
}

func (r *Recovery) sweep(ctx context.Context) {
	stuck, err := r.engine.tasks.StuckPlanningTasks(ctx, stuckAfter)
	if err != nil {
		r.logger.Warn(ctx, "planning: recovery sweep failed to query stuck tasks", "error", err)
		return
	}
	for _, t := range stuck {
		r.logger.Info(ctx, "planning: abandoning stuck planning task", "task_id", t.ID)
		_ = r.engine.fail(ctx, t.ID, t.Metadata, errors.New(stuckPlanningMessage))
	}
}
