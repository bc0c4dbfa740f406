package planning

import (
	"context"
	"time"

	"tentackl/internal/domain"
)

// IntentPort classifies a goal for scheduling and fast-path shortcuts.
type IntentPort interface {
	ExtractIntent(ctx context.Context, goal string) (Intent, error)
}

// Intent is the classification result for one goal.
type Intent struct {
	HasSchedule bool
	Schedule    *Schedule
	OneShotGoal string
}

// Schedule is a normalized or not-yet-normalized schedule spec attached to
// an intent.
type Schedule struct {
	Cron         string
	ExecuteAt    *time.Time
	ExecuteAtRaw string
}

// Label renders the schedule for the planning.intent_detected event,
// preferring the cron expression when both are set.
func (s *Schedule) Label() string {
	if s == nil {
		return "unknown"
	}
	if s.Cron != "" {
		return s.Cron
	}
	if s.ExecuteAt != nil {
		return s.ExecuteAt.Format(time.RFC3339)
	}
	return "unknown"
}

// FastPathPort answers whether a goal can be satisfied by a single
// data-retrieval query, skipping LLM decomposition entirely.
type FastPathPort interface {
	TryFastPath(ctx context.Context, userID, orgID, goal string, intent Intent, metadata map[string]any) (*FastPathResult, error)
}

// FastPathResult carries the pre-computed steps and metadata a fast-path
// hit produces.
type FastPathResult struct {
	Steps    []domain.Step
	Metadata map[string]any
}

// AutomationSchedulerPort registers a recurring or deferred re-run of a
// task once planning detects a schedule intent.
type AutomationSchedulerPort interface {
	CreateAutomationForTask(ctx context.Context, taskID domain.TaskID, userID, orgID, goal string, schedule Schedule) error
}

// RiskDetector flags steps whose effects are consequential enough to
// require a human checkpoint before they run.
type RiskDetector interface {
	AssessPlan(steps []domain.Step) map[domain.StepID]RiskAssessment
}

// RiskAssessment is one step's risk-detector verdict.
type RiskAssessment struct {
	RequiresCheckpoint bool
	CheckpointConfig   *domain.CheckpointConfig
}
