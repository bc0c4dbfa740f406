package domain

import "time"

// StepStatus mirrors the owning tree node's status for a step.
type StepStatus string

const (
	StepPending    StepStatus = "pending"
	StepRunning    StepStatus = "running"
	StepPaused     StepStatus = "paused"
	StepCompleted  StepStatus = "completed"
	StepFailed     StepStatus = "failed"
	StepSkipped    StepStatus = "skipped"
)

// IsTerminalSuccess reports whether s counts as satisfying a dependent's
// readiness requirement — completed or skipped, per the execution tree's
// readiness invariant.
func (s StepStatus) IsTerminalSuccess() bool {
	return s == StepCompleted || s == StepSkipped
}

// FailurePolicy controls how a parallel step-group handles a member failure.
type FailurePolicy string

const (
	AllOrNothing FailurePolicy = "all_or_nothing"
	BestEffort   FailurePolicy = "best_effort"
	FailFast     FailurePolicy = "fail_fast"
)

// CheckpointKind enumerates the checkpoint types a step can require.
type CheckpointKind string

const (
	CheckpointApproval CheckpointKind = "approval"
	CheckpointQA       CheckpointKind = "qa"
	CheckpointReplan   CheckpointKind = "replan"
)

// ApprovalType distinguishes checkpoints that can auto-resolve from human
// input from ones that always require explicit human action.
type ApprovalType string

const (
	ApprovalExplicit ApprovalType = "explicit"
	ApprovalLearned  ApprovalType = "learned"
)

// CheckpointConfig describes how a required checkpoint should be presented
// and resolved.
type CheckpointConfig struct {
	Name           string
	Description    string
	ApprovalType   ApprovalType
	PreferenceKey  string
	PreviewFields  []string
}

// FallbackConfig lists alternative models/APIs the Observer can substitute
// when a step fails and cannot be retried as-is. Entries are consumed
// front-to-back and removed monotonically as they are used (see SPEC_FULL.md
// §9, "Fallback-removal semantics").
type FallbackConfig struct {
	Models []string
	APIs   []string
}

// HasOptions reports whether any fallback target remains.
func (f *FallbackConfig) HasOptions() bool {
	return f != nil && (len(f.Models) > 0 || len(f.APIs) > 0)
}

// PopModel removes and returns the first model fallback, or ("", false) if
// none remain.
func (f *FallbackConfig) PopModel() (string, bool) {
	if f == nil || len(f.Models) == 0 {
		return "", false
	}
	m := f.Models[0]
	f.Models = f.Models[1:]
	return m, true
}

// PopAPI removes and returns the first API fallback, or ("", false) if none
// remain.
func (f *FallbackConfig) PopAPI() (string, bool) {
	if f == nil || len(f.APIs) == 0 {
		return "", false
	}
	a := f.APIs[0]
	f.APIs = f.APIs[1:]
	return a, true
}

// Step is one unit of work bound to an agent/capability within a task.
type Step struct {
	ID                 StepID
	Name               string
	Description        string
	AgentType          string
	Domain             *string
	Inputs             Value
	Outputs            Value
	DependsOn          []StepID
	Status             StepStatus
	ParallelGroup      *string
	FailurePolicy      FailurePolicy
	CheckpointRequired bool
	CheckpointConfig   *CheckpointConfig
	FallbackConfig     *FallbackConfig
	Critical           bool
	RetryCount         int
	MaxRetries         int
	Error              *string
	StartedAt          *time.Time
	CompletedAt        *time.Time

	// ReplanContext, when set, marks this step as awaiting resolution of a
	// REPLAN checkpoint rather than an ordinary approval; its presence
	// triggers ExecuteReplan on approval instead of a plain resume.
	ReplanContext *ReplanContext
}

// ReplanContext carries the diagnosis and prior progress forward into a new
// task version when a REPLAN is executed.
type ReplanContext struct {
	Diagnosis        string
	AffectedStepIDs  []StepID
	CompletedOutputs map[StepID]Value
	Constraints      map[string]any
	SuggestedAgentType string
}
