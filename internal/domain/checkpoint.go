package domain

import "time"

// CheckpointDecision is the resolution state of a CheckpointState record.
type CheckpointDecision string

const (
	DecisionPending      CheckpointDecision = "pending"
	DecisionApproved     CheckpointDecision = "approved"
	DecisionRejected     CheckpointDecision = "rejected"
	DecisionAutoApproved CheckpointDecision = "auto_approved"
)

// CheckpointState is the durable record backing one (task, step) checkpoint.
type CheckpointState struct {
	TaskID        TaskID
	StepID        StepID
	Name          string
	Description   string
	Type          CheckpointKind
	Decision      CheckpointDecision
	Preview       Value
	Questions     []string
	Alternatives  []string
	Feedback      string
	ResolverID    string
	CreatedAt     time.Time
	ExpiresAt     *time.Time
	PreferenceKey string
}

// IsResolved reports whether the checkpoint no longer blocks execution.
func (c *CheckpointState) IsResolved() bool {
	return c.Decision == DecisionApproved || c.Decision == DecisionAutoApproved
}

// LearnedPreference tallies prior approve/reject outcomes for a
// (user, preference key) pair, used to auto-resolve future checkpoints.
type LearnedPreference struct {
	UserID        string
	PreferenceKey string
	ApproveCount  int
	RejectCount   int
	UpdatedAt     time.Time
}

// ShouldAutoApprove reports whether this preference's history is confident
// enough to auto-approve without prompting the user again: at least three
// prior resolutions with no rejections.
func (p *LearnedPreference) ShouldAutoApprove() bool {
	total := p.ApproveCount + p.RejectCount
	return total >= 3 && p.RejectCount == 0
}

// TriggerScope controls which tasks a registration applies to.
type TriggerScope string

const (
	ScopeOrg  TriggerScope = "org"
	ScopeUser TriggerScope = "user"
)

// TriggerRegistration binds a task template to an external event pattern.
type TriggerRegistration struct {
	TaskID       TaskID
	OrgID        string
	UserID       string
	EventPattern string
	SourceFilter *string
	Condition    *string
	Enabled      bool
	Scope        TriggerScope
}
