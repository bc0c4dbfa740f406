// Package ports defines the interfaces Tentackl's core consumes, kept in
// one package so orchestrator, observer, and planner can depend on the
// contracts without depending on each other's concrete packages.
package ports

import (
	"context"
	"time"

	"tentackl/internal/domain"
)

// TaskStore is the primary, authoritative store for tasks and steps.
type TaskStore interface {
	CreateTask(ctx context.Context, t *domain.Task) error
	GetTask(ctx context.Context, id domain.TaskID) (*domain.Task, error)
	UpdateTask(ctx context.Context, id domain.TaskID, mutate func(*domain.Task) error) error
	ListTasks(ctx context.Context, userID string, limit, offset int) ([]*domain.Task, error)
	AddFinding(ctx context.Context, id domain.TaskID, f domain.Finding) error
	SetParentTask(ctx context.Context, id, parent domain.TaskID) error
	SetSupersededBy(ctx context.Context, id, supersededBy domain.TaskID) error
	StuckPlanningTasks(ctx context.Context, olderThan time.Duration) ([]*domain.Task, error)
}

// CacheStore is the hot read/write replica consulted for per-cycle
// decisions: task/step rows, findings, and checkpoint records.
type CacheStore interface {
	PutTask(ctx context.Context, t *domain.Task) error
	GetTask(ctx context.Context, id domain.TaskID) (*domain.Task, error)
	PutCheckpoint(ctx context.Context, cp *domain.CheckpointState) error
	GetCheckpoint(ctx context.Context, taskID domain.TaskID, stepID domain.StepID) (*domain.CheckpointState, error)
	// SetIfAbsent stores value under key only if absent, for the
	// idempotency-key check; returns false if the key already existed.
	SetIfAbsent(ctx context.Context, key string, value string, ttl time.Duration) (bool, error)
}

// TreePort is the execution tree's port surface as consumed by the
// orchestrator and step-execution paths.
type TreePort interface {
	CreateTree(ctx context.Context, taskID domain.TaskID, steps []domain.Step) (domain.TreeID, error)
	ReadyGroups(ctx context.Context, treeID domain.TreeID) ([]StepGroup, error)
	GetStepFromTree(ctx context.Context, treeID domain.TreeID, stepID domain.StepID) (StepNode, bool, error)
	StartStep(ctx context.Context, treeID domain.TreeID, stepID domain.StepID) error
	PauseStep(ctx context.Context, treeID domain.TreeID, stepID domain.StepID) error
	// ResumeStep moves a paused node (awaiting checkpoint resolution) back
	// to pending once its checkpoint resolves, so the scheduler's next
	// ready-node pass re-dispatches it.
	ResumeStep(ctx context.Context, treeID domain.TreeID, stepID domain.StepID) error
	CompleteStep(ctx context.Context, treeID domain.TreeID, stepID domain.StepID, outputs domain.Value) error
	FailStep(ctx context.Context, treeID domain.TreeID, stepID domain.StepID) error
	SkipStep(ctx context.Context, treeID domain.TreeID, stepID domain.StepID) error
	ResetStep(ctx context.Context, treeID domain.TreeID, stepID domain.StepID) error
	IsTaskComplete(ctx context.Context, treeID domain.TreeID) (bool, error)
	HasFailed(ctx context.Context, treeID domain.TreeID) (bool, error)
	PendingBlockedByFailure(ctx context.Context, treeID domain.TreeID) ([]domain.StepID, error)
	GetTreeMetrics(ctx context.Context, treeID domain.TreeID) (TreeMetrics, error)
}

// StepGroup mirrors tree.Group across the port boundary.
type StepGroup struct {
	Tag   string
	Steps []domain.StepID
}

// StepNode mirrors tree.Node across the port boundary.
type StepNode struct {
	StepID  domain.StepID
	Status  domain.StepStatus
	Outputs domain.Value
}

// TreeMetrics mirrors tree.Metrics across the port boundary.
type TreeMetrics struct {
	Total, Completed, Failed, Skipped, Pending, Running, Paused int
}

// SchedulerPort drives dispatch of ready tree nodes to workers.
type SchedulerPort interface {
	ScheduleReadyNodes(ctx context.Context, taskID domain.TaskID) (int, error)
	// NotifyStepCompleted surfaces newly ready nodes after a step
	// completion: queue mode enqueues them for pool workers; in-process
	// mode is a no-op, since the synchronous cycle driver picks ready
	// nodes up on its next pass and must advance at most one group per
	// cycle.
	NotifyStepCompleted(ctx context.Context, taskID domain.TaskID) (int, error)
}

// StepExecutorPort runs the single-step lifecycle (internal/stepexec) for
// one already-running tree node, in-process. Both the scheduler's
// in-process dispatch mode and the checkpoint manager's post-approval
// resume depend on this directly rather than on each other, and the
// orchestrator uses it to re-dispatch a step after applying an Observer
// recovery decision (RETRY/FALLBACK/MODIFY).
type StepExecutorPort interface {
	// ExecuteStep runs one step to completion, checkpoint, transient retry,
	// or permanent failure. dispatchedInputs, when non-null, overrides the
	// step's stored inputs (already template-resolved by the caller).
	// modelOverride, when non-empty, takes precedence over the step's own
	// model selection (used to apply a FALLBACK decision).
	ExecuteStep(ctx context.Context, taskID domain.TaskID, stepID domain.StepID, dispatchedInputs domain.Value, modelOverride string) (StepExecResult, error)
}

// StepOutcomeTag enumerates the terminal states of one ExecuteStep call.
type StepOutcomeTag string

const (
	StepOutcomeCompleted  StepOutcomeTag = "step_completed"
	StepOutcomeCheckpoint StepOutcomeTag = "checkpoint"
	StepOutcomeRetrying   StepOutcomeTag = "retrying"
	StepOutcomeFailed     StepOutcomeTag = "failed"
)

// StepExecResult is the outcome of one ExecuteStep call, carrying enough of
// the updated step for the orchestrator to decide what, if anything, to do
// next (consult the Observer, finalize the task, etc).
type StepExecResult struct {
	Tag  StepOutcomeTag
	Step domain.Step
	Err  string
}

// EventBus publishes the named planning.* and task.* events.
type EventBus interface {
	Publish(ctx context.Context, event Event) error
}

// Event is one published occurrence on the event bus.
type Event struct {
	Type      string // e.g. "planning.completed", "task.step_completed"
	TaskID    domain.TaskID
	StepID    *domain.StepID
	Payload   map[string]any
	Timestamp time.Time
}

// EventStream supports per-task subscription and replay for the
// observe-execution surface.
type EventStream interface {
	Subscribe(ctx context.Context, taskID domain.TaskID) (<-chan Event, func(), error)
	Recent(ctx context.Context, taskID domain.TaskID, limit int) ([]Event, error)
}

// InboxPort is the conversation/inbox messaging surface.
type InboxPort interface {
	EnsureConversation(ctx context.Context, taskID domain.TaskID) (string, error)
	AddCheckpointMessage(ctx context.Context, taskID domain.TaskID, stepID domain.StepID, cp *domain.CheckpointState) error
	AddCheckpointResolutionMessage(ctx context.Context, taskID domain.TaskID, stepID domain.StepID, cp *domain.CheckpointState) error
	AddStepMessage(ctx context.Context, taskID domain.TaskID, stepID domain.StepID, outcome string) error
	AddCompletionMessage(ctx context.Context, taskID domain.TaskID, summary string, stepCounts map[string]int) error
	ListInbox(ctx context.Context, userID string) ([]InboxEntry, error)
}

// InboxEntry is one conversation thread surfaced to a user.
type InboxEntry struct {
	ConversationID string
	TaskID         domain.TaskID
	Status         string
	UpdatedAt      time.Time
}

// PlannerPort generates and replans task step lists.
type PlannerPort interface {
	GenerateDelegationSteps(ctx context.Context, goal string, constraints map[string]any, skipValidation bool) ([]domain.Step, error)
	Replan(ctx context.Context, original *domain.Task, failedStep *domain.Step, rc domain.ReplanContext) (*domain.Task, error)
}

// ObserverPort diagnoses step failures and proposes recovery actions.
type ObserverPort interface {
	AnalyzeFailure(ctx context.Context, task *domain.Task, step *domain.Step, failErr error) (Proposal, error)
	AnalyzeForReplan(ctx context.Context, task *domain.Task, step *domain.Step, failErr error) (*Proposal, error)
	AnalyzeBlockedDependencies(ctx context.Context, task *domain.Task, blocked, failed []domain.Step) (*Proposal, error)
}

// ProposalType enumerates the Observer's recovery recommendations.
type ProposalType string

const (
	ProposalRetry   ProposalType = "retry"
	ProposalFallback ProposalType = "fallback"
	ProposalSkip    ProposalType = "skip"
	ProposalModify  ProposalType = "modify"
	ProposalReplan  ProposalType = "replan"
	ProposalAbort   ProposalType = "abort"
)

// Proposal is the Observer's recommended recovery action.
type Proposal struct {
	Type           ProposalType
	Reason         string
	Confidence     float64
	ModifiedInputs domain.Value
	FallbackModel  string
	FallbackAPI    string
	ReplanContext  *domain.ReplanContext
}

// PluginExecutor runs a step against its bound capability/agent.
type PluginExecutor interface {
	Execute(ctx context.Context, step *domain.Step, model string, execCtx PluginContext) (PluginResult, error)
}

// PluginContext carries trusted, store-derived fields into plugin
// execution — organization id, user id, file references, and any
// agent-type-specific system context injected by the orchestrator.
type PluginContext struct {
	OrgID        string
	UserID       string
	FileRefs     []string
	SystemFields map[string]any
}

// PluginResult is the outcome of a plugin invocation.
type PluginResult struct {
	Success         bool
	Outputs         domain.Value
	Error           string
	ExecutionTimeMS int64
	Metadata        map[string]any
}

// CheckpointPort implements the checkpoint approval state machine.
type CheckpointPort interface {
	Create(ctx context.Context, cp *domain.CheckpointState) error
	Approve(ctx context.Context, taskID domain.TaskID, stepID domain.StepID, resolverID, feedback string, learnPreference bool) error
	Reject(ctx context.Context, taskID domain.TaskID, stepID domain.StepID, resolverID, feedback string, learnPreference bool) error
	Resolve(ctx context.Context, taskID domain.TaskID, stepID domain.StepID, decision domain.CheckpointDecision, resolverID, feedback string) error
	IsAlreadyApproved(ctx context.Context, taskID domain.TaskID, stepID domain.StepID) (bool, error)
	ListPending(ctx context.Context, userID string) ([]*domain.CheckpointState, error)
	ListPendingForTask(ctx context.Context, taskID domain.TaskID) ([]*domain.CheckpointState, error)
}

// PreferencePort is the learned-preference auto-approval service.
type PreferencePort interface {
	RecordOutcome(ctx context.Context, userID, preferenceKey string, approved bool) error
	GetPreferenceStats(ctx context.Context, userID, preferenceKey string) (*domain.LearnedPreference, error)
	AutoApproveDecision(ctx context.Context, userID, preferenceKey string) (bool, error)
	LearnFromReplan(ctx context.Context, userID string, rc domain.ReplanContext, accepted bool) error
	Delete(ctx context.Context, userID, preferenceKey string) error
	ListPreferences(ctx context.Context, userID string) ([]*domain.LearnedPreference, error)
}

// MemoryService formats retrieved memory for prompt injection. Concrete
// retrieval is a non-goal; only the interface is consumed by the core.
type MemoryService interface {
	FormatForInjection(ctx context.Context, query string, maxTokens int) (string, error)
}

// TriggerRegistry manages trigger registrations and event matching.
type TriggerRegistry interface {
	Register(ctx context.Context, reg domain.TriggerRegistration) error
	Unregister(ctx context.Context, taskID domain.TaskID) error
	List(ctx context.Context, orgID string) ([]domain.TriggerRegistration, error)
	GetHistory(ctx context.Context, taskID domain.TaskID, limit int) ([]TriggerEvent, error)
	MatchEvent(ctx context.Context, evt TriggerEvent) ([]domain.TriggerRegistration, error)
}

// TriggerEvent is an inbound, gateway-normalized external event.
type TriggerEvent struct {
	OrgID     string
	SourceID  string
	EventType string
	Body      map[string]any
	Timestamp time.Time

	// IdempotencyKey is the caller-supplied "Idempotency-Key" header value,
	// if any. When set, ValidateEvent keys the idempotency filter on it
	// instead of hashing source_id+body.
	IdempotencyKey string
}

// EventGateway authenticates and validates inbound external events before
// they reach the trigger registry.
type EventGateway interface {
	AuthenticateSource(ctx context.Context, sourceID string, headers map[string]string, rawBody []byte) error
	ValidateEvent(ctx context.Context, sourceID string, evt TriggerEvent) error
	RegisterSource(ctx context.Context, source SourceRegistration) error
}

// SourceRegistration describes one webhook-producing external source.
type SourceRegistration struct {
	SourceID string
	OrgID    string
	AuthKind string // "api_key" | "bearer" | "hmac"
	Secret   string
}
