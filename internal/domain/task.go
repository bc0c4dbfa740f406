package domain

import "time"

// TaskStatus enumerates the task lifecycle states.
type TaskStatus string

const (
	TaskPlanning   TaskStatus = "planning"
	TaskReady      TaskStatus = "ready"
	TaskExecuting  TaskStatus = "executing"
	TaskCheckpoint TaskStatus = "checkpoint"
	TaskPaused     TaskStatus = "paused"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
	TaskCancelled  TaskStatus = "cancelled"
	TaskSuperseded TaskStatus = "superseded"
)

// terminal holds the statuses from which no further transition occurs.
var terminal = map[TaskStatus]bool{
	TaskCompleted:  true,
	TaskFailed:     true,
	TaskCancelled:  true,
	TaskSuperseded: true,
}

// IsTerminal reports whether s is one of the terminal statuses.
func (s TaskStatus) IsTerminal() bool { return terminal[s] }

// validTaskTransitions encodes the task lifecycle state machine. A
// transition not present here is rejected.
var validTaskTransitions = map[TaskStatus]map[TaskStatus]bool{
	TaskPlanning: {
		TaskReady:     true,
		TaskFailed:    true,
		TaskCancelled: true,
	},
	TaskReady: {
		TaskExecuting: true,
		TaskCancelled: true,
	},
	TaskExecuting: {
		TaskCheckpoint: true,
		TaskPaused:     true,
		TaskCompleted:  true,
		TaskFailed:     true,
		TaskCancelled:  true,
		TaskSuperseded: true,
	},
	TaskCheckpoint: {
		TaskExecuting: true,
		TaskFailed:    true,
		TaskCancelled: true,
		TaskSuperseded: true,
	},
	TaskPaused: {
		TaskExecuting: true,
		TaskCancelled: true,
	},
}

// CanTransition reports whether moving from "from" to "to" is legal.
func CanTransition(from, to TaskStatus) bool {
	if from == to {
		return true
	}
	return validTaskTransitions[from][to]
}

// Task is a user goal expressed as a DAG of steps with durable state.
type Task struct {
	ID              TaskID
	Goal            string
	UserID          string
	OrgID           string
	Steps           []Step
	Status          TaskStatus
	Constraints     map[string]any
	SuccessCriteria map[string]any
	MaxParallelSteps int
	Metadata        map[string]any
	TreeID          *TreeID
	ParentTaskID    *TaskID
	SupersededBy    *TaskID
	Version         int
	CreatedAt       time.Time
	UpdatedAt       time.Time
	CompletedAt     *time.Time
	Findings        []Finding
}

// StepByRef resolves a step reference by either its id or its name, matching
// the orchestrator's template-resolution lookup rule.
func (t *Task) StepByRef(ref string) (*Step, bool) {
	for i := range t.Steps {
		if string(t.Steps[i].ID) == ref || t.Steps[i].Name == ref {
			return &t.Steps[i], true
		}
	}
	return nil, false
}

// Finding is an immutable, append-only record of what a step produced.
type Finding struct {
	StepID    StepID
	Type      string
	Content   map[string]any
	Timestamp time.Time
}
