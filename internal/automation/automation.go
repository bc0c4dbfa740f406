// Package automation implements planning.AutomationSchedulerPort: once
// planning detects a schedule intent on a goal, this package is handed the
// normalized cron expression or absolute fire time and takes care of
// actually re-running the task from then on: the completed task becomes a
// template, cloned and run again each time its schedule fires, driven by
// robfig/cron's Cron scheduler rather than hand-rolled ticker bookkeeping.
package automation

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/google/uuid"

	"tentackl/internal/apperr"
	"tentackl/internal/domain"
	"tentackl/internal/planning"
	"tentackl/internal/telemetry"
)

// Cloner clones a template task and starts the clone running. Implemented
// by internal/taskruntime.Runtime; wired in after construction via
// SetCloner, since the planner (which needs a Scheduler at construction
// time) is itself a dependency of the Runtime.
type Cloner interface {
	CloneAndExecuteFromAutomation(ctx context.Context, templateTaskID domain.TaskID, automationID string) (*domain.Task, error)
}

// Entry records one registered automation for List/Pause.
type Entry struct {
	AutomationID string
	TaskID       domain.TaskID
	UserID       string
	OrgID        string
	Goal         string
	Cron         string
	ExecuteAt    *time.Time
	CreatedAt    time.Time
	cronID       cron.EntryID
	timer        *time.Timer
}

// Scheduler implements planning.AutomationSchedulerPort on top of a
// robfig/cron.Cron instance for recurring schedules and time.AfterFunc for
// one-shot deferred runs.
type Scheduler struct {
	mu      sync.Mutex
	cron    *cron.Cron
	cloner  Cloner
	logger  telemetry.Logger
	entries map[string]*Entry
}

// New constructs a Scheduler and starts its underlying cron runner. Call
// SetCloner once the taskruntime.Runtime exists, before any schedule can
// fire meaningfully.
func New(logger telemetry.Logger) *Scheduler {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	s := &Scheduler{
		cron:    cron.New(),
		logger:  logger,
		entries: make(map[string]*Entry),
	}
	s.cron.Start()
	return s
}

// SetCloner injects the clone-and-run callback once the composition root
// has finished building the Runtime.
func (s *Scheduler) SetCloner(c Cloner) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cloner = c
}

var _ planning.AutomationSchedulerPort = (*Scheduler)(nil)

// CreateAutomationForTask registers taskID to re-run on schedule, per a
// cron expression or a one-shot absolute fire time.
func (s *Scheduler) CreateAutomationForTask(ctx context.Context, taskID domain.TaskID, userID, orgID, goal string, schedule planning.Schedule) error {
	automationID := uuid.NewString()
	entry := &Entry{
		AutomationID: automationID,
		TaskID:       taskID,
		UserID:       userID,
		OrgID:        orgID,
		Goal:         goal,
		Cron:         schedule.Cron,
		ExecuteAt:    schedule.ExecuteAt,
		CreatedAt:    time.Now().UTC(),
	}

	switch {
	case schedule.Cron != "":
		id, err := s.cron.AddFunc(schedule.Cron, func() { s.fire(entry) })
		if err != nil {
			return apperr.Wrap(apperr.ValidationError, err, "automation: register cron schedule")
		}
		entry.cronID = id
	case schedule.ExecuteAt != nil:
		delay := time.Until(*schedule.ExecuteAt)
		if delay < 0 {
			delay = 0
		}
		entry.timer = time.AfterFunc(delay, func() { s.fire(entry) })
	default:
		return apperr.New(apperr.ValidationError, "automation: schedule carries neither a cron expression nor an execute-at time")
	}

	s.mu.Lock()
	s.entries[automationID] = entry
	s.mu.Unlock()
	return nil
}

func (s *Scheduler) fire(entry *Entry) {
	s.mu.Lock()
	cloner := s.cloner
	s.mu.Unlock()
	if cloner == nil {
		s.logger.Warn(context.Background(), "automation: schedule fired before a cloner was wired, skipping", "automation_id", entry.AutomationID)
		return
	}
	ctx := context.Background()
	if _, err := cloner.CloneAndExecuteFromAutomation(ctx, entry.TaskID, entry.AutomationID); err != nil {
		s.logger.Error(ctx, "automation: clone and execute failed", "automation_id", entry.AutomationID, "task_id", entry.TaskID, "error", err)
	}
}

// List returns every registered automation for orgID.
func (s *Scheduler) List(orgID string) []*Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Entry
	for _, e := range s.entries {
		if e.OrgID == orgID {
			out = append(out, e)
		}
	}
	return out
}

// Pause removes automationID's recurring cron entry, or stops its pending
// one-shot timer. The entry stays registered; no method restarts it.
func (s *Scheduler) Pause(automationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[automationID]
	if !ok {
		return apperr.Newf(apperr.NotFound, "automation: %q not found", automationID)
	}
	if e.cronID != 0 {
		s.cron.Remove(e.cronID)
	}
	if e.timer != nil {
		e.timer.Stop()
	}
	return nil
}

// Stop releases the underlying cron runner, waiting for in-flight jobs.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}
