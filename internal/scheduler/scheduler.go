// Package scheduler drives the durable execution tree: it computes the
// ready-node set for a task and dispatches each ready step either directly
// to the in-process step executor or onto the durable queue for pool
// workers to consume.
package scheduler

import (
	"context"

	"tentackl/internal/apperr"
	"tentackl/internal/domain"
	"tentackl/internal/ports"
	"tentackl/internal/telemetry"
)

// Mode selects how ready nodes are dispatched.
type Mode string

const (
	// ModeInProcess calls the step executor directly, suitable for
	// single-instance deployments and tests.
	ModeInProcess Mode = "in_process"
	// ModeQueue hands dispatch to the durable queue for pool workers.
	ModeQueue Mode = "queue"
)

// Queue is the minimal surface the scheduler needs from the durable
// step-dispatch queue (internal/queue), named here to avoid an import
// cycle with that package's Pulse/Redis wiring.
type Queue interface {
	Enqueue(ctx context.Context, dispatch StepDispatch) error
}

// StepDispatch is one unit of work handed to the queue.
type StepDispatch struct {
	TaskID domain.TaskID
	StepID domain.StepID
}

// Options configures a Scheduler.
type Options struct {
	Tree     ports.TreePort
	Tasks    ports.TaskStore
	Executor ports.StepExecutorPort
	Queue    Queue
	Mode     Mode
	Logger   telemetry.Logger
}

// Scheduler implements ports.SchedulerPort.
type Scheduler struct {
	tree     ports.TreePort
	tasks    ports.TaskStore
	executor ports.StepExecutorPort
	queue    Queue
	mode     Mode
	logger   telemetry.Logger
}

// New constructs a Scheduler. Executor may be nil at construction time and
// set later with SetExecutor, mirroring stepexec.Executor's SetScheduler,
// since the two depend on each other's ports.
func New(opts Options) (*Scheduler, error) {
	if opts.Tree == nil || opts.Tasks == nil {
		return nil, apperr.New(apperr.DependencyUnavailable, "scheduler: tree and tasks are required")
	}
	mode := opts.Mode
	if mode == "" {
		mode = ModeInProcess
	}
	if mode == ModeQueue && opts.Queue == nil {
		return nil, apperr.New(apperr.DependencyUnavailable, "scheduler: queue mode requires a Queue")
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Scheduler{
		tree: opts.Tree, tasks: opts.Tasks, executor: opts.Executor,
		queue: opts.Queue, mode: mode, logger: logger,
	}, nil
}

// SetExecutor injects the step executor once both sides of the
// construction cycle exist.
func (s *Scheduler) SetExecutor(e ports.StepExecutorPort) { s.executor = e }

var _ ports.SchedulerPort = (*Scheduler)(nil)

// ScheduleReadyNodes queries the tree for nodes whose dependencies are
// terminal-success and whose own status is PENDING, and dispatches each —
// directly, in in-process mode, or onto the durable queue. It returns the
// count of nodes scheduled.
func (s *Scheduler) ScheduleReadyNodes(ctx context.Context, taskID domain.TaskID) (int, error) {
	task, err := s.tasks.GetTask(ctx, taskID)
	if err != nil {
		return 0, apperr.Wrap(apperr.DependencyUnavailable, err, "scheduler: load task")
	}
	if task.TreeID == nil {
		return 0, nil
	}
	groups, err := s.tree.ReadyGroups(ctx, *task.TreeID)
	if err != nil {
		return 0, apperr.Wrap(apperr.DependencyUnavailable, err, "scheduler: ready groups")
	}
	scheduled := 0
	for _, g := range groups {
		for _, stepID := range g.Steps {
			if err := s.dispatch(ctx, taskID, *task.TreeID, stepID); err != nil {
				s.logger.Warn(ctx, "scheduler: dispatch failed", "task_id", taskID, "step_id", stepID, "error", err)
				continue
			}
			scheduled++
		}
	}
	return scheduled, nil
}

// NotifyStepCompleted enqueues newly ready nodes after a step completion in
// queue mode. In in-process mode it is a no-op: the synchronous cycle
// driver owns advancement there, one group per cycle, and re-dispatching
// from inside a step execution would let a single cycle run arbitrarily far
// ahead.
func (s *Scheduler) NotifyStepCompleted(ctx context.Context, taskID domain.TaskID) (int, error) {
	if s.mode != ModeQueue {
		return 0, nil
	}
	return s.ScheduleReadyNodes(ctx, taskID)
}

func (s *Scheduler) dispatch(ctx context.Context, taskID domain.TaskID, treeID domain.TreeID, stepID domain.StepID) error {
	if err := s.tree.StartStep(ctx, treeID, stepID); err != nil {
		return err
	}
	switch s.mode {
	case ModeQueue:
		return s.queue.Enqueue(ctx, StepDispatch{TaskID: taskID, StepID: stepID})
	default:
		if s.executor == nil {
			return apperr.New(apperr.DependencyUnavailable, "scheduler: in-process mode requires an executor")
		}
		_, err := s.executor.ExecuteStep(ctx, taskID, stepID, domain.Value{}, "")
		return err
	}
}
