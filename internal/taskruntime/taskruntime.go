// Package taskruntime is Tentackl's composition root and public use-case
// surface: task creation, planning hand-off, execution, checkpoint
// resolution, trigger-driven cloning, and execution observation. An
// Options struct of port fields with nil-safe defaults feeds one New
// constructor; a mutex-guarded registry of in-flight planning and
// execution goroutines backs cooperative cancellation.
package taskruntime

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"tentackl/internal/apperr"
	"tentackl/internal/domain"
	"tentackl/internal/orchestrator"
	"tentackl/internal/ports"
	"tentackl/internal/telemetry"
)

// Planner runs the planning pipeline for an already-persisted, PLANNING
// status task. Implemented by internal/planning.Engine.
type Planner interface {
	Plan(ctx context.Context, taskID domain.TaskID) error
}

// Cycler advances one ready step-group per call. Implemented by
// internal/orchestrator.Engine.
type Cycler interface {
	Cycle(ctx context.Context, taskID domain.TaskID) (orchestrator.Result, error)
}

// Options wires every port Runtime's use cases touch. Only Tasks, Tree,
// Planner, and Orchestrator are required; every other port degrades
// gracefully to a no-op when nil, the same convention the nil
// Logger/Metrics/Tracer fields follow.
type Options struct {
	Tasks        ports.TaskStore
	Cache        ports.CacheStore
	Tree         ports.TreePort
	Scheduler    ports.SchedulerPort
	Planner      Planner
	Orchestrator Cycler
	Checkpoints  ports.CheckpointPort
	Preferences  ports.PreferencePort
	EventBus     ports.EventBus
	Stream       ports.EventStream
	Inbox        ports.InboxPort
	Memory       ports.MemoryService
	Triggers     ports.TriggerRegistry
	Gateway      ports.EventGateway

	Logger  telemetry.Logger
	Metrics telemetry.Metrics
	Tracer  telemetry.Tracer

	// InlineFastPathPrecheck controls whether CreateTask should attempt a
	// fast-path shortcut before falling through to full planning.
	// FastPathPort has no adapter in this build (a confident single-query
	// shortcut needs a retrieval index this module doesn't stand up), so
	// this only controls whether planning.Engine's nil-safe fast-path
	// branch is reachable; it has no effect until one is wired.
	InlineFastPathPrecheck bool
}

// Runtime is the composition root: every other package in this module is
// a leaf dependency wired in through Options, and Runtime itself holds no
// business logic beyond coordinating calls across them and tracking
// in-flight planning/execution goroutines for cooperative cancellation.
type Runtime struct {
	tasks        ports.TaskStore
	cache        ports.CacheStore
	tree         ports.TreePort
	scheduler    ports.SchedulerPort
	planner      Planner
	orchestrator Cycler
	checkpoints  ports.CheckpointPort
	preferences  ports.PreferencePort
	bus          ports.EventBus
	stream       ports.EventStream
	inbox        ports.InboxPort
	memory       ports.MemoryService
	triggers     ports.TriggerRegistry
	gateway      ports.EventGateway

	logger  telemetry.Logger
	metrics telemetry.Metrics
	tracer  telemetry.Tracer

	inlineFastPathPrecheck bool

	// mu guards both in-flight registries. Planning and execution are
	// tracked separately because a task can have a live planning goroutine
	// and (after a replan) a live execution goroutine at once, and
	// CancelTask must cancel whichever is actually running.
	mu        sync.Mutex
	planning  map[domain.TaskID]context.CancelFunc
	executing map[domain.TaskID]context.CancelFunc
}

// New validates opts and constructs a Runtime.
func New(opts Options) (*Runtime, error) {
	if opts.Tasks == nil || opts.Tree == nil {
		return nil, apperr.New(apperr.DependencyUnavailable, "taskruntime: Tasks and Tree are required")
	}
	if opts.Planner == nil || opts.Orchestrator == nil {
		return nil, apperr.New(apperr.DependencyUnavailable, "taskruntime: Planner and Orchestrator are required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = telemetry.NewNoopMetrics()
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = telemetry.NewNoopTracer()
	}
	return &Runtime{
		tasks: opts.Tasks, cache: opts.Cache, tree: opts.Tree, scheduler: opts.Scheduler,
		planner: opts.Planner, orchestrator: opts.Orchestrator, checkpoints: opts.Checkpoints,
		preferences: opts.Preferences, bus: opts.EventBus, stream: opts.Stream, inbox: opts.Inbox,
		memory: opts.Memory, triggers: opts.Triggers, gateway: opts.Gateway,
		logger: logger, metrics: metrics, tracer: tracer,
		inlineFastPathPrecheck: opts.InlineFastPathPrecheck,
		planning:               make(map[domain.TaskID]context.CancelFunc),
		executing:              make(map[domain.TaskID]context.CancelFunc),
	}, nil
}

func newTaskID() domain.TaskID { return domain.TaskID(uuid.NewString()) }

// authorize loads taskID and confirms userID may act on it: Tentackl has
// no notion of a superuser beyond "system" (used by auto-approved
// checkpoints and schedule-triggered clones), matching
// checkpoint.Manager's ownership check.
func (r *Runtime) authorize(ctx context.Context, taskID domain.TaskID, userID string) (*domain.Task, error) {
	task, err := r.tasks.GetTask(ctx, taskID)
	if err != nil {
		return nil, apperr.Wrap(apperr.NotFound, err, "taskruntime: load task")
	}
	if task.UserID != "" && userID != "" && task.UserID != userID && userID != "system" {
		return nil, apperr.New(apperr.Forbidden, "taskruntime: user does not own this task")
	}
	return task, nil
}

// publish forwards to the event bus if one is configured, never failing
// the caller's use case on a publish error.
func (r *Runtime) publish(ctx context.Context, eventType string, taskID domain.TaskID, payload map[string]any) {
	if r.bus == nil {
		return
	}
	if err := r.bus.Publish(ctx, ports.Event{Type: eventType, TaskID: taskID, Payload: payload, Timestamp: time.Now().UTC()}); err != nil {
		r.logger.Warn(ctx, "taskruntime: publish event failed", "event_type", eventType, "task_id", taskID, "error", err)
	}
}

// syncCache replicates taskID's current primary-store row into the cache,
// which is the only store the orchestrator consults per cycle. Called after
// every runtime-side status transition so a cycle never acts on a stale row.
func (r *Runtime) syncCache(ctx context.Context, taskID domain.TaskID) {
	if r.cache == nil {
		return
	}
	task, err := r.tasks.GetTask(ctx, taskID)
	if err != nil {
		r.logger.Warn(ctx, "taskruntime: reload for cache sync failed", "task_id", taskID, "error", err)
		return
	}
	if err := r.cache.PutTask(ctx, task); err != nil {
		r.logger.Warn(ctx, "taskruntime: cache sync failed", "task_id", taskID, "error", err)
	}
}

// registerPlanning records a cancel func for taskID's planning goroutine.
func (r *Runtime) registerPlanning(taskID domain.TaskID, cancel context.CancelFunc) {
	r.mu.Lock()
	r.planning[taskID] = cancel
	r.mu.Unlock()
}

func (r *Runtime) unregisterPlanning(taskID domain.TaskID) {
	r.mu.Lock()
	delete(r.planning, taskID)
	r.mu.Unlock()
}

// cancelPlanning cancels and unregisters taskID's planning goroutine, if
// one is still running. It reports whether one was found.
func (r *Runtime) cancelPlanning(taskID domain.TaskID) bool {
	r.mu.Lock()
	cancel, ok := r.planning[taskID]
	if ok {
		delete(r.planning, taskID)
	}
	r.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

func (r *Runtime) registerExecution(taskID domain.TaskID, cancel context.CancelFunc) {
	r.mu.Lock()
	r.executing[taskID] = cancel
	r.mu.Unlock()
}

func (r *Runtime) unregisterExecution(taskID domain.TaskID) {
	r.mu.Lock()
	delete(r.executing, taskID)
	r.mu.Unlock()
}

// cancelExecution cancels and unregisters taskID's execution goroutine, if
// one is still running. It reports whether one was found.
func (r *Runtime) cancelExecution(taskID domain.TaskID) bool {
	r.mu.Lock()
	cancel, ok := r.executing[taskID]
	if ok {
		delete(r.executing, taskID)
	}
	r.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// Close cancels every in-flight planning and execution goroutine and
// waits for neither, trusting cooperative cancellation points to unwind
// promptly. Safe to call once at process shutdown.
func (r *Runtime) Close(ctx context.Context) error {
	r.mu.Lock()
	planCancels := make([]context.CancelFunc, 0, len(r.planning))
	for id, cancel := range r.planning {
		planCancels = append(planCancels, cancel)
		delete(r.planning, id)
	}
	execCancels := make([]context.CancelFunc, 0, len(r.executing))
	for id, cancel := range r.executing {
		execCancels = append(execCancels, cancel)
		delete(r.executing, id)
	}
	r.mu.Unlock()
	for _, cancel := range planCancels {
		cancel()
	}
	for _, cancel := range execCancels {
		cancel()
	}
	return nil
}
