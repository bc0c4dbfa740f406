// Package trigger implements ports.TriggerRegistry: the set of task
// templates bound to external event patterns, and the match against an
// inbound gateway-normalized event. Grounded on internal/tree.Manager's
// mutex-guarded per-id map pattern, applied here to per-org registration
// lists and a bounded per-task match-history ring.
package trigger

import (
	"context"
	"path"
	"sync"

	"tentackl/internal/apperr"
	"tentackl/internal/domain"
	"tentackl/internal/ports"
	"tentackl/internal/telemetry"
)

const defaultHistorySize = 50

// Registry implements ports.TriggerRegistry without external durability.
type Registry struct {
	mu           sync.RWMutex
	byTask       map[domain.TaskID]domain.TriggerRegistration
	byOrg        map[string]map[domain.TaskID]struct{}
	history      map[domain.TaskID][]ports.TriggerEvent
	historySize  int
	logger       telemetry.Logger
}

// Options configures a Registry.
type Options struct {
	HistorySize int
	Logger      telemetry.Logger
}

// New constructs an empty Registry.
func New(opts Options) *Registry {
	size := opts.HistorySize
	if size <= 0 {
		size = defaultHistorySize
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Registry{
		byTask:      make(map[domain.TaskID]domain.TriggerRegistration),
		byOrg:       make(map[string]map[domain.TaskID]struct{}),
		history:     make(map[domain.TaskID][]ports.TriggerEvent),
		historySize: size,
		logger:      logger,
	}
}

var _ ports.TriggerRegistry = (*Registry)(nil)

// Register stores or replaces reg's registration for its task.
func (r *Registry) Register(ctx context.Context, reg domain.TriggerRegistration) error {
	if reg.TaskID == "" || reg.EventPattern == "" {
		return apperr.New(apperr.ValidationError, "trigger: task id and event pattern are required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if prior, ok := r.byTask[reg.TaskID]; ok {
		r.removeFromOrgLocked(prior.OrgID, prior.TaskID)
	}
	r.byTask[reg.TaskID] = reg
	if r.byOrg[reg.OrgID] == nil {
		r.byOrg[reg.OrgID] = make(map[domain.TaskID]struct{})
	}
	r.byOrg[reg.OrgID][reg.TaskID] = struct{}{}
	return nil
}

func (r *Registry) removeFromOrgLocked(orgID string, taskID domain.TaskID) {
	if set, ok := r.byOrg[orgID]; ok {
		delete(set, taskID)
		if len(set) == 0 {
			delete(r.byOrg, orgID)
		}
	}
}

// Unregister removes taskID's registration, if any.
func (r *Registry) Unregister(ctx context.Context, taskID domain.TaskID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	reg, ok := r.byTask[taskID]
	if !ok {
		return apperr.Newf(apperr.NotFound, "trigger: no registration for task %q", taskID)
	}
	delete(r.byTask, taskID)
	r.removeFromOrgLocked(reg.OrgID, taskID)
	return nil
}

// List returns every registration belonging to orgID.
func (r *Registry) List(ctx context.Context, orgID string) ([]domain.TriggerRegistration, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := r.byOrg[orgID]
	out := make([]domain.TriggerRegistration, 0, len(ids))
	for id := range ids {
		out = append(out, r.byTask[id])
	}
	return out, nil
}

// GetHistory returns up to limit of taskID's most recent matched events,
// newest first.
func (r *Registry) GetHistory(ctx context.Context, taskID domain.TaskID, limit int) ([]ports.TriggerEvent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	events := r.history[taskID]
	out := make([]ports.TriggerEvent, 0, len(events))
	for i := len(events) - 1; i >= 0; i-- {
		out = append(out, events[i])
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// MatchEvent returns every enabled registration in evt.OrgID whose event
// pattern matches evt.EventType, recording the match in each matched
// task's history. Patterns use shell-glob syntax ("github.issue.*"),
// matching path.Match's semantics since no pack library offers
// pub/sub-style event-pattern matching.
func (r *Registry) MatchEvent(ctx context.Context, evt ports.TriggerEvent) ([]domain.TriggerRegistration, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := r.byOrg[evt.OrgID]
	var matched []domain.TriggerRegistration
	for id := range ids {
		reg := r.byTask[id]
		if !reg.Enabled {
			continue
		}
		ok, err := path.Match(reg.EventPattern, evt.EventType)
		if err != nil || !ok {
			continue
		}
		if reg.SourceFilter != nil && *reg.SourceFilter != evt.SourceID {
			continue
		}
		matched = append(matched, reg)
		r.recordHistoryLocked(id, evt)
	}
	return matched, nil
}

func (r *Registry) recordHistoryLocked(taskID domain.TaskID, evt ports.TriggerEvent) {
	events := append(r.history[taskID], evt)
	if len(events) > r.historySize {
		events = events[len(events)-r.historySize:]
	}
	r.history[taskID] = events
}
