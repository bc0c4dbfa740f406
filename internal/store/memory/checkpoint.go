package memory

import (
	"context"
	"sort"
	"sync"

	"tentackl/internal/apperr"
	"tentackl/internal/checkpoint"
	"tentackl/internal/domain"
)

// CheckpointStore implements checkpoint.Store without durability, keyed by
// task+step since a task never has two simultaneously pending checkpoints
// for the same step. CheckpointState carries no user id of its own, so
// ListPending joins against tasks to resolve ownership, the same
// aggregation a durable store would run against its tasks collection.
type CheckpointStore struct {
	mu    sync.RWMutex
	byKey map[string]*domain.CheckpointState
	tasks *TaskStore
}

// NewCheckpointStore constructs an empty CheckpointStore that resolves
// checkpoint ownership by looking up the owning task in tasks.
func NewCheckpointStore(tasks *TaskStore) *CheckpointStore {
	return &CheckpointStore{byKey: make(map[string]*domain.CheckpointState), tasks: tasks}
}

var _ checkpoint.Store = (*CheckpointStore)(nil)

func checkpointKey(taskID domain.TaskID, stepID domain.StepID) string {
	return string(taskID) + "/" + string(stepID)
}

func cloneCheckpoint(cp *domain.CheckpointState) *domain.CheckpointState {
	c := *cp
	if cp.Questions != nil {
		c.Questions = append([]string(nil), cp.Questions...)
	}
	if cp.Alternatives != nil {
		c.Alternatives = append([]string(nil), cp.Alternatives...)
	}
	return &c
}

// Insert stores a new checkpoint record.
func (s *CheckpointStore) Insert(ctx context.Context, cp *domain.CheckpointState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byKey[checkpointKey(cp.TaskID, cp.StepID)] = cloneCheckpoint(cp)
	return nil
}

// Get returns the checkpoint for taskID/stepID.
func (s *CheckpointStore) Get(ctx context.Context, taskID domain.TaskID, stepID domain.StepID) (*domain.CheckpointState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp, ok := s.byKey[checkpointKey(taskID, stepID)]
	if !ok {
		return nil, apperr.Newf(apperr.NotFound, "store: checkpoint %s/%s not found", taskID, stepID)
	}
	return cloneCheckpoint(cp), nil
}

// Update overwrites the stored checkpoint, typically to record a resolution.
func (s *CheckpointStore) Update(ctx context.Context, cp *domain.CheckpointState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := checkpointKey(cp.TaskID, cp.StepID)
	if _, ok := s.byKey[key]; !ok {
		return apperr.Newf(apperr.NotFound, "store: checkpoint %s/%s not found", cp.TaskID, cp.StepID)
	}
	s.byKey[key] = cloneCheckpoint(cp)
	return nil
}

// ListPending returns every unresolved checkpoint across all of userID's
// tasks, oldest first.
func (s *CheckpointStore) ListPending(ctx context.Context, userID string) ([]*domain.CheckpointState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*domain.CheckpointState
	for _, cp := range s.byKey {
		if cp.Decision != domain.DecisionPending {
			continue
		}
		if userID != "" && s.tasks != nil {
			t, err := s.tasks.GetTask(ctx, cp.TaskID)
			if err != nil || t.UserID != userID {
				continue
			}
		}
		out = append(out, cloneCheckpoint(cp))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// ListPendingForTask returns every unresolved checkpoint belonging to taskID.
func (s *CheckpointStore) ListPendingForTask(ctx context.Context, taskID domain.TaskID) ([]*domain.CheckpointState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*domain.CheckpointState
	for _, cp := range s.byKey {
		if cp.TaskID == taskID && cp.Decision == domain.DecisionPending {
			out = append(out, cloneCheckpoint(cp))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}
