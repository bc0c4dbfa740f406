// Package memory implements an in-memory ports.CacheStore test double for
// the hot read/write cache surface. Entries are defensively copied on
// every read and write so callers can never mutate cached state through a
// returned pointer.
package memory

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"tentackl/internal/apperr"
	"tentackl/internal/domain"
	"tentackl/internal/ports"
)

type ttlEntry struct {
	value   string
	expires time.Time
}

// Store implements ports.CacheStore without durability or real TTL
// eviction; expired SetIfAbsent keys are reclaimed lazily on next access.
type Store struct {
	mu          sync.Mutex
	tasks       map[domain.TaskID]*domain.Task
	checkpoints map[string]*domain.CheckpointState
	absent      map[string]ttlEntry
}

// New constructs an empty Store.
func New() *Store {
	return &Store{
		tasks:       make(map[domain.TaskID]*domain.Task),
		checkpoints: make(map[string]*domain.CheckpointState),
		absent:      make(map[string]ttlEntry),
	}
}

var _ ports.CacheStore = (*Store)(nil)

func cloneTask(t *domain.Task) (*domain.Task, error) {
	data, err := json.Marshal(t)
	if err != nil {
		return nil, err
	}
	out := &domain.Task{}
	if err := json.Unmarshal(data, out); err != nil {
		return nil, err
	}
	return out, nil
}

// PutTask caches a copy of t.
func (s *Store) PutTask(ctx context.Context, t *domain.Task) error {
	clone, err := cloneTask(t)
	if err != nil {
		return apperr.Wrap(apperr.DependencyUnavailable, err, "cache: clone task")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[t.ID] = clone
	return nil
}

// GetTask returns the cached task, or a NotFound error on a cache miss.
func (s *Store) GetTask(ctx context.Context, id domain.TaskID) (*domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, apperr.Newf(apperr.NotFound, "cache: task %q not cached", id)
	}
	return cloneTask(t)
}

func cpKey(taskID domain.TaskID, stepID domain.StepID) string {
	return string(taskID) + "/" + string(stepID)
}

// PutCheckpoint caches a copy of cp.
func (s *Store) PutCheckpoint(ctx context.Context, cp *domain.CheckpointState) error {
	c := *cp
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkpoints[cpKey(cp.TaskID, cp.StepID)] = &c
	return nil
}

// GetCheckpoint returns the cached checkpoint, or a NotFound error on a
// cache miss.
func (s *Store) GetCheckpoint(ctx context.Context, taskID domain.TaskID, stepID domain.StepID) (*domain.CheckpointState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp, ok := s.checkpoints[cpKey(taskID, stepID)]
	if !ok {
		return nil, apperr.Newf(apperr.NotFound, "cache: checkpoint %s/%s not cached", taskID, stepID)
	}
	c := *cp
	return &c, nil
}

// SetIfAbsent stores value under key only if it is absent or has expired,
// the in-memory analogue of Redis SETNX+EXPIRE used for idempotency keys.
func (s *Store) SetIfAbsent(ctx context.Context, key string, value string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry, ok := s.absent[key]; ok && time.Now().Before(entry.expires) {
		return false, nil
	}
	s.absent[key] = ttlEntry{value: value, expires: time.Now().Add(ttl)}
	return true, nil
}
