// Package redis implements the hot read/write ports.CacheStore surface on
// top of github.com/redis/go-redis/v9: an Options struct, a
// health-checkable client, and constructor validation over Redis's
// string-keyed GET/SET/SETNX surface.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"tentackl/internal/apperr"
	"tentackl/internal/domain"
	"tentackl/internal/ports"
	"tentackl/internal/telemetry"
)

// Options configures a Store.
type Options struct {
	Client *redis.Client
	// KeyPrefix namespaces every key this store touches, e.g. "tentackl".
	KeyPrefix string
	// TaskTTL bounds how long a cached task survives without a refresh.
	TaskTTL time.Duration
	Logger  telemetry.Logger
}

// Store implements ports.CacheStore.
type Store struct {
	client  *redis.Client
	prefix  string
	taskTTL time.Duration
	logger  telemetry.Logger
}

// New validates opts and constructs a Store.
func New(opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, apperr.New(apperr.ValidationError, "cache/redis: Client is required")
	}
	if opts.KeyPrefix == "" {
		opts.KeyPrefix = "tentackl"
	}
	if opts.TaskTTL <= 0 {
		opts.TaskTTL = 24 * time.Hour
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Store{client: opts.Client, prefix: opts.KeyPrefix, taskTTL: opts.TaskTTL, logger: logger}, nil
}

var _ ports.CacheStore = (*Store)(nil)

func (s *Store) taskKey(id domain.TaskID) string {
	return fmt.Sprintf("%s:task:%s", s.prefix, id)
}

func (s *Store) checkpointKey(taskID domain.TaskID, stepID domain.StepID) string {
	return fmt.Sprintf("%s:checkpoint:%s:%s", s.prefix, taskID, stepID)
}

// PutTask caches t under task:<task_id>, refreshing its TTL.
func (s *Store) PutTask(ctx context.Context, t *domain.Task) error {
	data, err := json.Marshal(t)
	if err != nil {
		return apperr.Wrap(apperr.ValidationError, err, "cache/redis: marshal task")
	}
	if err := s.client.Set(ctx, s.taskKey(t.ID), data, s.taskTTL).Err(); err != nil {
		return apperr.Wrap(apperr.DependencyUnavailable, err, "cache/redis: set task")
	}
	return nil
}

// GetTask loads the cached task, returning NotFound on a cache miss.
func (s *Store) GetTask(ctx context.Context, id domain.TaskID) (*domain.Task, error) {
	data, err := s.client.Get(ctx, s.taskKey(id)).Bytes()
	if err == redis.Nil {
		return nil, apperr.Newf(apperr.NotFound, "cache/redis: task %q not cached", id)
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.DependencyUnavailable, err, "cache/redis: get task")
	}
	t := &domain.Task{}
	if err := json.Unmarshal(data, t); err != nil {
		return nil, apperr.Wrap(apperr.DependencyUnavailable, err, "cache/redis: unmarshal task")
	}
	return t, nil
}

// PutCheckpoint caches cp under checkpoint:<task>:<step> indefinitely; a
// checkpoint's life span tracks the task's, not a fixed TTL.
func (s *Store) PutCheckpoint(ctx context.Context, cp *domain.CheckpointState) error {
	data, err := json.Marshal(cp)
	if err != nil {
		return apperr.Wrap(apperr.ValidationError, err, "cache/redis: marshal checkpoint")
	}
	if err := s.client.Set(ctx, s.checkpointKey(cp.TaskID, cp.StepID), data, 0).Err(); err != nil {
		return apperr.Wrap(apperr.DependencyUnavailable, err, "cache/redis: set checkpoint")
	}
	return nil
}

// GetCheckpoint loads the cached checkpoint, returning NotFound on a cache
// miss.
func (s *Store) GetCheckpoint(ctx context.Context, taskID domain.TaskID, stepID domain.StepID) (*domain.CheckpointState, error) {
	data, err := s.client.Get(ctx, s.checkpointKey(taskID, stepID)).Bytes()
	if err == redis.Nil {
		return nil, apperr.Newf(apperr.NotFound, "cache/redis: checkpoint %s/%s not cached", taskID, stepID)
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.DependencyUnavailable, err, "cache/redis: get checkpoint")
	}
	cp := &domain.CheckpointState{}
	if err := json.Unmarshal(data, cp); err != nil {
		return nil, apperr.Wrap(apperr.DependencyUnavailable, err, "cache/redis: unmarshal checkpoint")
	}
	return cp, nil
}

// SetIfAbsent implements the gateway's idempotency-key check with Redis
// SETNX, returning false without error when the key already exists.
func (s *Store) SetIfAbsent(ctx context.Context, key string, value string, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, fmt.Sprintf("%s:%s", s.prefix, key), value, ttl).Result()
	if err != nil {
		return false, apperr.Wrap(apperr.DependencyUnavailable, err, "cache/redis: setnx")
	}
	return ok, nil
}

// Ping verifies Redis connectivity for health checks.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return apperr.Wrap(apperr.DependencyUnavailable, err, "cache/redis: ping")
	}
	return nil
}
