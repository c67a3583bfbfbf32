// Package redis provides the Redis-backed human-in-the-loop service:
// operator review requests and human task records stored as JSON values,
// with a pending-task index per prefix. It implements the core
// hitl.Service contract.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/awesomeposter/flex/flex/hitl"
)

const (
	defaultPrefix  = "flex:hitl"
	defaultTaskTTL = 7 * 24 * time.Hour
	serviceName    = "flex-hitl-redis"
)

// ErrTaskNotFound indicates the task id has no stored record.
var ErrTaskNotFound = errors.New("hitl task not found")

type (
	// Config configures the Redis HITL service.
	Config struct {
		// Redis is the Redis client. Required.
		Redis *redis.Client
		// Prefix namespaces all keys. Multiple orchestrator instances
		// sharing a prefix and a Redis connection see the same tasks.
		// Defaults to "flex:hitl".
		Prefix string
		// TaskTTL bounds how long resolved tasks and requests are kept.
		// Pending tasks do not expire. Defaults to 7 days.
		TaskTTL time.Duration
	}

	// Service implements hitl.Service on Redis.
	Service struct {
		client  *redis.Client
		prefix  string
		taskTTL time.Duration
	}
)

// New creates a Redis HITL service.
func New(cfg Config) (*Service, error) {
	if cfg.Redis == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = defaultPrefix
	}
	ttl := cfg.TaskTTL
	if ttl <= 0 {
		ttl = defaultTaskTTL
	}
	return &Service{client: cfg.Redis, prefix: prefix, taskTTL: ttl}, nil
}

// Name implements health naming for probe registration.
func (s *Service) Name() string { return serviceName }

// Ping implements the health pinger contract.
func (s *Service) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// CreateRequest implements hitl.Service.
func (s *Service) CreateRequest(ctx context.Context, req hitl.Request) error {
	if req.ID == "" {
		return fmt.Errorf("hitl redis: request id is required")
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = time.Now().UTC()
	}
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("hitl redis: encode request %q: %w", req.ID, err)
	}
	if err := s.client.Set(ctx, s.requestKey(req.ID), data, s.taskTTL).Err(); err != nil {
		return fmt.Errorf("hitl redis: store request %q: %w", req.ID, err)
	}
	return nil
}

// CreateTask implements hitl.Service. The task is stored pending and
// added to the pending index.
func (s *Service) CreateTask(ctx context.Context, task hitl.Task) error {
	if task.ID == "" {
		return fmt.Errorf("hitl redis: task id is required")
	}
	if task.Status == "" {
		task.Status = hitl.TaskPending
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now().UTC()
	}
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("hitl redis: encode task %q: %w", task.ID, err)
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.taskKey(task.ID), data, 0)
	if task.Status == hitl.TaskPending {
		pipe.SAdd(ctx, s.pendingKey(), task.ID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("hitl redis: store task %q: %w", task.ID, err)
	}
	return nil
}

// ResolveTask implements hitl.Service, moving the task to a terminal
// status and dropping it from the pending index.
func (s *Service) ResolveTask(ctx context.Context, taskID string, status hitl.TaskStatus) error {
	task, err := s.loadTask(ctx, taskID)
	if err != nil {
		return err
	}
	task.Status = status
	task.UpdatedAt = time.Now().UTC()
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("hitl redis: encode task %q: %w", taskID, err)
	}
	pipe := s.client.TxPipeline()
	ttl := time.Duration(0)
	if status != hitl.TaskPending {
		ttl = s.taskTTL
		pipe.SRem(ctx, s.pendingKey(), taskID)
	}
	pipe.Set(ctx, s.taskKey(taskID), data, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("hitl redis: resolve task %q: %w", taskID, err)
	}
	return nil
}

// List implements hitl.Service, returning pending tasks that match the
// filter. Stale index entries whose task record expired are pruned.
func (s *Service) List(ctx context.Context, filter hitl.TaskFilter) ([]hitl.Task, error) {
	ids, err := s.client.SMembers(ctx, s.pendingKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("hitl redis: list pending tasks: %w", err)
	}
	var tasks []hitl.Task
	for _, id := range ids {
		task, err := s.loadTask(ctx, id)
		if errors.Is(err, ErrTaskNotFound) {
			s.client.SRem(ctx, s.pendingKey(), id)
			continue
		}
		if err != nil {
			return nil, err
		}
		if filter.Matches(task) {
			tasks = append(tasks, task)
		}
	}
	return tasks, nil
}

func (s *Service) loadTask(ctx context.Context, taskID string) (hitl.Task, error) {
	data, err := s.client.Get(ctx, s.taskKey(taskID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return hitl.Task{}, fmt.Errorf("hitl redis: task %q: %w", taskID, ErrTaskNotFound)
	}
	if err != nil {
		return hitl.Task{}, fmt.Errorf("hitl redis: load task %q: %w", taskID, err)
	}
	var task hitl.Task
	if err := json.Unmarshal(data, &task); err != nil {
		return hitl.Task{}, fmt.Errorf("hitl redis: decode task %q: %w", taskID, err)
	}
	return task, nil
}

func (s *Service) requestKey(id string) string { return s.prefix + ":request:" + id }
func (s *Service) taskKey(id string) string    { return s.prefix + ":task:" + id }
func (s *Service) pendingKey() string          { return s.prefix + ":tasks:pending" }
