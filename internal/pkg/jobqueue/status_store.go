package jobqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	StatusKeyPrefix  = "task:status:"
	DefaultStatusTTL = time.Hour
)

// RedisStatusStore mirrors task snapshots to Redis under task:status:<id>.
type RedisStatusStore struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisStatusStore(client *redis.Client, ttl time.Duration) *RedisStatusStore {
	if ttl <= 0 {
		ttl = DefaultStatusTTL
	}
	return &RedisStatusStore{client: client, ttl: ttl}
}

// Save stores the task as JSON, refreshing the TTL.
func (s *RedisStatusStore) Save(ctx context.Context, task Task) error {
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to marshal task: %w", err)
	}
	return s.client.Set(ctx, StatusKeyPrefix+task.ID, data, s.ttl).Err()
}

// Load reads a mirrored task. Unknown ids return ErrTaskNotFound.
func (s *RedisStatusStore) Load(ctx context.Context, id string) (Task, error) {
	data, err := s.client.Get(ctx, StatusKeyPrefix+id).Bytes()
	if errors.Is(err, redis.Nil) {
		return Task{}, ErrTaskNotFound
	}
	if err != nil {
		return Task{}, err
	}
	var task Task
	if err := json.Unmarshal(data, &task); err != nil {
		return Task{}, fmt.Errorf("failed to unmarshal task: %w", err)
	}
	return task, nil
}
