package memstore

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisStore keeps staged files in Redis hashes.
//
// Layout:
//
//	memstore:<task>:<step>  hash name -> content
//	memstore:<task>:steps   set of step ids staged for the task
//
// Both keys expire after ttl so files of a task that is never stopped do not linger.
type RedisStore struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewRedisStore creates a Redis backed store. A ttl of 0 keeps files until Drop.
func NewRedisStore(rdb *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{rdb: rdb, ttl: ttl}
}

func filesKey(taskID, stepID string) string {
	return fmt.Sprintf("memstore:%s:%s", taskID, stepID)
}

func stepsKey(taskID string) string {
	return fmt.Sprintf("memstore:%s:steps", taskID)
}

// Add stores content and records the step for later Drop
func (s *RedisStore) Add(ctx context.Context, taskID, stepID, name, content string) error {
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, filesKey(taskID, stepID), name, content)
		pipe.SAdd(ctx, stepsKey(taskID), stepID)
		if s.ttl > 0 {
			pipe.Expire(ctx, filesKey(taskID, stepID), s.ttl)
			pipe.Expire(ctx, stepsKey(taskID), s.ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to stage %s for task %s: %w", name, taskID, err)
	}
	return nil
}

// Get returns a staged file
func (s *RedisStore) Get(ctx context.Context, taskID, stepID, name string) (string, error) {
	content, err := s.rdb.HGet(ctx, filesKey(taskID, stepID), name).Result()
	if err == redis.Nil {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to read staged file: %w", err)
	}
	return content, nil
}

// Drop removes every step of the task
func (s *RedisStore) Drop(ctx context.Context, taskID string) error {
	steps, err := s.rdb.SMembers(ctx, stepsKey(taskID)).Result()
	if err != nil {
		return fmt.Errorf("failed to list staged steps: %w", err)
	}

	keys := make([]string, 0, len(steps)+1)
	for _, step := range steps {
		keys = append(keys, filesKey(taskID, step))
	}
	keys = append(keys, stepsKey(taskID))

	if err := s.rdb.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("failed to drop staged files: %w", err)
	}
	return nil
}
