package otp

import (
	"context"
	"fmt"

	"github.com/go-redis/redis/v8"
)

// RedisManager keeps token hashes in Redis with a TTL
type RedisManager struct {
	rdb *redis.Client
	cfg Config
}

// NewRedisManager creates a Redis backed token manager
func NewRedisManager(rdb *redis.Client, cfg Config) *RedisManager {
	return &RedisManager{rdb: rdb, cfg: cfg.withDefaults()}
}

func tokenKey(taskID string) string {
	return fmt.Sprintf("otp:task:%s", taskID)
}

// Issue creates a new token for the task and stores its hash
func (m *RedisManager) Issue(ctx context.Context, taskID string) (string, error) {
	if taskID == "" {
		return "", ErrEmptyTaskID
	}

	token, err := GenerateToken()
	if err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	hash, err := hashToken(token, m.cfg.HashCost)
	if err != nil {
		return "", err
	}

	if err := m.rdb.Set(ctx, tokenKey(taskID), hash, m.cfg.TTL).Err(); err != nil {
		return "", fmt.Errorf("failed to store token in Redis: %w", err)
	}
	return token, nil
}

// Verify checks token against the stored hash without consuming it
func (m *RedisManager) Verify(ctx context.Context, taskID, token string) (bool, error) {
	if taskID == "" || token == "" {
		return false, nil
	}

	hash, err := m.rdb.Get(ctx, tokenKey(taskID)).Result()
	if err == redis.Nil {
		return false, nil // revoked or expired
	}
	if err != nil {
		return false, fmt.Errorf("failed to get token: %w", err)
	}
	return matches(hash, token), nil
}

// Revoke deletes the token of the task
func (m *RedisManager) Revoke(ctx context.Context, taskID string) error {
	if err := m.rdb.Del(ctx, tokenKey(taskID)).Err(); err != nil {
		return fmt.Errorf("failed to revoke token: %w", err)
	}
	return nil
}
