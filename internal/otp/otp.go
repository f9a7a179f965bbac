// Package otp issues and verifies the one-time tokens a remote agent uses to call back for a task.
package otp

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/bcrypt"
)

const defaultTTL = 24 * time.Hour

// ErrEmptyTaskID is returned when a token is requested for an empty task id
var ErrEmptyTaskID = errors.New("task id is required")

// Manager issues, verifies and revokes tokens bound to a task id
type Manager interface {
	// Issue generates a fresh token for taskID, replacing any previous one.
	Issue(ctx context.Context, taskID string) (string, error)
	// Verify reports whether token is the live token of taskID.
	Verify(ctx context.Context, taskID, token string) (bool, error)
	// Revoke drops the token of taskID. Unknown tasks are ignored.
	Revoke(ctx context.Context, taskID string) error
}

// Config holds token lifetime and hashing settings
type Config struct {
	TTL      time.Duration
	HashCost int
}

func (c Config) withDefaults() Config {
	if c.TTL <= 0 {
		c.TTL = defaultTTL
	}
	if c.HashCost == 0 {
		c.HashCost = bcrypt.DefaultCost
	}
	return c
}

// GenerateToken generates a random token string
func GenerateToken() (string, error) {
	bytes := make([]byte, 32)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return hex.EncodeToString(bytes), nil
}

// hashToken returns the bcrypt hash stored in place of the plain token
func hashToken(token string, cost int) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(token), cost)
	if err != nil {
		return "", fmt.Errorf("failed to hash token: %w", err)
	}
	return string(hash), nil
}

func matches(hash, token string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(token)) == nil
}
