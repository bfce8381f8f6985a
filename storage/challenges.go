package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// PendingChallenge is an outstanding one-time code sent to a user. Only a keyed
// hash of the code is kept.
type PendingChallenge struct {
	Email        string    `json:"email"`
	CodeHash     []byte    `json:"code_hash"`
	CreatedAt    time.Time `json:"created_at"`
	ExpiresAt    time.Time `json:"expires_at"`
	AttemptCount int       `json:"-"`
}

// ChallengeStore keeps pending challenges keyed by email, with the attempt counter
// held in a separate key so it can be incremented atomically.
type ChallengeStore struct {
	recordStore
}

// NewChallengeStore creates a challenge store.
func NewChallengeStore(kv KV, logger *slog.Logger) *ChallengeStore {
	return &ChallengeStore{recordStore: newRecordStore(kv, logger)}
}

// Save replaces any challenge for the same email and resets its attempt counter.
func (s *ChallengeStore) Save(ctx context.Context, ch *PendingChallenge) error {
	if ch == nil || ch.Email == "" {
		return fmt.Errorf("invalid challenge")
	}
	ttl := ch.ExpiresAt.Sub(ch.CreatedAt)
	if ttl <= 0 {
		return fmt.Errorf("challenge expiry must be after creation")
	}

	data, err := s.marshal(ch)
	if err != nil {
		return err
	}

	if _, err := s.kv.DeleteIfPresent(ctx, hashedKey(attemptsPrefix, ch.Email)); err != nil {
		return fmt.Errorf("failed to reset challenge attempts: %w", err)
	}
	if err := s.kv.Put(ctx, hashedKey(challengePrefix, ch.Email), data, ttl+expiredRetention); err != nil {
		return fmt.Errorf("failed to store challenge: %w", err)
	}
	return nil
}

// Get returns the pending challenge for email with its current attempt count,
// or ErrNotFound.
func (s *ChallengeStore) Get(ctx context.Context, email string) (*PendingChallenge, error) {
	data, err := s.kv.Get(ctx, hashedKey(challengePrefix, email))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load challenge: %w", err)
	}

	var ch PendingChallenge
	if err := s.unmarshal(data, &ch); err != nil {
		return nil, err
	}

	count, err := s.kv.Get(ctx, hashedKey(attemptsPrefix, email))
	switch {
	case errors.Is(err, ErrNotFound):
	case err != nil:
		return nil, fmt.Errorf("failed to load challenge attempts: %w", err)
	default:
		if _, err := fmt.Sscan(string(count), &ch.AttemptCount); err != nil {
			return nil, fmt.Errorf("invalid attempt counter: %w", err)
		}
	}

	return &ch, nil
}

// RecordAttempt atomically increments the attempt counter for email and returns
// the new count. The counter lives as long as the challenge.
func (s *ChallengeStore) RecordAttempt(ctx context.Context, ch *PendingChallenge) (int, error) {
	ttl := ch.ExpiresAt.Sub(s.now()) + expiredRetention
	if ttl < time.Second {
		ttl = time.Second
	}
	n, err := s.kv.Increment(ctx, hashedKey(attemptsPrefix, ch.Email), ttl)
	if err != nil {
		return 0, fmt.Errorf("failed to record challenge attempt: %w", err)
	}
	return int(n), nil
}

// Delete removes the challenge for email and reports whether it was present.
// Exactly one of several concurrent callers sees true.
func (s *ChallengeStore) Delete(ctx context.Context, email string) (bool, error) {
	deleted, err := s.kv.DeleteIfPresent(ctx, hashedKey(challengePrefix, email))
	if err != nil {
		return false, fmt.Errorf("failed to delete challenge: %w", err)
	}
	if _, err := s.kv.DeleteIfPresent(ctx, hashedKey(attemptsPrefix, email)); err != nil {
		s.logger.Warn("Failed to delete challenge attempt counter", "error", err)
	}
	return deleted, nil
}
