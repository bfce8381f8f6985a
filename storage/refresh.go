package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/giantswarm/oauth-issuer/subject"
)

// DefaultRefreshTTL is the lifetime of a refresh token.
const DefaultRefreshTTL = 30 * 24 * time.Hour

// RefreshRecord is the server-side state behind an opaque refresh token.
type RefreshRecord struct {
	ClientID  string          `json:"client_id"`
	Scope     string          `json:"scope,omitempty"`
	Subject   subject.Encoded `json:"subject"`
	CreatedAt time.Time       `json:"created_at"`
	ExpiresAt time.Time       `json:"expires_at"`
}

// RefreshStore issues refresh tokens and consumes them exactly once. Only a hash
// of each token is used as its key.
type RefreshStore struct {
	recordStore
	ttl time.Duration
}

// NewRefreshStore creates a refresh store. A non-positive ttl selects DefaultRefreshTTL.
func NewRefreshStore(kv KV, ttl time.Duration, logger *slog.Logger) *RefreshStore {
	if ttl <= 0 {
		ttl = DefaultRefreshTTL
	}
	return &RefreshStore{recordStore: newRecordStore(kv, logger), ttl: ttl}
}

// TTL returns the refresh token lifetime.
func (s *RefreshStore) TTL() time.Duration {
	return s.ttl
}

// Issue stores rec under a new token and returns the token.
func (s *RefreshStore) Issue(ctx context.Context, rec *RefreshRecord) (string, error) {
	if rec == nil {
		return "", fmt.Errorf("refresh record is nil")
	}
	now := s.now()
	rec.CreatedAt = now
	rec.ExpiresAt = now.Add(s.ttl)

	data, err := s.marshal(rec)
	if err != nil {
		return "", err
	}

	token := GenerateID()
	stored, err := s.kv.PutIfAbsent(ctx, hashedKey(refreshPrefix, token), data, s.ttl+expiredRetention)
	if err != nil {
		return "", fmt.Errorf("failed to store refresh token: %w", err)
	}
	if !stored {
		s.logger.Error("Refresh token collision, random source may be broken", "client_id", rec.ClientID)
		return "", ErrEntropyCollision
	}
	return token, nil
}

// Consume takes the token out of the store and validates expiry and client binding.
// The token is gone afterwards whatever the outcome.
func (s *RefreshStore) Consume(ctx context.Context, token, clientID string) (*RefreshRecord, error) {
	if token == "" {
		return nil, ErrInvalidRefreshToken
	}

	data, err := s.kv.Take(ctx, hashedKey(refreshPrefix, token))
	if errors.Is(err, ErrNotFound) {
		return nil, ErrInvalidRefreshToken
	}
	if err != nil {
		return nil, fmt.Errorf("failed to consume refresh token: %w", err)
	}

	var rec RefreshRecord
	if err := s.unmarshal(data, &rec); err != nil {
		return nil, err
	}
	if s.now().After(rec.ExpiresAt) {
		return nil, ErrExpiredRefreshToken
	}
	if rec.ClientID != clientID {
		return nil, ErrClientMismatch
	}
	return &rec, nil
}
