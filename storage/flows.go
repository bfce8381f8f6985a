package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// DefaultFlowTTL bounds how long a user may take to authenticate.
const DefaultFlowTTL = 10 * time.Minute

// FlowSession is a validated authorization request waiting for the user to
// authenticate with a provider.
type FlowSession struct {
	ID                  string    `json:"-"`
	ClientID            string    `json:"client_id"`
	RedirectURI         string    `json:"redirect_uri"`
	State               string    `json:"state,omitempty"`
	Scope               string    `json:"scope,omitempty"`
	CodeChallenge       string    `json:"code_challenge"`
	CodeChallengeMethod string    `json:"code_challenge_method"`
	Provider            string    `json:"provider"`
	CreatedAt           time.Time `json:"created_at"`
	ExpiresAt           time.Time `json:"expires_at"`
}

// FlowStore keeps flow sessions between /authorize and the provider callback.
type FlowStore struct {
	recordStore
	ttl time.Duration
}

// NewFlowStore creates a flow store. A non-positive ttl selects DefaultFlowTTL.
func NewFlowStore(kv KV, ttl time.Duration, logger *slog.Logger) *FlowStore {
	if ttl <= 0 {
		ttl = DefaultFlowTTL
	}
	return &FlowStore{recordStore: newRecordStore(kv, logger), ttl: ttl}
}

// Save stores a new session under a fresh identifier and returns it.
func (s *FlowStore) Save(ctx context.Context, session *FlowSession) (string, error) {
	if session == nil {
		return "", fmt.Errorf("flow session is nil")
	}
	session.ID = GenerateID()
	now := s.now()
	session.CreatedAt = now
	session.ExpiresAt = now.Add(s.ttl)

	data, err := s.marshal(session)
	if err != nil {
		return "", err
	}

	stored, err := s.kv.PutIfAbsent(ctx, hashedKey(flowPrefix, session.ID), data, s.ttl+expiredRetention)
	if err != nil {
		return "", fmt.Errorf("failed to store flow session: %w", err)
	}
	if !stored {
		s.logger.Error("Flow session identifier collision, random source may be broken",
			"client_id", session.ClientID)
		return "", ErrEntropyCollision
	}
	return session.ID, nil
}

// Get returns the session without consuming it.
func (s *FlowStore) Get(ctx context.Context, id string) (*FlowSession, error) {
	if id == "" {
		return nil, ErrSessionNotFound
	}
	data, err := s.kv.Get(ctx, hashedKey(flowPrefix, id))
	return s.decode(id, data, err)
}

// Take removes and returns the session. Only one caller can complete a flow.
func (s *FlowStore) Take(ctx context.Context, id string) (*FlowSession, error) {
	if id == "" {
		return nil, ErrSessionNotFound
	}
	data, err := s.kv.Take(ctx, hashedKey(flowPrefix, id))
	return s.decode(id, data, err)
}

func (s *FlowStore) decode(id string, data []byte, err error) (*FlowSession, error) {
	if errors.Is(err, ErrNotFound) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load flow session: %w", err)
	}

	var session FlowSession
	if err := s.unmarshal(data, &session); err != nil {
		return nil, err
	}
	session.ID = id

	if s.now().After(session.ExpiresAt) {
		return nil, ErrSessionExpired
	}
	return &session, nil
}
