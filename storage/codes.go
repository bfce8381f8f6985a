package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/giantswarm/oauth-issuer/pkce"
	"github.com/giantswarm/oauth-issuer/subject"
)

// DefaultCodeTTL is the lifetime of an authorization code. Codes are meant for
// immediate exchange.
const DefaultCodeTTL = 60 * time.Second

// AuthorizationCode is a one-time code bound to the client, redirect URI and PKCE
// challenge of the request that produced it.
type AuthorizationCode struct {
	Code                string          `json:"-"`
	ClientID            string          `json:"client_id"`
	RedirectURI         string          `json:"redirect_uri"`
	CodeChallenge       string          `json:"code_challenge"`
	CodeChallengeMethod string          `json:"code_challenge_method"`
	Scope               string          `json:"scope,omitempty"`
	Subject             subject.Encoded `json:"subject"`
	CreatedAt           time.Time       `json:"created_at"`
	ExpiresAt           time.Time       `json:"expires_at"`
}

// CodeStore issues and consumes authorization codes.
type CodeStore struct {
	recordStore
	ttl time.Duration
}

// NewCodeStore creates a code store. A non-positive ttl selects DefaultCodeTTL.
func NewCodeStore(kv KV, ttl time.Duration, logger *slog.Logger) *CodeStore {
	if ttl <= 0 {
		ttl = DefaultCodeTTL
	}
	return &CodeStore{recordStore: newRecordStore(kv, logger), ttl: ttl}
}

// TTL returns the code lifetime.
func (s *CodeStore) TTL() time.Duration {
	return s.ttl
}

// Issue stores code and returns its identifier. An identifier is generated when
// code.Code is empty. An existing record is never overwritten: a collision returns
// ErrEntropyCollision.
func (s *CodeStore) Issue(ctx context.Context, code *AuthorizationCode) (string, error) {
	if code == nil {
		return "", fmt.Errorf("authorization code is nil")
	}
	if code.Code == "" {
		code.Code = GenerateID()
	}

	now := s.now()
	code.CreatedAt = now
	code.ExpiresAt = now.Add(s.ttl)

	data, err := s.marshal(code)
	if err != nil {
		return "", err
	}

	stored, err := s.kv.PutIfAbsent(ctx, hashedKey(codePrefix, code.Code), data, s.ttl+expiredRetention)
	if err != nil {
		return "", fmt.Errorf("failed to store authorization code: %w", err)
	}
	if !stored {
		s.logger.Error("Authorization code identifier collision, random source may be broken",
			"client_id", code.ClientID)
		return "", ErrEntropyCollision
	}

	return code.Code, nil
}

// Consume takes the code out of the store and validates it. The take happens
// first, so the code is gone whether or not validation succeeds, and of several
// concurrent calls only one can get past ErrInvalidCode.
//
// Checks run in order: existence, expiry, client and redirect URI binding, PKCE.
func (s *CodeStore) Consume(ctx context.Context, code, clientID, redirectURI, codeVerifier string) (*AuthorizationCode, error) {
	if code == "" {
		return nil, ErrInvalidCode
	}

	data, err := s.kv.Take(ctx, hashedKey(codePrefix, code))
	if errors.Is(err, ErrNotFound) {
		return nil, ErrInvalidCode
	}
	if err != nil {
		return nil, fmt.Errorf("failed to consume authorization code: %w", err)
	}

	var ac AuthorizationCode
	if err := s.unmarshal(data, &ac); err != nil {
		return nil, err
	}
	ac.Code = code

	if s.now().After(ac.ExpiresAt) {
		return nil, ErrExpiredCode
	}
	if ac.ClientID != clientID || ac.RedirectURI != redirectURI {
		return nil, ErrClientMismatch
	}
	if err := pkce.Verify(ac.CodeChallengeMethod, ac.CodeChallenge, codeVerifier); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPKCEMismatch, err)
	}

	return &ac, nil
}
