// Package identity resolves verified email addresses to durable user IDs.
//
// The flow never calls a Store itself. It is used from the success callback
// that turns a verified identity into a token subject.
package identity

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// ErrInvalidEmail is returned for an empty email address.
var ErrInvalidEmail = errors.New("email is required")

// Store maps email addresses to user IDs.
type Store interface {
	// UpsertUser returns the ID of the user with the given email, creating the
	// user if needed. Concurrent calls for one email return the same ID.
	UpsertUser(ctx context.Context, email string) (string, error)
}

// NormalizeEmail returns the canonical form under which users are stored.
func NormalizeEmail(email string) (string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return "", ErrInvalidEmail
	}
	return email, nil
}

// MemoryStore is an in-process Store for development and tests.
type MemoryStore struct {
	mu    sync.Mutex
	users map[string]string
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{users: make(map[string]string)}
}

// UpsertUser implements Store.
func (s *MemoryStore) UpsertUser(_ context.Context, email string) (string, error) {
	email, err := NormalizeEmail(email)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.users[email]; ok {
		return id, nil
	}
	id := uuid.NewString()
	s.users[email] = id
	return id, nil
}

// Len returns the number of users.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.users)
}

var _ Store = (*MemoryStore)(nil)
