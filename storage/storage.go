package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	"golang.org/x/oauth2"
)

// KV is the shared key-value store that holds every piece of short-lived flow state:
// pending challenges, flow sessions, authorization codes and refresh tokens.
//
// Backends MUST be linearizable per key. Take, PutIfAbsent, DeleteIfPresent and
// Increment must be atomic with respect to concurrent callers in every process that
// shares the backend. Single-use codes are only single-use if this holds, so an
// eventually consistent store cannot back a KV.
type KV interface {
	// Get returns the value stored under key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Put stores value under key, replacing any existing value.
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// PutIfAbsent stores value only when key does not exist. It reports whether
	// the value was stored.
	PutIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)

	// Take atomically returns and deletes the value under key, or ErrNotFound.
	// Of any number of concurrent Take calls for one key, at most one gets the value.
	Take(ctx context.Context, key string) ([]byte, error)

	// DeleteIfPresent atomically deletes key and reports whether it existed.
	DeleteIfPresent(ctx context.Context, key string) (bool, error)

	// Increment atomically adds one to the counter under key and returns the new
	// value. A counter created by this call expires after ttl.
	Increment(ctx context.Context, key string, ttl time.Duration) (int64, error)
}

// ErrNotFound is returned by KV implementations when a key does not exist or has expired.
var ErrNotFound = errors.New("key not found")

// Key namespaces. Backends add their own prefix on top.
const (
	codePrefix      = "code:"
	challengePrefix = "challenge:"
	attemptsPrefix  = "attempts:"
	flowPrefix      = "flow:"
	refreshPrefix   = "refresh:"
)

// expiredRetention keeps records readable past their logical expiry so that
// callers get a precise "expired" error instead of "not found".
const expiredRetention = time.Minute

// GenerateID returns a random opaque identifier with 256 bits of entropy.
func GenerateID() string {
	return oauth2.GenerateVerifier()
}

// hashedKey derives a storage key from a secret so raw codes, tokens and email
// addresses never appear in key names.
func hashedKey(prefix, secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return prefix + hex.EncodeToString(sum[:])
}
