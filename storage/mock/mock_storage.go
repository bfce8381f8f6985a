// Package mock provides a storage.KV whose operations can be overridden per
// test, for injecting backend failures and forcing rare outcomes such as
// identifier collisions.
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/giantswarm/oauth-issuer/storage"
	"github.com/giantswarm/oauth-issuer/storage/memory"
)

// KV delegates to an in-memory store unless the matching Func field is set.
type KV struct {
	Inner storage.KV

	GetFunc             func(ctx context.Context, key string) ([]byte, error)
	PutFunc             func(ctx context.Context, key string, value []byte, ttl time.Duration) error
	PutIfAbsentFunc     func(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	TakeFunc            func(ctx context.Context, key string) ([]byte, error)
	DeleteIfPresentFunc func(ctx context.Context, key string) (bool, error)
	IncrementFunc       func(ctx context.Context, key string, ttl time.Duration) (int64, error)

	mu         sync.Mutex
	callCounts map[string]int
}

var _ storage.KV = (*KV)(nil)

// NewKV creates a mock backed by a fresh memory store. The memory store is
// stopped when the test ends.
func NewKV(t interface{ Cleanup(func()) }) *KV {
	inner := memory.New()
	t.Cleanup(inner.Stop)
	return &KV{Inner: inner, callCounts: make(map[string]int)}
}

// CallCount returns how often the named operation was called.
func (m *KV) CallCount(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.callCounts[op]
}

// ResetCallCounts clears all call counters.
func (m *KV) ResetCallCounts() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callCounts = make(map[string]int)
}

func (m *KV) count(op string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.callCounts == nil {
		m.callCounts = make(map[string]int)
	}
	m.callCounts[op]++
}

// Get implements storage.KV.
func (m *KV) Get(ctx context.Context, key string) ([]byte, error) {
	m.count("Get")
	if m.GetFunc != nil {
		return m.GetFunc(ctx, key)
	}
	return m.Inner.Get(ctx, key)
}

// Put implements storage.KV.
func (m *KV) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	m.count("Put")
	if m.PutFunc != nil {
		return m.PutFunc(ctx, key, value, ttl)
	}
	return m.Inner.Put(ctx, key, value, ttl)
}

// PutIfAbsent implements storage.KV.
func (m *KV) PutIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	m.count("PutIfAbsent")
	if m.PutIfAbsentFunc != nil {
		return m.PutIfAbsentFunc(ctx, key, value, ttl)
	}
	return m.Inner.PutIfAbsent(ctx, key, value, ttl)
}

// Take implements storage.KV.
func (m *KV) Take(ctx context.Context, key string) ([]byte, error) {
	m.count("Take")
	if m.TakeFunc != nil {
		return m.TakeFunc(ctx, key)
	}
	return m.Inner.Take(ctx, key)
}

// DeleteIfPresent implements storage.KV.
func (m *KV) DeleteIfPresent(ctx context.Context, key string) (bool, error) {
	m.count("DeleteIfPresent")
	if m.DeleteIfPresentFunc != nil {
		return m.DeleteIfPresentFunc(ctx, key)
	}
	return m.Inner.DeleteIfPresent(ctx, key)
}

// Increment implements storage.KV.
func (m *KV) Increment(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	m.count("Increment")
	if m.IncrementFunc != nil {
		return m.IncrementFunc(ctx, key, ttl)
	}
	return m.Inner.Increment(ctx, key, ttl)
}
