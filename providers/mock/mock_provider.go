// Package mock provides a configurable implementation of providers.Provider for
// tests.
package mock

import (
	"context"
	"errors"
	"sync"

	"github.com/giantswarm/oauth-issuer/providers"
)

// Provider is a mock implementation of the providers.Provider interface.
type Provider struct {
	name string

	// StartFunc is called when Start() is invoked
	StartFunc func(ctx context.Context, params providers.Params) error

	// VerifyFunc is called when Verify() is invoked
	VerifyFunc func(ctx context.Context, params providers.Params) (*providers.Identity, error)

	// callCounts tracks how many times each method was called
	callCounts map[string]int
	mu         sync.RWMutex
}

var _ providers.Provider = (*Provider)(nil)

// NewProvider creates a mock provider. By default Start succeeds and Verify
// returns the identity named by the "email" parameter.
func NewProvider(name string) *Provider {
	m := &Provider{
		name:       name,
		callCounts: make(map[string]int),
	}
	m.StartFunc = func(context.Context, providers.Params) error { return nil }
	m.VerifyFunc = func(_ context.Context, params providers.Params) (*providers.Identity, error) {
		email, err := params.Require("email")
		if err != nil {
			return nil, err
		}
		return &providers.Identity{Provider: m.name, Email: email}, nil
	}
	return m
}

// Name returns the provider name.
func (m *Provider) Name() string {
	m.count("Name")
	return m.name
}

// Start records the call and delegates to StartFunc.
func (m *Provider) Start(ctx context.Context, params providers.Params) error {
	// Release the lock before calling the user function, which may call back
	// into the mock.
	m.mu.Lock()
	m.callCounts["Start"]++
	fn := m.StartFunc
	m.mu.Unlock()

	if fn == nil {
		return errors.New("StartFunc not configured")
	}
	return fn(ctx, params)
}

// Verify records the call and delegates to VerifyFunc.
func (m *Provider) Verify(ctx context.Context, params providers.Params) (*providers.Identity, error) {
	m.mu.Lock()
	m.callCounts["Verify"]++
	fn := m.VerifyFunc
	m.mu.Unlock()

	if fn == nil {
		return nil, errors.New("VerifyFunc not configured")
	}
	return fn(ctx, params)
}

// CallCount returns the number of times a method was called.
func (m *Provider) CallCount(method string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.callCounts[method]
}

// ResetCallCounts resets all call counters.
func (m *Provider) ResetCallCounts() {
	m.mu.Lock()
	m.callCounts = make(map[string]int)
	m.mu.Unlock()
}

func (m *Provider) count(method string) {
	m.mu.Lock()
	m.callCounts[method]++
	m.mu.Unlock()
}
