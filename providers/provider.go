package providers

import (
	"context"
	"errors"
	"fmt"
	"sort"
)

// ErrMissingParam is returned when a required login parameter is absent.
var ErrMissingParam = errors.New("missing login parameter")

// MissingParamError names the absent parameter. It matches ErrMissingParam.
type MissingParamError struct {
	Param string
}

func (e *MissingParamError) Error() string {
	return fmt.Sprintf("%s: %s", ErrMissingParam, e.Param)
}

func (e *MissingParamError) Is(target error) bool {
	return target == ErrMissingParam
}

// Provider authenticates a user in two steps. Start begins a login (for example
// by sending a one-time code) and may be repeated. Verify checks what the user
// submitted and returns the verified identity.
type Provider interface {
	// Name is the provider identifier used in URLs and flow sessions.
	Name() string

	// Start begins a login attempt.
	Start(ctx context.Context, params Params) error

	// Verify completes a login attempt. Failures are retryable unless the
	// provider says otherwise.
	Verify(ctx context.Context, params Params) (*Identity, error)
}

// Identity is a user identity verified by a provider.
type Identity struct {
	// Provider is the name of the provider that verified the identity.
	Provider string

	// Email is the verified email address.
	Email string

	// Claims holds provider specific attributes.
	Claims map[string]any
}

// Params are the form values a user submitted to a provider.
type Params map[string]string

// Get returns the value of key, or "".
func (p Params) Get(key string) string {
	return p[key]
}

// Require returns the value of key or ErrMissingParam.
func (p Params) Require(key string) (string, error) {
	v := p[key]
	if v == "" {
		return "", &MissingParamError{Param: key}
	}
	return v, nil
}

// Set is a collection of providers keyed by name.
type Set struct {
	byName map[string]Provider
}

// NewSet builds a provider set. Names must be unique and non-empty.
func NewSet(list ...Provider) (*Set, error) {
	s := &Set{byName: make(map[string]Provider, len(list))}
	for _, p := range list {
		if p == nil {
			return nil, errors.New("provider is nil")
		}
		name := p.Name()
		if name == "" {
			return nil, errors.New("provider name is empty")
		}
		if _, exists := s.byName[name]; exists {
			return nil, fmt.Errorf("duplicate provider %q", name)
		}
		s.byName[name] = p
	}
	return s, nil
}

// Get returns the provider registered under name.
func (s *Set) Get(name string) (Provider, bool) {
	p, ok := s.byName[name]
	return p, ok
}

// Names returns the registered provider names in sorted order.
func (s *Set) Names() []string {
	names := make([]string, 0, len(s.byName))
	for name := range s.byName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of providers.
func (s *Set) Len() int {
	return len(s.byName)
}
