package providers_test

import (
	"errors"
	"testing"

	"github.com/giantswarm/oauth-issuer/providers"
	"github.com/giantswarm/oauth-issuer/providers/mock"
)

func TestParams_Require(t *testing.T) {
	p := providers.Params{"email": "a@example.com"}

	v, err := p.Require("email")
	if err != nil || v != "a@example.com" {
		t.Errorf("Require(email) = %q, %v", v, err)
	}
	_, err = p.Require("code")
	if !errors.Is(err, providers.ErrMissingParam) {
		t.Errorf("Require(code) error = %v, want ErrMissingParam", err)
	}
	var missing *providers.MissingParamError
	if !errors.As(err, &missing) || missing.Param != "code" {
		t.Errorf("Require(code) error = %#v, want MissingParamError for code", err)
	}
	if p.Get("code") != "" {
		t.Error("Get(code) should be empty")
	}
}

func TestNewSet(t *testing.T) {
	a := mock.NewProvider("password")
	b := mock.NewProvider("magic")

	s, err := providers.NewSet(a, b)
	if err != nil {
		t.Fatalf("NewSet() error = %v", err)
	}
	if s.Len() != 2 {
		t.Errorf("Len() = %d", s.Len())
	}
	if names := s.Names(); names[0] != "magic" || names[1] != "password" {
		t.Errorf("Names() = %v", names)
	}
	if p, ok := s.Get("password"); !ok || p != a {
		t.Error("Get(password) did not return the registered provider")
	}
	if _, ok := s.Get("other"); ok {
		t.Error("Get(other) should not find a provider")
	}
}

func TestNewSet_Invalid(t *testing.T) {
	if _, err := providers.NewSet(mock.NewProvider("x"), mock.NewProvider("x")); err == nil {
		t.Error("duplicate names should be rejected")
	}
	if _, err := providers.NewSet(mock.NewProvider("")); err == nil {
		t.Error("empty name should be rejected")
	}
	if _, err := providers.NewSet(nil); err == nil {
		t.Error("nil provider should be rejected")
	}
}
