package mock

import (
	"context"
	"errors"
	"testing"

	"github.com/giantswarm/oauth-issuer/providers"
)

func TestProvider_Defaults(t *testing.T) {
	p := NewProvider("mock")
	ctx := context.Background()

	if err := p.Start(ctx, providers.Params{}); err != nil {
		t.Errorf("Start() error = %v", err)
	}
	id, err := p.Verify(ctx, providers.Params{"email": "a@example.com"})
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if id.Email != "a@example.com" || id.Provider != "mock" {
		t.Errorf("Verify() = %+v", id)
	}
	if _, err := p.Verify(ctx, providers.Params{}); !errors.Is(err, providers.ErrMissingParam) {
		t.Errorf("Verify() without email error = %v", err)
	}

	if p.CallCount("Start") != 1 || p.CallCount("Verify") != 2 {
		t.Errorf("call counts = %d/%d", p.CallCount("Start"), p.CallCount("Verify"))
	}
	p.ResetCallCounts()
	if p.CallCount("Verify") != 0 {
		t.Error("ResetCallCounts() did not reset")
	}
}

func TestProvider_Unconfigured(t *testing.T) {
	p := NewProvider("mock")
	p.StartFunc = nil
	p.VerifyFunc = nil

	if err := p.Start(context.Background(), nil); err == nil {
		t.Error("Start() should fail without StartFunc")
	}
	if _, err := p.Verify(context.Background(), nil); err == nil {
		t.Error("Verify() should fail without VerifyFunc")
	}
}
