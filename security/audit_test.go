package security

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func newTestAuditor(enabled bool) (*Auditor, *bytes.Buffer) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	a := NewAuditor(logger, enabled)
	a.SetClock(func() time.Time { return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) })
	return a, &buf
}

func decodeLine(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal(buf.Bytes(), &m); err != nil {
		t.Fatalf("failed to decode log line %q: %v", buf.String(), err)
	}
	return m
}

func TestNewAuditor_NilLogger(t *testing.T) {
	a := NewAuditor(nil, true)
	if a.logger == nil {
		t.Error("logger should not be nil")
	}
}

func TestAuditor_Disabled(t *testing.T) {
	a, buf := newTestAuditor(false)
	a.LogTokenIssued("user:abc", "mpe-web", "10.0.0.1", "")
	if buf.Len() != 0 {
		t.Errorf("disabled auditor wrote %q", buf.String())
	}

	var nilAuditor *Auditor
	nilAuditor.LogEntropyCollision("code")
}

func TestAuditor_HashesEmail(t *testing.T) {
	a, buf := newTestAuditor(true)
	a.LogLoginCodeSent("a@example.com", "10.0.0.1")

	if strings.Contains(buf.String(), "a@example.com") {
		t.Fatal("log line contains the raw email address")
	}
	m := decodeLine(t, buf)
	if m["event_type"] != EventLoginCodeSent {
		t.Errorf("event_type = %v, want %s", m["event_type"], EventLoginCodeSent)
	}
	if m["email_hash"] != HashForLogging("a@example.com") {
		t.Errorf("email_hash = %v", m["email_hash"])
	}
	if m["ip_address"] != "10.0.0.1" {
		t.Errorf("ip_address = %v", m["ip_address"])
	}
}

func TestAuditor_Levels(t *testing.T) {
	tests := []struct {
		name      string
		log       func(a *Auditor)
		wantType  string
		wantLevel string
	}{
		{
			name:      "code issued",
			log:       func(a *Auditor) { a.LogCodeIssued("user:abc", "mpe-web") },
			wantType:  EventAuthorizationCodeIssued,
			wantLevel: "INFO",
		},
		{
			name:      "login failed",
			log:       func(a *Auditor) { a.LogLoginFailed("a@example.com", "", "code_mismatch") },
			wantType:  EventLoginFailed,
			wantLevel: "WARN",
		},
		{
			name:      "too many attempts",
			log:       func(a *Auditor) { a.LogLoginFailed("a@example.com", "", EventTooManyAttempts) },
			wantType:  EventTooManyAttempts,
			wantLevel: "WARN",
		},
		{
			name:      "pkce failure",
			log:       func(a *Auditor) { a.LogCodeExchangeFailed("mpe-web", "", "pkce", true) },
			wantType:  EventPKCEValidationFailed,
			wantLevel: "WARN",
		},
		{
			name:      "code exchange failure",
			log:       func(a *Auditor) { a.LogCodeExchangeFailed("mpe-web", "", "expired", false) },
			wantType:  EventCodeExchangeFailed,
			wantLevel: "WARN",
		},
		{
			name:      "entropy collision",
			log:       func(a *Auditor) { a.LogEntropyCollision("code") },
			wantType:  EventEntropyCollision,
			wantLevel: "ERROR",
		},
		{
			name:      "invalid redirect",
			log:       func(a *Auditor) { a.LogRejectedClient(EventInvalidRedirect, "mpe-web", "") },
			wantType:  EventInvalidRedirect,
			wantLevel: "WARN",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, buf := newTestAuditor(true)
			tt.log(a)
			m := decodeLine(t, buf)
			if m["event_type"] != tt.wantType {
				t.Errorf("event_type = %v, want %s", m["event_type"], tt.wantType)
			}
			if m["level"] != tt.wantLevel {
				t.Errorf("level = %v, want %s", m["level"], tt.wantLevel)
			}
		})
	}
}

func TestHashForLogging(t *testing.T) {
	if got := HashForLogging(""); got != "<empty>" {
		t.Errorf("HashForLogging(\"\") = %q", got)
	}
	h := HashForLogging("a@example.com")
	if len(h) != 16 {
		t.Errorf("hash length = %d, want 16", len(h))
	}
	if h != HashForLogging("a@example.com") {
		t.Error("hash should be deterministic")
	}
	if h == HashForLogging("b@example.com") {
		t.Error("different inputs should hash differently")
	}
}
