package security

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"time"
)

// Auditor writes security events to a structured logger. Email addresses are
// hashed before they are logged.
type Auditor struct {
	logger  *slog.Logger
	enabled bool
	now     func() time.Time
}

// NewAuditor creates a new security auditor
func NewAuditor(logger *slog.Logger, enabled bool) *Auditor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Auditor{
		logger:  logger,
		enabled: enabled,
		now:     time.Now,
	}
}

// SetClock replaces the time source used for event timestamps.
func (a *Auditor) SetClock(now func() time.Time) {
	if now != nil {
		a.now = now
	}
}

// Event represents a security audit event
type Event struct {
	Type      string
	Level     slog.Level
	Email     string
	SubjectID string
	ClientID  string
	IPAddress string
	Details   map[string]any
}

// LogEvent logs a security event. A nil Auditor discards events.
func (a *Auditor) LogEvent(event Event) {
	if a == nil || !a.enabled {
		return
	}

	attrs := []any{
		"event_type", event.Type,
		"timestamp", a.now(),
	}
	if event.Email != "" {
		attrs = append(attrs, "email_hash", HashForLogging(event.Email))
	}
	if event.SubjectID != "" {
		attrs = append(attrs, "subject_id", event.SubjectID)
	}
	if event.ClientID != "" {
		attrs = append(attrs, "client_id", event.ClientID)
	}
	if event.IPAddress != "" {
		attrs = append(attrs, "ip_address", event.IPAddress)
	}
	if len(event.Details) > 0 {
		attrs = append(attrs, "details", event.Details)
	}

	a.logger.Log(context.Background(), event.Level, "security_audit", attrs...)
}

// LogAuthorizationStarted logs an accepted authorization request.
func (a *Auditor) LogAuthorizationStarted(clientID, provider, ipAddress string) {
	a.LogEvent(Event{
		Type:      EventAuthorizationStarted,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details:   map[string]any{"provider": provider},
	})
}

// LogRejectedClient logs an unknown client or an unregistered redirect URI.
func (a *Auditor) LogRejectedClient(eventType, clientID, ipAddress string) {
	a.LogEvent(Event{
		Type:      eventType,
		Level:     slog.LevelWarn,
		ClientID:  clientID,
		IPAddress: ipAddress,
	})
}

// LogLoginCodeSent logs that a one-time code was generated for email.
func (a *Auditor) LogLoginCodeSent(email, ipAddress string) {
	a.LogEvent(Event{
		Type:      EventLoginCodeSent,
		Email:     email,
		IPAddress: ipAddress,
	})
}

// LogLoginFailed logs a failed verification.
func (a *Auditor) LogLoginFailed(email, ipAddress, reason string) {
	eventType := EventLoginFailed
	if reason == EventTooManyAttempts {
		eventType = EventTooManyAttempts
	}
	a.LogEvent(Event{
		Type:      eventType,
		Level:     slog.LevelWarn,
		Email:     email,
		IPAddress: ipAddress,
		Details:   map[string]any{"reason": reason},
	})
}

// LogLoginSucceeded logs a verified login.
func (a *Auditor) LogLoginSucceeded(email, provider, ipAddress string) {
	a.LogEvent(Event{
		Type:      EventLoginSucceeded,
		Email:     email,
		IPAddress: ipAddress,
		Details:   map[string]any{"provider": provider},
	})
}

// LogDeliveryFailed logs a delivery transport failure.
func (a *Auditor) LogDeliveryFailed(email, reason string) {
	a.LogEvent(Event{
		Type:    EventDeliveryFailed,
		Level:   slog.LevelWarn,
		Email:   email,
		Details: map[string]any{"reason": reason},
	})
}

// LogCodeIssued logs an issued authorization code.
func (a *Auditor) LogCodeIssued(subjectID, clientID string) {
	a.LogEvent(Event{
		Type:      EventAuthorizationCodeIssued,
		SubjectID: subjectID,
		ClientID:  clientID,
	})
}

// LogCodeExchangeFailed logs a failed code exchange. PKCE failures are
// reported under their own event type.
func (a *Auditor) LogCodeExchangeFailed(clientID, ipAddress, reason string, pkceFailure bool) {
	eventType := EventCodeExchangeFailed
	if pkceFailure {
		eventType = EventPKCEValidationFailed
	}
	a.LogEvent(Event{
		Type:      eventType,
		Level:     slog.LevelWarn,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details:   map[string]any{"reason": reason},
	})
}

// LogTokenIssued logs when a token is issued
func (a *Auditor) LogTokenIssued(subjectID, clientID, ipAddress, scope string) {
	a.LogEvent(Event{
		Type:      EventTokenIssued,
		SubjectID: subjectID,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details:   map[string]any{"scope": scope},
	})
}

// LogTokenRefreshed logs when a token is refreshed
func (a *Auditor) LogTokenRefreshed(subjectID, clientID, ipAddress string) {
	a.LogEvent(Event{
		Type:      EventTokenRefreshed,
		SubjectID: subjectID,
		ClientID:  clientID,
		IPAddress: ipAddress,
	})
}

// LogRefreshTokenRejected logs a rejected refresh token.
func (a *Auditor) LogRefreshTokenRejected(clientID, ipAddress, reason string) {
	a.LogEvent(Event{
		Type:      EventRefreshTokenRejected,
		Level:     slog.LevelWarn,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details:   map[string]any{"reason": reason},
	})
}

// LogRateLimitExceeded logs a rate limit violation
func (a *Auditor) LogRateLimitExceeded(ipAddress, scope string) {
	a.LogEvent(Event{
		Type:      EventRateLimitExceeded,
		Level:     slog.LevelWarn,
		IPAddress: ipAddress,
		Details:   map[string]any{"scope": scope},
	})
}

// LogEntropyCollision logs a collision of a freshly generated identifier.
func (a *Auditor) LogEntropyCollision(kind string) {
	a.LogEvent(Event{
		Type:    EventEntropyCollision,
		Level:   slog.LevelError,
		Details: map[string]any{"kind": kind},
	})
}

// HashForLogging returns a short SHA-256 prefix of sensitive data for log correlation.
func HashForLogging(sensitive string) string {
	if sensitive == "" {
		return "<empty>"
	}
	hash := sha256.Sum256([]byte(sensitive))
	return hex.EncodeToString(hash[:])[:16]
}
