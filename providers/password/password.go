// Package password implements a login provider that verifies an email address
// with a one-time numeric code sent out of band.
//
// Only an HMAC of the code is stored. Every verification increments an
// attempt counter before the code is compared, so a challenge that reached
// the attempt bound rejects even the correct code.
package password

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/giantswarm/oauth-issuer/delivery"
	"github.com/giantswarm/oauth-issuer/instrumentation"
	"github.com/giantswarm/oauth-issuer/providers"
	"github.com/giantswarm/oauth-issuer/security"
	"github.com/giantswarm/oauth-issuer/storage"
)

// Name is the provider name.
const Name = "password"

const (
	DefaultCodeTTL     = 10 * time.Minute
	DefaultMaxAttempts = 5
	DefaultCodeLength  = 6

	minPepperLength = 16
)

var (
	// ErrNoPendingChallenge is returned when there is no challenge for the email,
	// including after the challenge was used.
	ErrNoPendingChallenge = errors.New("no pending login challenge")

	// ErrExpiredChallenge is returned when the challenge is past its expiry.
	ErrExpiredChallenge = errors.New("login challenge expired")

	// ErrTooManyAttempts is returned once the attempt bound is exceeded.
	ErrTooManyAttempts = errors.New("too many login attempts")

	// ErrCodeMismatch is returned when the submitted code is wrong.
	ErrCodeMismatch = errors.New("login code does not match")

	// ErrInvalidEmail is returned for a malformed email address.
	ErrInvalidEmail = errors.New("invalid email address")

	// ErrRateLimited is returned when codes are requested too often for one email.
	ErrRateLimited = errors.New("too many login codes requested")
)

// Config configures the provider.
type Config struct {
	// Challenges stores pending challenges (required).
	Challenges *storage.ChallengeStore

	// Pepper keys the HMAC of stored codes (required, at least 16 bytes).
	Pepper []byte

	// Sender delivers codes (required).
	Sender delivery.Sender

	// CodeTTL is how long a code stays valid (default: 10 minutes).
	CodeTTL time.Duration

	// MaxAttempts bounds verification attempts per challenge (default: 5).
	MaxAttempts int

	// CodeLength is the number of digits (default: 6).
	CodeLength int

	// RateLimiter limits code requests per email. Optional.
	RateLimiter *security.RateLimiter

	// Auditor records security events. Optional.
	Auditor *security.Auditor

	// Instrumentation records metrics. Optional.
	Instrumentation *instrumentation.Instrumentation

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Provider is the password provider.
type Provider struct {
	challenges  *storage.ChallengeStore
	pepper      []byte
	sender      delivery.Sender
	codeTTL     time.Duration
	maxAttempts int
	codeLength  int
	limiter     *security.RateLimiter
	auditor     *security.Auditor
	metrics     *instrumentation.Metrics
	logger      *slog.Logger
	validate    *validator.Validate

	now          func() time.Time
	generateCode func(length int) (string, error)
}

var _ providers.Provider = (*Provider)(nil)

// New creates a password provider.
func New(cfg Config) (*Provider, error) {
	if cfg.Challenges == nil {
		return nil, errors.New("challenge store is required")
	}
	if len(cfg.Pepper) < minPepperLength {
		return nil, fmt.Errorf("pepper must be at least %d bytes", minPepperLength)
	}
	if cfg.Sender == nil {
		return nil, errors.New("sender is required")
	}
	if cfg.CodeTTL <= 0 {
		cfg.CodeTTL = DefaultCodeTTL
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.CodeLength <= 0 {
		cfg.CodeLength = DefaultCodeLength
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	p := &Provider{
		challenges:   cfg.Challenges,
		pepper:       cfg.Pepper,
		sender:       cfg.Sender,
		codeTTL:      cfg.CodeTTL,
		maxAttempts:  cfg.MaxAttempts,
		codeLength:   cfg.CodeLength,
		limiter:      cfg.RateLimiter,
		auditor:      cfg.Auditor,
		logger:       cfg.Logger.With("provider", Name),
		validate:     validator.New(),
		now:          time.Now,
		generateCode: randomDigits,
	}
	if cfg.Instrumentation != nil {
		p.metrics = cfg.Instrumentation.Metrics()
	}
	return p, nil
}

// SetClock replaces the time source.
func (p *Provider) SetClock(now func() time.Time) {
	if now != nil {
		p.now = now
	}
}

// Name implements providers.Provider.
func (p *Provider) Name() string {
	return Name
}

// Start implements providers.Provider. It reads the "email" parameter.
func (p *Provider) Start(ctx context.Context, params providers.Params) error {
	email, err := params.Require("email")
	if err != nil {
		return err
	}
	return p.StartLogin(ctx, email)
}

// Verify implements providers.Provider. It reads the "email" and "code" parameters.
func (p *Provider) Verify(ctx context.Context, params providers.Params) (*providers.Identity, error) {
	email, err := params.Require("email")
	if err != nil {
		return nil, err
	}
	code, err := params.Require("code")
	if err != nil {
		return nil, err
	}
	return p.VerifyCode(ctx, email, code)
}

// StartLogin sends a new code to email, replacing any pending challenge.
// A failed delivery is logged and audited but not returned.
func (p *Provider) StartLogin(ctx context.Context, email string) error {
	clientIP := security.ClientIPFromContext(ctx)
	email = normalizeEmail(email)
	if err := p.validate.Var(email, "required,email"); err != nil {
		p.recordStarted(ctx, false)
		return ErrInvalidEmail
	}

	if p.limiter != nil && !p.limiter.Allow(security.HashForLogging(email)) {
		p.auditor.LogRateLimitExceeded(clientIP, "login_start")
		if p.metrics != nil {
			p.metrics.RecordRateLimitExceeded(ctx, "login_start")
		}
		p.recordStarted(ctx, false)
		return ErrRateLimited
	}

	code, err := p.generateCode(p.codeLength)
	if err != nil {
		p.recordStarted(ctx, false)
		return fmt.Errorf("failed to generate login code: %w", err)
	}

	now := p.now()
	ch := &storage.PendingChallenge{
		Email:     email,
		CodeHash:  p.hash(email, code),
		CreatedAt: now,
		ExpiresAt: now.Add(p.codeTTL),
	}
	if err := p.challenges.Save(ctx, ch); err != nil {
		p.recordStarted(ctx, false)
		return err
	}

	msg := fmt.Sprintf("Your login code is %s. It expires in %s.", code, p.codeTTL)
	if err := p.sender.Send(ctx, email, msg); err != nil {
		p.logger.WarnContext(ctx, "Failed to deliver login code", "error", err)
		p.auditor.LogDeliveryFailed(email, err.Error())
		if p.metrics != nil {
			p.metrics.RecordDeliveryFailure(ctx, Name)
		}
	} else {
		p.auditor.LogLoginCodeSent(email, clientIP)
	}

	p.recordStarted(ctx, true)
	return nil
}

// VerifyCode checks a submitted code and consumes the challenge on success.
func (p *Provider) VerifyCode(ctx context.Context, email, code string) (*providers.Identity, error) {
	clientIP := security.ClientIPFromContext(ctx)
	email = normalizeEmail(email)
	code = strings.TrimSpace(code)

	ch, err := p.challenges.Get(ctx, email)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, p.fail(ctx, email, clientIP, ErrNoPendingChallenge)
		}
		return nil, err
	}
	if p.now().After(ch.ExpiresAt) {
		return nil, p.fail(ctx, email, clientIP, ErrExpiredChallenge)
	}

	attempt, err := p.challenges.RecordAttempt(ctx, ch)
	if err != nil {
		return nil, err
	}
	instrumentation.SetSpanAttributes(trace.SpanFromContext(ctx), attribute.Int(instrumentation.AttrAttemptCount, attempt))
	if attempt > p.maxAttempts {
		if p.metrics != nil {
			p.metrics.RecordTooManyAttempts(ctx, Name)
		}
		return nil, p.fail(ctx, email, clientIP, ErrTooManyAttempts)
	}

	if !hmac.Equal(p.hash(email, code), ch.CodeHash) {
		return nil, p.fail(ctx, email, clientIP,
			fmt.Errorf("%w (attempt %d of %d)", ErrCodeMismatch, attempt, p.maxAttempts))
	}

	deleted, err := p.challenges.Delete(ctx, email)
	if err != nil {
		return nil, err
	}
	if !deleted {
		return nil, p.fail(ctx, email, clientIP, ErrNoPendingChallenge)
	}

	p.auditor.LogLoginSucceeded(email, Name, clientIP)
	if p.metrics != nil {
		p.metrics.RecordLoginVerified(ctx, Name, "")
	}
	return &providers.Identity{Provider: Name, Email: email}, nil
}

func (p *Provider) fail(ctx context.Context, email, clientIP string, err error) error {
	reason := failureReason(err)
	p.auditor.LogLoginFailed(email, clientIP, reason)
	if p.metrics != nil {
		p.metrics.RecordLoginVerified(ctx, Name, reason)
	}
	p.logger.DebugContext(ctx, "Login verification failed", "reason", reason)
	return err
}

func (p *Provider) recordStarted(ctx context.Context, success bool) {
	if p.metrics != nil {
		p.metrics.RecordLoginStarted(ctx, Name, success)
	}
}

func (p *Provider) hash(email, code string) []byte {
	mac := hmac.New(sha256.New, p.pepper)
	mac.Write([]byte(email))
	mac.Write([]byte{'|'})
	mac.Write([]byte(code))
	return mac.Sum(nil)
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, ErrNoPendingChallenge):
		return "no_pending_challenge"
	case errors.Is(err, ErrExpiredChallenge):
		return "expired_challenge"
	case errors.Is(err, ErrTooManyAttempts):
		return security.EventTooManyAttempts
	case errors.Is(err, ErrCodeMismatch):
		return "code_mismatch"
	default:
		return "error"
	}
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// randomDigits returns a uniformly distributed decimal code.
func randomDigits(length int) (string, error) {
	limit := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(length)), nil)
	n, err := rand.Int(rand.Reader, limit)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%0*d", length, n), nil
}
