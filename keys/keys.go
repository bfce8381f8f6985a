// Package keys signs and verifies the issuer's access tokens.
//
// Tokens are ES256 JWTs. A Manager holds exactly one signing key and any number
// of verification keys: after Rotate, tokens signed with the previous key keep
// verifying until that key is retired. PublicKeys is served as the JWKS document.
package keys

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jws"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

var (
	// ErrInvalidSignature means the token is malformed, names an unknown key,
	// fails signature verification or was issued by someone else.
	ErrInvalidSignature = errors.New("invalid token signature")

	// ErrTokenExpired means the token verified but its exp has passed.
	ErrTokenExpired = errors.New("token expired")

	// ErrUnknownKey means no verification key has the given key ID.
	ErrUnknownKey = errors.New("unknown key id")

	// ErrRetireSigningKey means Retire was asked to remove the active signing key.
	ErrRetireSigningKey = errors.New("cannot retire the active signing key")
)

// Claims are the application claims placed in a new token.
type Claims struct {
	Subject  string
	Audience []string
	// Extra holds private claims. Registered claim names are overwritten.
	Extra map[string]any
}

// Token is a verified token.
type Token struct {
	ID        string
	KeyID     string
	Issuer    string
	Subject   string
	Audience  []string
	IssuedAt  time.Time
	ExpiresAt time.Time
	Claims    map[string]any
}

// Manager signs tokens with the active key and verifies them against all
// verification keys. It is safe for concurrent use.
type Manager struct {
	issuer string
	logger *slog.Logger
	now    func() time.Time

	mu         sync.RWMutex
	signing    jwk.Key
	publicKeys jwk.Set
}

// NewManager loads the initial keys from provider.
func NewManager(ctx context.Context, provider KeyProvider, issuer string, logger *slog.Logger) (*Manager, error) {
	if issuer == "" {
		return nil, errors.New("issuer is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	signing, err := provider.SigningKey(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get signing key: %w", err)
	}
	extra, err := provider.VerificationKeys(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get verification keys: %w", err)
	}

	m := &Manager{
		issuer:     issuer,
		logger:     logger,
		now:        time.Now,
		publicKeys: jwk.NewSet(),
	}
	if err := m.Rotate(signing); err != nil {
		return nil, err
	}
	for _, key := range extra {
		if err := m.AddVerificationKey(key); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// SetClock replaces the time source used for iat, exp and expiry checks.
func (m *Manager) SetClock(now func() time.Time) {
	if now != nil {
		m.now = now
	}
}

// Issuer returns the iss value of issued tokens.
func (m *Manager) Issuer() string {
	return m.issuer
}

// SigningKeyID returns the key ID of the active signing key.
func (m *Manager) SigningKeyID() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.signing.KeyID()
}

// Rotate makes key the signing key. The previous signing key stays available
// for verification until it is retired.
func (m *Manager) Rotate(key jwk.Key) error {
	if key == nil {
		return errors.New("signing key is nil")
	}
	if _, ok := key.(jwk.ECDSAPrivateKey); !ok {
		return errors.New("signing key must be an EC private key")
	}
	if err := prepareKey(key); err != nil {
		return err
	}
	pub, err := publicKey(key)
	if err != nil {
		return fmt.Errorf("failed to derive public key: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	previous := ""
	if m.signing != nil {
		previous = m.signing.KeyID()
	}
	if _, exists := m.publicKeys.LookupKeyID(pub.KeyID()); !exists {
		if err := m.publicKeys.AddKey(pub); err != nil {
			return fmt.Errorf("failed to add verification key: %w", err)
		}
	}
	m.signing = key

	m.logger.Info("Signing key activated", "key_id", key.KeyID(), "previous_key_id", previous)
	return nil
}

// AddVerificationKey adds a public key that verifies but never signs.
func (m *Manager) AddVerificationKey(key jwk.Key) error {
	pub, err := publicKey(key)
	if err != nil {
		return fmt.Errorf("invalid verification key: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.publicKeys.LookupKeyID(pub.KeyID()); exists {
		return nil
	}
	return m.publicKeys.AddKey(pub)
}

// Retire removes a verification key. Tokens signed with it stop verifying.
func (m *Manager) Retire(kid string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if kid == m.signing.KeyID() {
		return ErrRetireSigningKey
	}
	key, ok := m.publicKeys.LookupKeyID(kid)
	if !ok {
		return ErrUnknownKey
	}
	if err := m.publicKeys.RemoveKey(key); err != nil {
		return fmt.Errorf("failed to remove key: %w", err)
	}

	m.logger.Info("Verification key retired", "key_id", kid)
	return nil
}

// PublicKeys returns a copy of the verification key set for the JWKS endpoint.
func (m *Manager) PublicKeys() jwk.Set {
	m.mu.RLock()
	defer m.mu.RUnlock()

	set := jwk.NewSet()
	for i := 0; i < m.publicKeys.Len(); i++ {
		if key, ok := m.publicKeys.Key(i); ok {
			_ = set.AddKey(key)
		}
	}
	return set
}

// Sign issues a token valid for ttl.
func (m *Manager) Sign(claims Claims, ttl time.Duration) (string, *Token, error) {
	if ttl <= 0 {
		return "", nil, errors.New("token ttl must be positive")
	}

	now := m.now().Truncate(time.Second)
	b := jwt.NewBuilder()
	for k, v := range claims.Extra {
		b = b.Claim(k, v)
	}
	b = b.JwtID(uuid.NewString()).
		Issuer(m.issuer).
		Subject(claims.Subject).
		IssuedAt(now).
		Expiration(now.Add(ttl))
	if len(claims.Audience) > 0 {
		b = b.Audience(claims.Audience)
	}

	tok, err := b.Build()
	if err != nil {
		return "", nil, fmt.Errorf("failed to build token: %w", err)
	}

	m.mu.RLock()
	key := m.signing
	m.mu.RUnlock()

	signed, err := jwt.Sign(tok, jwt.WithKey(jwa.ES256, key))
	if err != nil {
		return "", nil, fmt.Errorf("failed to sign token: %w", err)
	}
	return string(signed), toToken(tok, key.KeyID()), nil
}

// Verify checks the signature, issuer and expiry of token. Expiry is exact:
// a token is rejected from the second named by its exp claim.
func (m *Manager) Verify(token string) (*Token, error) {
	set := m.PublicKeys()

	tok, err := jwt.ParseString(token,
		jwt.WithKeySet(set),
		jwt.WithValidate(false),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	if tok.Issuer() != m.issuer {
		return nil, fmt.Errorf("%w: unexpected issuer %q", ErrInvalidSignature, tok.Issuer())
	}

	exp := tok.Expiration()
	if exp.IsZero() || !m.now().Before(exp) {
		return nil, ErrTokenExpired
	}

	kid := ""
	if msg, err := jws.ParseString(token); err == nil && len(msg.Signatures()) > 0 {
		kid = msg.Signatures()[0].ProtectedHeaders().KeyID()
	}
	return toToken(tok, kid), nil
}

func toToken(tok jwt.Token, kid string) *Token {
	return &Token{
		ID:        tok.JwtID(),
		KeyID:     kid,
		Issuer:    tok.Issuer(),
		Subject:   tok.Subject(),
		Audience:  tok.Audience(),
		IssuedAt:  tok.IssuedAt(),
		ExpiresAt: tok.Expiration(),
		Claims:    tok.PrivateClaims(),
	}
}
