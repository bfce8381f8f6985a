// Package pkce implements the S256 Proof Key for Code Exchange checks (RFC 7636)
// used when issuing and consuming authorization codes.
package pkce

import (
	"crypto/subtle"
	"errors"
	"fmt"

	"golang.org/x/oauth2"
)

const (
	// MethodS256 is the only supported code_challenge_method.
	MethodS256 = "S256"

	// MethodPlain is recognised so it can be rejected explicitly.
	MethodPlain = "plain"

	// MinVerifierLength is the minimum code_verifier length (RFC 7636 4.1).
	MinVerifierLength = 43

	// MaxVerifierLength is the maximum code_verifier length (RFC 7636 4.1).
	MaxVerifierLength = 128

	// ChallengeLength is the length of a base64url (unpadded) SHA-256 digest.
	ChallengeLength = 43
)

var (
	// ErrUnsupportedMethod is returned for any method other than S256.
	ErrUnsupportedMethod = errors.New("unsupported code_challenge_method")

	// ErrMissingChallenge is returned when no code_challenge was sent.
	ErrMissingChallenge = errors.New("code_challenge is required")

	// ErrMalformedChallenge is returned when the challenge is not a base64url SHA-256 digest.
	ErrMalformedChallenge = errors.New("code_challenge is malformed")

	// ErrMalformedVerifier is returned when the verifier violates RFC 7636 syntax.
	ErrMalformedVerifier = errors.New("code_verifier is malformed")

	// ErrMismatch is returned when the verifier does not hash to the challenge.
	ErrMismatch = errors.New("code_verifier does not match code_challenge")
)

// ValidateChallenge checks an incoming code_challenge and method at authorization time.
func ValidateChallenge(challenge, method string) error {
	if method != MethodS256 {
		if method == "" {
			return fmt.Errorf("%w: method is required (supported: %s)", ErrUnsupportedMethod, MethodS256)
		}
		return fmt.Errorf("%w: %q (supported: %s)", ErrUnsupportedMethod, method, MethodS256)
	}
	if challenge == "" {
		return ErrMissingChallenge
	}
	if len(challenge) != ChallengeLength {
		return fmt.Errorf("%w: expected %d characters", ErrMalformedChallenge, ChallengeLength)
	}
	for _, ch := range challenge {
		if !isBase64URL(ch) {
			return fmt.Errorf("%w: invalid character", ErrMalformedChallenge)
		}
	}
	return nil
}

// ValidateVerifier checks code_verifier syntax: 43-128 characters of [A-Za-z0-9-._~].
func ValidateVerifier(verifier string) error {
	if len(verifier) < MinVerifierLength || len(verifier) > MaxVerifierLength {
		return fmt.Errorf("%w: length must be between %d and %d", ErrMalformedVerifier, MinVerifierLength, MaxVerifierLength)
	}
	for _, ch := range verifier {
		if !isBase64URL(ch) && ch != '.' && ch != '~' {
			return fmt.Errorf("%w: invalid character", ErrMalformedVerifier)
		}
	}
	return nil
}

// Verify reports whether verifier satisfies the stored challenge under method.
// The comparison is constant time.
func Verify(method, challenge, verifier string) error {
	if method != MethodS256 {
		return fmt.Errorf("%w: %q", ErrUnsupportedMethod, method)
	}
	if err := ValidateVerifier(verifier); err != nil {
		return err
	}
	computed := oauth2.S256ChallengeFromVerifier(verifier)
	if subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) != 1 {
		return ErrMismatch
	}
	return nil
}

// NewVerifier returns a fresh random code_verifier.
func NewVerifier() string {
	return oauth2.GenerateVerifier()
}

// Challenge returns the S256 challenge for verifier.
func Challenge(verifier string) string {
	return oauth2.S256ChallengeFromVerifier(verifier)
}

func isBase64URL(ch rune) bool {
	return (ch >= 'A' && ch <= 'Z') || (ch >= 'a' && ch <= 'z') || (ch >= '0' && ch <= '9') ||
		ch == '-' || ch == '_'
}
