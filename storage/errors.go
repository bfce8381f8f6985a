package storage

import "errors"

// Authorization code errors. Consume checks them in this order.
var (
	// ErrInvalidCode means the code does not exist or was already consumed.
	ErrInvalidCode = errors.New("invalid authorization code")

	// ErrExpiredCode means the code was found but its lifetime has passed.
	ErrExpiredCode = errors.New("authorization code expired")

	// ErrClientMismatch means the client_id or redirect_uri differs from issuance.
	ErrClientMismatch = errors.New("client or redirect_uri does not match the authorization code")

	// ErrPKCEMismatch means the code_verifier does not satisfy the stored challenge.
	ErrPKCEMismatch = errors.New("code_verifier does not match code_challenge")
)

// ErrEntropyCollision means a freshly generated identifier already exists. It
// indicates a broken random source and is never retried.
var ErrEntropyCollision = errors.New("generated identifier collided with an existing record")

// Flow session errors.
var (
	ErrSessionNotFound = errors.New("authorization session not found")
	ErrSessionExpired  = errors.New("authorization session expired")
)

// Refresh token errors.
var (
	ErrInvalidRefreshToken = errors.New("invalid refresh token")
	ErrExpiredRefreshToken = errors.New("refresh token expired")
)
