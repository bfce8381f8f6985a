package oauth

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/giantswarm/oauth-issuer/clients"
	"github.com/giantswarm/oauth-issuer/keys"
	"github.com/giantswarm/oauth-issuer/providers"
	"github.com/giantswarm/oauth-issuer/providers/password"
	"github.com/giantswarm/oauth-issuer/server"
	"github.com/giantswarm/oauth-issuer/storage"
	"github.com/giantswarm/oauth-issuer/subject"
)

// OAuth error codes as constants
const (
	ErrorCodeInvalidRequest          = "invalid_request"
	ErrorCodeInvalidGrant            = "invalid_grant"
	ErrorCodeInvalidClient           = "invalid_client"
	ErrorCodeInvalidScope            = "invalid_scope"
	ErrorCodeInvalidToken            = "invalid_token"
	ErrorCodeUnsupportedGrantType    = "unsupported_grant_type"
	ErrorCodeUnsupportedResponseType = "unsupported_response_type"
	ErrorCodeServerError             = "server_error"
	ErrorCodeAccessDenied            = "access_denied"
	ErrorCodeRateLimitExceeded       = "rate_limit_exceeded"
)

// OAuthError represents an OAuth 2.0 error response
type OAuthError struct {
	Code        string // OAuth error code (e.g., "invalid_request", "invalid_grant")
	Description string // Human-readable error description
	Status      int    // HTTP status code
}

// Error implements the error interface
func (e *OAuthError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// NewOAuthError creates a new OAuth error
func NewOAuthError(code, description string, status int) *OAuthError {
	return &OAuthError{
		Code:        code,
		Description: description,
		Status:      status,
	}
}

// ErrInvalidRequest indicates the request is malformed or missing required parameters
func ErrInvalidRequest(desc string) *OAuthError {
	return NewOAuthError(ErrorCodeInvalidRequest, desc, http.StatusBadRequest)
}

// ErrInvalidGrant indicates the authorization code or refresh token is invalid or expired
func ErrInvalidGrant(desc string) *OAuthError {
	return NewOAuthError(ErrorCodeInvalidGrant, desc, http.StatusBadRequest)
}

// ErrInvalidClient indicates client authentication failed
func ErrInvalidClient(desc string) *OAuthError {
	return NewOAuthError(ErrorCodeInvalidClient, desc, http.StatusUnauthorized)
}

// ErrServerError indicates an internal server error occurred
func ErrServerError(desc string) *OAuthError {
	return NewOAuthError(ErrorCodeServerError, desc, http.StatusInternalServerError)
}

// ErrorFromFlow converts an error returned by the flow, a provider or a store
// into the OAuth error shown to the client. Descriptions never carry internal
// detail. Unknown errors become server_error.
func ErrorFromFlow(err error) *OAuthError {
	var oauthErr *OAuthError
	if errors.As(err, &oauthErr) {
		return oauthErr
	}

	switch {
	// Client registry
	case errors.Is(err, clients.ErrUnknownClient):
		return NewOAuthError(ErrorCodeInvalidClient, "Unknown client", http.StatusBadRequest)
	case errors.Is(err, clients.ErrRedirectMismatch):
		return ErrInvalidRequest("redirect_uri is not registered for this client")
	case errors.Is(err, clients.ErrInvalidClientSecret):
		return ErrInvalidClient("Client authentication failed")

	// Authorization request
	case errors.Is(err, server.ErrUnsupportedResponseType):
		return NewOAuthError(ErrorCodeUnsupportedResponseType, "Only response_type=code is supported", http.StatusBadRequest)
	case errors.Is(err, server.ErrUnsupportedChallengeMethod):
		return ErrInvalidRequest("code_challenge_method must be S256")
	case errors.Is(err, server.ErrInvalidScope):
		return NewOAuthError(ErrorCodeInvalidScope, "Requested scope is not supported", http.StatusBadRequest)
	case errors.Is(err, server.ErrUnknownProvider):
		return ErrInvalidRequest("Unknown login provider")
	case errors.Is(err, server.ErrInvalidRequest):
		return ErrInvalidRequest("Invalid authorization request")
	case errors.Is(err, storage.ErrSessionNotFound), errors.Is(err, storage.ErrSessionExpired):
		return ErrInvalidRequest("Login session is invalid or expired")

	// Login
	case errors.Is(err, password.ErrTooManyAttempts):
		return NewOAuthError(ErrorCodeAccessDenied, "Too many attempts, request a new code", http.StatusTooManyRequests)
	case errors.Is(err, password.ErrRateLimited):
		return NewOAuthError(ErrorCodeRateLimitExceeded, "Too many codes requested, try again later", http.StatusTooManyRequests)
	case errors.Is(err, password.ErrCodeMismatch):
		return NewOAuthError(ErrorCodeAccessDenied, "Incorrect code", http.StatusBadRequest)
	case errors.Is(err, password.ErrNoPendingChallenge), errors.Is(err, password.ErrExpiredChallenge):
		return NewOAuthError(ErrorCodeAccessDenied, "Code is invalid or expired, request a new code", http.StatusBadRequest)
	case errors.Is(err, password.ErrInvalidEmail):
		return ErrInvalidRequest("A valid email address is required")
	case errors.Is(err, providers.ErrMissingParam):
		var missing *providers.MissingParamError
		if errors.As(err, &missing) {
			return ErrInvalidRequest(fmt.Sprintf("Missing required parameter: %s", missing.Param))
		}
		return ErrInvalidRequest("Missing required login parameter")

	// Token endpoint
	case errors.Is(err, storage.ErrInvalidCode),
		errors.Is(err, storage.ErrExpiredCode),
		errors.Is(err, storage.ErrClientMismatch),
		errors.Is(err, storage.ErrPKCEMismatch):
		return ErrInvalidGrant("Authorization code is invalid or expired")
	case errors.Is(err, storage.ErrInvalidRefreshToken), errors.Is(err, storage.ErrExpiredRefreshToken):
		return ErrInvalidGrant("Refresh token is invalid or expired")
	case errors.Is(err, keys.ErrInvalidSignature), errors.Is(err, keys.ErrTokenExpired):
		return NewOAuthError(ErrorCodeInvalidToken, "Token is invalid or expired", http.StatusUnauthorized)

	// Internal
	case errors.Is(err, subject.ErrUnknownSubjectType),
		errors.Is(err, subject.ErrSchemaViolation),
		errors.Is(err, server.ErrSubjectRejected):
		return ErrServerError("Login could not be completed")
	case errors.Is(err, storage.ErrEntropyCollision):
		return ErrServerError("Internal error, please retry")
	}
	return ErrServerError("Internal error")
}
