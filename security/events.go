package security

// Event type constants for security audit logging.
const (
	// Authorization flow events

	// EventAuthorizationStarted is logged when /authorize accepts a request and
	// persists a flow session.
	EventAuthorizationStarted = "authorization_started"

	// EventInvalidRedirect is logged when a client presents an unregistered redirect URI.
	EventInvalidRedirect = "invalid_redirect"

	// EventUnknownClient is logged when a request names an unregistered client.
	EventUnknownClient = "unknown_client"

	// Login events

	// EventLoginCodeSent is logged when a one-time login code is generated and handed
	// to the delivery transport.
	EventLoginCodeSent = "login_code_sent"

	// EventLoginFailed is logged when a one-time code does not verify.
	EventLoginFailed = "login_failed"

	// EventTooManyAttempts is logged when a pending challenge exceeds its attempt bound.
	EventTooManyAttempts = "too_many_attempts"

	// EventLoginSucceeded is logged when a provider verifies the user.
	EventLoginSucceeded = "login_succeeded"

	// EventDeliveryFailed is logged when the delivery transport rejects a login code.
	EventDeliveryFailed = "delivery_failed"

	// Code and token events

	// EventAuthorizationCodeIssued is logged when an authorization code is issued.
	EventAuthorizationCodeIssued = "authorization_code_issued"

	// EventCodeExchangeFailed is logged when an authorization code exchange fails.
	EventCodeExchangeFailed = "code_exchange_failed"

	// EventPKCEValidationFailed is logged when a code_verifier does not match.
	EventPKCEValidationFailed = "pkce_validation_failed"

	// EventTokenIssued is logged when a new access token is issued to a client.
	EventTokenIssued = "token_issued"

	// EventTokenRefreshed is logged when a refresh token is rotated.
	EventTokenRefreshed = "token_refreshed"

	// EventRefreshTokenRejected is logged when a refresh token is unknown, reused,
	// expired or bound to another client.
	EventRefreshTokenRejected = "refresh_token_rejected" //nolint:gosec // G101: event name, not a credential

	// Security violation events

	// EventRateLimitExceeded is logged when a rate limit is exceeded.
	EventRateLimitExceeded = "rate_limit_exceeded"

	// EventEntropyCollision is logged when a freshly generated identifier already
	// exists in storage. It indicates a broken random source.
	EventEntropyCollision = "entropy_collision"
)
