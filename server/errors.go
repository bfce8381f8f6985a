package server

import (
	"errors"
	"net/url"
)

var (
	// ErrUnsupportedChallengeMethod is returned when code_challenge_method is not S256.
	ErrUnsupportedChallengeMethod = errors.New("unsupported code_challenge_method")

	// ErrUnsupportedResponseType is returned when response_type is not "code".
	ErrUnsupportedResponseType = errors.New("unsupported response_type")

	// ErrInvalidRequest is returned for a malformed authorization request.
	ErrInvalidRequest = errors.New("invalid authorization request")

	// ErrInvalidScope is returned for a scope outside SupportedScopes.
	ErrInvalidScope = errors.New("invalid scope")

	// ErrUnknownProvider is returned when the requested provider is not registered.
	ErrUnknownProvider = errors.New("unknown provider")

	// ErrSubjectRejected is returned when the success callback fails.
	ErrSubjectRejected = errors.New("subject could not be created")
)

// RedirectError is an error that must be reported to the client's redirect
// URI. It is only produced once the client and redirect URI are trusted.
type RedirectError struct {
	RedirectURI string
	State       string
	Err         error
}

func (e *RedirectError) Error() string {
	return e.Err.Error()
}

func (e *RedirectError) Unwrap() error {
	return e.Err
}

// Location returns the redirect URI with the OAuth error parameters set.
func (e *RedirectError) Location(code, description string) (string, error) {
	return appendQuery(e.RedirectURI, url.Values{
		"error":             {code},
		"error_description": {description},
		"state":             {e.State},
	})
}

func redirectError(redirectURI, state string, err error) error {
	return &RedirectError{RedirectURI: redirectURI, State: state, Err: err}
}
