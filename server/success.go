package server

import (
	"context"
	"fmt"

	"github.com/giantswarm/oauth-issuer/identity"
	"github.com/giantswarm/oauth-issuer/providers"
	"github.com/giantswarm/oauth-issuer/subject"
)

// SuccessFunc is called once per completed login with the verified identity.
// It returns the subject type and claims to embed in tokens. The claims are
// validated against the subject schema before a code is issued.
type SuccessFunc func(ctx context.Context, id *providers.Identity) (subjectType string, claims map[string]any, err error)

// UserSubject returns a SuccessFunc that resolves the email to a durable user
// and emits a "user" subject carrying the user ID.
func UserSubject(store identity.Store) SuccessFunc {
	return func(ctx context.Context, id *providers.Identity) (string, map[string]any, error) {
		userID, err := store.UpsertUser(ctx, id.Email)
		if err != nil {
			return "", nil, fmt.Errorf("failed to resolve user: %w", err)
		}
		return subject.TypeUser, map[string]any{"id": userID}, nil
	}
}
