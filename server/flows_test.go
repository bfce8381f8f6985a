package server

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/giantswarm/oauth-issuer/clients"
	"github.com/giantswarm/oauth-issuer/internal/testutil"
	"github.com/giantswarm/oauth-issuer/keys"
	"github.com/giantswarm/oauth-issuer/providers"
	"github.com/giantswarm/oauth-issuer/security"
	"github.com/giantswarm/oauth-issuer/storage"
	storagemock "github.com/giantswarm/oauth-issuer/storage/mock"
	"github.com/giantswarm/oauth-issuer/subject"
)

func TestAuthorize_RedirectURIMustMatchExactly(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	ctx := context.Background()
	challenge, _ := testutil.GeneratePKCEPair()

	session, err := f.srv.Authorize(ctx, authorizeRequest(challenge))
	testutil.AssertNoError(t, err)
	if session.ID == "" {
		t.Fatal("session has no id")
	}
	testutil.AssertEqual(t, session.Provider, "password")

	req := authorizeRequest(challenge)
	req.RedirectURI = testRedirectURI + "/"
	_, err = f.srv.Authorize(ctx, req)
	testutil.AssertErrorIs(t, err, clients.ErrRedirectMismatch)
	var redirectErr *RedirectError
	if errors.As(err, &redirectErr) {
		t.Error("redirect mismatch must not be reported to the redirect URI")
	}

	req = authorizeRequest(challenge)
	req.ClientID = "unknown"
	_, err = f.srv.Authorize(ctx, req)
	testutil.AssertErrorIs(t, err, clients.ErrUnknownClient)

	if !strings.Contains(f.logs.String(), security.EventInvalidRedirect) {
		t.Error("redirect mismatch was not audited")
	}
}

func TestAuthorize_RedirectErrors(t *testing.T) {
	f := newFixture(t, fixtureOptions{config: &Config{SupportedScopes: []string{"openid"}}})
	challenge, _ := testutil.GeneratePKCEPair()

	tests := []struct {
		name    string
		mutate  func(*AuthorizationRequest)
		wantErr error
	}{
		{"response type token", func(r *AuthorizationRequest) { r.ResponseType = "token" }, ErrUnsupportedResponseType},
		{"plain method", func(r *AuthorizationRequest) { r.CodeChallengeMethod = "plain" }, ErrUnsupportedChallengeMethod},
		{"missing method", func(r *AuthorizationRequest) { r.CodeChallengeMethod = "" }, ErrUnsupportedChallengeMethod},
		{"missing challenge", func(r *AuthorizationRequest) { r.CodeChallenge = "" }, ErrInvalidRequest},
		{"short challenge", func(r *AuthorizationRequest) { r.CodeChallenge = "abc" }, ErrInvalidRequest},
		{"unsupported scope", func(r *AuthorizationRequest) { r.Scope = "openid admin" }, ErrInvalidScope},
		{"unknown provider", func(r *AuthorizationRequest) { r.Provider = "github" }, ErrUnknownProvider},
		{"oversized state", func(r *AuthorizationRequest) { r.State = strings.Repeat("s", 513) }, ErrInvalidRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := authorizeRequest(challenge)
			tt.mutate(&req)

			_, err := f.srv.Authorize(context.Background(), req)
			testutil.AssertErrorIs(t, err, tt.wantErr)

			var redirectErr *RedirectError
			if !errors.As(err, &redirectErr) {
				t.Fatalf("error %v is not a *RedirectError", err)
			}
			location, err := redirectErr.Location("invalid_request", "bad")
			testutil.AssertNoError(t, err)
			u, _ := url.Parse(location)
			testutil.AssertEqual(t, u.Host, "app.example")
			testutil.AssertEqual(t, u.Query().Get("error"), "invalid_request")
			testutil.AssertEqual(t, u.Query().Get("state"), req.State)
		})
	}
}

func TestFlow_EndToEnd(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	ctx := context.Background()

	code, verifier := f.login(t)
	pair, err := f.srv.ExchangeAuthorizationCode(ctx, code, testClientID, testRedirectURI, verifier)
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, pair.TokenType, TokenTypeBearer)
	testutil.AssertEqual(t, pair.ExpiresIn, int64(3600))
	testutil.AssertEqual(t, pair.Scope, "openid")
	if pair.RefreshToken == "" {
		t.Fatal("no refresh token issued")
	}

	claims, err := f.srv.VerifyAccessToken(ctx, pair.AccessToken)
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, claims.SubjectType, subject.TypeUser)
	testutil.AssertEqual(t, claims.ClientID, testClientID)
	testutil.AssertEqual(t, claims.Scope, "openid")
	userID, _ := claims.Subject["id"].(string)
	if userID == "" {
		t.Fatalf("subject has no user id: %v", claims.Subject)
	}
	again, _ := f.users.UpsertUser(ctx, testEmail)
	testutil.AssertEqual(t, userID, again)

	// The code is single use even after a successful exchange.
	_, err = f.srv.ExchangeAuthorizationCode(ctx, code, testClientID, testRedirectURI, verifier)
	testutil.AssertErrorIs(t, err, storage.ErrInvalidCode)

	// Refresh rotates the refresh token.
	refreshed, err := f.srv.RefreshAccessToken(ctx, pair.RefreshToken, testClientID)
	testutil.AssertNoError(t, err)
	if refreshed.RefreshToken == pair.RefreshToken {
		t.Error("refresh token was not rotated")
	}
	refreshedClaims, err := f.srv.VerifyAccessToken(ctx, refreshed.AccessToken)
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, refreshedClaims.Token.Subject, claims.Token.Subject)

	_, err = f.srv.RefreshAccessToken(ctx, pair.RefreshToken, testClientID)
	testutil.AssertErrorIs(t, err, storage.ErrInvalidRefreshToken)

	logs := f.logs.String()
	for _, event := range []string{security.EventAuthorizationCodeIssued, security.EventTokenIssued, security.EventTokenRefreshed, security.EventRefreshTokenRejected} {
		if !strings.Contains(logs, event) {
			t.Errorf("audit log is missing %s", event)
		}
	}
	if strings.Contains(logs, code) || strings.Contains(logs, verifier) {
		t.Error("audit log leaks the code or verifier")
	}
}

func TestExchange_ExpiredCode(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	code, verifier := f.login(t)

	f.clock.Advance(61 * time.Second)
	_, err := f.srv.ExchangeAuthorizationCode(context.Background(), code, testClientID, testRedirectURI, verifier)
	testutil.AssertErrorIs(t, err, storage.ErrExpiredCode)
}

func TestExchange_PKCEMismatchBurnsCode(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	ctx := context.Background()
	code, verifier := f.login(t)

	_, wrong := testutil.GeneratePKCEPair()
	_, err := f.srv.ExchangeAuthorizationCode(ctx, code, testClientID, testRedirectURI, wrong)
	testutil.AssertErrorIs(t, err, storage.ErrPKCEMismatch)

	_, err = f.srv.ExchangeAuthorizationCode(ctx, code, testClientID, testRedirectURI, verifier)
	testutil.AssertErrorIs(t, err, storage.ErrInvalidCode)

	if !strings.Contains(f.logs.String(), security.EventPKCEValidationFailed) {
		t.Error("PKCE failure was not audited")
	}
}

func TestExchange_ClientMismatch(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	code, verifier := f.login(t)

	_, err := f.srv.ExchangeAuthorizationCode(context.Background(), code, testClientID, testRedirectURI+"/", verifier)
	testutil.AssertErrorIs(t, err, storage.ErrClientMismatch)
}

func TestExchange_ConcurrentConsumesSucceedOnce(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	code, verifier := f.login(t)
	const n = 16

	var mu sync.Mutex
	successes, invalid := 0, 0
	var g errgroup.Group
	for i := 0; i < n; i++ {
		g.Go(func() error {
			_, err := f.srv.ExchangeAuthorizationCode(context.Background(), code, testClientID, testRedirectURI, verifier)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case errors.Is(err, storage.ErrInvalidCode):
				invalid++
			default:
				return err
			}
			return nil
		})
	}
	testutil.AssertNoError(t, g.Wait())
	testutil.AssertEqual(t, successes, 1)
	testutil.AssertEqual(t, invalid, n-1)
}

func TestCompleteLogin_ProviderFailureKeepsSession(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	ctx := context.Background()
	challenge, _ := testutil.GeneratePKCEPair()

	session, err := f.srv.Authorize(ctx, authorizeRequest(challenge))
	testutil.AssertNoError(t, err)

	_, err = f.srv.CompleteLogin(ctx, session.ID, providers.Params{"email": testEmail, "code": "000000"})
	if err == nil {
		t.Fatal("CompleteLogin() with a wrong code should fail")
	}

	_, err = f.srv.CompleteLogin(ctx, session.ID, providers.Params{"email": testEmail, "code": testCode})
	testutil.AssertNoError(t, err)

	// The session is consumed by the successful completion.
	_, err = f.srv.CompleteLogin(ctx, session.ID, providers.Params{"email": testEmail, "code": testCode})
	testutil.AssertErrorIs(t, err, storage.ErrSessionNotFound)
}

func TestCompleteLogin_SessionExpired(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	ctx := context.Background()
	challenge, _ := testutil.GeneratePKCEPair()

	session, err := f.srv.Authorize(ctx, authorizeRequest(challenge))
	testutil.AssertNoError(t, err)

	f.clock.Advance(storage.DefaultFlowTTL + time.Second)
	err = f.srv.StartLogin(ctx, session.ID, providers.Params{"email": testEmail})
	testutil.AssertErrorIs(t, err, storage.ErrSessionExpired)
}

func TestCompleteLogin_SubjectValidation(t *testing.T) {
	tests := []struct {
		name    string
		success SuccessFunc
		wantErr error
	}{
		{
			name: "schema violation",
			success: func(context.Context, *providers.Identity) (string, map[string]any, error) {
				return subject.TypeUser, map[string]any{"id": 42.0}, nil
			},
			wantErr: subject.ErrSchemaViolation,
		},
		{
			name: "unknown subject type",
			success: func(context.Context, *providers.Identity) (string, map[string]any, error) {
				return "robot", map[string]any{"id": "r2"}, nil
			},
			wantErr: subject.ErrUnknownSubjectType,
		},
		{
			name: "claims that would not decode",
			success: func(context.Context, *providers.Identity) (string, map[string]any, error) {
				return subject.TypeUser, map[string]any{"id": "a\xffb"}, nil
			},
			wantErr: subject.ErrUnsupportedValue,
		},
		{
			name: "callback error",
			success: func(context.Context, *providers.Identity) (string, map[string]any, error) {
				return "", nil, errors.New("database unavailable")
			},
			wantErr: ErrSubjectRejected,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, fixtureOptions{config: &Config{Success: tt.success}})
			ctx := context.Background()
			challenge, _ := testutil.GeneratePKCEPair()

			session, err := f.srv.Authorize(ctx, authorizeRequest(challenge))
			testutil.AssertNoError(t, err)

			_, err = f.srv.CompleteLogin(ctx, session.ID, providers.Params{"email": testEmail, "code": testCode})
			testutil.AssertErrorIs(t, err, tt.wantErr)
			var redirectErr *RedirectError
			if !errors.As(err, &redirectErr) {
				t.Errorf("error %v is not a *RedirectError", err)
			}
		})
	}
}

func TestCompleteLogin_EntropyCollision(t *testing.T) {
	kv := storagemock.NewKV(t)
	kv.PutIfAbsentFunc = func(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
		if strings.HasPrefix(key, "code:") {
			return false, nil
		}
		return kv.Inner.PutIfAbsent(ctx, key, value, ttl)
	}
	f := newFixture(t, fixtureOptions{kv: kv, noClock: true})
	ctx := context.Background()
	challenge, _ := testutil.GeneratePKCEPair()

	session, err := f.srv.Authorize(ctx, authorizeRequest(challenge))
	testutil.AssertNoError(t, err)

	_, err = f.srv.CompleteLogin(ctx, session.ID, providers.Params{"email": testEmail, "code": testCode})
	testutil.AssertErrorIs(t, err, storage.ErrEntropyCollision)
	var redirectErr *RedirectError
	if errors.As(err, &redirectErr) {
		t.Error("entropy collision must abort instead of redirecting")
	}
	if !strings.Contains(f.logs.String(), security.EventEntropyCollision) {
		t.Error("entropy collision was not audited")
	}
}

func TestVerifyAccessToken_Errors(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	ctx := context.Background()
	code, verifier := f.login(t)

	pair, err := f.srv.ExchangeAuthorizationCode(ctx, code, testClientID, testRedirectURI, verifier)
	testutil.AssertNoError(t, err)

	_, err = f.srv.VerifyAccessToken(ctx, pair.AccessToken+"x")
	testutil.AssertErrorIs(t, err, keys.ErrInvalidSignature)

	f.clock.Advance(time.Hour)
	_, err = f.srv.VerifyAccessToken(ctx, pair.AccessToken)
	testutil.AssertErrorIs(t, err, keys.ErrTokenExpired)
}

func TestRefresh_ClientMismatchBurnsToken(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	ctx := context.Background()
	code, verifier := f.login(t)

	pair, err := f.srv.ExchangeAuthorizationCode(ctx, code, testClientID, testRedirectURI, verifier)
	testutil.AssertNoError(t, err)

	_, err = f.srv.RefreshAccessToken(ctx, pair.RefreshToken, "other-client")
	testutil.AssertErrorIs(t, err, storage.ErrClientMismatch)

	_, err = f.srv.RefreshAccessToken(ctx, pair.RefreshToken, testClientID)
	testutil.AssertErrorIs(t, err, storage.ErrInvalidRefreshToken)
}

func TestRefreshTokensDisabled(t *testing.T) {
	disabled := false
	f := newFixture(t, fixtureOptions{config: &Config{IssueRefreshTokens: &disabled}})
	code, verifier := f.login(t)

	pair, err := f.srv.ExchangeAuthorizationCode(context.Background(), code, testClientID, testRedirectURI, verifier)
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, pair.RefreshToken, "")
}
