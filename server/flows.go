package server

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/giantswarm/oauth-issuer/instrumentation"
	"github.com/giantswarm/oauth-issuer/keys"
	"github.com/giantswarm/oauth-issuer/pkce"
	"github.com/giantswarm/oauth-issuer/providers"
	"github.com/giantswarm/oauth-issuer/security"
	"github.com/giantswarm/oauth-issuer/storage"
	"github.com/giantswarm/oauth-issuer/subject"
)

// Claim names carried by access tokens besides the registered ones.
const (
	ClaimClientID    = "client_id"
	ClaimScope       = "scope"
	ClaimSubjectType = "subject_type"
	ClaimProperties  = "properties"
)

// TokenTypeBearer is the token_type of issued access tokens.
const TokenTypeBearer = "Bearer"

// AuthorizationRequest holds the parameters of an /authorize request.
type AuthorizationRequest struct {
	ClientID            string
	RedirectURI         string
	ResponseType        string
	CodeChallenge       string
	CodeChallengeMethod string
	State               string
	Scope               string

	// Provider selects the login provider. Empty selects the default provider.
	Provider string
}

// TokenPair is the result of a successful token request.
type TokenPair struct {
	AccessToken  string
	TokenType    string
	RefreshToken string
	ExpiresIn    int64
	ExpiresAt    time.Time
	Scope        string
}

// AccessClaims are the verified contents of an access token.
type AccessClaims struct {
	Token       *keys.Token
	ClientID    string
	Scope       string
	SubjectType string
	Subject     map[string]any
}

// Authorize validates an authorization request and opens a flow session.
//
// An unknown client or unregistered redirect URI is returned as is and must be
// shown to the user, since the redirect target is not trusted. Every later
// failure is returned as a *RedirectError.
func (s *Server) Authorize(ctx context.Context, req AuthorizationRequest) (*storage.FlowSession, error) {
	ctx, span := s.tracer.Start(ctx, "oauth.authorize")
	defer span.End()
	instrumentation.AddFlowAttributes(span, req.ClientID, req.Provider, req.Scope)
	clientIP := security.ClientIPFromContext(ctx)

	if _, err := s.clients.Validate(req.ClientID, req.RedirectURI); err != nil {
		eventType := security.EventInvalidRedirect
		if req.ClientID == "" || !s.clientExists(req.ClientID) {
			eventType = security.EventUnknownClient
		}
		s.Auditor.LogRejectedClient(eventType, req.ClientID, clientIP)
		instrumentation.RecordError(span, err)
		return nil, err
	}

	fail := func(err error) error {
		instrumentation.RecordError(span, err)
		s.Logger.DebugContext(ctx, "Authorization request rejected", "client_id", req.ClientID, "error", err)
		return redirectError(req.RedirectURI, req.State, err)
	}

	if req.ResponseType != ResponseTypeCode {
		return nil, fail(fmt.Errorf("%w: %q", ErrUnsupportedResponseType, req.ResponseType))
	}
	if err := pkce.ValidateChallenge(req.CodeChallenge, req.CodeChallengeMethod); err != nil {
		if errors.Is(err, pkce.ErrUnsupportedMethod) {
			return nil, fail(fmt.Errorf("%w: %v", ErrUnsupportedChallengeMethod, err))
		}
		return nil, fail(fmt.Errorf("%w: %v", ErrInvalidRequest, err))
	}
	if len(req.State) > s.Config.MaxStateLength {
		return nil, fail(fmt.Errorf("%w: state exceeds %d characters", ErrInvalidRequest, s.Config.MaxStateLength))
	}
	if err := s.validateScope(req.Scope); err != nil {
		return nil, fail(err)
	}

	providerName := req.Provider
	if providerName == "" {
		providerName = s.Config.DefaultProvider
	}
	if _, ok := s.providers.Get(providerName); !ok {
		return nil, fail(fmt.Errorf("%w: %q", ErrUnknownProvider, providerName))
	}

	session := &storage.FlowSession{
		ClientID:            req.ClientID,
		RedirectURI:         req.RedirectURI,
		State:               req.State,
		Scope:               req.Scope,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: req.CodeChallengeMethod,
		Provider:            providerName,
	}
	if _, err := s.flows.Save(ctx, session); err != nil {
		s.entropyAlarm(err, "flow_session")
		instrumentation.RecordError(span, err)
		return nil, err
	}

	s.Auditor.LogAuthorizationStarted(req.ClientID, providerName, clientIP)
	s.metrics.RecordAuthorizationStarted(ctx, req.ClientID, providerName)
	instrumentation.SetSpanSuccess(span)
	return session, nil
}

// Session returns an open flow session.
func (s *Server) Session(ctx context.Context, sessionID string) (*storage.FlowSession, error) {
	return s.flows.Get(ctx, sessionID)
}

// StartLogin hands the submitted parameters to the session's provider. It may
// be called repeatedly, for example to resend a code.
func (s *Server) StartLogin(ctx context.Context, sessionID string, params providers.Params) error {
	ctx, span := s.tracer.Start(ctx, "oauth.login.start")
	defer span.End()

	session, provider, err := s.sessionProvider(ctx, sessionID)
	if err != nil {
		instrumentation.RecordError(span, err)
		return err
	}
	instrumentation.AddFlowAttributes(span, session.ClientID, session.Provider, "")

	if err := provider.Start(ctx, params); err != nil {
		instrumentation.RecordError(span, err)
		return err
	}
	instrumentation.SetSpanSuccess(span)
	return nil
}

// CompleteLogin verifies the submitted parameters with the session's provider.
// On success the session is consumed, the success callback produces the
// subject and a new authorization code is issued. It returns the client
// redirect URI carrying code and state.
//
// Provider failures leave the session open so the user can retry.
func (s *Server) CompleteLogin(ctx context.Context, sessionID string, params providers.Params) (string, error) {
	ctx, span := s.tracer.Start(ctx, "oauth.login.complete")
	defer span.End()

	session, provider, err := s.sessionProvider(ctx, sessionID)
	if err != nil {
		instrumentation.RecordError(span, err)
		return "", err
	}
	instrumentation.AddFlowAttributes(span, session.ClientID, session.Provider, session.Scope)

	id, err := provider.Verify(ctx, params)
	if err != nil {
		instrumentation.RecordError(span, err)
		return "", err
	}

	// Only one completion per session.
	session, err = s.flows.Take(ctx, sessionID)
	if err != nil {
		instrumentation.RecordError(span, err)
		return "", err
	}

	subjectType, claims, err := s.Config.Success(ctx, id)
	if err != nil {
		s.Logger.ErrorContext(ctx, "Success callback failed", "client_id", session.ClientID, "error", err)
		instrumentation.RecordError(span, err)
		return "", redirectError(session.RedirectURI, session.State, fmt.Errorf("%w: %v", ErrSubjectRejected, err))
	}

	enc, err := s.subjects.Encode(subjectType, claims)
	if err != nil {
		s.Logger.ErrorContext(ctx, "Subject rejected by schema", "subject_type", subjectType, "error", err)
		instrumentation.RecordError(span, err)
		return "", redirectError(session.RedirectURI, session.State, err)
	}
	instrumentation.AddSubjectAttributes(span, enc.Type, enc.ID())

	code, err := s.codes.Issue(ctx, &storage.AuthorizationCode{
		ClientID:            session.ClientID,
		RedirectURI:         session.RedirectURI,
		CodeChallenge:       session.CodeChallenge,
		CodeChallengeMethod: session.CodeChallengeMethod,
		Scope:               session.Scope,
		Subject:             enc,
	})
	if err != nil {
		s.entropyAlarm(err, "authorization_code")
		instrumentation.RecordError(span, err)
		return "", err
	}

	s.Auditor.LogCodeIssued(enc.ID(), session.ClientID)
	s.metrics.RecordCodeIssued(ctx, session.ClientID)

	location, err := appendQuery(session.RedirectURI, url.Values{
		"code":  {code},
		"state": {session.State},
	})
	if err != nil {
		instrumentation.RecordError(span, err)
		return "", err
	}
	instrumentation.SetSpanSuccess(span)
	return location, nil
}

// AuthenticateClient checks client credentials presented at the token endpoint.
func (s *Server) AuthenticateClient(clientID, clientSecret string) error {
	_, err := s.clients.Authenticate(clientID, clientSecret)
	return err
}

// ExchangeAuthorizationCode consumes code and issues tokens. The code is
// unusable afterwards whatever the outcome.
func (s *Server) ExchangeAuthorizationCode(ctx context.Context, code, clientID, redirectURI, codeVerifier string) (*TokenPair, error) {
	ctx, span := s.tracer.Start(ctx, "oauth.token.authorization_code")
	defer span.End()
	instrumentation.SetSpanAttributes(span,
		attribute.String(instrumentation.AttrGrantType, "authorization_code"),
		attribute.String(instrumentation.AttrClientID, clientID),
	)
	clientIP := security.ClientIPFromContext(ctx)

	ac, err := s.codes.Consume(ctx, code, clientID, redirectURI, codeVerifier)
	if err != nil {
		reason := exchangeFailureReason(err)
		pkceFailure := errors.Is(err, storage.ErrPKCEMismatch)
		s.Auditor.LogCodeExchangeFailed(clientID, clientIP, reason, pkceFailure)
		s.metrics.RecordCodeExchange(ctx, clientID, reason)
		if pkceFailure {
			s.metrics.RecordPKCEValidationFailed(ctx, clientID)
		}
		if errors.Is(err, storage.ErrInvalidCode) {
			s.metrics.RecordCodeReuseDetected(ctx)
		}
		instrumentation.RecordError(span, err)
		return nil, err
	}

	pair, err := s.issueTokens(ctx, clientID, ac.Scope, ac.Subject)
	if err != nil {
		instrumentation.RecordError(span, err)
		return nil, err
	}

	s.Auditor.LogTokenIssued(ac.Subject.ID(), clientID, clientIP, ac.Scope)
	s.metrics.RecordCodeExchange(ctx, clientID, "")
	instrumentation.AddSubjectAttributes(span, ac.Subject.Type, ac.Subject.ID())
	instrumentation.SetSpanSuccess(span)
	return pair, nil
}

// RefreshAccessToken consumes a refresh token and issues a new token pair with
// a new refresh token.
func (s *Server) RefreshAccessToken(ctx context.Context, refreshToken, clientID string) (*TokenPair, error) {
	ctx, span := s.tracer.Start(ctx, "oauth.token.refresh_token")
	defer span.End()
	instrumentation.SetSpanAttributes(span,
		attribute.String(instrumentation.AttrGrantType, "refresh_token"),
		attribute.String(instrumentation.AttrClientID, clientID),
	)
	clientIP := security.ClientIPFromContext(ctx)

	if s.refresh == nil {
		return nil, storage.ErrInvalidRefreshToken
	}

	rec, err := s.refresh.Consume(ctx, refreshToken, clientID)
	if err != nil {
		s.Auditor.LogRefreshTokenRejected(clientID, clientIP, refreshFailureReason(err))
		s.metrics.RecordTokenRefresh(ctx, clientID, false)
		instrumentation.RecordError(span, err)
		return nil, err
	}

	pair, err := s.issueTokens(ctx, clientID, rec.Scope, rec.Subject)
	if err != nil {
		instrumentation.RecordError(span, err)
		return nil, err
	}

	s.Auditor.LogTokenRefreshed(rec.Subject.ID(), clientID, clientIP)
	s.metrics.RecordTokenRefresh(ctx, clientID, true)
	instrumentation.SetSpanSuccess(span)
	return pair, nil
}

// VerifyAccessToken checks an access token and re-validates its subject.
func (s *Server) VerifyAccessToken(ctx context.Context, token string) (*AccessClaims, error) {
	_, span := s.tracer.Start(ctx, "oauth.token.verify")
	defer span.End()

	tok, err := s.keys.Verify(token)
	if err != nil {
		instrumentation.RecordError(span, err)
		return nil, err
	}

	subjectType, _ := tok.Claims[ClaimSubjectType].(string)
	properties, _ := tok.Claims[ClaimProperties].(map[string]any)
	if err := s.subjects.Validate(subjectType, properties); err != nil {
		instrumentation.RecordError(span, err)
		return nil, err
	}

	clientID, _ := tok.Claims[ClaimClientID].(string)
	scope, _ := tok.Claims[ClaimScope].(string)
	instrumentation.AddSubjectAttributes(span, subjectType, tok.Subject)
	instrumentation.SetSpanSuccess(span)
	return &AccessClaims{
		Token:       tok,
		ClientID:    clientID,
		Scope:       scope,
		SubjectType: subjectType,
		Subject:     properties,
	}, nil
}

func (s *Server) issueTokens(ctx context.Context, clientID, scope string, enc subject.Encoded) (*TokenPair, error) {
	subjectType, properties, err := s.subjects.Decode(enc)
	if err != nil {
		return nil, err
	}

	extra := map[string]any{
		ClaimClientID:    clientID,
		ClaimSubjectType: subjectType,
		ClaimProperties:  properties,
	}
	if scope != "" {
		extra[ClaimScope] = scope
	}

	access, tok, err := s.keys.Sign(keys.Claims{
		Subject:  enc.ID(),
		Audience: []string{clientID},
		Extra:    extra,
	}, s.Config.AccessTokenTTL)
	if err != nil {
		return nil, err
	}

	pair := &TokenPair{
		AccessToken: access,
		TokenType:   TokenTypeBearer,
		ExpiresIn:   int64(s.Config.AccessTokenTTL.Seconds()),
		ExpiresAt:   tok.ExpiresAt,
		Scope:       scope,
	}

	if s.refresh != nil && s.Config.refreshTokensEnabled() {
		pair.RefreshToken, err = s.refresh.Issue(ctx, &storage.RefreshRecord{
			ClientID: clientID,
			Scope:    scope,
			Subject:  enc,
		})
		if err != nil {
			s.entropyAlarm(err, "refresh_token")
			return nil, err
		}
	}
	return pair, nil
}

func (s *Server) sessionProvider(ctx context.Context, sessionID string) (*storage.FlowSession, providers.Provider, error) {
	session, err := s.flows.Get(ctx, sessionID)
	if err != nil {
		return nil, nil, err
	}
	provider, ok := s.providers.Get(session.Provider)
	if !ok {
		return nil, nil, fmt.Errorf("%w: %q", ErrUnknownProvider, session.Provider)
	}
	return session, provider, nil
}

func (s *Server) clientExists(clientID string) bool {
	_, err := s.clients.Get(clientID)
	return err == nil
}

// entropyAlarm raises the audit alarm for identifier collisions.
func (s *Server) entropyAlarm(err error, kind string) {
	if errors.Is(err, storage.ErrEntropyCollision) {
		s.Auditor.LogEntropyCollision(kind)
	}
}

func exchangeFailureReason(err error) string {
	switch {
	case errors.Is(err, storage.ErrInvalidCode):
		return "invalid_code"
	case errors.Is(err, storage.ErrExpiredCode):
		return "expired_code"
	case errors.Is(err, storage.ErrClientMismatch):
		return "client_mismatch"
	case errors.Is(err, storage.ErrPKCEMismatch):
		return "pkce_mismatch"
	default:
		return "error"
	}
}

func refreshFailureReason(err error) string {
	switch {
	case errors.Is(err, storage.ErrInvalidRefreshToken):
		return "invalid_refresh_token"
	case errors.Is(err, storage.ErrExpiredRefreshToken):
		return "expired_refresh_token"
	case errors.Is(err, storage.ErrClientMismatch):
		return "client_mismatch"
	default:
		return "error"
	}
}
