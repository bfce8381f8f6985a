package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/giantswarm/oauth-issuer/instrumentation"
	"github.com/giantswarm/oauth-issuer/providers"
	"github.com/giantswarm/oauth-issuer/security"
	"github.com/giantswarm/oauth-issuer/server"
)

// paramSession names the flow session in login requests.
const paramSession = "session"

// Handler is a thin HTTP adapter for the issuer Server.
// It handles HTTP requests and delegates to the Server for business logic.
type Handler struct {
	server  *server.Server
	config  *Config
	logger  *slog.Logger
	tracer  trace.Tracer
	limiter *security.RateLimiter
}

// NewHandler creates a new HTTP handler
func NewHandler(srv *server.Server, config *Config) *Handler {
	if config == nil {
		config = &Config{}
	}
	config.applyDefaults()

	h := &Handler{
		server: srv,
		config: config,
		logger: config.Logger,
		tracer: srv.Instrumentation.Tracer("http"),
	}
	if config.RateLimit.Rate > 0 {
		h.limiter = security.NewRateLimiterWithConfig(rate.Limit(config.RateLimit.Rate),
			config.RateLimit.Burst, config.RateLimit.MaxEntries, config.Logger)
	}
	return h
}

// Close stops background work of the handler.
func (h *Handler) Close() {
	if h.limiter != nil {
		h.limiter.Stop()
	}
}

// Routes returns a router with all issuer endpoints registered.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(security.RequestIDMiddleware)
	r.Use(h.clientIPMiddleware)
	r.Use(h.metricsMiddleware)
	r.Use(h.rateLimitMiddleware)

	h.OAuthRoutes(r)
	h.LoginRoutes(r)
	h.WellKnownRoutes(r)
	return r
}

// OAuthRoutes registers the authorize and token endpoints.
func (h *Handler) OAuthRoutes(r chi.Router) {
	r.Get("/authorize", h.ServeAuthorization)
	r.Post("/token", h.ServeToken)
}

// LoginRoutes registers the per-provider login endpoints.
func (h *Handler) LoginRoutes(r chi.Router) {
	r.Get("/{provider}/login", h.ServeLogin)
	r.Post("/{provider}/start", h.ServeLoginStart)
	r.Post("/{provider}/verify", h.ServeLoginVerify)
}

// WellKnownRoutes registers the JWKS and discovery endpoints.
func (h *Handler) WellKnownRoutes(r chi.Router) {
	r.Get("/.well-known/jwks.json", h.ServeJWKS)
	r.Get("/.well-known/oauth-authorization-server", h.ServeAuthorizationServerMetadata)
}

// ServeAuthorization handles OAuth authorization requests. A valid request is
// redirected to the login page of the selected provider.
func (h *Handler) ServeAuthorization(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "oauth.http.authorization")
	defer span.End()

	q := r.URL.Query()
	req := server.AuthorizationRequest{
		ClientID:            q.Get("client_id"),
		RedirectURI:         q.Get("redirect_uri"),
		ResponseType:        q.Get("response_type"),
		CodeChallenge:       q.Get("code_challenge"),
		CodeChallengeMethod: q.Get("code_challenge_method"),
		State:               q.Get("state"),
		Scope:               q.Get("scope"),
		Provider:            q.Get("provider"),
	}
	instrumentation.SetSpanAttributes(span,
		attribute.String(instrumentation.AttrClientID, req.ClientID),
		attribute.String(instrumentation.AttrPKCEMethod, req.CodeChallengeMethod),
	)

	session, err := h.server.Authorize(ctx, req)
	if err != nil {
		instrumentation.RecordError(span, err)
		h.writeFlowError(w, r, err)
		return
	}

	instrumentation.SetSpanSuccess(span)
	http.Redirect(w, r, h.loginURL(session.Provider, "login", url.Values{paramSession: {session.ID}}), http.StatusFound)
}

// ServeLogin renders the login form of a provider for an open session.
func (h *Handler) ServeLogin(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get(paramSession)
	provider, ok := h.sessionForProvider(w, r, sessionID)
	if !ok {
		return
	}

	security.SetSecurityHeaders(w, h.server.Config.Issuer)
	security.SetLoginPageHeaders(w)
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	err := loginTemplate.Execute(w, loginPage{
		Provider:  provider,
		Session:   sessionID,
		StartURL:  h.loginURL(provider, "start", nil),
		VerifyURL: h.loginURL(provider, "verify", nil),
	})
	if err != nil {
		h.logger.Error("Failed to render login page", "provider", provider, "error", err)
	}
}

// ServeLoginStart asks the provider to begin a login, for example by sending
// a one-time code.
func (h *Handler) ServeLoginStart(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "oauth.http.login_start")
	defer span.End()

	if !h.parseForm(w, r) {
		return
	}
	sessionID := r.PostForm.Get(paramSession)
	if _, ok := h.sessionForProvider(w, r, sessionID); !ok {
		return
	}

	if err := h.server.StartLogin(ctx, sessionID, formParams(r.PostForm)); err != nil {
		instrumentation.RecordError(span, err)
		h.writeFlowError(w, r, err)
		return
	}

	instrumentation.SetSpanSuccess(span)
	h.writeJSON(w, http.StatusOK, LoginStartedResponse{Status: LoginStatusCodeSent})
}

// ServeLoginVerify completes a login and redirects back to the client with an
// authorization code.
func (h *Handler) ServeLoginVerify(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "oauth.http.login_verify")
	defer span.End()

	if !h.parseForm(w, r) {
		return
	}
	sessionID := r.PostForm.Get(paramSession)
	if _, ok := h.sessionForProvider(w, r, sessionID); !ok {
		return
	}

	location, err := h.server.CompleteLogin(ctx, sessionID, formParams(r.PostForm))
	if err != nil {
		instrumentation.RecordError(span, err)
		h.writeFlowError(w, r, err)
		return
	}

	instrumentation.SetSpanSuccess(span)
	http.Redirect(w, r, location, http.StatusFound)
}

// ServeToken handles the OAuth token endpoint
func (h *Handler) ServeToken(w http.ResponseWriter, r *http.Request) {
	if !h.parseForm(w, r) {
		return
	}

	grantType := r.PostForm.Get("grant_type")
	switch grantType {
	case "authorization_code":
		h.handleAuthorizationCodeGrant(w, r)
	case "refresh_token":
		h.handleRefreshTokenGrant(w, r)
	case "":
		h.writeError(w, ErrInvalidRequest("grant_type is required"))
	default:
		h.writeError(w, NewOAuthError(ErrorCodeUnsupportedGrantType, "Grant type "+grantType+" not supported", http.StatusBadRequest))
	}
}

func (h *Handler) handleAuthorizationCodeGrant(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "oauth.http.token_exchange")
	defer span.End()

	code := r.PostForm.Get("code")
	if code == "" {
		h.writeError(w, ErrInvalidRequest("Required parameter 'code' missing"))
		return
	}

	clientID, oauthErr := h.authenticateClient(r)
	if oauthErr != nil {
		instrumentation.RecordError(span, oauthErr)
		h.writeError(w, oauthErr)
		return
	}
	instrumentation.SetSpanAttributes(span, attribute.String(instrumentation.AttrClientID, clientID))

	pair, err := h.server.ExchangeAuthorizationCode(ctx, code, clientID,
		r.PostForm.Get("redirect_uri"), r.PostForm.Get("code_verifier"))
	if err != nil {
		h.logger.Warn("Failed to exchange authorization code", "client_id", clientID, "error", err)
		instrumentation.RecordError(span, err)
		h.writeError(w, ErrorFromFlow(err))
		return
	}

	instrumentation.SetSpanSuccess(span)
	h.writeTokenResponse(w, pair)
}

func (h *Handler) handleRefreshTokenGrant(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "oauth.http.token_refresh")
	defer span.End()

	refreshToken := r.PostForm.Get("refresh_token")
	if refreshToken == "" {
		h.writeError(w, ErrInvalidRequest("refresh_token is required"))
		return
	}

	clientID, oauthErr := h.authenticateClient(r)
	if oauthErr != nil {
		instrumentation.RecordError(span, oauthErr)
		h.writeError(w, oauthErr)
		return
	}
	instrumentation.SetSpanAttributes(span, attribute.String(instrumentation.AttrClientID, clientID))

	pair, err := h.server.RefreshAccessToken(ctx, refreshToken, clientID)
	if err != nil {
		h.logger.Warn("Failed to refresh token", "client_id", clientID, "error", err)
		instrumentation.RecordError(span, err)
		h.writeError(w, ErrorFromFlow(err))
		return
	}

	instrumentation.SetSpanSuccess(span)
	h.writeTokenResponse(w, pair)
}

// ServeJWKS publishes the token verification keys.
func (h *Handler) ServeJWKS(w http.ResponseWriter, _ *http.Request) {
	security.SetSecurityHeaders(w, h.server.Config.Issuer)
	// Keys may be cached briefly; rotation keeps the previous key published.
	w.Header().Set("Cache-Control", "public, max-age=300")
	h.writeJSON(w, http.StatusOK, h.server.Keys().PublicKeys())
}

// ServeAuthorizationServerMetadata serves RFC 8414 Authorization Server Metadata
func (h *Handler) ServeAuthorizationServerMetadata(w http.ResponseWriter, _ *http.Request) {
	issuer := strings.TrimSuffix(h.server.Config.Issuer, "/")
	grantTypes := []string{"authorization_code"}
	if h.server.Config.IssueRefreshTokens == nil || *h.server.Config.IssueRefreshTokens {
		grantTypes = append(grantTypes, "refresh_token")
	}
	security.SetSecurityHeaders(w, issuer)
	h.writeJSON(w, http.StatusOK, AuthorizationServerMetadata{
		Issuer:                            issuer,
		AuthorizationEndpoint:             issuer + "/authorize",
		TokenEndpoint:                     issuer + "/token",
		JWKSURI:                           issuer + "/.well-known/jwks.json",
		ScopesSupported:                   h.server.Config.SupportedScopes,
		ResponseTypesSupported:            []string{server.ResponseTypeCode},
		GrantTypesSupported:               grantTypes,
		TokenEndpointAuthMethodsSupported: []string{"none", "client_secret_basic", "client_secret_post"},
		CodeChallengeMethodsSupported:     []string{"S256"},
	})
}

// ValidateToken is middleware that validates bearer access tokens and stores
// the verified claims in the request context.
func (h *Handler) ValidateToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
		if !ok || !strings.EqualFold(scheme, "bearer") || token == "" {
			h.writeError(w, NewOAuthError(ErrorCodeInvalidToken, "Missing bearer token", http.StatusUnauthorized))
			return
		}

		claims, err := h.server.VerifyAccessToken(r.Context(), token)
		if err != nil {
			h.logger.Warn("Token validation failed", "ip", security.ClientIPFromContext(r.Context()), "error", err)
			h.writeError(w, ErrorFromFlow(err))
			return
		}
		next.ServeHTTP(w, r.WithContext(ContextWithClaims(r.Context(), claims)))
	})
}

type claimsContextKey struct{}

// ClaimsFromContext returns the access token claims stored by ValidateToken.
func ClaimsFromContext(ctx context.Context) (*server.AccessClaims, bool) {
	claims, ok := ctx.Value(claimsContextKey{}).(*server.AccessClaims)
	return claims, ok
}

// ContextWithClaims returns a context carrying verified access token claims.
// Outside tests, only ValidateToken should call it.
func ContextWithClaims(ctx context.Context, claims *server.AccessClaims) context.Context {
	return context.WithValue(ctx, claimsContextKey{}, claims)
}

// Helper methods

// sessionForProvider loads the flow session and checks it belongs to the
// provider in the URL. It writes the error response and returns false on
// failure.
func (h *Handler) sessionForProvider(w http.ResponseWriter, r *http.Request, sessionID string) (string, bool) {
	provider := chi.URLParam(r, "provider")
	if sessionID == "" {
		h.writeError(w, ErrInvalidRequest("session is required"))
		return "", false
	}
	session, err := h.server.Session(r.Context(), sessionID)
	if err != nil {
		h.writeError(w, ErrorFromFlow(err))
		return "", false
	}
	if session.Provider != provider {
		h.writeError(w, ErrInvalidRequest("Login session belongs to another provider"))
		return "", false
	}
	return provider, true
}

// authenticateClient validates client credentials from either Basic Auth or
// form parameters and returns the authenticated client ID.
func (h *Handler) authenticateClient(r *http.Request) (string, *OAuthError) {
	clientID := r.PostForm.Get("client_id")
	secret := r.PostForm.Get("client_secret")
	if basicID, basicSecret, ok := r.BasicAuth(); ok {
		if clientID != "" && clientID != basicID {
			return "", ErrInvalidRequest("client_id does not match the authenticated client")
		}
		clientID, secret = basicID, basicSecret
	}
	if clientID == "" {
		return "", ErrInvalidRequest("client_id is required")
	}

	if err := h.server.AuthenticateClient(clientID, secret); err != nil {
		h.logger.Warn("Client authentication failed", "client_id", clientID,
			"ip", security.ClientIPFromContext(r.Context()), "error", err)
		return "", ErrInvalidClient("Client authentication failed")
	}
	return clientID, nil
}

func (h *Handler) parseForm(w http.ResponseWriter, r *http.Request) bool {
	r.Body = http.MaxBytesReader(w, r.Body, h.config.MaxFormBytes)
	if err := r.ParseForm(); err != nil {
		h.writeError(w, ErrInvalidRequest("Failed to parse request"))
		return false
	}
	return true
}

// formParams passes every submitted field except the session to the provider.
func formParams(form url.Values) providers.Params {
	params := make(providers.Params, len(form))
	for key := range form {
		if key != paramSession {
			params[key] = form.Get(key)
		}
	}
	return params
}

func (h *Handler) loginURL(provider, action string, query url.Values) string {
	u := strings.TrimSuffix(h.server.Config.Issuer, "/") + "/" + url.PathEscape(provider) + "/" + action
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	return u
}

// writeFlowError reports a flow error. Errors that carry a trusted redirect
// URI are sent back to the client, everything else is rendered here.
func (h *Handler) writeFlowError(w http.ResponseWriter, r *http.Request, err error) {
	var redirectErr *server.RedirectError
	if errors.As(err, &redirectErr) {
		oauthErr := ErrorFromFlow(redirectErr.Err)
		location, locErr := redirectErr.Location(oauthErr.Code, oauthErr.Description)
		if locErr == nil {
			http.Redirect(w, r, location, http.StatusFound)
			return
		}
		h.logger.Error("Failed to build error redirect", "error", locErr)
	}
	h.writeError(w, ErrorFromFlow(err))
}

func (h *Handler) writeTokenResponse(w http.ResponseWriter, pair *server.TokenPair) {
	security.SetSecurityHeaders(w, h.server.Config.Issuer)
	h.writeJSON(w, http.StatusOK, TokenResponse{
		AccessToken:  pair.AccessToken,
		TokenType:    pair.TokenType,
		ExpiresIn:    pair.ExpiresIn,
		RefreshToken: pair.RefreshToken,
		Scope:        pair.Scope,
	})
}

func (h *Handler) writeError(w http.ResponseWriter, oauthErr *OAuthError) {
	security.SetSecurityHeaders(w, h.server.Config.Issuer)
	switch {
	case oauthErr.Code == ErrorCodeInvalidClient && oauthErr.Status == http.StatusUnauthorized:
		w.Header().Set("WWW-Authenticate", `Basic realm="token"`)
	case oauthErr.Status == http.StatusUnauthorized:
		w.Header().Set("WWW-Authenticate", server.TokenTypeBearer+` error="`+oauthErr.Code+`"`)
	}
	h.writeJSON(w, oauthErr.Status, ErrorResponse{
		Error:            oauthErr.Code,
		ErrorDescription: oauthErr.Description,
	})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Debug("Failed to write response", "error", err)
	}
}

// Middleware

func (h *Handler) clientIPMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := security.ClientIP(r, h.server.Config.TrustProxy, h.server.Config.TrustedProxyCount)
		next.ServeHTTP(w, r.WithContext(security.WithClientIP(r.Context(), ip)))
	})
}

func (h *Handler) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		clientIP := security.ClientIPFromContext(r.Context())
		if h.limiter == nil || h.limiter.Allow(clientIP) {
			next.ServeHTTP(w, r)
			return
		}

		h.logger.Warn("Rate limit exceeded", "ip", clientIP, "path", r.URL.Path)
		h.server.Instrumentation.Metrics().RecordRateLimitExceeded(r.Context(), "ip")
		h.server.Auditor.LogRateLimitExceeded(clientIP, "ip")
		w.Header().Set("Retry-After", strconv.Itoa(int(h.config.RateLimit.RetryAfter.Seconds())))
		h.writeError(w, NewOAuthError(ErrorCodeRateLimitExceeded, "Rate limit exceeded. Please try again later.", http.StatusTooManyRequests))
	})
}

// metricsMiddleware wraps each request in a span and records request count and
// duration per route pattern.
func (h *Handler) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx, span := h.tracer.Start(r.Context(), "oauth.http.request")
		defer span.End()
		h.server.Instrumentation.AddClientIPAttribute(span, security.ClientIPFromContext(ctx))

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		r = r.WithContext(ctx)
		next.ServeHTTP(ww, r)

		endpoint := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			endpoint = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		instrumentation.AddHTTPAttributes(span, r.Method, endpoint, status)
		h.server.Instrumentation.Metrics().RecordHTTPRequest(r.Context(), r.Method, endpoint, status,
			float64(time.Since(start).Milliseconds()))
	})
}
