package server

import (
	"log/slog"
	"time"

	"github.com/giantswarm/oauth-issuer/storage"
)

// Config holds issuer configuration.
type Config struct {
	// Issuer is the iss claim of issued tokens and the public base URL.
	Issuer string

	// AccessTokenTTL is how long access tokens are valid (default: 1 hour).
	AccessTokenTTL time.Duration

	// DefaultProvider is used when an authorization request names no provider.
	// Default: the only registered provider, if there is exactly one.
	DefaultProvider string

	// IssueRefreshTokens controls whether token responses carry a refresh token.
	// It has no effect without a refresh store.
	// Default: true
	IssueRefreshTokens *bool

	// SupportedScopes lists the scopes clients may request.
	// If empty, all scopes are allowed.
	SupportedScopes []string

	// MaxScopeLength bounds the scope parameter (default: 1000 characters).
	MaxScopeLength int

	// MaxStateLength bounds the state parameter (default: 512 characters).
	MaxStateLength int

	// AllowInsecureHTTP permits an http:// issuer on a non-loopback host.
	// WARNING: tokens and codes travel in clear text. Development only.
	// Default: false
	AllowInsecureHTTP bool

	// TrustProxy enables trusting X-Forwarded-For and X-Real-IP headers
	// WARNING: Only enable if behind a trusted reverse proxy
	// Default: false
	TrustProxy bool

	// TrustedProxyCount is the number of trusted proxies in front of this server.
	// Default: 1
	TrustedProxyCount int

	// Success turns a verified identity into the subject embedded in tokens
	// (required).
	Success SuccessFunc
}

func (c *Config) refreshTokensEnabled() bool {
	return c.IssueRefreshTokens == nil || *c.IssueRefreshTokens
}

// applySecureDefaults fills unset values and warns about insecure settings.
func applySecureDefaults(config *Config, logger *slog.Logger) *Config {
	if config.AccessTokenTTL <= 0 {
		config.AccessTokenTTL = time.Hour
	}
	if config.MaxScopeLength <= 0 {
		config.MaxScopeLength = 1000
	}
	if config.MaxStateLength <= 0 {
		config.MaxStateLength = 512
	}
	if config.TrustedProxyCount <= 0 {
		config.TrustedProxyCount = 1
	}

	logSecurityWarnings(config, logger)
	return config
}

// logSecurityWarnings logs warnings for insecure configuration settings.
func logSecurityWarnings(config *Config, logger *slog.Logger) {
	if config.TrustProxy {
		logger.Warn("SECURITY NOTICE: Trusting proxy headers",
			"risk", "IP spoofing if proxy is not properly configured",
			"recommendation", "Only enable behind trusted reverse proxies",
			"trusted_proxy_count", config.TrustedProxyCount)
	}
	if config.AccessTokenTTL > 24*time.Hour {
		logger.Warn("SECURITY NOTICE: Long-lived access tokens",
			"access_token_ttl", config.AccessTokenTTL,
			"recommendation", "Keep access tokens short and rely on refresh tokens")
	}
	if !config.refreshTokensEnabled() {
		logger.Info("Refresh tokens disabled, clients must re-authenticate when access tokens expire")
	}
}

// logStoreSettings reports the lifetimes enforced by the stores.
func logStoreSettings(logger *slog.Logger, codes *storage.CodeStore, refresh *storage.RefreshStore) {
	attrs := []any{"code_ttl", codes.TTL()}
	if refresh != nil {
		attrs = append(attrs, "refresh_token_ttl", refresh.TTL())
	}
	logger.Debug("Issuer lifetimes", attrs...)
}
