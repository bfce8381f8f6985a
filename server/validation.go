package server

import (
	"fmt"
	"net"
	"net/url"
	"slices"
	"strings"
)

const (
	// ResponseTypeCode is the only supported response_type.
	ResponseTypeCode = "code"

	oauth21SecurityBestPracticesURL = "https://datatracker.ietf.org/doc/html/draft-ietf-oauth-v2-1-10#section-4.1.1"
)

// validateHTTPSEnforcement requires an https issuer, except on loopback hosts
// or when AllowInsecureHTTP is set.
func (s *Server) validateHTTPSEnforcement() error {
	issuerURL, err := url.Parse(s.Config.Issuer)
	if err != nil {
		return fmt.Errorf("invalid issuer URL: %w", err)
	}

	switch issuerURL.Scheme {
	case "https":
		return nil
	case "http":
	default:
		return fmt.Errorf("invalid issuer URL scheme: %q (must be http or https)", issuerURL.Scheme)
	}

	hostname := issuerURL.Hostname()
	if isLocalhostHostname(hostname) {
		if !s.Config.AllowInsecureHTTP {
			s.Logger.Warn("DEVELOPMENT WARNING: Running OAuth over HTTP on localhost",
				"issuer", s.Config.Issuer,
				"to_suppress", "Set AllowInsecureHTTP=true in Config",
				"learn_more", oauth21SecurityBestPracticesURL)
		}
		return nil
	}

	if !s.Config.AllowInsecureHTTP {
		return fmt.Errorf("issuer must use HTTPS (got %s://%s); set AllowInsecureHTTP for development",
			issuerURL.Scheme, hostname)
	}

	s.Logger.Error("CRITICAL SECURITY WARNING: Running OAuth server over HTTP",
		"issuer", s.Config.Issuer,
		"hostname", hostname,
		"risk", "All tokens and credentials exposed to network sniffing and MITM attacks",
		"learn_more", oauth21SecurityBestPracticesURL)
	return nil
}

// isLocalhostHostname reports whether hostname refers to the local machine.
func isLocalhostHostname(hostname string) bool {
	if hostname == "localhost" || hostname == "0.0.0.0" {
		return true
	}
	if ip := net.ParseIP(strings.Trim(hostname, "[]")); ip != nil {
		return ip.IsLoopback()
	}
	return false
}

// validateScope checks the scope parameter against SupportedScopes.
func (s *Server) validateScope(scope string) error {
	if len(scope) > s.Config.MaxScopeLength {
		return fmt.Errorf("%w: scope exceeds %d characters", ErrInvalidScope, s.Config.MaxScopeLength)
	}
	if len(s.Config.SupportedScopes) == 0 {
		return nil
	}
	for _, requested := range strings.Fields(scope) {
		if !slices.Contains(s.Config.SupportedScopes, requested) {
			return fmt.Errorf("%w: %s", ErrInvalidScope, requested)
		}
	}
	return nil
}

// appendQuery adds the non-empty params to a redirect URI. The registered URI,
// including its own query, is kept byte for byte.
func appendQuery(redirectURI string, params url.Values) (string, error) {
	if _, err := url.Parse(redirectURI); err != nil {
		return "", fmt.Errorf("invalid redirect URI: %w", err)
	}

	extra := url.Values{}
	for k, vs := range params {
		for _, v := range vs {
			if v != "" {
				extra.Add(k, v)
			}
		}
	}
	if len(extra) == 0 {
		return redirectURI, nil
	}

	base, fragment, hasFragment := strings.Cut(redirectURI, "#")
	switch {
	case !strings.Contains(base, "?"):
		base += "?"
	case !strings.HasSuffix(base, "?") && !strings.HasSuffix(base, "&"):
		base += "&"
	}
	location := base + extra.Encode()
	if hasFragment {
		location += "#" + fragment
	}
	return location, nil
}
