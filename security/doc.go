// Package security provides the issuer's security helpers: audit logging with
// hashed PII, per-identifier rate limiting, AES-256-GCM sealing of stored
// records, client IP extraction, security headers and request IDs.
//
// # Rate Limiting
//
// RateLimiter keeps one token bucket per identifier (client IP for /authorize
// and /token, email hash for login starts). The number of tracked identifiers is
// bounded; when the bound is reached the least recently used bucket is evicted.
//
//	limiter := security.NewRateLimiter(rate.Every(10*time.Second), 3, logger)
//	defer limiter.Stop()
//
//	if !limiter.Allow(clientIP) {
//	    return http.StatusTooManyRequests
//	}
//
// # Encryption at rest
//
// Encryptor seals record values before they reach the shared store. A nil or
// disabled Encryptor passes data through unchanged.
package security
