// Package testutil provides test helpers shared across the issuer's packages:
// a concurrency-safe mock clock, PKCE pairs and small assertions.
package testutil
