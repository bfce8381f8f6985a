// Package providers defines the interface implemented by login providers.
//
// A provider authenticates a user in two steps, Start and Verify, and yields a
// verified Identity. The flow picks a provider by the name carried on the
// authorization request.
//
// Implementations are provided in subpackages:
//   - providers/password: email address plus a one-time code sent out of band
//   - providers/mock: configurable provider for tests
package providers
