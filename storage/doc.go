// Package storage holds the short-lived state of authorization flows on top of a
// shared key-value store.
//
// The KV interface is the only thing a backend has to provide. The typed stores in
// this package build the flow records on top of it:
//   - CodeStore: authorization codes, issued once and consumed exactly once
//   - ChallengeStore: pending one-time-code challenges and their attempt counters
//   - FlowStore: validated authorization requests awaiting user credentials
//   - RefreshStore: opaque single-use refresh tokens
//
// Every consuming operation is a single atomic Take, so a record can be used at most
// once no matter how many processes race for it, and a failed use still destroys it.
//
// Backends are provided in subpackages:
//   - storage/memory: in-process store for development, tests and single-instance use
//   - storage/valkey: Valkey backend (valkey-go)
//   - storage/redis: Redis backend (go-redis)
//   - storage/mock: fault-injecting wrapper for tests
package storage
