// Package memory provides an in-process implementation of storage.KV.
//
// Entries live in a mutex-guarded map with per-key expiry; a background sweep
// drops expired keys. Take, PutIfAbsent, DeleteIfPresent and Increment are
// atomic within the process only, so single-use codes, sessions and refresh
// tokens are guaranteed only when one server instance owns the store. Use
// storage/valkey or storage/redis when running more than one instance.
//
// Example usage:
//
//	kv := memory.New()
//	defer kv.Stop()
//	kv.SetLogger(logger)
//
//	codes := storage.NewCodeStore(kv, 0, logger)
package memory
