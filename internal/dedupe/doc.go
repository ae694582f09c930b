// Package dedupe remembers recently seen keys for a bounded time.
//
// The console uses one cache for gateway event frames, keyed by connection
// generation and sequence number, so a frame re-delivered after a reconnect
// is applied once. A second cache records approval ids whose follow-up
// instruction was already sent.
//
// Entries expire after the configured TTL and the oldest entry is evicted
// when the cache is full.
package dedupe
