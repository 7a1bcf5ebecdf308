// Package ambiguity lets a retrying caller tell an ambiguous network
// failure (the server applied a write but the acknowledgement never made
// it back) apart from a write that genuinely never reached the server.
//
// The pattern mirrors the two-phase LOCKED/RESULT idempotency cache used
// elsewhere in this codebase for HTTP retries: a marker pair is remembered
// the moment a write's outcome becomes uncertain (the attempt failed with
// a transient error, so it may have landed), so a subsequent retry of the
// same logical write can check the document's marker instead of blindly
// reissuing (and misinterpreting the predicate miss that follows a
// rotated marker as a rejection).
package ambiguity

import (
	"context"
	"sync"
	"time"
)

// Cache records which (task, marker-pair) writes may have landed.
type Cache interface {
	// Seen reports whether a write tagged with key was already recorded
	// as possibly landed.
	Seen(ctx context.Context, key string) (bool, error)

	// Remember tags key as possibly landed for ttl. Called when a CAS
	// attempt fails with a transient error, i.e. when the write may have
	// applied without its acknowledgement reaching the caller.
	Remember(ctx context.Context, key string, ttl time.Duration) error
}

// Key builds the cache key for one CAS attempt: the task's identity plus
// the marker rotation it performs. The pair, not just the task ID, is
// what distinguishes "this exact write landed" from "some other write on
// this task landed".
func Key(taskID, expectedMarker, newMarker string) string {
	return taskID + ":" + expectedMarker + ":" + newMarker
}

// MemoryCache is an in-process Cache for tests and for deployments that
// run a single taskqueue process (no Redis configured).
type MemoryCache struct {
	mu      sync.Mutex
	entries map[string]time.Time // key -> expiry
}

// NewMemoryCache returns an empty MemoryCache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: make(map[string]time.Time)}
}

func (c *MemoryCache) Seen(_ context.Context, key string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	expiry, ok := c.entries[key]
	if !ok {
		return false, nil
	}
	if time.Now().After(expiry) {
		delete(c.entries, key)
		return false, nil
	}
	return true, nil
}

func (c *MemoryCache) Remember(_ context.Context, key string, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = time.Now().Add(ttl)
	return nil
}
