// Package cache stores analysis results keyed by content fingerprint. The
// in-process Memory tier bounds entries by count and age; the Redis tier
// shares results between replicas.
package cache

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/visao-labs/visao/backends"
)

// Key identifies a cached result: the analysis mode plus a digest of the
// image bytes.
type Key string

// Fingerprint derives the cache key for content analysed in mode. Identical
// bytes with the same mode always produce the same key.
func Fingerprint(content []byte, mode backends.Mode) Key {
	sum := sha256.Sum256(content)
	return Key(string(mode) + ":" + hex.EncodeToString(sum[:]))
}

// Stats is a point-in-time view of a cache.
type Stats struct {
	Count      int     `json:"total_items"`
	MaxSize    int     `json:"max_size"`
	TTLSeconds float64 `json:"ttl_seconds"`
	Backend    string  `json:"backend"`
}

// Cache is a result store safe for concurrent use.
type Cache interface {
	// Get returns the result stored under key if it is still fresh.
	Get(key Key) (*backends.Result, bool)
	// Set stores result under key, replacing any previous value.
	Set(key Key, result *backends.Result)
	// Clear removes every entry.
	Clear()
	// Stats reports the current size and configured bounds.
	Stats() Stats
}

// EvictReason says why an entry left the cache without being cleared.
type EvictReason string

const (
	EvictCapacity EvictReason = "capacity"
	EvictExpired  EvictReason = "expired"
)
