// Package cache is a uniform storage contract with three concrete
// backends (local filesystem, remote key-value store, remote object
// store): content-addressed keying, optional compression, TTL
// expiration, and per-key exclusive locking sufficient for callers to
// build a single-flight fetch on top (used by internal/httpstack's
// CacheDecorator).
package cache

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"time"
)

// Entry is the metadata Backend.Each surfaces for one key. Key is the
// caller's original key only for RemoteObject; LocalFS reports the
// entry's "<hh>/<rest>" digest path and RemoteKV the hex digest.
type Entry struct {
	Key        string
	SizeBytes  int64
	AgeSeconds float64
	Expired    bool
}

// Backend is the uniform contract every storage variant implements.
// Keys are caller-supplied opaque strings (a URL or a
// logical identifier); each backend derives its own stable identifier by
// hashing the key. Only Each surfaces that identifier (see Entry.Key).
type Backend interface {
	// Exist reports whether key is present and not expired.
	Exist(ctx context.Context, key string) (bool, error)
	// Read returns the cached bytes, or (nil, nil) if absent or expired.
	Read(ctx context.Context, key string) ([]byte, error)
	// WriteTo copies the cached payload to path; ok is false if absent or
	// expired.
	WriteTo(ctx context.Context, key, path string) (ok bool, err error)
	// Store copies sourcePath's bytes into the cache under key, recording
	// creation time and, if a TTL is configured, an expiration deadline.
	Store(ctx context.Context, key, sourcePath string) error
	// Delete removes key's entry; ok reports whether it existed.
	Delete(ctx context.Context, key string) (ok bool, err error)
	// Clear removes every entry in this backend's namespace.
	Clear(ctx context.Context) error
	// Age returns how long ago key was stored; ok is false if absent.
	Age(ctx context.Context, key string) (age time.Duration, ok bool, err error)
	// Expired reports whether key's TTL, if any, has elapsed. False for
	// an absent key.
	Expired(ctx context.Context, key string) (bool, error)
	// Size returns the stored payload's byte size; ok is false if
	// absent.
	Size(ctx context.Context, key string) (size int64, ok bool, err error)
	// WithLock acquires an exclusive lock scoped to key, runs fn, and
	// releases the lock even if fn returns an error. Reentrancy is not
	// required: a caller holding the lock must not call WithLock again
	// for the same key from the same goroutine.
	WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error
	// Each lazily enumerates every live entry in this backend's
	// namespace. The returned function yields one Entry per call and a
	// final (Entry{}, false, nil) at the end; it must not deadlock
	// against concurrent writers.
	Each(ctx context.Context) (next func() (Entry, bool, error), closeFn func() error, err error)
}

// digestKey hashes a caller-supplied key to the 40-character hex SHA-1
// digest backends use for content addressing.
func digestKey(key string) string {
	sum := sha1.Sum([]byte(key))
	return hex.EncodeToString(sum[:])
}

// shard splits a digest into the two-hex-digit shard prefix and the
// remaining 38 characters, per the filesystem layout
// "<root>/<type>/<hh>/<rest>".
func shard(digest string) (hh, rest string) {
	return digest[:2], digest[2:]
}

// CompressionThreshold models the tri-state compression policy:
// nil means never compress, a pointed-to 0 means always compress,
// N>0 means compress iff the payload is at least N bytes.
type CompressionThreshold = *int

// Always is the CompressionThreshold value meaning "always compress".
func Always() CompressionThreshold { n := 0; return &n }

// Threshold builds a CompressionThreshold that compresses payloads of at
// least n bytes.
func Threshold(n int) CompressionThreshold { return &n }

// shouldCompress applies the tri-state policy to a payload size.
func shouldCompress(threshold CompressionThreshold, size int) bool {
	if threshold == nil {
		return false
	}
	return size >= *threshold
}
