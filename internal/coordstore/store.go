// Package coordstore defines the narrow interface §9 requires of YAK's
// coordination store: atomic compare-and-set with TTL, plain reads, and
// ephemeral registration. Any system with those primitives — Zookeeper,
// Consul, etcd, or the embedded Raft-backed implementation in ./raftstore —
// can satisfy it; YAK's control plane never hard-codes a product.
package coordstore

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

// ErrNotFound is returned by Get when the key does not exist.
var ErrNotFound = errors.New("coordstore: key not found")

// ErrCASMismatch is returned by CAS when the key's current value does not
// match the expected value (a concurrent writer won the race).
var ErrCASMismatch = errors.New("coordstore: compare-and-set mismatch")

// Entry is a stored value plus its expiry, if any.
type Entry struct {
	Value     []byte
	ExpiresAt time.Time // zero value means "does not expire"
}

// Store is the atomic, TTL-aware key/value primitive YAK's LeaseManager is
// built on (heartbeats and the broker registry go through
// internal/membership, not this store). Every method must be linearizable
// across all brokers sharing one store instance.
type Store interface {
	// Get returns the current entry for key, or ErrNotFound.
	Get(ctx context.Context, key string) (Entry, error)

	// CAS atomically sets key to newValue with the given ttl (zero means no
	// expiry) if and only if the key's current value equals expected (nil
	// expected matches "absent or expired"). Returns ErrCASMismatch on
	// failure with the actual current entry populated by the caller's
	// follow-up Get, not this call.
	CAS(ctx context.Context, key string, expected, newValue []byte, ttl time.Duration) error

	// SetWithTTL unconditionally sets key, for writes where no CAS is
	// required.
	SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes a key unconditionally (e.g. releasing a lease on clean
	// shutdown).
	Delete(ctx context.Context, key string) error

	// List returns all keys with the given prefix that have not expired.
	List(ctx context.Context, prefix string) (map[string]Entry, error)

	// Close releases resources held by the store client.
	Close() error
}
