package storage

import (
	"context"
	"time"
)

// UpdateFunc computes a new value from the current one. found is false when
// the key is absent. Returning a nil value deletes the key. Returning
// ErrNoChange leaves it as is, and Update then succeeds with the current
// value. Any other error aborts the update and is returned unchanged.
type UpdateFunc func(current []byte, found bool) ([]byte, error)

// StateStore is a key/value store with TTLs, atomic counters and locks.
// Implementations must be safe for concurrent use.
type StateStore interface {
	// Get returns the value for key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set writes value under key. A zero ttl means no expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// Increment atomically adds by to the counter at key and returns the new
	// value. Absent counters start at zero.
	Increment(ctx context.Context, key string, by int64) (int64, error)

	// AcquireLock sets key to a fresh token if and only if it is absent, in a
	// single atomic step. It returns ErrLockHeld on contention. The lock
	// expires after ttl so a crashed holder cannot keep it forever.
	AcquireLock(ctx context.Context, key string, ttl time.Duration) (string, error)

	// ReleaseLock deletes key if it still holds token. It reports whether the
	// lock was released.
	ReleaseLock(ctx context.Context, key, token string) (bool, error)

	// Update atomically applies fn to the value at key and stores the
	// result with the given ttl. It returns the value left in the store.
	Update(ctx context.Context, key string, ttl time.Duration, fn UpdateFunc) ([]byte, error)

	// Scan calls fn for every live key with the given prefix, in key order.
	// Returning an error from fn stops the scan.
	Scan(ctx context.Context, prefix string, fn func(key string, value []byte) error) error

	// Close releases the store. Later calls fail with ErrStoreUnavailable.
	Close() error
}
