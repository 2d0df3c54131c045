// Copyright 2025 Poiesic Systems
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package badger

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/poiesic/stagehand/retry"
	"github.com/poiesic/stagehand/storage"
)

const (
	defaultConflictRetries = 10
	defaultConflictDelay   = 2 * time.Millisecond
)

// Store implements storage.StateStore on BadgerDB. Atomicity comes from
// Badger's serializable transactions: every read-modify-write runs in one
// transaction and is retried when a concurrent writer causes a conflict.
type Store struct {
	backend         *Backend
	conflictRetries int
	conflictDelay   time.Duration
	logger          *slog.Logger
}

var _ storage.StateStore = (*Store)(nil)

// Option configures a Store.
type Option func(*Store) error

// WithLogger sets a custom logger.
// Default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) error {
		if logger == nil {
			logger = slog.Default()
		}
		s.logger = logger
		return nil
	}
}

// WithConflictRetries sets how often a conflicting transaction is retried
// and the base delay between tries.
func WithConflictRetries(attempts int, baseDelay time.Duration) Option {
	return func(s *Store) error {
		if attempts < 1 {
			return retry.ErrInvalidMaxAttempts
		}
		s.conflictRetries = attempts
		s.conflictDelay = baseDelay
		return nil
	}
}

// OpenStore opens a Store at filePath, or in memory when inMemory is set.
func OpenStore(filePath string, inMemory bool, opts ...Option) (*Store, error) {
	s := &Store{
		conflictRetries: defaultConflictRetries,
		conflictDelay:   defaultConflictDelay,
		logger:          slog.Default(),
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}

	backend, err := OpenBackend(filePath, inMemory, s.logger)
	if err != nil {
		return nil, err
	}
	s.backend = backend
	s.logger = s.logger.With("component", "store")
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.backend.Close()
}

// callerError carries an error produced by caller code inside a transaction
// so it is returned unchanged instead of being reported as an outage.
type callerError struct {
	err error
}

func (c *callerError) Error() string { return c.err.Error() }
func (c *callerError) Unwrap() error { return c.err }

// view runs fn in a read-only transaction.
func (s *Store) view(ctx context.Context, fn func(tx *badger.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.translate(s.backend.WithTx(fn, false))
}

// update runs fn in a read-write transaction and commits it, retrying on
// conflicts. fn may therefore run more than once.
func (s *Store) update(ctx context.Context, fn func(tx *badger.Txn) error) error {
	err := retry.WithBackoff(ctx, func() error {
		err := s.backend.WithTx(func(tx *badger.Txn) error {
			if err := fn(tx); err != nil {
				return err
			}
			return tx.Commit()
		}, true)
		if errors.Is(err, badger.ErrConflict) {
			// spread out writers that collided on the same key
			time.Sleep(time.Duration(rand.Int64N(int64(s.conflictDelay) + 1)))
			return err
		}
		if err == nil {
			return nil
		}
		return retry.Stop(err)
	}, s.conflictRetries, s.conflictDelay)
	if errors.Is(err, badger.ErrConflict) {
		s.logger.Warn("transaction conflict retries exhausted", "err", err)
		return fmt.Errorf("store: %w", err)
	}
	return s.translate(err)
}

func (s *Store) translate(err error) error {
	var caller *callerError
	switch {
	case err == nil:
		return nil
	case errors.As(err, &caller):
		return caller.err
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	default:
		return unavailable(err)
	}
}

// Get returns the value for key, or storage.ErrNotFound.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.view(ctx, func(tx *badger.Txn) error {
		item, err := tx.Get([]byte(key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return &callerError{err: storage.ErrNotFound}
		}
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		return nil, err
	}
	return value, nil
}

// Set writes value under key with an optional TTL.
func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl < 0 {
		return storage.ErrInvalidTTL
	}
	return s.update(ctx, func(tx *badger.Txn) error {
		return tx.SetEntry(newEntry(key, value, ttl))
	})
}

// Delete removes key.
func (s *Store) Delete(ctx context.Context, key string) error {
	return s.update(ctx, func(tx *badger.Txn) error {
		return tx.Delete([]byte(key))
	})
}

// Increment atomically adds by to the counter at key.
func (s *Store) Increment(ctx context.Context, key string, by int64) (int64, error) {
	var next int64
	err := s.update(ctx, func(tx *badger.Txn) error {
		current, err := readCounter(tx, key)
		if err != nil {
			return err
		}
		next = current + by
		return tx.Set([]byte(key), storage.MarshalInt64(next))
	})
	if err != nil {
		return 0, err
	}
	return next, nil
}

func readCounter(tx *badger.Txn, key string) (int64, error) {
	item, err := tx.Get([]byte(key))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	var v int64
	err = item.Value(func(val []byte) error {
		var decodeErr error
		v, decodeErr = storage.UnmarshalInt64(val)
		if decodeErr != nil {
			return &callerError{err: fmt.Errorf("counter %s: %w", key, decodeErr)}
		}
		return nil
	})
	return v, err
}

// AcquireLock sets key to a fresh token only if key is absent. The read and
// the write happen in one transaction, so two racing callers conflict and
// the loser observes the winner's token on retry.
func (s *Store) AcquireLock(ctx context.Context, key string, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		return "", storage.ErrInvalidTTL
	}
	token := uuid.NewString()
	err := s.update(ctx, func(tx *badger.Txn) error {
		_, err := tx.Get([]byte(key))
		if err == nil {
			return &callerError{err: storage.ErrLockHeld}
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return tx.SetEntry(newEntry(key, []byte(token), ttl))
	})
	if err != nil {
		return "", err
	}
	return token, nil
}

// ReleaseLock deletes key if it still holds token.
func (s *Store) ReleaseLock(ctx context.Context, key, token string) (bool, error) {
	var released bool
	err := s.update(ctx, func(tx *badger.Txn) error {
		released = false
		item, err := tx.Get([]byte(key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		var owned bool
		if err := item.Value(func(val []byte) error {
			owned = bytes.Equal(val, []byte(token))
			return nil
		}); err != nil {
			return err
		}
		if !owned {
			return nil
		}
		released = true
		return tx.Delete([]byte(key))
	})
	if err != nil {
		return false, err
	}
	return released, nil
}

// Update applies fn to the value at key in a single transaction.
func (s *Store) Update(ctx context.Context, key string, ttl time.Duration, fn storage.UpdateFunc) ([]byte, error) {
	if ttl < 0 {
		return nil, storage.ErrInvalidTTL
	}
	var result []byte
	err := s.update(ctx, func(tx *badger.Txn) error {
		var (
			current []byte
			found   bool
		)
		item, err := tx.Get([]byte(key))
		switch {
		case err == nil:
			found = true
			if current, err = item.ValueCopy(nil); err != nil {
				return err
			}
		case errors.Is(err, badger.ErrKeyNotFound):
		default:
			return err
		}

		next, err := fn(current, found)
		if errors.Is(err, storage.ErrNoChange) {
			result = current
			return nil
		}
		if err != nil {
			return &callerError{err: err}
		}
		result = next
		if next == nil {
			if !found {
				return nil
			}
			return tx.Delete([]byte(key))
		}
		return tx.SetEntry(newEntry(key, next, ttl))
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Scan calls fn for every live key with the given prefix.
func (s *Store) Scan(ctx context.Context, prefix string, fn func(key string, value []byte) error) error {
	return s.view(ctx, func(tx *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefix)
		iter := tx.NewIterator(opts)
		defer iter.Close()

		for iter.Rewind(); iter.Valid(); iter.Next() {
			if err := ctx.Err(); err != nil {
				return &callerError{err: err}
			}
			item := iter.Item()
			key := string(item.KeyCopy(nil))
			value, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			if err := fn(key, value); err != nil {
				return &callerError{err: err}
			}
		}
		return nil
	})
}

func newEntry(key string, value []byte, ttl time.Duration) *badger.Entry {
	e := badger.NewEntry([]byte(key), value)
	if ttl > 0 {
		e = e.WithTTL(ttl)
	}
	return e
}
