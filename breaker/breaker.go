// Package breaker implements a per-key circuit breaker persisted in the
// state store.
//
// A key opens after FailureThreshold consecutive failures and rejects
// attempts for Cooldown. After the cooldown exactly one trial is let
// through; its failure reopens the breaker, its success closes it.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/poiesic/stagehand/core"
	"github.com/poiesic/stagehand/metrics"
	"github.com/poiesic/stagehand/storage"
)

const (
	DefaultFailureThreshold = 3
	DefaultCooldown         = 300 * time.Second
	DefaultTrialLease       = 5 * time.Minute
)

// Breaker tracks consecutive failures per failure-domain key.
type Breaker struct {
	store      storage.StateStore
	threshold  int
	cooldown   time.Duration
	trialLease time.Duration
	clock      core.Clock
	metrics    *metrics.Metrics
	logger     *slog.Logger
}

// Option configures a Breaker.
type Option func(*Breaker) error

// WithThreshold sets the number of consecutive failures that opens the breaker.
func WithThreshold(n int) Option {
	return func(b *Breaker) error {
		if n < 1 {
			return fmt.Errorf("breaker: threshold must be at least 1, got %d", n)
		}
		b.threshold = n
		return nil
	}
}

// WithCooldown sets how long an open breaker rejects attempts.
func WithCooldown(d time.Duration) Option {
	return func(b *Breaker) error {
		if d <= 0 {
			return fmt.Errorf("breaker: cooldown must be positive")
		}
		b.cooldown = d
		return nil
	}
}

// WithTrialLease sets how long a claimed post-cooldown trial blocks other
// callers before another trial may be claimed. It should exceed the longest
// stage timeout.
func WithTrialLease(d time.Duration) Option {
	return func(b *Breaker) error {
		if d <= 0 {
			return fmt.Errorf("breaker: trial lease must be positive")
		}
		b.trialLease = d
		return nil
	}
}

// WithClock replaces the wall clock.
func WithClock(clock core.Clock) Option {
	return func(b *Breaker) error {
		b.clock = clock
		return nil
	}
}

// WithMetrics records breaker openings.
func WithMetrics(m *metrics.Metrics) Option {
	return func(b *Breaker) error {
		b.metrics = m
		return nil
	}
}

// WithLogger sets a custom logger.
// Default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(b *Breaker) error {
		if logger == nil {
			logger = slog.Default()
		}
		b.logger = logger
		return nil
	}
}

// New creates a Breaker backed by store.
func New(store storage.StateStore, opts ...Option) (*Breaker, error) {
	if store == nil {
		return nil, ErrStoreRequired
	}
	b := &Breaker{
		store:      store,
		threshold:  DefaultFailureThreshold,
		cooldown:   DefaultCooldown,
		trialLease: DefaultTrialLease,
		clock:      core.SystemClock{},
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		if err := opt(b); err != nil {
			return nil, err
		}
	}
	b.logger = b.logger.With("component", "breaker")
	return b, nil
}

// Cooldown returns the configured cooldown.
func (b *Breaker) Cooldown() time.Duration {
	return b.cooldown
}

// IsOpen reports whether attempts for key must be rejected. Once the
// cooldown has elapsed the first caller claims the trial and gets false;
// everyone else keeps getting true until the trial's outcome is recorded or
// its lease runs out.
func (b *Breaker) IsOpen(ctx context.Context, key string) (bool, error) {
	open, _, err := b.Claim(ctx, key)
	return open, err
}

// Claim is IsOpen that also returns the lease of the trial it claimed, or
// the zero time when the breaker was closed. A caller that claimed a trial
// and then did not attempt must give it back with ReleaseTrial.
func (b *Breaker) Claim(ctx context.Context, key string) (open bool, trial time.Time, err error) {
	now := b.clock.Now()
	_, err = b.store.Update(ctx, storage.BreakerKey(key), 0, func(current []byte, found bool) ([]byte, error) {
		open = false
		trial = time.Time{}
		if !found {
			return nil, storage.ErrNoChange
		}
		rec, err := storage.UnmarshalBreakerRecord(current)
		if err != nil {
			return nil, err
		}
		switch {
		case rec.OpenedAt.IsZero():
			return nil, storage.ErrNoChange
		case rec.Open(now):
			open = true
			return nil, storage.ErrNoChange
		case now.Before(rec.TrialUntil):
			// another caller holds the trial
			open = true
			return nil, storage.ErrNoChange
		}
		trial = now.Add(b.trialLease).UTC().Truncate(time.Microsecond)
		rec.TrialUntil = trial
		return storage.MarshalBreakerRecord(rec), nil
	})
	if err != nil {
		return false, time.Time{}, err
	}
	return open, trial, nil
}

// ReleaseTrial gives back the trial claimed with lease trial so the next
// caller may claim it at once. It does nothing if the trial already ended.
func (b *Breaker) ReleaseTrial(ctx context.Context, key string, trial time.Time) error {
	if trial.IsZero() {
		return nil
	}
	_, err := b.store.Update(ctx, storage.BreakerKey(key), 0, func(current []byte, found bool) ([]byte, error) {
		if !found {
			return nil, storage.ErrNoChange
		}
		rec, err := storage.UnmarshalBreakerRecord(current)
		if err != nil {
			return nil, err
		}
		if !rec.TrialUntil.Equal(trial) {
			return nil, storage.ErrNoChange
		}
		rec.TrialUntil = time.Time{}
		return storage.MarshalBreakerRecord(rec), nil
	})
	return err
}

// RecordFailure counts a failure for key. It reports whether this failure
// opened (or reopened) the breaker.
func (b *Breaker) RecordFailure(ctx context.Context, key string) (bool, error) {
	now := b.clock.Now()
	var opened bool
	var failures int
	_, err := b.store.Update(ctx, storage.BreakerKey(key), 0, func(current []byte, found bool) ([]byte, error) {
		opened = false
		rec := &core.BreakerRecord{Cooldown: b.cooldown}
		if found {
			var err error
			if rec, err = storage.UnmarshalBreakerRecord(current); err != nil {
				return nil, err
			}
		}
		rec.ConsecutiveFailures++
		switch {
		case !rec.OpenedAt.IsZero():
			// a failed trial, or a failure that raced the opening
			rec.OpenedAt = now
			rec.TrialUntil = time.Time{}
			opened = true
		case rec.ConsecutiveFailures >= b.threshold:
			rec.OpenedAt = now
			opened = true
		}
		rec.Cooldown = b.cooldown
		failures = rec.ConsecutiveFailures
		return storage.MarshalBreakerRecord(rec), nil
	})
	if err != nil {
		return false, err
	}
	if opened {
		b.metrics.BreakerOpened()
		b.logger.Warn("circuit opened", "key", key, "failures", failures, "cooldown", b.cooldown)
	}
	return opened, nil
}

// RecordSuccess resets the failure counter for key and closes the breaker.
func (b *Breaker) RecordSuccess(ctx context.Context, key string) error {
	return b.store.Delete(ctx, storage.BreakerKey(key))
}

// Record returns the stored state for key. A key that never failed has a
// zero record.
func (b *Breaker) Record(ctx context.Context, key string) (*core.BreakerRecord, error) {
	data, err := b.store.Get(ctx, storage.BreakerKey(key))
	if errors.Is(err, storage.ErrNotFound) {
		return &core.BreakerRecord{Cooldown: b.cooldown}, nil
	}
	if err != nil {
		return nil, err
	}
	return storage.UnmarshalBreakerRecord(data)
}

// RetryIn returns how long until key accepts attempts again: the rest of
// the cooldown, or the rest of a running trial's lease. Zero means now.
func (b *Breaker) RetryIn(ctx context.Context, key string) (time.Duration, error) {
	rec, err := b.Record(ctx, key)
	if err != nil {
		return 0, err
	}
	now := b.clock.Now()
	switch {
	case rec.Open(now):
		return rec.OpenedAt.Add(rec.Cooldown).Sub(now), nil
	case now.Before(rec.TrialUntil):
		return rec.TrialUntil.Sub(now), nil
	default:
		return 0, nil
	}
}
