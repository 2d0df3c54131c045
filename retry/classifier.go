package retry

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/poiesic/stagehand/core"
)

// Kind is the retry decision for a failed attempt.
type Kind int

const (
	NoRetry Kind = iota
	RetryImmediate
	RetryAfter
)

func (k Kind) String() string {
	switch k {
	case NoRetry:
		return "no_retry"
	case RetryImmediate:
		return "retry_immediate"
	case RetryAfter:
		return "retry_after"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Decision is the classifier's verdict on one failure.
type Decision struct {
	Kind     Kind
	Delay    time.Duration
	Category core.Category
}

// Retryable reports whether the failure should be attempted again.
func (d Decision) Retryable() bool {
	return d.Kind != NoRetry
}

// Policy holds the retry parameters per failure category.
type Policy struct {
	// BaseDelay and MaxDelay bound the jittered backoff for transient and
	// rate limit failures.
	BaseDelay time.Duration
	MaxDelay  time.Duration
	// MaxAttempts caps transient and rate limit failures.
	MaxAttempts int
	// ResourceBaseDelay and ResourceMaxAttempts apply to resource
	// exhaustion, which needs a longer pause and fewer tries.
	ResourceBaseDelay   time.Duration
	ResourceMaxAttempts int
}

// DefaultPolicy returns the default retry policy.
func DefaultPolicy() Policy {
	return Policy{
		BaseDelay:           time.Second,
		MaxDelay:            5 * time.Minute,
		MaxAttempts:         3,
		ResourceBaseDelay:   30 * time.Second,
		ResourceMaxAttempts: 2,
	}
}

// Validate checks the policy for usable values.
func (p Policy) Validate() error {
	if p.BaseDelay <= 0 {
		return fmt.Errorf("retry policy: base delay must be positive")
	}
	if p.MaxDelay < p.BaseDelay {
		return fmt.Errorf("retry policy: max delay must be at least the base delay")
	}
	if p.MaxAttempts <= 0 {
		return ErrInvalidMaxAttempts
	}
	if p.ResourceBaseDelay <= 0 {
		return fmt.Errorf("retry policy: resource base delay must be positive")
	}
	if p.ResourceMaxAttempts <= 0 {
		return ErrInvalidMaxAttempts
	}
	return nil
}

// Classifier maps a failure to a retry decision. It holds no state besides
// its policy and jitter source.
type Classifier struct {
	policy Policy
	jitter func() float64
}

// Option configures a Classifier.
type Option func(*Classifier) error

// WithJitter replaces the random source used for jitter. fn must return
// values in [0,1).
func WithJitter(fn func() float64) Option {
	return func(c *Classifier) error {
		if fn == nil {
			return fmt.Errorf("retry: jitter source is nil")
		}
		c.jitter = fn
		return nil
	}
}

// NewClassifier creates a Classifier for policy.
func NewClassifier(policy Policy, opts ...Option) (*Classifier, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	c := &Classifier{
		policy: policy,
		jitter: rand.Float64,
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Policy returns the classifier's policy.
func (c *Classifier) Policy() Policy {
	return c.policy
}

// Classify decides whether the failure of attempt (1-based) should be
// retried and after how long.
//
//   - validation errors are never retried
//   - cancellation (worker shutdown) retries immediately
//   - rate limits honor the server hint, else back off
//   - resource exhaustion backs off from a longer base with a stricter cap
//   - transient, timeout and unknown errors back off up to MaxAttempts
func (c *Classifier) Classify(err error, attempt int) Decision {
	category := core.CategoryOf(err)
	switch category {
	case core.CategoryNone:
		return Decision{Kind: NoRetry}

	case core.CategoryValidation:
		return Decision{Kind: NoRetry, Category: category}

	case core.CategoryCanceled:
		return Decision{Kind: RetryImmediate, Category: category}

	case core.CategoryRateLimit:
		if attempt > c.policy.MaxAttempts {
			return Decision{Kind: NoRetry, Category: category}
		}
		var limited *core.RateLimitError
		if errors.As(err, &limited) && limited.RetryAfter > 0 {
			return Decision{Kind: RetryAfter, Delay: limited.RetryAfter, Category: category}
		}
		return Decision{Kind: RetryAfter, Delay: c.backoff(c.policy.BaseDelay, attempt), Category: category}

	case core.CategoryResourceExhaustion:
		if attempt > c.policy.ResourceMaxAttempts {
			return Decision{Kind: NoRetry, Category: category}
		}
		return Decision{Kind: RetryAfter, Delay: c.backoff(c.policy.ResourceBaseDelay, attempt), Category: category}

	default:
		if attempt > c.policy.MaxAttempts {
			return Decision{Kind: NoRetry, Category: category}
		}
		return Decision{Kind: RetryAfter, Delay: c.backoff(c.policy.BaseDelay, attempt), Category: category}
	}
}

func (c *Classifier) backoff(base time.Duration, attempt int) time.Duration {
	return Backoff(base, c.policy.MaxDelay, attempt-1, c.jitter())
}
