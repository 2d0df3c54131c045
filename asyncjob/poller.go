package asyncjob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/poiesic/stagehand/core"
	"github.com/poiesic/stagehand/metrics"
	"github.com/poiesic/stagehand/storage"
)

const (
	DefaultInitialBackoff = 10 * time.Second
	DefaultMaxBackoff     = 60 * time.Second
	DefaultTimeout        = 30 * time.Minute
)

// Poller records async jobs in the state store and advances them one poll
// at a time.
type Poller struct {
	store          storage.StateStore
	initialBackoff time.Duration
	maxBackoff     time.Duration
	timeout        time.Duration
	clock          core.Clock
	metrics        *metrics.Metrics
	logger         *slog.Logger
}

// Option configures a Poller.
type Option func(*Poller) error

// WithBackoff sets the first poll delay and the cap it doubles towards.
func WithBackoff(initial, max time.Duration) Option {
	return func(p *Poller) error {
		if initial <= 0 || max < initial {
			return fmt.Errorf("asyncjob: invalid poll backoff %s..%s", initial, max)
		}
		p.initialBackoff = initial
		p.maxBackoff = max
		return nil
	}
}

// WithTimeout sets how long a job may run before it is marked timed_out.
func WithTimeout(d time.Duration) Option {
	return func(p *Poller) error {
		if d <= 0 {
			return fmt.Errorf("asyncjob: timeout must be positive")
		}
		p.timeout = d
		return nil
	}
}

// WithClock sets the time source.
func WithClock(clock core.Clock) Option {
	return func(p *Poller) error {
		p.clock = clock
		return nil
	}
}

// WithMetrics records poll outcomes.
func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Poller) error {
		p.metrics = m
		return nil
	}
}

// WithLogger sets a custom logger.
// Default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(p *Poller) error {
		if logger == nil {
			logger = slog.Default()
		}
		p.logger = logger
		return nil
	}
}

// NewPoller creates a Poller backed by store.
func NewPoller(store storage.StateStore, opts ...Option) (*Poller, error) {
	if store == nil {
		return nil, ErrStoreRequired
	}
	p := &Poller{
		store:          store,
		initialBackoff: DefaultInitialBackoff,
		maxBackoff:     DefaultMaxBackoff,
		timeout:        DefaultTimeout,
		clock:          core.SystemClock{},
		logger:         slog.Default(),
	}
	for _, opt := range opts {
		if err := opt(p); err != nil {
			return nil, err
		}
	}
	p.logger = p.logger.With("component", "poller")
	return p, nil
}

// InitialBackoff is the delay before the first poll of a new job.
func (p *Poller) InitialBackoff() time.Duration {
	return p.initialBackoff
}

// Job returns the job record of an (item, stage) pair.
func (p *Poller) Job(ctx context.Context, itemID, stage string) (*core.AsyncJob, error) {
	job, err := storage.LoadJob(ctx, p.store, itemID, stage)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrJobNotFound
	}
	return job, err
}

// Submit starts an external job for (itemID, stage) unless a live job for
// the same fingerprint already exists, in which case that job is returned
// with reused set. A live job for a different fingerprint is superseded
// first. open supplies the payload and is only called when a submission
// actually happens.
func (p *Poller) Submit(ctx context.Context, itemID, stage, fingerprint string, provider Provider, open func() (io.ReadCloser, error)) (job *core.AsyncJob, reused bool, err error) {
	existing, err := storage.LoadJob(ctx, p.store, itemID, stage)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		existing = nil
	case err != nil:
		return nil, false, err
	}
	if existing != nil && existing.State.Live() {
		if existing.Fingerprint == fingerprint {
			p.logger.Debug("reusing live async job", "item", itemID, "stage", stage, "handle", existing.Handle)
			return existing, true, nil
		}
		p.supersede(ctx, provider, existing)
	}

	payload, err := open()
	if err != nil {
		return nil, false, err
	}
	handle, err := provider.Submit(ctx, payload)
	payload.Close()
	if err != nil {
		return nil, false, err
	}
	if handle == "" {
		return nil, false, core.Transient(ErrEmptyHandle)
	}

	now := p.clock.Now()
	job = &core.AsyncJob{
		Handle:      handle,
		ItemID:      itemID,
		Stage:       stage,
		Fingerprint: fingerprint,
		State:       core.JobSubmitted,
		SubmittedAt: now,
		PollBackoff: p.initialBackoff,
	}

	var raced *core.AsyncJob
	_, err = p.store.Update(ctx, storage.JobKey(itemID, stage), 0, func(current []byte, found bool) ([]byte, error) {
		raced = nil
		if found {
			cur, err := storage.UnmarshalAsyncJob(current)
			if err != nil {
				return nil, err
			}
			// a concurrent submitter recorded a live job for the same input
			if cur.State.Live() && cur.Fingerprint == fingerprint && (existing == nil || cur.Handle != existing.Handle) {
				raced = cur
				return nil, storage.ErrNoChange
			}
		}
		return storage.MarshalAsyncJob(job), nil
	})
	if err != nil {
		p.cancel(ctx, provider, handle)
		return nil, false, err
	}
	if raced != nil {
		p.cancel(ctx, provider, handle)
		return raced, true, nil
	}

	p.logger.Info("submitted async job", "item", itemID, "stage", stage, "handle", handle)
	p.metrics.Polled(stage, string(core.JobSubmitted))
	return job, false, nil
}

func (p *Poller) supersede(ctx context.Context, provider Provider, job *core.AsyncJob) {
	p.logger.Info("superseding async job", "item", job.ItemID, "stage", job.Stage, "handle", job.Handle)
	p.cancel(ctx, provider, job.Handle)
}

func (p *Poller) cancel(ctx context.Context, provider Provider, handle string) {
	canceler, ok := provider.(Canceler)
	if !ok {
		return
	}
	if err := canceler.Cancel(ctx, handle); err != nil {
		p.logger.Warn("failed to cancel async job", "handle", handle, "err", err)
	}
}

// Tick is the result of one Poll.
type Tick struct {
	Job *core.AsyncJob
	// Result holds the job output once the provider reports it done. The
	// caller must close it and then call Succeed.
	Result io.ReadCloser
	// Delay is how long to wait before polling again while the job is live.
	Delay time.Duration
	// Err is the job failure for failed and timed out jobs, or the transport
	// error of a poll that could not reach the provider.
	Err error
}

// Done reports whether the provider delivered the job result.
func (t Tick) Done() bool {
	return t.Result != nil
}

// Terminal reports whether the tick finished the job.
func (t Tick) Terminal() bool {
	return t.Done() || (t.Job != nil && !t.Job.State.Live())
}

// Poll checks the job identified by handle once. Failed and timed out jobs
// are finished by the Poll that observes them; later calls get
// ErrJobFinished. A done job stays live until Succeed records that its
// result was stored, so a Poll retried after a lost result fetches it again.
// A handle that no longer names the recorded job gives ErrJobSuperseded.
func (p *Poller) Poll(ctx context.Context, itemID, stage, handle string, provider Provider) (Tick, error) {
	job, err := p.Job(ctx, itemID, stage)
	if err != nil {
		return Tick{}, err
	}
	if err := checkCurrent(job, handle); err != nil {
		return Tick{}, err
	}

	now := p.clock.Now()
	if now.Sub(job.SubmittedAt) >= p.timeout {
		failure := core.ExternalFailure(handle, ErrJobTimedOut)
		job, err = p.transition(ctx, itemID, stage, handle, func(j *core.AsyncJob) {
			j.State = core.JobTimedOut
			j.LastPolledAt = now
			j.Error = ErrJobTimedOut.Error()
		})
		if err != nil {
			return Tick{}, err
		}
		p.cancel(ctx, provider, handle)
		p.metrics.Polled(stage, string(core.JobTimedOut))
		p.logger.Warn("async job timed out", "item", itemID, "stage", stage, "handle", handle, "elapsed", now.Sub(job.SubmittedAt))
		return Tick{Job: job, Err: failure}, nil
	}

	res, pollErr := provider.Poll(ctx, handle)
	if pollErr != nil {
		if errors.Is(pollErr, context.Canceled) {
			return Tick{}, pollErr
		}
		// the job itself may be fine; poll again after the usual backoff
		p.logger.Warn("async poll failed", "item", itemID, "stage", stage, "handle", handle, "err", pollErr)
		res = PollResult{Status: StatusPending}
	}

	switch res.Status {
	case StatusDone:
		job, err = p.transition(ctx, itemID, stage, handle, func(j *core.AsyncJob) {
			j.State = core.JobPolling
			j.LastPolledAt = now
			j.Polls++
		})
		if err != nil {
			if res.Result != nil {
				res.Result.Close()
			}
			return Tick{}, err
		}
		result := res.Result
		if result == nil {
			result = io.NopCloser(strings.NewReader(""))
		}
		return Tick{Job: job, Result: result}, nil

	case StatusFailed:
		cause := res.Err
		if cause == nil {
			cause = errors.New("external job failed")
		}
		job, err = p.transition(ctx, itemID, stage, handle, func(j *core.AsyncJob) {
			j.State = core.JobFailed
			j.LastPolledAt = now
			j.Polls++
			j.Error = cause.Error()
		})
		if err != nil {
			return Tick{}, err
		}
		p.metrics.Polled(stage, string(core.JobFailed))
		p.logger.Warn("async job failed", "item", itemID, "stage", stage, "handle", handle, "err", cause)
		return Tick{Job: job, Err: core.ExternalFailure(handle, cause)}, nil

	default:
		job, err = p.transition(ctx, itemID, stage, handle, func(j *core.AsyncJob) {
			if j.State == core.JobPolling {
				j.PollBackoff = min(j.PollBackoff*2, p.maxBackoff)
			}
			j.State = core.JobPolling
			j.LastPolledAt = now
			j.Polls++
		})
		if err != nil {
			return Tick{}, err
		}
		p.metrics.Polled(stage, string(core.JobPolling))
		return Tick{Job: job, Delay: job.PollBackoff, Err: pollErr}, nil
	}
}

// Succeed finishes the job identified by handle after its result has been
// stored. Exactly one call succeeds; later calls get ErrJobFinished.
func (p *Poller) Succeed(ctx context.Context, itemID, stage, handle string) (*core.AsyncJob, error) {
	job, err := p.transition(ctx, itemID, stage, handle, func(j *core.AsyncJob) {
		j.State = core.JobSucceeded
	})
	if err != nil {
		return nil, err
	}
	p.metrics.Polled(stage, string(core.JobSucceeded))
	p.logger.Info("async job succeeded", "item", itemID, "stage", stage, "handle", handle, "polls", job.Polls)
	return job, nil
}

func checkCurrent(job *core.AsyncJob, handle string) error {
	if job.Handle != handle {
		return ErrJobSuperseded
	}
	if !job.State.Live() {
		return ErrJobFinished
	}
	return nil
}

// transition applies fn to the job record if it is still the live job for
// handle. The check and the write happen atomically.
func (p *Poller) transition(ctx context.Context, itemID, stage, handle string, fn func(*core.AsyncJob)) (*core.AsyncJob, error) {
	var updated *core.AsyncJob
	_, err := p.store.Update(ctx, storage.JobKey(itemID, stage), 0, func(current []byte, found bool) ([]byte, error) {
		if !found {
			return nil, ErrJobNotFound
		}
		job, err := storage.UnmarshalAsyncJob(current)
		if err != nil {
			return nil, err
		}
		if err := checkCurrent(job, handle); err != nil {
			return nil, err
		}
		fn(job)
		updated = job
		return storage.MarshalAsyncJob(job), nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}
