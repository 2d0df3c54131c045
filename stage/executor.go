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

package stage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/poiesic/stagehand/asyncjob"
	"github.com/poiesic/stagehand/breaker"
	"github.com/poiesic/stagehand/core"
	"github.com/poiesic/stagehand/metrics"
	"github.com/poiesic/stagehand/retry"
	"github.com/poiesic/stagehand/storage"
)

const defaultLockMargin = 30 * time.Second

// Executor runs single stages. It is safe for concurrent use by many
// workers; all shared state lives in the state store.
type Executor struct {
	store      storage.StateStore
	registry   *Registry
	breaker    *breaker.Breaker
	classifier *retry.Classifier
	poller     *asyncjob.Poller
	lockMargin time.Duration
	clock      core.Clock
	metrics    *metrics.Metrics
	logger     *slog.Logger
}

// Option configures an Executor.
type Option func(*Executor) error

// WithBreaker sets the circuit breaker. Default is breaker.New(store).
func WithBreaker(b *breaker.Breaker) Option {
	return func(e *Executor) error {
		e.breaker = b
		return nil
	}
}

// WithClassifier sets the retry classifier. Default uses retry.DefaultPolicy.
func WithClassifier(c *retry.Classifier) Option {
	return func(e *Executor) error {
		e.classifier = c
		return nil
	}
}

// WithPoller sets the async job poller. Default is asyncjob.NewPoller(store).
func WithPoller(p *asyncjob.Poller) Option {
	return func(e *Executor) error {
		e.poller = p
		return nil
	}
}

// WithLockMargin sets how long the stage lock outlives the stage timeout.
func WithLockMargin(d time.Duration) Option {
	return func(e *Executor) error {
		if d < 0 {
			return fmt.Errorf("stage: negative lock margin")
		}
		e.lockMargin = d
		return nil
	}
}

// WithClock sets the time source.
func WithClock(clock core.Clock) Option {
	return func(e *Executor) error {
		e.clock = clock
		return nil
	}
}

// WithMetrics records executions.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Executor) error {
		e.metrics = m
		return nil
	}
}

// WithLogger sets a custom logger.
// Default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(e *Executor) error {
		if logger == nil {
			logger = slog.Default()
		}
		e.logger = logger
		return nil
	}
}

// NewExecutor creates an Executor for the stages in registry.
func NewExecutor(store storage.StateStore, registry *Registry, opts ...Option) (*Executor, error) {
	if store == nil {
		return nil, ErrStoreRequired
	}
	if registry == nil {
		return nil, ErrRegistryRequired
	}
	e := &Executor{
		store:      store,
		registry:   registry,
		lockMargin: defaultLockMargin,
		clock:      core.SystemClock{},
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		if err := opt(e); err != nil {
			return nil, err
		}
	}

	var err error
	if e.breaker == nil {
		if e.breaker, err = breaker.New(store, breaker.WithClock(e.clock), breaker.WithMetrics(e.metrics), breaker.WithLogger(e.logger)); err != nil {
			return nil, err
		}
	}
	if e.classifier == nil {
		if e.classifier, err = retry.NewClassifier(retry.DefaultPolicy()); err != nil {
			return nil, err
		}
	}
	if e.poller == nil {
		if e.poller, err = asyncjob.NewPoller(store, asyncjob.WithClock(e.clock), asyncjob.WithMetrics(e.metrics), asyncjob.WithLogger(e.logger)); err != nil {
			return nil, err
		}
	}
	e.logger = e.logger.With("component", "executor")
	return e, nil
}

// Registry returns the stage registry.
func (e *Executor) Registry() *Registry {
	return e.registry
}

// Breaker returns the circuit breaker.
func (e *Executor) Breaker() *breaker.Breaker {
	return e.breaker
}

// Poller returns the async job poller.
func (e *Executor) Poller() *asyncjob.Poller {
	return e.poller
}

// run is the per-invocation state shared by Execute and Poll.
type run struct {
	item     *core.WorkItem
	def      *Definition
	stage    string
	upstream *storage.Manifest
	fp       string
	cacheKey string
	started  time.Time
}

func (r *run) result(outcome core.Outcome) core.StageResult {
	return core.StageResult{
		ItemID:   r.item.ID,
		Stage:    r.stage,
		Outcome:  outcome,
		CacheKey: r.cacheKey,
	}
}

// Execute runs stage for itemID once. Stage failures are reported through
// the result; the returned error is reserved for state store faults.
func (e *Executor) Execute(ctx context.Context, itemID, stageName string) (core.StageResult, error) {
	r, res, err := e.prepare(ctx, itemID, stageName)
	if err != nil || res != nil {
		return deref(res), err
	}

	if cached, err := e.cached(ctx, r); err != nil || cached != nil {
		return deref(cached), err
	}

	scope := r.def.BreakerKey(itemID)
	open, trial, err := e.breaker.Claim(ctx, scope)
	if err != nil {
		return core.StageResult{}, err
	}
	if open {
		delay, err := e.breaker.RetryIn(ctx, scope)
		if err != nil {
			return core.StageResult{}, err
		}
		e.logger.Debug("breaker open, rejecting attempt", "item", itemID, "stage", stageName, "scope", scope, "retry_in", delay)
		return e.rejected(r, ErrBreakerOpen, max(delay, time.Second)), nil
	}

	lockKey := storage.StageLockKey(itemID, stageName)
	token, err := e.store.AcquireLock(ctx, lockKey, r.def.Timeout+e.lockMargin)
	if errors.Is(err, storage.ErrLockHeld) {
		e.logger.Debug("stage locked by another worker", "item", itemID, "stage", stageName)
		e.releaseTrial(ctx, scope, trial)
		return e.rejected(r, ErrStageLocked, e.classifier.Policy().BaseDelay), nil
	}
	if err != nil {
		e.releaseTrial(ctx, scope, trial)
		return core.StageResult{}, err
	}
	unlock := func() {
		if _, err := e.store.ReleaseLock(context.WithoutCancel(ctx), lockKey, token); err != nil {
			e.logger.Warn("failed to release stage lock", "item", itemID, "stage", stageName, "err", err)
		}
	}
	held := true
	defer func() {
		if held {
			unlock()
		}
	}()

	// a worker holding the lock may have finished between the first lookup
	// and the acquisition
	if cached, err := e.cached(ctx, r); err != nil || cached != nil {
		e.releaseTrial(ctx, scope, trial)
		return deref(cached), err
	}

	if r.def.Async() {
		return e.submit(ctx, r, scope)
	}
	out, running, err := e.execute(ctx, r, scope)
	if running != nil {
		// the abandoned logic keeps the lock until it returns or the lock
		// expires
		held = false
		go func() {
			<-running
			unlock()
		}()
	}
	return out, err
}

func (e *Executor) releaseTrial(ctx context.Context, scope string, trial time.Time) {
	if err := e.breaker.ReleaseTrial(context.WithoutCancel(ctx), scope, trial); err != nil {
		e.logger.Warn("failed to release breaker trial", "scope", scope, "err", err)
	}
}

// Poll performs one status check of the async job handle for stage.
func (e *Executor) Poll(ctx context.Context, itemID, stageName, handle string) (core.StageResult, error) {
	r, res, err := e.prepare(ctx, itemID, stageName)
	if err != nil || res != nil {
		return deref(res), err
	}
	if !r.def.Async() {
		return e.failed(ctx, r, core.Validation(ErrNotAsync), r.def.BreakerKey(itemID))
	}

	tick, err := e.poller.Poll(ctx, itemID, stageName, handle, bound(r.def))
	switch {
	case stale(err):
		return e.stale(r, handle, err), nil
	case errors.Is(err, context.Canceled):
		res := r.result(core.OutcomeDeferred)
		res.Handle = handle
		res.Delay = e.poller.InitialBackoff()
		return res, nil
	case err != nil:
		return core.StageResult{}, err
	}

	// the job was submitted for a specific input
	r.fp = tick.Job.Fingerprint
	r.cacheKey = core.CacheKey(itemID, stageName, r.fp)
	scope := r.def.BreakerKey(itemID)

	switch {
	case !tick.Terminal():
		res := r.result(core.OutcomeDeferred)
		res.Handle = handle
		res.Delay = tick.Delay
		return res, nil
	case tick.Done():
		defer tick.Result.Close()
		res, err := e.complete(ctx, r, scope, tick.Result)
		if err != nil || res.Outcome != core.OutcomeSuccess {
			// the job stays live and its result is fetched again
			return res, err
		}
		if _, err := e.poller.Succeed(ctx, itemID, stageName, handle); err != nil {
			if stale(err) {
				return e.stale(r, handle, err), nil
			}
			return core.StageResult{}, err
		}
		return res, nil
	default:
		return e.failed(ctx, r, tick.Err, scope)
	}
}

func stale(err error) bool {
	return errors.Is(err, asyncjob.ErrJobSuperseded) ||
		errors.Is(err, asyncjob.ErrJobFinished) ||
		errors.Is(err, asyncjob.ErrJobNotFound)
}

func (e *Executor) stale(r *run, handle string, err error) core.StageResult {
	e.logger.Debug("dropping poll for stale job", "item", r.item.ID, "stage", r.stage, "handle", handle, "err", err)
	res := r.result(core.OutcomeDeferred)
	res.Handle = handle
	res.Stale = true
	return res
}

// prepare loads the item and its stage definition. A non-nil result means
// the invocation is finished without running anything.
func (e *Executor) prepare(ctx context.Context, itemID, stageName string) (*run, *core.StageResult, error) {
	item, err := storage.LoadItem(ctx, e.store, itemID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, &core.StageResult{ItemID: itemID, Stage: stageName, Stale: true}, nil
	}
	if err != nil {
		return nil, nil, err
	}
	r := &run{item: item, stage: stageName, started: e.clock.Now()}
	if item.Status.Terminal() || item.Stage() != stageName {
		res := r.result(0)
		res.Stale = true
		return nil, &res, nil
	}

	def, ok := e.registry.Get(stageName)
	if !ok {
		res := r.result(core.OutcomePermanent)
		res.Err = core.Validation(fmt.Errorf("%w: %s", ErrUnknownStage, stageName))
		res.Category = core.CategoryValidation
		res.Executed = true
		return nil, &res, nil
	}
	r.def = def

	if item.InputKey != "" {
		r.upstream, err = storage.LoadManifest(ctx, e.store, item.InputKey)
		if errors.Is(err, storage.ErrNotFound) {
			res, err := e.failed(ctx, r, core.Transient(fmt.Errorf("%w: %s", ErrMissingInput, item.InputKey)), def.BreakerKey(itemID))
			return nil, &res, err
		}
		if err != nil {
			return nil, nil, err
		}
	}
	r.fp = def.Fingerprint(item, stageName, r.upstream)
	r.cacheKey = core.CacheKey(itemID, stageName, r.fp)
	return r, nil, nil
}

// cached returns the cached success for r, or nil on a miss.
func (e *Executor) cached(ctx context.Context, r *run) (*core.StageResult, error) {
	out, err := storage.LoadStageOutput(ctx, e.store, r.cacheKey)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	res := r.result(core.OutcomeSuccess)
	res.PayloadKey = out.PayloadKey
	res.CacheHit = true
	res.CompletedAt = out.CompletedAt
	e.metrics.StageExecuted(r.stage, res.Outcome.String(), true, 0)
	e.logger.Debug("stage cache hit", "item", r.item.ID, "stage", r.stage)
	return &res, nil
}

func (e *Executor) input(ctx context.Context, r *run) Input {
	in := Input{
		ItemID:    r.item.ID,
		ItemType:  r.item.Type,
		Stage:     r.stage,
		Attempt:   r.item.Attempts[r.stage] + 1,
		ChunkSize: r.def.chunkSize(r.item.Downshift[r.stage]),
	}
	if r.upstream != nil {
		in.Size = r.upstream.Size
		name := r.item.InputKey
		in.open = func() (io.ReadCloser, error) {
			rc, _, err := storage.OpenPayload(ctx, e.store, name)
			return rc, err
		}
	}
	return in
}

// execute runs in-process logic under the stage timeout and stores its
// output. When the logic ignores its context past the timeout it is
// abandoned and running is closed once it finally returns.
func (e *Executor) execute(ctx context.Context, r *run, scope string) (res core.StageResult, running <-chan struct{}, err error) {
	runCtx, cancel := context.WithTimeout(ctx, r.def.Timeout)
	defer cancel()

	in := e.input(runCtx, r)

	type outcome struct {
		out Output
		err error
	}
	done := make(chan outcome, 1)
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		defer func() {
			if p := recover(); p != nil {
				e.logger.Error("stage panicked", "item", r.item.ID, "stage", r.stage, "panic", p, "stack", string(debug.Stack()))
				done <- outcome{err: core.Transient(fmt.Errorf("%w: %v", ErrStagePanic, p))}
			}
		}()
		out, err := r.def.Logic.Run(runCtx, in)
		done <- outcome{out: out, err: err}
	}()

	var result outcome
	select {
	case result = <-done:
	case <-runCtx.Done():
		// the logic ignored its context; abandon it
		result = outcome{err: runCtx.Err()}
		select {
		case <-finished:
		default:
			running = finished
		}
	}

	if result.err != nil {
		if closer, ok := result.out.Body.(io.Closer); ok {
			closer.Close()
		}
		if ctx.Err() != nil {
			// worker shutdown, not a stage failure
			res := r.result(core.OutcomeRetryable)
			res.Err = ctx.Err()
			res.Category = core.CategoryCanceled
			return res, running, nil
		}
		res, err := e.failed(ctx, r, result.err, scope)
		return res, running, err
	}

	if closer, ok := result.out.Body.(io.Closer); ok {
		defer closer.Close()
	}
	// the body may still be streaming from the logic, bounded by runCtx
	res, err = e.complete(ctx, r, scope, result.out.Body)
	return res, nil, err
}

// submit hands the stage input to the async provider.
func (e *Executor) submit(ctx context.Context, r *run, scope string) (core.StageResult, error) {
	in := e.input(ctx, r)
	job, reused, err := e.poller.Submit(ctx, r.item.ID, r.stage, r.fp, bound(r.def), in.Open)
	if err != nil {
		if errors.Is(err, storage.ErrStoreUnavailable) {
			return core.StageResult{}, err
		}
		if ctx.Err() != nil {
			res := r.result(core.OutcomeRetryable)
			res.Err = ctx.Err()
			res.Category = core.CategoryCanceled
			return res, nil
		}
		return e.failed(ctx, r, err, scope)
	}

	res := r.result(core.OutcomeDeferred)
	res.Handle = job.Handle
	res.Delay = job.PollBackoff
	if reused && !job.LastPolledAt.IsZero() {
		res.Delay = max(0, job.LastPolledAt.Add(job.PollBackoff).Sub(e.clock.Now()))
	}
	e.metrics.StageExecuted(r.stage, res.Outcome.String(), false, e.clock.Now().Sub(r.started))
	return res, nil
}

// complete stores the stage output, caches it and closes the breaker.
func (e *Executor) complete(ctx context.Context, r *run, scope string, body io.Reader) (core.StageResult, error) {
	name := OutputPayloadName(r.cacheKey)
	if _, err := storage.PutPayload(ctx, e.store, name, body, r.def.ChunkSize); err != nil {
		if errors.Is(err, storage.ErrStoreUnavailable) {
			return core.StageResult{}, err
		}
		// reading the stage output failed
		return e.failed(ctx, r, err, scope)
	}

	now := e.clock.Now()
	out := &core.StageOutput{
		ItemID:      r.item.ID,
		Stage:       r.stage,
		CacheKey:    r.cacheKey,
		PayloadKey:  name,
		CompletedAt: now,
	}
	if err := storage.SaveStageOutput(ctx, e.store, out, r.def.CacheTTL); err != nil {
		return core.StageResult{}, err
	}
	if err := e.breaker.RecordSuccess(ctx, scope); err != nil {
		return core.StageResult{}, err
	}

	res := r.result(core.OutcomeSuccess)
	res.PayloadKey = name
	res.Executed = true
	res.CompletedAt = now
	e.metrics.StageExecuted(r.stage, res.Outcome.String(), false, now.Sub(r.started))
	e.logger.Debug("stage succeeded", "item", r.item.ID, "stage", r.stage, "elapsed", now.Sub(r.started))
	return res, nil
}

// failed classifies err and records it against the breaker.
func (e *Executor) failed(ctx context.Context, r *run, err error, scope string) (core.StageResult, error) {
	if errors.Is(err, storage.ErrStoreUnavailable) {
		return core.StageResult{}, err
	}
	attempt := r.item.Attempts[r.stage] + 1
	decision := e.classifier.Classify(err, attempt)

	if decision.Category != core.CategoryCanceled {
		if _, bErr := e.breaker.RecordFailure(context.WithoutCancel(ctx), scope); bErr != nil {
			return core.StageResult{}, bErr
		}
	}

	res := r.result(core.OutcomePermanent)
	if decision.Retryable() {
		res.Outcome = core.OutcomeRetryable
		res.Delay = decision.Delay
	}
	res.Err = err
	res.Category = decision.Category
	res.Executed = true
	e.metrics.StageExecuted(r.stage, res.Outcome.String(), false, e.clock.Now().Sub(r.started))
	e.logger.Warn("stage failed", "item", r.item.ID, "stage", r.stage, "attempt", attempt,
		"category", decision.Category, "decision", decision.Kind, "delay", decision.Delay, "err", err)
	return res, nil
}

// rejected reports an attempt that never ran stage logic.
func (e *Executor) rejected(r *run, err error, delay time.Duration) core.StageResult {
	res := r.result(core.OutcomeRetryable)
	res.Err = core.Transient(err)
	res.Category = core.CategoryTransientIO
	res.Delay = delay
	e.metrics.StageExecuted(r.stage, "rejected", false, 0)
	return res
}

func deref(res *core.StageResult) core.StageResult {
	if res == nil {
		return core.StageResult{}
	}
	return *res
}

// OutputPayloadName is the payload name under which the output of the
// stage run with cacheKey is stored.
func OutputPayloadName(cacheKey string) string {
	return "out:" + cacheKey
}

// boundedProvider applies the stage timeout to every provider call. A done
// poll keeps its deadline until the result is closed.
type boundedProvider struct {
	provider asyncjob.Provider
	timeout  time.Duration
}

var (
	_ asyncjob.Provider = boundedProvider{}
	_ asyncjob.Canceler = boundedProvider{}
)

func bound(def *Definition) boundedProvider {
	return boundedProvider{provider: def.Provider, timeout: def.Timeout}
}

func (b boundedProvider) Submit(ctx context.Context, payload io.Reader) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()
	return b.provider.Submit(ctx, payload)
}

func (b boundedProvider) Poll(ctx context.Context, jobID string) (asyncjob.PollResult, error) {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	res, err := b.provider.Poll(ctx, jobID)
	if res.Result == nil {
		cancel()
		return res, err
	}
	res.Result = &cancelOnClose{ReadCloser: res.Result, cancel: cancel}
	return res, err
}

func (b boundedProvider) Cancel(ctx context.Context, jobID string) error {
	canceler, ok := b.provider.(asyncjob.Canceler)
	if !ok {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()
	return canceler.Cancel(ctx, jobID)
}

type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	defer c.cancel()
	return c.ReadCloser.Close()
}
