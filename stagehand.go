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

// Package stagehand drives work items through fixed sequences of processing
// stages with caching, retries, circuit breaking, async job polling and
// per-priority worker lanes. Engine wires the components together on one
// state store.
package stagehand

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/poiesic/stagehand/asyncjob"
	"github.com/poiesic/stagehand/batch"
	"github.com/poiesic/stagehand/breaker"
	"github.com/poiesic/stagehand/config"
	"github.com/poiesic/stagehand/core"
	"github.com/poiesic/stagehand/events"
	"github.com/poiesic/stagehand/metrics"
	"github.com/poiesic/stagehand/orchestrator"
	"github.com/poiesic/stagehand/persist"
	"github.com/poiesic/stagehand/queue"
	"github.com/poiesic/stagehand/retry"
	"github.com/poiesic/stagehand/stage"
	"github.com/poiesic/stagehand/storage/badger"
	"golang.org/x/sync/errgroup"
)

const defaultStatsInterval = time.Minute

// Engine owns the state store and every component running on it.
type Engine struct {
	store         *badger.Store
	registry      *stage.Registry
	exec          *stage.Executor
	queue         *queue.Queue
	orch          *orchestrator.Orchestrator
	batches       *batch.Coordinator
	bus           *events.Bus
	metrics       *metrics.Metrics
	statsInterval time.Duration
	logger        *slog.Logger
}

// EngineOption configures an Engine.
type EngineOption func(*engineOptions)

type engineOptions struct {
	pipelines     map[string][]string
	sink          persist.Sink
	metrics       *metrics.Metrics
	policy        retry.Policy
	breakerOpts   []breaker.Option
	pollerOpts    []asyncjob.Option
	queueOpts     []queue.Option
	clock         core.Clock
	statsInterval time.Duration
	logger        *slog.Logger
}

// WithPipelines registers the stage sequence of each item type.
func WithPipelines(pipelines map[string][]string) EngineOption {
	return func(o *engineOptions) {
		o.pipelines = pipelines
	}
}

// WithSink sets where stage outputs are delivered.
func WithSink(sink persist.Sink) EngineOption {
	return func(o *engineOptions) {
		o.sink = sink
	}
}

// WithMetrics records engine metrics in m.
func WithMetrics(m *metrics.Metrics) EngineOption {
	return func(o *engineOptions) {
		o.metrics = m
	}
}

// WithRetryPolicy replaces the default retry policy.
func WithRetryPolicy(policy retry.Policy) EngineOption {
	return func(o *engineOptions) {
		o.policy = policy
	}
}

// WithBreaker sets the failure threshold and cooldown of the circuit
// breakers.
func WithBreaker(threshold int, cooldown time.Duration) EngineOption {
	return func(o *engineOptions) {
		o.breakerOpts = append(o.breakerOpts, breaker.WithThreshold(threshold), breaker.WithCooldown(cooldown))
	}
}

// WithPolling sets the async poll backoff and the overall job timeout.
func WithPolling(initial, maxBackoff, timeout time.Duration) EngineOption {
	return func(o *engineOptions) {
		o.pollerOpts = append(o.pollerOpts, asyncjob.WithBackoff(initial, maxBackoff), asyncjob.WithTimeout(timeout))
	}
}

// WithLanes sets the worker count of each lane.
func WithLanes(high, normal, low int) EngineOption {
	return func(o *engineOptions) {
		o.queueOpts = append(o.queueOpts,
			queue.WithPoolSize(core.PriorityHigh, high),
			queue.WithPoolSize(core.PriorityNormal, normal),
			queue.WithPoolSize(core.PriorityLow, low),
		)
	}
}

// WithLanePause sets how long a lane pauses on a store outage and how long
// a task waits after any other handler failure.
func WithLanePause(pauseFor, retryDelay time.Duration) EngineOption {
	return func(o *engineOptions) {
		o.queueOpts = append(o.queueOpts, queue.WithPauseFor(pauseFor), queue.WithRetryDelay(retryDelay))
	}
}

// WithConfig applies the tunables of a deployment file.
func WithConfig(cfg *config.Config) EngineOption {
	return func(o *engineOptions) {
		WithPipelines(cfg.Pipelines)(o)
		WithRetryPolicy(cfg.RetryPolicy())(o)
		WithBreaker(cfg.Breaker.Threshold, cfg.Breaker.Cooldown.Duration())(o)
		WithPolling(cfg.Async.InitialBackoff.Duration(), cfg.Async.MaxBackoff.Duration(), cfg.Async.Timeout.Duration())(o)
		WithLanes(cfg.Lanes.High, cfg.Lanes.Normal, cfg.Lanes.Low)(o)
		WithLanePause(cfg.Lanes.PauseFor.Duration(), cfg.Lanes.RetryDelay.Duration())(o)
	}
}

// WithClock sets the time source of breakers, polling and item records.
func WithClock(clock core.Clock) EngineOption {
	return func(o *engineOptions) {
		o.clock = clock
	}
}

// WithStatsInterval sets how often lane statistics are logged while running.
func WithStatsInterval(d time.Duration) EngineOption {
	return func(o *engineOptions) {
		o.statsInterval = d
	}
}

// WithLogger sets a custom logger.
// Default is slog.Default().
func WithLogger(logger *slog.Logger) EngineOption {
	return func(o *engineOptions) {
		o.logger = logger
	}
}

// Open opens an Engine whose state lives in the directory filePath.
func Open(filePath string, registry *stage.Registry, opts ...EngineOption) (*Engine, error) {
	return open(filePath, false, registry, opts)
}

// OpenMemory opens an Engine on an in-memory store.
func OpenMemory(registry *stage.Registry, opts ...EngineOption) (*Engine, error) {
	return open("", true, registry, opts)
}

func open(filePath string, inMemory bool, registry *stage.Registry, opts []EngineOption) (*Engine, error) {
	if registry == nil {
		return nil, orchestrator.ErrRegistryRequired
	}
	options := &engineOptions{
		sink:          persist.Discard,
		policy:        retry.DefaultPolicy(),
		clock:         core.SystemClock{},
		statsInterval: defaultStatsInterval,
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(options)
	}
	if options.logger == nil {
		options.logger = slog.Default()
	}
	logger := options.logger

	store, err := badger.OpenStore(filePath, inMemory, badger.WithLogger(logger))
	if err != nil {
		return nil, err
	}
	e := &Engine{
		store:         store,
		registry:      registry,
		bus:           events.NewBus(logger),
		metrics:       options.metrics,
		statsInterval: options.statsInterval,
		logger:        logger.With("component", "engine"),
	}
	if err := e.wire(options); err != nil {
		store.Close()
		return nil, err
	}
	return e, nil
}

func (e *Engine) wire(o *engineOptions) error {
	b, err := breaker.New(e.store, append([]breaker.Option{
		breaker.WithClock(o.clock),
		breaker.WithMetrics(o.metrics),
		breaker.WithLogger(o.logger),
	}, o.breakerOpts...)...)
	if err != nil {
		return err
	}
	classifier, err := retry.NewClassifier(o.policy)
	if err != nil {
		return err
	}
	poller, err := asyncjob.NewPoller(e.store, append([]asyncjob.Option{
		asyncjob.WithClock(o.clock),
		asyncjob.WithMetrics(o.metrics),
		asyncjob.WithLogger(o.logger),
	}, o.pollerOpts...)...)
	if err != nil {
		return err
	}
	e.exec, err = stage.NewExecutor(e.store, e.registry,
		stage.WithBreaker(b),
		stage.WithClassifier(classifier),
		stage.WithPoller(poller),
		stage.WithClock(o.clock),
		stage.WithMetrics(o.metrics),
		stage.WithLogger(o.logger),
	)
	if err != nil {
		return err
	}

	e.queue, err = queue.New(e.handle, append([]queue.Option{
		queue.WithMetrics(o.metrics),
		queue.WithLogger(o.logger),
	}, o.queueOpts...)...)
	if err != nil {
		return err
	}

	orchOpts := []orchestrator.Option{
		orchestrator.WithSink(o.sink),
		orchestrator.WithEvents(e.bus),
		orchestrator.WithClock(o.clock),
		orchestrator.WithMetrics(o.metrics),
		orchestrator.WithLogger(o.logger),
	}
	if o.pipelines != nil {
		orchOpts = append(orchOpts, orchestrator.WithPipelines(o.pipelines))
	}
	e.orch, err = orchestrator.New(e.store, e.queue, e.registry, orchOpts...)
	if err != nil {
		e.queue.Release()
		return err
	}
	e.batches, err = batch.New(e.store, e.orch,
		batch.WithEvents(e.bus),
		batch.WithClock(o.clock),
		batch.WithLogger(o.logger),
	)
	if err != nil {
		e.queue.Release()
		return err
	}
	e.orch.SetNotifier(e.batches)
	return nil
}

// handle is the worker body: check the task still applies, run one
// execution or poll, and apply the result.
func (e *Engine) handle(ctx context.Context, t queue.Task) error {
	runnable, err := e.orch.Runnable(ctx, t)
	if err != nil {
		return err
	}
	if !runnable {
		e.logger.Debug("skipping task that no longer applies", "task", t.String())
		return nil
	}

	var res core.StageResult
	if t.Kind == queue.KindPoll {
		res, err = e.exec.Poll(ctx, t.ItemID, t.Stage, t.Handle)
	} else {
		res, err = e.exec.Execute(ctx, t.ItemID, t.Stage)
	}
	if err != nil {
		return err
	}
	return e.orch.Advance(ctx, res)
}

// Run settles batches and reschedules unfinished items left by a previous
// process, then dispatches tasks until ctx is done.
func (e *Engine) Run(ctx context.Context) error {
	settled, err := e.batches.Reconcile(ctx)
	if err != nil {
		return err
	}
	resumed, err := e.orch.Resume(ctx)
	if err != nil {
		return err
	}
	e.logger.Info("engine started", "resumed", resumed, "reconciled", settled, "stages", e.registry.Names())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return e.queue.Run(gctx)
	})
	g.Go(func() error {
		e.reportStats(gctx)
		return nil
	})
	return g.Wait()
}

func (e *Engine) reportStats(ctx context.Context) {
	if e.statsInterval <= 0 {
		return
	}
	ticker := time.NewTicker(e.statsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, s := range e.queue.Stats() {
				if s.Ready+s.Delayed+s.Running == 0 {
					continue
				}
				e.logger.Info("lane stats", "lane", s.Lane, "ready", s.Ready, "delayed", s.Delayed, "running", s.Running, "paused", s.Paused)
			}
		}
	}
}

// ItemRequest describes an item submitted on its own.
type ItemRequest struct {
	ItemID   string
	Type     string
	Stages   []string
	Priority core.Priority
	Input    io.Reader
}

// SubmitItem creates a work item and schedules its first stage.
func (e *Engine) SubmitItem(ctx context.Context, req ItemRequest) (string, error) {
	item, err := e.orch.Submit(ctx, orchestrator.SubmitRequest{
		ItemID:   req.ItemID,
		Type:     req.Type,
		Stages:   req.Stages,
		Priority: req.Priority,
		Input:    req.Input,
	})
	if err != nil {
		return "", err
	}
	return item.ID, nil
}

// SubmitBatch creates a batch of items at one priority.
func (e *Engine) SubmitBatch(ctx context.Context, items []batch.ItemSpec, priority core.Priority) (string, error) {
	return e.batches.SubmitBatch(ctx, items, priority)
}

// ItemStatus reports the state of an item.
func (e *Engine) ItemStatus(ctx context.Context, itemID string) (*orchestrator.Report, error) {
	return e.orch.Status(ctx, itemID)
}

// BatchProgress reports the aggregate state of a batch.
func (e *Engine) BatchProgress(ctx context.Context, batchID string) (*batch.Progress, error) {
	return e.batches.GetProgress(ctx, batchID)
}

// AbortItem stops an item at its next transition.
func (e *Engine) AbortItem(ctx context.Context, itemID string) error {
	_, err := e.orch.Abort(ctx, itemID, "aborted by request")
	return err
}

// AbortBatch aborts every unfinished item of a batch.
func (e *Engine) AbortBatch(ctx context.Context, batchID string) (int, error) {
	return e.batches.AbortBatch(ctx, batchID)
}

// RestartItem reruns an aborted or failed item with fresh attempt counters.
func (e *Engine) RestartItem(ctx context.Context, itemID string) error {
	_, err := e.orch.Restart(ctx, itemID)
	return err
}

// Events returns the bus carrying item and batch events.
func (e *Engine) Events() *events.Bus {
	return e.bus
}

// Metrics returns the metrics set given to the engine, or nil.
func (e *Engine) Metrics() *metrics.Metrics {
	return e.metrics
}

// Stats returns a snapshot of the task lanes.
func (e *Engine) Stats() []queue.LaneStats {
	return e.queue.Stats()
}

// WaitIdle blocks until no task is queued or running.
func (e *Engine) WaitIdle(ctx context.Context) error {
	return e.queue.WaitIdle(ctx)
}

// Close releases the worker pools and closes the store. Call it after Run
// has returned.
func (e *Engine) Close() error {
	e.queue.Release()
	if err := e.store.Close(); err != nil {
		e.logger.Error("error closing store", "err", err)
		return err
	}
	return nil
}

// IsNotFound reports whether err means an unknown item or batch.
func IsNotFound(err error) bool {
	return errors.Is(err, orchestrator.ErrItemNotFound) || errors.Is(err, batch.ErrBatchNotFound)
}
