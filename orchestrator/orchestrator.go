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

// Package orchestrator owns the state machine of every work item.
//
// Items move pending -> in_progress -> {stage_failed | finalized | aborted}
// while in_progress cycles through the stage indexes. Every transition is
// a single atomic read-modify-write of the item record and checks that the
// result still applies to the item's current stage, so duplicate or late
// results are dropped and stage k+1 is never scheduled before stage k
// succeeded. The orchestrator never runs stages itself; it only schedules
// tasks that workers pick up.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/poiesic/stagehand/core"
	"github.com/poiesic/stagehand/events"
	"github.com/poiesic/stagehand/metrics"
	"github.com/poiesic/stagehand/persist"
	"github.com/poiesic/stagehand/queue"
	"github.com/poiesic/stagehand/retry"
	"github.com/poiesic/stagehand/stage"
	"github.com/poiesic/stagehand/storage"
)

const (
	defaultSinkAttempts = 3
	defaultSinkDelay    = 200 * time.Millisecond
	defaultSinkBackoff  = 30 * time.Second
)

// Scheduler accepts tasks for workers. *queue.Queue implements it.
type Scheduler interface {
	Enqueue(t queue.Task) error
	EnqueueAfter(t queue.Task, d time.Duration) error
}

// Notifier is told when an item of a batch reaches or leaves a terminal
// status.
type Notifier interface {
	ItemTerminal(ctx context.Context, batchID, itemID string, status core.ItemStatus) error
	ItemRestarted(ctx context.Context, batchID, itemID string) error
}

// Orchestrator drives work items through their stage sequences.
type Orchestrator struct {
	store        storage.StateStore
	scheduler    Scheduler
	registry     *stage.Registry
	pipelines    map[string][]string
	sink         persist.Sink
	notifier     Notifier
	bus          *events.Bus
	sinkAttempts int
	sinkDelay    time.Duration
	clock        core.Clock
	metrics      *metrics.Metrics
	logger       *slog.Logger
}

// Option configures an Orchestrator.
type Option func(*Orchestrator) error

// WithPipelines sets the stage sequence per item type, used when a
// submission names a type instead of stages.
func WithPipelines(pipelines map[string][]string) Option {
	return func(o *Orchestrator) error {
		for typ, stages := range pipelines {
			if err := core.ValidateStageSequence(stages); err != nil {
				return fmt.Errorf("pipeline %q: %w", typ, err)
			}
		}
		o.pipelines = pipelines
		return nil
	}
}

// WithSink sets where stage outputs are delivered. Default is persist.Discard.
func WithSink(sink persist.Sink) Option {
	return func(o *Orchestrator) error {
		if sink == nil {
			sink = persist.Discard
		}
		o.sink = sink
		return nil
	}
}

// WithSinkRetry sets how often a sink delivery is tried before the stage
// is rescheduled.
func WithSinkRetry(attempts int, baseDelay time.Duration) Option {
	return func(o *Orchestrator) error {
		if attempts < 1 {
			return retry.ErrInvalidMaxAttempts
		}
		o.sinkAttempts = attempts
		o.sinkDelay = baseDelay
		return nil
	}
}

// WithNotifier sets the batch notifier.
func WithNotifier(n Notifier) Option {
	return func(o *Orchestrator) error {
		o.notifier = n
		return nil
	}
}

// WithEvents publishes item transitions on bus.
func WithEvents(bus *events.Bus) Option {
	return func(o *Orchestrator) error {
		o.bus = bus
		return nil
	}
}

// WithClock sets the time source.
func WithClock(clock core.Clock) Option {
	return func(o *Orchestrator) error {
		o.clock = clock
		return nil
	}
}

// WithMetrics records terminal items and sink failures.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Orchestrator) error {
		o.metrics = m
		return nil
	}
}

// WithLogger sets a custom logger.
// Default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) error {
		if logger == nil {
			logger = slog.Default()
		}
		o.logger = logger
		return nil
	}
}

// New creates an Orchestrator.
func New(store storage.StateStore, scheduler Scheduler, registry *stage.Registry, opts ...Option) (*Orchestrator, error) {
	if store == nil {
		return nil, ErrStoreRequired
	}
	if scheduler == nil {
		return nil, ErrSchedulerRequired
	}
	if registry == nil {
		return nil, ErrRegistryRequired
	}
	o := &Orchestrator{
		store:        store,
		scheduler:    scheduler,
		registry:     registry,
		pipelines:    map[string][]string{},
		sink:         persist.Discard,
		sinkAttempts: defaultSinkAttempts,
		sinkDelay:    defaultSinkDelay,
		clock:        core.SystemClock{},
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		if err := opt(o); err != nil {
			return nil, err
		}
	}
	for typ, stages := range o.pipelines {
		if err := registry.Check(stages); err != nil {
			return nil, fmt.Errorf("pipeline %q: %w", typ, err)
		}
	}
	o.logger = o.logger.With("component", "orchestrator")
	return o, nil
}

// SetNotifier replaces the batch notifier. The batch coordinator depends on
// the orchestrator, so it is attached after both exist.
func (o *Orchestrator) SetNotifier(n Notifier) {
	o.notifier = n
}

// SubmitRequest describes a new work item.
type SubmitRequest struct {
	// ItemID is generated when empty.
	ItemID string
	Type   string
	// Stages overrides the pipeline registered for Type.
	Stages   []string
	Priority core.Priority
	BatchID  string
	// Input is the optional payload of the first stage. It is streamed into
	// the store in chunks.
	Input io.Reader
}

// Prepare resolves and validates req without storing anything. It fills in
// the item id and the stage sequence.
func (o *Orchestrator) Prepare(req *SubmitRequest) error {
	if req.ItemID == "" {
		req.ItemID = uuid.NewString()
	}
	if err := core.ValidateItemID(req.ItemID); err != nil {
		return core.Validation(err)
	}
	if len(req.Stages) == 0 && req.Type != "" {
		stages, ok := o.pipelines[req.Type]
		if !ok {
			return core.Validation(fmt.Errorf("%w: %s", ErrUnknownType, req.Type))
		}
		req.Stages = stages
	}
	if err := core.ValidateStageSequence(req.Stages); err != nil {
		return core.Validation(err)
	}
	if err := o.registry.Check(req.Stages); err != nil {
		return core.Validation(err)
	}
	if !req.Priority.Valid() {
		return core.Validation(core.ErrInvalidPriority)
	}
	return nil
}

// Submit creates the item in pending, starts it and schedules its first
// stage. A second submission with the same id fails with ErrItemExists.
func (o *Orchestrator) Submit(ctx context.Context, req SubmitRequest) (*core.WorkItem, error) {
	if err := o.Prepare(&req); err != nil {
		return nil, err
	}
	if _, err := storage.LoadItem(ctx, o.store, req.ItemID); err == nil {
		return nil, fmt.Errorf("%w: %s", ErrItemExists, req.ItemID)
	} else if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}

	now := o.clock.Now()
	item := &core.WorkItem{
		ID:        req.ItemID,
		Type:      req.Type,
		Stages:    req.Stages,
		Current:   -1,
		Attempts:  map[string]int{},
		Downshift: map[string]int{},
		Status:    core.StatusPending,
		Priority:  req.Priority,
		BatchID:   req.BatchID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if req.Input != nil {
		// each submission streams into its own payload so a losing
		// duplicate cannot touch the accepted item's input
		item.InputKey = InputPayloadName(item.ID, uuid.NewString())
	}
	if err := core.ValidateWorkItem(item); err != nil {
		return nil, core.Validation(err)
	}
	if req.Input != nil {
		if _, err := storage.PutPayload(ctx, o.store, item.InputKey, req.Input, 0); err != nil {
			o.discardInput(ctx, item.InputKey)
			return nil, fmt.Errorf("store input of %s: %w", item.ID, err)
		}
	}
	if err := storage.CreateItem(ctx, o.store, item); err != nil {
		if item.InputKey != "" {
			o.discardInput(ctx, item.InputKey)
		}
		if errors.Is(err, storage.ErrDuplicateKey) {
			return nil, fmt.Errorf("%w: %s", ErrItemExists, item.ID)
		}
		return nil, err
	}
	o.logger.Debug("item created", "item", item.ID, "stages", item.Stages, "priority", item.Priority.String(), "batch", item.BatchID)
	return o.start(ctx, item.ID)
}

// InputPayloadName is the payload name of one submission of an item's
// input.
func InputPayloadName(itemID, submission string) string {
	return "in:" + itemID + ":" + submission
}

func (o *Orchestrator) discardInput(ctx context.Context, name string) {
	if err := storage.DeletePayload(context.WithoutCancel(ctx), o.store, name); err != nil {
		o.logger.Warn("failed to delete orphaned input", "payload", name, "err", err)
	}
}

// start moves a pending item to stage 0 and schedules it.
func (o *Orchestrator) start(ctx context.Context, itemID string) (*core.WorkItem, error) {
	item, err := storage.UpdateItem(ctx, o.store, itemID, func(w *core.WorkItem) error {
		if w.Status != core.StatusPending {
			return storage.ErrNoChange
		}
		w.Status = core.StatusInProgress
		w.Current = 0
		w.UpdatedAt = o.clock.Now()
		return nil
	})
	if err != nil {
		return nil, err
	}
	if item.Status == core.StatusInProgress && item.Current == 0 {
		o.schedule(item, 0)
	}
	return item, nil
}

func (o *Orchestrator) task(item *core.WorkItem) queue.Task {
	return queue.Task{ItemID: item.ID, Stage: item.Stage(), Priority: item.Priority}
}

// schedule enqueues the item's current stage. A closed queue means the
// process is stopping; Resume reschedules the item on the next start.
func (o *Orchestrator) schedule(item *core.WorkItem, delay time.Duration) {
	o.enqueue(o.task(item), delay)
}

func (o *Orchestrator) enqueue(t queue.Task, delay time.Duration) {
	if err := o.scheduler.EnqueueAfter(t, delay); err != nil {
		o.logger.Warn("failed to schedule task", "task", t.String(), "err", err)
	}
}

// current reports whether a result for stageName still applies to item.
func current(item *core.WorkItem, stageName string) bool {
	return !item.Status.Terminal() && item.Status != core.StatusPending && item.Stage() == stageName
}

// Runnable reports whether a dequeued task still applies to its item. It
// is the abort check performed at every transition.
func (o *Orchestrator) Runnable(ctx context.Context, t queue.Task) (bool, error) {
	item, err := storage.LoadItem(ctx, o.store, t.ItemID)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return current(item, t.Stage), nil
}

// Advance applies a stage result to its item. Results that no longer apply
// are dropped. The returned error is reserved for state store faults.
func (o *Orchestrator) Advance(ctx context.Context, res core.StageResult) error {
	if res.Stale {
		return nil
	}
	switch res.Outcome {
	case core.OutcomeSuccess:
		return o.succeeded(ctx, res)
	case core.OutcomeDeferred:
		return o.deferred(ctx, res)
	case core.OutcomeRetryable:
		return o.retryable(ctx, res)
	case core.OutcomePermanent:
		return o.permanent(ctx, res)
	default:
		return fmt.Errorf("advance %s/%s: unknown outcome %s", res.ItemID, res.Stage, res.Outcome)
	}
}

func (o *Orchestrator) succeeded(ctx context.Context, res core.StageResult) error {
	item, err := storage.LoadItem(ctx, o.store, res.ItemID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if !current(item, res.Stage) {
		o.dropped(res, item)
		return nil
	}

	if err := o.deliver(ctx, res); err != nil {
		if errors.Is(err, storage.ErrStoreUnavailable) || ctx.Err() != nil {
			return err
		}
		// the output stays cached, so the rerun is a cache hit that
		// delivers again
		o.metrics.SinkFailed()
		o.logger.Error("sink delivery failed, rescheduling stage", "item", res.ItemID, "stage", res.Stage, "err", err)
		o.schedule(item, defaultSinkBackoff)
		return nil
	}

	applied := false
	item, err = storage.UpdateItem(ctx, o.store, res.ItemID, func(w *core.WorkItem) error {
		applied = false
		if !current(w, res.Stage) {
			return storage.ErrNoChange
		}
		applied = true
		w.Current++
		w.InputKey = res.PayloadKey
		w.LastError = ""
		w.LastErrorCategory = core.CategoryNone
		w.Status = core.StatusInProgress
		if w.Current == len(w.Stages) {
			w.Status = core.StatusFinalized
		}
		w.UpdatedAt = o.clock.Now()
		return nil
	})
	if err != nil {
		return notFoundOK(err)
	}
	if !applied {
		o.dropped(res, item)
		return nil
	}

	o.logger.Debug("stage complete", "item", item.ID, "stage", res.Stage, "index", item.Current, "cache_hit", res.CacheHit)
	o.bus.Publish(events.Event{
		Type:     events.TypeItemAdvanced,
		BatchID:  item.BatchID,
		ItemID:   item.ID,
		Stage:    res.Stage,
		Index:    item.Current,
		Status:   item.Status,
		CacheHit: res.CacheHit,
	})
	if item.Status == core.StatusFinalized {
		return o.terminal(ctx, item)
	}
	o.schedule(item, 0)
	return nil
}

// deliver hands the stage output to the sink, retrying transient failures.
func (o *Orchestrator) deliver(ctx context.Context, res core.StageResult) error {
	if res.PayloadKey == "" {
		return nil
	}
	return retry.WithBackoff(ctx, func() error {
		payload, _, err := storage.OpenPayload(ctx, o.store, res.PayloadKey)
		if err != nil {
			return retry.Stop(err)
		}
		defer payload.Close()
		return o.sink.Persist(ctx, res.ItemID, res.Stage, payload)
	}, o.sinkAttempts, o.sinkDelay)
}

func (o *Orchestrator) deferred(ctx context.Context, res core.StageResult) error {
	item, err := storage.LoadItem(ctx, o.store, res.ItemID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if !current(item, res.Stage) {
		o.dropped(res, item)
		return nil
	}
	o.enqueue(queue.Task{
		ItemID:   item.ID,
		Stage:    res.Stage,
		Priority: item.Priority,
		Kind:     queue.KindPoll,
		Handle:   res.Handle,
	}, res.Delay)
	return nil
}

func (o *Orchestrator) retryable(ctx context.Context, res core.StageResult) error {
	if !res.Executed {
		// rejected before running: breaker, lock or shutdown
		item, err := storage.LoadItem(ctx, o.store, res.ItemID)
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if !current(item, res.Stage) {
			o.dropped(res, item)
			return nil
		}
		o.schedule(item, res.Delay)
		return nil
	}

	maxAttempts := stage.DefaultMaxAttempts
	if def, ok := o.registry.Get(res.Stage); ok {
		maxAttempts = def.MaxAttempts
	}
	applied := false
	item, err := storage.UpdateItem(ctx, o.store, res.ItemID, func(w *core.WorkItem) error {
		applied = false
		if !current(w, res.Stage) {
			return storage.ErrNoChange
		}
		applied = true
		o.recordFailure(w, res)
		if w.Attempts[res.Stage] > maxAttempts {
			w.Status = core.StatusAborted
			w.LastError = fmt.Sprintf("attempts exhausted (%d): %s", maxAttempts, w.LastError)
		} else {
			w.Status = core.StatusStageFailed
		}
		return nil
	})
	if err != nil {
		return notFoundOK(err)
	}
	if !applied {
		o.dropped(res, item)
		return nil
	}
	if item.Status == core.StatusAborted {
		o.logger.Warn("item aborted after exhausting retries", "item", item.ID, "stage", res.Stage, "attempts", item.Attempts[res.Stage], "category", res.Category)
		return o.terminal(ctx, item)
	}
	o.logger.Info("stage failed, retrying", "item", item.ID, "stage", res.Stage, "attempt", item.Attempts[res.Stage], "delay", res.Delay, "category", res.Category)
	o.schedule(item, res.Delay)
	return nil
}

func (o *Orchestrator) permanent(ctx context.Context, res core.StageResult) error {
	applied := false
	item, err := storage.UpdateItem(ctx, o.store, res.ItemID, func(w *core.WorkItem) error {
		applied = false
		if !current(w, res.Stage) {
			return storage.ErrNoChange
		}
		applied = true
		if res.Executed {
			o.recordFailure(w, res)
		} else {
			w.LastError = errString(res.Err)
			w.LastErrorCategory = res.Category
			w.UpdatedAt = o.clock.Now()
		}
		w.Status = core.StatusAborted
		return nil
	})
	if err != nil {
		return notFoundOK(err)
	}
	if !applied {
		o.dropped(res, item)
		return nil
	}
	o.logger.Warn("item aborted on permanent failure", "item", item.ID, "stage", res.Stage, "category", res.Category, "err", res.Err)
	return o.terminal(ctx, item)
}

func (o *Orchestrator) recordFailure(w *core.WorkItem, res core.StageResult) {
	if w.Attempts == nil {
		w.Attempts = map[string]int{}
	}
	w.Attempts[res.Stage]++
	if res.Category == core.CategoryResourceExhaustion {
		if w.Downshift == nil {
			w.Downshift = map[string]int{}
		}
		w.Downshift[res.Stage]++
	}
	w.LastError = errString(res.Err)
	w.LastErrorCategory = res.Category
	w.UpdatedAt = o.clock.Now()
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func notFoundOK(err error) error {
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	return err
}

func (o *Orchestrator) dropped(res core.StageResult, item *core.WorkItem) {
	o.logger.Debug("dropping stale result", "item", res.ItemID, "stage", res.Stage, "outcome", res.Outcome.String(),
		"status", item.Status, "current", item.Stage())
}

// terminal reports a finalized or aborted item to its batch.
func (o *Orchestrator) terminal(ctx context.Context, item *core.WorkItem) error {
	o.metrics.ItemTerminal(string(item.Status))
	o.bus.Publish(events.Event{
		Type:    events.TypeItemTerminal,
		BatchID: item.BatchID,
		ItemID:  item.ID,
		Stage:   item.Stage(),
		Index:   item.Current,
		Status:  item.Status,
		Detail:  item.LastError,
	})
	if item.Status == core.StatusFinalized {
		o.logger.Info("item finalized", "item", item.ID, "batch", item.BatchID)
	}
	if item.BatchID == "" || o.notifier == nil {
		return nil
	}
	// batch reconciliation recounts the item if this is lost
	if err := o.notifier.ItemTerminal(ctx, item.BatchID, item.ID, item.Status); err != nil {
		o.logger.Error("failed to notify batch", "batch", item.BatchID, "item", item.ID, "err", err)
		return err
	}
	return nil
}

// Abort moves the item to aborted unless it already is terminal. Work in
// flight for the item notices at its next transition.
func (o *Orchestrator) Abort(ctx context.Context, itemID, reason string) (*core.WorkItem, error) {
	if reason == "" {
		reason = "aborted by request"
	}
	changed := false
	item, err := storage.UpdateItem(ctx, o.store, itemID, func(w *core.WorkItem) error {
		changed = false
		if w.Status.Terminal() {
			return storage.ErrNoChange
		}
		changed = true
		w.Status = core.StatusAborted
		w.LastError = reason
		w.LastErrorCategory = core.CategoryCanceled
		w.UpdatedAt = o.clock.Now()
		return nil
	})
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrItemNotFound, itemID)
	}
	if err != nil {
		return nil, err
	}
	if changed {
		o.logger.Info("item aborted", "item", itemID, "reason", reason)
		if err := o.terminal(ctx, item); err != nil {
			return item, err
		}
	}
	return item, nil
}

// Restart reruns an aborted or failed item from its current stage with
// fresh attempt counters.
func (o *Orchestrator) Restart(ctx context.Context, itemID string) (*core.WorkItem, error) {
	var previous core.ItemStatus
	item, err := storage.UpdateItem(ctx, o.store, itemID, func(w *core.WorkItem) error {
		previous = w.Status
		if w.Status != core.StatusAborted && w.Status != core.StatusStageFailed {
			return ErrNotRestartable
		}
		if w.Current < 0 {
			w.Current = 0
		}
		if w.Current >= len(w.Stages) {
			return ErrNotRestartable
		}
		w.Attempts = map[string]int{}
		w.Downshift = map[string]int{}
		w.LastError = ""
		w.LastErrorCategory = core.CategoryNone
		w.Status = core.StatusInProgress
		w.UpdatedAt = o.clock.Now()
		return nil
	})
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrItemNotFound, itemID)
	}
	if err != nil {
		return nil, err
	}
	o.logger.Info("item restarted", "item", itemID, "stage", item.Stage(), "previous", previous)
	if previous == core.StatusAborted && item.BatchID != "" && o.notifier != nil {
		if err := o.notifier.ItemRestarted(ctx, item.BatchID, item.ID); err != nil {
			return item, err
		}
	}
	o.schedule(item, 0)
	return item, nil
}

// Resume reschedules every unfinished item at its current stage. Items with
// a live async job get a poll task instead of a new execution. It returns
// the number of items scheduled.
func (o *Orchestrator) Resume(ctx context.Context) (int, error) {
	var pending []*core.WorkItem
	err := storage.ScanItems(ctx, o.store, func(item *core.WorkItem) error {
		if !item.Status.Terminal() {
			pending = append(pending, item)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	for _, item := range pending {
		if item.Status == core.StatusPending {
			if _, err := o.start(ctx, item.ID); err != nil {
				return 0, err
			}
			continue
		}
		job, err := storage.LoadJob(ctx, o.store, item.ID, item.Stage())
		switch {
		case err == nil && job.State.Live():
			o.enqueue(queue.Task{
				ItemID:   item.ID,
				Stage:    item.Stage(),
				Priority: item.Priority,
				Kind:     queue.KindPoll,
				Handle:   job.Handle,
			}, 0)
		case err == nil, errors.Is(err, storage.ErrNotFound):
			o.schedule(item, 0)
		default:
			return 0, err
		}
	}
	if len(pending) > 0 {
		o.logger.Info("resumed unfinished items", "count", len(pending))
	}
	return len(pending), nil
}

// Report is the externally visible state of an item.
type Report struct {
	ItemID            string          `json:"item_id"`
	Type              string          `json:"type,omitempty"`
	Status            core.ItemStatus `json:"status"`
	CurrentStageIndex int             `json:"current_stage_index"`
	CurrentStage      string          `json:"current_stage,omitempty"`
	Stages            []string        `json:"stages"`
	Attempts          map[string]int  `json:"attempts"`
	LastError         string          `json:"last_error,omitempty"`
	LastErrorCategory core.Category   `json:"last_error_category,omitempty"`
	Priority          core.Priority   `json:"priority"`
	BatchID           string          `json:"batch_id,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// Status returns the report for itemID.
func (o *Orchestrator) Status(ctx context.Context, itemID string) (*Report, error) {
	item, err := storage.LoadItem(ctx, o.store, itemID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrItemNotFound, itemID)
	}
	if err != nil {
		return nil, err
	}
	return &Report{
		ItemID:            item.ID,
		Type:              item.Type,
		Status:            item.Status,
		CurrentStageIndex: item.Current,
		CurrentStage:      item.Stage(),
		Stages:            item.Stages,
		Attempts:          item.Attempts,
		LastError:         item.LastError,
		LastErrorCategory: item.LastErrorCategory,
		Priority:          item.Priority,
		BatchID:           item.BatchID,
		CreatedAt:         item.CreatedAt,
		UpdatedAt:         item.UpdatedAt,
	}, nil
}
