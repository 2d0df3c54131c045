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

// Package batch groups work items submitted together and tracks their
// aggregate progress.
//
// Each item is counted once when it reaches a terminal status. A set-once
// marker per item guards the atomic counters, so duplicate notifications
// are harmless. Reported per-status counts are read from the items
// themselves and are eventually consistent.
package batch

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
	"github.com/poiesic/stagehand/orchestrator"
	"github.com/poiesic/stagehand/storage"
)

// statusTerminal is the counter of all items that reached a terminal status.
const statusTerminal core.ItemStatus = "terminal"

// Coordinator creates batches and aggregates their progress.
type Coordinator struct {
	store  storage.StateStore
	orch   *orchestrator.Orchestrator
	bus    *events.Bus
	clock  core.Clock
	logger *slog.Logger
}

var _ orchestrator.Notifier = (*Coordinator)(nil)

// Option configures a Coordinator.
type Option func(*Coordinator) error

// WithEvents publishes batch completion on bus.
func WithEvents(bus *events.Bus) Option {
	return func(c *Coordinator) error {
		c.bus = bus
		return nil
	}
}

// WithClock sets the time source.
func WithClock(clock core.Clock) Option {
	return func(c *Coordinator) error {
		c.clock = clock
		return nil
	}
}

// WithLogger sets a custom logger.
// Default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) error {
		if logger == nil {
			logger = slog.Default()
		}
		c.logger = logger
		return nil
	}
}

// New creates a Coordinator. The caller attaches it to orch with
// SetNotifier.
func New(store storage.StateStore, orch *orchestrator.Orchestrator, opts ...Option) (*Coordinator, error) {
	if store == nil {
		return nil, ErrStoreRequired
	}
	if orch == nil {
		return nil, ErrOrchestratorRequired
	}
	c := &Coordinator{
		store:  store,
		orch:   orch,
		clock:  core.SystemClock{},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	c.logger = c.logger.With("component", "batch")
	return c, nil
}

// ItemSpec describes one item of a batch.
type ItemSpec struct {
	ItemID string
	Type   string
	Stages []string
	Input  io.Reader
}

// SubmitBatch validates every item, then creates the batch and submits its
// items at priority. Nothing is created when any item is invalid.
func (c *Coordinator) SubmitBatch(ctx context.Context, items []ItemSpec, priority core.Priority) (string, error) {
	if len(items) == 0 {
		return "", core.Validation(ErrEmptyBatch)
	}
	if !priority.Valid() {
		return "", core.Validation(core.ErrInvalidPriority)
	}

	reqs := make([]orchestrator.SubmitRequest, len(items))
	seen := make(map[string]struct{}, len(items))
	for i, spec := range items {
		req := orchestrator.SubmitRequest{
			ItemID:   spec.ItemID,
			Type:     spec.Type,
			Stages:   spec.Stages,
			Priority: priority,
			Input:    spec.Input,
		}
		if err := c.orch.Prepare(&req); err != nil {
			return "", fmt.Errorf("item %d: %w", i, err)
		}
		if _, dup := seen[req.ItemID]; dup {
			return "", core.Validation(fmt.Errorf("%w: %s", ErrDuplicateItem, req.ItemID))
		}
		seen[req.ItemID] = struct{}{}

		_, err := storage.LoadItem(ctx, c.store, req.ItemID)
		if err == nil {
			return "", fmt.Errorf("%w: %s", orchestrator.ErrItemExists, req.ItemID)
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return "", err
		}
		reqs[i] = req
	}

	batch := &core.BatchJob{
		ID:        uuid.NewString(),
		Priority:  priority,
		ItemIDs:   make([]string, len(reqs)),
		CreatedAt: c.clock.Now(),
	}
	for i, req := range reqs {
		batch.ItemIDs[i] = req.ItemID
		reqs[i].BatchID = batch.ID
	}
	if err := storage.SaveBatch(ctx, c.store, batch); err != nil {
		return "", err
	}
	c.logger.Info("batch created", "batch", batch.ID, "items", len(reqs), "priority", priority.String())

	for i, req := range reqs {
		if _, err := c.orch.Submit(ctx, req); err != nil {
			c.logger.Error("failed to submit batch item", "batch", batch.ID, "item", req.ItemID, "err", err)
			c.settleUnsubmitted(ctx, batch, batch.ItemIDs[i:], err)
			return batch.ID, fmt.Errorf("batch %s item %s: %w", batch.ID, req.ItemID, err)
		}
	}
	return batch.ID, nil
}

// settleUnsubmitted records the items left over by a failed submission as
// aborted so the batch can still complete. What it cannot settle now is
// left to Reconcile.
func (c *Coordinator) settleUnsubmitted(ctx context.Context, batch *core.BatchJob, ids []string, cause error) {
	ctx = context.WithoutCancel(ctx)
	reason := fmt.Sprintf("batch submission failed: %v", cause)
	settled := 0
	for _, id := range ids {
		n, err := c.reconcileItem(ctx, batch, id, reason)
		if err != nil {
			c.logger.Warn("failed to settle unsubmitted batch items", "batch", batch.ID, "item", id, "err", err)
			return
		}
		settled += n
	}
	if err := c.checkComplete(ctx, batch.ID); err != nil {
		c.logger.Warn("failed to complete batch", "batch", batch.ID, "err", err)
		return
	}
	c.logger.Info("settled unsubmitted batch items", "batch", batch.ID, "items", settled)
}

// ItemTerminal counts itemID toward its batch once.
func (c *Coordinator) ItemTerminal(ctx context.Context, batchID, itemID string, status core.ItemStatus) error {
	counted, err := c.count(ctx, batchID, itemID, status)
	if err != nil || !counted {
		return err
	}
	return c.checkComplete(ctx, batchID)
}

// count sets the item's marker and bumps the counters. It reports false when
// the item was counted before.
func (c *Coordinator) count(ctx context.Context, batchID, itemID string, status core.ItemStatus) (bool, error) {
	marked := false
	_, err := c.store.Update(ctx, storage.BatchDoneKey(batchID, itemID), 0, func(_ []byte, found bool) ([]byte, error) {
		marked = false
		if found {
			return nil, storage.ErrNoChange
		}
		marked = true
		return []byte(status), nil
	})
	if err != nil || !marked {
		return false, err
	}
	if _, err := c.store.Increment(ctx, storage.BatchCounterKey(batchID, status), 1); err != nil {
		return true, err
	}
	if _, err := c.store.Increment(ctx, storage.BatchCounterKey(batchID, statusTerminal), 1); err != nil {
		return true, err
	}
	c.logger.Debug("item counted", "batch", batchID, "item", itemID, "status", status)
	return true, nil
}

func (c *Coordinator) counter(ctx context.Context, batchID string, status core.ItemStatus) (int, error) {
	data, err := c.store.Get(ctx, storage.BatchCounterKey(batchID, status))
	if errors.Is(err, storage.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	v, err := storage.UnmarshalInt64(data)
	return int(v), err
}

// checkComplete marks the batch complete once every item was counted. Only
// the caller that sets the completion time publishes the event.
func (c *Coordinator) checkComplete(ctx context.Context, batchID string) error {
	terminal, err := c.counter(ctx, batchID, statusTerminal)
	if err != nil {
		return err
	}
	completed := false
	batch, err := storage.UpdateBatch(ctx, c.store, batchID, func(b *core.BatchJob) error {
		completed = false
		if b.Complete() || terminal < len(b.ItemIDs) {
			return storage.ErrNoChange
		}
		completed = true
		b.CompletedAt = c.clock.Now()
		return nil
	})
	if errors.Is(err, storage.ErrNotFound) {
		c.logger.Warn("terminal item references unknown batch", "batch", batchID)
		return nil
	}
	if err != nil || !completed {
		return err
	}
	c.logger.Info("batch complete", "batch", batchID, "items", len(batch.ItemIDs))
	c.bus.Publish(events.Event{
		Type:    events.TypeBatchComplete,
		BatchID: batchID,
		Time:    batch.CompletedAt,
	})
	return nil
}

// ItemRestarted withdraws an item's terminal count so it is counted again
// when it settles.
func (c *Coordinator) ItemRestarted(ctx context.Context, batchID, itemID string) error {
	var previous core.ItemStatus
	_, err := c.store.Update(ctx, storage.BatchDoneKey(batchID, itemID), 0, func(current []byte, found bool) ([]byte, error) {
		previous = ""
		if !found {
			return nil, storage.ErrNoChange
		}
		previous = core.ItemStatus(current)
		return nil, nil
	})
	if err != nil || previous == "" {
		return err
	}
	if _, err := c.store.Increment(ctx, storage.BatchCounterKey(batchID, previous), -1); err != nil {
		return err
	}
	if _, err := c.store.Increment(ctx, storage.BatchCounterKey(batchID, statusTerminal), -1); err != nil {
		return err
	}
	_, err = storage.UpdateBatch(ctx, c.store, batchID, func(b *core.BatchJob) error {
		if !b.Complete() {
			return storage.ErrNoChange
		}
		b.CompletedAt = time.Time{}
		return nil
	})
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	return err
}

// Progress is the aggregate state of a batch.
type Progress struct {
	BatchID  string                  `json:"batch_id"`
	Priority core.Priority           `json:"priority"`
	Total    int                     `json:"total"`
	Counts   map[core.ItemStatus]int `json:"counts"`
	// Terminal is the number of items counted as finalized or aborted.
	Terminal    int       `json:"terminal"`
	Complete    bool      `json:"complete"`
	CreatedAt   time.Time `json:"created_at"`
	CompletedAt time.Time `json:"completed_at,omitzero"`
}

// Done returns the number of items in a terminal status.
func (p *Progress) Done() int {
	return p.Counts[core.StatusFinalized] + p.Counts[core.StatusAborted]
}

// GetProgress returns per-status counts for batchID. Items that were never
// created are reported as pending until Reconcile settles them.
func (c *Coordinator) GetProgress(ctx context.Context, batchID string) (*Progress, error) {
	batch, err := c.load(ctx, batchID)
	if err != nil {
		return nil, err
	}
	p := &Progress{
		BatchID:     batch.ID,
		Priority:    batch.Priority,
		Total:       len(batch.ItemIDs),
		Counts:      make(map[core.ItemStatus]int, len(core.AllStatuses)),
		Complete:    batch.Complete(),
		CreatedAt:   batch.CreatedAt,
		CompletedAt: batch.CompletedAt,
	}
	for _, status := range core.AllStatuses {
		p.Counts[status] = 0
	}
	for _, id := range batch.ItemIDs {
		item, err := storage.LoadItem(ctx, c.store, id)
		switch {
		case errors.Is(err, storage.ErrNotFound):
			p.Counts[core.StatusPending]++
		case err != nil:
			return nil, err
		default:
			p.Counts[item.Status]++
		}
	}
	if p.Terminal, err = c.counter(ctx, batchID, statusTerminal); err != nil {
		return nil, err
	}
	return p, nil
}

func (c *Coordinator) load(ctx context.Context, batchID string) (*core.BatchJob, error) {
	batch, err := storage.LoadBatch(ctx, c.store, batchID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrBatchNotFound, batchID)
	}
	return batch, err
}

// AbortBatch aborts every item of the batch that is not yet terminal and
// returns how many it aborted.
func (c *Coordinator) AbortBatch(ctx context.Context, batchID string) (int, error) {
	batch, err := c.load(ctx, batchID)
	if err != nil {
		return 0, err
	}
	aborted := 0
	for _, id := range batch.ItemIDs {
		item, err := storage.LoadItem(ctx, c.store, id)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return aborted, err
		}
		if item.Status.Terminal() {
			continue
		}
		if _, err := c.orch.Abort(ctx, id, "batch aborted"); err != nil {
			return aborted, err
		}
		aborted++
	}
	c.logger.Info("batch aborted", "batch", batchID, "aborted", aborted)
	return aborted, nil
}

// Reconcile settles incomplete batches after a restart. Terminal items whose
// notification was lost are counted, items that were never created are
// recorded as aborted, and counters are rebuilt from the markers. It must
// run before workers start and returns the number of items it settled.
func (c *Coordinator) Reconcile(ctx context.Context) (int, error) {
	var open []*core.BatchJob
	err := storage.ScanBatches(ctx, c.store, func(b *core.BatchJob) error {
		if !b.Complete() {
			open = append(open, b)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	settled := 0
	for _, batch := range open {
		if err := c.rebuildCounters(ctx, batch.ID); err != nil {
			return settled, err
		}
		for _, id := range batch.ItemIDs {
			n, err := c.reconcileItem(ctx, batch, id, lostItemReason)
			if err != nil {
				return settled, err
			}
			settled += n
		}
		if err := c.checkComplete(ctx, batch.ID); err != nil {
			return settled, err
		}
	}
	if settled > 0 {
		c.logger.Info("reconciled batch items", "batches", len(open), "items", settled)
	}
	return settled, nil
}

const lostItemReason = "item was not created during batch submission"

// reconcileItem counts a terminal item toward its batch. An item that was
// never created is recorded as aborted with reason.
func (c *Coordinator) reconcileItem(ctx context.Context, batch *core.BatchJob, id, reason string) (int, error) {
	item, err := storage.LoadItem(ctx, c.store, id)
	if errors.Is(err, storage.ErrNotFound) {
		now := c.clock.Now()
		lost := &core.WorkItem{
			ID:        id,
			Stages:    []string{"unknown"},
			Current:   -1,
			Status:    core.StatusAborted,
			Priority:  batch.Priority,
			BatchID:   batch.ID,
			LastError: reason,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := storage.CreateItem(ctx, c.store, lost); err != nil && !errors.Is(err, storage.ErrDuplicateKey) {
			return 0, err
		}
		c.logger.Warn("recording lost batch item as aborted", "batch", batch.ID, "item", id)
		item = lost
	} else if err != nil {
		return 0, err
	}
	if !item.Status.Terminal() {
		return 0, nil
	}
	counted, err := c.count(ctx, batch.ID, id, item.Status)
	if err != nil || !counted {
		return 0, err
	}
	return 1, nil
}

// rebuildCounters recomputes the counters of batchID from its markers,
// repairing increments lost between a marker write and a crash.
func (c *Coordinator) rebuildCounters(ctx context.Context, batchID string) error {
	counts := map[core.ItemStatus]int64{}
	err := c.store.Scan(ctx, storage.BatchDoneScanPrefix(batchID), func(_ string, value []byte) error {
		counts[core.ItemStatus(value)]++
		counts[statusTerminal]++
		return nil
	})
	if err != nil {
		return err
	}
	for _, status := range []core.ItemStatus{core.StatusFinalized, core.StatusAborted, statusTerminal} {
		key := storage.BatchCounterKey(batchID, status)
		if err := c.store.Set(ctx, key, storage.MarshalInt64(counts[status]), 0); err != nil {
			return err
		}
	}
	return nil
}
