package storage

import (
	"context"
	"errors"
	"time"

	"github.com/poiesic/stagehand/core"
)

// LoadItem returns the WorkItem stored under id, or ErrNotFound.
func LoadItem(ctx context.Context, store StateStore, id string) (*core.WorkItem, error) {
	data, err := store.Get(ctx, ItemKey(id))
	if err != nil {
		return nil, err
	}
	return UnmarshalWorkItem(data)
}

// CreateItem stores item if no item with the same ID exists. It returns
// ErrDuplicateKey otherwise.
func CreateItem(ctx context.Context, store StateStore, item *core.WorkItem) error {
	_, err := store.Update(ctx, ItemKey(item.ID), 0, func(_ []byte, found bool) ([]byte, error) {
		if found {
			return nil, ErrDuplicateKey
		}
		return MarshalWorkItem(item), nil
	})
	return err
}

// UpdateItem atomically applies fn to the stored item and writes the result.
// fn may return ErrNoChange to leave the item untouched; the returned item is
// then the stored one. Other errors from fn are returned unchanged.
func UpdateItem(ctx context.Context, store StateStore, id string, fn func(item *core.WorkItem) error) (*core.WorkItem, error) {
	var updated *core.WorkItem
	_, err := store.Update(ctx, ItemKey(id), 0, func(current []byte, found bool) ([]byte, error) {
		if !found {
			return nil, ErrNotFound
		}
		item, err := UnmarshalWorkItem(current)
		if err != nil {
			return nil, err
		}
		if err := fn(item); err != nil {
			if errors.Is(err, ErrNoChange) {
				updated = item
			}
			return nil, err
		}
		updated = item
		return MarshalWorkItem(item), nil
	})
	if err != nil && !errors.Is(err, ErrNoChange) {
		return nil, err
	}
	return updated, nil
}

// ScanItems calls fn for every stored WorkItem.
func ScanItems(ctx context.Context, store StateStore, fn func(item *core.WorkItem) error) error {
	return store.Scan(ctx, ItemPrefix, func(_ string, value []byte) error {
		item, err := UnmarshalWorkItem(value)
		if err != nil {
			return err
		}
		return fn(item)
	})
}

// LoadBatch returns the BatchJob stored under id, or ErrNotFound.
func LoadBatch(ctx context.Context, store StateStore, id string) (*core.BatchJob, error) {
	data, err := store.Get(ctx, BatchKey(id))
	if err != nil {
		return nil, err
	}
	return UnmarshalBatchJob(data)
}

// SaveBatch writes batch unconditionally.
func SaveBatch(ctx context.Context, store StateStore, batch *core.BatchJob) error {
	return store.Set(ctx, BatchKey(batch.ID), MarshalBatchJob(batch), 0)
}

// UpdateBatch atomically applies fn to the stored batch, with the same
// ErrNoChange convention as UpdateItem.
func UpdateBatch(ctx context.Context, store StateStore, id string, fn func(batch *core.BatchJob) error) (*core.BatchJob, error) {
	var updated *core.BatchJob
	_, err := store.Update(ctx, BatchKey(id), 0, func(current []byte, found bool) ([]byte, error) {
		if !found {
			return nil, ErrNotFound
		}
		batch, err := UnmarshalBatchJob(current)
		if err != nil {
			return nil, err
		}
		if err := fn(batch); err != nil {
			if errors.Is(err, ErrNoChange) {
				updated = batch
			}
			return nil, err
		}
		updated = batch
		return MarshalBatchJob(batch), nil
	})
	if err != nil && !errors.Is(err, ErrNoChange) {
		return nil, err
	}
	return updated, nil
}

// ScanBatches calls fn for every stored BatchJob.
func ScanBatches(ctx context.Context, store StateStore, fn func(batch *core.BatchJob) error) error {
	return store.Scan(ctx, BatchPrefix, func(_ string, value []byte) error {
		batch, err := UnmarshalBatchJob(value)
		if err != nil {
			return err
		}
		return fn(batch)
	})
}

// LoadStageOutput returns the cached output for cacheKey, or ErrNotFound.
func LoadStageOutput(ctx context.Context, store StateStore, cacheKey string) (*core.StageOutput, error) {
	data, err := store.Get(ctx, CacheKey(cacheKey))
	if err != nil {
		return nil, err
	}
	return UnmarshalStageOutput(data)
}

// SaveStageOutput caches out under its cache key for ttl.
func SaveStageOutput(ctx context.Context, store StateStore, out *core.StageOutput, ttl time.Duration) error {
	return store.Set(ctx, CacheKey(out.CacheKey), MarshalStageOutput(out), ttl)
}

// LoadJob returns the async job record of an (item, stage) pair.
func LoadJob(ctx context.Context, store StateStore, itemID, stage string) (*core.AsyncJob, error) {
	data, err := store.Get(ctx, JobKey(itemID, stage))
	if err != nil {
		return nil, err
	}
	return UnmarshalAsyncJob(data)
}
