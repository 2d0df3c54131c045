package storage

import (
	"fmt"

	"github.com/poiesic/stagehand/core"
)

// Key prefixes for different data types
const (
	ItemPrefix      = "item:"
	BatchPrefix     = "batch:"
	BatchDonePrefix = "batchdone:"
	CachePrefix     = "cache:"
	BreakerPrefix   = "breaker:"
	LockPrefix      = "lock:"
	JobPrefix       = "job:"
	CounterPrefix   = "count:"
	PayloadPrefix   = "payload:"
)

// ItemKey is the key of a WorkItem.
func ItemKey(itemID string) string {
	return ItemPrefix + itemID
}

// BatchKey is the key of a BatchJob.
func BatchKey(batchID string) string {
	return BatchPrefix + batchID
}

// BatchDoneKey marks an item as counted toward its batch.
// Format: prefix:batchID:itemID
func BatchDoneKey(batchID, itemID string) string {
	return fmt.Sprintf("%s%s:%s", BatchDonePrefix, batchID, itemID)
}

// BatchDoneScanPrefix covers every marker of one batch.
func BatchDoneScanPrefix(batchID string) string {
	return BatchDonePrefix + batchID + ":"
}

// BatchCounterKey is the counter of items of a batch that reached status.
// The pseudo-status "terminal" counts all of them.
func BatchCounterKey(batchID string, status core.ItemStatus) string {
	return fmt.Sprintf("%s%s:%s", CounterPrefix, batchID, status)
}

// CacheKey is the store key of a cached stage output.
func CacheKey(cacheKey string) string {
	return CachePrefix + cacheKey
}

// BreakerKey is the store key of a circuit breaker record.
func BreakerKey(scope string) string {
	return BreakerPrefix + scope
}

// StageLockKey is the per-item lock guarding one stage execution.
// Format: prefix:itemID:stage
func StageLockKey(itemID, stage string) string {
	return fmt.Sprintf("%s%s:%s", LockPrefix, itemID, stage)
}

// JobKey is the live async job record of an (item, stage) pair.
// Format: prefix:itemID:stage
func JobKey(itemID, stage string) string {
	return fmt.Sprintf("%s%s:%s", JobPrefix, itemID, stage)
}

// PayloadKey is the manifest key of a stored payload.
func PayloadKey(name string) string {
	return PayloadPrefix + name
}

// payloadChunkKey is the key of chunk n of the payload whose manifest is at key.
// Format: manifest#n
func payloadChunkKey(manifestKey string, n int) string {
	return fmt.Sprintf("%s#%08d", manifestKey, n)
}
