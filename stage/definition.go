package stage

import (
	"fmt"
	"time"

	"github.com/poiesic/stagehand/asyncjob"
	"github.com/poiesic/stagehand/core"
	"github.com/poiesic/stagehand/storage"
)

const (
	DefaultTimeout     = 5 * time.Minute
	DefaultCacheTTL    = 24 * time.Hour
	DefaultMaxAttempts = 3
	minChunkSize       = 4 << 10
)

// FingerprintFunc derives the input fingerprint of a stage run. upstream is
// nil when the item has no input payload.
type FingerprintFunc func(item *core.WorkItem, stage string, upstream *storage.Manifest) string

// DefaultFingerprint hashes the item type, the stage name and the digest of
// the upstream payload.
func DefaultFingerprint(item *core.WorkItem, stage string, upstream *storage.Manifest) string {
	digest := ""
	if upstream != nil {
		digest = upstream.Digest
	}
	return core.Fingerprint(item.Type, stage, digest)
}

// Definition describes one stage.
type Definition struct {
	Name string
	// Exactly one of Logic and Provider is set.
	Logic    Logic
	Provider asyncjob.Provider
	// Timeout bounds one in-process execution or one provider call.
	Timeout  time.Duration
	CacheTTL time.Duration
	// BreakerScope names the failure domain shared by all items, such as an
	// external service. Empty means each item has its own breaker.
	BreakerScope string
	MaxAttempts  int
	// ChunkSize is the base read size offered to the stage.
	ChunkSize   int
	Fingerprint FingerprintFunc
}

// Async reports whether the stage runs through an external provider.
func (d *Definition) Async() bool {
	return d.Provider != nil
}

// Validate checks the definition and fills defaults.
func (d *Definition) Validate() error {
	if err := core.ValidateStageSequence([]string{d.Name}); err != nil {
		return err
	}
	if (d.Logic == nil) == (d.Provider == nil) {
		return fmt.Errorf("stage %q: %w", d.Name, ErrNoLogic)
	}
	if d.Timeout <= 0 {
		d.Timeout = DefaultTimeout
	}
	if d.CacheTTL <= 0 {
		d.CacheTTL = DefaultCacheTTL
	}
	if d.MaxAttempts <= 0 {
		d.MaxAttempts = DefaultMaxAttempts
	}
	if d.ChunkSize <= 0 {
		d.ChunkSize = storage.DefaultChunkSize
	}
	if d.Fingerprint == nil {
		d.Fingerprint = DefaultFingerprint
	}
	return nil
}

// BreakerKey returns the circuit breaker key for itemID.
func (d *Definition) BreakerKey(itemID string) string {
	if d.BreakerScope != "" {
		return d.BreakerScope
	}
	return itemID
}

// chunkSize halves the base chunk size once per downshift level.
func (d *Definition) chunkSize(downshift int) int {
	size := d.ChunkSize
	for range downshift {
		if size/2 < minChunkSize {
			return minChunkSize
		}
		size /= 2
	}
	return size
}
