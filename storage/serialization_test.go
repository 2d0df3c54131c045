package storage

import (
	"testing"
	"time"

	"github.com/poiesic/stagehand/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalUnmarshalWorkItem(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Microsecond)

	tests := []struct {
		name string
		item *core.WorkItem
	}{
		{
			name: "fresh item",
			item: &core.WorkItem{
				ID:        "doc-1",
				Type:      "document",
				Stages:    []string{"extract", "embed"},
				Current:   -1,
				Attempts:  map[string]int{},
				Downshift: map[string]int{},
				Status:    core.StatusPending,
				Priority:  core.PriorityNormal,
				InputKey:  "in:doc-1",
				CreatedAt: now,
				UpdatedAt: now,
			},
		},
		{
			name: "failed item in a batch",
			item: &core.WorkItem{
				ID:                "doc-2",
				Stages:            []string{"a", "b", "c"},
				Current:           1,
				Attempts:          map[string]int{"a": 1, "b": 3},
				Downshift:         map[string]int{"b": 2},
				Status:            core.StatusStageFailed,
				Priority:          core.PriorityHigh,
				BatchID:           "batch-1",
				InputKey:          "out:abc",
				LastError:         "connection reset",
				LastErrorCategory: core.CategoryTransientIO,
				CreatedAt:         now.Add(-time.Hour),
				UpdatedAt:         now,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := MarshalWorkItem(tt.item)
			require.NotEmpty(t, data)

			decoded, err := UnmarshalWorkItem(data)
			require.NoError(t, err)
			assert.Equal(t, tt.item, decoded)
		})
	}
}

func TestMarshalWorkItem_Deterministic(t *testing.T) {
	item := &core.WorkItem{
		ID:       "doc-1",
		Stages:   []string{"a"},
		Attempts: map[string]int{"x": 1, "y": 2, "z": 3},
	}
	first := MarshalWorkItem(item)
	for range 10 {
		assert.Equal(t, first, MarshalWorkItem(item))
	}
}

func TestUnmarshal_Invalid(t *testing.T) {
	item := MarshalWorkItem(&core.WorkItem{ID: "doc-1", Stages: []string{"a", "b"}})

	tests := []struct {
		name string
		data []byte
	}{
		{"empty data", []byte{}},
		{"unknown version", append([]byte{99}, item[1:]...)},
		{"truncated", item[:len(item)/2]},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := UnmarshalWorkItem(tt.data)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrSerializationFailed)
		})
	}
}

func TestMarshalUnmarshalRecords(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Microsecond)

	t.Run("async job", func(t *testing.T) {
		job := &core.AsyncJob{
			Handle:       "job-42",
			ItemID:       "doc-1",
			Stage:        "transcode",
			Fingerprint:  "abc123",
			State:        core.JobPolling,
			SubmittedAt:  now,
			LastPolledAt: now.Add(5 * time.Second),
			PollBackoff:  10 * time.Second,
			Polls:        2,
		}
		decoded, err := UnmarshalAsyncJob(MarshalAsyncJob(job))
		require.NoError(t, err)
		assert.Equal(t, job, decoded)
	})

	t.Run("breaker record", func(t *testing.T) {
		rec := &core.BreakerRecord{
			ConsecutiveFailures: 3,
			OpenedAt:            now,
			Cooldown:            time.Minute,
		}
		decoded, err := UnmarshalBreakerRecord(MarshalBreakerRecord(rec))
		require.NoError(t, err)
		assert.Equal(t, rec, decoded)
		assert.True(t, decoded.TrialUntil.IsZero())
	})

	t.Run("batch job", func(t *testing.T) {
		batch := &core.BatchJob{
			ID:        "batch-1",
			Priority:  core.PriorityLow,
			ItemIDs:   []string{"a", "b"},
			CreatedAt: now,
		}
		decoded, err := UnmarshalBatchJob(MarshalBatchJob(batch))
		require.NoError(t, err)
		assert.Equal(t, batch, decoded)
		assert.False(t, decoded.Complete())
	})

	t.Run("stage output", func(t *testing.T) {
		out := &core.StageOutput{
			ItemID:      "doc-1",
			Stage:       "extract",
			CacheKey:    "ck",
			PayloadKey:  "out:ck",
			CompletedAt: now,
		}
		decoded, err := UnmarshalStageOutput(MarshalStageOutput(out))
		require.NoError(t, err)
		assert.Equal(t, out, decoded)
	})

	t.Run("manifest", func(t *testing.T) {
		m := &Manifest{Chunks: 3, Size: 1 << 20, ChunkSize: DefaultChunkSize, Digest: "ff", Complete: true}
		decoded, err := UnmarshalManifest(MarshalManifest(m))
		require.NoError(t, err)
		assert.Equal(t, m, decoded)
	})
}

func TestMarshalUnmarshalInt64(t *testing.T) {
	for _, v := range []int64{0, 1, -1, 1 << 40, -(1 << 40)} {
		decoded, err := UnmarshalInt64(MarshalInt64(v))
		require.NoError(t, err)
		assert.Equal(t, v, decoded)
	}

	_, err := UnmarshalInt64(nil)
	assert.Error(t, err)
}
