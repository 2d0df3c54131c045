package core

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCacheKey(t *testing.T) {
	tests := []struct {
		name     string
		a, b     [3]string
		wantSame bool
	}{
		{
			name:     "same inputs produce same key",
			a:        [3]string{"doc-1", "ocr", "abc"},
			b:        [3]string{"doc-1", "ocr", "abc"},
			wantSame: true,
		},
		{
			name:     "different fingerprint",
			a:        [3]string{"doc-1", "ocr", "abc"},
			b:        [3]string{"doc-1", "ocr", "abd"},
			wantSame: false,
		},
		{
			name:     "boundaries are not ambiguous",
			a:        [3]string{"doc-1", "ocr", ""},
			b:        [3]string{"doc-1o", "cr", ""},
			wantSame: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			k1 := CacheKey(tt.a[0], tt.a[1], tt.a[2])
			k2 := CacheKey(tt.b[0], tt.b[1], tt.b[2])
			assert.Equal(t, tt.wantSame, k1 == k2)
			assert.Len(t, k1, 32)
		})
	}
}

func TestItemStatusTerminal(t *testing.T) {
	assert.False(t, StatusPending.Terminal())
	assert.False(t, StatusInProgress.Terminal())
	assert.False(t, StatusStageFailed.Terminal())
	assert.True(t, StatusFinalized.Terminal())
	assert.True(t, StatusAborted.Terminal())
	assert.False(t, ItemStatus("bogus").Valid())
}

func TestParsePriority(t *testing.T) {
	for _, p := range Priorities {
		parsed, err := ParsePriority(p.String())
		require.NoError(t, err)
		assert.Equal(t, p, parsed)
	}

	p, err := ParsePriority("")
	require.NoError(t, err)
	assert.Equal(t, PriorityNormal, p)

	_, err = ParsePriority("urgent")
	assert.ErrorIs(t, err, ErrInvalidPriority)
}

func TestWorkItemStage(t *testing.T) {
	item := &WorkItem{Stages: []string{"A", "B"}, Current: -1}
	assert.Equal(t, "", item.Stage())
	item.Current = 1
	assert.Equal(t, "B", item.Stage())
	item.Current = 2
	assert.Equal(t, "", item.Stage())
}

func TestWorkItemClone(t *testing.T) {
	item := &WorkItem{Stages: []string{"A"}, Attempts: map[string]int{"A": 1}}
	c := item.Clone()
	c.Attempts["A"] = 5
	c.Stages[0] = "Z"
	assert.Equal(t, 1, item.Attempts["A"])
	assert.Equal(t, "A", item.Stages[0])
}

func TestBreakerRecordOpen(t *testing.T) {
	now := time.Now()
	rec := &BreakerRecord{Cooldown: time.Minute}
	assert.False(t, rec.Open(now))
	rec.OpenedAt = now.Add(-30 * time.Second)
	assert.True(t, rec.Open(now))
	rec.OpenedAt = now.Add(-2 * time.Minute)
	assert.False(t, rec.Open(now))
}

func TestCategoryOf(t *testing.T) {
	base := errors.New("boom")
	tests := []struct {
		name string
		err  error
		want Category
	}{
		{"nil", nil, CategoryNone},
		{"validation", Validation(base), CategoryValidation},
		{"wrapped validation", fmt.Errorf("stage A: %w", Validation(base)), CategoryValidation},
		{"transient", Transient(base), CategoryTransientIO},
		{"rate limit", RateLimited(base, time.Second), CategoryRateLimit},
		{"exhausted", Exhausted(base), CategoryResourceExhaustion},
		{"job failure with cause", ExternalFailure("j1", Validation(base)), CategoryValidation},
		{"job failure without cause", ExternalFailure("j1", base), CategoryExternalJob},
		{"canceled", context.Canceled, CategoryCanceled},
		{"deadline", context.DeadlineExceeded, CategoryTransientIO},
		{"unknown", base, CategoryTransientIO},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CategoryOf(tt.err))
		})
	}
}
