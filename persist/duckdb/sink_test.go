package duckdb

import (
	"bytes"
	"context"
	"database/sql"
	"path/filepath"
	"strings"
	"testing"

	"github.com/poiesic/stagehand/metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupSink(t *testing.T, opts ...Option) *Sink {
	t.Helper()
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "results.duckdb"), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSink_PersistAndRedeliver(t *testing.T) {
	s := setupSink(t)
	ctx := context.Background()

	require.NoError(t, s.Persist(ctx, "doc-1", "parse", strings.NewReader("first")))
	require.NoError(t, s.Persist(ctx, "doc-1", "parse", strings.NewReader("second")))

	row, err := s.Get(ctx, "doc-1", "parse")
	require.NoError(t, err)
	assert.Equal(t, "second", string(row.Payload))
	assert.Equal(t, int64(6), row.Size)
	assert.Equal(t, 2, row.Deliveries)
	assert.False(t, row.Oversized)
	assert.False(t, row.PersistedAt.IsZero())

	_, err = s.Get(ctx, "doc-1", "index")
	assert.ErrorIs(t, err, sql.ErrNoRows)
}

func TestSink_OversizedPayload(t *testing.T) {
	s := setupSink(t, WithMaxPayload(8))
	ctx := context.Background()

	require.NoError(t, s.Persist(ctx, "doc-1", "ocr", bytes.NewReader(make([]byte, 20))))
	row, err := s.Get(ctx, "doc-1", "ocr")
	require.NoError(t, err)
	assert.True(t, row.Oversized)
	assert.Nil(t, row.Payload)
	assert.Equal(t, int64(20), row.Size)
}

func TestSink_Metrics(t *testing.T) {
	m := metrics.New()
	s := setupSink(t, WithMetrics(m))
	require.NoError(t, s.Persist(context.Background(), "doc-1", "parse", strings.NewReader("x")))

	families, err := m.Registry().Gather()
	require.NoError(t, err)
	found := false
	for _, mf := range families {
		if strings.HasPrefix(mf.GetName(), "go_sql_") {
			found = true
		}
	}
	assert.True(t, found, "db stats collector registered")
}

func TestSink_Closed(t *testing.T) {
	s := setupSink(t)
	require.NoError(t, s.Close())
	assert.ErrorIs(t, s.Persist(context.Background(), "doc-1", "parse", strings.NewReader("x")), ErrClosed)
}
