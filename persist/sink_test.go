package persist

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemory_OverwritesOnRedelivery(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	require.NoError(t, m.Persist(ctx, "doc-1", "parse", strings.NewReader("v1")))
	require.NoError(t, m.Persist(ctx, "doc-1", "parse", strings.NewReader("v2")))
	require.NoError(t, m.Persist(ctx, "doc-1", "index", strings.NewReader("i")))

	data, ok := m.Get("doc-1", "parse")
	require.True(t, ok)
	assert.Equal(t, "v2", string(data))
	assert.Equal(t, 2, m.Deliveries("doc-1", "parse"))
	assert.Equal(t, 2, m.Len())
}

func TestDiscard(t *testing.T) {
	assert.NoError(t, Discard.Persist(context.Background(), "doc-1", "parse", strings.NewReader("ignored")))
}
