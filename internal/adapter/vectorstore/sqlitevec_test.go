package vectorstore

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evalgo-org/polyglot-coordinator/internal/adapter"
	"github.com/evalgo-org/polyglot-coordinator/internal/model"
)

// newTestAdapter opens an in-memory SQLite database, exercising the real
// sqlite-vec extension rather than a fake, since the database itself is
// self-contained and requires no external service.
func newTestAdapter(t *testing.T) *Adapter {
	t.Helper()
	a, err := New(":memory:", 4)
	require.NoError(t, err)
	return a
}

func TestAdapter_PutGetDelete_RoundTrip(t *testing.T) {
	a := newTestAdapter(t)
	ctx := context.Background()

	rec := model.VectorRecord{
		Embedding: []float32{0.1, 0.2, 0.3, 0.4},
		Metadata:  map[string]interface{}{"source_chunk": "chunk-0"},
	}
	payload, err := json.Marshal(rec)
	require.NoError(t, err)

	_, err = a.Put(ctx, "doc-1#0", payload, adapter.PutOptions{})
	require.NoError(t, err)

	raw, found, err := a.Get(ctx, "doc-1#0")
	require.NoError(t, err)
	require.True(t, found)

	var got model.VectorRecord
	require.NoError(t, json.Unmarshal(raw, &got))
	assert.Equal(t, rec.Embedding, got.Embedding)
	assert.Equal(t, "chunk-0", got.Metadata["source_chunk"])

	require.NoError(t, a.Delete(ctx, "doc-1#0", ""))
	_, found, err = a.Get(ctx, "doc-1#0")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestAdapter_Put_ReplaceSemantics(t *testing.T) {
	a := newTestAdapter(t)
	ctx := context.Background()

	first := model.VectorRecord{Embedding: []float32{1, 0, 0, 0}}
	firstPayload, _ := json.Marshal(first)
	_, err := a.Put(ctx, "doc-1#0", firstPayload, adapter.PutOptions{})
	require.NoError(t, err)

	second := model.VectorRecord{Embedding: []float32{0, 1, 0, 0}}
	secondPayload, _ := json.Marshal(second)
	_, err = a.Put(ctx, "doc-1#0", secondPayload, adapter.PutOptions{})
	require.NoError(t, err)

	raw, found, err := a.Get(ctx, "doc-1#0")
	require.NoError(t, err)
	require.True(t, found)
	var got model.VectorRecord
	require.NoError(t, json.Unmarshal(raw, &got))
	assert.Equal(t, second.Embedding, got.Embedding)
}

func TestAdapter_ListVectors_ProbesContiguousOrdinals(t *testing.T) {
	a := newTestAdapter(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		rec := model.VectorRecord{Embedding: []float32{float32(i), 0, 0, 0}}
		payload, _ := json.Marshal(rec)
		_, err := a.Put(ctx, fmt.Sprintf("doc-2#%d", i), payload, adapter.PutOptions{})
		require.NoError(t, err)
	}

	vectors, err := a.ListVectors(ctx, "doc-2")
	require.NoError(t, err)
	require.Len(t, vectors, 3)
	for i, v := range vectors {
		assert.Equal(t, "doc-2", v.DocumentID)
		assert.Equal(t, float32(i), v.Embedding[0])
	}
}

func TestAdapter_Health(t *testing.T) {
	a := newTestAdapter(t)
	h := a.Health(context.Background())
	assert.Equal(t, "reachable", string(h.State))
}
