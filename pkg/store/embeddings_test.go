package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCosine(t *testing.T) {
	assert.InDelta(t, 1.0, Cosine([]float32{1, 0}, []float32{2, 0}), 1e-9)
	assert.InDelta(t, 0.0, Cosine([]float32{1, 0}, []float32{0, 1}), 1e-9)
	assert.Zero(t, Cosine(nil, []float32{1}))
	assert.Zero(t, Cosine([]float32{0, 0}, []float32{1, 1}))
}

func TestMemoryEmbedder_Deterministic(t *testing.T) {
	e := NewMemoryEmbedder(64)
	a, err := e.Embed(context.Background(), []string{"structural steel beam"})
	require.NoError(t, err)
	b, err := e.Embed(context.Background(), []string{"structural steel beam"})
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestMemoryEmbedder_SharedTokensScoreHigher(t *testing.T) {
	e := NewMemoryEmbedder(64)
	vecs, err := e.Embed(context.Background(), []string{
		"structural steel beam installation",
		"steel beam specification",
		"electrical conduit wiring",
	})
	require.NoError(t, err)

	related := Cosine(vecs[0], vecs[1])
	unrelated := Cosine(vecs[0], vecs[2])
	assert.Greater(t, related, unrelated)
}

func TestMemoryVectorStore_SearchOrdering(t *testing.T) {
	s := NewMemoryVectorStore()
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, "a", []float32{1, 0}))
	require.NoError(t, s.Put(ctx, "b", []float32{0.9, 0.1}))
	require.NoError(t, s.Put(ctx, "c", []float32{0, 1}))

	hits, err := s.Search(ctx, []float32{1, 0}, 2)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "a", hits[0].ID)
	assert.Equal(t, "b", hits[1].ID)
}

func TestMemoryVectorStore_Fetch(t *testing.T) {
	s := NewMemoryVectorStore()
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, "a", []float32{1, 2}))

	got, err := s.Fetch(ctx, []string{"a", "missing"})
	require.NoError(t, err)
	assert.Len(t, got, 1)
	assert.Equal(t, []float32{1, 2}, got["a"])
}

func TestVectorLiteralRoundTrip(t *testing.T) {
	vec := []float32{0.5, -1.25, 3}
	lit := vectorLiteral(vec)
	assert.Equal(t, "[0.5,-1.25,3]", lit)

	parsed, err := parseVectorLiteral(lit)
	require.NoError(t, err)
	assert.Equal(t, vec, parsed)

	_, err = parseVectorLiteral("[x]")
	assert.Error(t, err)
}
