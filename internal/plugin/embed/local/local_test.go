package local

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEmbedTexts(t *testing.T) {
	e := &LocalEmbedder{}
	vectors, err := e.EmbedTexts(context.Background(), []string{
		"Alice works at Acme",
		"Alice works at Acme",
		"the quarterly revenue report",
	})
	require.NoError(t, err)
	require.Len(t, vectors, 3)

	// Deterministic: identical text embeds identically.
	require.Equal(t, vectors[0], vectors[1])
	require.NotEqual(t, vectors[0], vectors[2])

	// Non-empty text embeds to a unit vector.
	var norm float64
	for _, v := range vectors[0] {
		norm += float64(v) * float64(v)
	}
	require.InDelta(t, 1.0, norm, 1e-5)
}

func TestEmbedQueryMatchesEmbedTexts(t *testing.T) {
	e := &LocalEmbedder{}
	single, err := e.EmbedQuery(context.Background(), "graph memory")
	require.NoError(t, err)
	batch, err := e.EmbedTexts(context.Background(), []string{"graph memory"})
	require.NoError(t, err)
	require.Equal(t, batch[0], single)
}

func TestEmptyTextEmbedsToZeroVector(t *testing.T) {
	e := &LocalEmbedder{}
	v, err := e.EmbedQuery(context.Background(), "   ")
	require.NoError(t, err)
	require.Len(t, v, e.Dimension())
	for _, x := range v {
		require.True(t, math.Abs(float64(x)) < 1e-9)
	}
}
