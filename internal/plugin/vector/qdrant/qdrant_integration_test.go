package qdrant

import (
	"context"
	"testing"

	"github.com/chirino/graph-memory-service/internal/config"
	"github.com/chirino/graph-memory-service/internal/model"
	"github.com/chirino/graph-memory-service/internal/testutil/testqdrant"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func startIndex(t *testing.T) *Index {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}
	cfg := config.DefaultConfig()
	cfg.QdrantHost = testqdrant.StartQdrant(t)
	cfg.QdrantCollectionPrefix = "it"
	cfg.EmbedDimensions = 4

	index, err := load(config.WithContext(context.Background(), &cfg))
	require.NoError(t, err)
	return index.(*Index)
}

func testChunk(memoryID string, docID uuid.UUID, index int, text string) model.Chunk {
	return model.Chunk{
		Text:        text,
		Index:       index,
		TotalChunks: 2,
		DocID:       docID.String(),
		MemoryID:    memoryID,
		Filename:    "a.txt",
		CharCount:   len(text),
	}
}

func TestStoreSearchRoundTrip(t *testing.T) {
	index := startIndex(t)
	ctx := context.Background()
	docID := uuid.New()
	otherDoc := uuid.New()

	require.NoError(t, index.EnsureCollection(ctx, "m1"))
	// EnsureCollection is idempotent.
	require.NoError(t, index.EnsureCollection(ctx, "m1"))

	stored, err := index.StoreChunks(ctx, "m1", docID,
		[]model.Chunk{
			testChunk("m1", docID, 0, "alpha"),
			testChunk("m1", docID, 1, "beta"),
		},
		[][]float32{{1, 0, 0, 0}, {0, 1, 0, 0}},
	)
	require.NoError(t, err)
	require.Equal(t, 2, stored)

	_, err = index.StoreChunks(ctx, "m1", otherDoc,
		[]model.Chunk{testChunk("m1", otherDoc, 0, "gamma")},
		[][]float32{{0, 0, 1, 0}},
	)
	require.NoError(t, err)

	count, err := index.CountPoints(ctx, "m1")
	require.NoError(t, err)
	require.Equal(t, uint64(3), count)

	// Unfiltered search ranks the aligned vector first.
	hits, err := index.Search(ctx, "m1", []float32{1, 0, 0, 0}, nil, 10)
	require.NoError(t, err)
	require.Len(t, hits, 3)
	require.Equal(t, "alpha", hits[0].Chunk.Text)

	// Doc-filtered search only sees the candidate document's chunks.
	hits, err = index.Search(ctx, "m1", []float32{0, 0, 1, 0}, []uuid.UUID{otherDoc}, 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	require.Equal(t, "gamma", hits[0].Chunk.Text)

	deleted, err := index.DeleteDocumentChunks(ctx, "m1", docID)
	require.NoError(t, err)
	require.Equal(t, 2, deleted)
	count, err = index.CountPoints(ctx, "m1")
	require.NoError(t, err)
	require.Equal(t, uint64(1), count)
}

func TestExportImportRoundTrip(t *testing.T) {
	index := startIndex(t)
	ctx := context.Background()
	docID := uuid.New()

	require.NoError(t, index.EnsureCollection(ctx, "src"))
	_, err := index.StoreChunks(ctx, "src", docID,
		[]model.Chunk{
			testChunk("src", docID, 0, "alpha"),
			testChunk("src", docID, 1, "beta"),
		},
		[][]float32{{1, 0, 0, 0}, {0, 1, 0, 0}},
	)
	require.NoError(t, err)

	points, err := index.ExportCollection(ctx, "src")
	require.NoError(t, err)
	require.Len(t, points, 2)

	require.NoError(t, index.ImportCollection(ctx, "dst", points))
	count, err := index.CountPoints(ctx, "dst")
	require.NoError(t, err)
	require.Equal(t, uint64(2), count)

	hits, err := index.Search(ctx, "dst", []float32{0, 1, 0, 0}, nil, 1)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	require.Equal(t, "beta", hits[0].Chunk.Text)
}

func TestMissingCollectionBehaviour(t *testing.T) {
	index := startIndex(t)
	ctx := context.Background()

	// Searching a collection that was never created returns empty results.
	hits, err := index.Search(ctx, "absent", []float32{1, 0, 0, 0}, nil, 5)
	require.NoError(t, err)
	require.Empty(t, hits)

	count, err := index.CountPoints(ctx, "absent")
	require.NoError(t, err)
	require.Zero(t, count)

	require.NoError(t, index.DeleteCollection(ctx, "absent"))
}
