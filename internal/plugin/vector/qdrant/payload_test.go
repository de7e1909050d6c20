package qdrant

import (
	"testing"

	"github.com/chirino/graph-memory-service/internal/model"
	"github.com/stretchr/testify/require"
)

func TestPayloadRoundTrip(t *testing.T) {
	chunk := model.Chunk{
		Text:             "Article 12 applies to all controllers.",
		Index:            3,
		TotalChunks:      7,
		DocID:            "0c7b6b7e-9f4d-4f11-bb8a-1a2b3c4d5e6f",
		MemoryID:         "tenant-a",
		Filename:         "regulation.txt",
		SectionTitle:     "Article 12",
		ArticleNumber:    "12",
		HeadingHierarchy: []string{"Chapter III", "Article 12"},
		CharCount:        38,
		TokenEstimate:    9,
	}
	require.Equal(t, chunk, payloadToChunk(chunkToPayload(chunk)))
}

func TestPayloadOmitsEmptyOptionalFields(t *testing.T) {
	payload := chunkToPayload(model.Chunk{Text: "x", MemoryID: "m"})
	require.NotContains(t, payload, "section_title")
	require.NotContains(t, payload, "article_number")
	require.NotContains(t, payload, "heading_hierarchy")

	// Absent keys read back as zero values.
	chunk := payloadToChunk(payload)
	require.Empty(t, chunk.SectionTitle)
	require.Nil(t, chunk.HeadingHierarchy)
}

func TestCollectionNamePerMemory(t *testing.T) {
	idx := &Index{prefix: "graph-memory"}
	require.Equal(t, "graph-memory_tenant-a", idx.CollectionName("tenant-a"))
}
