package vector

import (
	"context"
	"fmt"

	"github.com/chirino/graph-memory-service/internal/model"
	"github.com/google/uuid"
)

// ScoredChunk is one ranked similarity search result.
type ScoredChunk struct {
	Chunk model.Chunk `json:"chunk"`
	Score float64     `json:"score"`
}

// Point is one exported vector-index point: id, vector, and chunk payload.
type Point struct {
	ID      string      `json:"id"`
	Vector  []float32   `json:"vector"`
	Payload model.Chunk `json:"payload"`
}

// VectorIndex stores chunk embeddings in per-memory collections and answers
// similarity queries, optionally restricted to candidate documents selected
// by the graph (graph-guided retrieval).
type VectorIndex interface {
	// EnsureCollection idempotently creates the per-memory collection sized
	// to the embedding dimensionality, with payload indexes on doc_id and
	// memory_id.
	EnsureCollection(ctx context.Context, memoryID string) error
	// StoreChunks persists one embedding per chunk. Fails with a validation
	// error when the slices differ in length, storing nothing.
	StoreChunks(ctx context.Context, memoryID string, docID uuid.UUID, chunks []model.Chunk, embeddings [][]float32) (int, error)
	// Search returns chunks ranked by descending similarity. A nil docIDs
	// slice searches the whole collection; a missing collection returns
	// empty results, not an error.
	Search(ctx context.Context, memoryID string, queryVector []float32, docIDs []uuid.UUID, limit int) ([]ScoredChunk, error)
	DeleteDocumentChunks(ctx context.Context, memoryID string, docID uuid.UUID) (int, error)
	DeleteCollection(ctx context.Context, memoryID string) error
	// ExportCollection pages through the full collection; it must not assume
	// the collection fits in one page.
	ExportCollection(ctx context.Context, memoryID string) ([]Point, error)
	// ImportCollection recreates the collection if needed and upserts the
	// points in bounded-size batches.
	ImportCollection(ctx context.Context, memoryID string, points []Point) error
	// CountPoints returns the number of points in the collection (0 when the
	// collection is absent).
	CountPoints(ctx context.Context, memoryID string) (uint64, error)
	Name() string
}

// Loader creates a VectorIndex from config.
type Loader func(ctx context.Context) (VectorIndex, error)

// Plugin represents a vector index plugin.
type Plugin struct {
	Name   string
	Loader Loader
}

var plugins []Plugin

// Register adds a vector index plugin.
func Register(p Plugin) {
	plugins = append(plugins, p)
}

// Names returns all registered vector index plugin names.
func Names() []string {
	names := make([]string, len(plugins))
	for i, p := range plugins {
		names[i] = p.Name
	}
	return names
}

// Select returns the loader for the named vector index plugin.
func Select(name string) (Loader, error) {
	for _, p := range plugins {
		if p.Name == name {
			return p.Loader, nil
		}
	}
	return nil, fmt.Errorf("unknown vector index %q; valid: %v", name, Names())
}
