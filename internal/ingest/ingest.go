// Package ingest orchestrates document ingestion across the graph store,
// object store, and vector index. The document row is written last and acts
// as the commit marker: a failed ingest leaves no row, so a retry re-runs
// every stage, each of which tolerates repeats (deterministic object keys,
// merge-on-conflict graph writes, deterministic vector point IDs).
package ingest

import (
	"context"
	"crypto/sha256"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/chirino/graph-memory-service/internal/chunker"
	"github.com/chirino/graph-memory-service/internal/extract"
	"github.com/chirino/graph-memory-service/internal/faults"
	"github.com/chirino/graph-memory-service/internal/metrics"
	"github.com/chirino/graph-memory-service/internal/model"
	"github.com/chirino/graph-memory-service/internal/ontology"
	registryembed "github.com/chirino/graph-memory-service/internal/registry/embed"
	registrygraph "github.com/chirino/graph-memory-service/internal/registry/graph"
	registryobject "github.com/chirino/graph-memory-service/internal/registry/object"
	registryvector "github.com/chirino/graph-memory-service/internal/registry/vector"
	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
)

// Config bounds the pipeline.
type Config struct {
	ChunkTargetSize int
	ChunkOverlap    int
	MaxDocumentSize int64
	// Concurrency caps the number of documents in the heavy stages at once.
	Concurrency int64
}

// Result reports one ingestion outcome.
type Result struct {
	Document  *model.Document           `json:"document"`
	Duplicate bool                      `json:"duplicate"`
	Chunks    int                       `json:"chunks"`
	Merge     *registrygraph.MergeCounts `json:"merge,omitempty"`
	Summary   string                    `json:"summary,omitempty"`
	KeyTopics []string                  `json:"keyTopics,omitempty"`
}

// Pipeline runs the ingestion stages. All dependencies are injected; the
// pipeline holds no global state.
type Pipeline struct {
	graph      registrygraph.GraphStore
	vector     registryvector.VectorIndex
	object     registryobject.ObjectStore
	embedder   registryembed.Embedder
	extractor  *extract.Extractor
	ontologies *ontology.Catalog
	cfg        Config
	sem        *semaphore.Weighted
}

// New creates a Pipeline.
func New(
	graph registrygraph.GraphStore,
	vector registryvector.VectorIndex,
	object registryobject.ObjectStore,
	embedder registryembed.Embedder,
	extractor *extract.Extractor,
	ontologies *ontology.Catalog,
	cfg Config,
) *Pipeline {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.MaxDocumentSize <= 0 {
		cfg.MaxDocumentSize = 10 * 1024 * 1024
	}
	return &Pipeline{
		graph:      graph,
		vector:     vector,
		object:     object,
		embedder:   embedder,
		extractor:  extractor,
		ontologies: ontologies,
		cfg:        cfg,
		sem:        semaphore.NewWeighted(cfg.Concurrency),
	}
}

// IngestDocument runs the full pipeline for one document. Re-ingesting
// bytes already present in the memory is a successful no-op.
func (p *Pipeline) IngestDocument(ctx context.Context, memoryID, filename string, data []byte, metadata map[string]interface{}) (*Result, error) {
	start := time.Now()
	defer func() {
		if metrics.IngestDuration != nil {
			metrics.IngestDuration.Observe(time.Since(start).Seconds())
		}
	}()

	if len(data) == 0 {
		return nil, &faults.ValidationError{Field: "content", Message: "document is empty"}
	}
	if int64(len(data)) > p.cfg.MaxDocumentSize {
		return nil, &faults.ValidationError{
			Field:   "content",
			Message: fmt.Sprintf("document exceeds maximum size of %d bytes", p.cfg.MaxDocumentSize),
		}
	}

	memory, err := p.graph.GetMemory(ctx, memoryID)
	if err != nil {
		return nil, err
	}
	onto := p.ontologies.Get(memory.Ontology)
	if onto == nil {
		return nil, &faults.ValidationError{Field: "ontology", Message: "unknown ruleset: " + memory.Ontology}
	}

	hash := fmt.Sprintf("%x", sha256.Sum256(data))
	existing, err := p.graph.GetDocumentByHash(ctx, memoryID, hash)
	if err == nil {
		log.Info("Skipping duplicate document", "memory", memoryID, "hash", hash[:8], "existing", existing.ID)
		metrics.CountStage("dedup", "duplicate")
		return &Result{Document: existing, Duplicate: true}, nil
	}
	if faults.Classify(err) != faults.ClassNotFound {
		return nil, err
	}
	metrics.CountStage("dedup", "ok")

	if err := p.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer p.sem.Release(1)

	docID := uuid.New()
	text := string(data)

	put, err := p.object.Put(ctx, memoryID, filename, data)
	if err != nil {
		metrics.CountStage("object", "failed")
		return nil, fmt.Errorf("store original document: %w", err)
	}
	metrics.CountStage("object", "ok")

	extracted, err := p.extractor.Extract(ctx, onto, text)
	if err != nil {
		metrics.CountStage("extract", "failed")
		return nil, fmt.Errorf("extract document: %w", err)
	}
	metrics.CountStage("extract", "ok")

	entities := make([]registrygraph.EntityInput, len(extracted.Entities))
	for i, e := range extracted.Entities {
		entities[i] = registrygraph.EntityInput{Name: e.Name, Type: e.Type, Description: e.Description}
	}
	relations := make([]registrygraph.RelationInput, len(extracted.Relations))
	for i, r := range extracted.Relations {
		relations[i] = registrygraph.RelationInput{From: r.From, To: r.To, Type: r.Type, Description: r.Description, Weight: r.Weight}
	}
	merge, err := p.graph.AddEntitiesAndRelations(ctx, memoryID, docID, entities, relations)
	if err != nil {
		metrics.CountStage("graph", "failed")
		return nil, fmt.Errorf("merge graph: %w", err)
	}
	metrics.CountStage("graph", "ok")

	chunks := p.buildChunks(memoryID, docID, filename, text)
	stored := 0
	if len(chunks) > 0 && p.embedder.Dimension() > 0 {
		texts := make([]string, len(chunks))
		for i, c := range chunks {
			texts[i] = c.Text
		}
		embeddings, err := p.embedder.EmbedTexts(ctx, texts)
		if err != nil {
			metrics.CountStage("embed", "failed")
			return nil, fmt.Errorf("embed chunks: %w", err)
		}
		metrics.CountStage("embed", "ok")

		stored, err = p.vector.StoreChunks(ctx, memoryID, docID, chunks, embeddings)
		if err != nil {
			metrics.CountStage("vector", "failed")
			return nil, fmt.Errorf("index chunks: %w", err)
		}
		metrics.CountStage("vector", "ok")
	} else {
		metrics.CountStage("embed", "skipped")
	}

	doc, err := p.graph.AddDocument(ctx, model.Document{
		ID:        docID,
		MemoryID:  memoryID,
		URI:       put.URI,
		Filename:  filename,
		Hash:      hash,
		SizeBytes: int64(len(data)),
		Metadata:  metadata,
	})
	if err != nil {
		// A concurrent ingest of identical bytes won the race; its record is
		// the canonical one.
		if faults.Classify(err) == faults.ClassConflict {
			if existing, lookupErr := p.graph.GetDocumentByHash(ctx, memoryID, hash); lookupErr == nil {
				return &Result{Document: existing, Duplicate: true}, nil
			}
		}
		metrics.CountStage("commit", "failed")
		return nil, fmt.Errorf("record document: %w", err)
	}
	metrics.CountStage("commit", "ok")

	log.Info("Ingested document",
		"memory", memoryID, "doc", doc.ID, "filename", filename,
		"chunks", stored,
		"entities", merge.EntitiesCreated+merge.EntitiesMerged,
		"relations", merge.RelationsCreated+merge.RelationsMerged)

	return &Result{
		Document:  doc,
		Chunks:    stored,
		Merge:     merge,
		Summary:   extracted.Summary,
		KeyTopics: extracted.KeyTopics,
	}, nil
}

func (p *Pipeline) buildChunks(memoryID string, docID uuid.UUID, filename, text string) []model.Chunk {
	pieces := chunker.Split(text, chunker.Config{
		TargetSize: p.cfg.ChunkTargetSize,
		Overlap:    p.cfg.ChunkOverlap,
	})
	chunks := make([]model.Chunk, len(pieces))
	for i, piece := range pieces {
		chunks[i] = model.Chunk{
			Text:          piece.Text,
			Index:         piece.Index,
			TotalChunks:   piece.Total,
			DocID:         docID.String(),
			MemoryID:      memoryID,
			Filename:      filename,
			SectionTitle:  piece.SectionTitle,
			ArticleNumber: piece.ArticleNumber,
			CharCount:     piece.CharCount,
			TokenEstimate: piece.TokenEstimate,
		}
	}
	return chunks
}

// DeleteDocument removes one document from all three stores. Store removals
// run before the graph delete so a partial failure leaves the document
// visible and the operation retryable.
func (p *Pipeline) DeleteDocument(ctx context.Context, memoryID string, docID uuid.UUID) error {
	doc, err := p.graph.GetDocument(ctx, memoryID, docID)
	if err != nil {
		return err
	}

	if _, err := p.vector.DeleteDocumentChunks(ctx, memoryID, docID); err != nil {
		return fmt.Errorf("delete chunks: %w", err)
	}
	if _, err := p.object.Delete(ctx, memoryID, doc.URI); err != nil {
		return fmt.Errorf("delete original document: %w", err)
	}
	return p.graph.DeleteDocument(ctx, memoryID, docID)
}

// DeleteMemory removes the memory and everything derived from it: the
// vector collection, every stored object under the namespace, and all
// graph rows.
func (p *Pipeline) DeleteMemory(ctx context.Context, memoryID string) error {
	if _, err := p.graph.GetMemory(ctx, memoryID); err != nil {
		return err
	}

	if err := p.vector.DeleteCollection(ctx, memoryID); err != nil {
		return fmt.Errorf("delete collection: %w", err)
	}
	objects, err := p.object.List(ctx, memoryID+"/")
	if err != nil {
		return fmt.Errorf("list objects: %w", err)
	}
	for _, obj := range objects {
		if err := p.object.DeleteRaw(ctx, obj.Key); err != nil {
			return fmt.Errorf("delete object %s: %w", obj.Key, err)
		}
	}
	return p.graph.DeleteMemory(ctx, memoryID)
}
