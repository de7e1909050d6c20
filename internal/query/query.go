// Package query answers questions against a memory with graph-guided
// retrieval: the entity graph nominates candidate documents, the vector
// index ranks chunks within them, and a completion call produces the answer.
package query

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/chirino/graph-memory-service/internal/faults"
	"github.com/chirino/graph-memory-service/internal/model"
	registrychat "github.com/chirino/graph-memory-service/internal/registry/chat"
	registryembed "github.com/chirino/graph-memory-service/internal/registry/embed"
	registrygraph "github.com/chirino/graph-memory-service/internal/registry/graph"
	registryvector "github.com/chirino/graph-memory-service/internal/registry/vector"
	"github.com/google/uuid"
)

// GraphSource is the slice of the graph store the engine needs.
type GraphSource interface {
	GetMemory(ctx context.Context, memoryID string) (*model.Memory, error)
	SearchEntities(ctx context.Context, memoryID string, query string, limit int) ([]registrygraph.EntityHit, error)
	GetEntityContext(ctx context.Context, memoryID string, name string, depth int) (*registrygraph.EntityContext, error)
	DocumentIDsForEntities(ctx context.Context, memoryID string, names []string) ([]uuid.UUID, error)
}

// ChunkSearcher is the slice of the vector index the engine needs.
type ChunkSearcher interface {
	Search(ctx context.Context, memoryID string, queryVector []float32, docIDs []uuid.UUID, limit int) ([]registryvector.ScoredChunk, error)
}

// Config bounds retrieval and context assembly.
type Config struct {
	// ScoreThreshold drops chunks below this similarity.
	ScoreThreshold float64
	// SearchLimit caps the chunks fetched from the vector index.
	SearchLimit int
	// MaxContextChars caps the assembled context passed to the completion.
	MaxContextChars int
	// EntityLimit caps the entities the graph nominates per question.
	EntityLimit int
}

// Engine runs entity search, entity context, and question answering.
type Engine struct {
	graph     GraphSource
	vector    ChunkSearcher
	embedder  registryembed.Embedder
	completer registrychat.Completer
	cfg       Config
}

// New creates an Engine.
func New(graph GraphSource, vector ChunkSearcher, embedder registryembed.Embedder, completer registrychat.Completer, cfg Config) *Engine {
	if cfg.SearchLimit <= 0 {
		cfg.SearchLimit = 10
	}
	if cfg.MaxContextChars <= 0 {
		cfg.MaxContextChars = 24000
	}
	if cfg.EntityLimit <= 0 {
		cfg.EntityLimit = 10
	}
	return &Engine{graph: graph, vector: vector, embedder: embedder, completer: completer, cfg: cfg}
}

// SearchEntities ranks entities in a memory against a free-text query.
func (e *Engine) SearchEntities(ctx context.Context, memoryID, query string, limit int) ([]registrygraph.EntityHit, error) {
	if _, err := e.graph.GetMemory(ctx, memoryID); err != nil {
		return nil, err
	}
	return e.graph.SearchEntities(ctx, memoryID, query, limit)
}

// EntityContext returns the 1-hop neighborhood of a named entity. Depth is
// accepted for interface stability; only one hop is materialized.
func (e *Engine) EntityContext(ctx context.Context, memoryID, name string, depth int) (*registrygraph.EntityContext, error) {
	if _, err := e.graph.GetMemory(ctx, memoryID); err != nil {
		return nil, err
	}
	return e.graph.GetEntityContext(ctx, memoryID, name, depth)
}

// Source is one chunk that contributed to an answer.
type Source struct {
	DocID        string  `json:"docId"`
	Filename     string  `json:"filename"`
	SectionTitle string  `json:"sectionTitle,omitempty"`
	ChunkIndex   int     `json:"chunkIndex"`
	Score        float64 `json:"score"`
}

// Answer is a question-answer result. ContextUsed is the assembled retrieval
// context; routes serving untrusted callers withhold it.
type Answer struct {
	Question    string   `json:"question"`
	Answer      string   `json:"answer"`
	Sources     []Source `json:"sources"`
	Entities    []string `json:"entities,omitempty"`
	ContextUsed string   `json:"context_used,omitempty"`
}

const answerSystemPrompt = `You answer questions using only the provided context from the user's knowledge base.
If the context does not contain the answer, say so plainly. Cite the source filenames you used.`

// Ask answers a question against one memory.
func (e *Engine) Ask(ctx context.Context, memoryID, question string) (*Answer, error) {
	if strings.TrimSpace(question) == "" {
		return nil, &faults.ValidationError{Field: "question", Message: "question must not be empty"}
	}
	if _, err := e.graph.GetMemory(ctx, memoryID); err != nil {
		return nil, err
	}

	hits, err := e.graph.SearchEntities(ctx, memoryID, question, e.cfg.EntityLimit)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, hit := range hits {
		names = append(names, hit.Entity.Name)
	}
	var docIDs []uuid.UUID
	if len(names) > 0 {
		if docIDs, err = e.graph.DocumentIDsForEntities(ctx, memoryID, names); err != nil {
			return nil, err
		}
	}

	queryVector, err := e.embedder.EmbedQuery(ctx, question)
	if err != nil {
		return nil, err
	}
	chunks, err := e.vector.Search(ctx, memoryID, queryVector, docIDs, e.cfg.SearchLimit)
	if err != nil {
		return nil, err
	}
	chunks = e.aboveThreshold(chunks)
	// The graph can nominate documents the question only grazes; when that
	// filter starves retrieval, search the whole collection instead.
	if len(chunks) == 0 && len(docIDs) > 0 {
		if chunks, err = e.vector.Search(ctx, memoryID, queryVector, nil, e.cfg.SearchLimit); err != nil {
			return nil, err
		}
		chunks = e.aboveThreshold(chunks)
	}
	if len(chunks) == 0 {
		return &Answer{
			Question: question,
			Answer:   "No relevant information was found in this memory.",
			Entities: names,
		}, nil
	}

	contextText, sources := e.assembleContext(chunks)
	answer, err := e.completer.Complete(ctx, answerSystemPrompt, fmt.Sprintf("Context:\n%s\n\nQuestion: %s", contextText, question))
	if err != nil {
		return nil, err
	}

	log.Debug("Answered question", "memory", memoryID,
		"entities", len(names), "candidateDocs", len(docIDs), "chunks", len(sources))
	return &Answer{
		Question:    question,
		Answer:      answer,
		Sources:     sources,
		Entities:    names,
		ContextUsed: contextText,
	}, nil
}

func (e *Engine) aboveThreshold(chunks []registryvector.ScoredChunk) []registryvector.ScoredChunk {
	if e.cfg.ScoreThreshold <= 0 {
		return chunks
	}
	kept := chunks[:0]
	for _, c := range chunks {
		if c.Score >= e.cfg.ScoreThreshold {
			kept = append(kept, c)
		}
	}
	return kept
}

func (e *Engine) assembleContext(chunks []registryvector.ScoredChunk) (string, []Source) {
	var b strings.Builder
	var sources []Source
	for _, sc := range chunks {
		header := fmt.Sprintf("[%s", sc.Chunk.Filename)
		if sc.Chunk.SectionTitle != "" {
			header += " / " + sc.Chunk.SectionTitle
		}
		header += "]\n"
		if b.Len() > 0 && b.Len()+len(header)+len(sc.Chunk.Text) > e.cfg.MaxContextChars {
			break
		}
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(header)
		b.WriteString(sc.Chunk.Text)
		sources = append(sources, Source{
			DocID:        sc.Chunk.DocID,
			Filename:     sc.Chunk.Filename,
			SectionTitle: sc.Chunk.SectionTitle,
			ChunkIndex:   sc.Chunk.Index,
			Score:        sc.Score,
		})
	}
	return b.String(), sources
}
