package graph

import (
	"context"
	"fmt"

	"github.com/chirino/graph-memory-service/internal/model"
	"github.com/google/uuid"
)

// EntityInput is one extracted entity to merge into the graph.
type EntityInput struct {
	Name        string
	Type        string
	Description string
}

// RelationInput is one extracted relation to merge into the graph. From and
// To reference entity names within the same batch or memory.
type RelationInput struct {
	From        string
	To          string
	Type        string
	Description string
	Weight      float64
}

// MergeCounts reports the outcome of a merge-don't-duplicate write.
type MergeCounts struct {
	EntitiesCreated  int            `json:"entitiesCreated"`
	EntitiesMerged   int            `json:"entitiesMerged"`
	RelationsCreated int            `json:"relationsCreated"`
	RelationsMerged  int            `json:"relationsMerged"`
	EntityTypes      map[string]int `json:"entityTypes"`
	RelationTypes    map[string]int `json:"relationTypes"`
}

// EntityHit is one ranked entity search result.
type EntityHit struct {
	Entity model.Entity `json:"entity"`
	Score  float64      `json:"score"`
}

// RelatedEntity pairs a neighbor entity with the connecting relation.
type RelatedEntity struct {
	Entity   model.Entity   `json:"entity"`
	Relation model.Relation `json:"relation"`
	Outgoing bool           `json:"outgoing"`
}

// EntityContext is the 1-hop neighborhood of an entity: the entity itself,
// the documents mentioning it, and its directly related entities.
type EntityContext struct {
	Entity    model.Entity     `json:"entity"`
	Documents []model.Document `json:"documents"`
	Related   []RelatedEntity  `json:"related"`
}

// MemoryStats summarizes the contents of one memory.
type MemoryStats struct {
	MemoryID      string         `json:"memoryId"`
	Documents     int64          `json:"documents"`
	Entities      int64          `json:"entities"`
	Relations     int64          `json:"relations"`
	Mentions      int64          `json:"mentions"`
	EntityTypes   map[string]int `json:"entityTypes"`
	RelationTypes map[string]int `json:"relationTypes"`
}

// Export is a complete, self-contained snapshot of every node and edge
// belonging to one memory, in a schema-stable JSON form.
type Export struct {
	Version   int              `json:"version"`
	Memory    model.Memory     `json:"memory"`
	Documents []model.Document `json:"documents"`
	Entities  []model.Entity   `json:"entities"`
	Relations []model.Relation `json:"relations"`
	Mentions  []model.Mention  `json:"mentions"`
}

// ImportCounts reports what an import recreated.
type ImportCounts struct {
	Documents int `json:"documents"`
	Entities  int `json:"entities"`
	Relations int `json:"relations"`
	Mentions  int `json:"mentions"`
}

// GraphStore is the primary data access interface for memories, documents,
// entities, relations, and access tokens.
type GraphStore interface {
	// Memories
	CreateMemory(ctx context.Context, memory model.Memory) (*model.Memory, error)
	GetMemory(ctx context.Context, memoryID string) (*model.Memory, error)
	ListMemories(ctx context.Context) ([]model.Memory, error)
	// DeleteMemory cascades over every document, entity, relation, and
	// mention tagged with the memory ID.
	DeleteMemory(ctx context.Context, memoryID string) error

	// Documents
	AddDocument(ctx context.Context, doc model.Document) (*model.Document, error)
	GetDocument(ctx context.Context, memoryID string, docID uuid.UUID) (*model.Document, error)
	GetDocumentByHash(ctx context.Context, memoryID string, hash string) (*model.Document, error)
	ListDocuments(ctx context.Context, memoryID string) ([]model.Document, error)
	DeleteDocument(ctx context.Context, memoryID string, docID uuid.UUID) error

	// Entities and relations, merge-don't-duplicate semantics.
	AddEntitiesAndRelations(ctx context.Context, memoryID string, docID uuid.UUID, entities []EntityInput, relations []RelationInput) (*MergeCounts, error)
	SearchEntities(ctx context.Context, memoryID string, query string, limit int) ([]EntityHit, error)
	GetEntityContext(ctx context.Context, memoryID string, name string, depth int) (*EntityContext, error)
	// DocumentIDsForEntities returns the IDs of documents mentioning any of
	// the named entities. Used by graph-guided retrieval.
	DocumentIDsForEntities(ctx context.Context, memoryID string, names []string) ([]uuid.UUID, error)

	GetMemoryStats(ctx context.Context, memoryID string) (*MemoryStats, error)

	// Backup
	ExportMemoryData(ctx context.Context, memoryID string) (*Export, error)
	ImportMemoryData(ctx context.Context, export *Export) (*ImportCounts, error)

	// Access tokens
	CreateToken(ctx context.Context, token model.AccessToken) (*model.AccessToken, error)
	GetTokenByHash(ctx context.Context, hash string) (*model.AccessToken, error)
	ListTokens(ctx context.Context) ([]model.AccessToken, error)
	RevokeToken(ctx context.Context, tokenID uuid.UUID) error
	UpdateTokenMemories(ctx context.Context, tokenID uuid.UUID, memoryIDs []string) (*model.AccessToken, error)
}

// Loader creates a GraphStore from config.
type Loader func(ctx context.Context) (GraphStore, error)

// Plugin represents a graph store plugin.
type Plugin struct {
	Name   string
	Loader Loader
}

var plugins []Plugin

// Register adds a graph store plugin.
func Register(p Plugin) {
	plugins = append(plugins, p)
}

// Names returns all registered graph store plugin names.
func Names() []string {
	names := make([]string, len(plugins))
	for i, p := range plugins {
		names[i] = p.Name
	}
	return names
}

// Select returns the loader for the named graph store plugin.
func Select(name string) (Loader, error) {
	for _, p := range plugins {
		if p.Name == name {
			return p.Loader, nil
		}
	}
	return nil, fmt.Errorf("unknown graph store %q; valid: %v", name, Names())
}
