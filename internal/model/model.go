package model

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Memory is a namespace isolating one tenant's documents, entities, and
// vectors. The ID is a user-chosen slug.
type Memory struct {
	ID          string    `json:"id"          gorm:"primaryKey"`
	Name        string    `json:"name"        gorm:"not null"`
	Description string    `json:"description"`
	Ontology    string    `json:"ontology"    gorm:"not null"`
	CreatedAt   time.Time `json:"createdAt"   gorm:"not null"`
}

func (Memory) TableName() string { return "memories" }

// Document is an ingested file. Hash is the sha256 of the original bytes and
// drives dedup: re-ingesting identical bytes into the same memory is a no-op.
type Document struct {
	ID         uuid.UUID              `json:"id"         gorm:"primaryKey;type:uuid"`
	MemoryID   string                 `json:"memoryId"   gorm:"not null;index;uniqueIndex:idx_documents_memory_hash"`
	URI        string                 `json:"uri"        gorm:"not null"`
	Filename   string                 `json:"filename"   gorm:"not null"`
	Hash       string                 `json:"hash"       gorm:"not null;uniqueIndex:idx_documents_memory_hash"`
	SizeBytes  int64                  `json:"sizeBytes"`
	Metadata   map[string]interface{} `json:"metadata"   gorm:"type:jsonb;serializer:json"`
	IngestedAt time.Time              `json:"ingestedAt" gorm:"not null"`
}

func (Document) TableName() string { return "documents" }

// Entity identity is (Name, MemoryID), not per-document: entities merge
// across documents within a memory so the graph accumulates knowledge.
type Entity struct {
	ID           uuid.UUID `json:"id"           gorm:"primaryKey;type:uuid"`
	MemoryID     string    `json:"memoryId"     gorm:"not null;uniqueIndex:idx_entities_memory_name"`
	Name         string    `json:"name"         gorm:"not null;uniqueIndex:idx_entities_memory_name"`
	Type         string    `json:"type"         gorm:"not null"`
	Description  string    `json:"description"`
	MentionCount int       `json:"mentionCount" gorm:"not null;default:0"`
	CreatedAt    time.Time `json:"createdAt"    gorm:"not null"`
	UpdatedAt    time.Time `json:"updatedAt"    gorm:"not null"`
}

func (Entity) TableName() string { return "entities" }

// Mention is the count-weighted Document-MENTIONS-Entity edge.
type Mention struct {
	DocumentID uuid.UUID `json:"documentId" gorm:"primaryKey;type:uuid"`
	EntityID   uuid.UUID `json:"entityId"   gorm:"primaryKey;type:uuid"`
	MemoryID   string    `json:"memoryId"   gorm:"not null;index"`
	Count      int       `json:"count"      gorm:"not null;default:1"`
}

func (Mention) TableName() string { return "mentions" }

// Relation is a typed, weighted edge between two entities, deduplicated by
// (FromEntityID, ToEntityID, Type) within a memory.
type Relation struct {
	ID           uuid.UUID `json:"id"           gorm:"primaryKey;type:uuid"`
	MemoryID     string    `json:"memoryId"     gorm:"not null;index"`
	FromEntityID uuid.UUID `json:"fromEntityId" gorm:"not null;type:uuid;uniqueIndex:idx_relations_triple"`
	ToEntityID   uuid.UUID `json:"toEntityId"   gorm:"not null;type:uuid;uniqueIndex:idx_relations_triple"`
	Type         string    `json:"type"         gorm:"not null;uniqueIndex:idx_relations_triple"`
	Description  string    `json:"description"`
	Weight       float64   `json:"weight"       gorm:"not null;default:1"`
	CreatedAt    time.Time `json:"createdAt"    gorm:"not null"`
}

func (Relation) TableName() string { return "relations" }

// AccessToken is a credential record. Only the sha256 of the secret is
// stored; tokens are deactivated on revoke, never deleted.
type AccessToken struct {
	ID          uuid.UUID  `json:"id"          gorm:"primaryKey;type:uuid"`
	Hash        string     `json:"-"           gorm:"not null;uniqueIndex"`
	ClientName  string     `json:"clientName"  gorm:"not null"`
	Permissions string     `json:"permissions" gorm:"not null"` // comma-separated capability set
	MemoryIDs   string     `json:"memoryIds"`                   // comma-separated; empty = all memories
	CreatedAt   time.Time  `json:"createdAt"   gorm:"not null"`
	ExpiresAt   *time.Time `json:"expiresAt,omitempty"`
	IsActive    bool       `json:"isActive"    gorm:"not null;default:true"`
}

func (AccessToken) TableName() string { return "access_tokens" }

// PermissionSet returns the parsed capability set.
func (t *AccessToken) PermissionSet() map[string]bool {
	return splitSet(t.Permissions)
}

// MemoryIDList returns the parsed allowed memory IDs; empty means all.
func (t *AccessToken) MemoryIDList() []string {
	if strings.TrimSpace(t.MemoryIDs) == "" {
		return nil
	}
	parts := strings.Split(t.MemoryIDs, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Expired reports whether the token is past its expiry.
func (t *AccessToken) Expired(now time.Time) bool {
	return t.ExpiresAt != nil && now.After(*t.ExpiresAt)
}

func splitSet(csv string) map[string]bool {
	set := map[string]bool{}
	for _, p := range strings.Split(csv, ",") {
		if p = strings.TrimSpace(p); p != "" {
			set[p] = true
		}
	}
	return set
}

// Chunk is a bounded, sentence-respecting slice of document text. It is not
// a table: chunks are persisted as vector-index point payloads.
type Chunk struct {
	Text             string   `json:"text"`
	Index            int      `json:"index"`
	TotalChunks      int      `json:"total_chunks"`
	DocID            string   `json:"doc_id"`
	MemoryID         string   `json:"memory_id"`
	Filename         string   `json:"filename"`
	SectionTitle     string   `json:"section_title,omitempty"`
	ArticleNumber    string   `json:"article_number,omitempty"`
	HeadingHierarchy []string `json:"heading_hierarchy,omitempty"`
	CharCount        int      `json:"char_count"`
	TokenEstimate    int      `json:"token_estimate"`
}
