package sqlstore

import (
	"context"
	"regexp"
	"time"

	"github.com/chirino/graph-memory-service/internal/faults"
	"github.com/chirino/graph-memory-service/internal/metrics"
	"github.com/chirino/graph-memory-service/internal/model"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Memory IDs are user-chosen slugs that end up in object-store keys and
// vector collection names, so the charset is restricted up front.
var memoryIDPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,63}$`)

func (s *Store) CreateMemory(ctx context.Context, memory model.Memory) (*model.Memory, error) {
	defer metrics.ObserveStore(s.name, "CreateMemory", time.Now())
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	if !memoryIDPattern.MatchString(memory.ID) {
		return nil, &faults.ValidationError{Field: "id", Message: "must be a lowercase slug (letters, digits, - and _)"}
	}
	if memory.Name == "" {
		memory.Name = memory.ID
	}
	if memory.Ontology == "" {
		memory.Ontology = "general"
	}
	if memory.CreatedAt.IsZero() {
		memory.CreatedAt = time.Now()
	}

	if err := s.db.WithContext(ctx).Create(&memory).Error; err != nil {
		if isDuplicate(err) {
			return nil, &faults.ConflictError{Message: "memory already exists: " + memory.ID}
		}
		return nil, s.failure("create memory", err)
	}
	return &memory, nil
}

func (s *Store) GetMemory(ctx context.Context, memoryID string) (*model.Memory, error) {
	defer metrics.ObserveStore(s.name, "GetMemory", time.Now())
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	var memory model.Memory
	result := s.db.WithContext(ctx).Where("id = ?", memoryID).Limit(1).Find(&memory)
	if result.Error != nil {
		return nil, s.failure("get memory", result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, &faults.NotFoundError{Resource: "memory", ID: memoryID}
	}
	return &memory, nil
}

func (s *Store) ListMemories(ctx context.Context) ([]model.Memory, error) {
	defer metrics.ObserveStore(s.name, "ListMemories", time.Now())
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	var memories []model.Memory
	if err := s.db.WithContext(ctx).Order("created_at ASC, id ASC").Find(&memories).Error; err != nil {
		return nil, s.failure("list memories", err)
	}
	return memories, nil
}

func (s *Store) DeleteMemory(ctx context.Context, memoryID string) error {
	defer metrics.ObserveStore(s.name, "DeleteMemory", time.Now())
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	if _, err := s.GetMemory(ctx, memoryID); err != nil {
		return err
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, m := range []interface{}{&model.Mention{}, &model.Relation{}, &model.Entity{}, &model.Document{}} {
			if err := tx.Where("memory_id = ?", memoryID).Delete(m).Error; err != nil {
				return err
			}
		}
		return tx.Where("id = ?", memoryID).Delete(&model.Memory{}).Error
	})
	if err != nil {
		return s.failure("delete memory", err)
	}
	return nil
}

func (s *Store) AddDocument(ctx context.Context, doc model.Document) (*model.Document, error) {
	defer metrics.ObserveStore(s.name, "AddDocument", time.Now())
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	if doc.ID == uuid.Nil {
		doc.ID = uuid.New()
	}
	if doc.IngestedAt.IsZero() {
		doc.IngestedAt = time.Now()
	}
	if err := s.db.WithContext(ctx).Create(&doc).Error; err != nil {
		if isDuplicate(err) {
			return nil, &faults.ConflictError{Message: "document with identical content already ingested"}
		}
		return nil, s.failure("add document", err)
	}
	return &doc, nil
}

func (s *Store) GetDocument(ctx context.Context, memoryID string, docID uuid.UUID) (*model.Document, error) {
	defer metrics.ObserveStore(s.name, "GetDocument", time.Now())
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	var doc model.Document
	result := s.db.WithContext(ctx).Where("memory_id = ? AND id = ?", memoryID, docID).Limit(1).Find(&doc)
	if result.Error != nil {
		return nil, s.failure("get document", result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, &faults.NotFoundError{Resource: "document", ID: docID.String()}
	}
	return &doc, nil
}

func (s *Store) GetDocumentByHash(ctx context.Context, memoryID string, hash string) (*model.Document, error) {
	defer metrics.ObserveStore(s.name, "GetDocumentByHash", time.Now())
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	var doc model.Document
	result := s.db.WithContext(ctx).Where("memory_id = ? AND hash = ?", memoryID, hash).Limit(1).Find(&doc)
	if result.Error != nil {
		return nil, s.failure("get document by hash", result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, &faults.NotFoundError{Resource: "document", ID: hash}
	}
	return &doc, nil
}

func (s *Store) ListDocuments(ctx context.Context, memoryID string) ([]model.Document, error) {
	defer metrics.ObserveStore(s.name, "ListDocuments", time.Now())
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	var docs []model.Document
	if err := s.db.WithContext(ctx).Where("memory_id = ?", memoryID).Order("ingested_at ASC, id ASC").Find(&docs).Error; err != nil {
		return nil, s.failure("list documents", err)
	}
	return docs, nil
}

// DeleteDocument removes the document and its mention edges. Entities stay:
// they may be mentioned by other documents, and an over-trimmed graph is
// worse than a stale mention count.
func (s *Store) DeleteDocument(ctx context.Context, memoryID string, docID uuid.UUID) error {
	defer metrics.ObserveStore(s.name, "DeleteDocument", time.Now())
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	if _, err := s.GetDocument(ctx, memoryID, docID); err != nil {
		return err
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("document_id = ?", docID).Delete(&model.Mention{}).Error; err != nil {
			return err
		}
		return tx.Where("memory_id = ? AND id = ?", memoryID, docID).Delete(&model.Document{}).Error
	})
	if err != nil {
		return s.failure("delete document", err)
	}
	return nil
}
