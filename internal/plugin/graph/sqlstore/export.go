package sqlstore

import (
	"context"
	"time"

	"github.com/chirino/graph-memory-service/internal/faults"
	"github.com/chirino/graph-memory-service/internal/metrics"
	registrygraph "github.com/chirino/graph-memory-service/internal/registry/graph"
	"gorm.io/gorm"
)

// exportVersion tags the snapshot schema so a future layout change can still
// read old backups.
const exportVersion = 1

// ExportMemoryData snapshots every row belonging to the memory in a stable
// order, so identical graphs produce identical exports.
func (s *Store) ExportMemoryData(ctx context.Context, memoryID string) (*registrygraph.Export, error) {
	defer metrics.ObserveStore(s.name, "ExportMemoryData", time.Now())
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	memory, err := s.GetMemory(ctx, memoryID)
	if err != nil {
		return nil, err
	}
	export := &registrygraph.Export{Version: exportVersion, Memory: *memory}

	db := s.db.WithContext(ctx)
	if err := db.Where("memory_id = ?", memoryID).Order("id ASC").Find(&export.Documents).Error; err != nil {
		return nil, s.failure("export documents", err)
	}
	if err := db.Where("memory_id = ?", memoryID).Order("name ASC, id ASC").Find(&export.Entities).Error; err != nil {
		return nil, s.failure("export entities", err)
	}
	if err := db.Where("memory_id = ?", memoryID).Order("id ASC").Find(&export.Relations).Error; err != nil {
		return nil, s.failure("export relations", err)
	}
	if err := db.Where("memory_id = ?", memoryID).Order("document_id ASC, entity_id ASC").Find(&export.Mentions).Error; err != nil {
		return nil, s.failure("export mentions", err)
	}
	return export, nil
}

// ImportMemoryData recreates a previously exported memory. The target memory
// ID must not exist; restores never overwrite live data.
func (s *Store) ImportMemoryData(ctx context.Context, export *registrygraph.Export) (*registrygraph.ImportCounts, error) {
	defer metrics.ObserveStore(s.name, "ImportMemoryData", time.Now())
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	if export == nil || export.Memory.ID == "" {
		return nil, &faults.ValidationError{Field: "export", Message: "missing memory record"}
	}
	if export.Version > exportVersion {
		return nil, &faults.ValidationError{Field: "version", Message: "snapshot was written by a newer release"}
	}
	if _, err := s.GetMemory(ctx, export.Memory.ID); err == nil {
		return nil, &faults.ConflictError{Message: "memory already exists: " + export.Memory.ID}
	} else if faults.Classify(err) != faults.ClassNotFound {
		return nil, err
	}

	counts := &registrygraph.ImportCounts{}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		memory := export.Memory
		if err := tx.Create(&memory).Error; err != nil {
			return err
		}
		for i := range export.Documents {
			doc := export.Documents[i]
			doc.MemoryID = memory.ID
			if err := tx.Create(&doc).Error; err != nil {
				return err
			}
			counts.Documents++
		}
		for i := range export.Entities {
			entity := export.Entities[i]
			entity.MemoryID = memory.ID
			if err := tx.Create(&entity).Error; err != nil {
				return err
			}
			counts.Entities++
		}
		for i := range export.Relations {
			relation := export.Relations[i]
			relation.MemoryID = memory.ID
			if err := tx.Create(&relation).Error; err != nil {
				return err
			}
			counts.Relations++
		}
		for i := range export.Mentions {
			mention := export.Mentions[i]
			mention.MemoryID = memory.ID
			if err := tx.Create(&mention).Error; err != nil {
				return err
			}
			counts.Mentions++
		}
		return nil
	})
	if err != nil {
		return nil, s.failure("import memory data", err)
	}
	return counts, nil
}
