package sqlstore

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/chirino/graph-memory-service/internal/faults"
	"github.com/chirino/graph-memory-service/internal/metrics"
	"github.com/chirino/graph-memory-service/internal/model"
	registrygraph "github.com/chirino/graph-memory-service/internal/registry/graph"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// AddEntitiesAndRelations merges one document's extraction output into the
// memory's graph. Entities match case-insensitively on name within the
// memory; a match increments the mention count and keeps the longer
// description. Relations dedupe on (from, to, type). Runs in one
// transaction so a failed batch leaves no partial graph.
func (s *Store) AddEntitiesAndRelations(ctx context.Context, memoryID string, docID uuid.UUID, entities []registrygraph.EntityInput, relations []registrygraph.RelationInput) (*registrygraph.MergeCounts, error) {
	defer metrics.ObserveStore(s.name, "AddEntitiesAndRelations", time.Now())
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	counts := &registrygraph.MergeCounts{
		EntityTypes:   map[string]int{},
		RelationTypes: map[string]int{},
	}
	idByName := map[string]uuid.UUID{}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := time.Now()
		for _, in := range entities {
			name := strings.TrimSpace(in.Name)
			if name == "" {
				continue
			}
			var existing model.Entity
			result := tx.Where("memory_id = ? AND LOWER(name) = LOWER(?)", memoryID, name).Limit(1).Find(&existing)
			if result.Error != nil {
				return result.Error
			}
			var entityID uuid.UUID
			if result.RowsAffected > 0 {
				updates := map[string]interface{}{
					"mention_count": gorm.Expr("mention_count + 1"),
					"updated_at":    now,
				}
				if len(in.Description) > len(existing.Description) {
					updates["description"] = in.Description
				}
				if err := tx.Model(&model.Entity{}).Where("id = ?", existing.ID).Updates(updates).Error; err != nil {
					return err
				}
				entityID = existing.ID
				counts.EntitiesMerged++
				counts.EntityTypes[existing.Type]++
			} else {
				entity := model.Entity{
					ID:           uuid.New(),
					MemoryID:     memoryID,
					Name:         name,
					Type:         in.Type,
					Description:  in.Description,
					MentionCount: 1,
					CreatedAt:    now,
					UpdatedAt:    now,
				}
				if err := tx.Create(&entity).Error; err != nil {
					return err
				}
				entityID = entity.ID
				counts.EntitiesCreated++
				counts.EntityTypes[in.Type]++
			}
			idByName[strings.ToLower(name)] = entityID

			var mention model.Mention
			result = tx.Where("document_id = ? AND entity_id = ?", docID, entityID).Limit(1).Find(&mention)
			if result.Error != nil {
				return result.Error
			}
			if result.RowsAffected > 0 {
				if err := tx.Model(&model.Mention{}).
					Where("document_id = ? AND entity_id = ?", docID, entityID).
					Update("count", gorm.Expr("count + 1")).Error; err != nil {
					return err
				}
			} else {
				if err := tx.Create(&model.Mention{DocumentID: docID, EntityID: entityID, MemoryID: memoryID, Count: 1}).Error; err != nil {
					return err
				}
			}
		}

		for _, in := range relations {
			fromID, err := s.resolveEntityID(tx, memoryID, in.From, idByName)
			if err != nil {
				return err
			}
			toID, err := s.resolveEntityID(tx, memoryID, in.To, idByName)
			if err != nil {
				return err
			}
			if fromID == uuid.Nil || toID == uuid.Nil || fromID == toID {
				// Dangling or self-referencing edges are dropped, not errors.
				continue
			}

			var existing model.Relation
			result := tx.Where("memory_id = ? AND from_entity_id = ? AND to_entity_id = ? AND type = ?",
				memoryID, fromID, toID, in.Type).Limit(1).Find(&existing)
			if result.Error != nil {
				return result.Error
			}
			if result.RowsAffected > 0 {
				if len(in.Description) > len(existing.Description) {
					if err := tx.Model(&model.Relation{}).Where("id = ?", existing.ID).
						Update("description", in.Description).Error; err != nil {
						return err
					}
				}
				counts.RelationsMerged++
			} else {
				weight := in.Weight
				if weight <= 0 {
					weight = 1
				}
				relation := model.Relation{
					ID:           uuid.New(),
					MemoryID:     memoryID,
					FromEntityID: fromID,
					ToEntityID:   toID,
					Type:         in.Type,
					Description:  in.Description,
					Weight:       weight,
					CreatedAt:    time.Now(),
				}
				if err := tx.Create(&relation).Error; err != nil {
					return err
				}
				counts.RelationsCreated++
			}
			counts.RelationTypes[in.Type]++
		}
		return nil
	})
	if err != nil {
		return nil, s.failure("merge entities and relations", err)
	}
	return counts, nil
}

func (s *Store) resolveEntityID(tx *gorm.DB, memoryID, name string, idByName map[string]uuid.UUID) (uuid.UUID, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return uuid.Nil, nil
	}
	if id, ok := idByName[strings.ToLower(name)]; ok {
		return id, nil
	}
	var entity model.Entity
	result := tx.Where("memory_id = ? AND LOWER(name) = LOWER(?)", memoryID, name).Limit(1).Find(&entity)
	if result.Error != nil {
		return uuid.Nil, result.Error
	}
	if result.RowsAffected == 0 {
		return uuid.Nil, nil
	}
	idByName[strings.ToLower(name)] = entity.ID
	return entity.ID, nil
}

// SearchEntities tokenizes the query and matches name and description.
// Tokens shorter than three characters are dropped so stopwords like "is"
// cannot demote a full match. Entities matching every token are returned;
// when none do, partial matches are returned instead, ranked by mention
// count descending with name as the tiebreak.
func (s *Store) SearchEntities(ctx context.Context, memoryID string, query string, limit int) ([]registrygraph.EntityHit, error) {
	defer metrics.ObserveStore(s.name, "SearchEntities", time.Now())
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	fields := strings.Fields(strings.ToLower(strings.TrimSpace(query)))
	tokens := fields[:0]
	for _, field := range fields {
		if len(field) >= 3 {
			tokens = append(tokens, field)
		}
	}
	if len(tokens) == 0 {
		return nil, &faults.ValidationError{Field: "query", Message: "must contain a term of at least 3 characters"}
	}
	if limit <= 0 {
		limit = 10
	}

	tx := s.db.WithContext(ctx).Where("memory_id = ?", memoryID)
	or := s.db.Where("1 = 0")
	for _, token := range tokens {
		pattern := "%" + token + "%"
		or = or.Or("LOWER(name) LIKE ? OR LOWER(description) LIKE ?", pattern, pattern)
	}
	var candidates []model.Entity
	if err := tx.Where(or).Order("mention_count DESC").Limit(500).Find(&candidates).Error; err != nil {
		return nil, s.failure("search entities", err)
	}

	hits := make([]registrygraph.EntityHit, 0, len(candidates))
	for _, entity := range candidates {
		haystack := strings.ToLower(entity.Name + " " + entity.Description)
		matched := 0
		for _, token := range tokens {
			if strings.Contains(haystack, token) {
				matched++
			}
		}
		if matched == 0 {
			continue
		}
		hits = append(hits, registrygraph.EntityHit{
			Entity: entity,
			Score:  float64(matched) / float64(len(tokens)),
		})
	}

	full := hits[:0:0]
	for _, h := range hits {
		if h.Score == 1 {
			full = append(full, h)
		}
	}
	if len(full) > 0 {
		hits = full
	}
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Entity.MentionCount != hits[j].Entity.MentionCount {
			return hits[i].Entity.MentionCount > hits[j].Entity.MentionCount
		}
		return hits[i].Entity.Name < hits[j].Entity.Name
	})
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

// GetEntityContext returns the 1-hop neighborhood. An exact (case
// insensitive) name match is tried first, then a substring fallback picking
// the most-mentioned candidate. Depth is clamped to one hop.
func (s *Store) GetEntityContext(ctx context.Context, memoryID string, name string, depth int) (*registrygraph.EntityContext, error) {
	defer metrics.ObserveStore(s.name, "GetEntityContext", time.Now())
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	_ = depth

	var entity model.Entity
	result := s.db.WithContext(ctx).Where("memory_id = ? AND LOWER(name) = LOWER(?)", memoryID, name).Limit(1).Find(&entity)
	if result.Error != nil {
		return nil, s.failure("get entity context", result.Error)
	}
	if result.RowsAffected == 0 {
		result = s.db.WithContext(ctx).
			Where("memory_id = ? AND LOWER(name) LIKE ?", memoryID, "%"+strings.ToLower(name)+"%").
			Order("mention_count DESC").Limit(1).Find(&entity)
		if result.Error != nil {
			return nil, s.failure("get entity context", result.Error)
		}
		if result.RowsAffected == 0 {
			return nil, &faults.NotFoundError{Resource: "entity", ID: name}
		}
	}

	var documents []model.Document
	err := s.db.WithContext(ctx).
		Joins("JOIN mentions ON mentions.document_id = documents.id").
		Where("mentions.entity_id = ?", entity.ID).
		Order("documents.ingested_at ASC").
		Find(&documents).Error
	if err != nil {
		return nil, s.failure("get entity context", err)
	}

	var relations []model.Relation
	err = s.db.WithContext(ctx).
		Where("memory_id = ? AND (from_entity_id = ? OR to_entity_id = ?)", memoryID, entity.ID, entity.ID).
		Order("weight DESC, created_at ASC").
		Find(&relations).Error
	if err != nil {
		return nil, s.failure("get entity context", err)
	}

	neighborIDs := make([]uuid.UUID, 0, len(relations))
	for _, r := range relations {
		other := r.FromEntityID
		if other == entity.ID {
			other = r.ToEntityID
		}
		neighborIDs = append(neighborIDs, other)
	}
	neighbors := map[uuid.UUID]model.Entity{}
	if len(neighborIDs) > 0 {
		var entities []model.Entity
		if err := s.db.WithContext(ctx).Where("id IN ?", neighborIDs).Find(&entities).Error; err != nil {
			return nil, s.failure("get entity context", err)
		}
		for _, e := range entities {
			neighbors[e.ID] = e
		}
	}

	out := &registrygraph.EntityContext{Entity: entity, Documents: documents}
	for _, r := range relations {
		outgoing := r.FromEntityID == entity.ID
		other := r.ToEntityID
		if !outgoing {
			other = r.FromEntityID
		}
		neighbor, ok := neighbors[other]
		if !ok {
			continue
		}
		out.Related = append(out.Related, registrygraph.RelatedEntity{
			Entity:   neighbor,
			Relation: r,
			Outgoing: outgoing,
		})
	}
	return out, nil
}

func (s *Store) DocumentIDsForEntities(ctx context.Context, memoryID string, names []string) ([]uuid.UUID, error) {
	defer metrics.ObserveStore(s.name, "DocumentIDsForEntities", time.Now())
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	lowered := make([]string, 0, len(names))
	for _, n := range names {
		if n = strings.ToLower(strings.TrimSpace(n)); n != "" {
			lowered = append(lowered, n)
		}
	}
	if len(lowered) == 0 {
		return nil, nil
	}

	var ids []uuid.UUID
	err := s.db.WithContext(ctx).
		Model(&model.Mention{}).
		Distinct("mentions.document_id").
		Joins("JOIN entities ON entities.id = mentions.entity_id").
		Where("mentions.memory_id = ? AND LOWER(entities.name) IN ?", memoryID, lowered).
		Pluck("mentions.document_id", &ids).Error
	if err != nil {
		return nil, s.failure("document ids for entities", err)
	}
	return ids, nil
}

func (s *Store) GetMemoryStats(ctx context.Context, memoryID string) (*registrygraph.MemoryStats, error) {
	defer metrics.ObserveStore(s.name, "GetMemoryStats", time.Now())
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	if _, err := s.GetMemory(ctx, memoryID); err != nil {
		return nil, err
	}
	stats := &registrygraph.MemoryStats{
		MemoryID:      memoryID,
		EntityTypes:   map[string]int{},
		RelationTypes: map[string]int{},
	}

	counters := []struct {
		dest  *int64
		table interface{}
	}{
		{&stats.Documents, &model.Document{}},
		{&stats.Entities, &model.Entity{}},
		{&stats.Relations, &model.Relation{}},
		{&stats.Mentions, &model.Mention{}},
	}
	for _, c := range counters {
		if err := s.db.WithContext(ctx).Model(c.table).Where("memory_id = ?", memoryID).Count(c.dest).Error; err != nil {
			return nil, s.failure("memory stats", err)
		}
	}

	type typeCount struct {
		Type  string
		Count int
	}
	var entityTypes []typeCount
	err := s.db.WithContext(ctx).Model(&model.Entity{}).
		Select("type, COUNT(*) as count").
		Where("memory_id = ?", memoryID).
		Group("type").Scan(&entityTypes).Error
	if err != nil {
		return nil, s.failure("memory stats", err)
	}
	for _, tc := range entityTypes {
		stats.EntityTypes[tc.Type] = tc.Count
	}

	var relationTypes []typeCount
	err = s.db.WithContext(ctx).Model(&model.Relation{}).
		Select("type, COUNT(*) as count").
		Where("memory_id = ?", memoryID).
		Group("type").Scan(&relationTypes).Error
	if err != nil {
		return nil, s.failure("memory stats", err)
	}
	for _, tc := range relationTypes {
		stats.RelationTypes[tc.Type] = tc.Count
	}
	return stats, nil
}
