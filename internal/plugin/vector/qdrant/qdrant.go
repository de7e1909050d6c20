// Package qdrant implements the vector index on Qdrant over gRPC. Each
// memory gets its own collection so deleting a memory is a collection drop,
// never a cross-tenant filter.
package qdrant

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/chirino/graph-memory-service/internal/config"
	"github.com/chirino/graph-memory-service/internal/faults"
	"github.com/chirino/graph-memory-service/internal/model"
	registrymigrate "github.com/chirino/graph-memory-service/internal/registry/migrate"
	registryvector "github.com/chirino/graph-memory-service/internal/registry/vector"
	"github.com/google/uuid"
	pb "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
)

const (
	scrollPageSize  = 256
	importBatchSize = 128
)

func init() {
	registryvector.Register(registryvector.Plugin{
		Name:   "qdrant",
		Loader: load,
	})
	registrymigrate.Register(registrymigrate.Plugin{Order: 200, Migrator: &qdrantMigrator{}})
}

// qdrantMigrator verifies Qdrant is reachable at startup. Collections are
// created lazily per memory, so there is no schema to apply here.
type qdrantMigrator struct{}

func (m *qdrantMigrator) Name() string { return "qdrant" }

func (m *qdrantMigrator) Migrate(ctx context.Context) error {
	cfg := config.FromContext(ctx)
	if cfg == nil {
		return nil
	}
	log.Info("Running migration", "name", m.Name())
	migrateCtx, cancel := context.WithTimeout(ctx, cfg.QdrantStartupTimeout)
	defer cancel()

	conn, err := grpc.NewClient(cfg.QdrantAddress(), dialOptions(cfg)...)
	if err != nil {
		return fmt.Errorf("qdrant migrate: connect: %w", err)
	}
	defer conn.Close()

	if _, err := pb.NewCollectionsClient(conn).List(migrateCtx, &pb.ListCollectionsRequest{}); err != nil {
		return &faults.UnavailableError{Store: "qdrant", Cause: err}
	}
	return nil
}

func load(ctx context.Context) (registryvector.VectorIndex, error) {
	cfg := config.FromContext(ctx)
	if cfg == nil {
		return nil, fmt.Errorf("qdrant: missing config in context")
	}
	conn, err := grpc.NewClient(cfg.QdrantAddress(), dialOptions(cfg)...)
	if err != nil {
		return nil, fmt.Errorf("qdrant: connect: %w", err)
	}
	return &Index{
		points:      pb.NewPointsClient(conn),
		collections: pb.NewCollectionsClient(conn),
		conn:        conn,
		prefix:      collectionPrefix(cfg),
		dimensions:  uint64(cfg.EmbedDimensions),
	}, nil
}

// Index implements the vector index on Qdrant.
type Index struct {
	points      pb.PointsClient
	collections pb.CollectionsClient
	conn        *grpc.ClientConn
	prefix      string
	dimensions  uint64
}

func (s *Index) Name() string { return "qdrant" }

// CollectionName returns the per-memory collection name.
func (s *Index) CollectionName(memoryID string) string {
	return s.prefix + "_" + memoryID
}

func (s *Index) EnsureCollection(ctx context.Context, memoryID string) error {
	name := s.CollectionName(memoryID)
	_, err := s.collections.Get(ctx, &pb.GetCollectionInfoRequest{CollectionName: name})
	if err == nil {
		return nil
	}
	if !isMissingCollection(err) {
		return s.failure("get collection", err)
	}

	_, err = s.collections.Create(ctx, &pb.CreateCollection{
		CollectionName: name,
		VectorsConfig: &pb.VectorsConfig{
			Config: &pb.VectorsConfig_Params{
				Params: &pb.VectorParams{
					Size:     s.dimensions,
					Distance: pb.Distance_Cosine,
				},
			},
		},
	})
	if err != nil {
		// Concurrent ingests race to create; losing the race is fine.
		if status.Code(err) == codes.AlreadyExists {
			return nil
		}
		return s.failure("create collection", err)
	}
	log.Info("Created Qdrant collection", "name", name)

	for _, field := range []string{"doc_id", "memory_id"} {
		_, err := s.points.CreateFieldIndex(ctx, &pb.CreateFieldIndexCollection{
			CollectionName: name,
			FieldName:      field,
			FieldType:      fieldTypePtr(pb.FieldType_FieldTypeKeyword),
		})
		if err != nil {
			return s.failure("create payload index", err)
		}
	}
	return nil
}

func (s *Index) StoreChunks(ctx context.Context, memoryID string, docID uuid.UUID, chunks []model.Chunk, embeddings [][]float32) (int, error) {
	if len(chunks) != len(embeddings) {
		return 0, &faults.ValidationError{
			Field:   "embeddings",
			Message: fmt.Sprintf("got %d embeddings for %d chunks", len(embeddings), len(chunks)),
		}
	}
	if len(chunks) == 0 {
		return 0, nil
	}
	if err := s.EnsureCollection(ctx, memoryID); err != nil {
		return 0, err
	}

	points := make([]*pb.PointStruct, len(chunks))
	for i, chunk := range chunks {
		// Deterministic point IDs make re-ingestion an overwrite, not a
		// duplicate.
		pointID := uuid.NewSHA1(uuid.NameSpaceOID, []byte(fmt.Sprintf("%s/%d", docID, chunk.Index)))
		points[i] = &pb.PointStruct{
			Id: &pb.PointId{PointIdOptions: &pb.PointId_Uuid{Uuid: pointID.String()}},
			Vectors: &pb.Vectors{
				VectorsOptions: &pb.Vectors_Vector{
					Vector: &pb.Vector{Data: embeddings[i]},
				},
			},
			Payload: chunkToPayload(chunk),
		}
	}
	if _, err := s.points.Upsert(ctx, &pb.UpsertPoints{
		CollectionName: s.CollectionName(memoryID),
		Points:         points,
	}); err != nil {
		return 0, s.failure("upsert points", err)
	}
	return len(points), nil
}

func (s *Index) Search(ctx context.Context, memoryID string, queryVector []float32, docIDs []uuid.UUID, limit int) ([]registryvector.ScoredChunk, error) {
	// Graph-guided retrieval with zero candidate documents has an empty
	// answer by construction.
	if docIDs != nil && len(docIDs) == 0 {
		return nil, nil
	}
	if limit <= 0 {
		limit = 10
	}

	filter := &pb.Filter{
		Must: []*pb.Condition{keywordCondition("memory_id", memoryID)},
	}
	if docIDs != nil {
		keys := make([]string, len(docIDs))
		for i, id := range docIDs {
			keys[i] = id.String()
		}
		filter.Must = append(filter.Must, keywordsCondition("doc_id", keys))
	}

	resp, err := s.points.Search(ctx, &pb.SearchPoints{
		CollectionName: s.CollectionName(memoryID),
		Vector:         queryVector,
		Limit:          uint64(limit),
		WithPayload:    &pb.WithPayloadSelector{SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: true}},
		Filter:         filter,
	})
	if err != nil {
		if isMissingCollection(err) {
			return nil, nil
		}
		return nil, s.failure("search", err)
	}

	results := make([]registryvector.ScoredChunk, 0, len(resp.GetResult()))
	for _, pt := range resp.GetResult() {
		results = append(results, registryvector.ScoredChunk{
			Chunk: payloadToChunk(pt.GetPayload()),
			Score: float64(pt.GetScore()),
		})
	}
	return results, nil
}

func (s *Index) DeleteDocumentChunks(ctx context.Context, memoryID string, docID uuid.UUID) (int, error) {
	filter := &pb.Filter{
		Must: []*pb.Condition{keywordCondition("doc_id", docID.String())},
	}
	countResp, err := s.points.Count(ctx, &pb.CountPoints{
		CollectionName: s.CollectionName(memoryID),
		Filter:         filter,
		Exact:          boolPtr(true),
	})
	if err != nil {
		if isMissingCollection(err) {
			return 0, nil
		}
		return 0, s.failure("count points", err)
	}
	removed := int(countResp.GetResult().GetCount())
	if removed == 0 {
		return 0, nil
	}

	_, err = s.points.Delete(ctx, &pb.DeletePoints{
		CollectionName: s.CollectionName(memoryID),
		Points: &pb.PointsSelector{
			PointsSelectorOneOf: &pb.PointsSelector_Filter{Filter: filter},
		},
	})
	if err != nil {
		return 0, s.failure("delete points", err)
	}
	return removed, nil
}

func (s *Index) DeleteCollection(ctx context.Context, memoryID string) error {
	_, err := s.collections.Delete(ctx, &pb.DeleteCollection{
		CollectionName: s.CollectionName(memoryID),
	})
	if err != nil && !isMissingCollection(err) {
		return s.failure("delete collection", err)
	}
	return nil
}

// ExportCollection pages through the whole collection with Scroll; a backup
// must not assume the collection fits in one response.
func (s *Index) ExportCollection(ctx context.Context, memoryID string) ([]registryvector.Point, error) {
	var points []registryvector.Point
	var offset *pb.PointId
	for {
		resp, err := s.points.Scroll(ctx, &pb.ScrollPoints{
			CollectionName: s.CollectionName(memoryID),
			Limit:          uint32Ptr(scrollPageSize),
			Offset:         offset,
			WithPayload:    &pb.WithPayloadSelector{SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: true}},
			WithVectors:    &pb.WithVectorsSelector{SelectorOptions: &pb.WithVectorsSelector_Enable{Enable: true}},
		})
		if err != nil {
			if isMissingCollection(err) {
				return nil, nil
			}
			return nil, s.failure("scroll", err)
		}
		for _, pt := range resp.GetResult() {
			points = append(points, registryvector.Point{
				ID:      pt.GetId().GetUuid(),
				Vector:  pt.GetVectors().GetVector().GetData(),
				Payload: payloadToChunk(pt.GetPayload()),
			})
		}
		offset = resp.GetNextPageOffset()
		if offset == nil {
			return points, nil
		}
	}
}

func (s *Index) ImportCollection(ctx context.Context, memoryID string, points []registryvector.Point) error {
	if err := s.EnsureCollection(ctx, memoryID); err != nil {
		return err
	}
	for start := 0; start < len(points); start += importBatchSize {
		end := start + importBatchSize
		if end > len(points) {
			end = len(points)
		}
		batch := make([]*pb.PointStruct, 0, end-start)
		for _, p := range points[start:end] {
			batch = append(batch, &pb.PointStruct{
				Id: &pb.PointId{PointIdOptions: &pb.PointId_Uuid{Uuid: p.ID}},
				Vectors: &pb.Vectors{
					VectorsOptions: &pb.Vectors_Vector{
						Vector: &pb.Vector{Data: p.Vector},
					},
				},
				Payload: chunkToPayload(p.Payload),
			})
		}
		if _, err := s.points.Upsert(ctx, &pb.UpsertPoints{
			CollectionName: s.CollectionName(memoryID),
			Points:         batch,
		}); err != nil {
			return s.failure("import points", err)
		}
	}
	return nil
}

func (s *Index) CountPoints(ctx context.Context, memoryID string) (uint64, error) {
	resp, err := s.points.Count(ctx, &pb.CountPoints{
		CollectionName: s.CollectionName(memoryID),
		Exact:          boolPtr(true),
	})
	if err != nil {
		if isMissingCollection(err) {
			return 0, nil
		}
		return 0, s.failure("count points", err)
	}
	return resp.GetResult().GetCount(), nil
}

func (s *Index) failure(op string, err error) error {
	switch faults.Classify(err) {
	case faults.ClassUnavailable, faults.ClassTransientDisconnect:
		return &faults.UnavailableError{Store: "qdrant", Cause: fmt.Errorf("%s: %w", op, err)}
	}
	return fmt.Errorf("qdrant %s: %w", op, err)
}

func isMissingCollection(err error) bool {
	if status.Code(err) == codes.NotFound {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "doesn't exist") || strings.Contains(msg, "not found")
}

func keywordCondition(key, value string) *pb.Condition {
	return &pb.Condition{
		ConditionOneOf: &pb.Condition_Field{
			Field: &pb.FieldCondition{
				Key: key,
				Match: &pb.Match{
					MatchValue: &pb.Match_Keyword{Keyword: value},
				},
			},
		},
	}
}

func keywordsCondition(key string, values []string) *pb.Condition {
	return &pb.Condition{
		ConditionOneOf: &pb.Condition_Field{
			Field: &pb.FieldCondition{
				Key: key,
				Match: &pb.Match{
					MatchValue: &pb.Match_Keywords{
						Keywords: &pb.RepeatedStrings{Strings: values},
					},
				},
			},
		},
	}
}

func dialOptions(cfg *config.Config) []grpc.DialOption {
	opts := make([]grpc.DialOption, 0, 2)
	if cfg.QdrantUseTLS {
		opts = append(opts, grpc.WithTransportCredentials(credentials.NewTLS(nil)))
	} else {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}
	if strings.TrimSpace(cfg.QdrantAPIKey) != "" {
		opts = append(opts, grpc.WithPerRPCCredentials(apiKeyCredentials{
			apiKey:     cfg.QdrantAPIKey,
			requireTLS: cfg.QdrantUseTLS,
		}))
	}
	return opts
}

type apiKeyCredentials struct {
	apiKey     string
	requireTLS bool
}

func (a apiKeyCredentials) GetRequestMetadata(context.Context, ...string) (map[string]string, error) {
	return map[string]string{"api-key": a.apiKey}, nil
}

func (a apiKeyCredentials) RequireTransportSecurity() bool {
	return a.requireTLS
}

func collectionPrefix(cfg *config.Config) string {
	prefix := strings.TrimSpace(cfg.QdrantCollectionPrefix)
	if prefix == "" {
		prefix = "graph-memory"
	}
	return strings.NewReplacer("/", "-", " ", "-").Replace(strings.ToLower(prefix))
}

func boolPtr(v bool) *bool       { return &v }
func uint32Ptr(v uint32) *uint32 { return &v }

func fieldTypePtr(v pb.FieldType) *pb.FieldType { return &v }
