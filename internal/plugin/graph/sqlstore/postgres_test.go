package sqlstore

import (
	"context"
	"testing"

	"github.com/chirino/graph-memory-service/internal/faults"
	"github.com/chirino/graph-memory-service/internal/model"
	registrygraph "github.com/chirino/graph-memory-service/internal/registry/graph"
	"github.com/chirino/graph-memory-service/internal/testutil/testpg"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// TestPostgresRoundTrip runs the store against a real Postgres to catch
// dialect differences the sqlite tests cannot, in particular the on-conflict
// merge and error translation paths.
func TestPostgresRoundTrip(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}
	dsn := testpg.StartPostgres(t)

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Discard,
	})
	require.NoError(t, err)
	require.NoError(t, AutoMigrate(db))
	s := NewStore(db, "postgres")
	ctx := context.Background()

	_, err = s.CreateMemory(ctx, model.Memory{ID: "m", Ontology: "general"})
	require.NoError(t, err)
	_, err = s.CreateMemory(ctx, model.Memory{ID: "m"})
	require.Equal(t, faults.ClassConflict, faults.Classify(err))

	doc, err := s.AddDocument(ctx, model.Document{
		MemoryID: "m",
		URI:      "s3://bucket/m/documents/abc123_a.txt",
		Filename: "a.txt",
		Hash:     "abc123",
	})
	require.NoError(t, err)
	_, err = s.AddDocument(ctx, model.Document{MemoryID: "m", URI: "x", Filename: "b.txt", Hash: "abc123"})
	require.Equal(t, faults.ClassConflict, faults.Classify(err))

	// Merge the same entity twice; the second pass must update, not duplicate.
	for range 2 {
		_, err = s.AddEntitiesAndRelations(ctx, "m", doc.ID,
			[]registrygraph.EntityInput{{Name: "Alice", Type: "person", Description: "engineer"}},
			nil)
		require.NoError(t, err)
	}
	stats, err := s.GetMemoryStats(ctx, "m")
	require.NoError(t, err)
	require.Equal(t, int64(1), stats.Entities)
	require.Equal(t, int64(1), stats.Documents)

	require.NoError(t, s.DeleteMemory(ctx, "m"))
	_, err = s.GetMemory(ctx, "m")
	require.Equal(t, faults.ClassNotFound, faults.Classify(err))
}
