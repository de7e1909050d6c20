// Package sqlstore implements the graph store on a relational database via
// GORM. The same implementation backs both the postgres and sqlite plugins;
// only the driver differs.
package sqlstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/chirino/graph-memory-service/internal/config"
	"github.com/chirino/graph-memory-service/internal/faults"
	"github.com/chirino/graph-memory-service/internal/metrics"
	"github.com/chirino/graph-memory-service/internal/model"
	registrygraph "github.com/chirino/graph-memory-service/internal/registry/graph"
	registrymigrate "github.com/chirino/graph-memory-service/internal/registry/migrate"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func init() {
	for _, name := range []string{"postgres", "sqlite"} {
		name := name
		registrygraph.Register(registrygraph.Plugin{
			Name: name,
			Loader: func(ctx context.Context) (registrygraph.GraphStore, error) {
				cfg := config.FromContext(ctx)
				db, err := open(cfg)
				if err != nil {
					return nil, fmt.Errorf("failed to connect to %s: %w", name, err)
				}
				sqlDB, err := db.DB()
				if err != nil {
					return nil, fmt.Errorf("failed to get underlying db: %w", err)
				}
				sqlDB.SetMaxOpenConns(cfg.DBMaxOpenConns)
				sqlDB.SetMaxIdleConns(cfg.DBMaxIdleConns)

				// Periodically update the open connections gauge.
				go func() {
					ticker := time.NewTicker(15 * time.Second)
					defer ticker.Stop()
					for {
						select {
						case <-ctx.Done():
							return
						case <-ticker.C:
							if metrics.DBPoolOpenConnections != nil {
								metrics.DBPoolOpenConnections.Set(float64(sqlDB.Stats().OpenConnections))
							}
						}
					}
				}()

				return &Store{db: db, name: name, queryTimeout: cfg.GraphQueryTimeout}, nil
			},
		})
	}

	registrymigrate.Register(registrymigrate.Plugin{Order: 100, Migrator: &schemaMigrator{}})
}

func open(cfg *config.Config) (*gorm.DB, error) {
	gormCfg := &gorm.Config{TranslateError: true}
	switch cfg.GraphType {
	case "sqlite":
		return gorm.Open(sqlite.Open(cfg.GraphURL), gormCfg)
	default:
		return gorm.Open(postgres.Open(cfg.GraphURL), gormCfg)
	}
}

type schemaMigrator struct{}

func (m *schemaMigrator) Name() string { return "graph-schema" }

func (m *schemaMigrator) Migrate(ctx context.Context) error {
	cfg := config.FromContext(ctx)
	if cfg != nil && !cfg.GraphMigrateAtStart {
		return nil
	}
	log.Info("Running migration", "name", m.Name(), "store", cfg.GraphType)
	db, err := open(cfg)
	if err != nil {
		return fmt.Errorf("migration: failed to connect: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()
	return AutoMigrate(db.WithContext(ctx))
}

// AutoMigrate creates or updates the graph schema.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&model.Memory{},
		&model.Document{},
		&model.Entity{},
		&model.Mention{},
		&model.Relation{},
		&model.AccessToken{},
	)
}

// Store implements the graph store on GORM.
type Store struct {
	db           *gorm.DB
	name         string
	queryTimeout time.Duration
}

// NewStore wraps an already-open gorm DB. Used by tests.
func NewStore(db *gorm.DB, name string) *Store {
	return &Store{db: db, name: name}
}

func (s *Store) Name() string { return s.name }

func (s *Store) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.queryTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.queryTimeout)
}

// failure maps driver errors to the shared taxonomy exactly once, at this
// boundary. A down database must surface as unavailable, never as not-found.
func (s *Store) failure(op string, err error) error {
	switch faults.Classify(err) {
	case faults.ClassUnavailable, faults.ClassTransientDisconnect:
		return &faults.UnavailableError{Store: s.name, Cause: fmt.Errorf("%s: %w", op, err)}
	}
	return fmt.Errorf("%s: %w", op, err)
}

func isDuplicate(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "duplicate key") || strings.Contains(msg, "UNIQUE constraint failed")
}
