package migrate

import (
	"context"

	"github.com/charmbracelet/log"
	"github.com/chirino/graph-memory-service/internal/config"
	registrymigrate "github.com/chirino/graph-memory-service/internal/registry/migrate"
	"github.com/urfave/cli/v3"

	// Import plugins to trigger init() registration of their migrators.
	// Store plugins register their own migrators alongside their primary interface.
	_ "github.com/chirino/graph-memory-service/internal/plugin/graph/sqlstore"
	_ "github.com/chirino/graph-memory-service/internal/plugin/vector/qdrant"
)

// Command returns the migrate sub-command.
func Command() *cli.Command {
	return &cli.Command{
		Name:  "migrate",
		Usage: "Run graph store and vector index migrations",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "graph-url",
				Sources:  cli.EnvVars("GRAPH_MEMORY_GRAPH_URL"),
				Usage:    "Postgres DSN or sqlite file path",
				Required: true,
			},
			&cli.StringFlag{
				Name:    "graph-kind",
				Sources: cli.EnvVars("GRAPH_MEMORY_GRAPH_KIND"),
				Usage:   "Graph store backend (postgres|sqlite)",
				Value:   "postgres",
			},
			&cli.StringFlag{
				Name:    "qdrant-host",
				Sources: cli.EnvVars("GRAPH_MEMORY_QDRANT_HOST"),
				Usage:   "Qdrant host:port",
				Value:   "localhost:6334",
			},
			&cli.StringFlag{
				Name:    "qdrant-api-key",
				Sources: cli.EnvVars("GRAPH_MEMORY_QDRANT_API_KEY"),
				Usage:   "Qdrant API key",
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg := config.DefaultConfig()
			cfg.GraphURL = cmd.String("graph-url")
			cfg.GraphType = cmd.String("graph-kind")
			cfg.QdrantHost = cmd.String("qdrant-host")
			cfg.QdrantAPIKey = cmd.String("qdrant-api-key")
			ctx = config.WithContext(ctx, &cfg)

			log.Info("Running migrations...")
			if err := registrymigrate.RunAll(ctx); err != nil {
				return err
			}
			log.Info("All migrations completed successfully")
			return nil
		},
	}
}
