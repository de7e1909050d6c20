package serve

import (
	"context"
	"time"

	"github.com/charmbracelet/log"
	"github.com/chirino/graph-memory-service/internal/config"
	"github.com/urfave/cli/v3"

	// Import all plugins to trigger init() registration
	_ "github.com/chirino/graph-memory-service/internal/plugin/chat/openai"
	_ "github.com/chirino/graph-memory-service/internal/plugin/embed/disabled"
	_ "github.com/chirino/graph-memory-service/internal/plugin/embed/local"
	_ "github.com/chirino/graph-memory-service/internal/plugin/embed/openai"
	_ "github.com/chirino/graph-memory-service/internal/plugin/graph/sqlstore"
	_ "github.com/chirino/graph-memory-service/internal/plugin/object/s3store"
	_ "github.com/chirino/graph-memory-service/internal/plugin/vector/qdrant"
)

// Command returns the serve sub-command.
func Command() *cli.Command {
	cfg := config.DefaultConfig()
	timeouts := timeoutSecs{
		readHeader: 5,
		graphQuery: 30,
		qdrantBoot: 30,
		s3Upload:   60,
		signedURL:  300,
		extraction: 120,
	}
	return &cli.Command{
		Name:  "serve",
		Usage: "Start the graph memory service HTTP server",
		Flags: flags(&cfg, &timeouts),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg.ReadHeaderTimeout = time.Duration(timeouts.readHeader) * time.Second
			cfg.GraphQueryTimeout = time.Duration(timeouts.graphQuery) * time.Second
			cfg.QdrantStartupTimeout = time.Duration(timeouts.qdrantBoot) * time.Second
			cfg.S3UploadTimeout = time.Duration(timeouts.s3Upload) * time.Second
			cfg.SignedURLExpires = time.Duration(timeouts.signedURL) * time.Second
			cfg.ExtractionTimeout = time.Duration(timeouts.extraction) * time.Second
			return run(config.WithContext(ctx, &cfg), cfg)
		},
	}
}

// timeoutSecs holds the duration flags; the CLI exposes them as integer
// seconds and the Action converts them into the Config's time.Durations.
type timeoutSecs struct {
	readHeader int
	graphQuery int
	qdrantBoot int
	s3Upload   int
	signedURL  int
	extraction int
}

func run(ctx context.Context, cfg config.Config) error {
	if cfg.Debug {
		log.SetLevel(log.DebugLevel)
	}

	srv, err := StartServer(ctx, &cfg)
	if err != nil {
		return err
	}

	<-ctx.Done()
	log.Info("Shutting down", "drainTimeout", cfg.DrainTimeout)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.DrainTimeout)*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func flags(cfg *config.Config, timeouts *timeoutSecs) []cli.Flag {
	return []cli.Flag{

		// ── Server ────────────────────────────────────────────────
		&cli.StringFlag{
			Name:        "host",
			Category:    "Server:",
			Sources:     cli.EnvVars("GRAPH_MEMORY_HOST"),
			Destination: &cfg.Host,
			Value:       cfg.Host,
			Usage:       "Address the HTTP server binds to",
		},
		&cli.IntFlag{
			Name:        "port",
			Category:    "Server:",
			Sources:     cli.EnvVars("GRAPH_MEMORY_PORT"),
			Destination: &cfg.Port,
			Value:       cfg.Port,
			Usage:       "HTTP port",
		},
		&cli.BoolFlag{
			Name:        "debug",
			Category:    "Server:",
			Sources:     cli.EnvVars("GRAPH_MEMORY_DEBUG"),
			Destination: &cfg.Debug,
			Usage:       "Enable debug logging",
		},
		&cli.IntFlag{
			Name:        "read-header-timeout-seconds",
			Category:    "Server:",
			Sources:     cli.EnvVars("GRAPH_MEMORY_READ_HEADER_TIMEOUT_SECONDS"),
			Destination: &timeouts.readHeader,
			Value:       timeouts.readHeader,
			Usage:       "HTTP read-header timeout in seconds",
		},
		&cli.IntFlag{
			Name:        "drain-timeout-seconds",
			Category:    "Server:",
			Sources:     cli.EnvVars("GRAPH_MEMORY_DRAIN_TIMEOUT_SECONDS"),
			Destination: &cfg.DrainTimeout,
			Value:       cfg.DrainTimeout,
			Usage:       "Graceful shutdown drain timeout in seconds",
		},
		&cli.Int64Flag{
			Name:        "max-body-size",
			Category:    "Server:",
			Sources:     cli.EnvVars("GRAPH_MEMORY_MAX_BODY_SIZE"),
			Destination: &cfg.MaxBodySize,
			Value:       cfg.MaxBodySize,
			Usage:       "Maximum HTTP request body size in bytes",
		},
		&cli.StringFlag{
			Name:        "temp-dir",
			Category:    "Server:",
			Sources:     cli.EnvVars("GRAPH_MEMORY_TEMP_DIR"),
			Destination: &cfg.TempDir,
			Usage:       "Directory for temporary files (default: platform temp dir)",
		},

		// ── Graph store ───────────────────────────────────────────
		&cli.StringFlag{
			Name:        "graph-kind",
			Category:    "Graph store:",
			Sources:     cli.EnvVars("GRAPH_MEMORY_GRAPH_KIND"),
			Destination: &cfg.GraphType,
			Value:       cfg.GraphType,
			Usage:       "Graph store backend (postgres|sqlite)",
		},
		&cli.StringFlag{
			Name:        "graph-url",
			Category:    "Graph store:",
			Sources:     cli.EnvVars("GRAPH_MEMORY_GRAPH_URL"),
			Destination: &cfg.GraphURL,
			Usage:       "Postgres DSN or sqlite file path",
		},
		&cli.BoolFlag{
			Name:        "graph-migrate-at-start",
			Category:    "Graph store:",
			Sources:     cli.EnvVars("GRAPH_MEMORY_GRAPH_MIGRATE_AT_START"),
			Destination: &cfg.GraphMigrateAtStart,
			Value:       cfg.GraphMigrateAtStart,
			Usage:       "Run schema migrations before serving",
		},
		&cli.IntFlag{
			Name:        "graph-query-timeout-seconds",
			Category:    "Graph store:",
			Sources:     cli.EnvVars("GRAPH_MEMORY_GRAPH_QUERY_TIMEOUT_SECONDS"),
			Destination: &timeouts.graphQuery,
			Value:       timeouts.graphQuery,
			Usage:       "Per-query timeout in seconds",
		},
		&cli.IntFlag{
			Name:        "db-max-open-conns",
			Category:    "Graph store:",
			Sources:     cli.EnvVars("GRAPH_MEMORY_DB_MAX_OPEN_CONNS"),
			Destination: &cfg.DBMaxOpenConns,
			Value:       cfg.DBMaxOpenConns,
			Usage:       "Maximum open database connections",
		},
		&cli.IntFlag{
			Name:        "db-max-idle-conns",
			Category:    "Graph store:",
			Sources:     cli.EnvVars("GRAPH_MEMORY_DB_MAX_IDLE_CONNS"),
			Destination: &cfg.DBMaxIdleConns,
			Value:       cfg.DBMaxIdleConns,
			Usage:       "Maximum idle database connections",
		},

		// ── Vector index ──────────────────────────────────────────
		&cli.StringFlag{
			Name:        "qdrant-host",
			Category:    "Vector index:",
			Sources:     cli.EnvVars("GRAPH_MEMORY_QDRANT_HOST"),
			Destination: &cfg.QdrantHost,
			Value:       cfg.QdrantHost,
			Usage:       "Qdrant host (or host:port)",
		},
		&cli.IntFlag{
			Name:        "qdrant-port",
			Category:    "Vector index:",
			Sources:     cli.EnvVars("GRAPH_MEMORY_QDRANT_PORT"),
			Destination: &cfg.QdrantPort,
			Value:       cfg.QdrantPort,
			Usage:       "Qdrant gRPC port",
		},
		&cli.StringFlag{
			Name:        "qdrant-api-key",
			Category:    "Vector index:",
			Sources:     cli.EnvVars("GRAPH_MEMORY_QDRANT_API_KEY"),
			Destination: &cfg.QdrantAPIKey,
			Usage:       "Qdrant API key",
		},
		&cli.BoolFlag{
			Name:        "qdrant-use-tls",
			Category:    "Vector index:",
			Sources:     cli.EnvVars("GRAPH_MEMORY_QDRANT_USE_TLS"),
			Destination: &cfg.QdrantUseTLS,
			Usage:       "Connect to Qdrant over TLS",
		},
		&cli.StringFlag{
			Name:        "qdrant-collection-prefix",
			Category:    "Vector index:",
			Sources:     cli.EnvVars("GRAPH_MEMORY_QDRANT_COLLECTION_PREFIX"),
			Destination: &cfg.QdrantCollectionPrefix,
			Value:       cfg.QdrantCollectionPrefix,
			Usage:       "Prefix for per-memory Qdrant collections",
		},
		&cli.IntFlag{
			Name:        "qdrant-startup-timeout-seconds",
			Category:    "Vector index:",
			Sources:     cli.EnvVars("GRAPH_MEMORY_QDRANT_STARTUP_TIMEOUT_SECONDS"),
			Destination: &timeouts.qdrantBoot,
			Value:       timeouts.qdrantBoot,
			Usage:       "How long to wait for Qdrant at startup, in seconds",
		},

		// ── Object store ──────────────────────────────────────────
		&cli.StringFlag{
			Name:        "s3-bucket",
			Category:    "Object store:",
			Sources:     cli.EnvVars("GRAPH_MEMORY_S3_BUCKET"),
			Destination: &cfg.S3Bucket,
			Usage:       "S3 bucket for original documents and backups",
		},
		&cli.StringFlag{
			Name:        "s3-region",
			Category:    "Object store:",
			Sources:     cli.EnvVars("GRAPH_MEMORY_S3_REGION", "AWS_REGION"),
			Destination: &cfg.S3Region,
			Value:       cfg.S3Region,
			Usage:       "S3 region",
		},
		&cli.StringFlag{
			Name:        "s3-endpoint",
			Category:    "Object store:",
			Sources:     cli.EnvVars("GRAPH_MEMORY_S3_ENDPOINT"),
			Destination: &cfg.S3Endpoint,
			Usage:       "Custom S3 endpoint (MinIO etc.)",
		},
		&cli.StringFlag{
			Name:        "s3-access-key-id",
			Category:    "Object store:",
			Sources:     cli.EnvVars("GRAPH_MEMORY_S3_ACCESS_KEY_ID", "AWS_ACCESS_KEY_ID"),
			Destination: &cfg.S3AccessKeyID,
			Usage:       "S3 access key id",
		},
		&cli.StringFlag{
			Name:        "s3-secret-key",
			Category:    "Object store:",
			Sources:     cli.EnvVars("GRAPH_MEMORY_S3_SECRET_KEY", "AWS_SECRET_ACCESS_KEY"),
			Destination: &cfg.S3SecretKey,
			Usage:       "S3 secret access key",
		},
		&cli.BoolFlag{
			Name:        "s3-use-path-style",
			Category:    "Object store:",
			Sources:     cli.EnvVars("GRAPH_MEMORY_S3_USE_PATH_STYLE"),
			Destination: &cfg.S3UsePathStyle,
			Usage:       "Use path-style S3 addressing",
		},
		&cli.IntFlag{
			Name:        "s3-upload-timeout-seconds",
			Category:    "Object store:",
			Sources:     cli.EnvVars("GRAPH_MEMORY_S3_UPLOAD_TIMEOUT_SECONDS"),
			Destination: &timeouts.s3Upload,
			Value:       timeouts.s3Upload,
			Usage:       "Per-upload timeout in seconds",
		},
		&cli.IntFlag{
			Name:        "signed-url-expires-seconds",
			Category:    "Object store:",
			Sources:     cli.EnvVars("GRAPH_MEMORY_SIGNED_URL_EXPIRES_SECONDS"),
			Destination: &timeouts.signedURL,
			Value:       timeouts.signedURL,
			Usage:       "Lifetime of presigned download URLs, in seconds",
		},

		// ── Extraction ────────────────────────────────────────────
		&cli.StringFlag{
			Name:        "llm-base-url",
			Category:    "Extraction:",
			Sources:     cli.EnvVars("GRAPH_MEMORY_LLM_BASE_URL"),
			Destination: &cfg.LLMBaseURL,
			Value:       cfg.LLMBaseURL,
			Usage:       "OpenAI-compatible completion endpoint",
		},
		&cli.StringFlag{
			Name:        "llm-api-key",
			Category:    "Extraction:",
			Sources:     cli.EnvVars("GRAPH_MEMORY_LLM_API_KEY", "OPENAI_API_KEY"),
			Destination: &cfg.LLMAPIKey,
			Usage:       "API key for the completion provider",
		},
		&cli.StringFlag{
			Name:        "llm-model",
			Category:    "Extraction:",
			Sources:     cli.EnvVars("GRAPH_MEMORY_LLM_MODEL"),
			Destination: &cfg.LLMModel,
			Value:       cfg.LLMModel,
			Usage:       "Completion model name",
		},
		&cli.IntFlag{
			Name:        "llm-max-tokens",
			Category:    "Extraction:",
			Sources:     cli.EnvVars("GRAPH_MEMORY_LLM_MAX_TOKENS"),
			Destination: &cfg.LLMMaxTokens,
			Value:       cfg.LLMMaxTokens,
			Usage:       "Maximum completion tokens per call",
		},
		&cli.FloatFlag{
			Name:        "llm-temperature",
			Category:    "Extraction:",
			Sources:     cli.EnvVars("GRAPH_MEMORY_LLM_TEMPERATURE"),
			Destination: &cfg.LLMTemperature,
			Value:       cfg.LLMTemperature,
			Usage:       "Completion sampling temperature",
		},
		&cli.IntFlag{
			Name:        "llm-max-input-length",
			Category:    "Extraction:",
			Sources:     cli.EnvVars("GRAPH_MEMORY_LLM_MAX_INPUT_LENGTH"),
			Destination: &cfg.LLMMaxInputLength,
			Value:       cfg.LLMMaxInputLength,
			Usage:       "Characters above which extraction switches to chunked mode",
		},
		&cli.IntFlag{
			Name:        "extraction-timeout-seconds",
			Category:    "Extraction:",
			Sources:     cli.EnvVars("GRAPH_MEMORY_EXTRACTION_TIMEOUT_SECONDS"),
			Destination: &timeouts.extraction,
			Value:       timeouts.extraction,
			Usage:       "Per-chunk extraction timeout in seconds",
		},
		&cli.StringFlag{
			Name:        "ontology-dir",
			Category:    "Extraction:",
			Sources:     cli.EnvVars("GRAPH_MEMORY_ONTOLOGY_DIR"),
			Destination: &cfg.OntologyDir,
			Usage:       "Directory of ontology YAML files overriding the built-ins",
		},

		// ── Embedding ─────────────────────────────────────────────
		&cli.StringFlag{
			Name:        "embedding-kind",
			Category:    "Embedding:",
			Sources:     cli.EnvVars("GRAPH_MEMORY_EMBEDDING_KIND"),
			Destination: &cfg.EmbedType,
			Value:       cfg.EmbedType,
			Usage:       "Embedding provider (openai|local|disabled)",
		},
		&cli.StringFlag{
			Name:        "embedding-model",
			Category:    "Embedding:",
			Sources:     cli.EnvVars("GRAPH_MEMORY_EMBEDDING_MODEL"),
			Destination: &cfg.EmbedModel,
			Value:       cfg.EmbedModel,
			Usage:       "Embedding model name",
		},
		&cli.IntFlag{
			Name:        "embedding-dimensions",
			Category:    "Embedding:",
			Sources:     cli.EnvVars("GRAPH_MEMORY_EMBEDDING_DIMENSIONS"),
			Destination: &cfg.EmbedDimensions,
			Value:       cfg.EmbedDimensions,
			Usage:       "Embedding vector dimensions",
		},

		// ── Ingestion ─────────────────────────────────────────────
		&cli.IntFlag{
			Name:        "chunk-target-size",
			Category:    "Ingestion:",
			Sources:     cli.EnvVars("GRAPH_MEMORY_CHUNK_TARGET_SIZE"),
			Destination: &cfg.ChunkTargetSize,
			Value:       cfg.ChunkTargetSize,
			Usage:       "Target chunk size in characters",
		},
		&cli.IntFlag{
			Name:        "chunk-overlap",
			Category:    "Ingestion:",
			Sources:     cli.EnvVars("GRAPH_MEMORY_CHUNK_OVERLAP"),
			Destination: &cfg.ChunkOverlap,
			Value:       cfg.ChunkOverlap,
			Usage:       "Trailing sentence overlap between chunks, in characters",
		},
		&cli.Int64Flag{
			Name:        "max-document-size",
			Category:    "Ingestion:",
			Sources:     cli.EnvVars("GRAPH_MEMORY_MAX_DOCUMENT_SIZE"),
			Destination: &cfg.MaxDocumentSize,
			Value:       cfg.MaxDocumentSize,
			Usage:       "Maximum document size in bytes",
		},
		&cli.IntFlag{
			Name:        "ingest-concurrency",
			Category:    "Ingestion:",
			Sources:     cli.EnvVars("GRAPH_MEMORY_INGEST_CONCURRENCY"),
			Destination: &cfg.IngestConcurrency,
			Value:       cfg.IngestConcurrency,
			Usage:       "Documents processed through the heavy stages at once",
		},

		// ── Retrieval ─────────────────────────────────────────────
		&cli.FloatFlag{
			Name:        "score-threshold",
			Category:    "Retrieval:",
			Sources:     cli.EnvVars("GRAPH_MEMORY_SCORE_THRESHOLD"),
			Destination: &cfg.ScoreThreshold,
			Value:       cfg.ScoreThreshold,
			Usage:       "Minimum similarity score for retrieved chunks",
		},
		&cli.IntFlag{
			Name:        "search-limit",
			Category:    "Retrieval:",
			Sources:     cli.EnvVars("GRAPH_MEMORY_SEARCH_LIMIT"),
			Destination: &cfg.SearchLimit,
			Value:       cfg.SearchLimit,
			Usage:       "Chunks fetched from the vector index per question",
		},

		// ── Backup ────────────────────────────────────────────────
		&cli.StringFlag{
			Name:        "backup-prefix",
			Category:    "Backup:",
			Sources:     cli.EnvVars("GRAPH_MEMORY_BACKUP_PREFIX"),
			Destination: &cfg.BackupPrefix,
			Value:       cfg.BackupPrefix,
			Usage:       "Object-store key prefix for backup artifacts",
		},
		&cli.IntFlag{
			Name:        "backup-retention",
			Category:    "Backup:",
			Sources:     cli.EnvVars("GRAPH_MEMORY_BACKUP_RETENTION"),
			Destination: &cfg.BackupRetention,
			Value:       cfg.BackupRetention,
			Usage:       "Backups kept per memory; 0 disables pruning",
		},

		// ── Security ──────────────────────────────────────────────
		&cli.StringFlag{
			Name:        "admin-api-key",
			Category:    "Security:",
			Sources:     cli.EnvVars("GRAPH_MEMORY_ADMIN_API_KEY"),
			Destination: &cfg.AdminAPIKey,
			Usage:       "Bootstrap admin API key used to mint the first access tokens",
		},

		// ── Monitoring ────────────────────────────────────────────
		&cli.StringFlag{
			Name:        "metrics-labels",
			Category:    "Monitoring:",
			Sources:     cli.EnvVars("GRAPH_MEMORY_METRICS_LABELS"),
			Destination: &cfg.MetricsLabels,
			Value:       cfg.MetricsLabels,
			Usage:       "Constant Prometheus labels as key=value pairs, comma separated",
		},
	}
}
