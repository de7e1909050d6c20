package serve

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/chirino/graph-memory-service/internal/backup"
	"github.com/chirino/graph-memory-service/internal/config"
	"github.com/chirino/graph-memory-service/internal/extract"
	"github.com/chirino/graph-memory-service/internal/ingest"
	"github.com/chirino/graph-memory-service/internal/metrics"
	"github.com/chirino/graph-memory-service/internal/ontology"
	"github.com/chirino/graph-memory-service/internal/plugin/route/backups"
	"github.com/chirino/graph-memory-service/internal/plugin/route/documents"
	"github.com/chirino/graph-memory-service/internal/plugin/route/memories"
	"github.com/chirino/graph-memory-service/internal/plugin/route/search"
	routesystem "github.com/chirino/graph-memory-service/internal/plugin/route/system"
	"github.com/chirino/graph-memory-service/internal/plugin/route/tokens"
	"github.com/chirino/graph-memory-service/internal/query"
	registrychat "github.com/chirino/graph-memory-service/internal/registry/chat"
	registryembed "github.com/chirino/graph-memory-service/internal/registry/embed"
	registrygraph "github.com/chirino/graph-memory-service/internal/registry/graph"
	registrymigrate "github.com/chirino/graph-memory-service/internal/registry/migrate"
	registryobject "github.com/chirino/graph-memory-service/internal/registry/object"
	registryvector "github.com/chirino/graph-memory-service/internal/registry/vector"
	"github.com/chirino/graph-memory-service/internal/security"
	"github.com/gin-gonic/gin"
)

// Server holds the running HTTP server and its subsystems.
type Server struct {
	Config *config.Config
	Graph  registrygraph.GraphStore
	Router *gin.Engine
	Addr   string

	httpServer *http.Server
}

// Shutdown drains in-flight requests and stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// StartServer initializes every subsystem and starts the HTTP listener.
// Use cfg.Port=0 for a random port; the bound address is Server.Addr.
func StartServer(ctx context.Context, cfg *config.Config) (*Server, error) {
	log.Info("Starting graph memory service",
		"port", cfg.Port,
		"graph", cfg.GraphType,
		"embedding", cfg.EmbedType,
		"model", cfg.LLMModel,
	)

	// Initialize Prometheus metrics with configured constant labels.
	metricsLabels, err := config.ParseMetricsLabels(cfg.MetricsLabels)
	if err != nil {
		return nil, fmt.Errorf("invalid --metrics-labels: %w", err)
	}
	metrics.Init(metricsLabels)

	// Run migrations
	if cfg.GraphMigrateAtStart {
		if err := registrymigrate.RunAll(ctx); err != nil {
			return nil, fmt.Errorf("migrations failed: %w", err)
		}
	}

	// Initialize the three stores.
	graphLoader, err := registrygraph.Select(cfg.GraphType)
	if err != nil {
		return nil, err
	}
	graph, err := graphLoader(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize graph store: %w", err)
	}

	vectorLoader, err := registryvector.Select("qdrant")
	if err != nil {
		return nil, err
	}
	vector, err := vectorLoader(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize vector index: %w", err)
	}

	objectLoader, err := registryobject.Select("s3")
	if err != nil {
		return nil, err
	}
	object, err := objectLoader(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize object store: %w", err)
	}

	// Initialize the model providers.
	embedLoader, err := registryembed.Select(cfg.EmbedType)
	if err != nil {
		return nil, err
	}
	embedder, err := embedLoader(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize embedder: %w", err)
	}

	chatLoader, err := registrychat.Select("openai")
	if err != nil {
		return nil, err
	}
	completer, err := chatLoader(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize completion provider: %w", err)
	}

	ontologies, err := ontology.Load(cfg.OntologyDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load ontologies: %w", err)
	}

	extractor := extract.New(completer, extract.Config{
		MaxInputLength: cfg.LLMMaxInputLength,
		ChunkTimeout:   cfg.ExtractionTimeout,
	})
	pipeline := ingest.New(graph, vector, object, embedder, extractor, ontologies, ingest.Config{
		ChunkTargetSize: cfg.ChunkTargetSize,
		ChunkOverlap:    cfg.ChunkOverlap,
		MaxDocumentSize: cfg.MaxDocumentSize,
		Concurrency:     int64(cfg.IngestConcurrency),
	})
	orchestrator := backup.New(graph, vector, object, backup.Config{
		Prefix:    cfg.BackupPrefix,
		Retention: cfg.BackupRetention,
	})
	engine := query.New(graph, vector, embedder, completer, query.Config{
		ScoreThreshold: cfg.ScoreThreshold,
		SearchLimit:    cfg.SearchLimit,
	})

	// Shared token resolver and auth middleware.
	resolver := security.NewTokenResolver(graph, cfg.AdminAPIKey)
	auth := security.Middleware(resolver)

	// Set up gin
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(security.AccessLogMiddleware("/health", "/ready", "/metrics"))
	router.Use(metrics.Middleware())
	router.Use(maxBodySizeMiddleware(cfg.MaxBodySize))

	routesystem.MountRoutes(router)
	memories.MountRoutes(router, graph, pipeline, ontologies, auth)
	documents.MountRoutes(router, graph, pipeline, object, auth)
	search.MountRoutes(router, engine, auth)
	backups.MountRoutes(router, orchestrator, cfg.ResolvedTempDir(), auth)
	tokens.MountRoutes(router, graph, auth)

	httpServer := &http.Server{
		Addr:              cfg.ListenAddress(),
		Handler:           router,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}
	listener, err := net.Listen("tcp", httpServer.Addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", httpServer.Addr, err)
	}
	go func() {
		if err := httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("HTTP server stopped", "err", err)
		}
	}()

	log.Info("Server listening", "addr", listener.Addr().String())
	routesystem.MarkReady()
	return &Server{
		Config:     cfg,
		Graph:      graph,
		Router:     router,
		Addr:       listener.Addr().String(),
		httpServer: httpServer,
	}, nil
}

// maxBodySizeMiddleware caps request bodies. Streaming endpoints are exempt
// and enforce their own limits: the ingestion pipeline caps document size and
// the archive restore caps archive size.
func maxBodySizeMiddleware(maxBodySize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if isStreamingRequest(c.Request) {
			c.Next()
			return
		}
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBodySize)
		c.Next()
	}
}

func isStreamingRequest(req *http.Request) bool {
	if req == nil || req.URL == nil || req.Method != http.MethodPost {
		return false
	}
	if req.URL.Path == "/v1/backups/restore-archive" {
		return true
	}
	contentType := strings.ToLower(strings.TrimSpace(req.Header.Get("Content-Type")))
	return strings.HasPrefix(contentType, "multipart/form-data")
}
