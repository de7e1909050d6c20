package config

import (
	"context"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"
)

type contextKey struct{}

// WithContext returns a new context carrying the given Config.
func WithContext(ctx context.Context, cfg *Config) context.Context {
	return context.WithValue(ctx, contextKey{}, cfg)
}

// FromContext retrieves the Config from the context.
func FromContext(ctx context.Context) *Config {
	cfg, _ := ctx.Value(contextKey{}).(*Config)
	return cfg
}

// Config holds all configuration for the graph memory service.
type Config struct {
	// Server
	Host              string
	Port              int
	Debug             bool
	ReadHeaderTimeout time.Duration
	DrainTimeout      int // seconds
	MaxBodySize       int64

	// Graph store
	GraphType           string // "postgres" or "sqlite"
	GraphURL            string // postgres DSN or sqlite file path
	GraphMigrateAtStart bool
	GraphQueryTimeout   time.Duration
	DBMaxOpenConns      int
	DBMaxIdleConns      int

	// Qdrant vector index
	QdrantHost             string
	QdrantPort             int
	QdrantAPIKey           string
	QdrantUseTLS           bool
	QdrantCollectionPrefix string
	QdrantStartupTimeout   time.Duration

	// Object store (S3)
	S3Bucket         string
	S3Region         string
	S3Endpoint       string
	S3AccessKeyID    string
	S3SecretKey      string
	S3UsePathStyle   bool
	S3UploadTimeout  time.Duration
	SignedURLExpires time.Duration

	// LLM completion provider
	LLMBaseURL        string
	LLMAPIKey         string
	LLMModel          string
	LLMMaxTokens      int
	LLMTemperature    float64
	LLMMaxInputLength int // chars; above this, extraction switches to chunked mode
	ExtractionTimeout time.Duration

	// Embedding
	EmbedType       string // "openai" or "disabled"
	EmbedModel      string
	EmbedDimensions int

	// Chunking
	ChunkTargetSize int // chars per chunk
	ChunkOverlap    int // trailing sentence overlap, chars

	// Retrieval
	ScoreThreshold float64
	SearchLimit    int

	// Ontology
	OntologyDir string // optional on-disk override directory

	// Ingestion
	MaxDocumentSize   int64
	IngestConcurrency int

	// Backup
	BackupPrefix    string
	BackupRetention int

	// Security
	AdminAPIKey string

	// Monitoring
	MetricsLabels string

	// Temporary file directory. Empty uses the platform default.
	TempDir string
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Host:                   "0.0.0.0",
		Port:                   8080,
		ReadHeaderTimeout:      5 * time.Second,
		DrainTimeout:           30,
		MaxBodySize:            64 * 1024 * 1024,
		GraphType:              "postgres",
		GraphMigrateAtStart:    true,
		GraphQueryTimeout:      30 * time.Second,
		DBMaxOpenConns:         25,
		DBMaxIdleConns:         5,
		QdrantHost:             "localhost",
		QdrantPort:             6334,
		QdrantCollectionPrefix: "graph-memory",
		QdrantStartupTimeout:   30 * time.Second,
		S3Region:               "us-east-1",
		S3UploadTimeout:        60 * time.Second,
		SignedURLExpires:       5 * time.Minute,
		LLMBaseURL:             "https://api.openai.com/v1",
		LLMModel:               "gpt-4o-mini",
		LLMMaxTokens:           4096,
		LLMTemperature:         0.1,
		LLMMaxInputLength:      24000,
		ExtractionTimeout:      120 * time.Second,
		EmbedType:              "openai",
		EmbedModel:             "text-embedding-3-small",
		EmbedDimensions:        1536,
		ChunkTargetSize:        1500,
		ChunkOverlap:           200,
		ScoreThreshold:         0.25,
		SearchLimit:            10,
		MaxDocumentSize:        10 * 1024 * 1024,
		IngestConcurrency:      4,
		BackupPrefix:           "backups",
		BackupRetention:        5,
		MetricsLabels:          "service=graph-memory-service",
	}
}

// ListenAddress returns the host:port the HTTP server binds to.
func (c *Config) ListenAddress() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// QdrantAddress returns the host:port of the Qdrant gRPC endpoint. A port
// embedded in QdrantHost wins over QdrantPort.
func (c *Config) QdrantAddress() string {
	host := strings.TrimSpace(c.QdrantHost)
	if host == "" {
		host = "localhost"
	}
	if strings.Contains(host, ":") {
		return host
	}
	port := c.QdrantPort
	if port <= 0 {
		port = 6334
	}
	return fmt.Sprintf("%s:%d", host, port)
}

// ResolvedTempDir returns the configured temp directory or the platform default.
func (c *Config) ResolvedTempDir() string {
	if c == nil {
		return os.TempDir()
	}
	if dir := strings.TrimSpace(c.TempDir); dir != "" {
		return dir
	}
	return os.TempDir()
}

// ParseMetricsLabels parses a comma-separated key=value list, expanding
// ${VAR} references from the environment.
func ParseMetricsLabels(raw string) (map[string]string, error) {
	labels := map[string]string{}
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		key, value, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, fmt.Errorf("metrics label %q is not key=value", pair)
		}
		key = strings.TrimSpace(key)
		if key == "" {
			return nil, fmt.Errorf("metrics label %q has an empty key", pair)
		}
		labels[key] = os.Expand(strings.TrimSpace(value), os.Getenv)
	}
	return labels, nil
}
