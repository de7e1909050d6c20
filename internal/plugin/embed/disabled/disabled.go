// Package disabled registers a no-op embedder. With embedding disabled the
// pipeline still ingests documents into the graph and object store; only
// similarity search is unavailable.
package disabled

import (
	"context"

	"github.com/chirino/graph-memory-service/internal/faults"
	"github.com/chirino/graph-memory-service/internal/registry/embed"
)

func init() {
	embed.Register(embed.Plugin{
		Name: "disabled",
		Loader: func(ctx context.Context) (embed.Embedder, error) {
			return &disabledEmbedder{}, nil
		},
	})
}

type disabledEmbedder struct{}

func (d *disabledEmbedder) EmbedTexts(_ context.Context, texts []string) ([][]float32, error) {
	return nil, &faults.ValidationError{Field: "embedding", Message: "embedding is disabled"}
}

func (d *disabledEmbedder) EmbedQuery(_ context.Context, _ string) ([]float32, error) {
	return nil, &faults.ValidationError{Field: "embedding", Message: "embedding is disabled"}
}

func (d *disabledEmbedder) ModelName() string { return "disabled" }
func (d *disabledEmbedder) Dimension() int    { return 0 }

var _ embed.Embedder = (*disabledEmbedder)(nil)
