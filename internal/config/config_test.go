package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestQdrantAddress(t *testing.T) {
	cfg := DefaultConfig()
	require.Equal(t, "localhost:6334", cfg.QdrantAddress())

	cfg.QdrantHost = "qdrant.internal"
	cfg.QdrantPort = 7000
	require.Equal(t, "qdrant.internal:7000", cfg.QdrantAddress())

	// A port embedded in the host wins.
	cfg.QdrantHost = "qdrant.internal:6334"
	require.Equal(t, "qdrant.internal:6334", cfg.QdrantAddress())
}

func TestResolvedTempDir_DefaultsToOSTempDir(t *testing.T) {
	var cfg Config
	require.Equal(t, os.TempDir(), cfg.ResolvedTempDir())

	cfg.TempDir = " /tmp/custom-dir "
	require.Equal(t, "/tmp/custom-dir", cfg.ResolvedTempDir())
}

func TestParseMetricsLabels(t *testing.T) {
	t.Setenv("POD_NAME", "gm-0")
	labels, err := ParseMetricsLabels("service=graph-memory-service, pod=${POD_NAME}")
	require.NoError(t, err)
	require.Equal(t, map[string]string{
		"service": "graph-memory-service",
		"pod":     "gm-0",
	}, labels)

	_, err = ParseMetricsLabels("not-a-pair")
	require.Error(t, err)
}

func TestWithContextRoundTrip(t *testing.T) {
	cfg := DefaultConfig()
	ctx := WithContext(t.Context(), &cfg)
	require.Same(t, &cfg, FromContext(ctx))
	require.Nil(t, FromContext(t.Context()))
}
