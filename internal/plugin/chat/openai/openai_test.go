package openai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/chirino/graph-memory-service/internal/faults"
	"github.com/stretchr/testify/require"
)

func testCompleter(url string) *Completer {
	return &Completer{
		apiKey:     "test",
		model:      "gpt-4o-mini",
		baseURL:    url,
		maxTokens:  64,
		httpClient: &http.Client{Timeout: 5 * time.Second},
	}
}

func TestComplete(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/chat/completions", r.URL.Path)

		var req chatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Len(t, req.Messages, 2)
		require.Equal(t, "system", req.Messages[0].Role)
		require.Equal(t, "user", req.Messages[1].Role)

		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"{\"entities\":[]}"}}]}`))
	}))
	defer server.Close()

	content, err := testCompleter(server.URL).Complete(context.Background(), "extract", "text")
	require.NoError(t, err)
	require.Equal(t, `{"entities":[]}`, content)
}

func TestComplete_NoChoices(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"choices":[]}`))
	}))
	defer server.Close()

	_, err := testCompleter(server.URL).Complete(context.Background(), "s", "u")
	require.Error(t, err)
	require.Equal(t, faults.ClassUpstream, faults.Classify(err))
}

func TestComplete_AuthFailureIsPermanent(t *testing.T) {
	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		http.Error(w, `{"error":{"message":"invalid key"}}`, http.StatusUnauthorized)
	}))
	defer server.Close()

	_, err := testCompleter(server.URL).Complete(context.Background(), "s", "u")
	require.Error(t, err)
	require.Equal(t, 1, calls)
}
