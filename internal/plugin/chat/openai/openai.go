// Package openai implements the completion provider against any
// OpenAI-compatible chat completions endpoint.
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/chirino/graph-memory-service/internal/config"
	"github.com/chirino/graph-memory-service/internal/faults"
	registrychat "github.com/chirino/graph-memory-service/internal/registry/chat"
)

const maxRetries = 3

func init() {
	registrychat.Register(registrychat.Plugin{
		Name:   "openai",
		Loader: load,
	})
}

func load(ctx context.Context) (registrychat.Completer, error) {
	cfg := config.FromContext(ctx)
	if cfg == nil || cfg.LLMAPIKey == "" {
		return nil, fmt.Errorf("openai completer: GRAPH_MEMORY_LLM_API_KEY is required")
	}
	timeout := cfg.ExtractionTimeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &Completer{
		apiKey:      cfg.LLMAPIKey,
		model:       cfg.LLMModel,
		baseURL:     strings.TrimRight(cfg.LLMBaseURL, "/"),
		maxTokens:   cfg.LLMMaxTokens,
		temperature: cfg.LLMTemperature,
		httpClient:  &http.Client{Timeout: timeout},
	}, nil
}

// Completer calls the OpenAI chat completions API.
type Completer struct {
	apiKey      string
	model       string
	baseURL     string
	maxTokens   int
	temperature float64
	httpClient  *http.Client
}

func (c *Completer) ModelName() string { return c.model }

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float64       `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (c *Completer) Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	var content string
	operation := func() error {
		result, err := c.call(ctx, systemPrompt, userPrompt)
		if err != nil {
			if retriable(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		content = result
		return nil
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), maxRetries), ctx)
	if err := backoff.Retry(operation, policy); err != nil {
		return "", upstream("completion", err)
	}
	return content, nil
}

func (c *Completer) call(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	reqBody, err := json.Marshal(chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: userPrompt},
		},
		MaxTokens:   c.maxTokens,
		Temperature: c.temperature,
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(reqBody))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("openai completion request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("openai completion: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", &httpStatusError{status: resp.StatusCode, body: string(body)}
	}

	var result chatResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return "", fmt.Errorf("openai completion: parse response: %w", err)
	}
	if result.Error != nil {
		return "", fmt.Errorf("openai completion error: %s", result.Error.Message)
	}
	if len(result.Choices) == 0 {
		return "", fmt.Errorf("openai completion: response contained no choices")
	}
	return result.Choices[0].Message.Content, nil
}

type httpStatusError struct {
	status int
	body   string
}

func (e *httpStatusError) Error() string {
	body := e.body
	if len(body) > 200 {
		body = body[:200]
	}
	return fmt.Sprintf("http %d: %s", e.status, body)
}

func retriable(err error) bool {
	var statusErr *httpStatusError
	if errors.As(err, &statusErr) {
		return statusErr.status == http.StatusTooManyRequests || statusErr.status >= 500
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func upstream(provider string, err error) error {
	kind := faults.UpstreamOther
	var statusErr *httpStatusError
	switch {
	case errors.As(err, &statusErr) && statusErr.status == http.StatusTooManyRequests:
		kind = faults.UpstreamRateLimit
	case errors.Is(err, context.DeadlineExceeded):
		kind = faults.UpstreamTimeout
	default:
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			kind = faults.UpstreamTimeout
		}
	}
	return &faults.UpstreamError{Provider: provider, Kind: kind, Cause: err}
}
