package semantic

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ppiankov/neurorouter"
)

// OpenAIConfig holds parameters for an OpenAI-compatible chat backend
// (OpenAI, a local router, llama.cpp server, and the like).
type OpenAIConfig struct {
	APIURL    string
	APIKey    string
	Model     string
	MaxTokens int
	Timeout   time.Duration
}

// OpenAIBackend speaks the chat-completions wire format.
type OpenAIBackend struct {
	cfg    OpenAIConfig
	client *http.Client
}

// NewOpenAIBackend creates the backend. The client timeout is a transport
// guard; the evaluator's context deadline is the policy-level bound.
func NewOpenAIBackend(cfg OpenAIConfig) *OpenAIBackend {
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 1024
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	return &OpenAIBackend{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

func (b *OpenAIBackend) Name() string { return "openai" }

// Complete sends one system/user exchange and returns the raw content of
// the first choice. HTTP 429 surfaces neurorouter.ErrRateLimited so
// callers can defer retries instead of hammering the endpoint.
func (b *OpenAIBackend) Complete(ctx context.Context, system, user string) (string, error) {
	messages := []map[string]string{
		{"role": "system", "content": system},
		{"role": "user", "content": user},
	}

	body, _ := json.Marshal(map[string]interface{}{
		"model":       b.cfg.Model,
		"messages":    messages,
		"max_tokens":  b.cfg.MaxTokens,
		"temperature": 0,
	})

	req, err := http.NewRequestWithContext(ctx, "POST", b.cfg.APIURL, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	if b.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+b.cfg.APIKey)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("evaluator request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode == http.StatusTooManyRequests {
		return "", fmt.Errorf("evaluator HTTP 429: %w", neurorouter.ErrRateLimited)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("evaluator HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	var result struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(respBody, &result); err != nil || len(result.Choices) == 0 {
		return "", fmt.Errorf("empty evaluator response")
	}
	return strings.TrimSpace(result.Choices[0].Message.Content), nil
}
