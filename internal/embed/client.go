package embed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

const (
	defaultTimeout  = 30 * time.Second
	maxPromptChars  = 8000
	maxErrorExcerpt = 100
)

// Client calls a local Ollama-compatible embedding endpoint. Calls are
// synchronous and sequential; a failed call is reported to the caller, who
// skips the unit rather than retrying it.
type Client struct {
	httpClient *http.Client
	baseURL    string
	model      string

	usageMu    sync.Mutex
	embedCalls int64
	embedChars int64
}

// NewClient builds a client for the given base URL and model. timeout bounds
// each individual call.
func NewClient(baseURL, model string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    strings.TrimRight(baseURL, "/"),
		model:      model,
	}
}

// Model returns the configured embedding model name.
func (c *Client) Model() string {
	return c.model
}

type embedRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type embedResponse struct {
	Embedding []float64 `json:"embedding"`
	Error     string    `json:"error,omitempty"`
}

type tagsResponse struct {
	Models []struct {
		Name string `json:"name"`
	} `json:"models"`
}

// Ping verifies the backend is reachable and the model is pulled. An
// indexing run aborts on failure instead of skipping every unit.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("embedding backend unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("embedding backend status %d", resp.StatusCode)
	}

	var tags tagsResponse
	if err := json.NewDecoder(resp.Body).Decode(&tags); err != nil {
		return fmt.Errorf("decode tags: %w", err)
	}
	for _, m := range tags.Models {
		if strings.Contains(m.Name, c.model) {
			return nil
		}
	}
	return fmt.Errorf("model %q not available on embedding backend", c.model)
}

// Embed converts text into a fixed-length vector. The prompt is capped at
// 8000 chars before the call.
func (c *Client) Embed(ctx context.Context, text string) ([]float64, error) {
	if len(text) > maxPromptChars {
		text = text[:maxPromptChars]
	}

	body, err := json.Marshal(embedRequest{Model: c.model, Prompt: text})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embed call: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("embed status %d: %s", resp.StatusCode, excerpt(respBody))
	}

	var result embedResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	if result.Error != "" {
		return nil, fmt.Errorf("embed error: %s", result.Error)
	}
	if len(result.Embedding) == 0 {
		return nil, fmt.Errorf("empty embedding response")
	}

	c.recordUsage(len(text))
	return result.Embedding, nil
}

func excerpt(body []byte) string {
	s := string(body)
	if len(s) > maxErrorExcerpt {
		s = s[:maxErrorExcerpt]
	}
	return s
}

// UsageStats contains accumulated usage counters.
type UsageStats struct {
	EmbedCalls int64 `json:"embed_calls"`
	EmbedChars int64 `json:"embed_chars"`
}

// GetUsageStats returns accumulated usage counters.
func (c *Client) GetUsageStats() UsageStats {
	c.usageMu.Lock()
	defer c.usageMu.Unlock()
	return UsageStats{EmbedCalls: c.embedCalls, EmbedChars: c.embedChars}
}

func (c *Client) recordUsage(charCount int) {
	c.usageMu.Lock()
	defer c.usageMu.Unlock()
	c.embedCalls++
	c.embedChars += int64(charCount)
}
