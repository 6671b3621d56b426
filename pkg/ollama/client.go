package ollama

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/relay-llm/relay/pkg/models"
)

// Client wraps the HTTP API of a locally running Ollama instance. It is a
// pure I/O adapter: no retry or caching logic of its own.
type Client struct {
	baseURL string
	httpc   *http.Client
}

// NewClient creates a Client for the given base URL (e.g.
// http://localhost:11434) with a per-call timeout.
func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL: baseURL,
		httpc:   &http.Client{Timeout: timeout},
	}
}

// generatePayload is the /api/generate request body. Temperature travels in
// options; max_tokens maps to options.num_predict.
type generatePayload struct {
	Model   string         `json:"model"`
	Prompt  string         `json:"prompt"`
	System  string         `json:"system,omitempty"`
	Stream  bool           `json:"stream"`
	Options map[string]any `json:"options"`
}

type chatPayload struct {
	Model    string               `json:"model"`
	Messages []models.ChatMessage `json:"messages"`
	Stream   bool                 `json:"stream"`
	Options  map[string]any       `json:"options"`
}

func buildOptions(temperature float64, maxTokens *int) map[string]any {
	opts := map[string]any{"temperature": temperature}
	if maxTokens != nil {
		opts["num_predict"] = *maxTokens
	}
	return opts
}

// post sends a JSON body and decodes the JSON response into out.
func (c *Client) post(ctx context.Context, path string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("ollama request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("ollama %s: status %d: %s", path, resp.StatusCode, bytes.TrimSpace(data))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// postStream sends a JSON body and scans the line-delimited JSON response,
// invoking each for every line until the stream ends.
func (c *Client) postStream(ctx context.Context, path string, payload any, each func(line []byte) (done bool, err error)) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("ollama request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("ollama %s: status %d: %s", path, resp.StatusCode, bytes.TrimSpace(data))
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		done, err := each(line)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read stream: %w", err)
	}
	return nil
}

// Running reports whether the Ollama service answers on its base URL.
func (c *Client) Running(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/", nil)
	if err != nil {
		return false
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// Generate requests a blocking text completion.
func (c *Client) Generate(ctx context.Context, model, prompt, system string, temperature float64, maxTokens *int) (*models.GenerateResponse, error) {
	payload := generatePayload{
		Model:   model,
		Prompt:  prompt,
		System:  system,
		Options: buildOptions(temperature, maxTokens),
	}
	var out models.GenerateResponse
	if err := c.post(ctx, "/api/generate", payload, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GenerateStream streams a completion, invoking fn for every text chunk.
func (c *Client) GenerateStream(ctx context.Context, model, prompt, system string, temperature float64, maxTokens *int, fn func(chunk string) error) error {
	payload := generatePayload{
		Model:   model,
		Prompt:  prompt,
		System:  system,
		Stream:  true,
		Options: buildOptions(temperature, maxTokens),
	}
	return c.postStream(ctx, "/api/generate", payload, func(line []byte) (bool, error) {
		var part models.GenerateResponse
		if err := json.Unmarshal(line, &part); err != nil {
			return false, fmt.Errorf("decode stream chunk: %w", err)
		}
		if part.Response != "" {
			if err := fn(part.Response); err != nil {
				return false, err
			}
		}
		return part.Done, nil
	})
}

// Chat requests a blocking chat completion over a message history.
func (c *Client) Chat(ctx context.Context, model string, messages []models.ChatMessage, temperature float64) (*models.ChatResponse, error) {
	payload := chatPayload{
		Model:    model,
		Messages: messages,
		Options:  buildOptions(temperature, nil),
	}
	var out models.ChatResponse
	if err := c.post(ctx, "/api/chat", payload, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ChatStream streams a chat completion, invoking fn for every text chunk.
func (c *Client) ChatStream(ctx context.Context, model string, messages []models.ChatMessage, temperature float64, fn func(chunk string) error) error {
	payload := chatPayload{
		Model:    model,
		Messages: messages,
		Stream:   true,
		Options:  buildOptions(temperature, nil),
	}
	return c.postStream(ctx, "/api/chat", payload, func(line []byte) (bool, error) {
		var part models.ChatResponse
		if err := json.Unmarshal(line, &part); err != nil {
			return false, fmt.Errorf("decode stream chunk: %w", err)
		}
		if part.Message.Content != "" {
			if err := fn(part.Message.Content); err != nil {
				return false, err
			}
		}
		return part.Done, nil
	})
}

// Embeddings returns the embedding vector for a text.
func (c *Client) Embeddings(ctx context.Context, model, text string) ([]float64, error) {
	payload := map[string]string{"model": model, "prompt": text}
	var out struct {
		Embedding []float64 `json:"embedding"`
	}
	if err := c.post(ctx, "/api/embeddings", payload, &out); err != nil {
		return nil, err
	}
	return out.Embedding, nil
}

// ListModels returns the locally available models.
func (c *Client) ListModels(ctx context.Context) ([]models.ModelInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("list models: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("list models: status %d", resp.StatusCode)
	}

	var out struct {
		Models []models.ModelInfo `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode models: %w", err)
	}
	return out.Models, nil
}

// Pull downloads a model from the Ollama library, blocking until the pull
// reports success.
func (c *Client) Pull(ctx context.Context, name string) error {
	payload := map[string]any{"name": name, "stream": true}
	return c.postStream(ctx, "/api/pull", payload, func(line []byte) (bool, error) {
		var status struct {
			Status string `json:"status"`
			Error  string `json:"error"`
		}
		if err := json.Unmarshal(line, &status); err != nil {
			return false, fmt.Errorf("decode pull status: %w", err)
		}
		if status.Error != "" {
			return false, fmt.Errorf("pull %s: %s", name, status.Error)
		}
		return status.Status == "success", nil
	})
}

// Delete removes a model from local storage.
func (c *Client) Delete(ctx context.Context, name string) error {
	body, err := json.Marshal(map[string]string{"name": name})
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.baseURL+"/api/delete", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("delete model: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("delete model: status %d", resp.StatusCode)
	}
	return nil
}
