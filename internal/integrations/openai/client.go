package openai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"advisor-agent/internal/domain"
)

// chatRequest is the minimal request shape for the Chat Completions endpoint.
type chatRequest struct {
	Model    string               `json:"model"`
	Messages []domain.ChatMessage `json:"messages"`
	Stream   bool                 `json:"stream,omitempty"`
}

// chatResponse is the minimal response shape returned by the Chat Completions endpoint.
type chatResponse struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	Choices []struct {
		Index   int                `json:"index"`
		Message domain.ChatMessage `json:"message"`
	} `json:"choices"`
}

// chatStreamChunk is one server-sent event payload of a streaming completion.
type chatStreamChunk struct {
	Choices []struct {
		Index int `json:"index"`
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
}

// embeddingRequest is the request shape for the Embeddings endpoint.
type embeddingRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

// embeddingResponse is the minimal response shape for the Embeddings endpoint.
type embeddingResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

// tokenPayload is the expected JSON shape stored in SSM for the API token.
type tokenPayload struct {
	Token string `json:"token"`
}

type Getter interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

// HTTPStatusError captures non-2xx upstream responses with status-aware context.
type HTTPStatusError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("openai: unexpected status %d from %s: %s", e.StatusCode, e.URL, e.Body)
}

func (e *HTTPStatusError) HTTPStatusCode() int {
	return e.StatusCode
}

// Client is a focused OpenAI-compatible client for chat completions and
// embeddings.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	getter      Getter
	paramPrefix string

	keyOnce sync.Once
	apiKey  string
	keyErr  error
}

type Option func(*Client)

func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimSpace(baseURL)
	}
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// NewClient creates a new Client backed by the given paramstore.Getter for
// API key retrieval. The key is fetched from SSM on the first provider call
// and reused for the lifetime of the process.
func NewClient(ps Getter, paramPrefix string, opts ...Option) (*Client, error) {
	if ps == nil {
		return nil, errors.New("openai: paramstore getter must not be nil")
	}
	paramPrefix = strings.TrimRight(strings.TrimSpace(paramPrefix), "/")
	if paramPrefix == "" {
		return nil, errors.New("openai: parameter prefix must not be empty")
	}
	c := &Client{
		baseURL:     "https://api.openai.com/v1",
		httpClient:  &http.Client{Timeout: 60 * time.Second},
		getter:      ps,
		paramPrefix: paramPrefix,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// resolveAPIKey fetches the API key from SSM on the first call and returns
// the cached result on every subsequent call within the same process
// lifetime.
func (c *Client) resolveAPIKey(ctx context.Context) (string, error) {
	c.keyOnce.Do(func() {
		c.apiKey, c.keyErr = fetchAPIKeyFromParamStore(ctx, c.getter, c.tokenParameterName())
	})
	return c.apiKey, c.keyErr
}

func (c *Client) tokenParameterName() string {
	return c.paramPrefix + "/open-ai-token"
}

// resolvedHTTPClient returns the configured HTTP client, or a default if
// none was set (e.g. in tests that nil out the field).
func (c *Client) resolvedHTTPClient() *http.Client {
	if c.httpClient != nil {
		return c.httpClient
	}
	return &http.Client{Timeout: 60 * time.Second}
}

func endpointURL(baseURL, path string) string {
	base := strings.TrimRight(baseURL, "/")
	if base == "" {
		base = "https://api.openai.com/v1"
	}
	if strings.HasSuffix(base, "/v1") {
		return base + path
	}
	return base + "/v1" + path
}

// Complete sends a non-streaming chat completion request and returns the
// full response text. Used for summarization and conversation naming.
func (c *Client) Complete(ctx context.Context, model string, messages []domain.ChatMessage) (string, error) {
	if model == "" {
		return "", errors.New("openai: model must not be empty")
	}

	req, err := c.newJSONRequest(ctx, endpointURL(c.baseURL, "/chat/completions"), chatRequest{
		Model:    model,
		Messages: messages,
	})
	if err != nil {
		return "", err
	}

	raw, err := c.doJSONRequest(req)
	if err != nil {
		return "", fmt.Errorf("openai: completion request failed: %w", err)
	}

	var payload chatResponse
	if decErr := json.Unmarshal(raw, &payload); decErr != nil {
		return "", fmt.Errorf("openai: decode response: %w", decErr)
	}
	if len(payload.Choices) == 0 {
		return "", errors.New("openai: no choices in response")
	}
	return payload.Choices[0].Message.Content, nil
}

// CompleteStream sends a streaming chat completion request and calls emit
// for every text fragment in emission order. A non-nil error from emit stops
// upstream consumption and is returned. Cancelling ctx aborts the stream.
func (c *Client) CompleteStream(ctx context.Context, model string, messages []domain.ChatMessage, emit func(fragment string) error) error {
	if model == "" {
		return errors.New("openai: model must not be empty")
	}

	url := endpointURL(c.baseURL, "/chat/completions")
	req, err := c.newJSONRequest(ctx, url, chatRequest{
		Model:    model,
		Messages: messages,
		Stream:   true,
	})
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")

	res, err := c.resolvedHTTPClient().Do(req)
	if err != nil {
		return fmt.Errorf("openai: stream request failed: %w", err)
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		buf, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return &HTTPStatusError{StatusCode: res.StatusCode, URL: url, Body: string(buf)}
	}

	scanner := bufio.NewScanner(res.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			return nil
		}
		var chunk chatStreamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			return fmt.Errorf("openai: decode stream chunk: %w", err)
		}
		for _, choice := range chunk.Choices {
			if choice.Delta.Content == "" {
				continue
			}
			if err := emit(choice.Delta.Content); err != nil {
				return err
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("openai: read stream: %w", err)
	}
	return nil
}

// Embed converts text into a fixed-length vector via the Embeddings
// endpoint.
func (c *Client) Embed(ctx context.Context, model, input string) ([]float32, error) {
	if model == "" {
		return nil, errors.New("openai: embedding model must not be empty")
	}

	req, err := c.newJSONRequest(ctx, endpointURL(c.baseURL, "/embeddings"), embeddingRequest{
		Model: model,
		Input: input,
	})
	if err != nil {
		return nil, err
	}

	raw, err := c.doJSONRequest(req)
	if err != nil {
		return nil, fmt.Errorf("openai: embedding request failed: %w", err)
	}

	var payload embeddingResponse
	if decErr := json.Unmarshal(raw, &payload); decErr != nil {
		return nil, fmt.Errorf("openai: decode embedding response: %w", decErr)
	}
	if len(payload.Data) == 0 {
		return nil, errors.New("openai: no data in embedding response")
	}
	return payload.Data[0].Embedding, nil
}

func (c *Client) newJSONRequest(ctx context.Context, url string, payload any) (*http.Request, error) {
	apiKey, err := c.resolveAPIKey(ctx)
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("openai: marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("openai: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+apiKey)
	return req, nil
}

func (c *Client) doJSONRequest(req *http.Request) ([]byte, error) {
	res, doErr := c.resolvedHTTPClient().Do(req)
	if doErr != nil {
		return nil, doErr
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		buf, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return nil, &HTTPStatusError{
			StatusCode: res.StatusCode,
			URL:        req.URL.String(),
			Body:       string(buf),
		}
	}

	buf, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	return buf, nil
}

func fetchAPIKeyFromParamStore(ctx context.Context, getter Getter, name string) (string, error) {
	if getter == nil {
		return "", errors.New("openai: paramstore getter is nil")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return "", errors.New("openai: token parameter name is empty")
	}

	raw, err := getter.GetParameter(ctx, name)
	if err != nil {
		return "", fmt.Errorf("openai: fetch token from paramstore: %w", err)
	}
	var tp tokenPayload
	if err := json.Unmarshal([]byte(raw), &tp); err != nil {
		return "", fmt.Errorf("openai: unmarshal paramstore token value as JSON: %w", err)
	}
	if tp.Token == "" {
		return "", fmt.Errorf("openai: API token is empty")
	}
	return tp.Token, nil
}
