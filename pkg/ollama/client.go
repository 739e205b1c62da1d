// Package ollama implements the embedding and generation capabilities on top
// of Ollama's HTTP API.
package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/meetpoint/recommender/engine/domain"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const providerName = "ollama"

// Client talks to one Ollama server. It serves both the embedding model and
// the generation model; either may be empty if the capability is unused.
type Client struct {
	baseURL    string
	embedModel string
	genModel   string
	format     string
	client     *http.Client
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient replaces the default traced HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.client = hc }
}

// WithFormat constrains generation output, e.g. "json".
func WithFormat(format string) Option {
	return func(c *Client) { c.format = format }
}

// New creates an Ollama client.
func New(baseURL, embedModel, genModel string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		embedModel: embedModel,
		genModel:   genModel,
		client:     &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

type embedReq struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type embedResp struct {
	Embedding []float64 `json:"embedding"`
}

// Embed returns the embedding of text.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	var result embedResp
	if err := c.post(ctx, "embed", "/api/embeddings", embedReq{Model: c.embedModel, Prompt: text}, &result); err != nil {
		return nil, err
	}
	if len(result.Embedding) == 0 {
		return nil, domain.NewProviderError(providerName, "embed", http.StatusOK, fmt.Errorf("empty embedding"))
	}

	out := make([]float32, len(result.Embedding))
	for i, v := range result.Embedding {
		out[i] = float32(v)
	}
	return out, nil
}

type generateReq struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream"`
	Format string `json:"format,omitempty"`
}

type generateResp struct {
	Response string `json:"response"`
}

// Generate returns the model's completion of prompt.
func (c *Client) Generate(ctx context.Context, prompt string) (string, error) {
	var result generateResp
	if err := c.post(ctx, "generate", "/api/generate", generateReq{Model: c.genModel, Prompt: prompt, Format: c.format}, &result); err != nil {
		return "", err
	}
	return strings.TrimSpace(result.Response), nil
}

func (c *Client) post(ctx context.Context, op, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("ollama %s: marshal: %w", op, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("ollama %s: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return domain.NewProviderError(providerName, op, 0, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return domain.NewProviderError(providerName, op, resp.StatusCode, fmt.Errorf("%s", bytes.TrimSpace(msg)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return domain.NewProviderError(providerName, op, resp.StatusCode, fmt.Errorf("decode: %w", err))
	}
	return nil
}
