// Package openai implements the embedding and generation capabilities with
// any OpenAI-compatible API.
package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/meetpoint/recommender/engine/domain"
	goopenai "github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const providerName = "openai"

// Config configures a Client.
type Config struct {
	APIKey  string
	BaseURL string
	// EmbedModel is e.g. "text-embedding-3-small".
	EmbedModel string
	// Dimensions, when positive, asks the model for vectors of that length.
	Dimensions int
	// ChatModel is e.g. "gpt-4o-mini".
	ChatModel    string
	SystemPrompt string
	Temperature  float32
	MaxTokens    int
	// JSONMode asks the chat model for a single JSON object.
	JSONMode   bool
	HTTPClient *http.Client
}

// Client wraps a go-openai client.
type Client struct {
	api *goopenai.Client
	cfg Config
}

// New creates a Client.
func New(cfg Config) *Client {
	cc := goopenai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		cc.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	if cfg.HTTPClient != nil {
		cc.HTTPClient = cfg.HTTPClient
	} else {
		cc.HTTPClient = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}
	return &Client{api: goopenai.NewClientWithConfig(cc), cfg: cfg}
}

// Embed returns the embedding of text.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := c.api.CreateEmbeddings(ctx, goopenai.EmbeddingRequest{
		Input:      []string{text},
		Model:      goopenai.EmbeddingModel(c.cfg.EmbedModel),
		Dimensions: c.cfg.Dimensions,
	})
	if err != nil {
		return nil, classify("embed", err)
	}
	if len(resp.Data) == 0 || len(resp.Data[0].Embedding) == 0 {
		return nil, domain.NewProviderError(providerName, "embed", http.StatusOK, errors.New("empty embedding response"))
	}
	return resp.Data[0].Embedding, nil
}

// Generate returns the chat completion of prompt.
func (c *Client) Generate(ctx context.Context, prompt string) (string, error) {
	msgs := make([]goopenai.ChatCompletionMessage, 0, 2)
	if c.cfg.SystemPrompt != "" {
		msgs = append(msgs, goopenai.ChatCompletionMessage{Role: goopenai.ChatMessageRoleSystem, Content: c.cfg.SystemPrompt})
	}
	msgs = append(msgs, goopenai.ChatCompletionMessage{Role: goopenai.ChatMessageRoleUser, Content: prompt})

	req := goopenai.ChatCompletionRequest{
		Model:       c.cfg.ChatModel,
		Messages:    msgs,
		Temperature: c.cfg.Temperature,
		MaxTokens:   c.cfg.MaxTokens,
	}
	if c.cfg.JSONMode {
		req.ResponseFormat = &goopenai.ChatCompletionResponseFormat{Type: goopenai.ChatCompletionResponseFormatTypeJSONObject}
	}
	resp, err := c.api.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", classify("generate", err)
	}
	if len(resp.Choices) == 0 {
		return "", domain.NewProviderError(providerName, "generate", http.StatusOK, errors.New("empty chat response"))
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

// classify turns a go-openai error into a ProviderError carrying the HTTP
// status when one is known.
func classify(op string, err error) error {
	var apiErr *goopenai.APIError
	if errors.As(err, &apiErr) {
		return domain.NewProviderError(providerName, op, apiErr.HTTPStatusCode, fmt.Errorf("%s", apiErr.Message))
	}
	var reqErr *goopenai.RequestError
	if errors.As(err, &reqErr) {
		return domain.NewProviderError(providerName, op, reqErr.HTTPStatusCode, reqErr.Err)
	}
	return domain.NewProviderError(providerName, op, 0, err)
}
