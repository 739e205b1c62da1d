// Package providers builds the guarded embedding and generation clients
// described by the configuration.
package providers

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/meetpoint/recommender/engine/llm"
	"github.com/meetpoint/recommender/pkg/config"
	"github.com/meetpoint/recommender/pkg/fn"
	"github.com/meetpoint/recommender/pkg/metrics"
	"github.com/meetpoint/recommender/pkg/ollama"
	"github.com/meetpoint/recommender/pkg/openai"
	"github.com/meetpoint/recommender/pkg/resilience"
)

// GuardOpts converts the resilience settings for one provider.
func GuardOpts(name string, cfg config.ResilienceConfig) llm.GuardOpts {
	return llm.GuardOpts{
		Name:    name,
		Limiter: resilience.LimiterOpts{Rate: cfg.RatePerSecond, Burst: cfg.Burst},
		Breaker: resilience.BreakerOpts{
			FailThreshold: cfg.BreakerThreshold,
			Timeout:       cfg.BreakerTimeout,
			HalfOpenMax:   1,
		},
		Retry: fn.RetryOpts{
			MaxAttempts: cfg.RetryAttempts,
			InitialWait: cfg.RetryInitialWait,
			MaxWait:     cfg.RetryMaxWait,
			Jitter:      true,
		},
	}
}

// NewEmbedder returns the guarded embedder, or nil when no provider is
// configured.
func NewEmbedder(cfg *config.Config, reg *metrics.Registry, logger *slog.Logger) (llm.Embedder, error) {
	if logger == nil {
		logger = slog.Default()
	}
	p := cfg.Embedding
	var e llm.Embedder
	switch p.Provider {
	case "":
		logger.Warn("no embedding provider configured")
		return nil, nil
	case "openai":
		oc := openai.Config{APIKey: p.APIKey, BaseURL: p.BaseURL, EmbedModel: p.Model}
		if strings.HasPrefix(p.Model, "text-embedding-3") {
			oc.Dimensions = cfg.Index.Dimension
		}
		e = openai.New(oc)
	case "ollama":
		e = ollama.New(baseURLOr(p.BaseURL, "http://localhost:11434"), p.Model, "")
	default:
		return nil, fmt.Errorf("unknown embedding provider %q", p.Provider)
	}
	g := llm.NewGuard(GuardOpts(p.Provider+"-embed", cfg.Provider), reg, logger)
	return llm.GuardEmbedder(e, g), nil
}

// NewGenerator returns the guarded explanation generator, or nil when
// generation is not configured.
func NewGenerator(cfg *config.Config, reg *metrics.Registry, logger *slog.Logger) (llm.Generator, error) {
	return newGenerator(cfg, reg, logger, generatorStyle{
		system:      explanationSystemPrompt,
		temperature: 0.3,
		maxTokens:   200,
	})
}

// NewCategoryGenerator returns a guarded generator that answers with a JSON
// object, for extracting categories from a query. It is nil when generation
// is not configured.
func NewCategoryGenerator(cfg *config.Config, reg *metrics.Registry, logger *slog.Logger) (llm.Generator, error) {
	return newGenerator(cfg, reg, logger, generatorStyle{
		system:      categorySystemPrompt,
		temperature: 0.2,
		maxTokens:   300,
		json:        true,
	})
}

type generatorStyle struct {
	system      string
	temperature float32
	maxTokens   int
	json        bool
}

func newGenerator(cfg *config.Config, reg *metrics.Registry, logger *slog.Logger, style generatorStyle) (llm.Generator, error) {
	if logger == nil {
		logger = slog.Default()
	}
	p := cfg.Generation
	var gen llm.Generator
	switch p.Provider {
	case "":
		logger.Info("no generation provider configured; explanations disabled")
		return nil, nil
	case "openai":
		key := p.APIKey
		if key == "" && cfg.Embedding.Provider == "openai" {
			key = cfg.Embedding.APIKey
		}
		gen = openai.New(openai.Config{
			APIKey:       key,
			BaseURL:      p.BaseURL,
			ChatModel:    p.Model,
			SystemPrompt: style.system,
			Temperature:  style.temperature,
			MaxTokens:    style.maxTokens,
			JSONMode:     style.json,
		})
	case "ollama":
		var opts []ollama.Option
		if style.json {
			opts = append(opts, ollama.WithFormat("json"))
		}
		gen = ollama.New(baseURLOr(p.BaseURL, "http://localhost:11434"), "", p.Model, opts...)
	default:
		return nil, fmt.Errorf("unknown generation provider %q", p.Provider)
	}
	g := llm.NewGuard(GuardOpts(p.Provider+"-generate", cfg.Provider), reg, logger)
	return llm.GuardGenerator(gen, g), nil
}

const (
	explanationSystemPrompt = "You recommend meeting places. Answer in one or two short sentences in the language of the request."
	categorySystemPrompt    = "You extract companion, menu, mood and purpose from a place recommendation request. Reply with one JSON object only. Every value is a string or null; join several values with commas."
)

func baseURLOr(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}
