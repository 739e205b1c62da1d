package providers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/meetpoint/recommender/engine/domain"
	"github.com/meetpoint/recommender/pkg/config"
)

func TestNoProviderConfigured(t *testing.T) {
	cfg := config.Defaults()
	cfg.Embedding.Provider = ""
	cfg.Generation.Provider = ""
	e, err := NewEmbedder(cfg, nil, nil)
	if err != nil || e != nil {
		t.Fatalf("expected nil embedder, got %v, %v", e, err)
	}
	g, err := NewGenerator(cfg, nil, nil)
	if err != nil || g != nil {
		t.Fatalf("expected nil generator, got %v, %v", g, err)
	}
}

func TestUnknownProvider(t *testing.T) {
	cfg := config.Defaults()
	cfg.Embedding.Provider = "cohere"
	if _, err := NewEmbedder(cfg, nil, nil); err == nil {
		t.Fatal("expected error")
	}
}

func TestGuardOptsFromConfig(t *testing.T) {
	rc := config.Defaults().Provider
	o := GuardOpts("openai-embed", rc)
	if o.Retry.MaxAttempts != rc.RetryAttempts || o.Breaker.FailThreshold != rc.BreakerThreshold || o.Limiter.Rate != rc.RatePerSecond {
		t.Errorf("unexpected opts %+v", o)
	}
}

func TestOllamaEmbedderIsGuarded(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"embedding": []float32{0.1, 0.2}})
	}))
	defer srv.Close()

	cfg := config.Defaults()
	cfg.Embedding = config.ProviderConfig{Provider: "ollama", BaseURL: srv.URL, Model: "nomic-embed-text"}
	cfg.Provider.RetryInitialWait = time.Millisecond
	cfg.Provider.RetryMaxWait = time.Millisecond

	e, err := NewEmbedder(cfg, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	vec, err := e.Embed(context.Background(), "cafe")
	if err != nil {
		t.Fatalf("expected retry to recover, got %v", err)
	}
	if len(vec) != 2 || calls != 2 {
		t.Errorf("vec=%v calls=%d", vec, calls)
	}
}

func TestOllamaEmbedderPermanentFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	cfg := config.Defaults()
	cfg.Embedding = config.ProviderConfig{Provider: "ollama", BaseURL: srv.URL, Model: "m"}
	e, _ := NewEmbedder(cfg, nil, nil)
	_, err := e.Embed(context.Background(), "cafe")
	if !errors.Is(err, domain.ErrProvider) {
		t.Fatalf("expected ErrProvider, got %v", err)
	}
}

func TestOllamaCategoryGeneratorAsksForJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Format string `json:"format"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		if r.URL.Path != "/api/generate" || req.Format != "json" {
			t.Errorf("path=%s format=%q", r.URL.Path, req.Format)
		}
		w.Write([]byte(`{"response":"{\"menu\":\"coffee\"}"}`))
	}))
	defer srv.Close()

	cfg := config.Defaults()
	cfg.Generation = config.ProviderConfig{Provider: "ollama", BaseURL: srv.URL, Model: "llama3"}
	g, err := NewCategoryGenerator(cfg, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	out, err := g.Generate(context.Background(), "coffee with a friend")
	if err != nil || out != `{"menu":"coffee"}` {
		t.Fatalf("got %q, %v", out, err)
	}
}
