// Package extract breaks a free-text place request into category facets
// (who the user goes with, what they want to eat, the mood, the purpose) by
// asking a generation model for a small JSON object.
package extract

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/meetpoint/recommender/engine/llm"
	"github.com/meetpoint/recommender/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus"
)

// Review categories understood by category scoring.
const (
	Companion = "companion"
	Menu      = "menu"
	Mood      = "mood"
	Purpose   = "purpose"
)

// Categories lists the known categories in weight order.
var Categories = []string{Companion, Menu, Mood, Purpose}

// DefaultWeights ranks companion highest and purpose lowest.
func DefaultWeights() map[string]float64 {
	return map[string]float64{Companion: 1.0, Menu: 0.8, Mood: 0.6, Purpose: 0.4}
}

// Facet is one category value pulled out of a query.
type Facet struct {
	Category string
	Text     string
	Weight   float64
}

// ErrNoJSON means the model reply held no JSON object.
var ErrNoJSON = errors.New("extract: reply is not a JSON object")

// Extractor asks a Generator for the facets of a query.
type Extractor struct {
	gen     llm.Generator
	weights map[string]float64

	calls   *prometheus.CounterVec
	latency *prometheus.HistogramVec
	logger  *slog.Logger
}

// New creates an Extractor. Nil weights mean DefaultWeights; a category
// missing from weights is never returned.
func New(gen llm.Generator, weights map[string]float64, reg *metrics.Registry, logger *slog.Logger) *Extractor {
	if weights == nil {
		weights = DefaultWeights()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Extractor{
		gen:     gen,
		weights: weights,
		calls:   reg.Counter("category_extractions_total", "Query category extractions by result", "result"),
		latency: reg.Histogram("category_extraction_duration_seconds", "Query category extraction latency", nil),
		logger:  logger.With("component", "extract"),
	}
}

// Extract returns the weighted facets of query in Categories order. An empty
// slice with a nil error means the model found nothing to extract.
func (x *Extractor) Extract(ctx context.Context, query string) ([]Facet, error) {
	start := time.Now()
	reply, err := x.gen.Generate(ctx, prompt(query))
	x.latency.WithLabelValues().Observe(time.Since(start).Seconds())
	if err != nil {
		x.calls.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("extract: %w", err)
	}

	values, err := Parse(reply)
	if err != nil {
		x.calls.WithLabelValues("unparseable").Inc()
		x.logger.Warn("unparseable extraction reply", "err", err, "reply_len", len(reply))
		return nil, err
	}

	var out []Facet
	for _, c := range Categories {
		w, ok := x.weights[c]
		if !ok || w <= 0 || values[c] == "" {
			continue
		}
		out = append(out, Facet{Category: c, Text: values[c], Weight: w})
	}
	if len(out) == 0 {
		x.calls.WithLabelValues("empty").Inc()
	} else {
		x.calls.WithLabelValues("ok").Inc()
	}
	return out, nil
}

func prompt(query string) string {
	var b strings.Builder
	b.WriteString("Extract these fields from the place request below:\n")
	b.WriteString("- companion: who the user goes with, e.g. friends, partner, family, alone\n")
	b.WriteString("- menu: food or drink, e.g. korean, pasta, coffee, dessert\n")
	b.WriteString("- mood: atmosphere, e.g. quiet, lively, romantic, cozy\n")
	b.WriteString("- purpose: why they meet, e.g. date, business, catch-up, team dinner\n")
	b.WriteString("Use null for a field the request does not mention.\n\n")
	b.WriteString("Request: ")
	b.WriteString(query)
	return b.String()
}

// Parse reads the model reply into category -> text. It tolerates code
// fences and surrounding prose, lists (joined with ", "), numbers, and any
// key case. Unknown keys and null or blank values are dropped.
func Parse(reply string) (map[string]string, error) {
	i := strings.IndexByte(reply, '{')
	j := strings.LastIndexByte(reply, '}')
	if i < 0 || j < i {
		return nil, ErrNoJSON
	}
	var raw map[string]any
	if err := json.Unmarshal([]byte(reply[i:j+1]), &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoJSON, err)
	}

	out := make(map[string]string, len(Categories))
	for k, v := range raw {
		key := strings.ToLower(strings.TrimSpace(k))
		if !slices.Contains(Categories, key) {
			continue
		}
		if s := text(v); s != "" {
			out[key] = s
		}
	}
	return out, nil
}

func text(v any) string {
	switch tv := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(tv)
	case []any:
		parts := make([]string, 0, len(tv))
		for _, e := range tv {
			if s := text(e); s != "" {
				parts = append(parts, s)
			}
		}
		return strings.Join(parts, ", ")
	case bool:
		return ""
	default:
		return strings.TrimSpace(fmt.Sprint(tv))
	}
}
