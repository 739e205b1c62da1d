// Package explain attaches a generated rationale to each recommended place.
// Explanations are best-effort: a failed or late call leaves that result's
// explanation empty and never affects the others.
package explain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/meetpoint/recommender/engine/domain"
	"github.com/meetpoint/recommender/engine/llm"
	"github.com/meetpoint/recommender/pkg/fn"
	"github.com/meetpoint/recommender/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus"
)

// Options configures an Explainer.
type Options struct {
	// Concurrency bounds outstanding generation calls per request.
	Concurrency int
	// MaxSourceRunes truncates the place text quoted in the prompt.
	MaxSourceRunes int
}

// DefaultOptions returns sensible defaults.
func DefaultOptions() Options {
	return Options{Concurrency: 4, MaxSourceRunes: 600}
}

// Outcome counts what happened to each result.
type Outcome struct {
	Explained int
	Failed    int
	Abandoned int
}

// Explainer fans generation calls out over a request's results.
type Explainer struct {
	gen    llm.Generator
	opts   Options
	calls  *prometheus.CounterVec
	logger *slog.Logger
}

// New creates an Explainer.
func New(gen llm.Generator, opts Options, reg *metrics.Registry, logger *slog.Logger) *Explainer {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultOptions().Concurrency
	}
	if opts.MaxSourceRunes <= 0 {
		opts.MaxSourceRunes = DefaultOptions().MaxSourceRunes
	}
	return &Explainer{
		gen:    gen,
		opts:   opts,
		calls:  reg.Counter("explanations_total", "Explanation attempts by outcome", "outcome"),
		logger: logger.With("component", "explainer"),
	}
}

// Explain fills in Explanation for as many results as it can before ctx
// ends. It returns a new slice; order and scores are unchanged.
func (e *Explainer) Explain(ctx context.Context, query string, results []domain.ScoredPlace) ([]domain.ScoredPlace, Outcome) {
	out := make([]domain.ScoredPlace, len(results))
	copy(out, results)
	if len(results) == 0 {
		return out, Outcome{}
	}

	texts, errs := fn.ParMap(ctx, results, e.opts.Concurrency, func(ctx context.Context, sp domain.ScoredPlace) (string, error) {
		return e.gen.Generate(ctx, BuildPrompt(query, sp.Place, e.opts.MaxSourceRunes))
	})

	var oc Outcome
	for i, err := range errs {
		switch {
		case err == nil && texts[i] != "":
			out[i].Explanation = texts[i]
			oc.Explained++
			e.calls.WithLabelValues("ok").Inc()
		case err == nil:
			oc.Failed++
			e.calls.WithLabelValues("empty").Inc()
		case ctx.Err() != nil && (errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)):
			oc.Abandoned++
			e.calls.WithLabelValues("abandoned").Inc()
		default:
			oc.Failed++
			e.calls.WithLabelValues("failed").Inc()
			e.logger.Warn("explanation failed", "place_id", results[i].Place.ID, "err", err)
		}
	}
	if oc.Abandoned > 0 {
		e.logger.Warn("deadline reached, explanations abandoned", "abandoned", oc.Abandoned, "explained", oc.Explained)
	}
	return out, oc
}

// BuildPrompt asks for a short rationale of why place fits query.
func BuildPrompt(query string, p domain.Place, maxSource int) string {
	var b strings.Builder
	b.WriteString("A user is looking for a place with this request:\n")
	fmt.Fprintf(&b, "%q\n\n", strings.TrimSpace(query))
	b.WriteString("Candidate place:\n")
	fmt.Fprintf(&b, "- Name: %s\n", p.Name)
	if p.Category != "" {
		fmt.Fprintf(&b, "- Category: %s\n", p.Category)
	}
	if p.Address != "" {
		fmt.Fprintf(&b, "- Address: %s\n", p.Address)
	}
	if src := truncate(strings.TrimSpace(p.SourceText), maxSource); src != "" {
		fmt.Fprintf(&b, "- What visitors say: %s\n", src)
	}
	b.WriteString("\nIn one or two sentences, explain why this place suits the request. ")
	b.WriteString("Only use the information above. Answer in the language of the request.")
	return b.String()
}

func truncate(s string, n int) string {
	if n <= 0 || utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n]) + "…"
}
