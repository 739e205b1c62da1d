// Package recommend orchestrates a recommendation: it embeds the query,
// ranks the served index snapshot, and attaches explanations when asked.
package recommend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/meetpoint/recommender/engine/domain"
	"github.com/meetpoint/recommender/engine/explain"
	"github.com/meetpoint/recommender/engine/extract"
	"github.com/meetpoint/recommender/engine/index"
	"github.com/meetpoint/recommender/engine/llm"
	"github.com/meetpoint/recommender/engine/retrieve"
	"github.com/meetpoint/recommender/engine/vectorstore"
	"github.com/meetpoint/recommender/pkg/fn"
	"github.com/meetpoint/recommender/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// SnapshotSource hands out the snapshot to serve a request from.
type SnapshotSource interface {
	Current() *index.Snapshot
}

// StalenessTrigger schedules a background refresh when the index is stale.
// It must not block.
type StalenessTrigger interface {
	TriggerIfStale() bool
}

// CategoryExtractor breaks a query into weighted category facets.
type CategoryExtractor interface {
	Extract(ctx context.Context, query string) ([]extract.Facet, error)
}

// Options configures the Service.
type Options struct {
	Limits domain.Limits
	// Deadline bounds one Recommend call. Zero means only the caller's ctx.
	Deadline time.Duration
	// Explain is the default when a request does not say.
	Explain  bool
	Fallback retrieve.Fallback
}

// DefaultOptions returns sensible defaults.
func DefaultOptions() Options {
	return Options{
		Limits:   domain.Limits{DefaultTopK: 5, MaxTopK: 20},
		Deadline: 10 * time.Second,
		Explain:  true,
		Fallback: retrieve.FallbackRecency,
	}
}

// Service is the recommendation orchestrator.
type Service struct {
	embed     llm.Embedder
	snapshots SnapshotSource
	stale     StalenessTrigger
	explainer *explain.Explainer
	retriever retrieve.Retriever
	opts      Options
	// categories, when set, turns on category scoring for queries.
	categories CategoryExtractor

	requests *prometheus.CounterVec
	latency  *prometheus.HistogramVec
	tracer   trace.Tracer
	logger   *slog.Logger
}

// New creates a Service. stale and explainer may be nil.
func New(embed llm.Embedder, snapshots SnapshotSource, stale StalenessTrigger, explainer *explain.Explainer, opts Options, reg *metrics.Registry, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		embed:     embed,
		snapshots: snapshots,
		stale:     stale,
		explainer: explainer,
		retriever: retrieve.Retriever{Fallback: opts.Fallback},
		opts:      opts,
		requests:  reg.Counter("recommend_requests_total", "Recommendation calls by outcome", "outcome"),
		latency:   reg.Histogram("recommend_stage_duration_seconds", "Recommendation latency by stage", nil, "stage"),
		tracer:    otel.Tracer("github.com/meetpoint/recommender/engine/recommend"),
		logger:    logger.With("component", "recommend"),
	}
}

// UseCategories turns on category scoring: each query is broken into
// facets by x, and places are ranked by their reviews in those categories.
// Queries without facets, or whose facets match no categorized review, are
// ranked by plain similarity. Call it before serving.
func (s *Service) UseCategories(x CategoryExtractor) {
	s.categories = x
}

// Ranked is a recommendation before it is shaped into the public result.
type Ranked struct {
	Places          []domain.ScoredPlace
	Ranking         domain.Ranking
	SnapshotVersion uint64
	Explain         explain.Outcome
}

// Recommend runs the pipeline and returns the public result. Callers get
// either a complete result, possibly with some explanations empty, or one
// error matching ErrInvalidRequest, ErrEmbeddingUnavailable, or ErrTimeout.
func (s *Service) Recommend(ctx context.Context, req domain.RecommendationRequest) (domain.RecommendationResult, error) {
	r, err := s.Rank(ctx, req)
	if err != nil {
		return domain.RecommendationResult{}, err
	}
	out := domain.RecommendationResult{
		Results:         make([]domain.Recommendation, len(r.Places)),
		Ranking:         r.Ranking,
		SnapshotVersion: r.SnapshotVersion,
	}
	for i, p := range r.Places {
		out.Results[i] = domain.Recommendation{
			PlaceID:     p.Place.ID,
			Name:        p.Place.Name,
			Category:    p.Place.Category,
			Score:       p.Score,
			Explanation: p.Explanation,
		}
	}
	return out, nil
}

// Rank runs the pipeline and keeps full place data in the result.
func (s *Service) Rank(ctx context.Context, req domain.RecommendationRequest) (Ranked, error) {
	ctx, span := s.tracer.Start(ctx, "recommend.Rank")
	defer span.End()

	r, err := s.rank(ctx, req, span)
	s.requests.WithLabelValues(outcome(err)).Inc()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return r, err
}

func (s *Service) rank(ctx context.Context, req domain.RecommendationRequest, span trace.Span) (Ranked, error) {
	if s.opts.Deadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.Deadline)
		defer cancel()
	}

	topK, err := domain.ValidateRequest(req, s.opts.Limits)
	if err != nil {
		return Ranked{}, fmt.Errorf("recommend: %w", err)
	}
	query := strings.TrimSpace(req.QueryText)
	span.SetAttributes(
		attribute.Int("recommend.top_k", topK),
		attribute.Bool("recommend.has_query", query != ""),
		attribute.Bool("recommend.filtered", !req.Filters.IsZero()),
	)

	snap := s.snapshots.Current()
	if s.stale != nil && s.stale.TriggerIfStale() {
		s.logger.Info("index stale, refresh scheduled", "version", snap.Version, "loaded_at", snap.LoadedAt)
	}
	span.SetAttributes(attribute.Int64("index.version", int64(snap.Version)))

	var (
		res    retrieve.Result
		ranked bool
	)
	if query != "" && s.categories != nil {
		res, ranked, err = s.rankCategories(ctx, snap, query, req.Filters, topK)
		if err != nil {
			return Ranked{}, err
		}
	}
	if !ranked {
		var vec []float32
		if query != "" {
			start := time.Now()
			vec, err = s.embedQuery(ctx, query)
			s.latency.WithLabelValues("embed").Observe(time.Since(start).Seconds())
			if err != nil {
				return Ranked{}, err
			}
		}
		start := time.Now()
		res, err = s.retriever.Retrieve(snap, vec, req.Filters, topK)
		s.latency.WithLabelValues("retrieve").Observe(time.Since(start).Seconds())
		if err != nil {
			return Ranked{}, fmt.Errorf("recommend: %w", err)
		}
	}
	span.SetAttributes(attribute.String("recommend.ranking", string(res.Ranking)))
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return Ranked{}, fmt.Errorf("recommend: retrieve: %w", domain.ErrTimeout)
	}

	out := Ranked{Places: res.Places, Ranking: res.Ranking, SnapshotVersion: snap.Version}
	if query != "" && s.explainer != nil && s.explainEnabled(req) && len(res.Places) > 0 {
		start := time.Now()
		out.Places, out.Explain = s.explainer.Explain(ctx, query, res.Places)
		s.latency.WithLabelValues("explain").Observe(time.Since(start).Seconds())
		span.SetAttributes(
			attribute.Int("explain.explained", out.Explain.Explained),
			attribute.Int("explain.failed", out.Explain.Failed),
			attribute.Int("explain.abandoned", out.Explain.Abandoned),
		)
	}
	return out, nil
}

// rankCategories ranks snap by the facets of query. ranked is false when the
// caller should fall back to plain similarity: extraction failed or found
// nothing, or no place passing f has a review in an extracted category.
func (s *Service) rankCategories(ctx context.Context, snap *index.Snapshot, query string, f domain.Filters, topK int) (res retrieve.Result, ranked bool, err error) {
	start := time.Now()
	facets, err := s.categories.Extract(ctx, query)
	s.latency.WithLabelValues("extract").Observe(time.Since(start).Seconds())
	if err != nil {
		if ctxErr := ctxFailure(ctx, "extract categories"); ctxErr != nil {
			return retrieve.Result{}, false, ctxErr
		}
		s.logger.Warn("category extraction failed, using similarity", "err", err)
		return retrieve.Result{}, false, nil
	}
	if len(facets) == 0 {
		return retrieve.Result{}, false, nil
	}

	start = time.Now()
	vecs, errs := fn.ParMap(ctx, facets, len(facets), func(ctx context.Context, fc extract.Facet) ([]float32, error) {
		return s.embedQuery(ctx, fc.Text)
	})
	s.latency.WithLabelValues("embed").Observe(time.Since(start).Seconds())
	qs := make([]index.CategoryQuery, len(facets))
	for i, fc := range facets {
		if errs[i] != nil {
			if ctxErr := ctxFailure(ctx, "embed categories"); ctxErr != nil {
				return retrieve.Result{}, false, ctxErr
			}
			return retrieve.Result{}, false, errs[i]
		}
		qs[i] = index.CategoryQuery{Category: fc.Category, Vec: vecs[i], Weight: fc.Weight}
	}

	start = time.Now()
	res, err = s.retriever.RetrieveCategories(snap, qs, f, topK)
	s.latency.WithLabelValues("retrieve").Observe(time.Since(start).Seconds())
	if err != nil {
		return retrieve.Result{}, false, fmt.Errorf("recommend: %w", err)
	}
	if len(res.Places) == 0 {
		return retrieve.Result{}, false, nil
	}
	return res, true, nil
}

func (s *Service) embedQuery(ctx context.Context, query string) ([]float32, error) {
	if s.embed == nil {
		return nil, fmt.Errorf("recommend: %w: no embedding provider configured", domain.ErrEmbeddingUnavailable)
	}
	vec, err := s.embed.Embed(ctx, query)
	if err != nil {
		if ctxErr := ctxFailure(ctx, "embed query"); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("recommend: embed query: %w: %w", domain.ErrEmbeddingUnavailable, err)
	}
	if !vectorstore.WellFormed(vec) {
		pe := &domain.ProviderError{Provider: "embedding", Op: "embed", Err: errors.New("empty, non-finite, or zero query vector")}
		return nil, fmt.Errorf("recommend: embed query: %w: %w", domain.ErrEmbeddingUnavailable, pe)
	}
	return vec, nil
}

// ctxFailure maps an ended ctx onto the error taxonomy, or returns nil while
// ctx is still live.
func ctxFailure(ctx context.Context, stage string) error {
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return fmt.Errorf("recommend: %s: %w", stage, domain.ErrTimeout)
	case errors.Is(ctx.Err(), context.Canceled):
		return fmt.Errorf("recommend: %s: %w", stage, ctx.Err())
	}
	return nil
}

func (s *Service) explainEnabled(req domain.RecommendationRequest) bool {
	if req.Explain != nil {
		return *req.Explain
	}
	return s.opts.Explain
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, domain.ErrInvalidRequest):
		return "invalid_request"
	case errors.Is(err, domain.ErrEmbeddingUnavailable):
		return "embedding_unavailable"
	case errors.Is(err, domain.ErrTimeout):
		return "timeout"
	default:
		return "error"
	}
}
