package recommend

import (
	"context"
	"errors"
	"math"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/meetpoint/recommender/engine/domain"
	"github.com/meetpoint/recommender/engine/explain"
	"github.com/meetpoint/recommender/engine/extract"
	"github.com/meetpoint/recommender/engine/index"
	"github.com/meetpoint/recommender/engine/llm"
	"github.com/meetpoint/recommender/engine/vectorstore"
	"github.com/meetpoint/recommender/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

// --- fakes ---

type staticSource []vectorstore.VectorRecord

func (s staticSource) List(context.Context) ([]vectorstore.VectorRecord, error) { return s, nil }

type fixedSnapshot struct{ snap *index.Snapshot }

func (f fixedSnapshot) Current() *index.Snapshot { return f.snap }

type countingTrigger struct{ n atomic.Int32 }

func (c *countingTrigger) TriggerIfStale() bool { c.n.Add(1); return false }

func vecEmbedder(v []float32) llm.Embedder {
	return llm.EmbedderFunc(func(context.Context, string) ([]float32, error) { return v, nil })
}

func placeRec(id, name, category, updated string, vec ...float32) vectorstore.VectorRecord {
	return vectorstore.VectorRecord{ID: id, Vector: vec, Metadata: map[string]any{
		"name": name, "category": category, "updated_at": updated, "source_text": name + " is lovely",
	}}
}

func testSnapshot(t *testing.T) *index.Snapshot {
	t.Helper()
	snap, err := index.Load(context.Background(), staticSource{
		placeRec("1", "Anthracite", "cafe", "2024-01-01T00:00:00Z", 0.9, 0.43589),
		placeRec("2", "Left Coast", "bar", "2024-05-01T00:00:00Z", 0.5, 0.86603),
		placeRec("3", "Fritz", "cafe", "2024-03-01T00:00:00Z", 0.2, 0.97980),
	}, 2, 7)
	if err != nil {
		t.Fatal(err)
	}
	return snap
}

func newService(t *testing.T, embed llm.Embedder, gen llm.Generator, opts Options) (*Service, *metrics.Registry) {
	t.Helper()
	reg := metrics.New()
	var ex *explain.Explainer
	if gen != nil {
		ex = explain.New(gen, explain.DefaultOptions(), reg, nil)
	}
	return New(embed, fixedSnapshot{testSnapshot(t)}, nil, ex, opts, reg, nil), reg
}

func intPtr(v int) *int    { return &v }
func boolPtr(v bool) *bool { return &v }

// --- tests ---

func TestRecommend_RanksAndExplains(t *testing.T) {
	gen := llm.GeneratorFunc(func(_ context.Context, prompt string) (string, error) {
		return "because " + strings.SplitN(strings.SplitN(prompt, "- Name: ", 2)[1], "\n", 2)[0], nil
	})
	svc, reg := newService(t, vecEmbedder([]float32{1, 0}), gen, DefaultOptions())

	res, err := svc.Recommend(context.Background(), domain.RecommendationRequest{QueryText: "quiet cafe", TopK: intPtr(2)})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Results) != 2 || res.Results[0].PlaceID != "1" || res.Results[1].PlaceID != "2" {
		t.Fatalf("unexpected results %+v", res.Results)
	}
	if res.Results[0].Explanation != "because Anthracite" || res.Results[1].Explanation != "because Left Coast" {
		t.Errorf("unexpected explanations %+v", res.Results)
	}
	if res.Ranking != domain.RankingSimilarity || res.SnapshotVersion != 7 {
		t.Errorf("ranking=%s version=%d", res.Ranking, res.SnapshotVersion)
	}
	if res.Results[0].Score < 0.89 || res.Results[0].Score > 0.91 {
		t.Errorf("score = %v", res.Results[0].Score)
	}
	if got := testutil.ToFloat64(reg.Counter("recommend_requests_total", "", "outcome").WithLabelValues("ok")); got != 1 {
		t.Errorf("ok counter = %v", got)
	}
}

func TestRecommend_DefaultTopK(t *testing.T) {
	opts := DefaultOptions()
	opts.Limits.DefaultTopK = 2
	svc, _ := newService(t, vecEmbedder([]float32{1, 0}), nil, opts)
	res, err := svc.Recommend(context.Background(), domain.RecommendationRequest{QueryText: "x"})
	if err != nil || len(res.Results) != 2 {
		t.Fatalf("got %d results, err %v", len(res.Results), err)
	}
}

func TestRecommend_InvalidTopK(t *testing.T) {
	svc, reg := newService(t, vecEmbedder([]float32{1, 0}), nil, DefaultOptions())
	for _, k := range []int{0, -1} {
		_, err := svc.Recommend(context.Background(), domain.RecommendationRequest{TopK: intPtr(k)})
		if !errors.Is(err, domain.ErrInvalidRequest) {
			t.Errorf("topK=%d: expected ErrInvalidRequest, got %v", k, err)
		}
	}
	if got := testutil.ToFloat64(reg.Counter("recommend_requests_total", "", "outcome").WithLabelValues("invalid_request")); got != 2 {
		t.Errorf("invalid counter = %v", got)
	}
}

func TestRecommend_EmbeddingUnavailable(t *testing.T) {
	embed := llm.EmbedderFunc(func(context.Context, string) ([]float32, error) {
		return nil, domain.NewProviderError("openai", "embed", 503, errors.New("overloaded"))
	})
	svc, _ := newService(t, embed, nil, DefaultOptions())
	_, err := svc.Recommend(context.Background(), domain.RecommendationRequest{QueryText: "cafe"})
	if !errors.Is(err, domain.ErrEmbeddingUnavailable) || !errors.Is(err, domain.ErrProvider) {
		t.Fatalf("expected ErrEmbeddingUnavailable wrapping ErrProvider, got %v", err)
	}
}

func TestRecommend_NoEmbedderConfigured(t *testing.T) {
	svc, _ := newService(t, nil, nil, DefaultOptions())
	if _, err := svc.Recommend(context.Background(), domain.RecommendationRequest{QueryText: "cafe"}); !errors.Is(err, domain.ErrEmbeddingUnavailable) {
		t.Fatalf("expected ErrEmbeddingUnavailable, got %v", err)
	}
	// Without query text the embedder is not needed.
	if _, err := svc.Recommend(context.Background(), domain.RecommendationRequest{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestRecommend_EmbedDeadlineIsTimeout(t *testing.T) {
	embed := llm.EmbedderFunc(func(ctx context.Context, _ string) ([]float32, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	opts := DefaultOptions()
	opts.Deadline = 20 * time.Millisecond
	svc, _ := newService(t, embed, nil, opts)

	_, err := svc.Recommend(context.Background(), domain.RecommendationRequest{QueryText: "cafe"})
	if !errors.Is(err, domain.ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
}

func TestRecommend_ExplainDeadlineReturnsPartial(t *testing.T) {
	gen := llm.GeneratorFunc(func(ctx context.Context, prompt string) (string, error) {
		if strings.Contains(prompt, "Anthracite") {
			return "fast", nil
		}
		<-ctx.Done()
		return "", ctx.Err()
	})
	opts := DefaultOptions()
	opts.Deadline = 50 * time.Millisecond
	svc, _ := newService(t, vecEmbedder([]float32{1, 0}), gen, opts)

	res, err := svc.Recommend(context.Background(), domain.RecommendationRequest{QueryText: "cafe", TopK: intPtr(3)})
	if err != nil {
		t.Fatalf("explain deadline must not fail the request: %v", err)
	}
	if len(res.Results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(res.Results))
	}
	if res.Results[0].Explanation != "fast" || res.Results[1].Explanation != "" || res.Results[2].Explanation != "" {
		t.Errorf("unexpected explanations %+v", res.Results)
	}
}

func TestRecommend_ExplainFailureIsolated(t *testing.T) {
	gen := llm.GeneratorFunc(func(_ context.Context, prompt string) (string, error) {
		if strings.Contains(prompt, "Left Coast") {
			return "", domain.NewProviderError("openai", "generate", 500, errors.New("boom"))
		}
		return "nice", nil
	})
	svc, _ := newService(t, vecEmbedder([]float32{1, 0}), gen, DefaultOptions())
	withGen, err := svc.Recommend(context.Background(), domain.RecommendationRequest{QueryText: "cafe", TopK: intPtr(3)})
	if err != nil {
		t.Fatal(err)
	}
	without, err := svc.Recommend(context.Background(), domain.RecommendationRequest{QueryText: "cafe", TopK: intPtr(3), Explain: boolPtr(false)})
	if err != nil {
		t.Fatal(err)
	}
	for i := range withGen.Results {
		if withGen.Results[i].PlaceID != without.Results[i].PlaceID || withGen.Results[i].Score != without.Results[i].Score {
			t.Errorf("result %d differs between explained and unexplained runs", i)
		}
		if without.Results[i].Explanation != "" {
			t.Errorf("explain=false should skip explanations")
		}
	}
	if withGen.Results[1].Explanation != "" || withGen.Results[0].Explanation != "nice" {
		t.Errorf("unexpected explanations %+v", withGen.Results)
	}
}

func TestRecommend_NoQueryFallback(t *testing.T) {
	gen := llm.GeneratorFunc(func(context.Context, string) (string, error) {
		t.Error("no explanations without query text")
		return "", nil
	})
	svc, _ := newService(t, vecEmbedder([]float32{1, 0}), gen, DefaultOptions())

	res, err := svc.Recommend(context.Background(), domain.RecommendationRequest{Filters: domain.Filters{Categories: []string{"cafe"}}})
	if err != nil {
		t.Fatal(err)
	}
	if res.Ranking != domain.RankingRecency || len(res.Results) != 2 || res.Results[0].PlaceID != "3" {
		t.Errorf("unexpected fallback %+v", res)
	}

	res, err = svc.Recommend(context.Background(), domain.RecommendationRequest{Filters: domain.Filters{Categories: []string{"museum"}}})
	if err != nil || len(res.Results) != 0 {
		t.Errorf("zero matches should be empty without error: %+v, %v", res, err)
	}
	if res.Results == nil {
		t.Error("results should be an empty list, not null")
	}
}

func TestRecommend_TriggersStalenessCheck(t *testing.T) {
	trig := &countingTrigger{}
	svc := New(vecEmbedder([]float32{1, 0}), fixedSnapshot{testSnapshot(t)}, trig, nil, DefaultOptions(), nil, nil)
	if _, err := svc.Recommend(context.Background(), domain.RecommendationRequest{QueryText: "x"}); err != nil {
		t.Fatal(err)
	}
	if trig.n.Load() != 1 {
		t.Errorf("staleness checked %d times", trig.n.Load())
	}
}

func TestRecommend_EmptyIndex(t *testing.T) {
	svc := New(vecEmbedder([]float32{1, 0}), fixedSnapshot{index.Empty(0, 2)}, nil, nil, DefaultOptions(), nil, nil)
	res, err := svc.Recommend(context.Background(), domain.RecommendationRequest{QueryText: "x"})
	if err != nil || len(res.Results) != 0 {
		t.Fatalf("got %+v, %v", res, err)
	}
}

func TestRecommend_MalformedQueryVector(t *testing.T) {
	nan := float32(math.NaN())
	inf := float32(math.Inf(1))
	for _, v := range [][]float32{{nan, 1}, {inf, 0}, {0, 0}, {}} {
		svc, _ := newService(t, vecEmbedder(v), nil, DefaultOptions())
		_, err := svc.Recommend(context.Background(), domain.RecommendationRequest{QueryText: "cafe"})
		if !errors.Is(err, domain.ErrEmbeddingUnavailable) || !errors.Is(err, domain.ErrProvider) {
			t.Errorf("vector %v: expected ErrEmbeddingUnavailable wrapping ErrProvider, got %v", v, err)
		}
	}
}

// --- category scoring ---

type extractorFunc func(ctx context.Context, query string) ([]extract.Facet, error)

func (f extractorFunc) Extract(ctx context.Context, query string) ([]extract.Facet, error) {
	return f(ctx, query)
}

func facets(fs ...extract.Facet) extractorFunc {
	return func(context.Context, string) ([]extract.Facet, error) { return fs, nil }
}

func reviewRec(id, placeID, category string, vec ...float32) vectorstore.VectorRecord {
	return vectorstore.VectorRecord{ID: id, Vector: vec, Metadata: map[string]any{
		"kind": "review", "place_id": placeID, "category": category,
	}}
}

// categorySnapshot has place 1 closest to [1, 0] overall, while place 2 is
// the only one with a menu review.
func categorySnapshot(t *testing.T) *index.Snapshot {
	t.Helper()
	snap, err := index.Load(context.Background(), staticSource{
		placeRec("1", "Anthracite", "cafe", "2024-01-01T00:00:00Z", 1, 0),
		placeRec("2", "Left Coast", "bar", "2024-05-01T00:00:00Z", 0, 1),
		reviewRec("21", "2", "menu", 0, 1),
		reviewRec("11", "1", "mood", 1, 0),
	}, 2, 3)
	if err != nil {
		t.Fatal(err)
	}
	return snap
}

// textEmbedder embeds "craft beer" as [0, 1] and everything else as [1, 0].
func textEmbedder() llm.Embedder {
	return llm.EmbedderFunc(func(_ context.Context, text string) ([]float32, error) {
		if text == "craft beer" {
			return []float32{0, 1}, nil
		}
		return []float32{1, 0}, nil
	})
}

func TestRecommend_CategoryScoring(t *testing.T) {
	svc := New(textEmbedder(), fixedSnapshot{categorySnapshot(t)}, nil, nil, DefaultOptions(), nil, nil)
	svc.UseCategories(facets(extract.Facet{Category: extract.Menu, Text: "craft beer", Weight: 0.8}))

	res, err := svc.Recommend(context.Background(), domain.RecommendationRequest{QueryText: "craft beer anywhere"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Ranking != domain.RankingCategory || len(res.Results) != 1 || res.Results[0].PlaceID != "2" {
		t.Fatalf("unexpected result %+v", res)
	}
	if math.Abs(res.Results[0].Score-1) > 1e-6 {
		t.Errorf("score = %v, want 1", res.Results[0].Score)
	}
}

func TestRecommend_CategoryFallsBackToSimilarity(t *testing.T) {
	cases := []struct {
		name string
		x    extractorFunc
	}{
		{"extraction failed", func(context.Context, string) ([]extract.Facet, error) {
			return nil, errors.New("model down")
		}},
		{"nothing extracted", facets()},
		{"no review in category", facets(extract.Facet{Category: extract.Purpose, Text: "date", Weight: 0.4})},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			svc := New(textEmbedder(), fixedSnapshot{categorySnapshot(t)}, nil, nil, DefaultOptions(), nil, nil)
			svc.UseCategories(tc.x)
			res, err := svc.Recommend(context.Background(), domain.RecommendationRequest{QueryText: "somewhere nice", TopK: intPtr(2)})
			if err != nil {
				t.Fatal(err)
			}
			if res.Ranking != domain.RankingSimilarity || len(res.Results) != 2 || res.Results[0].PlaceID != "1" {
				t.Fatalf("unexpected result %+v", res)
			}
		})
	}
}

func TestRecommend_CategoryFiltersApply(t *testing.T) {
	svc := New(textEmbedder(), fixedSnapshot{categorySnapshot(t)}, nil, nil, DefaultOptions(), nil, nil)
	svc.UseCategories(facets(extract.Facet{Category: extract.Menu, Text: "craft beer", Weight: 0.8}))

	res, err := svc.Recommend(context.Background(), domain.RecommendationRequest{
		QueryText: "craft beer",
		Filters:   domain.Filters{Categories: []string{"cafe"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	// The only menu review belongs to a bar, so ranking falls back.
	if res.Ranking != domain.RankingSimilarity || len(res.Results) != 1 || res.Results[0].PlaceID != "1" {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestRecommend_CategoryExtractionDeadline(t *testing.T) {
	opts := DefaultOptions()
	opts.Deadline = 20 * time.Millisecond
	svc := New(textEmbedder(), fixedSnapshot{categorySnapshot(t)}, nil, nil, opts, nil, nil)
	svc.UseCategories(extractorFunc(func(ctx context.Context, _ string) ([]extract.Facet, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}))
	if _, err := svc.Recommend(context.Background(), domain.RecommendationRequest{QueryText: "x"}); !errors.Is(err, domain.ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
}

func TestRecommend_CategoryEmbedFailure(t *testing.T) {
	embed := llm.EmbedderFunc(func(context.Context, string) ([]float32, error) {
		return nil, domain.NewProviderError("openai", "embed", 401, errors.New("bad key"))
	})
	svc := New(embed, fixedSnapshot{categorySnapshot(t)}, nil, nil, DefaultOptions(), nil, nil)
	svc.UseCategories(facets(extract.Facet{Category: extract.Menu, Text: "craft beer", Weight: 0.8}))
	if _, err := svc.Recommend(context.Background(), domain.RecommendationRequest{QueryText: "x"}); !errors.Is(err, domain.ErrEmbeddingUnavailable) {
		t.Fatalf("expected ErrEmbeddingUnavailable, got %v", err)
	}
}
