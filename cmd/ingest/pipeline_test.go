package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"

	"github.com/meetpoint/recommender/engine/domain"
	"github.com/meetpoint/recommender/engine/llm"
	"github.com/meetpoint/recommender/engine/vectorstore"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

const crawled = `
{"id":"1","name":"Anthracite","category":"cafe","latitude":37.55,"longitude":126.92,"updated_at":"2024-01-01T00:00:00Z","reviews":[{"id":"101","category":"mood","text":"quiet"},{"id":"102","text":""}]}

{"id":"2","name":"Left Coast","category":"bar","address":"Itaewon","source_text":"craft beer"}
`

func TestReadPlaces(t *testing.T) {
	places, err := readPlaces(strings.NewReader(crawled))
	if err != nil {
		t.Fatal(err)
	}
	if len(places) != 2 || places[0].ID != "1" || len(places[0].Reviews) != 2 {
		t.Fatalf("unexpected places %+v", places)
	}
	if _, err := readPlaces(strings.NewReader(`{"name":"no id"}`)); err == nil {
		t.Error("missing id should fail")
	}
	if _, err := readPlaces(strings.NewReader(`{"id":`)); err == nil {
		t.Error("bad json should fail")
	}
}

func TestTasksFor(t *testing.T) {
	places, _ := readPlaces(strings.NewReader(crawled))
	tasks := tasksFor(places)
	// place 1, its non-empty review, place 2
	if len(tasks) != 3 {
		t.Fatalf("expected 3 tasks, got %d", len(tasks))
	}
	if tasks[0].text != "Anthracite cafe" {
		t.Errorf("place text fallback = %q", tasks[0].text)
	}
	if tasks[1].review == nil || tasks[1].text != "mood: quiet" || tasks[1].review.PlaceID != "1" || tasks[1].review.Category != "mood" {
		t.Errorf("unexpected review task %+v", tasks[1])
	}
	if tasks[2].text != "craft beer" {
		t.Errorf("source_text should win, got %q", tasks[2].text)
	}
}

func TestEmbedAll_IsolatesFailures(t *testing.T) {
	places, _ := readPlaces(strings.NewReader(crawled))
	e := llm.EmbedderFunc(func(_ context.Context, text string) ([]float32, error) {
		if text == "mood: quiet" {
			return nil, domain.NewProviderError("ollama", "embed", 400, errors.New("bad input"))
		}
		return []float32{1, 0}, nil
	})

	recs, sum, err := embedAll(context.Background(), e, places, 2, quiet)
	if err != nil {
		t.Fatal(err)
	}
	if sum.Places != 2 || sum.Reviews != 0 || sum.Failures != 1 || len(recs) != 2 {
		t.Fatalf("summary=%+v records=%d", sum, len(recs))
	}

	decoded, _, rejected := vectorstore.Decode(recs)
	if len(rejected) != 0 || decoded[1].Address != "Itaewon" {
		t.Errorf("records should decode as places: %+v %v", decoded, rejected)
	}
}

func TestEmbedAll_StopsOnCancel(t *testing.T) {
	places, _ := readPlaces(strings.NewReader(crawled))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	e := llm.EmbedderFunc(func(ctx context.Context, _ string) ([]float32, error) {
		return nil, ctx.Err()
	})
	if _, _, err := embedAll(ctx, e, places, 1, quiet); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestFileSinkRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out", "places.jsonl")
	p := domain.Place{ID: "5", Name: "Fritz", Category: "cafe"}
	recs := []vectorstore.VectorRecord{
		{ID: "5", Vector: []float32{0.6, 0.8}, Metadata: vectorstore.PlaceMetadata(p)},
		{ID: "501", Vector: []float32{1, 0}, Metadata: vectorstore.ReviewMetadata(domain.ReviewRecord{PlaceID: "5", Text: "menu: bread"})},
	}
	if err := (fileSink{path: path}).Write(context.Background(), recs); err != nil {
		t.Fatal(err)
	}

	got, err := vectorstore.NewFileSource(path).List(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	a, err := vectorstore.Assemble(got, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(a.Places) != 1 || a.Stats.Reviews != 1 {
		t.Fatalf("unexpected assembly %+v", a.Stats)
	}
}
