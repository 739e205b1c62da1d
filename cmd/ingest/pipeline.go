package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/meetpoint/recommender/engine/domain"
	"github.com/meetpoint/recommender/engine/llm"
	"github.com/meetpoint/recommender/engine/vectorstore"
	"github.com/meetpoint/recommender/pkg/fn"
)

// placeInput is one line of the crawler's output.
type placeInput struct {
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	Category   string        `json:"category"`
	Address    string        `json:"address"`
	Latitude   float64       `json:"latitude"`
	Longitude  float64       `json:"longitude"`
	Region     string        `json:"region"`
	SourceText string        `json:"source_text"`
	UpdatedAt  time.Time     `json:"updated_at"`
	Reviews    []reviewInput `json:"reviews"`
}

// reviewInput is a categorized review snippet. Ids must be unique across
// places and reviews when the target is Qdrant.
type reviewInput struct {
	ID       string `json:"id"`
	Category string `json:"category"`
	Text     string `json:"text"`
}

func (r reviewInput) text() string {
	if r.Category == "" {
		return r.Text
	}
	return r.Category + ": " + r.Text
}

func readPlaces(r io.Reader) ([]placeInput, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 8*1024*1024)
	var out []placeInput
	for n := 1; sc.Scan(); n++ {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var p placeInput
		if err := json.Unmarshal([]byte(line), &p); err != nil {
			return nil, fmt.Errorf("line %d: %w", n, err)
		}
		if strings.TrimSpace(p.ID) == "" {
			return nil, fmt.Errorf("line %d: missing id", n)
		}
		out = append(out, p)
	}
	return out, sc.Err()
}

// task is one text to embed. Exactly one of place or review is set.
type task struct {
	place  *domain.Place
	review *domain.ReviewRecord
	text   string
}

func (t task) id() string {
	if t.place != nil {
		return t.place.ID
	}
	return t.review.ID
}

func placeText(p placeInput) string {
	if s := strings.TrimSpace(p.SourceText); s != "" {
		return s
	}
	parts := []string{p.Name, p.Category, p.Address}
	return strings.TrimSpace(strings.Join(parts, " "))
}

func tasksFor(places []placeInput) []task {
	var tasks []task
	for _, in := range places {
		p := &domain.Place{
			ID:         in.ID,
			Name:       in.Name,
			Category:   in.Category,
			Address:    in.Address,
			Location:   domain.Location{Lat: in.Latitude, Lon: in.Longitude, Region: in.Region},
			SourceText: in.SourceText,
			UpdatedAt:  in.UpdatedAt,
		}
		tasks = append(tasks, task{place: p, text: placeText(in)})
		for _, r := range in.Reviews {
			if r.ID == "" || strings.TrimSpace(r.Text) == "" {
				continue
			}
			tasks = append(tasks, task{
				review: &domain.ReviewRecord{ID: r.ID, PlaceID: in.ID, Category: strings.ToLower(strings.TrimSpace(r.Category)), Text: r.text()},
				text:   r.text(),
			})
		}
	}
	return tasks
}

// Summary reports one run.
type Summary struct {
	Places   int
	Reviews  int
	Failures int
}

// embedAll embeds every place and review text with bounded concurrency.
// A failed embedding drops that record and is counted; it never aborts the
// run unless ctx ends.
func embedAll(ctx context.Context, e llm.Embedder, places []placeInput, workers int, logger *slog.Logger) ([]vectorstore.VectorRecord, Summary, error) {
	tasks := tasksFor(places)
	vecs, errs := fn.ParMap(ctx, tasks, workers, func(ctx context.Context, t task) ([]float32, error) {
		if t.text == "" {
			return nil, nil
		}
		return e.Embed(ctx, t.text)
	})

	var (
		recs []vectorstore.VectorRecord
		sum  Summary
	)
	for i, t := range tasks {
		if err := errs[i]; err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil, sum, err
			}
			logger.Warn("embed failed", "id", t.id(), "err", err)
			sum.Failures++
			continue
		}
		switch {
		case t.place != nil:
			recs = append(recs, vectorstore.VectorRecord{ID: t.place.ID, Vector: vecs[i], Metadata: vectorstore.PlaceMetadata(*t.place)})
			sum.Places++
		default:
			recs = append(recs, vectorstore.VectorRecord{ID: t.review.ID, Vector: vecs[i], Metadata: vectorstore.ReviewMetadata(*t.review)})
			sum.Reviews++
		}
	}
	return recs, sum, nil
}

// sink stores embedded records.
type sink interface {
	Write(ctx context.Context, recs []vectorstore.VectorRecord) error
}

// fileSink replaces a JSON Lines file atomically.
type fileSink struct{ path string }

func (s fileSink) Write(_ context.Context, recs []vectorstore.VectorRecord) error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".ingest-*.jsonl")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if err := vectorstore.WriteRecords(tmp, recs); err != nil {
		tmp.Close()
		return fmt.Errorf("write %s: %w", tmp.Name(), err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), s.path)
}

// qdrantSink upserts in batches after making sure the collection exists.
type qdrantSink struct {
	q     *vectorstore.QdrantSource
	dim   int
	batch int
}

func (s qdrantSink) Write(ctx context.Context, recs []vectorstore.VectorRecord) error {
	dim := s.dim
	if dim == 0 && len(recs) > 0 {
		dim = len(recs[0].Vector)
	}
	if err := s.q.EnsureCollection(ctx, dim); err != nil {
		return err
	}
	for start := 0; start < len(recs); start += s.batch {
		end := min(start+s.batch, len(recs))
		if err := s.q.Upsert(ctx, recs[start:end]); err != nil {
			return err
		}
	}
	return nil
}
