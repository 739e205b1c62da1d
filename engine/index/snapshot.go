// Package index holds the in-memory embedding index: immutable, versioned
// snapshots built from a vector source, and the atomically swapped pointer to
// the one currently served.
package index

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/meetpoint/recommender/engine/domain"
	"github.com/meetpoint/recommender/engine/vectorstore"
)

type entry struct {
	place domain.Place
	vec   []float32
	norm  float64
	// byCategory holds review vectors keyed by review category.
	byCategory map[string][]normed
}

type normed struct {
	vec  []float32
	norm float64
}

// Snapshot is one immutable generation of the index. It is safe for
// concurrent use and is never modified after Load returns it.
type Snapshot struct {
	Version  uint64
	LoadedAt time.Time
	Dim      int
	Stats    vectorstore.Stats

	entries []entry // sorted by id
	byID    map[string]int
}

// Empty returns a snapshot with no places.
func Empty(version uint64, dim int) *Snapshot {
	return &Snapshot{Version: version, Dim: dim, byID: map[string]int{}}
}

// Load reads every record from src and builds a snapshot. dim fixes the
// vector length; 0 adopts the length of the first valid vector.
func Load(ctx context.Context, src vectorstore.Source, dim int, version uint64) (*Snapshot, error) {
	recs, err := src.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("index: list: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("index: list: %w", err)
	}
	a, err := vectorstore.Assemble(recs, dim)
	if err != nil {
		return nil, fmt.Errorf("index: assemble: %w", err)
	}
	return build(a, version, time.Now()), nil
}

func build(a vectorstore.Assembly, version uint64, at time.Time) *Snapshot {
	s := &Snapshot{
		Version:  version,
		LoadedAt: at,
		Dim:      a.Dim,
		Stats:    a.Stats,
		entries:  make([]entry, len(a.Places)),
		byID:     make(map[string]int, len(a.Places)),
	}
	for i, p := range a.Places {
		e := entry{place: p.Place, vec: p.Embedding, norm: vectorstore.Norm(p.Embedding)}
		for _, r := range a.Reviews[p.ID] {
			if r.Category == "" {
				continue
			}
			if e.byCategory == nil {
				e.byCategory = make(map[string][]normed)
			}
			e.byCategory[r.Category] = append(e.byCategory[r.Category], normed{vec: r.Embedding, norm: vectorstore.Norm(r.Embedding)})
		}
		s.entries[i] = e
		s.byID[p.ID] = i
	}
	return s
}

// Len is the number of indexed places.
func (s *Snapshot) Len() int { return len(s.entries) }

// Place looks up a place by id.
func (s *Snapshot) Place(id string) (domain.Place, bool) {
	i, ok := s.byID[id]
	if !ok {
		return domain.Place{}, false
	}
	return s.entries[i].place, true
}

// Places returns the places matching f in id order.
func (s *Snapshot) Places(f domain.Filters) []domain.Place {
	out := make([]domain.Place, 0, len(s.entries))
	for _, e := range s.entries {
		if f.Match(e.place) {
			out = append(out, e.place)
		}
	}
	return out
}

// Match is a place with its raw cosine similarity to a query.
type Match struct {
	Place domain.Place
	Score float64
}

// Query scores every place matching f against vec. Filters run before
// scoring. The result is unsorted. An empty snapshot yields no matches and no
// error; a vector of the wrong length fails with ErrDimensionMismatch.
func Query(s *Snapshot, vec []float32, f domain.Filters) ([]Match, error) {
	if s == nil || len(s.entries) == 0 {
		return nil, nil
	}
	if len(vec) != s.Dim {
		return nil, &domain.DimensionMismatchError{RecordID: "query", Want: s.Dim, Got: len(vec)}
	}
	qn := vectorstore.Norm(vec)

	var out []Match
	for _, e := range s.entries {
		if !f.Match(e.place) {
			continue
		}
		out = append(out, Match{Place: e.place, Score: cosine(vec, qn, e.vec, e.norm)})
	}
	return out, nil
}

// CategoryQuery is one facet of a query: the place's reviews in Category are
// scored against Vec and the best of them counts with Weight.
type CategoryQuery struct {
	Category string
	Vec      []float32
	Weight   float64
}

// QueryCategories scores every place matching f by the weighted mean, over
// qs, of the best cosine between each facet vector and the place's reviews in
// that facet's category. A facet the place has no review for contributes 0;
// a place with no review in any queried category is left out. Scores stay in
// [-1, 1]. Facets with a non-positive weight are ignored.
func QueryCategories(s *Snapshot, qs []CategoryQuery, f domain.Filters) ([]Match, error) {
	if s == nil || len(s.entries) == 0 {
		return nil, nil
	}
	type facet struct {
		CategoryQuery
		norm float64
	}
	var (
		facets []facet
		total  float64
	)
	for _, q := range qs {
		if q.Weight <= 0 {
			continue
		}
		if len(q.Vec) != s.Dim {
			return nil, &domain.DimensionMismatchError{RecordID: "query:" + q.Category, Want: s.Dim, Got: len(q.Vec)}
		}
		facets = append(facets, facet{CategoryQuery: q, norm: vectorstore.Norm(q.Vec)})
		total += q.Weight
	}
	if total == 0 {
		return nil, nil
	}

	var out []Match
	for _, e := range s.entries {
		if len(e.byCategory) == 0 || !f.Match(e.place) {
			continue
		}
		var (
			sum     float64
			matched bool
		)
		for _, fc := range facets {
			reviews := e.byCategory[fc.Category]
			if len(reviews) == 0 {
				continue
			}
			best := -1.0
			for _, r := range reviews {
				best = math.Max(best, cosine(fc.Vec, fc.norm, r.vec, r.norm))
			}
			sum += fc.Weight * best
			matched = true
		}
		if matched {
			out = append(out, Match{Place: e.place, Score: math.Max(-1, math.Min(1, sum/total))})
		}
	}
	return out, nil
}

// Categories is the number of places that have at least one categorized
// review.
func (s *Snapshot) Categories() int {
	n := 0
	for _, e := range s.entries {
		if len(e.byCategory) > 0 {
			n++
		}
	}
	return n
}

// Cosine is the cosine similarity of a and b, in [-1, 1]. It is 0 when
// either vector has zero length.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}
	return cosine(a, vectorstore.Norm(a), b, vectorstore.Norm(b))
}

func cosine(a []float32, na float64, b []float32, nb float64) float64 {
	if na == 0 || nb == 0 {
		return 0
	}
	var dot float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
	}
	c := dot / (na * nb)
	return math.Max(-1, math.Min(1, c))
}
