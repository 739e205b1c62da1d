package vectorstore

import (
	"math"
	"slices"

	"github.com/meetpoint/recommender/engine/domain"
)

// Skip reasons reported in Stats.
const (
	SkipBadMetadata  = "bad_metadata"
	SkipMalformed    = "malformed_vector"
	SkipNoVector     = "no_vector"
	SkipDuplicate    = "duplicate"
	SkipOrphanReview = "orphan_review"
)

// Stats counts what Assemble kept and dropped.
type Stats struct {
	Places  int
	Reviews int
	Skipped map[string]int
}

// SkippedTotal sums every skip reason.
func (s Stats) SkippedTotal() int {
	n := 0
	for _, v := range s.Skipped {
		n += v
	}
	return n
}

func (s *Stats) skip(reason string) {
	if s.Skipped == nil {
		s.Skipped = make(map[string]int)
	}
	s.Skipped[reason]++
}

// Assembly is the indexable result of one load.
type Assembly struct {
	// Places are sorted by id and carry their effective embedding.
	Places []domain.PlaceRecord
	// Reviews holds the valid reviews of each kept place, sorted by id.
	Reviews map[string][]domain.ReviewRecord
	Dim     int
	Stats   Stats
}

// Assemble turns raw records into places with one effective embedding each.
//
// A place's effective embedding is the element-wise arithmetic mean of its
// own vector, if any, and every valid review vector for it, summed in
// ascending review-id order. Empty, non-finite, and zero-norm vectors are
// skipped and counted. A well-formed vector whose length differs from dim
// (or, when dim is 0, from the first accepted vector) aborts the load with a
// *domain.DimensionMismatchError.
//
// When two places share an id the one with the later UpdatedAt wins; on a
// tie the record listed later wins.
func Assemble(records []VectorRecord, dim int) (Assembly, error) {
	var st Stats
	places, reviews, rejected := Decode(records)
	for range rejected {
		st.skip(SkipBadMetadata)
	}

	checkDim := func(id string, v []float32) error {
		if dim == 0 {
			dim = len(v)
			return nil
		}
		if len(v) != dim {
			return &domain.DimensionMismatchError{RecordID: id, Want: dim, Got: len(v)}
		}
		return nil
	}

	byID := make(map[string]domain.PlaceRecord, len(places))
	for _, p := range places {
		if len(p.Embedding) > 0 {
			if !WellFormed(p.Embedding) {
				st.skip(SkipMalformed)
				p.Embedding = nil
			} else if err := checkDim(p.ID, p.Embedding); err != nil {
				return Assembly{}, err
			}
		}
		if prev, ok := byID[p.ID]; ok {
			st.skip(SkipDuplicate)
			if prev.UpdatedAt.After(p.UpdatedAt) {
				continue
			}
		}
		byID[p.ID] = p
	}

	perPlace := make(map[string][]domain.ReviewRecord)
	for _, r := range reviews {
		if !WellFormed(r.Embedding) {
			st.skip(SkipMalformed)
			continue
		}
		if err := checkDim(r.ID, r.Embedding); err != nil {
			return Assembly{}, err
		}
		if _, ok := byID[r.PlaceID]; !ok {
			st.skip(SkipOrphanReview)
			continue
		}
		perPlace[r.PlaceID] = append(perPlace[r.PlaceID], r)
	}

	out := make([]domain.PlaceRecord, 0, len(byID))
	kept := make(map[string][]domain.ReviewRecord, len(perPlace))
	for id, p := range byID {
		rs := perPlace[id]
		slices.SortStableFunc(rs, func(a, b domain.ReviewRecord) int { return domain.CompareIDs(a.ID, b.ID) })
		vec := mean(p.Embedding, rs)
		if vec == nil || !WellFormed(vec) {
			st.skip(SkipNoVector)
			continue
		}
		p.Embedding = vec
		st.Reviews += len(rs)
		if len(rs) > 0 {
			kept[id] = rs
		}
		out = append(out, p)
	}
	slices.SortFunc(out, func(a, b domain.PlaceRecord) int { return domain.CompareIDs(a.ID, b.ID) })
	st.Places = len(out)

	return Assembly{Places: out, Reviews: kept, Dim: dim, Stats: st}, nil
}

func mean(own []float32, reviews []domain.ReviewRecord) []float32 {
	n := len(reviews)
	if len(own) > 0 {
		n++
	}
	if n == 0 {
		return nil
	}
	if len(own) > 0 && len(reviews) == 0 {
		return own
	}

	var width int
	if len(own) > 0 {
		width = len(own)
	} else {
		width = len(reviews[0].Embedding)
	}
	sum := make([]float64, width)
	add := func(v []float32) {
		for i, x := range v {
			sum[i] += float64(x)
		}
	}
	if len(own) > 0 {
		add(own)
	}
	for _, r := range reviews {
		add(r.Embedding)
	}

	out := make([]float32, width)
	for i, s := range sum {
		out[i] = float32(s / float64(n))
	}
	return out
}

// Norm is the Euclidean length of v.
func Norm(v []float32) float64 {
	var s float64
	for _, x := range v {
		s += float64(x) * float64(x)
	}
	return math.Sqrt(s)
}

// WellFormed reports whether v is non-empty, finite, and has a non-zero norm.
func WellFormed(v []float32) bool {
	if len(v) == 0 {
		return false
	}
	for _, x := range v {
		f := float64(x)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return false
		}
	}
	n := Norm(v)
	return n > 0 && !math.IsInf(n, 0)
}
