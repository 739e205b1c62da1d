// Package retrieve turns raw index scores into a ranked, truncated shortlist.
package retrieve

import (
	"fmt"
	"slices"
	"strings"

	"github.com/meetpoint/recommender/engine/domain"
	"github.com/meetpoint/recommender/engine/index"
)

// Fallback names how places are ordered when there is no query vector.
type Fallback string

const (
	// FallbackRecency orders by UpdatedAt descending, then id ascending.
	FallbackRecency Fallback = "recency"
	// FallbackID orders by id ascending.
	FallbackID Fallback = "id"
)

// ParseFallback validates a configured policy name. Empty means recency.
func ParseFallback(s string) (Fallback, error) {
	switch Fallback(strings.ToLower(strings.TrimSpace(s))) {
	case "", FallbackRecency:
		return FallbackRecency, nil
	case FallbackID:
		return FallbackID, nil
	}
	return "", fmt.Errorf("retrieve: unknown fallback policy %q", s)
}

// Retriever ranks index matches. The zero value uses the recency fallback.
type Retriever struct {
	Fallback Fallback
}

// Result is a ranked shortlist and how it was ordered.
type Result struct {
	Places  []domain.ScoredPlace
	Ranking domain.Ranking
}

// Retrieve scores snap against vec, sorts by score descending with ties
// broken by ascending id, and keeps the first topK. With a nil vec the
// fallback policy orders the filtered places and every score is 0.
// Identical inputs always produce identical output.
func (r Retriever) Retrieve(snap *index.Snapshot, vec []float32, f domain.Filters, topK int) (Result, error) {
	if topK <= 0 {
		return Result{}, domain.NewValidationError("topK", fmt.Sprint(topK), "must be a positive integer")
	}
	if vec == nil {
		return r.fallback(snap, f, topK), nil
	}

	matches, err := index.Query(snap, vec, f)
	if err != nil {
		return Result{}, fmt.Errorf("retrieve: %w", err)
	}
	return Result{Places: top(matches, topK), Ranking: domain.RankingSimilarity}, nil
}

// RetrieveCategories ranks places by weighted per-category review
// similarity, ordered and truncated like Retrieve. Places without a review
// in any queried category are not candidates, so the result may be empty
// even when the snapshot is not.
func (r Retriever) RetrieveCategories(snap *index.Snapshot, qs []index.CategoryQuery, f domain.Filters, topK int) (Result, error) {
	if topK <= 0 {
		return Result{}, domain.NewValidationError("topK", fmt.Sprint(topK), "must be a positive integer")
	}
	matches, err := index.QueryCategories(snap, qs, f)
	if err != nil {
		return Result{}, fmt.Errorf("retrieve: %w", err)
	}
	return Result{Places: top(matches, topK), Ranking: domain.RankingCategory}, nil
}

// top sorts by score descending, ties by ascending id, and keeps topK.
func top(matches []index.Match, topK int) []domain.ScoredPlace {
	slices.SortFunc(matches, func(a, b index.Match) int {
		switch {
		case a.Score > b.Score:
			return -1
		case a.Score < b.Score:
			return 1
		}
		return domain.CompareIDs(a.Place.ID, b.Place.ID)
	})
	if len(matches) > topK {
		matches = matches[:topK]
	}

	out := make([]domain.ScoredPlace, len(matches))
	for i, m := range matches {
		out[i] = domain.ScoredPlace{Place: m.Place, Score: m.Score}
	}
	return out
}

func (r Retriever) fallback(snap *index.Snapshot, f domain.Filters, topK int) Result {
	places := snap.Places(f) // id order
	ranking := domain.RankingID
	if r.Fallback != FallbackID {
		ranking = domain.RankingRecency
		slices.SortStableFunc(places, func(a, b domain.Place) int {
			return b.UpdatedAt.Compare(a.UpdatedAt)
		})
	}
	if len(places) > topK {
		places = places[:topK]
	}

	out := make([]domain.ScoredPlace, len(places))
	for i, p := range places {
		out[i] = domain.ScoredPlace{Place: p}
	}
	return Result{Places: out, Ranking: ranking}
}
