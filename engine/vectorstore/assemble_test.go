package vectorstore

import (
	"errors"
	"math"
	"testing"

	"github.com/meetpoint/recommender/engine/domain"
)

func place(id string, vec []float32, updated string) VectorRecord {
	m := map[string]any{KeyName: "place " + id, KeyCategory: "cafe", KeyLat: 37.5, KeyLon: 127.0}
	if updated != "" {
		m[KeyUpdatedAt] = updated
	}
	return VectorRecord{ID: id, Vector: vec, Metadata: m}
}

func review(id, placeID string, vec []float32) VectorRecord {
	return VectorRecord{ID: id, Vector: vec, Metadata: map[string]any{KeyKind: KindReview, KeyPlaceID: placeID, KeySourceText: "good"}}
}

func TestAssemble_PlacesSortedByID(t *testing.T) {
	a, err := Assemble([]VectorRecord{
		place("10", []float32{1, 0}, ""),
		place("9", []float32{0, 1}, ""),
		place("abc", []float32{1, 1}, ""),
	}, 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var ids []string
	for _, p := range a.Places {
		ids = append(ids, p.ID)
	}
	if len(ids) != 3 || ids[0] != "9" || ids[1] != "10" || ids[2] != "abc" {
		t.Errorf("unexpected order %v", ids)
	}
	if a.Stats.Places != 3 || a.Stats.SkippedTotal() != 0 {
		t.Errorf("unexpected stats %+v", a.Stats)
	}
}

func TestAssemble_MeanOfPlaceAndReviews(t *testing.T) {
	a, err := Assemble([]VectorRecord{
		place("1", []float32{3, 0}, ""),
		review("2", "1", []float32{0, 3}),
		review("1", "1", []float32{0, 0}),
		review("3", "1", []float32{0, 0}),
	}, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(a.Places) != 1 {
		t.Fatalf("expected 1 place, got %d", len(a.Places))
	}
	got := a.Places[0].Embedding
	if got[0] != 1.5 || got[1] != 1.5 {
		t.Errorf("expected mean [1.5 1.5], got %v", got)
	}
	if a.Stats.Skipped[SkipMalformed] != 2 {
		t.Errorf("expected 2 malformed, got %+v", a.Stats.Skipped)
	}
	if a.Dim != 2 {
		t.Errorf("dim = %d", a.Dim)
	}
}

func TestAssemble_ReviewOnlyPlace(t *testing.T) {
	a, err := Assemble([]VectorRecord{
		place("1", nil, ""),
		review("5", "1", []float32{2, 0}),
		review("4", "1", []float32{0, 2}),
	}, 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(a.Places) != 1 || a.Places[0].Embedding[0] != 1 || a.Places[0].Embedding[1] != 1 {
		t.Fatalf("unexpected places %+v", a.Places)
	}
	if a.Stats.Reviews != 2 {
		t.Errorf("reviews = %d", a.Stats.Reviews)
	}
}

func TestAssemble_SkipsUnindexable(t *testing.T) {
	nan := float32(math.NaN())
	a, err := Assemble([]VectorRecord{
		place("1", nil, ""),
		place("2", []float32{nan, 1}, ""),
		place("3", []float32{1, 1}, ""),
		review("7", "404", []float32{1, 0}),
		{ID: "x", Metadata: map[string]any{KeyKind: "photo"}},
		{ID: "y", Metadata: map[string]any{KeyLat: "north"}},
	}, 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(a.Places) != 1 || a.Places[0].ID != "3" {
		t.Fatalf("expected only place 3, got %+v", a.Places)
	}
	want := map[string]int{SkipNoVector: 2, SkipMalformed: 1, SkipOrphanReview: 1, SkipBadMetadata: 2}
	for k, v := range want {
		if a.Stats.Skipped[k] != v {
			t.Errorf("skipped[%s] = %d, want %d", k, a.Stats.Skipped[k], v)
		}
	}
	if a.Stats.SkippedTotal() != 6 {
		t.Errorf("total skipped = %d", a.Stats.SkippedTotal())
	}
}

func TestAssemble_DimensionMismatch(t *testing.T) {
	_, err := Assemble([]VectorRecord{
		place("1", []float32{1, 0}, ""),
		place("2", []float32{1, 0, 0}, ""),
	}, 0)
	var dm *domain.DimensionMismatchError
	if !errors.As(err, &dm) {
		t.Fatalf("expected DimensionMismatchError, got %v", err)
	}
	if dm.RecordID != "2" || dm.Want != 2 || dm.Got != 3 {
		t.Errorf("unexpected %+v", dm)
	}

	_, err = Assemble([]VectorRecord{place("1", []float32{1, 0}, "")}, 1536)
	if !errors.Is(err, domain.ErrDimensionMismatch) {
		t.Fatalf("expected ErrDimensionMismatch against configured dim, got %v", err)
	}
}

func TestAssemble_DuplicateLatestWins(t *testing.T) {
	a, err := Assemble([]VectorRecord{
		place("1", []float32{1, 0}, "2024-05-02T00:00:00Z"),
		place("1", []float32{0, 1}, "2024-05-01T00:00:00Z"),
		place("2", []float32{1, 0}, "2024-05-01T00:00:00Z"),
		place("2", []float32{0, 1}, "2024-05-01T00:00:00Z"),
	}, 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(a.Places) != 2 {
		t.Fatalf("expected 2 places, got %d", len(a.Places))
	}
	if a.Places[0].Embedding[0] != 1 {
		t.Error("place 1: newer record should win")
	}
	if a.Places[1].Embedding[1] != 1 {
		t.Error("place 2: later record should win a tie")
	}
	if a.Stats.Skipped[SkipDuplicate] != 2 {
		t.Errorf("duplicates = %d", a.Stats.Skipped[SkipDuplicate])
	}
}

func TestAssemble_Empty(t *testing.T) {
	a, err := Assemble(nil, 4)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(a.Places) != 0 || a.Dim != 4 {
		t.Errorf("unexpected assembly %+v", a)
	}
}

func TestWellFormed(t *testing.T) {
	inf := float32(math.Inf(1))
	cases := []struct {
		v    []float32
		want bool
	}{
		{nil, false},
		{[]float32{0, 0}, false},
		{[]float32{inf, 0}, false},
		{[]float32{0.1, 0}, true},
	}
	for _, tc := range cases {
		if got := WellFormed(tc.v); got != tc.want {
			t.Errorf("WellFormed(%v) = %v", tc.v, got)
		}
	}
}

func TestAssemble_MixedIDFormatsStable(t *testing.T) {
	recs := []VectorRecord{
		place("1a", []float32{1, 0}, ""),
		place("10", []float32{1, 0}, ""),
		place("9", []float32{1, 0}, ""),
		place("3f2b1c9e-0000-4000-8000-000000000000", []float32{1, 0}, ""),
	}
	want := []string{"9", "10", "1a", "3f2b1c9e-0000-4000-8000-000000000000"}
	for n := 0; n < 20; n++ {
		a, err := Assemble(recs, 2)
		if err != nil {
			t.Fatal(err)
		}
		for i, p := range a.Places {
			if p.ID != want[i] {
				t.Fatalf("run %d: position %d = %s, want %v", n, i, p.ID, want)
			}
		}
	}
}

func TestAssemble_KeepsReviewsPerPlace(t *testing.T) {
	cat := func(id, placeID, category string, vec []float32) VectorRecord {
		r := review(id, placeID, vec)
		r.Metadata[KeyCategory] = category
		return r
	}
	a, err := Assemble([]VectorRecord{
		place("1", nil, ""),
		place("2", []float32{1, 1}, ""),
		cat("12", "1", "Mood", []float32{0, 1}),
		cat("11", "1", "menu", []float32{1, 0}),
		cat("13", "404", "menu", []float32{1, 0}),
	}, 2)
	if err != nil {
		t.Fatal(err)
	}
	rs := a.Reviews["1"]
	if len(rs) != 2 || rs[0].ID != "11" || rs[1].Category != "mood" {
		t.Fatalf("unexpected reviews for place 1: %+v", rs)
	}
	if _, ok := a.Reviews["2"]; ok {
		t.Error("place without reviews should have no entry")
	}
}
