// Package domain defines the place, review, and recommendation types shared
// by the engine packages, plus the error taxonomy and request validation.
package domain

import "time"

// Location is where a place sits. Region is an opaque region code
// (district, station area) and may be set without coordinates.
type Location struct {
	Lat    float64 `json:"lat"`
	Lon    float64 `json:"lon"`
	Region string  `json:"region,omitempty"`
}

// Place is the metadata part of a PlaceRecord.
type Place struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Category   string    `json:"category"`
	Address    string    `json:"address,omitempty"`
	Location   Location  `json:"location"`
	SourceText string    `json:"source_text,omitempty"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// PlaceRecord is a place with its own embedding. Embedding may be empty when
// the place is only described through its reviews.
type PlaceRecord struct {
	Place
	Embedding []float32
}

// ReviewRecord contributes text and an embedding to exactly one place.
// Category, when set, names the aspect the review describes (companion,
// menu, mood, purpose) and is always lower case.
type ReviewRecord struct {
	ID        string
	PlaceID   string
	Category  string
	Text      string
	Embedding []float32
}

// GeoFilter keeps places within RadiusKm of a point.
type GeoFilter struct {
	Lat      float64 `json:"lat"`
	Lon      float64 `json:"lon"`
	RadiusKm float64 `json:"radius_km"`
}

// Filters narrow the candidate set before scoring. All fields are optional;
// the zero value matches every place.
type Filters struct {
	Categories []string   `json:"categories,omitempty"`
	Region     string     `json:"region,omitempty"`
	Near       *GeoFilter `json:"near,omitempty"`
}

// IsZero reports whether no constraint is set.
func (f Filters) IsZero() bool {
	return len(f.Categories) == 0 && f.Region == "" && f.Near == nil
}

// RecommendationRequest is the inbound recommendation call. A nil TopK means
// the configured default; a nil Explain means the configured default.
type RecommendationRequest struct {
	QueryText string  `json:"queryText,omitempty"`
	Filters   Filters `json:"filters"`
	TopK      *int    `json:"topK,omitempty"`
	Explain   *bool   `json:"explain,omitempty"`
}

// ScoredPlace is a ranked candidate moving through retrieval and explanation.
type ScoredPlace struct {
	Place       Place
	Score       float64
	Explanation string
}

// Recommendation is one entry of a RecommendationResult.
type Recommendation struct {
	PlaceID     string  `json:"placeId"`
	Name        string  `json:"name,omitempty"`
	Category    string  `json:"category,omitempty"`
	Score       float64 `json:"score"`
	Explanation string  `json:"explanation,omitempty"`
}

// Ranking names how a result was ordered.
type Ranking string

const (
	RankingSimilarity Ranking = "similarity"
	RankingRecency    Ranking = "recency"
	RankingID         Ranking = "id"
	// RankingCategory orders by weighted per-category review similarity.
	RankingCategory Ranking = "category"
)

// RecommendationResult is the ordered response, at most topK long.
type RecommendationResult struct {
	Results         []Recommendation `json:"results"`
	Ranking         Ranking          `json:"ranking"`
	SnapshotVersion uint64           `json:"snapshotVersion"`
}
