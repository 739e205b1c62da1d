// Package vectorstore reads (id, vector, metadata) records from a storage
// backend and assembles them into indexable places.
package vectorstore

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/meetpoint/recommender/engine/domain"
)

// VectorRecord is one stored record. Places and reviews share the format and
// are told apart by the "kind" metadata key.
type VectorRecord struct {
	ID       string         `json:"id"`
	Vector   []float32      `json:"vector"`
	Metadata map[string]any `json:"metadata"`
}

// Source lists every current record. Implementations are read-only.
type Source interface {
	List(ctx context.Context) ([]VectorRecord, error)
}

// Metadata keys understood by Decode.
const (
	KeyKind       = "kind"
	KeyPlaceID    = "place_id"
	KeyName       = "name"
	KeyCategory   = "category"
	KeyAddress    = "address"
	KeyLat        = "lat"
	KeyLon        = "lon"
	KeyRegion     = "region"
	KeySourceText = "source_text"
	KeyUpdatedAt  = "updated_at"

	KindPlace  = "place"
	KindReview = "review"
)

// Rejected is a record Decode could not interpret.
type Rejected struct {
	ID     string
	Reason string
}

// Decode splits records into places and reviews, preserving input order.
func Decode(records []VectorRecord) (places []domain.PlaceRecord, reviews []domain.ReviewRecord, rejected []Rejected) {
	for _, r := range records {
		if strings.TrimSpace(r.ID) == "" {
			rejected = append(rejected, Rejected{Reason: "missing id"})
			continue
		}
		m := r.Metadata
		switch kind := strings.ToLower(str(m, KeyKind)); kind {
		case "", KindPlace:
			p, err := decodePlace(r)
			if err != nil {
				rejected = append(rejected, Rejected{r.ID, err.Error()})
				continue
			}
			places = append(places, p)
		case KindReview:
			pid := str(m, KeyPlaceID)
			if pid == "" {
				rejected = append(rejected, Rejected{r.ID, "review without place_id"})
				continue
			}
			reviews = append(reviews, domain.ReviewRecord{
				ID:        r.ID,
				PlaceID:   pid,
				Category:  strings.ToLower(str(m, KeyCategory)),
				Text:      str(m, KeySourceText),
				Embedding: r.Vector,
			})
		default:
			rejected = append(rejected, Rejected{r.ID, "unknown kind " + strconv.Quote(kind)})
		}
	}
	return places, reviews, rejected
}

func decodePlace(r VectorRecord) (domain.PlaceRecord, error) {
	m := r.Metadata
	lat, _, err := num(m, KeyLat)
	if err != nil {
		return domain.PlaceRecord{}, err
	}
	lon, _, err := num(m, KeyLon)
	if err != nil {
		return domain.PlaceRecord{}, err
	}
	updated, err := timestamp(m, KeyUpdatedAt)
	if err != nil {
		return domain.PlaceRecord{}, err
	}
	return domain.PlaceRecord{
		Place: domain.Place{
			ID:       r.ID,
			Name:     str(m, KeyName),
			Category: str(m, KeyCategory),
			Address:  str(m, KeyAddress),
			Location: domain.Location{
				Lat:    lat,
				Lon:    lon,
				Region: str(m, KeyRegion),
			},
			SourceText: str(m, KeySourceText),
			UpdatedAt:  updated,
		},
		Embedding: r.Vector,
	}, nil
}

// PlaceMetadata is the inverse of Decode for a place.
func PlaceMetadata(p domain.Place) map[string]any {
	m := map[string]any{
		KeyKind:     KindPlace,
		KeyName:     p.Name,
		KeyCategory: p.Category,
		KeyLat:      p.Location.Lat,
		KeyLon:      p.Location.Lon,
	}
	if p.Address != "" {
		m[KeyAddress] = p.Address
	}
	if p.Location.Region != "" {
		m[KeyRegion] = p.Location.Region
	}
	if p.SourceText != "" {
		m[KeySourceText] = p.SourceText
	}
	if !p.UpdatedAt.IsZero() {
		m[KeyUpdatedAt] = p.UpdatedAt.UTC().Format(time.RFC3339)
	}
	return m
}

// ReviewMetadata is the inverse of Decode for a review.
func ReviewMetadata(r domain.ReviewRecord) map[string]any {
	m := map[string]any{
		KeyKind:    KindReview,
		KeyPlaceID: r.PlaceID,
	}
	if r.Category != "" {
		m[KeyCategory] = r.Category
	}
	if r.Text != "" {
		m[KeySourceText] = r.Text
	}
	return m
}

func str(m map[string]any, key string) string {
	switch v := m[key].(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(v)
	case json.Number:
		return v.String()
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return fmt.Sprint(v)
	}
}

// num reads a numeric value; ok is false when the key is absent.
func num(m map[string]any, key string) (f float64, ok bool, err error) {
	switch v := m[key].(type) {
	case nil:
		return 0, false, nil
	case float64:
		return v, true, nil
	case float32:
		return float64(v), true, nil
	case int:
		return float64(v), true, nil
	case int64:
		return float64(v), true, nil
	case json.Number:
		f, err = v.Float64()
	case string:
		if strings.TrimSpace(v) == "" {
			return 0, false, nil
		}
		f, err = strconv.ParseFloat(strings.TrimSpace(v), 64)
	default:
		err = fmt.Errorf("unsupported type %T", v)
	}
	if err != nil {
		return 0, false, fmt.Errorf("metadata %s: %w", key, err)
	}
	return f, true, nil
}

// timestamp accepts RFC 3339 strings, "2006-01-02 15:04:05" strings, and unix
// seconds.
func timestamp(m map[string]any, key string) (time.Time, error) {
	if s, isStr := m[key].(string); isStr {
		s = strings.TrimSpace(s)
		if s == "" {
			return time.Time{}, nil
		}
		for _, layout := range []string{time.RFC3339Nano, "2006-01-02 15:04:05", "2006-01-02T15:04:05", "2006-01-02"} {
			if t, err := time.Parse(layout, s); err == nil {
				return t.UTC(), nil
			}
		}
		return time.Time{}, fmt.Errorf("metadata %s: unparseable time %q", key, s)
	}
	secs, ok, err := num(m, key)
	if err != nil || !ok {
		return time.Time{}, err
	}
	return time.Unix(int64(secs), 0).UTC(), nil
}
