package domain

import (
	"fmt"
	"math"
	"strings"
	"unicode/utf8"
)

const maxQueryRunes = 2000

// Limits bounds what a RecommendationRequest may ask for.
type Limits struct {
	DefaultTopK int
	MaxTopK     int
}

// ResolveTopK returns the effective topK for a request: the default when
// unset, an error when non-positive or above the maximum.
func ResolveTopK(topK *int, lim Limits) (int, error) {
	if topK == nil {
		if lim.DefaultTopK <= 0 {
			return 0, NewValidationError("topK", "", "no default configured")
		}
		return lim.DefaultTopK, nil
	}
	k := *topK
	if k <= 0 {
		return 0, NewValidationError("topK", fmt.Sprint(k), "must be a positive integer")
	}
	if lim.MaxTopK > 0 && k > lim.MaxTopK {
		return 0, NewValidationError("topK", fmt.Sprint(k), fmt.Sprintf("must be at most %d", lim.MaxTopK))
	}
	return k, nil
}

// ValidateRequest checks a request and returns its effective topK.
func ValidateRequest(req RecommendationRequest, lim Limits) (int, error) {
	if n := utf8.RuneCountInString(req.QueryText); n > maxQueryRunes {
		return 0, NewValidationError("queryText", fmt.Sprint(n), fmt.Sprintf("longer than %d characters", maxQueryRunes))
	}
	if err := ValidateFilters(req.Filters); err != nil {
		return 0, err
	}
	return ResolveTopK(req.TopK, lim)
}

// ValidateFilters rejects filters that can never be evaluated.
func ValidateFilters(f Filters) error {
	for _, c := range f.Categories {
		if strings.TrimSpace(c) == "" {
			return NewValidationError("filters.categories", c, "empty category")
		}
	}
	if n := f.Near; n != nil {
		switch {
		case !finite(n.Lat) || n.Lat < -90 || n.Lat > 90:
			return NewValidationError("filters.near.lat", fmt.Sprint(n.Lat), "out of range")
		case !finite(n.Lon) || n.Lon < -180 || n.Lon > 180:
			return NewValidationError("filters.near.lon", fmt.Sprint(n.Lon), "out of range")
		case !finite(n.RadiusKm) || n.RadiusKm <= 0:
			return NewValidationError("filters.near.radius_km", fmt.Sprint(n.RadiusKm), "must be positive")
		}
	}
	return nil
}

func finite(f float64) bool { return !math.IsNaN(f) && !math.IsInf(f, 0) }
