package domain

import (
	"cmp"
	"math"
	"strconv"
	"strings"
)

const earthRadiusKm = 6371.0

// HaversineKm is the great-circle distance between two points in kilometres.
func HaversineKm(lat1, lon1, lat2, lon2 float64) float64 {
	rad := math.Pi / 180
	dLat := (lat2 - lat1) * rad
	dLon := (lon2 - lon1) * rad
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1*rad)*math.Cos(lat2*rad)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusKm * math.Asin(math.Sqrt(a))
}

// Match reports whether p satisfies every set constraint. Categories match
// case-insensitively, any-of.
func (f Filters) Match(p Place) bool {
	if len(f.Categories) > 0 {
		ok := false
		for _, c := range f.Categories {
			if strings.EqualFold(strings.TrimSpace(c), p.Category) {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if f.Region != "" && !strings.EqualFold(f.Region, p.Location.Region) {
		return false
	}
	if n := f.Near; n != nil {
		if HaversineKm(n.Lat, n.Lon, p.Location.Lat, p.Location.Lon) > n.RadiusKm {
			return false
		}
	}
	return true
}

// CompareIDs orders place ids totally. Ids that parse as base-10 integers
// sort before all other ids and compare numerically, with equal values
// ("7", "007") broken bytewise. Every other id compares bytewise.
func CompareIDs(a, b string) int {
	if a == b {
		return 0
	}
	ai, errA := strconv.ParseInt(a, 10, 64)
	bi, errB := strconv.ParseInt(b, 10, 64)
	switch {
	case errA == nil && errB == nil:
		if c := cmp.Compare(ai, bi); c != 0 {
			return c
		}
	case errA == nil:
		return -1
	case errB == nil:
		return 1
	}
	return strings.Compare(a, b)
}
