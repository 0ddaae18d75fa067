// Package geo evaluates geofences on the WGS-84 ellipsoid.
package geo

import (
	"math"

	"github.com/tidwall/geodesic"
)

// Point is a position in decimal degrees.
type Point struct {
	Latitude  float64
	Longitude float64
}

// Valid reports whether p is a finite coordinate within the WGS-84 ranges.
func (p Point) Valid() bool {
	if math.IsNaN(p.Latitude) || math.IsNaN(p.Longitude) ||
		math.IsInf(p.Latitude, 0) || math.IsInf(p.Longitude, 0) {
		return false
	}
	return p.Latitude >= -90 && p.Latitude <= 90 && p.Longitude >= -180 && p.Longitude <= 180
}

// Distance returns the geodesic distance between a and b in meters.
func Distance(a, b Point) float64 {
	if a == b {
		return 0
	}
	var meters float64
	geodesic.WGS84.Inverse(a.Latitude, a.Longitude, b.Latitude, b.Longitude, &meters, nil, nil)
	if meters < 0 || math.IsNaN(meters) {
		return 0
	}
	return meters
}

// WithinRadius reports whether distance lies inside radius. The boundary counts as inside.
func WithinRadius(distance, radius float64) bool {
	return distance <= radius
}

// Round2 rounds meters to two decimal places.
func Round2(meters float64) float64 {
	return math.Round(meters*100) / 100
}
