package fusion

import (
	"fmt"

	"github.com/golang/geo/s2"
)

// earthRadiusM is the mean earth radius in meters (IUGG).
const earthRadiusM = 6371008.8

// Position is a geo-coordinate in degrees with optional altitude and
// uncertainty radius.
type Position struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`

	// Alt is altitude in meters above the reference ellipsoid, when the
	// sensor provides one.
	Alt *float64 `json:"alt,omitempty"`

	// UncertaintyM is the sensor-reported position uncertainty radius in
	// meters. Zero means not reported.
	UncertaintyM float64 `json:"uncertainty_m,omitempty"`
}

// Validate checks the coordinate is on the globe.
func (p Position) Validate() error {
	if p.Lat < -90 || p.Lat > 90 {
		return fmt.Errorf("latitude out of range: %f", p.Lat)
	}
	if p.Lon < -180 || p.Lon > 180 {
		return fmt.Errorf("longitude out of range: %f", p.Lon)
	}
	if p.UncertaintyM < 0 {
		return fmt.Errorf("uncertainty radius cannot be negative: %f", p.UncertaintyM)
	}
	return nil
}

// DistanceM returns the great-circle distance between two positions in
// meters. Altitude is ignored; sensor geo-projections put objects on the
// ground plane.
func DistanceM(a, b Position) float64 {
	la := s2.LatLngFromDegrees(a.Lat, a.Lon)
	lb := s2.LatLngFromDegrees(b.Lat, b.Lon)
	return la.Distance(lb).Radians() * earthRadiusM
}
