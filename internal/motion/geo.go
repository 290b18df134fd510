package motion

import "math"

// EarthRadiusMeters is the mean radius used for great-circle distances.
const EarthRadiusMeters = 6371e3

// GeoPoint is a WGS84 coordinate in degrees.
type GeoPoint struct {
	Lat float64
	Lon float64
}

// Valid reports whether the point is a finite coordinate inside WGS84 bounds.
func (p GeoPoint) Valid() bool {
	if math.IsNaN(p.Lat) || math.IsNaN(p.Lon) || math.IsInf(p.Lat, 0) || math.IsInf(p.Lon, 0) {
		return false
	}
	return p.Lat >= -90 && p.Lat <= 90 && p.Lon >= -180 && p.Lon <= 180
}

// Haversine returns the great-circle distance between a and b in metres.
func Haversine(a, b GeoPoint) float64 {
	phi1 := a.Lat * math.Pi / 180
	phi2 := b.Lat * math.Pi / 180
	dPhi := (b.Lat - a.Lat) * math.Pi / 180
	dLambda := (b.Lon - a.Lon) * math.Pi / 180

	h := math.Sin(dPhi/2)*math.Sin(dPhi/2) +
		math.Cos(phi1)*math.Cos(phi2)*math.Sin(dLambda/2)*math.Sin(dLambda/2)
	return EarthRadiusMeters * 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
}
