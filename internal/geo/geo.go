// Package geo implements the persistent geo-caches used for event
// enrichment: a reverse-geocoded address cache and a static map tile
// cache.
//
// Both caches are LRU-bounded, safe for concurrent use, and persist to
// line-oriented text files with a versioned header. The address cache
// additionally supports proximity hits: a lookup within a configurable
// radius of a cached coordinate counts as a hit.
package geo

import "math"

// coordScale quantizes coordinates to 1e-5 degrees, roughly one meter
// at the equator. Cache keys are quantized so that float noise from
// repeated parses maps to the same entry.
const coordScale = 1e5

// PointKey is a coordinate pair quantized to meter precision.
type PointKey struct {
	LatE5 int32
	LonE5 int32
}

// QuantizePoint maps a coordinate to its cache key.
func QuantizePoint(lat, lon float64) PointKey {
	return PointKey{
		LatE5: int32(math.Round(lat * coordScale)),
		LonE5: int32(math.Round(lon * coordScale)),
	}
}

// Lat returns the latitude represented by the key.
func (k PointKey) Lat() float64 { return float64(k.LatE5) / coordScale }

// Lon returns the longitude represented by the key.
func (k PointKey) Lon() float64 { return float64(k.LonE5) / coordScale }

// earthRadiusMeters is the mean Earth radius used by Haversine.
const earthRadiusMeters = 6371000.0

// Haversine returns the great-circle distance in meters between two
// coordinates.
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	const degToRad = math.Pi / 180

	phi1 := lat1 * degToRad
	phi2 := lat2 * degToRad
	dPhi := (lat2 - lat1) * degToRad
	dLambda := (lon2 - lon1) * degToRad

	sinPhi := math.Sin(dPhi / 2)
	sinLambda := math.Sin(dLambda / 2)

	a := sinPhi*sinPhi + math.Cos(phi1)*math.Cos(phi2)*sinLambda*sinLambda
	return 2 * earthRadiusMeters * math.Asin(math.Sqrt(a))
}
