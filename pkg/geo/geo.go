// Package geo holds the distance and geohash helpers shared by the aggregation
// engine and the repositories.
package geo

import (
	"math"
	"sort"
	"strings"
)

// EarthRadiusMeters is the mean Earth radius used for great-circle distances.
const EarthRadiusMeters = 6371000.0

const base32 = "0123456789bcdefghjkmnpqrstuvwxyz"

// Point is a WGS84 coordinate pair.
type Point struct {
	Latitude  float64 `json:"lat"`
	Longitude float64 `json:"lon"`
}

// Haversine calculates the great-circle distance between two points in meters
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	lat1Rad := lat1 * math.Pi / 180
	lat2Rad := lat2 * math.Pi / 180
	deltaLat := (lat2 - lat1) * math.Pi / 180
	deltaLon := (lon2 - lon1) * math.Pi / 180

	a := math.Sin(deltaLat/2)*math.Sin(deltaLat/2) +
		math.Cos(lat1Rad)*math.Cos(lat2Rad)*
			math.Sin(deltaLon/2)*math.Sin(deltaLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))

	return EarthRadiusMeters * c
}

// Distance is Haversine over two Points.
func Distance(a, b Point) float64 {
	return Haversine(a.Latitude, a.Longitude, b.Latitude, b.Longitude)
}

// EncodeGeohash encodes a coordinate as a base-32 geohash of the given length.
// The encoding is prefix-stable: a shorter precision is always a prefix of a
// longer one for the same point.
func EncodeGeohash(lat, lon float64, precision int) string {
	if precision <= 0 {
		return ""
	}

	latLo, latHi := -90.0, 90.0
	lonLo, lonHi := -180.0, 180.0

	var b strings.Builder
	b.Grow(precision)

	even := true
	bit, ch := 0, 0
	for b.Len() < precision {
		if even {
			mid := (lonLo + lonHi) / 2
			if lon >= mid {
				ch = ch<<1 | 1
				lonLo = mid
			} else {
				ch <<= 1
				lonHi = mid
			}
		} else {
			mid := (latLo + latHi) / 2
			if lat >= mid {
				ch = ch<<1 | 1
				latLo = mid
			} else {
				ch <<= 1
				latHi = mid
			}
		}
		even = !even

		bit++
		if bit == 5 {
			b.WriteByte(base32[ch])
			bit, ch = 0, 0
		}
	}

	return b.String()
}

// CellSize returns the height and width in degrees of a geohash cell at the
// given precision.
func CellSize(precision int) (latDeg, lonDeg float64) {
	bits := 5 * precision
	lonBits := (bits + 1) / 2
	latBits := bits / 2
	return 180 / math.Pow(2, float64(latBits)), 360 / math.Pow(2, float64(lonBits))
}

// CellSizeMeters returns the height of a geohash cell and its width at the
// equator, in metres. Away from the equator cells are narrower.
func CellSizeMeters(precision int) (height, width float64) {
	latDeg, lonDeg := CellSize(precision)
	perDeg := EarthRadiusMeters * math.Pi / 180
	return latDeg * perDeg, lonDeg * perDeg
}

// CoveringCells returns the sorted, de-duplicated geohash cells of the given
// precision that intersect the box of half-size radiusMeters around (lat, lon).
// The box is sampled on a grid no coarser than one cell, so every cell it
// touches holds at least one sample whatever the radius or latitude.
func CoveringCells(lat, lon, radiusMeters float64, precision int) []string {
	// 10% margin absorbs the flat-box approximation of the haversine circle.
	dLat := radiusMeters * 1.1 / EarthRadiusMeters * 180 / math.Pi
	cosLat := math.Cos(lat * math.Pi / 180)
	if cosLat < 0.01 {
		cosLat = 0.01
	}
	dLon := math.Min(dLat/cosLat, 180)
	latStep, lonStep := CellSize(precision)

	seen := make(map[string]struct{}, 4)
	cells := make([]string, 0, 4)
	add := func(la, lo float64) {
		h := EncodeGeohash(clampLat(la), wrapLon(lo), precision)
		if _, ok := seen[h]; ok {
			return
		}
		seen[h] = struct{}{}
		cells = append(cells, h)
	}

	maxLat, maxLon := lat+dLat, lon+dLon
	for la := lat - dLat; ; la += latStep {
		la = math.Min(la, maxLat)
		for lo := lon - dLon; ; lo += lonStep {
			lo = math.Min(lo, maxLon)
			add(la, lo)
			if lo >= maxLon {
				break
			}
		}
		if la >= maxLat {
			break
		}
	}

	sort.Strings(cells)
	return cells
}

func clampLat(lat float64) float64 {
	return math.Max(-90, math.Min(90, lat))
}

func wrapLon(lon float64) float64 {
	for lon < -180 {
		lon += 360
	}
	for lon >= 180 {
		lon -= 360
	}
	return lon
}
