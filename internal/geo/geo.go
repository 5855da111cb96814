// Package geo holds the small amount of spherical trigonometry the
// detection engine computes in-process: great-circle distance, circular
// heading arithmetic and centroids over member samples. Everything that
// touches route geometry runs inside PostGIS (see internal/spatial).
package geo

import "math"

const earthRadiusM = 6371000.0

// Point is a WGS84 coordinate pair.
type Point struct {
	Lat float64
	Lon float64
}

func toRad(d float64) float64 { return d * math.Pi / 180 }
func toDeg(r float64) float64 { return r * 180 / math.Pi }

// DistanceMeters returns the haversine distance between two coordinates.
func DistanceMeters(lat1, lon1, lat2, lon2 float64) float64 {
	dLat := toRad(lat2 - lat1)
	dLon := toRad(lon2 - lon1)
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRad(lat1))*math.Cos(toRad(lat2))*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadiusM * c
}

// NormalizeHeading maps any angle onto [0, 360).
func NormalizeHeading(deg float64) float64 {
	d := math.Mod(deg, 360)
	if d < 0 {
		d += 360
	}
	return d
}

// HeadingDelta returns the circular difference between two headings,
// always in [0, 180].
func HeadingDelta(a, b float64) float64 {
	d := math.Abs(NormalizeHeading(a) - NormalizeHeading(b))
	if d > 180 {
		d = 360 - d
	}
	return d
}

// MeanHeading averages headings circularly (unit-vector sum, atan2).
// Averaging {350, 10} yields 0, never 180. Returns 0 for an empty set.
func MeanHeading(headings []float64) float64 {
	if len(headings) == 0 {
		return 0
	}
	var sinSum, cosSum float64
	for _, h := range headings {
		r := toRad(h)
		sinSum += math.Sin(r)
		cosSum += math.Cos(r)
	}
	n := float64(len(headings))
	return NormalizeHeading(toDeg(math.Atan2(sinSum/n, cosSum/n)))
}

// Centroid returns the geometric center of the given points. For the
// short baselines involved here (riders on one vehicle) the unit-vector
// mean is indistinguishable from a projected centroid.
func Centroid(points []Point) Point {
	if len(points) == 0 {
		return Point{}
	}
	var x, y, z float64
	for _, p := range points {
		lat := toRad(p.Lat)
		lon := toRad(p.Lon)
		x += math.Cos(lat) * math.Cos(lon)
		y += math.Cos(lat) * math.Sin(lon)
		z += math.Sin(lat)
	}
	n := float64(len(points))
	x /= n
	y /= n
	z /= n
	lon := math.Atan2(y, x)
	hyp := math.Sqrt(x*x + y*y)
	lat := math.Atan2(z, hyp)
	return Point{Lat: toDeg(lat), Lon: toDeg(lon)}
}

// MeanSpeed averages non-negative speeds, ignoring negatives (GPS stacks
// report -1 for "unknown"). Returns 0 for an empty or all-unknown set.
func MeanSpeed(speeds []float64) float64 {
	var sum float64
	var n int
	for _, s := range speeds {
		if s < 0 {
			continue
		}
		sum += s
		n++
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}
