// Package geometry implements the planar algorithms the pipeline needs on
// go-geom types: great-circle and projected distances, convex hulls,
// polygon predicates, and ring repair. Everything runs in-process so a
// pipeline run has no database dependency.
package geometry

import (
	"math"

	"github.com/twpayne/go-geom"
)

const (
	earthRadiusKm = 6371.0088

	// KmPerMile converts between the output distance units.
	KmPerMile = 1.609344
	// MilesPerKm is the reciprocal used for the miles column.
	MilesPerKm = 0.621371
)

// Haversine returns the great-circle distance in kilometers between two
// WGS84 points.
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	phi1 := lat1 * math.Pi / 180
	phi2 := lat2 * math.Pi / 180
	dPhi := (lat2 - lat1) * math.Pi / 180
	dLambda := (lon2 - lon1) * math.Pi / 180

	a := math.Sin(dPhi/2)*math.Sin(dPhi/2) +
		math.Cos(phi1)*math.Cos(phi2)*math.Sin(dLambda/2)*math.Sin(dLambda/2)
	return 2 * earthRadiusKm * math.Asin(math.Min(1, math.Sqrt(a)))
}

// EquirectKm projects a WGS84 point to a local plane (kilometers) around a
// reference latitude. Adequate for cluster-scale distances (tens of km).
func EquirectKm(lat, lon, refLat float64) (x, y float64) {
	x = lon * math.Pi / 180 * earthRadiusKm * math.Cos(refLat*math.Pi/180)
	y = lat * math.Pi / 180 * earthRadiusKm
	return x, y
}

// EPSG:5070 (NAD83 / Conus Albers) parameters on the GRS80 ellipsoid.
const (
	grs80A    = 6378137.0
	grs80InvF = 298.257222101

	albersLat0 = 23.0
	albersLon0 = -96.0
	albersSP1  = 29.5
	albersSP2  = 45.5
)

var albers = newAlbersProjection()

type albersProjection struct {
	e, n, c, rho0 float64
}

func newAlbersProjection() albersProjection {
	f := 1 / grs80InvF
	e2 := f * (2 - f)
	e := math.Sqrt(e2)

	rad := func(deg float64) float64 { return deg * math.Pi / 180 }
	m := func(phi float64) float64 {
		s := math.Sin(phi)
		return math.Cos(phi) / math.Sqrt(1-e2*s*s)
	}
	q := func(phi float64) float64 {
		s := math.Sin(phi)
		return (1 - e2) * (s/(1-e2*s*s) - (1/(2*e))*math.Log((1-e*s)/(1+e*s)))
	}

	phi0, phi1, phi2 := rad(albersLat0), rad(albersSP1), rad(albersSP2)
	m1, m2 := m(phi1), m(phi2)
	q0, q1, q2 := q(phi0), q(phi1), q(phi2)

	n := (m1*m1 - m2*m2) / (q2 - q1)
	c := m1*m1 + n*q1
	rho0 := grs80A * math.Sqrt(c-n*q0) / n

	return albersProjection{e: e, n: n, c: c, rho0: rho0}
}

// AlbersMeters projects a WGS84 point to EPSG:5070 planar meters. This is
// the equal-area CRS the distance engine measures in.
func AlbersMeters(lat, lon float64) (x, y float64) {
	e2 := albers.e * albers.e
	phi := lat * math.Pi / 180
	s := math.Sin(phi)
	q := (1 - e2) * (s/(1-e2*s*s) - (1/(2*albers.e))*math.Log((1-albers.e*s)/(1+albers.e*s)))

	rho := grs80A * math.Sqrt(albers.c-albers.n*q) / albers.n
	theta := albers.n * (lon - albersLon0) * math.Pi / 180

	x = rho * math.Sin(theta)
	y = albers.rho0 - rho*math.Cos(theta)
	return x, y
}

// BoundsOverlap reports whether two bounding boxes share any area.
func BoundsOverlap(a, b *geom.Bounds) bool {
	return a.Min(0) <= b.Max(0) && a.Max(0) >= b.Min(0) &&
		a.Min(1) <= b.Max(1) && a.Max(1) >= b.Min(1)
}
