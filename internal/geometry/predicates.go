package geometry

import (
	"math"

	"github.com/twpayne/go-geom"
)

// PointInPolygon reports whether the point lies inside the polygon
// (boundary counts as inside). Holes are honored.
func PointInPolygon(p geom.Coord, poly *geom.Polygon) bool {
	if poly == nil || poly.NumLinearRings() == 0 {
		return false
	}
	if !pointInRing(p, ringCoords(poly, 0)) {
		return false
	}
	for i := 1; i < poly.NumLinearRings(); i++ {
		hole := ringCoords(poly, i)
		if pointStrictlyInRing(p, hole) {
			return false
		}
	}
	return true
}

// pointInRing is a ray cast with an on-edge check; boundary points count
// as inside.
func pointInRing(p geom.Coord, ring []geom.Coord) bool {
	for i := 0; i < len(ring)-1; i++ {
		if onSegment(p, ring[i], ring[i+1]) {
			return true
		}
	}
	return pointStrictlyInRing(p, ring)
}

func pointStrictlyInRing(p geom.Coord, ring []geom.Coord) bool {
	inside := false
	for i := 0; i < len(ring)-1; i++ {
		a, b := ring[i], ring[i+1]
		if (a[1] > p[1]) != (b[1] > p[1]) {
			xCross := a[0] + (p[1]-a[1])/(b[1]-a[1])*(b[0]-a[0])
			if p[0] < xCross {
				inside = !inside
			}
		}
	}
	return inside
}

func onSegment(p, a, b geom.Coord) bool {
	const eps = 1e-12
	cross := (b[0]-a[0])*(p[1]-a[1]) - (b[1]-a[1])*(p[0]-a[0])
	if math.Abs(cross) > eps*math.Max(1, math.Abs(b[0]-a[0])+math.Abs(b[1]-a[1])) {
		return false
	}
	return p[0] >= math.Min(a[0], b[0])-eps && p[0] <= math.Max(a[0], b[0])+eps &&
		p[1] >= math.Min(a[1], b[1])-eps && p[1] <= math.Max(a[1], b[1])+eps
}

// SegmentsIntersect reports whether segments (p1,p2) and (q1,q2) share any
// point, including collinear overlap and shared endpoints.
func SegmentsIntersect(p1, p2, q1, q2 geom.Coord) bool {
	d1 := direction(q1, q2, p1)
	d2 := direction(q1, q2, p2)
	d3 := direction(p1, p2, q1)
	d4 := direction(p1, p2, q2)

	if ((d1 > 0 && d2 < 0) || (d1 < 0 && d2 > 0)) &&
		((d3 > 0 && d4 < 0) || (d3 < 0 && d4 > 0)) {
		return true
	}

	return (d1 == 0 && onSegment(p1, q1, q2)) ||
		(d2 == 0 && onSegment(p2, q1, q2)) ||
		(d3 == 0 && onSegment(q1, p1, p2)) ||
		(d4 == 0 && onSegment(q2, p1, p2))
}

func direction(a, b, c geom.Coord) float64 {
	return (b[0]-a[0])*(c[1]-a[1]) - (b[1]-a[1])*(c[0]-a[0])
}

// PolygonsIntersect reports whether two polygons share any point. It checks
// bounding boxes, then mutual vertex containment, then edge crossings.
func PolygonsIntersect(a, b *geom.Polygon) bool {
	if a == nil || b == nil || a.NumLinearRings() == 0 || b.NumLinearRings() == 0 {
		return false
	}
	if !BoundsOverlap(a.Bounds(), b.Bounds()) {
		return false
	}

	ringA := ringCoords(a, 0)
	ringB := ringCoords(b, 0)

	for _, p := range ringA {
		if PointInPolygon(p, b) {
			return true
		}
	}
	for _, p := range ringB {
		if PointInPolygon(p, a) {
			return true
		}
	}

	for i := 0; i < len(ringA)-1; i++ {
		for j := 0; j < len(ringB)-1; j++ {
			if SegmentsIntersect(ringA[i], ringA[i+1], ringB[j], ringB[j+1]) {
				return true
			}
		}
	}
	return false
}

// SharedBoundaryKm approximates the length of the shared boundary between
// two polygons: the summed great-circle length of collinear overlapping
// outer-ring edge segments.
func SharedBoundaryKm(a, b *geom.Polygon) float64 {
	if a == nil || b == nil || !BoundsOverlap(a.Bounds(), b.Bounds()) {
		return 0
	}

	ringA := ringCoords(a, 0)
	ringB := ringCoords(b, 0)

	total := 0.0
	for i := 0; i < len(ringA)-1; i++ {
		for j := 0; j < len(ringB)-1; j++ {
			total += collinearOverlapKm(ringA[i], ringA[i+1], ringB[j], ringB[j+1])
		}
	}
	return total
}

// collinearOverlapKm returns the overlap length of two collinear segments,
// or 0 when they are not collinear.
func collinearOverlapKm(p1, p2, q1, q2 geom.Coord) float64 {
	if direction(p1, p2, q1) != 0 || direction(p1, p2, q2) != 0 {
		return 0
	}

	// Project q endpoints onto p's parameter space.
	dx, dy := p2[0]-p1[0], p2[1]-p1[1]
	lenSq := dx*dx + dy*dy
	if lenSq == 0 {
		return 0
	}
	t1 := ((q1[0]-p1[0])*dx + (q1[1]-p1[1])*dy) / lenSq
	t2 := ((q2[0]-p1[0])*dx + (q2[1]-p1[1])*dy) / lenSq
	lo := math.Max(0, math.Min(t1, t2))
	hi := math.Min(1, math.Max(t1, t2))
	if hi <= lo {
		return 0
	}

	sLat, sLon := p1[1]+lo*dy, p1[0]+lo*dx
	eLat, eLon := p1[1]+hi*dy, p1[0]+hi*dx
	return Haversine(sLat, sLon, eLat, eLon)
}

func ringCoords(poly *geom.Polygon, i int) []geom.Coord {
	ring := poly.LinearRing(i)
	coords := ring.Coords()
	if len(coords) > 0 {
		first, last := coords[0], coords[len(coords)-1]
		if first[0] != last[0] || first[1] != last[1] {
			coords = append(coords, geom.Coord{first[0], first[1]})
		}
	}
	return coords
}
