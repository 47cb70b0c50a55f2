package geometry

import (
	"math"
	"sort"

	"github.com/twpayne/go-geom"
)

// ConvexHull computes the convex hull of a point set with the monotone
// chain algorithm. The result ring is counterclockwise and closed. Returns
// nil for fewer than three distinct points.
func ConvexHull(points []geom.Coord) []geom.Coord {
	pts := dedupCoords(points)
	if len(pts) < 3 {
		return nil
	}

	sort.Slice(pts, func(i, j int) bool {
		if pts[i][0] != pts[j][0] {
			return pts[i][0] < pts[j][0]
		}
		return pts[i][1] < pts[j][1]
	})

	cross := func(o, a, b geom.Coord) float64 {
		return (a[0]-o[0])*(b[1]-o[1]) - (a[1]-o[1])*(b[0]-o[0])
	}

	var lower []geom.Coord
	for _, p := range pts {
		for len(lower) >= 2 && cross(lower[len(lower)-2], lower[len(lower)-1], p) <= 0 {
			lower = lower[:len(lower)-1]
		}
		lower = append(lower, p)
	}

	var upper []geom.Coord
	for i := len(pts) - 1; i >= 0; i-- {
		p := pts[i]
		for len(upper) >= 2 && cross(upper[len(upper)-2], upper[len(upper)-1], p) <= 0 {
			upper = upper[:len(upper)-1]
		}
		upper = append(upper, p)
	}

	hull := append(lower[:len(lower)-1], upper[:len(upper)-1]...)
	if len(hull) < 3 {
		return nil
	}
	// Close the ring.
	hull = append(hull, geom.Coord{hull[0][0], hull[0][1]})
	return hull
}

// HullPolygon builds a WGS84 polygon from the convex hull of points.
// Returns nil when the hull is degenerate.
func HullPolygon(points []geom.Coord) *geom.Polygon {
	ring := ConvexHull(points)
	if ring == nil {
		return nil
	}
	flat := make([]float64, 0, len(ring)*2)
	for _, c := range ring {
		flat = append(flat, c[0], c[1])
	}
	return geom.NewPolygonFlat(geom.XY, flat, []int{len(flat)}).SetSRID(4326)
}

// Simplify applies Douglas-Peucker to a closed ring with the given
// tolerance (in coordinate units). Tolerance <= 0 returns the input.
func Simplify(ring []geom.Coord, tolerance float64) []geom.Coord {
	if tolerance <= 0 || len(ring) <= 4 {
		return ring
	}
	// Work on the open ring; re-close afterwards.
	open := ring[:len(ring)-1]
	kept := douglasPeucker(open, tolerance)
	if len(kept) < 3 {
		return ring
	}
	return append(kept, geom.Coord{kept[0][0], kept[0][1]})
}

func douglasPeucker(pts []geom.Coord, tol float64) []geom.Coord {
	if len(pts) < 3 {
		return pts
	}

	maxDist := 0.0
	maxIdx := 0
	for i := 1; i < len(pts)-1; i++ {
		d := perpendicularDistance(pts[i], pts[0], pts[len(pts)-1])
		if d > maxDist {
			maxDist = d
			maxIdx = i
		}
	}

	if maxDist <= tol {
		return []geom.Coord{pts[0], pts[len(pts)-1]}
	}

	left := douglasPeucker(pts[:maxIdx+1], tol)
	right := douglasPeucker(pts[maxIdx:], tol)
	return append(left[:len(left)-1], right...)
}

func perpendicularDistance(p, a, b geom.Coord) float64 {
	dx, dy := b[0]-a[0], b[1]-a[1]
	if dx == 0 && dy == 0 {
		dx, dy = p[0]-a[0], p[1]-a[1]
		return hypot(dx, dy)
	}
	t := ((p[0]-a[0])*dx + (p[1]-a[1])*dy) / (dx*dx + dy*dy)
	switch {
	case t < 0:
		t = 0
	case t > 1:
		t = 1
	}
	return hypot(p[0]-(a[0]+t*dx), p[1]-(a[1]+t*dy))
}

func hypot(x, y float64) float64 {
	return math.Sqrt(x*x + y*y)
}

func dedupCoords(points []geom.Coord) []geom.Coord {
	seen := make(map[[2]float64]struct{}, len(points))
	out := make([]geom.Coord, 0, len(points))
	for _, p := range points {
		k := [2]float64{p[0], p[1]}
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, p)
	}
	return out
}
