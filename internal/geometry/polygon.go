package geometry

import (
	"math"

	"github.com/twpayne/go-geom"
)

// Centroid returns the area-weighted centroid of the polygon's outer ring
// (shoelace formula). Degenerate rings fall back to the vertex mean.
func Centroid(poly *geom.Polygon) geom.Coord {
	ring := ringCoords(poly, 0)
	if len(ring) < 4 {
		return vertexMean(ring)
	}

	var area, cx, cy float64
	for i := 0; i < len(ring)-1; i++ {
		cross := ring[i][0]*ring[i+1][1] - ring[i+1][0]*ring[i][1]
		area += cross
		cx += (ring[i][0] + ring[i+1][0]) * cross
		cy += (ring[i][1] + ring[i+1][1]) * cross
	}
	area /= 2
	if math.Abs(area) < 1e-12 {
		return vertexMean(ring)
	}
	return geom.Coord{cx / (6 * area), cy / (6 * area)}
}

func vertexMean(ring []geom.Coord) geom.Coord {
	if len(ring) == 0 {
		return geom.Coord{0, 0}
	}
	var sx, sy float64
	n := len(ring)
	if n > 1 && ring[0][0] == ring[n-1][0] && ring[0][1] == ring[n-1][1] {
		n-- // skip the closing duplicate
	}
	for i := 0; i < n; i++ {
		sx += ring[i][0]
		sy += ring[i][1]
	}
	return geom.Coord{sx / float64(n), sy / float64(n)}
}

// Valid reports whether the polygon has a usable outer ring: at least four
// coordinates (closed triangle) and nonzero area.
func Valid(poly *geom.Polygon) bool {
	if poly == nil || poly.NumLinearRings() == 0 {
		return false
	}
	ring := ringCoords(poly, 0)
	if len(ring) < 4 {
		return false
	}
	var area float64
	for i := 0; i < len(ring)-1; i++ {
		area += ring[i][0]*ring[i+1][1] - ring[i+1][0]*ring[i][1]
	}
	return math.Abs(area/2) > 1e-12
}

// Repair is the buffer(0) stand-in: it closes rings, drops consecutive
// duplicate vertices, and discards degenerate rings. Returns nil when the
// outer ring cannot be salvaged.
func Repair(poly *geom.Polygon) *geom.Polygon {
	if poly == nil || poly.NumLinearRings() == 0 {
		return nil
	}

	var flat []float64
	var ends []int
	for i := 0; i < poly.NumLinearRings(); i++ {
		ring := cleanRing(ringCoords(poly, i))
		if len(ring) < 4 {
			if i == 0 {
				return nil
			}
			continue // drop degenerate hole
		}
		for _, c := range ring {
			flat = append(flat, c[0], c[1])
		}
		ends = append(ends, len(flat))
	}
	if len(ends) == 0 {
		return nil
	}

	repaired := geom.NewPolygonFlat(geom.XY, flat, ends).SetSRID(4326)
	if !Valid(repaired) {
		return nil
	}
	return repaired
}

// cleanRing removes consecutive duplicates and guarantees closure.
func cleanRing(ring []geom.Coord) []geom.Coord {
	if len(ring) == 0 {
		return nil
	}
	out := make([]geom.Coord, 0, len(ring))
	for _, c := range ring {
		if len(out) > 0 {
			prev := out[len(out)-1]
			if prev[0] == c[0] && prev[1] == c[1] {
				continue
			}
		}
		out = append(out, c)
	}
	if len(out) < 3 {
		return nil
	}
	first, last := out[0], out[len(out)-1]
	if first[0] != last[0] || first[1] != last[1] {
		out = append(out, geom.Coord{first[0], first[1]})
	}
	return out
}
