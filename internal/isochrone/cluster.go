package isochrone

import (
	"math"

	"github.com/mihiarc/socialmapper/internal/geometry"
	"github.com/mihiarc/socialmapper/internal/model"
)

// Cluster is a DBSCAN group of POIs sharing one road-network download.
type Cluster struct {
	ID          int
	POIs        []model.POI
	CentroidLat float64
	CentroidLon float64
	// RadiusKm is the distance from the centroid to the farthest member.
	RadiusKm float64
}

// ClusterPOIs groups POIs with DBSCAN on an equirectangular km plane.
// epsKm is the neighborhood radius, minPts the core-point threshold. POIs
// labeled noise become singleton clusters, so every POI lands in exactly
// one cluster.
func ClusterPOIs(pois []model.POI, epsKm float64, minPts int) []Cluster {
	if len(pois) == 0 {
		return nil
	}

	// Project around the mean latitude; error is negligible at cluster scale.
	var refLat float64
	for i := range pois {
		refLat += pois[i].Lat
	}
	refLat /= float64(len(pois))

	xs := make([]float64, len(pois))
	ys := make([]float64, len(pois))
	for i := range pois {
		xs[i], ys[i] = geometry.EquirectKm(pois[i].Lat, pois[i].Lon, refLat)
	}

	distKm := func(i, j int) float64 {
		dx, dy := xs[i]-xs[j], ys[i]-ys[j]
		return math.Sqrt(dx*dx + dy*dy)
	}
	neighborsOf := func(i int) []int {
		var nbrs []int
		for j := range pois {
			if distKm(i, j) <= epsKm {
				nbrs = append(nbrs, j) // includes i itself
			}
		}
		return nbrs
	}

	const (
		unvisited = 0
		noise     = -1
	)
	labels := make([]int, len(pois)) // 0 unvisited, -1 noise, >0 cluster id
	nextID := 1

	for i := range pois {
		if labels[i] != unvisited {
			continue
		}
		nbrs := neighborsOf(i)
		if len(nbrs) < minPts {
			labels[i] = noise
			continue
		}

		id := nextID
		nextID++
		labels[i] = id

		// Expand over the seed set; density-reachable noise gets absorbed.
		queue := append([]int(nil), nbrs...)
		for qi := 0; qi < len(queue); qi++ {
			j := queue[qi]
			if labels[j] == noise {
				labels[j] = id
			}
			if labels[j] != unvisited {
				continue
			}
			labels[j] = id
			jnbrs := neighborsOf(j)
			if len(jnbrs) >= minPts {
				queue = append(queue, jnbrs...)
			}
		}
	}

	// Materialize clusters; noise points become singletons.
	byID := make(map[int][]model.POI)
	order := make([]int, 0)
	for i := range pois {
		id := labels[i]
		if id == noise {
			id = nextID
			nextID++
		}
		if _, seen := byID[id]; !seen {
			order = append(order, id)
		}
		byID[id] = append(byID[id], pois[i])
	}

	clusters := make([]Cluster, 0, len(order))
	for _, id := range order {
		clusters = append(clusters, finishCluster(id, byID[id]))
	}
	return clusters
}

func finishCluster(id int, members []model.POI) Cluster {
	c := Cluster{ID: id, POIs: members}
	for i := range members {
		c.CentroidLat += members[i].Lat
		c.CentroidLon += members[i].Lon
	}
	c.CentroidLat /= float64(len(members))
	c.CentroidLon /= float64(len(members))

	for i := range members {
		d := geometry.Haversine(c.CentroidLat, c.CentroidLon, members[i].Lat, members[i].Lon)
		if d > c.RadiusKm {
			c.RadiusKm = d
		}
	}
	return c
}

// bbox returns the cluster's bounding box expanded by padKm on all sides,
// in (south, west, north, east) order.
func (c *Cluster) bbox(padKm float64) (south, west, north, east float64) {
	south, north = c.POIs[0].Lat, c.POIs[0].Lat
	west, east = c.POIs[0].Lon, c.POIs[0].Lon
	for i := range c.POIs {
		p := &c.POIs[i]
		if p.Lat < south {
			south = p.Lat
		}
		if p.Lat > north {
			north = p.Lat
		}
		if p.Lon < west {
			west = p.Lon
		}
		if p.Lon > east {
			east = p.Lon
		}
	}

	latPad := padKm / 111.0
	lonPad := padKm / (111.0 * math.Cos((south+north)/2*math.Pi/180))
	return south - latPad, west - lonPad, north + latPad, east + lonPad
}
