package isochrone

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/mihiarc/socialmapper/internal/errs"
	"github.com/mihiarc/socialmapper/internal/geometry"
	"github.com/mihiarc/socialmapper/internal/model"
)

const overpassURL = "https://overpass-api.de/api/interpreter"

// networkTimeoutSec is the server-side budget for road-network queries,
// which are far heavier than POI searches.
const networkTimeoutSec = 300

// highwayFilters selects the road classes per travel mode, as an Overpass
// regex on the highway tag.
var highwayFilters = map[model.TravelMode]string{
	model.ModeDrive: "motorway|motorway_link|trunk|trunk_link|primary|primary_link|secondary|secondary_link|tertiary|tertiary_link|unclassified|residential|living_street",
	model.ModeBike:  "trunk|primary|secondary|tertiary|unclassified|residential|living_street|cycleway|path|track|service",
	model.ModeWalk:  "primary|secondary|tertiary|unclassified|residential|living_street|pedestrian|footway|path|steps|track|service",
}

// defaultSpeeds gives per-class speeds in km/h for the drive mode. Walking
// and cycling use flat speeds regardless of class.
var defaultSpeeds = map[string]float64{
	"motorway":       110,
	"motorway_link":  70,
	"trunk":          90,
	"trunk_link":     55,
	"primary":        65,
	"primary_link":   45,
	"secondary":      55,
	"secondary_link": 40,
	"tertiary":       50,
	"tertiary_link":  35,
	"unclassified":   40,
	"residential":    30,
	"living_street":  20,
	"service":        20,
}

// assumedMaxSpeedKmh bounds the network download radius per mode.
var assumedMaxSpeedKmh = map[model.TravelMode]float64{
	model.ModeDrive: 110,
	model.ModeBike:  20,
	model.ModeWalk:  6,
}

// flatSpeedKmh is the travel speed for non-drive modes.
var flatSpeedKmh = map[model.TravelMode]float64{
	model.ModeBike: 15,
	model.ModeWalk: 5,
}

// graphEdge is one directed adjacency entry.
type graphEdge struct {
	to      int
	timeSec float64
}

// graph is a road network with per-edge travel times.
type graph struct {
	lats []float64
	lons []float64
	adj  [][]graphEdge
}

func (g *graph) size() int { return len(g.lats) }

// nearestNode snaps a coordinate to the closest graph node by linear scan.
// Returns -1 for an empty graph.
func (g *graph) nearestNode(lat, lon float64) int {
	best, bestDist := -1, 0.0
	for i := range g.lats {
		d := geometry.Haversine(lat, lon, g.lats[i], g.lons[i])
		if best == -1 || d < bestDist {
			best, bestDist = i, d
		}
	}
	return best
}

// networkQuery renders the Overpass QL for one cluster's road network.
// Single-POI clusters query by radius around the point; larger clusters by
// padded bounding box.
func networkQuery(c *Cluster, mode model.TravelMode, travelTimeMin int, bufferKm float64) string {
	filter := highwayFilters[mode]

	var region string
	if len(c.POIs) == 1 {
		radiusKm := float64(travelTimeMin)/60*assumedMaxSpeedKmh[mode] + bufferKm
		region = fmt.Sprintf("(around:%.0f,%.6f,%.6f)", radiusKm*1000, c.POIs[0].Lat, c.POIs[0].Lon)
	} else {
		south, west, north, east := c.bbox(bufferKm)
		region = fmt.Sprintf("(%.6f,%.6f,%.6f,%.6f)", south, west, north, east)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "[out:json][timeout:%d];\n", networkTimeoutSec)
	fmt.Fprintf(&b, "way[\"highway\"~\"^(%s)$\"]%s;\n", filter, region)
	b.WriteString("(._;>;);\nout body;\n")
	return b.String()
}

// overpassNetworkResponse covers the node/way subset we consume.
type overpassNetworkResponse struct {
	Elements []struct {
		Type  string            `json:"type"`
		ID    int64             `json:"id"`
		Lat   float64           `json:"lat,omitempty"`
		Lon   float64           `json:"lon,omitempty"`
		Nodes []int64           `json:"nodes,omitempty"`
		Tags  map[string]string `json:"tags,omitempty"`
	} `json:"elements"`
}

// downloadNetwork fetches and assembles the road network for a cluster.
func downloadNetwork(ctx context.Context, client PostFetcher, c *Cluster, mode model.TravelMode, travelTimeMin int, bufferKm, fallbackSpeedKmh float64) (*graph, error) {
	query := networkQuery(c, mode, travelTimeMin, bufferKm)
	body, err := client.PostForm(ctx, overpassURL, url.Values{"data": {query}})
	if err != nil {
		return nil, err
	}
	return buildGraph(body, mode, fallbackSpeedKmh)
}

// buildGraph parses an Overpass node/way response into an undirected
// travel-time graph.
func buildGraph(body []byte, mode model.TravelMode, fallbackSpeedKmh float64) (*graph, error) {
	var resp overpassNetworkResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, errs.Wrap(errs.KindDataProcessing, "isochrone", err, "parse overpass network")
	}

	g := &graph{}
	index := make(map[int64]int)
	for _, el := range resp.Elements {
		if el.Type != "node" {
			continue
		}
		index[el.ID] = len(g.lats)
		g.lats = append(g.lats, el.Lat)
		g.lons = append(g.lons, el.Lon)
	}
	g.adj = make([][]graphEdge, len(g.lats))

	for _, el := range resp.Elements {
		if el.Type != "way" || len(el.Nodes) < 2 {
			continue
		}
		speed := edgeSpeedKmh(el.Tags, mode, fallbackSpeedKmh)

		for i := 0; i < len(el.Nodes)-1; i++ {
			a, okA := index[el.Nodes[i]]
			b, okB := index[el.Nodes[i+1]]
			if !okA || !okB {
				continue
			}
			lengthKm := geometry.Haversine(g.lats[a], g.lons[a], g.lats[b], g.lons[b])
			timeSec := lengthKm / speed * 3600

			g.adj[a] = append(g.adj[a], graphEdge{to: b, timeSec: timeSec})
			g.adj[b] = append(g.adj[b], graphEdge{to: a, timeSec: timeSec})
		}
	}
	return g, nil
}

// edgeSpeedKmh resolves an edge speed from the maxspeed tag, the highway
// class, or the configured fallback, in that order.
func edgeSpeedKmh(tags map[string]string, mode model.TravelMode, fallback float64) float64 {
	if flat, ok := flatSpeedKmh[mode]; ok {
		return flat
	}
	if s := parseMaxspeed(tags["maxspeed"]); s > 0 {
		return s
	}
	if s, ok := defaultSpeeds[tags["highway"]]; ok {
		return s
	}
	if fallback > 0 {
		return fallback
	}
	return 50
}

// parseMaxspeed handles the common OSM forms: "50", "35 mph". Returns 0 for
// anything unparseable.
func parseMaxspeed(raw string) float64 {
	raw = strings.TrimSpace(strings.ToLower(raw))
	if raw == "" {
		return 0
	}
	mph := strings.HasSuffix(raw, "mph")
	raw = strings.TrimSpace(strings.TrimSuffix(raw, "mph"))

	v, err := strconv.ParseFloat(raw, 64)
	if err != nil || v <= 0 {
		return 0
	}
	if mph {
		v *= geometry.KmPerMile
	}
	return v
}
