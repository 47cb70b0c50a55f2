// Package isochrone generates travel-time polygons, clustering POIs so
// nearby points share one road-network download.
package isochrone

import (
	"container/heap"
	"context"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"

	"github.com/twpayne/go-geom"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mihiarc/socialmapper/internal/errs"
	"github.com/mihiarc/socialmapper/internal/geometry"
	"github.com/mihiarc/socialmapper/internal/model"
	"github.com/mihiarc/socialmapper/internal/tracker"
)

// networkConcurrency bounds parallel cluster downloads; the Overpass rate
// limiter governs the actual wire pace.
const networkConcurrency = 2

// PostFetcher is the transport contract for Overpass queries.
type PostFetcher interface {
	PostForm(ctx context.Context, rawURL string, form url.Values) ([]byte, error)
}

// Options configures isochrone generation.
type Options struct {
	TravelTimeMinutes  int
	Mode               model.TravelMode
	MaxClusterRadiusKm float64 // DBSCAN eps
	MinClusterSize     int     // DBSCAN min_samples
	BufferKm           float64
	FallbackSpeedKmh   float64
	SimplifyTolerance  float64 // degrees; 0 disables simplification
}

// Engine turns POI batches into isochrones.
type Engine struct {
	client  PostFetcher
	tracker *tracker.Tracker
	opts    Options

	downloads atomic.Int64
}

// NewEngine creates an Engine. Zero option fields take the documented
// defaults (10 km radius, cluster size 2, 5 km buffer, drive mode).
func NewEngine(client PostFetcher, tr *tracker.Tracker, opts Options) *Engine {
	if opts.Mode == "" {
		opts.Mode = model.ModeDrive
	}
	if opts.MaxClusterRadiusKm <= 0 {
		opts.MaxClusterRadiusKm = 10
	}
	if opts.MinClusterSize <= 0 {
		opts.MinClusterSize = 2
	}
	if opts.BufferKm <= 0 {
		opts.BufferKm = 5
	}
	if opts.FallbackSpeedKmh <= 0 {
		opts.FallbackSpeedKmh = 50
	}
	return &Engine{client: client, tracker: tr, opts: opts}
}

// DownloadCount reports how many road networks were fetched, for the
// clustering-savings accounting in run metadata.
func (e *Engine) DownloadCount() int {
	return int(e.downloads.Load())
}

// avgSpeed returns the assumed average speed for the configured mode.
func (e *Engine) avgSpeed() (kmh, mph float64) {
	kmh = e.opts.FallbackSpeedKmh
	if flat, ok := flatSpeedKmh[e.opts.Mode]; ok {
		kmh = flat
	}
	return kmh, kmh * geometry.MilesPerKm
}

// Generate produces one isochrone per POI. Clusters whose network download
// fails are recorded and their POIs skipped; POIs that reach fewer than two
// nodes yield a degenerate isochrone. The error is non-nil only when no
// isochrone at all could be produced.
func (e *Engine) Generate(ctx context.Context, pois []model.POI) ([]model.Isochrone, error) {
	if e.opts.TravelTimeMinutes <= 0 {
		return nil, errs.Newf(errs.KindConfiguration, "isochrone",
			"travel time must be positive, got %d", e.opts.TravelTimeMinutes)
	}
	if len(pois) == 0 {
		return nil, errs.New(errs.KindNoDataFound, "isochrone", "no pois to process")
	}

	clusters := ClusterPOIs(pois, e.opts.MaxClusterRadiusKm, e.opts.MinClusterSize)
	zap.L().Info("isochrone: clustered pois",
		zap.Int("pois", len(pois)),
		zap.Int("clusters", len(clusters)),
		zap.Int("travel_time_min", e.opts.TravelTimeMinutes),
		zap.String("mode", string(e.opts.Mode)),
	)

	var mu sync.Mutex
	var isochrones []model.Isochrone

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(networkConcurrency)
	for i := range clusters {
		cluster := &clusters[i]
		g.Go(func() error {
			results := e.processCluster(ctx, cluster)
			mu.Lock()
			isochrones = append(isochrones, results...)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	usable := 0
	for i := range isochrones {
		if !isochrones[i].Degenerate() {
			usable++
		}
	}
	if usable == 0 {
		return nil, errs.New(errs.KindNoDataFound, "isochrone", "no usable isochrones produced").
			WithSuggestions("increase travel_time", "check that pois are near a road network")
	}
	return isochrones, nil
}

// processCluster downloads the cluster's network and emits one isochrone
// per member POI.
func (e *Engine) processCluster(ctx context.Context, c *Cluster) []model.Isochrone {
	clusterRef := fmt.Sprintf("cluster-%d", c.ID)

	network, err := downloadNetwork(ctx, e.client, c, e.opts.Mode, e.opts.TravelTimeMinutes, e.opts.BufferKm, e.opts.FallbackSpeedKmh)
	if err != nil {
		e.tracker.InvalidCluster("isochrone", clusterRef, fmt.Sprintf("network download failed: %v", err))
		zap.L().Warn("isochrone: cluster network download failed",
			zap.String("cluster", clusterRef), zap.Int("pois", len(c.POIs)), zap.Error(err))
		return nil
	}
	e.downloads.Add(1)

	speedKmh, speedMph := e.avgSpeed()
	budgetSec := float64(e.opts.TravelTimeMinutes) * 60

	results := make([]model.Isochrone, 0, len(c.POIs))
	for i := range c.POIs {
		p := &c.POIs[i]
		iso := model.Isochrone{
			POIID:             p.ID,
			POIName:           p.Name,
			TravelTimeMinutes: e.opts.TravelTimeMinutes,
			AvgTravelSpeedKmh: speedKmh,
			AvgTravelSpeedMph: speedMph,
		}

		reached := reachableCoords(network, p.Lat, p.Lon, budgetSec)
		if len(reached) < 2 {
			e.tracker.InvalidCluster("isochrone", p.ID, "fewer than 2 reachable network nodes")
			results = append(results, iso) // degenerate, polygon nil
			continue
		}

		ring := geometry.ConvexHull(reached)
		if ring != nil && e.opts.SimplifyTolerance > 0 {
			ring = geometry.Simplify(ring, e.opts.SimplifyTolerance)
		}
		if ring != nil {
			flat := make([]float64, 0, len(ring)*2)
			for _, coord := range ring {
				flat = append(flat, coord[0], coord[1])
			}
			iso.Polygon = geom.NewPolygonFlat(geom.XY, flat, []int{len(flat)}).SetSRID(4326)
		}
		if iso.Degenerate() {
			e.tracker.InvalidCluster("isochrone", p.ID, "degenerate hull")
		}
		results = append(results, iso)
	}
	return results
}

// reachableCoords runs Dijkstra from the node nearest (lat, lon) and
// returns the coordinates, as (lon, lat) pairs, of every node within
// budgetSec travel time.
func reachableCoords(g *graph, lat, lon float64, budgetSec float64) []geom.Coord {
	start := g.nearestNode(lat, lon)
	if start < 0 {
		return nil
	}

	dist := make(map[int]float64, 64)
	dist[start] = 0

	pq := &nodeQueue{{node: start, dist: 0}}
	heap.Init(pq)

	var coords []geom.Coord
	settled := make(map[int]bool, 64)
	for pq.Len() > 0 {
		item := heap.Pop(pq).(nodeItem)
		if settled[item.node] {
			continue
		}
		settled[item.node] = true
		coords = append(coords, geom.Coord{g.lons[item.node], g.lats[item.node]})

		for _, edge := range g.adj[item.node] {
			nd := item.dist + edge.timeSec
			if nd > budgetSec {
				continue
			}
			if cur, seen := dist[edge.to]; !seen || nd < cur {
				dist[edge.to] = nd
				heap.Push(pq, nodeItem{node: edge.to, dist: nd})
			}
		}
	}
	return coords
}

type nodeItem struct {
	node int
	dist float64
}

type nodeQueue []nodeItem

func (q nodeQueue) Len() int           { return len(q) }
func (q nodeQueue) Less(i, j int) bool { return q[i].dist < q[j].dist }
func (q nodeQueue) Swap(i, j int)      { q[i], q[j] = q[j], q[i] }
func (q *nodeQueue) Push(x any)        { *q = append(*q, x.(nodeItem)) }
func (q *nodeQueue) Pop() any {
	old := *q
	n := len(old)
	item := old[n-1]
	*q = old[:n-1]
	return item
}
