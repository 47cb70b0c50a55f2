package isochrone

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihiarc/socialmapper/internal/geometry"
	"github.com/mihiarc/socialmapper/internal/model"
	"github.com/mihiarc/socialmapper/internal/tracker"
)

func TestClusterPOIs(t *testing.T) {
	// Two tight groups ~150 km apart plus one isolated point.
	var pois []model.POI
	for i := 0; i < 5; i++ {
		pois = append(pois, model.POI{ID: fmt.Sprintf("a%d", i), Lat: 35.78 + float64(i)*0.01, Lon: -78.64})
	}
	for i := 0; i < 4; i++ {
		pois = append(pois, model.POI{ID: fmt.Sprintf("b%d", i), Lat: 35.22 + float64(i)*0.01, Lon: -80.84})
	}
	pois = append(pois, model.POI{ID: "lone", Lat: 36.5, Lon: -76.0})

	clusters := ClusterPOIs(pois, 10, 2)
	require.Len(t, clusters, 3)

	// Every POI lands in exactly one cluster.
	total := 0
	seen := make(map[string]int)
	for _, c := range clusters {
		total += len(c.POIs)
		for _, p := range c.POIs {
			seen[p.ID]++
		}
	}
	assert.Equal(t, len(pois), total)
	for id, n := range seen {
		assert.Equal(t, 1, n, "poi %s", id)
	}

	// Members of one cluster stay within twice the radius of each other.
	for _, c := range clusters {
		for i := range c.POIs {
			for j := i + 1; j < len(c.POIs); j++ {
				d := geometry.Haversine(c.POIs[i].Lat, c.POIs[i].Lon, c.POIs[j].Lat, c.POIs[j].Lon)
				assert.LessOrEqual(t, d, 2*10.0+1, "pois %s and %s", c.POIs[i].ID, c.POIs[j].ID)
			}
		}
	}

	// The isolated point is a singleton.
	var loneCluster *Cluster
	for i := range clusters {
		for _, p := range clusters[i].POIs {
			if p.ID == "lone" {
				loneCluster = &clusters[i]
			}
		}
	}
	require.NotNil(t, loneCluster)
	assert.Len(t, loneCluster.POIs, 1)
	assert.Zero(t, loneCluster.RadiusKm)
}

func TestClusterPOIsAllNoise(t *testing.T) {
	pois := []model.POI{
		{ID: "a", Lat: 35.0, Lon: -78.0},
		{ID: "b", Lat: 36.0, Lon: -79.0},
		{ID: "c", Lat: 37.0, Lon: -80.0},
	}
	clusters := ClusterPOIs(pois, 10, 2)
	assert.Len(t, clusters, 3)
	for _, c := range clusters {
		assert.Len(t, c.POIs, 1)
	}
}

func TestNetworkQuery(t *testing.T) {
	single := &Cluster{ID: 1, POIs: []model.POI{{ID: "a", Lat: 35.78, Lon: -78.64}}}
	q := networkQuery(single, model.ModeDrive, 15, 5)
	assert.Contains(t, q, "around:")
	assert.Contains(t, q, `way["highway"~"^(motorway|`)
	assert.Contains(t, q, "(._;>;);")

	multi := &Cluster{ID: 2, POIs: []model.POI{
		{ID: "a", Lat: 35.78, Lon: -78.64},
		{ID: "b", Lat: 35.80, Lon: -78.60},
	}}
	q = networkQuery(multi, model.ModeWalk, 10, 5)
	assert.NotContains(t, q, "around:")
	assert.Contains(t, q, "footway")
}

func TestParseMaxspeed(t *testing.T) {
	assert.Equal(t, 50.0, parseMaxspeed("50"))
	assert.InDelta(t, 56.3, parseMaxspeed("35 mph"), 0.1)
	assert.Zero(t, parseMaxspeed(""))
	assert.Zero(t, parseMaxspeed("signals"))
	assert.Zero(t, parseMaxspeed("-10"))
}

// lineNetwork renders an Overpass body for a straight residential road with
// n nodes spaced 0.001 degrees of latitude (~111 m) apart.
func lineNetwork(startLat, lon float64, n int) string {
	var nodes []string
	var ids []string
	for i := 0; i < n; i++ {
		nodes = append(nodes, fmt.Sprintf(
			`{"type":"node","id":%d,"lat":%.6f,"lon":%.6f}`,
			i+1, startLat+float64(i)*0.001, lon))
		ids = append(ids, fmt.Sprintf("%d", i+1))
	}
	way := fmt.Sprintf(
		`{"type":"way","id":1000,"nodes":[%s],"tags":{"highway":"residential"}}`,
		strings.Join(ids, ","))
	return fmt.Sprintf(`{"elements":[%s,%s]}`, strings.Join(nodes, ","), way)
}

func TestBuildGraphAndReachability(t *testing.T) {
	g, err := buildGraph([]byte(lineNetwork(35.78, -78.64, 11)), model.ModeDrive, 50)
	require.NoError(t, err)
	assert.Equal(t, 11, g.size())

	// Residential default is 30 km/h, so each ~111 m edge costs ~13.3 s.
	// A 60 s budget from the middle reaches 4 nodes in each direction.
	coords := reachableCoords(g, 35.785, -78.64, 60)
	assert.Len(t, coords, 9)

	// A tiny budget reaches only the snapped node.
	coords = reachableCoords(g, 35.785, -78.64, 1)
	assert.Len(t, coords, 1)
}

// crossNetwork renders two residential roads crossing at (lat, lon), each
// arm extending armN nodes in 0.001-degree steps. Reached nodes span two
// dimensions, so convex hulls are non-degenerate.
func crossNetwork(lat, lon float64, armN int) string {
	var nodes []string
	var vertical, horizontal []string

	id := int64(1)
	addNode := func(nlat, nlon float64) string {
		nodes = append(nodes, fmt.Sprintf(
			`{"type":"node","id":%d,"lat":%.6f,"lon":%.6f}`, id, nlat, nlon))
		s := fmt.Sprintf("%d", id)
		id++
		return s
	}

	for i := -armN; i <= armN; i++ {
		vertical = append(vertical, addNode(lat+float64(i)*0.001, lon))
	}
	for i := -armN; i <= armN; i++ {
		if i == 0 {
			// Share the center node with the vertical arm.
			horizontal = append(horizontal, vertical[armN])
			continue
		}
		horizontal = append(horizontal, addNode(lat, lon+float64(i)*0.001))
	}

	ways := fmt.Sprintf(
		`{"type":"way","id":9001,"nodes":[%s],"tags":{"highway":"residential"}},`+
			`{"type":"way","id":9002,"nodes":[%s],"tags":{"highway":"residential"}}`,
		strings.Join(vertical, ","), strings.Join(horizontal, ","))
	return fmt.Sprintf(`{"elements":[%s,%s]}`, strings.Join(nodes, ","), ways)
}

// stubNetwork serves one canned network body and counts downloads.
type stubNetwork struct {
	body string

	mu    sync.Mutex
	calls int
}

func (s *stubNetwork) PostForm(_ context.Context, _ string, _ url.Values) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return []byte(s.body), nil
}

func TestEngineGenerate(t *testing.T) {
	// 20 POIs in one tight cluster: one download, 20 isochrones.
	var pois []model.POI
	for i := 0; i < 20; i++ {
		pois = append(pois, model.POI{
			ID:  fmt.Sprintf("poi-%d", i),
			Lat: 35.78 + float64(i)*0.0005,
			Lon: -78.64,
		})
	}

	stub := &stubNetwork{body: crossNetwork(35.785, -78.64, 30)}
	tr := tracker.New()
	engine := NewEngine(stub, tr, Options{TravelTimeMinutes: 15, Mode: model.ModeDrive})

	isochrones, err := engine.Generate(context.Background(), pois)
	require.NoError(t, err)
	require.Len(t, isochrones, 20)
	assert.Equal(t, 1, engine.DownloadCount())
	assert.Equal(t, 1, stub.calls)

	for _, iso := range isochrones {
		assert.False(t, iso.Degenerate(), "poi %s", iso.POIID)
		assert.Equal(t, 15, iso.TravelTimeMinutes)
		assert.Equal(t, 50.0, iso.AvgTravelSpeedKmh)
		assert.InDelta(t, 31.07, iso.AvgTravelSpeedMph, 0.01)
		require.NotNil(t, iso.Polygon)
		assert.Equal(t, 4326, iso.Polygon.SRID())
	}
}

func TestEngineGenerateRejectsZeroTravelTime(t *testing.T) {
	engine := NewEngine(&stubNetwork{}, tracker.New(), Options{TravelTimeMinutes: 0})
	_, err := engine.Generate(context.Background(), []model.POI{{ID: "a", Lat: 1, Lon: 1}})
	assert.Error(t, err)
}

func TestEngineGenerateDownloadSavings(t *testing.T) {
	// Two far-apart singletons: two clusters, two downloads.
	pois := []model.POI{
		{ID: "a", Lat: 35.78, Lon: -78.64},
		{ID: "b", Lat: 36.78, Lon: -76.64},
	}
	stub := &stubNetwork{body: crossNetwork(35.78, -78.64, 15)}
	engine := NewEngine(stub, tracker.New(), Options{TravelTimeMinutes: 10})

	_, err := engine.Generate(context.Background(), pois)
	require.NoError(t, err)
	assert.Equal(t, 2, engine.DownloadCount())
}

func TestEngineGenerateEmptyNetworkIsDegenerate(t *testing.T) {
	stub := &stubNetwork{body: `{"elements":[]}`}
	tr := tracker.New()
	engine := NewEngine(stub, tr, Options{TravelTimeMinutes: 10})

	_, err := engine.Generate(context.Background(), []model.POI{{ID: "a", Lat: 35.78, Lon: -78.64}})
	require.Error(t, err)
	assert.True(t, tr.HasRecords())
}
