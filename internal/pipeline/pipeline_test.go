package pipeline

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twpayne/go-geom"

	"github.com/mihiarc/socialmapper/internal/census"
	"github.com/mihiarc/socialmapper/internal/config"
	"github.com/mihiarc/socialmapper/internal/errs"
	"github.com/mihiarc/socialmapper/internal/model"
	"github.com/mihiarc/socialmapper/internal/tracker"
)

func square(minX, minY, maxX, maxY float64) *geom.Polygon {
	return geom.NewPolygonFlat(geom.XY, []float64{
		minX, minY, maxX, minY, maxX, maxY, minX, maxY, minX, minY,
	}, []int{10}).SetSRID(4326)
}

type stubBoundaries struct {
	mu           sync.Mutex
	unitsByState map[string][]model.GeographicUnit
	calls        []string
}

func (s *stubBoundaries) Units(_ context.Context, _ model.GeographyLevel, stateFIPS string) ([]model.GeographicUnit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, stateFIPS)
	return s.unitsByState[stateFIPS], nil
}

type stubCensus struct {
	mu     sync.Mutex
	points []model.CensusDataPoint
	geoids []string
}

func (s *stubCensus) Fetch(_ context.Context, _ model.GeographyLevel, geoids, _ []string) ([]model.CensusDataPoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.geoids = geoids
	return s.points, nil
}

type stubCounties struct {
	counties []string
}

func (s *stubCounties) CountiesOfPOIs(context.Context, []model.POI, int) ([]string, error) {
	return s.counties, nil
}

// stubIso returns one big isochrone per POI.
type stubIso struct {
	mu        sync.Mutex
	polygon   *geom.Polygon
	travel    int
	downloads int
}

func (s *stubIso) Generate(_ context.Context, pois []model.POI) ([]model.Isochrone, error) {
	s.mu.Lock()
	s.downloads++
	travel := s.travel
	s.mu.Unlock()

	out := make([]model.Isochrone, 0, len(pois))
	for _, p := range pois {
		out = append(out, model.Isochrone{
			POIID:             p.ID,
			POIName:           p.Name,
			TravelTimeMinutes: travel,
			Polygon:           s.polygon,
			AvgTravelSpeedKmh: 50,
			AvgTravelSpeedMph: 31.07,
		})
	}
	return out, nil
}

func (s *stubIso) DownloadCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.downloads
}

func writePOICSV(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "pois.csv")
	body := "name,lat,lon\nMain Library,35.994,-78.899\nEast Branch,35.980,-78.880\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func testDeps(t *testing.T, iso *stubIso) (Deps, *stubCensus) {
	t.Helper()
	variables, err := census.DefaultVariables()
	require.NoError(t, err)

	val := func(v float64) *float64 { return &v }
	boundaries := &stubBoundaries{unitsByState: map[string][]model.GeographicUnit{
		"37": {
			// Two block groups in the candidate county around the POIs,
			// one in another county, one far away.
			{GEOID: "370630001001", Geometry: square(-78.91, 35.98, -78.89, 36.00)},
			{GEOID: "370630001002", Geometry: square(-78.89, 35.97, -78.87, 35.99)},
			{GEOID: "371830001001", Geometry: square(-78.70, 35.80, -78.68, 35.82)},
			{GEOID: "370630009001", Geometry: square(-77.00, 34.00, -76.98, 34.02)},
		},
	}}
	censusStub := &stubCensus{points: []model.CensusDataPoint{
		{GEOID: "370630001001", VariableCode: "B01003_001E", Value: val(1200)},
		{GEOID: "370630001002", VariableCode: "B01003_001E", Value: nil},
	}}

	return Deps{
		Boundaries: boundaries,
		Census:     censusStub,
		Variables:  variables,
		Counties:   &stubCounties{counties: []string{"37063"}},
		Isochrones: func(travelTimeMinutes int, _ model.TravelMode, _ *tracker.Tracker) IsochroneGenerator {
			iso.mu.Lock()
			iso.travel = travelTimeMinutes
			iso.mu.Unlock()
			return iso
		},
		Tracker:   tracker.New(),
		OutputDir: t.TempDir(),
		Rand:      rand.New(rand.NewSource(1)),
	}, censusStub
}

func TestRunEndToEnd(t *testing.T) {
	iso := &stubIso{polygon: square(-78.95, 35.95, -78.85, 36.01)}
	deps, censusStub := testDeps(t, iso)
	p := New(deps)

	bundle, err := p.Run(context.Background(), Request{
		CustomFile:        writePOICSV(t, t.TempDir()),
		TravelTimeMinutes: 15,
		GeographicLevel:   model.LevelBlockGroup,
		CensusVariables:   []string{"total_population"},
	})
	require.NoError(t, err)

	assert.Equal(t, 2, bundle.POICount)
	// The other-county and far-away units are trimmed or fail intersection.
	assert.Equal(t, 2, bundle.UnitsAnalyzed)
	assert.Equal(t, 1, bundle.Metadata.NetworkDownloads)
	assert.Equal(t, 15, bundle.Metadata.TravelTime)
	assert.InDelta(t, 35.987, bundle.Metadata.CenterLat, 0.01)
	assert.Empty(t, bundle.InvalidSummary)

	// Only the kept units' geoids go to the census fetch.
	assert.ElementsMatch(t, []string{"370630001001", "370630001002"}, censusStub.geoids)

	// CSV: header carries the human-readable variable name, nil renders empty.
	f, err := os.Open(bundle.FilesGenerated["csv"])
	require.NoError(t, err)
	defer f.Close() //nolint:errcheck
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, "GEOID", rows[0][0])
	assert.Equal(t, "total_population", rows[0][len(rows[0])-1])

	byGeoid := map[string]string{}
	for _, row := range rows[1:] {
		byGeoid[row[0]] = row[len(row)-1]
	}
	assert.Equal(t, "1200", byGeoid["370630001001"])
	assert.Equal(t, "", byGeoid["370630001002"])

	// GeoJSON: one feature per POI.
	data, err := os.ReadFile(bundle.FilesGenerated["isochrones"])
	require.NoError(t, err)
	var fc struct {
		Type     string            `json:"type"`
		Features []json.RawMessage `json:"features"`
	}
	require.NoError(t, json.Unmarshal(data, &fc))
	assert.Equal(t, "FeatureCollection", fc.Type)
	assert.Len(t, fc.Features, 2)
}

func TestRunNoIntersectingUnits(t *testing.T) {
	// Isochrone far from every unit.
	iso := &stubIso{polygon: square(10, 10, 11, 11)}
	deps, _ := testDeps(t, iso)
	p := New(deps)

	_, err := p.Run(context.Background(), Request{
		CustomFile:        writePOICSV(t, t.TempDir()),
		TravelTimeMinutes: 15,
		GeographicLevel:   model.LevelBlockGroup,
		CensusVariables:   []string{"total_population"},
	})
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.KindNoDataFound))
}

func TestRunSamplesLargeBatches(t *testing.T) {
	iso := &stubIso{polygon: square(-78.95, 35.95, -78.85, 36.01)}
	deps, _ := testDeps(t, iso)
	p := New(deps)

	dir := t.TempDir()
	path := filepath.Join(dir, "many.csv")
	body := "name,lat,lon\n"
	for i := 0; i < 30; i++ {
		body += fmt.Sprintf("poi-%d,35.99%d,-78.89\n", i, i%10)
	}
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	bundle, err := p.Run(context.Background(), Request{
		CustomFile:        path,
		TravelTimeMinutes: 15,
		GeographicLevel:   model.LevelBlockGroup,
		CensusVariables:   []string{"total_population"},
		MaxPOICount:       10,
	})
	require.NoError(t, err)
	assert.Equal(t, 10, bundle.POICount)
	assert.True(t, bundle.Metadata.Sampled)
	assert.Equal(t, 30, bundle.Metadata.OriginalCount)
}

func TestRequestValidate(t *testing.T) {
	base := Request{
		CustomFile:        "pois.csv",
		TravelTimeMinutes: 15,
		GeographicLevel:   model.LevelBlockGroup,
		CensusVariables:   []string{"total_population"},
	}

	cases := []struct {
		name   string
		mutate func(*Request)
	}{
		{"no source", func(r *Request) { r.CustomFile = "" }},
		{"two sources", func(r *Request) { r.AddressFile = "addrs.csv" }},
		{"zero travel time", func(r *Request) { r.TravelTimeMinutes = 0 }},
		{"travel time over an hour", func(r *Request) { r.TravelTimeMinutes = 61 }},
		{"excessive travel time", func(r *Request) { r.TravelTimeMinutes = 500 }},
		{"unknown travel mode", func(r *Request) { r.TravelMode = "transit" }},
		{"bad level", func(r *Request) { r.GeographicLevel = "megaregion" }},
		{"no variables", func(r *Request) { r.CensusVariables = nil }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := base
			tc.mutate(&req)
			err := req.Validate()
			require.Error(t, err)
			assert.True(t, errs.IsKind(err, errs.KindConfiguration))
		})
	}

	assert.NoError(t, base.Validate())

	// The full hour, an empty mode (defaulted downstream), and every
	// supported mode pass.
	top := base
	top.TravelTimeMinutes = 60
	assert.NoError(t, top.Validate())
	for _, mode := range []model.TravelMode{"", model.ModeDrive, model.ModeWalk, model.ModeBike} {
		req := base
		req.TravelMode = mode
		assert.NoError(t, req.Validate(), "mode %q", mode)
	}
}

func TestRequestValidateSuggestsTravelModes(t *testing.T) {
	req := Request{
		CustomFile:        "pois.csv",
		TravelTimeMinutes: 15,
		TravelMode:        "teleport",
		GeographicLevel:   model.LevelBlockGroup,
		CensusVariables:   []string{"total_population"},
	}
	err := req.Validate()
	require.Error(t, err)

	var typed *errs.Error
	require.ErrorAs(t, err, &typed)
	assert.Equal(t, []string{"use one of drive, walk, bike"}, typed.Suggestions)
}

func TestForRunIsolatesState(t *testing.T) {
	iso := &stubIso{polygon: square(-78.95, 35.95, -78.85, 36.01)}
	deps, _ := testDeps(t, iso)
	p := New(deps)

	runA := p.ForRun("a")
	runB := p.ForRun("b")

	// One source has a row with no coordinates, so only its run should
	// report invalid data.
	dir := t.TempDir()
	badPath := filepath.Join(dir, "branch-pois.csv")
	body := "name,lat,lon\nMain Library,35.994,-78.899\nGhost Branch,,\n"
	require.NoError(t, os.WriteFile(badPath, []byte(body), 0o644))

	req := func(file string) Request {
		return Request{
			CustomFile:        file,
			TravelTimeMinutes: 15,
			GeographicLevel:   model.LevelBlockGroup,
			CensusVariables:   []string{"total_population"},
		}
	}

	var (
		wg               sync.WaitGroup
		bundleA, bundleB *ResultBundle
		errA, errB       error
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		bundleA, errA = runA.Run(context.Background(), req(badPath))
	}()
	go func() {
		defer wg.Done()
		bundleB, errB = runB.Run(context.Background(), req(writePOICSV(t, t.TempDir())))
	}()
	wg.Wait()

	require.NoError(t, errA)
	require.NoError(t, errB)

	// The rejection stays with its own run.
	assert.Equal(t, map[string]int{"invalid_point": 1}, bundleA.InvalidSummary)
	assert.Empty(t, bundleB.InvalidSummary)

	// Outputs land in per-run subdirectories of the shared output root.
	assert.True(t, strings.HasPrefix(bundleA.FilesGenerated["csv"], filepath.Join(deps.OutputDir, "a")+string(os.PathSeparator)))
	assert.True(t, strings.HasPrefix(bundleB.FilesGenerated["csv"], filepath.Join(deps.OutputDir, "b")+string(os.PathSeparator)))

	// The invalid-data report carries the source basename and travel time.
	report := bundleA.FilesGenerated["invalid_data"]
	require.NotEmpty(t, report)
	assert.Equal(t, "branch-pois_15min_invalid_data.csv", filepath.Base(report))
}

func TestRunRejectsUnknownVariable(t *testing.T) {
	iso := &stubIso{polygon: square(-78.95, 35.95, -78.85, 36.01)}
	deps, _ := testDeps(t, iso)
	p := New(deps)

	_, err := p.Run(context.Background(), Request{
		CustomFile:        writePOICSV(t, t.TempDir()),
		TravelTimeMinutes: 15,
		GeographicLevel:   model.LevelBlockGroup,
		CensusVariables:   []string{"no_such_variable"},
	})
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.KindConfiguration))
}

func wireConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Census:     config.CensusConfig{Year: 2023, Dataset: "acs/acs5", BoundarySource: "tigerweb", ShapefileDir: t.TempDir()},
		Cache:      config.CacheConfig{Strategy: "none"},
		Repository: config.RepositoryConfig{Type: "memory"},
		Output:     config.OutputConfig{Dir: t.TempDir()},
	}
}

func TestFromConfigBoundarySource(t *testing.T) {
	ctx := context.Background()

	cfg := wireConfig(t)
	p, closeFn, err := FromConfig(ctx, cfg)
	require.NoError(t, err)
	defer closeFn() //nolint:errcheck
	_, ok := p.deps.Boundaries.(*census.BoundaryFetcher)
	assert.True(t, ok, "default boundary source is tigerweb")

	cfg = wireConfig(t)
	cfg.Census.BoundarySource = "shapefile"
	p, closeFn, err = FromConfig(ctx, cfg)
	require.NoError(t, err)
	defer closeFn() //nolint:errcheck
	_, ok = p.deps.Boundaries.(*census.ShapefileLoader)
	assert.True(t, ok, "shapefile source selects the TIGER/Line loader")
}
