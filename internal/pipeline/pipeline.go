// Package pipeline orchestrates a full accessibility run: POIs in,
// enriched census dataset out.
package pipeline

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mihiarc/socialmapper/internal/errs"
	"github.com/mihiarc/socialmapper/internal/isochrone"
	"github.com/mihiarc/socialmapper/internal/model"
	"github.com/mihiarc/socialmapper/internal/poi"
	"github.com/mihiarc/socialmapper/internal/spatial"
	"github.com/mihiarc/socialmapper/internal/tracker"
	"github.com/mihiarc/socialmapper/pkg/geocode"
)

// maxTravelTimeMinutes bounds the accepted travel-time budget.
const maxTravelTimeMinutes = 60

// Request describes one run. Exactly one POI source must be set.
type Request struct {
	OSM         *poi.OSMSpec `json:"osm,omitempty"`
	CustomFile  string       `json:"custom_file,omitempty"`
	AddressFile string       `json:"address_file,omitempty"`
	// MinGeocodeQuality applies to the address path.
	MinGeocodeQuality string `json:"min_geocode_quality,omitempty"`

	TravelTimeMinutes int                  `json:"travel_time_minutes"`
	TravelMode        model.TravelMode     `json:"travel_mode,omitempty"`
	GeographicLevel   model.GeographyLevel `json:"geographic_level"`
	CensusVariables   []string             `json:"census_variables"`
	MaxPOICount       int                  `json:"max_poi_count,omitempty"`
}

// Validate rejects malformed requests before any network I/O.
func (r *Request) Validate() error {
	sources := 0
	if r.OSM != nil {
		sources++
	}
	if r.CustomFile != "" {
		sources++
	}
	if r.AddressFile != "" {
		sources++
	}
	if sources != 1 {
		return errs.Newf(errs.KindConfiguration, "setup", "exactly one poi source required, got %d", sources)
	}
	if r.OSM != nil {
		if err := r.OSM.Validate(); err != nil {
			return err
		}
	}
	if r.TravelTimeMinutes <= 0 || r.TravelTimeMinutes > maxTravelTimeMinutes {
		return errs.Newf(errs.KindConfiguration, "setup",
			"travel time must be in (0, %d] minutes, got %d", maxTravelTimeMinutes, r.TravelTimeMinutes)
	}
	switch r.TravelMode {
	case "", model.ModeDrive, model.ModeWalk, model.ModeBike:
	default:
		return errs.Newf(errs.KindConfiguration, "setup", "unknown travel mode %q", r.TravelMode).
			WithSuggestions("use one of drive, walk, bike")
	}
	switch r.GeographicLevel {
	case model.LevelBlockGroup, model.LevelZCTA, model.LevelCounty, model.LevelTract:
	default:
		return errs.Newf(errs.KindConfiguration, "setup", "unsupported geographic level %q", r.GeographicLevel)
	}
	if len(r.CensusVariables) == 0 {
		return errs.New(errs.KindConfiguration, "setup", "at least one census variable required")
	}
	return nil
}

// sourceBasename names the POI source for report files: the input file's
// basename, or the OSM poi name.
func (r *Request) sourceBasename() string {
	path := r.CustomFile
	if path == "" {
		path = r.AddressFile
	}
	if path != "" {
		return strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	if r.OSM != nil && r.OSM.POIName != "" {
		return r.OSM.POIName
	}
	return "pois"
}

// RunMetadata summarizes a run for the result bundle.
type RunMetadata struct {
	CenterLat        float64 `json:"center_lat"`
	CenterLon        float64 `json:"center_lon"`
	TravelTime       int     `json:"travel_time"`
	Sampled          bool    `json:"sampled,omitempty"`
	OriginalCount    int     `json:"original_count,omitempty"`
	NetworkDownloads int     `json:"network_downloads"`
}

// ResultBundle is the orchestrator's return value.
type ResultBundle struct {
	RunID          string            `json:"run_id"`
	POICount       int               `json:"poi_count"`
	UnitsAnalyzed  int               `json:"units_analyzed"`
	FilesGenerated map[string]string `json:"files_generated"`
	Metadata       RunMetadata       `json:"metadata"`
	InvalidSummary map[string]int    `json:"invalid_summary,omitempty"`
}

// Deps are the component seams the pipeline drives. They are satisfied by
// the concrete clients in production and by stubs in tests.
type Deps struct {
	Boundaries BoundarySource
	Census     DataSource
	Variables  VariableCatalog
	Counties   CountyResolver
	// Isochrones builds a generator for one run's travel budget, mode, and
	// rejection sink.
	Isochrones func(travelTimeMinutes int, mode model.TravelMode, tr *tracker.Tracker) IsochroneGenerator
	Geocoder   geocode.Client
	Transport  isochrone.PostFetcher
	Tracker    *tracker.Tracker

	OutputDir string
	Rand      *rand.Rand
}

// BoundarySource supplies geographic-unit polygons per state.
type BoundarySource interface {
	Units(ctx context.Context, level model.GeographyLevel, stateFIPS string) ([]model.GeographicUnit, error)
}

// DataSource fetches ACS values for geographies.
type DataSource interface {
	Fetch(ctx context.Context, level model.GeographyLevel, geoids, variables []string) ([]model.CensusDataPoint, error)
}

// VariableCatalog normalizes census variable names.
type VariableCatalog interface {
	Normalize(x string) (string, error)
	Readable(code string) string
}

// CountyResolver expands POIs to their covering county set.
type CountyResolver interface {
	CountiesOfPOIs(ctx context.Context, pois []model.POI, depth int) ([]string, error)
}

// IsochroneGenerator produces travel-time polygons.
type IsochroneGenerator interface {
	Generate(ctx context.Context, pois []model.POI) ([]model.Isochrone, error)
	DownloadCount() int
}

// Pipeline runs the seven-step orchestration.
type Pipeline struct {
	deps Deps
}

// New creates a Pipeline over the given dependency set.
func New(deps Deps) *Pipeline {
	if deps.Tracker == nil {
		deps.Tracker = tracker.New()
	}
	if deps.Rand == nil {
		deps.Rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	if deps.OutputDir == "" {
		deps.OutputDir = "output"
	}
	return &Pipeline{deps: deps}
}

// ForRun returns a pipeline sharing p's clients but with its own tracker,
// RNG, and output subdirectory. Concurrent runs must not share those: Reset
// on a shared tracker would wipe another run's records, and rand.Rand is not
// safe for concurrent use.
func (p *Pipeline) ForRun(id string) *Pipeline {
	deps := p.deps
	deps.Tracker = tracker.New()
	deps.Rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	deps.OutputDir = filepath.Join(p.deps.OutputDir, id)
	return &Pipeline{deps: deps}
}

// Run executes a request end to end. Fatal conditions (no valid POIs, no
// isochrones, no intersecting units) abort with a typed error; per-item
// rejections accumulate in the tracker and surface in the result.
func (p *Pipeline) Run(ctx context.Context, req Request) (*ResultBundle, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	p.deps.Tracker.Reset()
	runID := uuid.NewString()[:8]

	log := zap.L().With(zap.String("run_id", runID))
	log.Info("pipeline: starting run",
		zap.Int("travel_time", req.TravelTimeMinutes),
		zap.String("level", string(req.GeographicLevel)),
	)

	// Step 1: environment.
	csvDir := filepath.Join(p.deps.OutputDir, "csv")
	isoDir := filepath.Join(p.deps.OutputDir, "isochrones")
	for _, dir := range []string{csvDir, isoDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errs.Wrap(errs.KindConfiguration, "setup", err, "create output dir")
		}
	}

	// Normalize variables up front so bad names fail before network I/O.
	varCodes := make([]string, 0, len(req.CensusVariables))
	for _, v := range req.CensusVariables {
		code, err := p.deps.Variables.Normalize(v)
		if err != nil {
			return nil, errs.Wrap(errs.KindConfiguration, "setup", err, "census variable")
		}
		varCodes = append(varCodes, code)
	}

	// Step 2: extract POIs.
	batch, err := p.extractPOIs(ctx, &req)
	if err != nil {
		return nil, err
	}
	batch = poi.Sample(batch, req.MaxPOICount, p.deps.Rand)
	log.Info("pipeline: pois ready",
		zap.Int("count", len(batch.POIs)), zap.Bool("sampled", batch.Metadata.Sampled))

	// Step 3: isochrones.
	gen := p.deps.Isochrones(req.TravelTimeMinutes, req.TravelMode, p.deps.Tracker)
	isochrones, err := gen.Generate(ctx, batch.POIs)
	if err != nil {
		return nil, err
	}

	// Step 4: candidate units.
	counties, err := p.deps.Counties.CountiesOfPOIs(ctx, batch.POIs, 0)
	if err != nil {
		return nil, err
	}
	units, err := p.fetchUnits(ctx, req.GeographicLevel, counties)
	if err != nil {
		return nil, err
	}
	units = spatial.FilterUnits(units, isochrones, p.deps.Tracker)
	if len(units) == 0 {
		return nil, errs.New(errs.KindNoDataFound, "intersection", "no geographic units intersect the isochrones").
			WithSuggestions("increase travel_time", "try a coarser geographic level")
	}
	log.Info("pipeline: candidate units", zap.Int("count", len(units)))

	// Step 5: distances.
	enriched, err := spatial.Enrich(ctx, units, batch.POIs, isochrones, spatial.DistanceOptions{})
	if err != nil {
		return nil, err
	}

	// Step 6: census data.
	if err := p.mergeCensusData(ctx, req.GeographicLevel, units, enriched, varCodes); err != nil {
		return nil, err
	}

	// Step 7: report.
	files := make(map[string]string)

	varNames := make([]string, 0, len(varCodes))
	for _, code := range varCodes {
		varNames = append(varNames, p.deps.Variables.Readable(code))
	}
	sort.Strings(varNames)

	csvPath := filepath.Join(csvDir, fmt.Sprintf("socialmapper-%s.csv", runID))
	if err := writeEnrichedCSV(csvPath, enriched, varNames); err != nil {
		return nil, err
	}
	files["csv"] = csvPath

	geojsonPath := filepath.Join(isoDir, fmt.Sprintf("isochrones-%s.geojson", runID))
	if err := writeIsochroneGeoJSON(geojsonPath, isochrones); err != nil {
		return nil, err
	}
	files["isochrones"] = geojsonPath

	reportPrefix := fmt.Sprintf("%s_%dmin", req.sourceBasename(), req.TravelTimeMinutes)
	if reportFiles, err := p.deps.Tracker.WriteReport(p.deps.OutputDir, reportPrefix); err != nil {
		log.Warn("pipeline: invalid-data report failed", zap.Error(err))
	} else if len(reportFiles) > 0 {
		files["invalid_data"] = reportFiles[0]
	}

	bundle := &ResultBundle{
		RunID:          runID,
		POICount:       len(batch.POIs),
		UnitsAnalyzed:  len(enriched),
		FilesGenerated: files,
		Metadata: RunMetadata{
			TravelTime:       req.TravelTimeMinutes,
			Sampled:          batch.Metadata.Sampled,
			OriginalCount:    batch.Metadata.OriginalCount,
			NetworkDownloads: gen.DownloadCount(),
		},
	}
	bundle.Metadata.CenterLat, bundle.Metadata.CenterLon = poiCenter(batch.POIs)
	if p.deps.Tracker.HasRecords() {
		bundle.InvalidSummary = p.deps.Tracker.Summary()
	}

	log.Info("pipeline: run complete",
		zap.Int("pois", bundle.POICount),
		zap.Int("units", bundle.UnitsAnalyzed),
		zap.Int("downloads", bundle.Metadata.NetworkDownloads),
	)
	return bundle, nil
}

func (p *Pipeline) extractPOIs(ctx context.Context, req *Request) (*model.POIBatch, error) {
	var src poi.Source
	switch {
	case req.OSM != nil:
		src = poi.NewOSMSource(*req.OSM, p.deps.Transport, p.deps.Tracker)
	case req.CustomFile != "":
		src = poi.NewCustomSource(req.CustomFile, p.deps.Tracker)
	default:
		src = poi.NewAddressSource(req.AddressFile, p.deps.Geocoder, req.MinGeocodeQuality, p.deps.Tracker)
	}
	return src.Produce(ctx)
}

// fetchUnits loads boundaries for every state covering the county set.
func (p *Pipeline) fetchUnits(ctx context.Context, level model.GeographyLevel, counties []string) ([]model.GeographicUnit, error) {
	states := make(map[string]struct{})
	for _, c := range counties {
		if len(c) >= 2 {
			states[c[:2]] = struct{}{}
		}
	}
	ordered := make([]string, 0, len(states))
	for s := range states {
		ordered = append(ordered, s)
	}
	sort.Strings(ordered)

	countySet := make(map[string]struct{}, len(counties))
	for _, c := range counties {
		countySet[c] = struct{}{}
	}

	var units []model.GeographicUnit
	for _, state := range ordered {
		stateUnits, err := p.deps.Boundaries.Units(ctx, level, state)
		if err != nil {
			return nil, err
		}
		for _, u := range stateUnits {
			// Trim to the candidate counties where the GEOID allows it;
			// ZCTAs have no county prefix and pass through.
			if level == model.LevelBlockGroup || level == model.LevelTract || level == model.LevelCounty {
				if len(u.GEOID) >= 5 {
					if _, ok := countySet[u.GEOID[:5]]; !ok {
						continue
					}
				}
			}
			units = append(units, u)
		}
	}
	return units, nil
}

// mergeCensusData fetches the ACS values for the enriched units and keys
// them by human-readable variable name.
func (p *Pipeline) mergeCensusData(ctx context.Context, level model.GeographyLevel, units []model.GeographicUnit, enriched []model.EnrichedUnit, varCodes []string) error {
	geoids := make([]string, 0, len(units))
	for i := range units {
		geoids = append(geoids, units[i].GEOID)
	}

	points, err := p.deps.Census.Fetch(ctx, level, geoids, varCodes)
	if err != nil {
		return err
	}
	if len(points) == 0 {
		return errs.New(errs.KindNoDataFound, "census-data", "no census rows for candidate units")
	}

	values := make(map[string]map[string]*float64, len(geoids))
	for _, pt := range points {
		if values[pt.GEOID] == nil {
			values[pt.GEOID] = make(map[string]*float64, len(varCodes))
		}
		values[pt.GEOID][p.deps.Variables.Readable(pt.VariableCode)] = pt.Value
	}

	for i := range enriched {
		enriched[i].CensusValues = values[enriched[i].GEOID]
	}
	return nil
}

func poiCenter(pois []model.POI) (lat, lon float64) {
	if len(pois) == 0 {
		return 0, 0
	}
	for i := range pois {
		lat += pois[i].Lat
		lon += pois[i].Lon
	}
	return lat / float64(len(pois)), lon / float64(len(pois))
}
