// Package neighbors maintains state and county adjacency and resolves
// points to their containing census geographies.
package neighbors

import (
	"context"
	"sort"
	"sync"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/mihiarc/socialmapper/internal/errs"
	"github.com/mihiarc/socialmapper/internal/geometry"
	"github.com/mihiarc/socialmapper/internal/model"
	"github.com/mihiarc/socialmapper/pkg/geocode"
)

// Edge kinds stored in the repository.
const (
	KindWithinState = "within-state"
	KindCrossState  = "cross-state"
)

// Boundaries supplies county polygons for adjacency computation.
type Boundaries interface {
	Counties(ctx context.Context, stateFIPS string) ([]model.GeographicUnit, error)
}

// Service answers adjacency and point-geography queries, building county
// adjacency lazily one state at a time.
type Service struct {
	repo       Repository
	boundaries Boundaries
	geocoder   geocode.Client

	mu       sync.Mutex // serializes per-state builds
	building map[string]bool
}

// NewService creates a Service over the given repository, boundary source,
// and geocoder.
func NewService(repo Repository, boundaries Boundaries, geocoder geocode.Client) *Service {
	return &Service{
		repo:       repo,
		boundaries: boundaries,
		geocoder:   geocoder,
		building:   make(map[string]bool),
	}
}

// CountyNeighbors returns the GEOIDs of counties adjacent to countyGEOID,
// building the state's adjacency on first use. Cross-state edges are
// included only when includeCrossState is set.
func (s *Service) CountyNeighbors(ctx context.Context, countyGEOID string, includeCrossState bool) ([]string, error) {
	if len(countyGEOID) != 5 {
		return nil, errs.Newf(errs.KindInvalidLocation, "neighbors", "malformed county geoid %q", countyGEOID)
	}
	if err := s.ensureState(ctx, countyGEOID[:2]); err != nil {
		return nil, err
	}

	rels, err := s.repo.CountyNeighbors(ctx, countyGEOID)
	if err != nil {
		return nil, err
	}

	out := make([]string, 0, len(rels))
	for _, r := range rels {
		if !includeCrossState && r.Kind == KindCrossState {
			continue
		}
		out = append(out, r.NeighborGEOID)
	}
	sort.Strings(out)
	return out, nil
}

// GeographyOfPoint resolves the census geographies containing a coordinate,
// consulting the repository cache before the geocoder.
func (s *Service) GeographyOfPoint(ctx context.Context, lat, lon float64) (*model.GeocodeResult, error) {
	if cached, ok, err := s.repo.PointGeography(ctx, lat, lon); err != nil {
		return nil, err
	} else if ok {
		return cached, nil
	}

	geo, err := s.geocoder.GeocodePoint(ctx, lat, lon)
	if err != nil {
		return nil, err
	}

	res := &model.GeocodeResult{
		Lat:             geo.Lat,
		Lon:             geo.Lon,
		StateFIPS:       geo.StateFIPS,
		CountyFIPS:      geo.CountyFIPS,
		TractGEOID:      geo.TractGEOID,
		BlockGroupGEOID: geo.BlockGroupGEOID,
		ZCTAGEOID:       geo.ZCTAGEOID,
		Confidence:      geo.Confidence,
		Source:          geo.Source,
	}
	if err := s.repo.SavePointGeography(ctx, lat, lon, res); err != nil {
		zap.L().Warn("neighbors: point geography cache write failed", zap.Error(err))
	}
	return res, nil
}

// CountiesOfPOIs resolves each POI to its county and expands the set via
// breadth-first search over county adjacency to the given depth. Depth 0
// returns only the source counties; the result always includes them.
// POIs that fail to geocode are skipped with a log entry.
func (s *Service) CountiesOfPOIs(ctx context.Context, pois []model.POI, depth int) ([]string, error) {
	seeds := make(map[string]struct{})
	for i := range pois {
		geo, err := s.GeographyOfPoint(ctx, pois[i].Lat, pois[i].Lon)
		if err != nil {
			zap.L().Warn("neighbors: poi geocode failed",
				zap.String("poi", pois[i].ID), zap.Error(err))
			continue
		}
		if geo.StateFIPS == "" || geo.CountyFIPS == "" {
			zap.L().Debug("neighbors: poi resolved to no county", zap.String("poi", pois[i].ID))
			continue
		}
		seeds[geo.StateFIPS+geo.CountyFIPS] = struct{}{}
	}
	if len(seeds) == 0 {
		return nil, errs.New(errs.KindNoDataFound, "neighbors", "no poi resolved to a county")
	}

	visited := make(map[string]struct{}, len(seeds))
	frontier := make([]string, 0, len(seeds))
	for g := range seeds {
		visited[g] = struct{}{}
		frontier = append(frontier, g)
	}

	for d := 0; d < depth && len(frontier) > 0; d++ {
		var next []string
		for _, g := range frontier {
			nbrs, err := s.CountyNeighbors(ctx, g, true)
			if err != nil {
				zap.L().Warn("neighbors: expansion failed", zap.String("county", g), zap.Error(err))
				continue
			}
			for _, n := range nbrs {
				if _, seen := visited[n]; !seen {
					visited[n] = struct{}{}
					next = append(next, n)
				}
			}
		}
		frontier = next
	}

	out := make([]string, 0, len(visited))
	for g := range visited {
		out = append(out, g)
	}
	sort.Strings(out)
	return out, nil
}

// BuildState computes and persists county adjacency for a state ahead of
// time, so later lookups are repository hits.
func (s *Service) BuildState(ctx context.Context, stateFIPS string) error {
	return s.ensureState(ctx, stateFIPS)
}

// ensureState builds and persists county adjacency for a state if the
// repository does not have it yet.
func (s *Service) ensureState(ctx context.Context, stateFIPS string) error {
	if !KnownState(stateFIPS) {
		return errs.Newf(errs.KindInvalidLocation, "neighbors", "unknown state fips %q", stateFIPS)
	}

	// One build at a time; concurrent callers for the same state wait and
	// then see the repository as built.
	s.mu.Lock()
	defer s.mu.Unlock()

	built, err := s.repo.HasCountyNeighbors(ctx, stateFIPS)
	if err != nil || built {
		return err
	}

	zap.L().Info("neighbors: building county adjacency", zap.String("state", stateFIPS))
	rels, err := s.buildState(ctx, stateFIPS)
	if err != nil {
		return err
	}
	return s.repo.SaveCountyNeighbors(ctx, stateFIPS, rels)
}

// buildState computes adjacency for every county of stateFIPS against the
// counties of the state itself and all bordering states. Each adjacency is
// emitted in both directions.
func (s *Service) buildState(ctx context.Context, stateFIPS string) ([]model.NeighborRelationship, error) {
	home, err := s.boundaries.Counties(ctx, stateFIPS)
	if err != nil {
		return nil, eris.Wrapf(err, "neighbors: counties of %s", stateFIPS)
	}
	if len(home) == 0 {
		return nil, errs.Newf(errs.KindNoDataFound, "neighbors", "no county boundaries for state %s", stateFIPS)
	}

	candidates := append([]model.GeographicUnit(nil), home...)
	for _, nbrState := range StateNeighbors(stateFIPS) {
		units, err := s.boundaries.Counties(ctx, nbrState)
		if err != nil {
			// Cross-state edges degrade gracefully; within-state adjacency
			// still gets built.
			zap.L().Warn("neighbors: neighbor-state counties unavailable",
				zap.String("state", nbrState), zap.Error(err))
			continue
		}
		candidates = append(candidates, units...)
	}

	var rels []model.NeighborRelationship
	for i := range home {
		a := &home[i]
		if a.Geometry == nil {
			continue
		}
		for j := range candidates {
			b := &candidates[j]
			if b.GEOID == a.GEOID || b.Geometry == nil {
				continue
			}
			// Within-state pairs appear twice in the scan; emit each edge
			// once from the lexically smaller side.
			sameState := b.StateFIPS == a.StateFIPS
			if sameState && a.GEOID > b.GEOID {
				continue
			}
			if !geometry.PolygonsIntersect(a.Geometry, b.Geometry) {
				continue
			}

			kind := KindWithinState
			if !sameState {
				kind = KindCrossState
			}
			shared := geometry.SharedBoundaryKm(a.Geometry, b.Geometry)
			rels = append(rels,
				model.NeighborRelationship{SourceGEOID: a.GEOID, NeighborGEOID: b.GEOID, Kind: kind, SharedBoundaryLength: shared},
				model.NeighborRelationship{SourceGEOID: b.GEOID, NeighborGEOID: a.GEOID, Kind: kind, SharedBoundaryLength: shared},
			)
		}
	}
	return rels, nil
}
