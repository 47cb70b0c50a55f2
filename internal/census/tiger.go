package census

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/geojson"
	"go.uber.org/zap"

	"github.com/mihiarc/socialmapper/internal/cache"
	"github.com/mihiarc/socialmapper/internal/errs"
	"github.com/mihiarc/socialmapper/internal/geometry"
	"github.com/mihiarc/socialmapper/internal/model"
)

// TIGERweb MapServer layers.
const (
	tigerTractsURL      = "https://tigerweb.geo.census.gov/arcgis/rest/services/TIGERweb/Tracts_Blocks/MapServer/0/query"
	tigerBlockGroupsURL = "https://tigerweb.geo.census.gov/arcgis/rest/services/TIGERweb/Tracts_Blocks/MapServer/1/query"
	tigerCountiesURL    = "https://tigerweb.geo.census.gov/arcgis/rest/services/TIGERweb/State_County/MapServer/1/query"
	tigerZCTAsURL       = "https://tigerweb.geo.census.gov/arcgis/rest/services/TIGERweb/PUMA_TAD_TAZ_UGA_ZCTA/MapServer/7/query"

	boundaryCacheTTL = 24 * time.Hour
)

// Fetcher is the transport contract shared by the census clients.
type Fetcher interface {
	Get(ctx context.Context, rawURL string) ([]byte, error)
}

// BoundaryFetcher retrieves geographic-unit polygons from TIGERweb.
type BoundaryFetcher struct {
	fetcher Fetcher
	cache   cache.Provider
	year    int
}

// NewBoundaryFetcher creates a BoundaryFetcher. The year participates only
// in cache keys; TIGERweb always serves the current vintage.
func NewBoundaryFetcher(f Fetcher, c cache.Provider, year int) *BoundaryFetcher {
	if c == nil {
		c = cache.Noop{}
	}
	return &BoundaryFetcher{fetcher: f, cache: c, year: year}
}

// Units fetches the boundaries of the given level for one state.
func (b *BoundaryFetcher) Units(ctx context.Context, level model.GeographyLevel, stateFIPS string) ([]model.GeographicUnit, error) {
	switch level {
	case model.LevelBlockGroup:
		return b.BlockGroups(ctx, stateFIPS)
	case model.LevelTract:
		return b.Tracts(ctx, stateFIPS)
	case model.LevelCounty:
		return b.Counties(ctx, stateFIPS)
	case model.LevelZCTA:
		return b.ZCTAs(ctx, stateFIPS)
	default:
		return nil, errs.Newf(errs.KindConfiguration, "boundaries", "unsupported geography level %q", level)
	}
}

// BlockGroups fetches all block-group polygons for a state.
func (b *BoundaryFetcher) BlockGroups(ctx context.Context, stateFIPS string) ([]model.GeographicUnit, error) {
	body, err := b.query(ctx, tigerBlockGroupsURL, fmt.Sprintf("STATE='%s'", stateFIPS), model.LevelBlockGroup, stateFIPS)
	if err != nil {
		return nil, err
	}
	return parseUnits(body, model.LevelBlockGroup)
}

// Tracts fetches all census-tract polygons for a state.
func (b *BoundaryFetcher) Tracts(ctx context.Context, stateFIPS string) ([]model.GeographicUnit, error) {
	body, err := b.query(ctx, tigerTractsURL, fmt.Sprintf("STATE='%s'", stateFIPS), model.LevelTract, stateFIPS)
	if err != nil {
		return nil, err
	}
	return parseUnits(body, model.LevelTract)
}

// Counties fetches all county polygons for a state.
func (b *BoundaryFetcher) Counties(ctx context.Context, stateFIPS string) ([]model.GeographicUnit, error) {
	body, err := b.query(ctx, tigerCountiesURL, fmt.Sprintf("STATE='%s'", stateFIPS), model.LevelCounty, stateFIPS)
	if err != nil {
		return nil, err
	}
	return parseUnits(body, model.LevelCounty)
}

// ZCTAs fetches ZCTA polygons and filters them by GEOID prefix equal to the
// state FIPS. ZCTAs may cross state lines, so this is a documented
// superset: border ZCTAs from neighboring states can be included.
func (b *BoundaryFetcher) ZCTAs(ctx context.Context, stateFIPS string) ([]model.GeographicUnit, error) {
	body, err := b.query(ctx, tigerZCTAsURL, "1=1", model.LevelZCTA, stateFIPS)
	if err != nil {
		return nil, err
	}
	units, err := parseUnits(body, model.LevelZCTA)
	if err != nil {
		return nil, err
	}

	filtered := units[:0]
	for _, u := range units {
		if strings.HasPrefix(u.GEOID, stateFIPS) {
			u.StateFIPS = stateFIPS
			filtered = append(filtered, u)
		}
	}
	return filtered, nil
}

func (b *BoundaryFetcher) query(ctx context.Context, base, where string, level model.GeographyLevel, stateFIPS string) ([]byte, error) {
	key := cache.Key(map[string]any{
		"op":    "tiger",
		"level": string(level),
		"state": stateFIPS,
		"year":  b.year,
	})
	if entry, ok := b.cache.Get(key); ok {
		return entry.Value, nil
	}

	params := url.Values{
		"where":          {where},
		"outFields":      {"*"},
		"outSR":          {"4326"},
		"f":              {"geojson"},
		"returnGeometry": {"true"},
	}
	body, err := b.fetcher.Get(ctx, base+"?"+params.Encode())
	if err != nil {
		return nil, eris.Wrapf(err, "census: tiger query %s state=%s", level, stateFIPS)
	}

	b.cache.Set(key, body, boundaryCacheTTL)
	return body, nil
}

// parseUnits decodes a TIGERweb geojson FeatureCollection into units with
// standardized attribute names. Features whose geometry cannot be repaired
// are dropped with a log entry.
func parseUnits(body []byte, level model.GeographyLevel) ([]model.GeographicUnit, error) {
	var fc geojson.FeatureCollection
	if err := json.Unmarshal(body, &fc); err != nil {
		return nil, errs.Wrap(errs.KindDataProcessing, "boundaries", err, "parse tiger geojson")
	}

	units := make([]model.GeographicUnit, 0, len(fc.Features))
	var dropped int
	for _, feat := range fc.Features {
		poly := largestPolygon(feat.Geometry)
		if poly != nil && !geometry.Valid(poly) {
			poly = geometry.Repair(poly)
		}
		if poly == nil {
			dropped++
			continue
		}

		props := stringProps(feat.Properties)
		unit := model.GeographicUnit{
			Level:          level,
			GEOID:          props["GEOID"],
			Name:           firstOf(props, "NAME", "BASENAME"),
			StateFIPS:      firstOf(props, "STATE", "STATEFP"),
			CountyFIPS:     firstOf(props, "COUNTY", "COUNTYFP"),
			TractCode:      props["TRACT"],
			BlockGroupCode: props["BLKGRP"],
			Geometry:       poly,
		}
		if unit.GEOID == "" {
			unit.GEOID = firstOf(props, "ZCTA5", "ZCTA5CE")
		}
		if unit.GEOID == "" {
			dropped++
			continue
		}
		if width := model.GeoIDWidth(level); width > 0 && len(unit.GEOID) < width {
			unit.GEOID = strings.Repeat("0", width-len(unit.GEOID)) + unit.GEOID
		}
		units = append(units, unit)
	}

	if dropped > 0 {
		zap.L().Debug("census: dropped unusable boundary features",
			zap.String("level", string(level)),
			zap.Int("dropped", dropped),
		)
	}
	return units, nil
}

// largestPolygon extracts the dominant polygon from a feature geometry.
// MultiPolygons keep their largest member; other types yield nil.
func largestPolygon(g geom.T) *geom.Polygon {
	switch t := g.(type) {
	case *geom.Polygon:
		return t
	case *geom.MultiPolygon:
		var best *geom.Polygon
		bestArea := 0.0
		for i := 0; i < t.NumPolygons(); i++ {
			p := t.Polygon(i)
			if a := p.Area(); best == nil || a > bestArea {
				best, bestArea = p, a
			}
		}
		return best
	default:
		return nil
	}
}

func stringProps(props map[string]any) map[string]string {
	out := make(map[string]string, len(props))
	for k, v := range props {
		switch val := v.(type) {
		case string:
			out[strings.ToUpper(k)] = val
		case float64:
			out[strings.ToUpper(k)] = strings.TrimSuffix(fmt.Sprintf("%v", val), ".0")
		}
	}
	return out
}

func firstOf(props map[string]string, keys ...string) string {
	for _, k := range keys {
		if v := props[k]; v != "" {
			return v
		}
	}
	return ""
}
