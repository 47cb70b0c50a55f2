// Package model defines the value types that flow through the pipeline.
package model

import (
	"math"

	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom"
)

// POI is a point of interest, the pipeline's unit of input.
type POI struct {
	ID   string            `json:"id"`
	Name string            `json:"name,omitempty"`
	Lat  float64           `json:"lat"`
	Lon  float64           `json:"lon"`
	Type string            `json:"type,omitempty"`
	Tags map[string]string `json:"tags,omitempty"`
}

// Validate checks the coordinate invariants: present, finite, in range.
func (p *POI) Validate() error {
	if math.IsNaN(p.Lat) || math.IsInf(p.Lat, 0) || math.IsNaN(p.Lon) || math.IsInf(p.Lon, 0) {
		return eris.Errorf("poi %q: non-finite coordinates", p.ID)
	}
	if p.Lat < -90 || p.Lat > 90 {
		return eris.Errorf("poi %q: latitude %v out of range", p.ID, p.Lat)
	}
	if p.Lon < -180 || p.Lon > 180 {
		return eris.Errorf("poi %q: longitude %v out of range", p.ID, p.Lon)
	}
	return nil
}

// BatchMetadata records provenance of a POI batch.
type BatchMetadata struct {
	States        []string `json:"states,omitempty"`
	OriginalCount int      `json:"original_count,omitempty"`
	Sampled       bool     `json:"sampled,omitempty"`
}

// POIBatch is a set of POIs plus batch-level metadata.
type POIBatch struct {
	POIs     []POI         `json:"pois"`
	Metadata BatchMetadata `json:"metadata"`
}

// Isochrone is the travel-time reachable polygon for one POI.
type Isochrone struct {
	POIID             string        `json:"poi_id"`
	POIName           string        `json:"poi_name,omitempty"`
	TravelTimeMinutes int           `json:"travel_time_minutes"`
	Polygon           *geom.Polygon `json:"-"`
	AvgTravelSpeedKmh float64       `json:"avg_travel_speed_kmh,omitempty"`
	AvgTravelSpeedMph float64       `json:"avg_travel_speed_mph,omitempty"`
}

// Degenerate reports whether the isochrone has no usable polygon.
func (i *Isochrone) Degenerate() bool {
	return i.Polygon == nil || i.Polygon.NumCoords() < 3
}

// GeographyLevel identifies a census geography level.
type GeographyLevel string

// Geography levels, with their canonical GEOID widths.
const (
	LevelState      GeographyLevel = "state"       // 2 digits
	LevelCounty     GeographyLevel = "county"      // 5 digits
	LevelTract      GeographyLevel = "tract"       // 11 digits
	LevelBlockGroup GeographyLevel = "block-group" // 12 digits
	LevelZCTA       GeographyLevel = "zcta"        // 5 digits
)

// GeoIDWidth returns the canonical zero-padded GEOID length for the level,
// or 0 for unknown levels.
func GeoIDWidth(level GeographyLevel) int {
	switch level {
	case LevelState:
		return 2
	case LevelCounty, LevelZCTA:
		return 5
	case LevelTract:
		return 11
	case LevelBlockGroup:
		return 12
	default:
		return 0
	}
}

// GeographicUnit is one census areal unit with its boundary polygon.
type GeographicUnit struct {
	GEOID          string         `json:"geoid"`
	Level          GeographyLevel `json:"level"`
	Name           string         `json:"name,omitempty"`
	StateFIPS      string         `json:"state_fips,omitempty"`
	CountyFIPS     string         `json:"county_fips,omitempty"`
	TractCode      string         `json:"tract_code,omitempty"`
	BlockGroupCode string         `json:"block_group_code,omitempty"`
	Geometry       *geom.Polygon  `json:"-"`
}

// CensusDataPoint is one (geography, variable) observation. A nil Value
// encodes the Census sentinel -999999999 or a missing cell.
type CensusDataPoint struct {
	GEOID        string   `json:"geoid"`
	VariableCode string   `json:"variable_code"`
	Value        *float64 `json:"value"`
	Year         int      `json:"year"`
	Dataset      string   `json:"dataset"`
}

// NeighborRelationship is one directed adjacency edge. Edges are stored
// symmetrically: inserting (a,b) also inserts (b,a).
type NeighborRelationship struct {
	SourceGEOID          string  `json:"source_geoid"`
	NeighborGEOID        string  `json:"neighbor_geoid"`
	Kind                 string  `json:"kind"`
	SharedBoundaryLength float64 `json:"shared_boundary_length,omitempty"`
}

// GeocodeResult is the geographic context resolved for a point or address.
// Any field may be empty; callers treat the result as best effort.
type GeocodeResult struct {
	Lat             float64 `json:"lat"`
	Lon             float64 `json:"lon"`
	StateFIPS       string  `json:"state_fips,omitempty"`
	CountyFIPS      string  `json:"county_fips,omitempty"`
	TractGEOID      string  `json:"tract_geoid,omitempty"`
	BlockGroupGEOID string  `json:"block_group_geoid,omitempty"`
	ZCTAGEOID       string  `json:"zcta_geoid,omitempty"`
	Confidence      string  `json:"confidence,omitempty"`
	Source          string  `json:"source,omitempty"`
}

// TravelMode selects the road-network subset for isochrones.
type TravelMode string

// Supported travel modes.
const (
	ModeWalk  TravelMode = "walk"
	ModeBike  TravelMode = "bike"
	ModeDrive TravelMode = "drive"
)

/// EnrichedUnit is one output row: a geographic unit intersecting the
// isochrone layer, annotated with its nearest POI, distances, and census
// values keyed by human-readable variable name.
type EnrichedUnit struct {
	GEOID             string             `json:"geoid"`
	POIID             string             `json:"poi_id"`
	POIName           string             `json:"poi_name"`
	TravelTimeMinutes int                `json:"travel_time_minutes"`
	AvgTravelSpeedKmh float64            `json:"avg_travel_speed_kmh"`
	AvgTravelSpeedMph float64            `json:"avg_travel_speed_mph"`
	DistanceKm        float64            `json:"travel_distance_km"`
	DistanceMiles     float64            `json:"travel_distance_miles"`
	CentroidLat       float64            `json:"centroid_lat"`
	CentroidLon       float64            `json:"centroid_lon"`
	CensusValues      map[string]*float64 `json:"census_values,omitempty"`
}
