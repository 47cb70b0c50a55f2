// Package geocode resolves points and addresses to census geographies via
// the Census Bureau geocoding service.
package geocode

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/mihiarc/socialmapper/internal/cache"
)

const (
	coordinatesURL    = "https://geocoding.geo.census.gov/geocoder/geographies/coordinates"
	onelineAddressURL = "https://geocoding.geo.census.gov/geocoder/geographies/onelineaddress"
	censusBenchmark   = "Public_AR_Current"
	censusVintage     = "Current_Current"
)

// Result is the geographic context resolved for a point or address. Any
// field may be empty; callers treat results as best effort.
type Result struct {
	Lat             float64 `json:"lat"`
	Lon             float64 `json:"lon"`
	StateFIPS       string  `json:"state_fips,omitempty"`
	CountyFIPS      string  `json:"county_fips,omitempty"`
	TractGEOID      string  `json:"tract_geoid,omitempty"`
	BlockGroupGEOID string  `json:"block_group_geoid,omitempty"`
	ZCTAGEOID       string  `json:"zcta_geoid,omitempty"`
	Confidence      string  `json:"confidence,omitempty"`
	Source          string  `json:"source,omitempty"`
	Matched         bool    `json:"matched"`
}

// Fetcher is the transport contract; satisfied by the core HTTP client so
// geocoding shares its rate limits and retries.
type Fetcher interface {
	Get(ctx context.Context, rawURL string) ([]byte, error)
}

// Client resolves geographies for points and addresses.
type Client interface {
	// GeocodePoint resolves the census geographies containing (lat, lon).
	GeocodePoint(ctx context.Context, lat, lon float64) (*Result, error)
	// GeocodeAddress resolves a one-line address to coordinates and
	// geographies.
	GeocodeAddress(ctx context.Context, address string) (*Result, error)
}

// Option configures the geocoder.
type Option func(*geocoder)

// WithCache stores results in the given provider. Point results never
// expire; address results use addressTTL.
func WithCache(c cache.Provider, addressTTL time.Duration) Option {
	return func(g *geocoder) {
		g.cache = c
		g.addressTTL = addressTTL
	}
}

type geocoder struct {
	fetcher    Fetcher
	cache      cache.Provider
	addressTTL time.Duration
}

// NewClient creates a geocoding Client over the given transport.
func NewClient(f Fetcher, opts ...Option) Client {
	g := &geocoder{
		fetcher: f,
		cache:   cache.Noop{},
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// censusGeographiesResponse is the shared response envelope of the
// geographies endpoints.
type censusGeographiesResponse struct {
	Result struct {
		Geographies    map[string][]geographyAttrs `json:"geographies"`
		AddressMatches []struct {
			Coordinates struct {
				X float64 `json:"x"` // longitude
				Y float64 `json:"y"` // latitude
			} `json:"coordinates"`
			MatchedAddress string                      `json:"matchedAddress"`
			Geographies    map[string][]geographyAttrs `json:"geographies"`
		} `json:"addressMatches"`
	} `json:"result"`
}

type geographyAttrs struct {
	GEOID   string `json:"GEOID"`
	State   string `json:"STATE"`
	County  string `json:"COUNTY"`
	Tract   string `json:"TRACT"`
	BlkGrp  string `json:"BLKGRP"`
	Name    string `json:"NAME"`
	ZCTA5CE string `json:"ZCTA5CE"`
}

// GeocodePoint implements Client. Network failures propagate; malformed
// payloads are logged and produce a null-field result so callers can
// continue.
func (g *geocoder) GeocodePoint(ctx context.Context, lat, lon float64) (*Result, error) {
	key := cache.Key(map[string]any{"op": "point", "lat": lat, "lon": lon})
	if entry, ok := g.cache.Get(key); ok {
		var r Result
		if err := json.Unmarshal(entry.Value, &r); err == nil {
			return &r, nil
		}
	}

	params := url.Values{
		"x":         {fmt.Sprintf("%v", lon)},
		"y":         {fmt.Sprintf("%v", lat)},
		"benchmark": {censusBenchmark},
		"vintage":   {censusVintage},
		"format":    {"json"},
	}
	body, err := g.fetcher.Get(ctx, coordinatesURL+"?"+params.Encode())
	if err != nil {
		return nil, eris.Wrap(err, "geocode: coordinates request")
	}

	result := &Result{Lat: lat, Lon: lon, Source: "census", Matched: true}
	var resp censusGeographiesResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		zap.L().Warn("geocode: malformed coordinates response",
			zap.Float64("lat", lat), zap.Float64("lon", lon), zap.Error(err))
		result.Matched = false
		return result, nil
	}
	fillGeographies(result, resp.Result.Geographies)

	if data, marshalErr := json.Marshal(result); marshalErr == nil {
		g.cache.Set(key, data, 0)
	}
	return result, nil
}

// GeocodeAddress implements Client.
func (g *geocoder) GeocodeAddress(ctx context.Context, address string) (*Result, error) {
	key := cache.Key(map[string]any{"op": "address", "q": address})
	if entry, ok := g.cache.Get(key); ok {
		var r Result
		if err := json.Unmarshal(entry.Value, &r); err == nil {
			return &r, nil
		}
	}

	params := url.Values{
		"address":   {address},
		"benchmark": {censusBenchmark},
		"vintage":   {censusVintage},
		"format":    {"json"},
	}
	body, err := g.fetcher.Get(ctx, onelineAddressURL+"?"+params.Encode())
	if err != nil {
		return nil, eris.Wrap(err, "geocode: oneline address request")
	}

	var resp censusGeographiesResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		zap.L().Warn("geocode: malformed address response",
			zap.String("address", address), zap.Error(err))
		return &Result{Source: "census", Matched: false}, nil
	}

	if len(resp.Result.AddressMatches) == 0 {
		return &Result{Source: "census", Matched: false}, nil
	}

	match := resp.Result.AddressMatches[0]
	result := &Result{
		Lat:        match.Coordinates.Y,
		Lon:        match.Coordinates.X,
		Source:     "census",
		Confidence: "exact", // one-line matches are rooftop-exact
		Matched:    true,
	}
	fillGeographies(result, match.Geographies)

	if data, marshalErr := json.Marshal(result); marshalErr == nil {
		g.cache.Set(key, data, g.addressTTL)
	}
	return result, nil
}

// fillGeographies extracts the GEOID components from the named geography
// blocks. Missing blocks leave fields empty.
func fillGeographies(r *Result, geos map[string][]geographyAttrs) {
	if counties, ok := geos["Counties"]; ok && len(counties) > 0 {
		r.StateFIPS = counties[0].State
		r.CountyFIPS = counties[0].County
	}
	if tracts, ok := geos["Census Tracts"]; ok && len(tracts) > 0 {
		r.TractGEOID = tracts[0].GEOID
		if r.StateFIPS == "" {
			r.StateFIPS = tracts[0].State
		}
		if r.CountyFIPS == "" {
			r.CountyFIPS = tracts[0].County
		}
	}
	if bgs, ok := geos["Census Block Groups"]; ok && len(bgs) > 0 {
		r.BlockGroupGEOID = bgs[0].GEOID
	}
	for _, block := range []string{"2020 Census ZIP Code Tabulation Areas", "Zip Code Tabulation Areas"} {
		if zctas, ok := geos[block]; ok && len(zctas) > 0 {
			r.ZCTAGEOID = zctas[0].GEOID
			if r.ZCTAGEOID == "" {
				r.ZCTAGEOID = zctas[0].ZCTA5CE
			}
			break
		}
	}
}
