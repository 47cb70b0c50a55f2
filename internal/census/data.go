package census

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mihiarc/socialmapper/internal/cache"
	"github.com/mihiarc/socialmapper/internal/errs"
	"github.com/mihiarc/socialmapper/internal/model"
)

const (
	censusDataBaseURL = "https://api.census.gov/data"

	// nullSentinel is the Census API's "no data" marker.
	nullSentinel = "-999999999"

	// zctaConcurrency bounds the per-ZCTA subrequest fan-out. The rate
	// limiter still governs the actual wire pace.
	zctaConcurrency = 4
)

// DataFetcher retrieves ACS estimates for sets of geographies.
type DataFetcher struct {
	fetcher Fetcher
	cache   cache.Provider
	apiKey  string
	year    int
	dataset string
	ttl     time.Duration
}

// NewDataFetcher creates a DataFetcher for the given year and dataset
// (e.g. 2023, "acs/acs5").
func NewDataFetcher(f Fetcher, c cache.Provider, apiKey string, year int, dataset string, ttl time.Duration) *DataFetcher {
	if c == nil {
		c = cache.Noop{}
	}
	if dataset == "" {
		dataset = "acs/acs5"
	}
	if ttl == 0 {
		ttl = time.Hour
	}
	return &DataFetcher{fetcher: f, cache: c, apiKey: apiKey, year: year, dataset: dataset, ttl: ttl}
}

// Fetch retrieves the given variables for all geoids, which must share one
// geography level. Subrequest failures yield partial results; the caller
// decides whether partiality is fatal.
func (d *DataFetcher) Fetch(ctx context.Context, level model.GeographyLevel, geoids, variables []string) ([]model.CensusDataPoint, error) {
	if d.apiKey == "" {
		return nil, errs.New(errs.KindMissingAPIKey, "census-data", "census data fetch requires an API key").
			WithSuggestions("set CENSUS_API_KEY", "request a key at https://api.census.gov/data/key_signup.html")
	}
	if len(geoids) == 0 || len(variables) == 0 {
		return nil, nil
	}

	switch level {
	case model.LevelBlockGroup:
		return d.fetchBlockGroups(ctx, geoids, variables)
	case model.LevelZCTA:
		return d.fetchZCTAs(ctx, geoids, variables)
	case model.LevelCounty:
		return d.fetchCounties(ctx, geoids, variables)
	case model.LevelState:
		rows, err := d.request(ctx, variables, "state:"+strings.Join(geoids, ","), "")
		if err != nil {
			return nil, err
		}
		return d.pointsFromRows(rows, variables, geoids), nil
	default:
		return nil, errs.Newf(errs.KindConfiguration, "census-data", "unsupported geography level %q", level)
	}
}

// fetchBlockGroups groups the 12-digit geoids by their (state, county)
// prefix and issues one wildcard request per group.
func (d *DataFetcher) fetchBlockGroups(ctx context.Context, geoids, variables []string) ([]model.CensusDataPoint, error) {
	groups := make(map[string][]string)
	for _, g := range geoids {
		if len(g) != 12 {
			zap.L().Debug("census: skipping malformed block-group geoid", zap.String("geoid", g))
			continue
		}
		groups[g[:5]] = append(groups[g[:5]], g)
	}

	keys := make([]string, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var points []model.CensusDataPoint
	var failures int
	for _, prefix := range keys {
		state, county := prefix[:2], prefix[2:5]
		rows, err := d.request(ctx, variables,
			"block group:*",
			fmt.Sprintf("state:%s county:%s", state, county),
		)
		if err != nil {
			failures++
			zap.L().Warn("census: block-group subrequest failed",
				zap.String("state", state), zap.String("county", county), zap.Error(err))
			continue
		}
		points = append(points, d.pointsFromRows(rows, variables, groups[prefix])...)
	}

	if failures == len(keys) && len(keys) > 0 {
		return nil, errs.Newf(errs.KindExternalService, "census-data",
			"all %d block-group subrequests failed", len(keys))
	}
	return points, nil
}

// fetchZCTAs issues one request per geoid: the ACS API does not accept a
// list-in clause for ZCTAs. Subrequests fan out on a bounded pool.
func (d *DataFetcher) fetchZCTAs(ctx context.Context, geoids, variables []string) ([]model.CensusDataPoint, error) {
	var mu sync.Mutex
	var points []model.CensusDataPoint
	var failures int

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(zctaConcurrency)
	for _, zcta := range geoids {
		g.Go(func() error {
			rows, err := d.request(ctx, variables, "zip code tabulation area:"+zcta, "")
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failures++
				zap.L().Warn("census: zcta subrequest failed", zap.String("zcta", zcta), zap.Error(err))
				return nil // partial results; do not cancel siblings
			}
			points = append(points, d.pointsFromRows(rows, variables, []string{zcta})...)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if failures == len(geoids) && len(geoids) > 0 {
		return nil, errs.Newf(errs.KindExternalService, "census-data",
			"all %d zcta subrequests failed", len(geoids))
	}
	return points, nil
}

func (d *DataFetcher) fetchCounties(ctx context.Context, geoids, variables []string) ([]model.CensusDataPoint, error) {
	byState := make(map[string][]string)
	for _, g := range geoids {
		if len(g) != 5 {
			continue
		}
		byState[g[:2]] = append(byState[g[:2]], g[2:])
	}

	states := make([]string, 0, len(byState))
	for s := range byState {
		states = append(states, s)
	}
	sort.Strings(states)

	var points []model.CensusDataPoint
	for _, state := range states {
		rows, err := d.request(ctx, variables,
			"county:"+strings.Join(byState[state], ","),
			"state:"+state,
		)
		if err != nil {
			zap.L().Warn("census: county subrequest failed", zap.String("state", state), zap.Error(err))
			continue
		}
		points = append(points, d.pointsFromRows(rows, variables, geoids)...)
	}
	return points, nil
}

// request issues one Census Data API call, cached under the canonical
// parameter hash.
func (d *DataFetcher) request(ctx context.Context, variables []string, forClause, inClause string) ([][]string, error) {
	sortedVars := append([]string(nil), variables...)
	sort.Strings(sortedVars)

	key := cache.Key(map[string]any{
		"op":      "acs",
		"year":    d.year,
		"dataset": d.dataset,
		"vars":    strings.Join(sortedVars, ","),
		"for":     forClause,
		"in":      inClause,
	})
	var body []byte
	if entry, ok := d.cache.Get(key); ok {
		body = entry.Value
	} else {
		params := url.Values{
			"get": {strings.Join(variables, ",") + ",NAME"},
			"for": {forClause},
			"key": {d.apiKey},
		}
		if inClause != "" {
			params.Set("in", inClause)
		}
		reqURL := fmt.Sprintf("%s/%d/%s?%s", censusDataBaseURL, d.year, d.dataset, params.Encode())

		var err error
		body, err = d.fetcher.Get(ctx, reqURL)
		if err != nil {
			return nil, err
		}
		d.cache.Set(key, body, d.ttl)
	}

	var raw [][]any
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, errs.Wrap(errs.KindDataProcessing, "census-data", err, "parse acs response")
	}

	rows := make([][]string, len(raw))
	for i, r := range raw {
		cells := make([]string, len(r))
		for j, cell := range r {
			cells[j] = cellString(cell)
		}
		rows[i] = cells
	}
	return rows, nil
}

// pointsFromRows converts a header-first row set into data points,
// reconstructing GEOIDs from geography columns and keeping only the
// requested geoids.
func (d *DataFetcher) pointsFromRows(rows [][]string, variables, wanted []string) []model.CensusDataPoint {
	if len(rows) < 2 {
		return nil
	}

	headers := rows[0]
	colIdx := make(map[string]int, len(headers))
	for i, h := range headers {
		colIdx[h] = i
	}

	wantedSet := make(map[string]struct{}, len(wanted))
	for _, w := range wanted {
		wantedSet[w] = struct{}{}
	}

	var points []model.CensusDataPoint
	for _, row := range rows[1:] {
		geoid := reconstructGEOID(colIdx, row)
		if geoid == "" {
			continue
		}
		if _, ok := wantedSet[geoid]; !ok {
			continue
		}
		for _, v := range variables {
			idx, ok := colIdx[v]
			if !ok || idx >= len(row) {
				continue
			}
			points = append(points, model.CensusDataPoint{
				GEOID:        geoid,
				VariableCode: v,
				Value:        coerceValue(row[idx]),
				Year:         d.year,
				Dataset:      d.dataset,
			})
		}
	}
	return points
}

// reconstructGEOID assembles the canonical GEOID from whichever geography
// columns the response carries.
func reconstructGEOID(colIdx map[string]int, row []string) string {
	get := func(name string) string {
		if i, ok := colIdx[name]; ok && i < len(row) {
			return row[i]
		}
		return ""
	}

	if zcta := get("zip code tabulation area"); zcta != "" {
		return zcta
	}

	state := get("state")
	if state == "" {
		return ""
	}
	county := get("county")
	tract := get("tract")
	bg := get("block group")

	switch {
	case bg != "":
		return state + county + tract + bg
	case tract != "":
		return state + county + tract
	case county != "":
		return state + county
	default:
		return state
	}
}

// coerceValue parses a numeric cell, mapping the null sentinel and empty
// strings to nil.
func coerceValue(s string) *float64 {
	s = strings.TrimSpace(s)
	if s == "" || s == nullSentinel {
		return nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil
	}
	return &f
}

func cellString(cell any) string {
	switch v := cell.(type) {
	case nil:
		return ""
	case string:
		return v
	case float64:
		if v == float64(int64(v)) {
			return strconv.FormatInt(int64(v), 10)
		}
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return fmt.Sprintf("%v", v)
	}
}
