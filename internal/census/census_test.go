package census

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihiarc/socialmapper/internal/cache"
	"github.com/mihiarc/socialmapper/internal/errs"
	"github.com/mihiarc/socialmapper/internal/model"
)

// stubFetcher serves canned bodies keyed by URL substring and records every
// request URL.
type stubFetcher struct {
	responses map[string]string
	calls     []string
}

func (s *stubFetcher) Get(_ context.Context, rawURL string) ([]byte, error) {
	s.calls = append(s.calls, rawURL)
	for substr, body := range s.responses {
		if strings.Contains(rawURL, substr) {
			return []byte(body), nil
		}
	}
	return nil, fmt.Errorf("no stub for %s", rawURL)
}

func TestVariablesNormalize(t *testing.T) {
	vars, err := DefaultVariables()
	require.NoError(t, err)

	code, err := vars.Normalize("total_population")
	require.NoError(t, err)
	assert.Equal(t, "B01003_001E", code)

	// Codes pass through, case-insensitively.
	code, err = vars.Normalize("b19013_001e")
	require.NoError(t, err)
	assert.Equal(t, "B19013_001E", code)

	_, err = vars.Normalize("definitely_not_a_variable")
	assert.Error(t, err)
}

func TestVariablesRoundTrip(t *testing.T) {
	vars, err := DefaultVariables()
	require.NoError(t, err)

	for _, human := range []string{"total_population", "median_household_income", "median_age"} {
		code, err := vars.Normalize(human)
		require.NoError(t, err)
		assert.Equal(t, human, vars.Readable(code))
	}

	// Unknown codes read back as themselves.
	assert.Equal(t, "B99999_001E", vars.Readable("B99999_001E"))
}

func TestParseVariablesRejectsMalformedCode(t *testing.T) {
	_, err := ParseVariables([]byte("bad_entry: NOTACODE\n"))
	assert.Error(t, err)
}

func TestDataFetcherRequiresAPIKey(t *testing.T) {
	d := NewDataFetcher(&stubFetcher{}, cache.Noop{}, "", 2023, "acs/acs5", 0)

	_, err := d.Fetch(context.Background(), model.LevelBlockGroup,
		[]string{"370630001001"}, []string{"B01003_001E"})
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.KindMissingAPIKey))
}

func TestDataFetcherBlockGroupBatching(t *testing.T) {
	// Two geoids in one county, one in another: two requests total.
	body063 := `[["B01003_001E","NAME","state","county","tract","block group"],
		["1500","BG 1",  "37","063","000100","1"],
		["-999999999","BG 2","37","063","000100","2"],
		["999","not requested","37","063","000200","9"]]`
	body183 := `[["B01003_001E","NAME","state","county","tract","block group"],
		["2500","BG 3","37","183","050100","1"]]`

	f := &stubFetcher{responses: map[string]string{
		"county%3A063": body063,
		"county%3A183": body183,
	}}
	d := NewDataFetcher(f, cache.Noop{}, "test-key", 2023, "acs/acs5", 0)

	geoids := []string{"370630001001", "370630001002", "371830501001"}
	points, err := d.Fetch(context.Background(), model.LevelBlockGroup, geoids, []string{"B01003_001E"})
	require.NoError(t, err)
	require.Len(t, f.calls, 2)

	byGeoid := make(map[string]*float64, len(points))
	for _, p := range points {
		byGeoid[p.GEOID] = p.Value
	}
	require.Len(t, byGeoid, 3)

	require.NotNil(t, byGeoid["370630001001"])
	assert.Equal(t, 1500.0, *byGeoid["370630001001"])

	// Sentinel maps to nil.
	assert.Nil(t, byGeoid["370630001002"])

	require.NotNil(t, byGeoid["371830501001"])
	assert.Equal(t, 2500.0, *byGeoid["371830501001"])
}

func TestDataFetcherZCTAPerGeoidRequests(t *testing.T) {
	f := &stubFetcher{responses: map[string]string{
		"area%3A27701": `[["B19013_001E","NAME","zip code tabulation area"],["54000","ZCTA5 27701","27701"]]`,
		"area%3A27705": `[["B19013_001E","NAME","zip code tabulation area"],["61000","ZCTA5 27705","27705"]]`,
	}}
	d := NewDataFetcher(f, cache.Noop{}, "test-key", 2023, "acs/acs5", 0)

	points, err := d.Fetch(context.Background(), model.LevelZCTA,
		[]string{"27701", "27705"}, []string{"B19013_001E"})
	require.NoError(t, err)
	assert.Len(t, f.calls, 2)
	assert.Len(t, points, 2)
}

func TestDataFetcherPartialFailure(t *testing.T) {
	// One ZCTA resolves, the other has no stub and errors; the fetch still
	// returns the successful half.
	f := &stubFetcher{responses: map[string]string{
		"area%3A27701": `[["B19013_001E","NAME","zip code tabulation area"],["54000","ZCTA5 27701","27701"]]`,
	}}
	d := NewDataFetcher(f, cache.Noop{}, "test-key", 2023, "acs/acs5", 0)

	points, err := d.Fetch(context.Background(), model.LevelZCTA,
		[]string{"27701", "99999"}, []string{"B19013_001E"})
	require.NoError(t, err)
	require.Len(t, points, 1)
	assert.Equal(t, "27701", points[0].GEOID)
}

func TestDataFetcherCachesResponses(t *testing.T) {
	body := `[["B01003_001E","NAME","state"],["10439388","North Carolina","37"]]`
	f := &stubFetcher{responses: map[string]string{"acs5": body}}
	d := NewDataFetcher(f, cache.NewMemory(16), "test-key", 2023, "acs/acs5", 0)

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		points, err := d.Fetch(ctx, model.LevelState, []string{"37"}, []string{"B01003_001E"})
		require.NoError(t, err)
		require.Len(t, points, 1)
		require.NotNil(t, points[0].Value)
		assert.Equal(t, 10439388.0, *points[0].Value)
	}
	assert.Len(t, f.calls, 1, "second fetch should be served from cache")
}

func TestBoundaryFetcherParsesBlockGroups(t *testing.T) {
	geojsonBody := `{
		"type": "FeatureCollection",
		"features": [
			{
				"type": "Feature",
				"properties": {"GEOID": "370630001001", "NAME": "Block Group 1", "STATE": "37", "COUNTY": "063", "TRACT": "000100", "BLKGRP": "1"},
				"geometry": {"type": "Polygon", "coordinates": [[[-78.91,35.99],[-78.89,35.99],[-78.89,36.01],[-78.91,36.01],[-78.91,35.99]]]}
			},
			{
				"type": "Feature",
				"properties": {"GEOID": "370630001002"},
				"geometry": null
			}
		]
	}`
	f := &stubFetcher{responses: map[string]string{"Tracts_Blocks": geojsonBody}}
	b := NewBoundaryFetcher(f, cache.Noop{}, 2023)

	units, err := b.BlockGroups(context.Background(), "37")
	require.NoError(t, err)
	require.Len(t, units, 1, "feature without geometry is dropped")

	u := units[0]
	assert.Equal(t, "370630001001", u.GEOID)
	assert.Equal(t, model.LevelBlockGroup, u.Level)
	assert.Equal(t, "37", u.StateFIPS)
	assert.Equal(t, "063", u.CountyFIPS)
	require.NotNil(t, u.Geometry)
	assert.GreaterOrEqual(t, u.Geometry.NumCoords(), 4)

	// Queried state goes into the where clause.
	require.Len(t, f.calls, 1)
	assert.Contains(t, f.calls[0], "STATE%3D%2737%27")
}

func TestBoundaryFetcherParsesTracts(t *testing.T) {
	geojsonBody := `{
		"type": "FeatureCollection",
		"features": [
			{
				"type": "Feature",
				"properties": {"GEOID": "37063000100", "NAME": "Census Tract 1", "STATE": "37", "COUNTY": "063", "TRACT": "000100"},
				"geometry": {"type": "Polygon", "coordinates": [[[-78.91,35.99],[-78.89,35.99],[-78.89,36.01],[-78.91,36.01],[-78.91,35.99]]]}
			}
		]
	}`
	f := &stubFetcher{responses: map[string]string{"Tracts_Blocks/MapServer/0": geojsonBody}}
	b := NewBoundaryFetcher(f, cache.Noop{}, 2023)

	units, err := b.Units(context.Background(), model.LevelTract, "37")
	require.NoError(t, err)
	require.Len(t, units, 1)

	u := units[0]
	assert.Equal(t, "37063000100", u.GEOID)
	assert.Equal(t, model.LevelTract, u.Level)
	assert.Equal(t, "000100", u.TractCode)

	// The tract layer, not the block-group layer, is queried.
	require.Len(t, f.calls, 1)
	assert.Contains(t, f.calls[0], "Tracts_Blocks/MapServer/0/query")
	assert.Contains(t, f.calls[0], "STATE%3D%2737%27")
}

func TestBoundaryFetcherZCTAPrefixFilter(t *testing.T) {
	geojsonBody := `{
		"type": "FeatureCollection",
		"features": [
			{
				"type": "Feature",
				"properties": {"GEOID": "27701", "NAME": "27701"},
				"geometry": {"type": "Polygon", "coordinates": [[[-78.91,35.99],[-78.89,35.99],[-78.89,36.01],[-78.91,35.99]]]}
			},
			{
				"type": "Feature",
				"properties": {"GEOID": "90210", "NAME": "90210"},
				"geometry": {"type": "Polygon", "coordinates": [[[-118.43,34.08],[-118.38,34.08],[-118.38,34.12],[-118.43,34.08]]]}
			}
		]
	}`
	f := &stubFetcher{responses: map[string]string{"PUMA_TAD_TAZ_UGA_ZCTA": geojsonBody}}
	b := NewBoundaryFetcher(f, cache.Noop{}, 2023)

	units, err := b.ZCTAs(context.Background(), "27")
	require.NoError(t, err)
	require.Len(t, units, 1)
	assert.Equal(t, "27701", units[0].GEOID)
	assert.Equal(t, "27", units[0].StateFIPS)
}

func TestBoundaryFetcherUnsupportedLevel(t *testing.T) {
	b := NewBoundaryFetcher(&stubFetcher{}, cache.Noop{}, 2023)
	_, err := b.Units(context.Background(), model.GeographyLevel("galaxy"), "37")
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.KindConfiguration))
}
