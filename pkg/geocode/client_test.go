package geocode

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihiarc/socialmapper/internal/cache"
)

// stubFetcher returns a canned body per URL substring and counts requests.
type stubFetcher struct {
	responses map[string]string
	err       error
	calls     int
}

func (s *stubFetcher) Get(_ context.Context, rawURL string) ([]byte, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	for substr, body := range s.responses {
		if strings.Contains(rawURL, substr) {
			return []byte(body), nil
		}
	}
	return []byte("{}"), nil
}

const pointResponse = `{
  "result": {
    "geographies": {
      "Counties": [{"STATE": "37", "COUNTY": "063", "NAME": "Durham County"}],
      "Census Tracts": [{"GEOID": "37063001503", "STATE": "37", "COUNTY": "063"}],
      "Census Block Groups": [{"GEOID": "370630015031"}],
      "2020 Census ZIP Code Tabulation Areas": [{"GEOID": "27701"}]
    }
  }
}`

const addressResponse = `{
  "result": {
    "addressMatches": [{
      "coordinates": {"x": -78.899, "y": 35.994},
      "matchedAddress": "300 N ROXBORO ST, DURHAM, NC, 27701",
      "geographies": {
        "Counties": [{"STATE": "37", "COUNTY": "063"}],
        "Census Block Groups": [{"GEOID": "370630015031"}]
      }
    }]
  }
}`

func TestGeocodePoint(t *testing.T) {
	f := &stubFetcher{responses: map[string]string{"coordinates": pointResponse}}
	c := NewClient(f)

	r, err := c.GeocodePoint(context.Background(), 35.994, -78.899)
	require.NoError(t, err)
	assert.True(t, r.Matched)
	assert.Equal(t, "37", r.StateFIPS)
	assert.Equal(t, "063", r.CountyFIPS)
	assert.Equal(t, "37063001503", r.TractGEOID)
	assert.Equal(t, "370630015031", r.BlockGroupGEOID)
	assert.Equal(t, "27701", r.ZCTAGEOID)
	assert.Equal(t, 35.994, r.Lat)
}

func TestGeocodePointMalformedBody(t *testing.T) {
	f := &stubFetcher{responses: map[string]string{"coordinates": "<html>gateway timeout</html>"}}
	c := NewClient(f)

	r, err := c.GeocodePoint(context.Background(), 35.994, -78.899)
	require.NoError(t, err, "malformed payloads degrade, they do not fail")
	assert.False(t, r.Matched)
	assert.Empty(t, r.StateFIPS)
}

func TestGeocodePointTransportError(t *testing.T) {
	f := &stubFetcher{err: eris.New("connection refused")}
	c := NewClient(f)

	_, err := c.GeocodePoint(context.Background(), 35.994, -78.899)
	assert.Error(t, err)
}

func TestGeocodePointCached(t *testing.T) {
	f := &stubFetcher{responses: map[string]string{"coordinates": pointResponse}}
	c := NewClient(f, WithCache(cache.NewMemory(16), time.Hour))

	for i := 0; i < 3; i++ {
		r, err := c.GeocodePoint(context.Background(), 35.994, -78.899)
		require.NoError(t, err)
		assert.Equal(t, "37063001503", r.TractGEOID)
	}
	assert.Equal(t, 1, f.calls, "repeat lookups served from cache")

	// A different point misses.
	_, err := c.GeocodePoint(context.Background(), 36.0, -78.9)
	require.NoError(t, err)
	assert.Equal(t, 2, f.calls)
}

func TestGeocodeAddress(t *testing.T) {
	f := &stubFetcher{responses: map[string]string{"onelineaddress": addressResponse}}
	c := NewClient(f)

	r, err := c.GeocodeAddress(context.Background(), "300 N Roxboro St, Durham, NC")
	require.NoError(t, err)
	assert.True(t, r.Matched)
	assert.Equal(t, 35.994, r.Lat)
	assert.Equal(t, -78.899, r.Lon)
	assert.Equal(t, "exact", r.Confidence)
	assert.Equal(t, "37", r.StateFIPS)
	assert.Equal(t, "370630015031", r.BlockGroupGEOID)
}

func TestGeocodeAddressNoMatch(t *testing.T) {
	f := &stubFetcher{responses: map[string]string{"onelineaddress": `{"result":{"addressMatches":[]}}`}}
	c := NewClient(f)

	r, err := c.GeocodeAddress(context.Background(), "1 Nowhere Ln, Atlantis")
	require.NoError(t, err)
	assert.False(t, r.Matched)
}

func TestGeocodeAddressCachedWithTTL(t *testing.T) {
	f := &stubFetcher{responses: map[string]string{"onelineaddress": addressResponse}}
	mem := cache.NewMemory(16)
	c := NewClient(f, WithCache(mem, time.Hour))

	_, err := c.GeocodeAddress(context.Background(), "300 N Roxboro St, Durham, NC")
	require.NoError(t, err)
	_, err = c.GeocodeAddress(context.Background(), "300 N Roxboro St, Durham, NC")
	require.NoError(t, err)
	assert.Equal(t, 1, f.calls)
}
