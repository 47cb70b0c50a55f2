package poi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"regexp"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/mihiarc/socialmapper/internal/errs"
	"github.com/mihiarc/socialmapper/internal/model"
	"github.com/mihiarc/socialmapper/internal/tracker"
)

const overpassURL = "https://overpass-api.de/api/interpreter"

// overpassTimeoutSec is the server-side query budget baked into the QL.
const overpassTimeoutSec = 180

// poiTypes is the accepted set of OSM top-level tag keys.
var poiTypes = map[string]bool{
	"amenity": true, "shop": true, "tourism": true, "leisure": true,
	"healthcare": true, "education": true, "public_transport": true,
	"office": true, "craft": true, "emergency": true,
}

var poiNameRe = regexp.MustCompile(`^[a-z0-9_]+$`)

// OSMSpec describes an Overpass POI search.
type OSMSpec struct {
	GeocodeArea    string            `json:"geocode_area" mapstructure:"geocode_area"`
	State          string            `json:"state,omitempty" mapstructure:"state"`
	City           string            `json:"city,omitempty" mapstructure:"city"`
	POIType        string            `json:"poi_type" mapstructure:"poi_type"`
	POIName        string            `json:"poi_name" mapstructure:"poi_name"`
	AdditionalTags map[string]string `json:"additional_tags,omitempty" mapstructure:"additional_tags"`
}

// Validate checks the spec before any network I/O.
func (s *OSMSpec) Validate() error {
	if s.GeocodeArea == "" {
		return errs.New(errs.KindConfiguration, "poi-osm", "geocode_area is required")
	}
	if !poiTypes[s.POIType] {
		return errs.Newf(errs.KindConfiguration, "poi-osm", "invalid poi_type %q", s.POIType).
			WithSuggestions("use one of: amenity, shop, tourism, leisure, healthcare, education, public_transport, office, craft, emergency")
	}
	if !poiNameRe.MatchString(s.POIName) {
		return errs.Newf(errs.KindConfiguration, "poi-osm", "invalid poi_name %q: must match [a-z0-9_]+", s.POIName)
	}
	if s.State != "" {
		if _, _, ok := NormalizeState(s.State); !ok {
			return errs.Newf(errs.KindInvalidLocation, "poi-osm", "unrecognized state %q", s.State)
		}
	}
	return nil
}

// PostFetcher is the transport contract for Overpass: QL goes in the "data"
// form field.
type PostFetcher interface {
	PostForm(ctx context.Context, rawURL string, form url.Values) ([]byte, error)
}

// OSMSource discovers POIs via the Overpass API.
type OSMSource struct {
	spec    OSMSpec
	client  PostFetcher
	tracker *tracker.Tracker
}

// NewOSMSource creates a Source for the given spec.
func NewOSMSource(spec OSMSpec, client PostFetcher, tr *tracker.Tracker) *OSMSource {
	return &OSMSource{spec: spec, client: client, tracker: tr}
}

// Query renders the Overpass QL for the spec. When a state is given the
// search area is pinned inside it via the ISO3166-2 admin area, which
// disambiguates city names that recur across states.
func (s *OSMSource) Query() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[out:json][timeout:%d];\n", overpassTimeoutSec)

	searchArea := ".search"
	if abbrev, _, ok := NormalizeState(s.spec.State); ok && s.spec.State != "" {
		fmt.Fprintf(&b, "area[\"ISO3166-2\"=\"US-%s\"]->.state;\n", abbrev)
		if strings.EqualFold(s.spec.GeocodeArea, s.spec.State) || strings.EqualFold(s.spec.GeocodeArea, StateName(abbrev)) {
			searchArea = ".state"
		} else {
			fmt.Fprintf(&b, "area[\"name\"=%q](area.state)->.search;\n", s.spec.GeocodeArea)
		}
	} else {
		fmt.Fprintf(&b, "area[\"name\"=%q]->.search;\n", s.spec.GeocodeArea)
	}

	var tags strings.Builder
	fmt.Fprintf(&tags, "[%q=%q]", s.spec.POIType, s.spec.POIName)
	extraKeys := make([]string, 0, len(s.spec.AdditionalTags))
	for k := range s.spec.AdditionalTags {
		extraKeys = append(extraKeys, k)
	}
	sort.Strings(extraKeys)
	for _, k := range extraKeys {
		fmt.Fprintf(&tags, "[%q=%q]", k, s.spec.AdditionalTags[k])
	}

	fmt.Fprintf(&b, "nwr%s(area%s);\nout center;\n", tags.String(), searchArea)
	return b.String()
}

// overpassResponse is the Overpass JSON envelope.
type overpassResponse struct {
	Elements []overpassElement `json:"elements"`
}

type overpassElement struct {
	Type   string            `json:"type"`
	ID     int64             `json:"id"`
	Lat    float64           `json:"lat,omitempty"`
	Lon    float64           `json:"lon,omitempty"`
	Center *struct {
		Lat float64 `json:"lat"`
		Lon float64 `json:"lon"`
	} `json:"center,omitempty"`
	Tags map[string]string `json:"tags,omitempty"`
}

// Produce implements Source.
func (s *OSMSource) Produce(ctx context.Context) (*model.POIBatch, error) {
	if err := s.spec.Validate(); err != nil {
		return nil, err
	}

	query := s.Query()
	zap.L().Debug("poi: overpass query", zap.String("query", query))

	body, err := s.client.PostForm(ctx, overpassURL, url.Values{"data": {query}})
	if err != nil {
		return nil, err
	}

	var resp overpassResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, errs.Wrap(errs.KindDataProcessing, "poi-osm", err, "parse overpass response")
	}

	batch := &model.POIBatch{}
	if abbrev, _, ok := NormalizeState(s.spec.State); ok && s.spec.State != "" {
		batch.Metadata.States = []string{abbrev}
	}

	for _, el := range resp.Elements {
		id := fmt.Sprintf("%s/%d", el.Type, el.ID)

		lat, lon := el.Lat, el.Lon
		// Ways and relations carry their centroid in "center".
		if el.Type != "node" {
			if el.Center == nil {
				s.tracker.InvalidPoint("poi-osm", id, "element has no coordinates")
				continue
			}
			lat, lon = el.Center.Lat, el.Center.Lon
		}
		if lat == 0 && lon == 0 {
			s.tracker.InvalidPoint("poi-osm", id, "element has no coordinates")
			continue
		}

		p := model.POI{
			ID:   id,
			Name: el.Tags["name"],
			Lat:  lat,
			Lon:  lon,
			Type: s.spec.POIType,
			Tags: el.Tags,
		}
		if err := p.Validate(); err != nil {
			s.tracker.InvalidPoint("poi-osm", id, err.Error())
			continue
		}
		batch.POIs = append(batch.POIs, p)
	}

	if len(batch.POIs) == 0 {
		return nil, errs.Newf(errs.KindNoDataFound, "poi-osm",
			"no %s=%s found in %q", s.spec.POIType, s.spec.POIName, s.spec.GeocodeArea).
			WithSuggestions("check the area name spelling", "try a broader poi_name")
	}
	return batch, nil
}
