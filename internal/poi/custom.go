package poi

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/mihiarc/socialmapper/internal/errs"
	"github.com/mihiarc/socialmapper/internal/fetcher"
	"github.com/mihiarc/socialmapper/internal/model"
	"github.com/mihiarc/socialmapper/internal/tracker"
)

// Column aliases recognized for coordinates, checked in order.
var (
	latAliases = []string{"lat", "latitude", "y"}
	lonAliases = []string{"lon", "lng", "long", "longitude", "x"}
)

// CustomSource reads POIs from a CSV, JSON, or XLSX file whose rows carry
// coordinates under recognized aliases.
type CustomSource struct {
	path    string
	tracker *tracker.Tracker
}

// NewCustomSource creates a Source over a coordinate file. The format is
// chosen by extension.
func NewCustomSource(path string, tr *tracker.Tracker) *CustomSource {
	return &CustomSource{path: path, tracker: tr}
}

// Produce implements Source.
func (c *CustomSource) Produce(_ context.Context) (*model.POIBatch, error) {
	var records []map[string]any
	var err error

	switch strings.ToLower(filepath.Ext(c.path)) {
	case ".csv":
		records, err = readCSVRecords(c.path)
	case ".json", ".geojson":
		records, err = readJSONRecords(c.path)
	case ".xlsx":
		records, err = readXLSXRecords(c.path)
	default:
		return nil, errs.Newf(errs.KindConfiguration, "poi-custom", "unsupported file extension %q", filepath.Ext(c.path)).
			WithSuggestions("supply a .csv, .json, or .xlsx file")
	}
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, errs.Newf(errs.KindNoDataFound, "poi-custom", "no rows in %s", c.path)
	}

	batch := &model.POIBatch{}
	for i, rec := range records {
		ref := recordRef(rec, i)

		lat, lon, ok := extractCoordinates(rec)
		if !ok {
			c.tracker.InvalidPoint("poi-custom", ref, "no coordinates under recognized aliases")
			continue
		}

		p := model.POI{
			ID:   ref,
			Name: stringField(rec, "name"),
			Lat:  lat,
			Lon:  lon,
			Type: stringField(rec, "type"),
			Tags: stringTags(rec),
		}
		if err := p.Validate(); err != nil {
			c.tracker.InvalidPoint("poi-custom", ref, err.Error())
			continue
		}
		batch.POIs = append(batch.POIs, p)
	}

	if len(batch.POIs) == 0 {
		return nil, errs.Newf(errs.KindNoDataFound, "poi-custom", "no row in %s had valid coordinates", c.path)
	}
	return batch, nil
}

// extractCoordinates resolves (lat, lon) from a record, trying flat aliases,
// a nested properties object, a [lon, lat] coordinates array, and a GeoJSON
// point geometry, in that order. Resolution is alias-order independent: the
// first alias pair that yields two finite numbers wins, and aliases never
// conflict within one namespace.
func extractCoordinates(rec map[string]any) (lat, lon float64, ok bool) {
	if lat, lon, ok = aliasPair(rec); ok {
		return lat, lon, true
	}
	if props, found := rec["properties"].(map[string]any); found {
		if lat, lon, ok = aliasPair(props); ok {
			return lat, lon, true
		}
	}
	if coords, found := rec["coordinates"].([]any); found && len(coords) >= 2 {
		lonV, okLon := numeric(coords[0])
		latV, okLat := numeric(coords[1])
		if okLon && okLat {
			return latV, lonV, true
		}
	}
	if g, found := rec["geometry"].(map[string]any); found {
		if t, _ := g["type"].(string); strings.EqualFold(t, "Point") {
			if coords, cok := g["coordinates"].([]any); cok && len(coords) >= 2 {
				lonV, okLon := numeric(coords[0])
				latV, okLat := numeric(coords[1])
				if okLon && okLat {
					return latV, lonV, true
				}
			}
		}
	}
	return 0, 0, false
}

func aliasPair(m map[string]any) (lat, lon float64, ok bool) {
	latV, latOK := firstNumeric(m, latAliases)
	lonV, lonOK := firstNumeric(m, lonAliases)
	return latV, lonV, latOK && lonOK
}

func firstNumeric(m map[string]any, aliases []string) (float64, bool) {
	for key, val := range m {
		lower := strings.ToLower(key)
		for _, alias := range aliases {
			if lower != alias {
				continue
			}
			if f, ok := numeric(val); ok {
				return f, true
			}
		}
	}
	return 0, false
}

func numeric(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func recordRef(rec map[string]any, idx int) string {
	if id := stringField(rec, "id"); id != "" {
		return id
	}
	return fmt.Sprintf("row-%d", idx+1)
}

func stringField(rec map[string]any, key string) string {
	for k, v := range rec {
		if strings.EqualFold(k, key) {
			if s, ok := v.(string); ok {
				return strings.TrimSpace(s)
			}
		}
	}
	return ""
}

// stringTags keeps the scalar string fields that are not consumed by the
// POI schema itself.
func stringTags(rec map[string]any) map[string]string {
	tags := make(map[string]string)
	for k, v := range rec {
		lower := strings.ToLower(k)
		switch lower {
		case "id", "name", "type", "properties", "coordinates", "geometry":
			continue
		}
		if isCoordinateAlias(lower) {
			continue
		}
		if s, ok := v.(string); ok && s != "" {
			tags[lower] = s
		}
	}
	if len(tags) == 0 {
		return nil
	}
	return tags
}

func isCoordinateAlias(key string) bool {
	for _, a := range latAliases {
		if key == a {
			return true
		}
	}
	for _, a := range lonAliases {
		if key == a {
			return true
		}
	}
	return false
}

func readCSVRecords(path string) ([]map[string]any, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errs.Wrap(errs.KindConfiguration, "poi-custom", err, "open csv")
	}
	defer f.Close() //nolint:errcheck

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	rows, err := r.ReadAll()
	if err != nil {
		return nil, errs.Wrap(errs.KindDataProcessing, "poi-custom", err, "parse csv")
	}
	return rowsToRecords(rows), nil
}

func readXLSXRecords(path string) ([]map[string]any, error) {
	rows, err := fetcher.ReadXLSX(path, fetcher.XLSXOptions{})
	if err != nil {
		return nil, errs.Wrap(errs.KindDataProcessing, "poi-custom", err, "parse xlsx")
	}
	return rowsToRecords(rows), nil
}

// rowsToRecords converts header-first tabular rows into generic records.
func rowsToRecords(rows [][]string) []map[string]any {
	if len(rows) < 2 {
		return nil
	}
	headers := rows[0]

	records := make([]map[string]any, 0, len(rows)-1)
	for _, row := range rows[1:] {
		rec := make(map[string]any, len(headers))
		for i, h := range headers {
			if i < len(row) {
				rec[strings.TrimSpace(h)] = row[i]
			}
		}
		records = append(records, rec)
	}
	return records
}

// readJSONRecords accepts either a bare array of objects or a GeoJSON
// FeatureCollection.
func readJSONRecords(path string) ([]map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errs.Wrap(errs.KindConfiguration, "poi-custom", err, "read json")
	}

	var arr []map[string]any
	if err := json.Unmarshal(data, &arr); err == nil {
		return arr, nil
	}

	var fc struct {
		Type     string           `json:"type"`
		Features []map[string]any `json:"features"`
	}
	if err := json.Unmarshal(data, &fc); err == nil && strings.EqualFold(fc.Type, "FeatureCollection") {
		// Hoist feature properties next to the geometry so alias lookup
		// sees a flat record.
		records := make([]map[string]any, 0, len(fc.Features))
		for _, feat := range fc.Features {
			rec := make(map[string]any)
			if props, ok := feat["properties"].(map[string]any); ok {
				for k, v := range props {
					rec[k] = v
				}
			}
			if g, ok := feat["geometry"]; ok {
				rec["geometry"] = g
			}
			records = append(records, rec)
		}
		return records, nil
	}

	return nil, errs.Newf(errs.KindDataProcessing, "poi-custom", "unrecognized json structure in %s", path)
}
