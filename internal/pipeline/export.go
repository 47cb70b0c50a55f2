package pipeline

import (
	"encoding/csv"
	"encoding/json"
	"os"
	"strconv"

	"github.com/twpayne/go-geom/encoding/geojson"

	"github.com/mihiarc/socialmapper/internal/errs"
	"github.com/mihiarc/socialmapper/internal/model"
)

// writeEnrichedCSV writes one row per enriched unit. Variable columns use
// human-readable names in the given order; missing values render empty.
func writeEnrichedCSV(path string, units []model.EnrichedUnit, varNames []string) error {
	f, err := os.Create(path)
	if err != nil {
		return errs.Wrap(errs.KindDataProcessing, "export", err, "create csv")
	}
	defer f.Close() //nolint:errcheck

	w := csv.NewWriter(f)
	header := []string{
		"GEOID", "poi_id", "poi_name", "travel_time_minutes",
		"avg_travel_speed_kmh", "avg_travel_speed_mph",
		"travel_distance_km", "travel_distance_miles",
	}
	header = append(header, varNames...)
	if err := w.Write(header); err != nil {
		return errs.Wrap(errs.KindDataProcessing, "export", err, "write csv header")
	}

	for i := range units {
		u := &units[i]
		row := []string{
			u.GEOID, u.POIID, u.POIName,
			strconv.Itoa(u.TravelTimeMinutes),
			formatFloat(u.AvgTravelSpeedKmh),
			formatFloat(u.AvgTravelSpeedMph),
			formatFloat(u.DistanceKm),
			formatFloat(u.DistanceMiles),
		}
		for _, name := range varNames {
			if v, ok := u.CensusValues[name]; ok && v != nil {
				row = append(row, strconv.FormatFloat(*v, 'f', -1, 64))
			} else {
				row = append(row, "")
			}
		}
		if err := w.Write(row); err != nil {
			return errs.Wrap(errs.KindDataProcessing, "export", err, "write csv row")
		}
	}

	w.Flush()
	if err := w.Error(); err != nil {
		return errs.Wrap(errs.KindDataProcessing, "export", err, "flush csv")
	}
	return nil
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', 4, 64)
}

// writeIsochroneGeoJSON writes the usable isochrones as a FeatureCollection.
// Degenerate isochrones are skipped; they are already in the tracker.
func writeIsochroneGeoJSON(path string, isochrones []model.Isochrone) error {
	fc := geojson.FeatureCollection{}
	for i := range isochrones {
		iso := &isochrones[i]
		if iso.Degenerate() {
			continue
		}
		fc.Features = append(fc.Features, &geojson.Feature{
			ID:       iso.POIID,
			Geometry: iso.Polygon,
			Properties: map[string]any{
				"poi_id":               iso.POIID,
				"poi_name":             iso.POIName,
				"travel_time_minutes":  iso.TravelTimeMinutes,
				"avg_travel_speed_kmh": iso.AvgTravelSpeedKmh,
				"avg_travel_speed_mph": iso.AvgTravelSpeedMph,
			},
		})
	}

	data, err := json.MarshalIndent(&fc, "", "  ")
	if err != nil {
		return errs.Wrap(errs.KindDataProcessing, "export", err, "marshal geojson")
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return errs.Wrap(errs.KindDataProcessing, "export", err, "write geojson")
	}
	return nil
}
