// Package spatial intersects geographic units with isochrones and enriches
// them with nearest-POI distances.
package spatial

import (
	"go.uber.org/zap"

	"github.com/mihiarc/socialmapper/internal/geometry"
	"github.com/mihiarc/socialmapper/internal/model"
	"github.com/mihiarc/socialmapper/internal/tracker"
)

// FilterUnits keeps the units whose polygon intersects at least one usable
// isochrone. Invalid unit polygons are repaired first; units that cannot be
// repaired are dropped into the tracker. Degenerate isochrones are ignored.
func FilterUnits(units []model.GeographicUnit, isochrones []model.Isochrone, tr *tracker.Tracker) []model.GeographicUnit {
	usable := make([]*model.Isochrone, 0, len(isochrones))
	for i := range isochrones {
		if !isochrones[i].Degenerate() {
			usable = append(usable, &isochrones[i])
		}
	}
	if len(usable) == 0 {
		return nil
	}

	kept := make([]model.GeographicUnit, 0, len(units))
	var dropped int
	for _, u := range units {
		if u.Geometry == nil {
			tr.ProcessingError("intersection", u.GEOID, "missing geometry")
			continue
		}
		if !geometry.Valid(u.Geometry) {
			repaired := geometry.Repair(u.Geometry)
			if repaired == nil {
				tr.ProcessingError("intersection", u.GEOID, "unrepairable geometry")
				dropped++
				continue
			}
			u.Geometry = repaired
		}

		// A unit belongs to the isochrone-union intersection iff it
		// intersects any single isochrone.
		for _, iso := range usable {
			if geometry.PolygonsIntersect(u.Geometry, iso.Polygon) {
				kept = append(kept, u)
				break
			}
		}
	}

	if dropped > 0 {
		zap.L().Warn("spatial: dropped units with unrepairable geometry", zap.Int("dropped", dropped))
	}
	zap.L().Debug("spatial: intersection filter",
		zap.Int("units_in", len(units)),
		zap.Int("units_kept", len(kept)),
		zap.Int("isochrones", len(usable)),
	)
	return kept
}
