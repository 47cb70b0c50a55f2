package spatial

import (
	"context"
	"math"
	"runtime"

	"golang.org/x/sync/errgroup"

	"github.com/mihiarc/socialmapper/internal/errs"
	"github.com/mihiarc/socialmapper/internal/geometry"
	"github.com/mihiarc/socialmapper/internal/model"
)

// DistanceOptions tunes the distance engine.
type DistanceOptions struct {
	// ChunkSize is the unit count above which work is parallelized.
	ChunkSize int
	// Workers caps the worker pool; 0 means all available cores.
	Workers int
}

// defaultChunkSize matches the documented parallelization threshold.
const defaultChunkSize = 5000

// Enrich computes, for every unit, the nearest POI in projected meters and
// attaches the POI's isochrone metadata. Unit order is preserved. Distances
// are planar in the Albers equal-area projection, so they are never less
// than the great-circle distance by more than projection error.
func Enrich(ctx context.Context, units []model.GeographicUnit, pois []model.POI, isochrones []model.Isochrone, opts DistanceOptions) ([]model.EnrichedUnit, error) {
	if len(pois) == 0 {
		return nil, errs.New(errs.KindNoDataFound, "distance", "no pois to measure against")
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = defaultChunkSize
	}
	if opts.Workers <= 0 {
		opts.Workers = runtime.NumCPU()
	}

	// Project POIs once.
	poiX := make([]float64, len(pois))
	poiY := make([]float64, len(pois))
	for i := range pois {
		poiX[i], poiY[i] = geometry.AlbersMeters(pois[i].Lat, pois[i].Lon)
	}

	isoByPOI := make(map[string]*model.Isochrone, len(isochrones))
	for i := range isochrones {
		isoByPOI[isochrones[i].POIID] = &isochrones[i]
	}

	out := make([]model.EnrichedUnit, len(units))
	process := func(lo, hi int) {
		for i := lo; i < hi; i++ {
			out[i] = enrichOne(&units[i], pois, poiX, poiY, isoByPOI)
		}
	}

	if len(units) <= opts.ChunkSize {
		process(0, len(units))
		return out, nil
	}

	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(opts.Workers)
	for lo := 0; lo < len(units); lo += opts.ChunkSize {
		hi := lo + opts.ChunkSize
		if hi > len(units) {
			hi = len(units)
		}
		g.Go(func() error {
			process(lo, hi)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func enrichOne(u *model.GeographicUnit, pois []model.POI, poiX, poiY []float64, isoByPOI map[string]*model.Isochrone) model.EnrichedUnit {
	cent := geometry.Centroid(u.Geometry)
	centLon, centLat := cent[0], cent[1]
	cx, cy := geometry.AlbersMeters(centLat, centLon)

	best := 0
	bestSq := math.Inf(1)
	for i := range pois {
		dx, dy := poiX[i]-cx, poiY[i]-cy
		if sq := dx*dx + dy*dy; sq < bestSq {
			best, bestSq = i, sq
		}
	}

	distKm := math.Sqrt(bestSq) / 1000
	e := model.EnrichedUnit{
		GEOID:         u.GEOID,
		POIID:         pois[best].ID,
		POIName:       pois[best].Name,
		DistanceKm:    distKm,
		DistanceMiles: distKm * geometry.MilesPerKm,
		CentroidLat:   centLat,
		CentroidLon:   centLon,
	}
	if iso, ok := isoByPOI[pois[best].ID]; ok {
		e.TravelTimeMinutes = iso.TravelTimeMinutes
		e.AvgTravelSpeedKmh = iso.AvgTravelSpeedKmh
		e.AvgTravelSpeedMph = iso.AvgTravelSpeedMph
	}
	return e
}
