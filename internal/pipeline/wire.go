package pipeline

import (
	"context"
	"time"

	"github.com/mihiarc/socialmapper/internal/cache"
	"github.com/mihiarc/socialmapper/internal/census"
	"github.com/mihiarc/socialmapper/internal/config"
	"github.com/mihiarc/socialmapper/internal/fetcher"
	"github.com/mihiarc/socialmapper/internal/isochrone"
	"github.com/mihiarc/socialmapper/internal/model"
	"github.com/mihiarc/socialmapper/internal/neighbors"
	"github.com/mihiarc/socialmapper/internal/tracker"
	"github.com/mihiarc/socialmapper/pkg/geocode"
)

// FromConfig assembles the production dependency graph. The returned close
// function releases the neighbor repository.
func FromConfig(ctx context.Context, cfg *config.Config) (*Pipeline, func() error, error) {
	client := fetcher.New(fetcher.Options{
		Timeout:           time.Duration(cfg.HTTP.TimeoutSecs) * time.Second,
		TigerTimeout:      time.Duration(cfg.HTTP.TigerTimeoutSecs) * time.Second,
		MaxRetries:        cfg.HTTP.MaxRetries,
		RequestsPerMinute: float64(cfg.HTTP.RateLimitRPM),
	})

	cacheProvider := cache.New(cfg.Cache.Strategy, cache.Options{
		Dir:      cfg.Cache.Dir,
		MaxSize:  cfg.Cache.MaxSize,
		MaxFiles: cfg.Cache.MaxFiles,
	})
	ttl := time.Duration(cfg.Cache.TTLSecs) * time.Second

	geocoder := geocode.NewClient(client, geocode.WithCache(cacheProvider, ttl))

	repo, err := neighbors.NewRepository(ctx, neighbors.RepositoryConfig{
		Type: cfg.Repository.Type,
		Path: cfg.Repository.Path,
		DSN:  cfg.Repository.DatabaseURL,
	})
	if err != nil {
		return nil, nil, err
	}

	boundaries := census.NewBoundaryFetcher(client, cacheProvider, cfg.Census.Year)

	// The analysis boundary source is switchable; county adjacency always
	// uses the TIGERweb county layer.
	var units BoundarySource = boundaries
	if cfg.Census.BoundarySource == "shapefile" {
		ftp := fetcher.NewFTPFetcher(fetcher.FTPOptions{
			Timeout: time.Duration(cfg.HTTP.TigerTimeoutSecs) * time.Second,
		})
		units = census.NewShapefileLoader(ftp, cfg.Census.ShapefileDir, cfg.Census.Year)
	}

	counties := neighbors.NewService(repo, boundaries, geocoder)
	data := census.NewDataFetcher(client, cacheProvider, cfg.Census.APIKey, cfg.Census.Year, cfg.Census.Dataset, ttl)

	variables, err := census.DefaultVariables()
	if err != nil {
		repo.Close() //nolint:errcheck
		return nil, nil, err
	}

	isoCfg := cfg.Isochrone
	p := New(Deps{
		Boundaries: units,
		Census:     data,
		Variables:  variables,
		Counties:   counties,
		Isochrones: func(travelTimeMinutes int, mode model.TravelMode, tr *tracker.Tracker) IsochroneGenerator {
			return isochrone.NewEngine(client, tr, isochrone.Options{
				TravelTimeMinutes:  travelTimeMinutes,
				Mode:               mode,
				MaxClusterRadiusKm: isoCfg.MaxClusterRadiusKm,
				MinClusterSize:     isoCfg.MinClusterSize,
				BufferKm:           isoCfg.BufferKm,
				FallbackSpeedKmh:   isoCfg.FallbackSpeedKmh,
				SimplifyTolerance:  isoCfg.SimplifyTolerance,
			})
		},
		Geocoder:  geocoder,
		Transport: client,
		Tracker:   tracker.New(),
		OutputDir: cfg.Output.Dir,
	})

	return p, repo.Close, nil
}
