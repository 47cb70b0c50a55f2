package main

import (
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mihiarc/socialmapper/internal/cache"
	"github.com/mihiarc/socialmapper/internal/census"
	"github.com/mihiarc/socialmapper/internal/fetcher"
	"github.com/mihiarc/socialmapper/internal/neighbors"
	"github.com/mihiarc/socialmapper/internal/poi"
	"github.com/mihiarc/socialmapper/pkg/geocode"
)

var neighborsCmd = &cobra.Command{
	Use:   "neighbors [state...]",
	Short: "Precompute county adjacency for one or more states",
	Long:  "Builds and persists the county adjacency graph so analysis runs hit the repository instead of recomputing boundary intersections.",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

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

		repo, err := neighbors.NewRepository(ctx, neighbors.RepositoryConfig{
			Type: cfg.Repository.Type,
			Path: cfg.Repository.Path,
			DSN:  cfg.Repository.DatabaseURL,
		})
		if err != nil {
			return eris.Wrap(err, "init repository")
		}
		defer repo.Close() //nolint:errcheck

		boundaries := census.NewBoundaryFetcher(client, cacheProvider, cfg.Census.Year)
		geocoder := geocode.NewClient(client)
		svc := neighbors.NewService(repo, boundaries, geocoder)

		for _, arg := range args {
			_, fips, ok := poi.NormalizeState(arg)
			if !ok {
				return eris.Errorf("unrecognized state %q", arg)
			}
			start := time.Now()
			if err := svc.BuildState(ctx, fips); err != nil {
				return eris.Wrapf(err, "build adjacency for %s", arg)
			}
			zap.L().Info("county adjacency ready",
				zap.String("state", arg),
				zap.String("fips", fips),
				zap.Duration("elapsed", time.Since(start)),
			)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(neighborsCmd)
}
