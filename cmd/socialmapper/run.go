package main

import (
	"encoding/json"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mihiarc/socialmapper/internal/model"
	"github.com/mihiarc/socialmapper/internal/pipeline"
	"github.com/mihiarc/socialmapper/internal/poi"
)

var (
	runGeocodeArea string
	runState       string
	runCity        string
	runPOIType     string
	runPOIName     string
	runTags        map[string]string

	runCustomFile  string
	runAddressFile string
	runMinQuality  string

	runTravelTime  int
	runTravelMode  string
	runLevel       string
	runVariables   []string
	runMaxPOICount int
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one accessibility analysis",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		p, closeFn, err := pipeline.FromConfig(ctx, cfg)
		if err != nil {
			return eris.Wrap(err, "init pipeline")
		}
		defer closeFn() //nolint:errcheck

		req := pipeline.Request{
			CustomFile:        runCustomFile,
			AddressFile:       runAddressFile,
			MinGeocodeQuality: runMinQuality,
			TravelTimeMinutes: runTravelTime,
			TravelMode:        model.TravelMode(runTravelMode),
			GeographicLevel:   model.GeographyLevel(runLevel),
			CensusVariables:   runVariables,
			MaxPOICount:       runMaxPOICount,
		}
		if runGeocodeArea != "" {
			req.OSM = &poi.OSMSpec{
				GeocodeArea:    runGeocodeArea,
				State:          runState,
				City:           runCity,
				POIType:        runPOIType,
				POIName:        runPOIName,
				AdditionalTags: runTags,
			}
		}

		result, err := p.Run(ctx, req)
		if err != nil {
			return eris.Wrap(err, "pipeline run")
		}

		zap.L().Info("analysis complete",
			zap.String("run_id", result.RunID),
			zap.Int("pois", result.POICount),
			zap.Int("units", result.UnitsAnalyzed),
			zap.Int("network_downloads", result.Metadata.NetworkDownloads),
		)

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(result)
	},
}

func init() {
	runCmd.Flags().StringVar(&runGeocodeArea, "area", "", "OSM search area, e.g. a city or state name")
	runCmd.Flags().StringVar(&runState, "state", "", "state abbreviation or name pinning the search area")
	runCmd.Flags().StringVar(&runCity, "city", "", "city name within the state")
	runCmd.Flags().StringVar(&runPOIType, "poi-type", "amenity", "OSM tag key (amenity, shop, leisure, ...)")
	runCmd.Flags().StringVar(&runPOIName, "poi-name", "", "OSM tag value, e.g. library or hospital")
	runCmd.Flags().StringToStringVar(&runTags, "tags", nil, "additional OSM tag filters, key=value")

	runCmd.Flags().StringVar(&runCustomFile, "custom-coords", "", "CSV/JSON/GeoJSON/XLSX file of coordinates")
	runCmd.Flags().StringVar(&runAddressFile, "addresses", "", "CSV file of addresses to geocode")
	runCmd.Flags().StringVar(&runMinQuality, "min-geocode-quality", "", "minimum address match quality (exact, interpolated, centroid, approximate)")

	runCmd.Flags().IntVar(&runTravelTime, "travel-time", 15, "travel-time budget in minutes (1-60)")
	runCmd.Flags().StringVar(&runTravelMode, "travel-mode", "drive", "travel mode: drive, walk, bike")
	runCmd.Flags().StringVar(&runLevel, "level", "block-group", "census geography level: block-group, zcta, county, tract")
	runCmd.Flags().StringSliceVar(&runVariables, "variables", []string{"total_population"}, "census variables, human-readable or ACS codes")
	runCmd.Flags().IntVar(&runMaxPOICount, "max-poi-count", 0, "uniformly sample large POI batches down to this count (0 = no limit)")

	rootCmd.AddCommand(runCmd)
}
