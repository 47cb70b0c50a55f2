package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mihiarc/socialmapper/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "socialmapper",
	Short: "Community demographics by travel-time accessibility",
	Long:  "Finds points of interest, generates travel-time isochrones over the OSM road network, and joins the reachable census geographies with ACS demographics.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
