// Package cmd defines the zca command line.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/paulmach/orb/geojson"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/zonal-climate-analyzer/internal/climate"
	"github.com/JakeFAU/zonal-climate-analyzer/internal/config"
	"github.com/JakeFAU/zonal-climate-analyzer/internal/pipeline"
	"github.com/JakeFAU/zonal-climate-analyzer/internal/server"
)

// appKeyType is the key for storing the App in the context.
type appKeyType string

const appKey appKeyType = "app"

// App is what the subcommands need from the wired application.
type App interface {
	Run(ctx context.Context) error
	Close(ctx context.Context) error
	Logger() *zap.Logger
	Submit(ctx context.Context, req pipeline.SubmitRequest) (pipeline.Result, error)
	SweepRuns(ctx context.Context) (int, error)
	WarmCache(ctx context.Context) (climate.Archive, error)
	CoverageGeoJSON() *geojson.FeatureCollection
}

// newApp is the application factory. Tests replace it with a fake.
var newApp = func(ctx context.Context, cfgPath string) (App, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return server.Build(ctx, &cfg)
}

func newRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "zca",
		Short: "Zonal statistics over the DWD annual climate grids.",
		Long: `zca accepts an area of interest, reduces every annual DWD grid
over it and publishes the results as charts, tables and a downloadable bundle.`,
		SilenceUsage: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := newApp(cmd.Context(), cfgFile)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, appInstance))
			return nil
		},

		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if appInstance, ok := cmd.Context().Value(appKey).(App); ok && appInstance != nil {
				_ = appInstance.Close(context.WithoutCancel(cmd.Context()))
			}
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (environment variables prefixed ZCA_ override it)")

	cmd.AddCommand(
		newServeCmd(),
		newAnalyzeCmd(),
		newSweepCmd(),
		newWarmCacheCmd(),
		newCoverageCmd(),
	)
	return cmd
}

func resolveApp(ctx context.Context) (App, error) {
	appInstance, ok := ctx.Value(appKey).(App)
	if !ok || appInstance == nil {
		return nil, errors.New("application services not initialized")
	}
	return appInstance, nil
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
