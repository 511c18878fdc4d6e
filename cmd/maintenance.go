package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newSweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Deletes run directories past their retention",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			n, err := appInstance.SweepRuns(cmd.Context())
			if err != nil {
				return fmt.Errorf("sweep runs: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %d expired runs\n", n)
			return nil
		},
	}
}

func newWarmCacheCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "warm-cache",
		Short: "Downloads every missing annual grid",
		Long: `Fills the raster cache for all configured parameters and years so the
first analysis does not pay for the downloads. Years that stay unavailable are
listed as gaps.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			archive, err := appInstance.WarmCache(cmd.Context())
			if err != nil {
				return fmt.Errorf("warm cache: %w", err)
			}
			appInstance.Logger().Info("raster cache ready",
				zap.Int("grids", len(archive.Entries)),
				zap.Int("gaps", len(archive.Gaps)),
				zap.Int("first_year", archive.FirstYear),
				zap.Int("last_year", archive.LastYear),
			)
			fmt.Fprintf(cmd.OutOrStdout(), "%d grids cached for %d-%d, %d gaps\n",
				len(archive.Entries), archive.FirstYear, archive.LastYear, len(archive.Gaps))
			for _, g := range archive.Gaps {
				fmt.Fprintf(cmd.OutOrStdout(), "  %s %d: %s\n", g.Key.Parameter, g.Key.Year, g.Reason)
			}
			return nil
		},
	}
}

func newCoverageCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "coverage",
		Short: "Prints the raster coverage as GeoJSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			out, err := json.Marshal(appInstance.CoverageGeoJSON())
			if err != nil {
				return fmt.Errorf("encode coverage: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return nil
		},
	}
}
