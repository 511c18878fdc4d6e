package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/zonal-climate-analyzer/internal/climate"
	"github.com/JakeFAU/zonal-climate-analyzer/internal/pipeline"
)

// cliCaller is the admission identity of local runs.
const cliCaller = "cli"

func newAnalyzeCmd() *cobra.Command {
	var (
		lang   string
		format string
	)
	cmd := &cobra.Command{
		Use:   "analyze <file>",
		Short: "Runs one analysis and prints the result",
		Long: `Sanitizes the given area file (QGIS bundle, GeoPackage, GeoJSON or
zipped shapefile; "-" reads standard input), runs the full pipeline and writes
the run summary as JSON to standard output.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			data, name, err := readInput(cmd.InOrStdin(), args[0])
			if err != nil {
				return err
			}
			res, err := appInstance.Submit(cmd.Context(), pipeline.SubmitRequest{
				Submission: climate.Submission{Filename: name, Format: climate.Format(format), Data: data},
				Caller:     cliCaller,
				Lang:       lang,
			})
			if err != nil {
				appInstance.Logger().Error("analysis failed",
					zap.String("kind", string(climate.KindOf(err))), zap.Error(err))
				return fmt.Errorf("%s", climate.PublicMessage(err))
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(res)
		},
	}
	cmd.Flags().StringVar(&lang, "lang", "de", "language of the summary message (de or en)")
	cmd.Flags().StringVar(&format, "format", "", "declared input format; detected from the file when empty")
	return cmd
}

func readInput(stdin io.Reader, path string) ([]byte, string, error) {
	if path == "-" {
		data, err := io.ReadAll(stdin)
		if err != nil {
			return nil, "", fmt.Errorf("read stdin: %w", err)
		}
		return data, "stdin", nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, "", fmt.Errorf("read %s: %w", path, err)
	}
	return data, filepath.Base(path), nil
}
