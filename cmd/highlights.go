package cmd

import (
	"github.com/lehigh-university-libraries/scanmarks/internal/phases"
	"github.com/spf13/cobra"
)

func newDetectHighlightsCmd() *cobra.Command {
	var flags bookFlags

	cmd := &cobra.Command{
		Use:   "detect-highlights",
		Short: "Find highlighted regions on every page image",
		Long: `Segment highlighter marks by color on each scan and write the mask, the
candidate regions and an overlay for every page under the run directory.`,
		Example: `  scanmarks detect-highlights --book books/walden.yaml --run-id 20250101T120000Z`,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := flags.open(cmd, "")
			if err != nil {
				return err
			}
			return phases.DetectHighlights(cmd.Context(), env)
		},
	}

	flags.register(cmd)
	return cmd
}
