package cmd

import (
	"github.com/lehigh-university-libraries/scanmarks/internal/phases"
	"github.com/spf13/cobra"
)

func newMakeSpansCmd() *cobra.Command {
	var (
		flags   bookFlags
		kBefore int
		kAfter  int
	)

	cmd := &cobra.Command{
		Use:   "make-spans",
		Short: "Attach highlight candidates to corpus lines",
		Long: `Associate each highlight candidate with the canonical corpus lines it covers,
expand by context lines, and merge overlapping ranges into spans.

Without --run-id the latest run holding highlight candidates for the book is used.
OCR is never run; pages missing from the corpus fail.`,
		Example: `  scanmarks make-spans --book books/walden.yaml --k-before 1 --k-after 1`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("k-before") {
				flags.opts.KBefore = &kBefore
			}
			if cmd.Flags().Changed("k-after") {
				flags.opts.KAfter = &kAfter
			}
			env, err := flags.open(cmd, phases.CandidatesArtifact)
			if err != nil {
				return err
			}
			return phases.MakeSpans(cmd.Context(), env)
		},
	}

	flags.register(cmd)
	cmd.Flags().IntVar(&kBefore, "k-before", 2, "Context lines before each highlight")
	cmd.Flags().IntVar(&kAfter, "k-after", 2, "Context lines after each highlight")
	return cmd
}
