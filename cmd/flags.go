package cmd

import (
	"github.com/lehigh-university-libraries/scanmarks/internal/phases"
	"github.com/spf13/cobra"
)

const defaultPipelinePath = "configs/pipeline.yaml"

// bookFlags are shared by every phase that works on one book.
type bookFlags struct {
	opts phases.Options
}

func (f *bookFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.opts.BookPath, "book", "", "Path to the book config YAML (required)")
	cmd.Flags().StringVar(&f.opts.PipelinePath, "pipeline", defaultPipelinePath, "Path to the pipeline config YAML")
	cmd.Flags().StringVar(&f.opts.RunsRoot, "runs", "runs", "Directory holding run artifacts")
	cmd.Flags().StringVar(&f.opts.CorpusRoot, "corpus", "corpus", "Directory holding the canonical corpus")
	cmd.Flags().StringVar(&f.opts.RunID, "run-id", "", "Run id (defaults to a new UTC timestamp, or the latest run for later phases)")
	cmd.Flags().StringVar(&f.opts.Overwrite, "overwrite", "never", "Overwrite policy (never, if_same_run, always)")
	cmd.Flags().BoolVar(&f.opts.DryRun, "dry-run", false, "Report what would be written without touching the filesystem")
	cmd.Flags().IntVar(&f.opts.MaxPages, "max-pages", 0, "Process at most this many pages (0 for all)")
	cmd.Flags().IntVar(&f.opts.Workers, "workers", 0, "Per-page worker pool size (defaults to the pipeline config)")
	_ = cmd.MarkFlagRequired("book")
}

// open resolves the env. The default pipeline file may be absent; one named
// explicitly must exist.
func (f *bookFlags) open(cmd *cobra.Command, latestWith string) (*phases.Env, error) {
	f.opts.PipelineOptional = !cmd.Flags().Changed("pipeline")
	return phases.Open(f.opts, latestWith)
}
