package cmd

import (
	"fmt"
	"log/slog"

	"github.com/lehigh-university-libraries/scanmarks/internal/config"
	"github.com/lehigh-university-libraries/scanmarks/internal/models"
	"github.com/lehigh-university-libraries/scanmarks/internal/storage"
	"github.com/lehigh-university-libraries/scanmarks/internal/sweep"
	"github.com/spf13/cobra"
)

func newSweepCmd() *cobra.Command {
	var (
		opts           sweep.Options
		outDir         string
		thresholdsPath string
		pipelinePath   string
		overwrite      string
		runID          string
		dryRun         bool
		t              sweep.Thresholds
	)

	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Score emitted excerpts against their canonical OCR lines",
		Long: `Walk the .span.json sidecars written by emit-obsidian, look up each span's
lines in the canonical corpus and grade the OCR quality as PASS, WARN or FAIL.

Thresholds come from the pipeline qa section, then --thresholds (YAML or JSON),
then individual flags. qa_report.json and qa_report.md are written to --out.`,
		Example: `  scanmarks sweep --sidecars ~/Vault/Excerpts --out qa

  # Only check the first 50 sidecars with a stricter alpha threshold
  scanmarks sweep --sidecars ~/Vault/Excerpts --max-items 50 --fail-alpha-min 0.6`,
		RunE: func(cmd *cobra.Command, args []string) error {
			policy, err := storage.ParsePolicy(overwrite)
			if err != nil {
				return fmt.Errorf("%w: %v", config.ErrInvalid, err)
			}
			pipeline, err := config.LoadPipeline(pipelinePath, !cmd.Flags().Changed("pipeline"))
			if err != nil {
				return err
			}
			thresholds, err := sweep.LoadThresholds(thresholdsPath, sweep.ThresholdsFrom(pipeline.QA))
			if err != nil {
				return err
			}
			applyThresholdFlags(cmd, &thresholds, t)
			opts.Thresholds = thresholds

			records, err := sweep.Run(opts)
			if err != nil {
				return err
			}

			run := models.RunMeta{RunID: storage.ResolveRunID(runID, nil)}
			store := storage.New(run, dryRun, opts.CorpusRoot)
			jsonPath, mdPath, err := sweep.WriteReports(store, outDir, records, policy)
			if err != nil {
				return err
			}

			counts := map[string]int{}
			for _, r := range records {
				counts[r.Verdict]++
			}
			slog.Info("Sweep finished", "items", len(records),
				"pass", counts[sweep.VerdictPass], "warn", counts[sweep.VerdictWarn], "fail", counts[sweep.VerdictFail])
			fmt.Printf("Wrote %s\nWrote %s\n", jsonPath, mdPath)
			return nil
		},
	}

	cmd.Flags().StringVar(&opts.CorpusRoot, "corpus", "corpus", "Directory holding the canonical corpus")
	cmd.Flags().StringVar(&opts.SidecarsDir, "sidecars", "", "Directory searched for .span.json sidecars (required)")
	cmd.Flags().StringVar(&opts.NotesDir, "notes", "", "Directory searched for notes not beside their sidecar")
	cmd.Flags().StringVar(&opts.Glob, "glob", sweep.DefaultGlob, "Sidecar glob relative to --sidecars")
	cmd.Flags().IntVar(&opts.MaxItems, "max-items", 0, "Score at most this many sidecars (0 for all)")
	cmd.Flags().StringVar(&outDir, "out", "qa", "Output directory for qa_report.json and qa_report.md")
	cmd.Flags().StringVar(&thresholdsPath, "thresholds", "", "YAML or JSON file overriding thresholds")
	cmd.Flags().StringVar(&pipelinePath, "pipeline", defaultPipelinePath, "Path to the pipeline config YAML")
	cmd.Flags().StringVar(&overwrite, "overwrite", "never", "Overwrite policy for the reports (never, if_same_run, always)")
	cmd.Flags().StringVar(&runID, "run-id", "", "Run id recorded in report provenance")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Score without writing reports")

	cmd.Flags().Float64Var(&t.FailAlphaMin, "fail-alpha-min", 0, "FAIL below this alpha ratio")
	cmd.Flags().Float64Var(&t.FailConfMin, "fail-conf-min", 0, "FAIL below this average word confidence")
	cmd.Flags().Float64Var(&t.FailGarbageMax, "fail-garbage-max", 0, "FAIL above this garbage ratio")
	cmd.Flags().IntVar(&t.WarnLineMax, "warn-line-max", 0, "WARN above this many lines")
	cmd.Flags().IntVar(&t.WarnCharMax, "warn-char-max", 0, "WARN above this many characters")
	cmd.Flags().Float64Var(&t.WarnPipeMax, "warn-pipe-max", 0, "WARN above this pipe ratio")

	_ = cmd.MarkFlagRequired("sidecars")
	return cmd
}

// applyThresholdFlags copies only the threshold flags that were set.
func applyThresholdFlags(cmd *cobra.Command, dst *sweep.Thresholds, src sweep.Thresholds) {
	f := cmd.Flags()
	if f.Changed("fail-alpha-min") {
		dst.FailAlphaMin = src.FailAlphaMin
	}
	if f.Changed("fail-conf-min") {
		dst.FailConfMin = src.FailConfMin
	}
	if f.Changed("fail-garbage-max") {
		dst.FailGarbageMax = src.FailGarbageMax
	}
	if f.Changed("warn-line-max") {
		dst.WarnLineMax = src.WarnLineMax
	}
	if f.Changed("warn-char-max") {
		dst.WarnCharMax = src.WarnCharMax
	}
	if f.Changed("warn-pipe-max") {
		dst.WarnPipeMax = src.WarnPipeMax
	}
}
