package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

func NewRootCmd() *cobra.Command {
	var (
		verbose   bool
		logFormat string
	)

	cmd := &cobra.Command{
		Use:   "scanmarks",
		Short: "Turn highlighted book scans into excerpt notes and a searchable corpus",
		Long: `Scanmarks runs one OCR pass per scanned page to build a canonical per-book
corpus, then derives excerpt notes from highlighted regions and full-book text
exports from that corpus without running OCR again.

Phases are run in order: ocr, detect-highlights, make-spans, emit-obsidian.
export-book-text and sweep work from the corpus and emitted notes.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// Load .env file if present (ignore errors)
			_ = godotenv.Load()
			return setupLogging(verbose, logFormat)
		},
	}

	cmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "Verbose logging")
	cmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "Log format (text or json)")

	cmd.AddCommand(newOCRCmd())
	cmd.AddCommand(newDetectHighlightsCmd())
	cmd.AddCommand(newMakeSpansCmd())
	cmd.AddCommand(newEmitObsidianCmd())
	cmd.AddCommand(newExportBookTextCmd())
	cmd.AddCommand(newSweepCmd())

	return cmd
}

func setupLogging(verbose bool, format string) error {
	opts := &slog.HandlerOptions{Level: slog.LevelInfo}
	if verbose {
		opts.Level = slog.LevelDebug
	}
	var handler slog.Handler
	switch format {
	case "", "text":
		handler = slog.NewTextHandler(os.Stderr, opts)
	case "json":
		handler = slog.NewJSONHandler(os.Stderr, opts)
	default:
		return fmt.Errorf("unsupported --log-format %q (text or json)", format)
	}
	slog.SetDefault(slog.New(handler))
	return nil
}
