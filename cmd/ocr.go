package cmd

import (
	"io"
	"log/slog"

	"github.com/lehigh-university-libraries/scanmarks/internal/ocr/engines"
	"github.com/lehigh-university-libraries/scanmarks/internal/phases"
	"github.com/spf13/cobra"
)

func newOCRCmd() *cobra.Command {
	var (
		flags  bookFlags
		engine string
	)

	cmd := &cobra.Command{
		Use:   "ocr",
		Short: "Recognize every page and record it in the canonical corpus",
		Long: `Run OCR once per scanned page. Lines, word boxes and printed page numbers are
written to the book's canonical corpus (corpus/books/<book_id>/pages.jsonl),
with per-page text and overlay artifacts under the run directory.

Pages already in the corpus are denied under --overwrite never, skipped under
if_same_run and re-recognized under always.`,
		Example: `  # OCR a book with tesseract
  scanmarks ocr --book books/walden.yaml

  # Re-run OCR for the first 5 pages with a vision model
  scanmarks ocr --book books/walden.yaml --engine gemini --max-pages 5 --overwrite always`,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := flags.open(cmd, "")
			if err != nil {
				return err
			}
			if engine != "" {
				env.Pipeline.OCR.Engine = engine
			}
			e, err := engines.New(cmd.Context(), env.Pipeline.OCR, env.Workers)
			if err != nil {
				return err
			}
			defer func() {
				if c, ok := e.(io.Closer); ok {
					if err := c.Close(); err != nil {
						slog.Warn("Failed to release OCR engine", "engine", e.Name(), "err", err)
					}
				}
			}()
			return phases.OCR(cmd.Context(), env, e)
		},
	}

	flags.register(cmd)
	cmd.Flags().StringVar(&engine, "engine", "", "OCR engine (tesseract, gemini, ollama, openai); overrides the pipeline config")
	return cmd
}
