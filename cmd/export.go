package cmd

import (
	"fmt"

	"github.com/lehigh-university-libraries/scanmarks/internal/config"
	"github.com/lehigh-university-libraries/scanmarks/internal/corpus"
	"github.com/lehigh-university-libraries/scanmarks/internal/phases"
	"github.com/spf13/cobra"
)

func newExportBookTextCmd() *cobra.Command {
	var (
		flags  bookFlags
		format string
	)

	cmd := &cobra.Command{
		Use:   "export-book-text",
		Short: "Export the book's corpus as text, Markdown, JSONL or Parquet",
		Long: `Write the whole book from the canonical corpus to corpus/books/<book_id>/book.<ext>.
Only --overwrite always replaces an existing export.`,
		Example: `  scanmarks export-book-text --book books/walden.yaml --format jsonl`,
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := corpus.ParseFormat(format)
			if err != nil {
				return fmt.Errorf("%w: %v", config.ErrInvalid, err)
			}
			env, err := flags.open(cmd, "")
			if err != nil {
				return err
			}
			path, err := phases.ExportBookText(env, f)
			if err != nil {
				return err
			}
			fmt.Println(path)
			return nil
		},
	}

	flags.register(cmd)
	cmd.Flags().StringVar(&format, "format", "txt", "Export format (txt, md, jsonl, parquet)")
	return cmd
}
