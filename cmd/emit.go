package cmd

import (
	"github.com/lehigh-university-libraries/scanmarks/internal/phases"
	"github.com/spf13/cobra"
)

func newEmitObsidianCmd() *cobra.Command {
	var (
		flags     bookFlags
		opts      phases.EmitOptions
		sidecar   bool
		noSidecar bool
	)

	cmd := &cobra.Command{
		Use:   "emit-obsidian",
		Short: "Render one Markdown note per span",
		Long: `Render an Obsidian note for every span of a run, quoting the canonical corpus
lines. Notes go to --vault, the book's vault_out_path, or a staging directory
inside the run, in a subdirectory named after the book.`,
		Example: `  scanmarks emit-obsidian --book books/walden.yaml --vault ~/Vault/Excerpts

  # Custom template, no .span.json sidecars
  scanmarks emit-obsidian --book books/walden.yaml --template note.md --no-sidecar-json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := flags.open(cmd, phases.SpansArtifact)
			if err != nil {
				return err
			}
			switch {
			case noSidecar:
				v := false
				opts.Sidecar = &v
			case cmd.Flags().Changed("sidecar-json"):
				opts.Sidecar = &sidecar
			}
			return phases.EmitObsidian(cmd.Context(), env, opts)
		},
	}

	flags.register(cmd)
	cmd.Flags().StringVar(&opts.VaultDir, "vault", "", "Vault directory (overrides vault_out_path)")
	cmd.Flags().StringVar(&opts.TemplatePath, "template", "", "Note template (defaults to the built-in template)")
	cmd.Flags().BoolVar(&sidecar, "sidecar-json", true, "Write a .span.json sidecar beside each note")
	cmd.Flags().BoolVar(&noSidecar, "no-sidecar-json", false, "Do not write .span.json sidecars")
	cmd.MarkFlagsMutuallyExclusive("sidecar-json", "no-sidecar-json")
	return cmd
}
