package phases

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/lehigh-university-libraries/scanmarks/internal/corpus"
	"github.com/lehigh-university-libraries/scanmarks/internal/images"
	"github.com/lehigh-university-libraries/scanmarks/internal/notes"
	"github.com/lehigh-university-libraries/scanmarks/internal/pipeline"
)

// EmitOptions are the emit-obsidian specific flags.
type EmitOptions struct {
	// VaultDir overrides the book's vault_out_path.
	VaultDir     string
	TemplatePath string
	// Sidecar overrides emit_obsidian.sidecar_json_default when set.
	Sidecar *bool
}

// VaultDir resolves where notes go: the flag, then the book config, then a
// staging directory inside the run. Notes land in a per-book subdirectory.
func (e *Env) VaultDir(flag string) string {
	root := flag
	if root == "" {
		root = e.Book.VaultOutPath
	}
	if root == "" {
		root = filepath.Join(e.RunDir(), obsidianStagingDir)
	}
	return filepath.Join(root, e.Book.BookID)
}

// EmitObsidian renders one note per span of the env's run, quoting the
// canonical corpus lines.
func EmitObsidian(ctx context.Context, env *Env, opts EmitOptions) error {
	template, err := notes.LoadTemplate(opts.TemplatePath)
	if err != nil {
		return err
	}
	emitter, err := notes.NewEmitter(template, env.Book, env.Run)
	if err != nil {
		return err
	}
	sidecar := env.Pipeline.EmitObsidian.SidecarJSONDefault
	if opts.Sidecar != nil {
		sidecar = *opts.Sidecar
	}

	artifacts, err := pageArtifacts(env.RunDir(), env.Book.BookID, spansFile)
	if err != nil {
		return err
	}
	if len(artifacts) == 0 {
		return fmt.Errorf("%w: no %s for book %s in run %s", images.ErrMissingPath, spansFile, env.Book.BookID, env.Run.RunID)
	}
	reader, err := corpus.Load(corpus.BookPath(env.CorpusRoot, env.Book.BookID))
	if err != nil {
		return err
	}

	vault := env.VaultDir(opts.VaultDir)
	slog.Info("Emitting notes", "book_id", env.Book.BookID, "run_id", env.Run.RunID, "vault", vault, "sidecar_json", sidecar)

	summary, err := pipeline.Run(ctx, "emit-obsidian", sortedPages(artifacts, env.MaxPages), env.Workers,
		func(ctx context.Context, index int) error {
			var sf SpansFile
			if err := readJSON(artifacts[index], &sf); err != nil {
				return &corpus.IntegrityError{Path: artifacts[index], Page: index, Reason: err.Error()}
			}
			if len(sf.Spans) == 0 {
				return fmt.Errorf("page %d has no spans: %w", index, pipeline.ErrSkipped)
			}
			lines, err := reader.Lines(index)
			if err != nil {
				return err
			}

			pw := env.newPageWriter()
			emitted := 0
			for _, span := range sf.Spans {
				note, err := emitter.Render(span, lines)
				if errors.Is(err, notes.ErrEmptyQuote) {
					slog.Warn("Span has no quotable text, note skipped", "page", index, "span", span.SpanID)
					continue
				}
				if err != nil {
					return err
				}
				if err := pw.writeRaw(filepath.Join(vault, note.FileName()), note.Markdown); err != nil {
					return err
				}
				if sidecar {
					data, err := note.SidecarJSON()
					if err != nil {
						return fmt.Errorf("failed to encode sidecar for %s: %w", span.SpanID, err)
					}
					if err := pw.writeRaw(filepath.Join(vault, note.SidecarFileName()), data); err != nil {
						return err
					}
				}
				emitted++
			}
			if emitted == 0 {
				return fmt.Errorf("page %d has no notes to emit: %w", index, pipeline.ErrSkipped)
			}
			return pw.done(index)
		})
	if err != nil {
		return err
	}
	return finish(ctx, summary, env.Store)
}
