package phases

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/lehigh-university-libraries/scanmarks/internal/corpus"
	"github.com/lehigh-university-libraries/scanmarks/internal/images"
	"github.com/lehigh-university-libraries/scanmarks/internal/models"
	"github.com/lehigh-university-libraries/scanmarks/internal/pipeline"
	"github.com/lehigh-university-libraries/scanmarks/internal/spans"
)

// SpansFile is the spans.json run artifact.
type SpansFile struct {
	BookID     string        `json:"book_id"`
	PageNum    int           `json:"page_num"`
	KBefore    int           `json:"k_before"`
	KAfter     int           `json:"k_after"`
	RunID      string        `json:"run_id"`
	ConfigHash string        `json:"config_hash"`
	Spans      []models.Span `json:"spans"`
}

// MakeSpans turns the highlight candidates of the env's run into spans over
// the canonical corpus lines. OCR is never invoked: a page with candidates
// but no corpus record fails with an integrity error.
func MakeSpans(ctx context.Context, env *Env) error {
	opts := spans.FromPipeline(env.Pipeline.Spans)
	if opts.KBefore < 0 || opts.KAfter < 0 {
		return fmt.Errorf("%w: k_before and k_after must be non-negative", pipeline.ErrConfig)
	}

	artifacts, err := pageArtifacts(env.RunDir(), env.Book.BookID, candidatesFile)
	if err != nil {
		return err
	}
	if len(artifacts) == 0 {
		return fmt.Errorf("%w: no %s for book %s in run %s", images.ErrMissingPath, candidatesFile, env.Book.BookID, env.Run.RunID)
	}
	reader, err := corpus.Load(corpus.BookPath(env.CorpusRoot, env.Book.BookID))
	if err != nil {
		return err
	}
	scans, err := env.pageImages()
	if err != nil {
		slog.Warn("Scans unavailable, span overlays will be skipped", "err", err)
		scans = map[int]models.Page{}
	}

	summary, err := pipeline.Run(ctx, "make-spans", sortedPages(artifacts, env.MaxPages), env.Workers,
		func(ctx context.Context, index int) error {
			var cf CandidatesFile
			if err := readJSON(artifacts[index], &cf); err != nil {
				return &corpus.IntegrityError{Path: artifacts[index], Page: index, Reason: err.Error()}
			}

			var lines []models.Line
			if len(cf.Candidates) > 0 {
				pageLines, err := reader.Lines(index)
				if err != nil {
					return err
				}
				lines = pageLines
			}
			selected, warnings, err := spans.Select(cf.Candidates, lines, opts)
			if err != nil {
				return fmt.Errorf("%w: %v", pipeline.ErrConfig, err)
			}
			for _, w := range warnings {
				slog.Warn("Highlight dropped", "page", w.PageIndex, "region", w.RegionID, "err", w.Err)
			}
			if selected == nil {
				selected = []models.Span{}
			}

			pw := env.newPageWriter()
			dir := env.PageDir(index)
			if err := pw.writeJSON(filepath.Join(dir, spansFile), SpansFile{
				BookID:     env.Book.BookID,
				PageNum:    index,
				KBefore:    opts.KBefore,
				KAfter:     opts.KAfter,
				RunID:      env.Run.RunID,
				ConfigHash: env.Run.ConfigHash,
				Spans:      selected,
			}); err != nil {
				return err
			}
			if scan, ok := scans[index]; ok {
				img, err := images.Load(scan.SourcePath)
				if err != nil {
					slog.Warn("Unreadable page image, span overlay skipped", "page", index, "path", scan.SourcePath, "err", err)
				} else if err := pw.writePNG(filepath.Join(dir, spansOverlayFile), spans.Overlay(img, selected)); err != nil {
					return err
				}
			}
			return pw.done(index)
		})
	if err != nil {
		return err
	}
	return finish(ctx, summary, env.Store)
}
