package phases

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync/atomic"

	"github.com/lehigh-university-libraries/scanmarks/internal/config"
	"github.com/lehigh-university-libraries/scanmarks/internal/highlights"
	"github.com/lehigh-university-libraries/scanmarks/internal/images"
	"github.com/lehigh-university-libraries/scanmarks/internal/models"
	"github.com/lehigh-university-libraries/scanmarks/internal/pipeline"
)

// CandidatesFile is the highlight_candidates.json run artifact.
type CandidatesFile struct {
	BookID       string             `json:"book_id"`
	PageNum      int                `json:"page_num"`
	ScanFilename string             `json:"scan_filename"`
	RunID        string             `json:"run_id"`
	ConfigHash   string             `json:"config_hash"`
	Candidates   []models.Candidate `json:"candidates"`
	Config       config.Highlights  `json:"config"`
}

// DetectHighlights segments highlighted regions on every page image and
// writes the mask, candidates and overlay artifacts.
func DetectHighlights(ctx context.Context, env *Env) error {
	pages, err := env.pageImages()
	if err != nil {
		return err
	}
	if err := env.writeRunMeta(); err != nil {
		return err
	}

	cfg := highlights.FromPipeline(env.Pipeline.Highlights)
	var total atomic.Int64
	summary, err := pipeline.Run(ctx, "detect-highlights", sortedPages(pages, env.MaxPages), env.Workers,
		func(ctx context.Context, index int) error {
			page := pages[index]
			img, err := images.Load(page.SourcePath)
			if err != nil {
				slog.Warn("Unreadable page image, no highlights detected", "page", index, "path", page.SourcePath, "err", err)
				return fmt.Errorf("page %d: %w", index, pipeline.ErrSkipped)
			}
			det := highlights.Detect(img, index, cfg)
			if len(det.Candidates) == 0 {
				slog.Info(highlights.ErrNoHighlightFound.Error(), "page", index)
			}
			total.Add(int64(len(det.Candidates)))

			cands := det.Candidates
			if cands == nil {
				cands = []models.Candidate{}
			}
			pw := env.newPageWriter()
			dir := env.PageDir(index)
			if err := pw.writePNG(filepath.Join(dir, maskFile), det.Mask); err != nil {
				return err
			}
			if err := pw.writeJSON(filepath.Join(dir, candidatesFile), CandidatesFile{
				BookID:       env.Book.BookID,
				PageNum:      index,
				ScanFilename: filepath.Base(page.SourcePath),
				RunID:        env.Run.RunID,
				ConfigHash:   env.Run.ConfigHash,
				Candidates:   cands,
				Config:       env.Pipeline.Highlights,
			}); err != nil {
				return err
			}
			if err := pw.writePNG(filepath.Join(dir, highlightsOverlay), highlights.Overlay(img, cands)); err != nil {
				return err
			}
			return pw.done(index)
		})
	if err != nil {
		return err
	}
	slog.Info("Highlight detection finished", "book_id", env.Book.BookID, "run_id", env.Run.RunID, "candidates", total.Load())
	return finish(ctx, summary, env.Store)
}
