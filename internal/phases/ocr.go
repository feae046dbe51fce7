package phases

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image/png"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/lehigh-university-libraries/scanmarks/internal/corpus"
	"github.com/lehigh-university-libraries/scanmarks/internal/images"
	"github.com/lehigh-university-libraries/scanmarks/internal/models"
	"github.com/lehigh-university-libraries/scanmarks/internal/ocr"
	"github.com/lehigh-university-libraries/scanmarks/internal/pipeline"
	"github.com/lehigh-university-libraries/scanmarks/internal/storage"
	"github.com/lehigh-university-libraries/scanmarks/internal/sweep"
)

// PageText is the page_text.json run artifact.
type PageText struct {
	BookID          string        `json:"book_id"`
	PageNum         int           `json:"page_num"`
	ScanRelPath     string        `json:"scan_relpath"`
	Engine          string        `json:"ocr_engine"`
	Text            string        `json:"text"`
	Words           []models.Word `json:"words"`
	Lines           []models.Line `json:"lines"`
	PrintedPage     *int          `json:"printed_page"`
	PrintedPageText string        `json:"printed_page_text,omitempty"`
	PrintedPageKind string        `json:"printed_page_kind,omitempty"`
	QA              sweep.PageQA  `json:"qa"`
	RunID           string        `json:"run_id"`
	ConfigHash      string        `json:"config_hash"`
}

// recognized is a page that went through the engine and waits for its
// in-order commit. The decoded image is not kept; commit loads it again.
type recognized struct {
	page    models.Page
	words   []models.Word
	lines   []models.Line
	printed ocr.PrintedPage
}

// OCR recognizes every page of the book and records it in the canonical
// corpus. Pages already in the corpus are replaced under always, skipped
// under if_same_run and denied under never. Recognition runs on the worker pool; printed page numbering and
// corpus writes then happen in page order.
func OCR(ctx context.Context, env *Env, engine ocr.Engine) error {
	byIndex, err := env.pageImages()
	if err != nil {
		return err
	}
	writer, err := corpus.OpenWriter(env.Store, env.CorpusRoot, env.Book.BookID)
	if err != nil {
		return err
	}
	if err := env.writeRunMeta(); err != nil {
		return err
	}

	indexes := sortedPages(byIndex, env.MaxPages)

	cfg := env.Pipeline.OCR
	printedOpts := ocr.PrintedOptionsFrom(cfg.PrintedPage)

	var (
		mu   sync.Mutex
		done = map[int]*recognized{}
	)
	summary, err := pipeline.Run(ctx, "ocr", indexes, env.Workers, func(ctx context.Context, index int) error {
		if err := writer.CheckPage(index, env.Policy); err != nil {
			if errors.Is(err, corpus.ErrPageExists) {
				return fmt.Errorf("%w: %v", pipeline.ErrSkipped, err)
			}
			return err
		}
		r, err := recognizePage(ctx, engine, byIndex[index], env, printedOpts)
		if err != nil {
			return err
		}
		mu.Lock()
		done[index] = r
		mu.Unlock()
		return nil
	})
	if err != nil {
		return err
	}

	numbering := &ocr.PageNumbering{SwitchMin: cfg.PrintedPage.ArabicSwitchMin}
	for i, res := range summary.Results {
		switch res.Status {
		case pipeline.StatusSkipped:
			advanceFromCorpus(numbering, writer, res.Page)
			continue
		case pipeline.StatusFailed:
			if errors.Is(res.Err, storage.ErrOverwriteDenied) {
				advanceFromCorpus(numbering, writer, res.Page)
			}
			continue
		}
		r := done[res.Page]
		if cfg.PrintedPage.Detect {
			r.printed = numbering.Apply(r.printed)
		}
		if err := commitPage(env, writer, engine.Name(), r); err != nil {
			kind := pipeline.Classify(err)
			slog.Error("Page commit failed", "phase", "ocr", "page", res.Page, "kind", kind, "err", err)
			summary.Results[i] = pipeline.PageResult{Page: res.Page, Status: pipeline.StatusFailed, Kind: kind, Err: err}
		}
	}
	return finish(ctx, summary, env.Store)
}

func recognizePage(ctx context.Context, engine ocr.Engine, page models.Page, env *Env, opts ocr.PrintedOptions) (*recognized, error) {
	img, err := images.Load(page.SourcePath)
	if err != nil {
		return nil, fmt.Errorf("%w: page %d: %v", ocr.ErrFailure, page.Index, err)
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("failed to encode page %d: %w", page.Index, err)
	}
	b := img.Bounds()
	cfg := env.Pipeline.OCR
	result, err := engine.Recognize(ctx, ocr.Input{
		PageIndex: page.Index,
		Path:      page.SourcePath,
		Image:     buf.Bytes(),
		MimeType:  "image/png",
		Width:     b.Dx(),
		Height:    b.Dy(),
		Language:  cfg.Language,
		PSM:       cfg.PSM,
	})
	if err != nil {
		return nil, fmt.Errorf("page %d: %w", page.Index, err)
	}

	lines := result.PageLines(env.Book.BookID, page.Index, cfg.LineYTolerancePx)
	r := &recognized{page: page, words: result.Words, lines: lines}
	if cfg.PrintedPage.Detect {
		r.printed = ocr.DetectPrintedPage(result.Words, lines, b.Dx(), b.Dy(), ocr.InferSide(page.RelPath), opts)
	}
	slog.Debug("Page recognized", "page", page.Index, "words", len(result.Words), "lines", len(lines))
	return r, nil
}

// advanceFromCorpus feeds an already recorded page's number into the
// numbering mode so later pages see the same state as a full run.
func advanceFromCorpus(n *ocr.PageNumbering, w *corpus.Writer, page int) {
	p, ok := w.Printed(page)
	if !ok {
		return
	}
	n.Apply(p)
}

func commitPage(env *Env, writer *corpus.Writer, engineName string, r *recognized) error {
	lines := make([]models.Line, len(r.lines))
	for i, l := range r.lines {
		l.ScanRelPath = r.page.RelPath
		l.PrintedPage = r.printed.Value
		l.PrintedPageText = r.printed.Text
		l.PrintedPageKind = r.printed.Kind
		lines[i] = l
	}

	words := r.words
	if words == nil {
		words = []models.Word{}
	}
	payload := PageText{
		BookID:          env.Book.BookID,
		PageNum:         r.page.Index,
		ScanRelPath:     r.page.RelPath,
		Engine:          engineName,
		Text:            ocr.PageText(lines),
		Words:           words,
		Lines:           lines,
		PrintedPage:     r.printed.Value,
		PrintedPageText: r.printed.Text,
		PrintedPageKind: r.printed.Kind,
		QA:              sweep.CheckPage(lines, env.Pipeline.QA),
		RunID:           env.Run.RunID,
		ConfigHash:      env.Run.ConfigHash,
	}
	if payload.QA.Suspect {
		slog.Warn("Suspect OCR page", "page", r.page.Index, "lines", payload.QA.LineCount, "alpha_ratio", payload.QA.AlphaRatio)
	}

	pw := env.newPageWriter()
	dir := env.PageDir(r.page.Index)
	if err := pw.writeJSON(filepath.Join(dir, pageTextFile), payload); err != nil {
		return err
	}
	img, err := images.Load(r.page.SourcePath)
	if err != nil {
		return fmt.Errorf("%w: page %d: %v", ocr.ErrFailure, r.page.Index, err)
	}
	if err := pw.writePNG(filepath.Join(dir, pageOverlayFile), ocr.Overlay(img, r.words, lines)); err != nil {
		return err
	}

	if len(lines) == 0 {
		slog.Info("Blank page, nothing recorded in corpus", "page", r.page.Index)
		return nil
	}
	_, err = writer.AddPage(r.page.Index, lines, env.Policy)
	return err
}
