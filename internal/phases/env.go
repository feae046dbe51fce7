// Package phases implements the pipeline commands: each phase reads the
// artifacts of earlier phases and writes its own through a storage.Store.
package phases

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/lehigh-university-libraries/scanmarks/internal/config"
	"github.com/lehigh-university-libraries/scanmarks/internal/images"
	"github.com/lehigh-university-libraries/scanmarks/internal/models"
	"github.com/lehigh-university-libraries/scanmarks/internal/pipeline"
	"github.com/lehigh-university-libraries/scanmarks/internal/storage"
)

// Run artifact names.
const (
	runMetaFile        = "run.json"
	pageTextFile       = "page_text.json"
	pageOverlayFile    = "page_overlay.png"
	maskFile           = "highlight_mask.png"
	candidatesFile     = "highlight_candidates.json"
	highlightsOverlay  = "highlights_overlay.png"
	spansFile          = "spans.json"
	spansOverlayFile   = "spans_overlay.png"
	obsidianStagingDir = "obsidian_staging"
)

// Artifacts that later phases use to find the latest run.
const (
	CandidatesArtifact = candidatesFile
	SpansArtifact      = spansFile
)

// Options are the flags shared by every book phase.
type Options struct {
	BookPath     string
	PipelinePath string
	// PipelineOptional lets a missing pipeline file fall back to defaults.
	PipelineOptional bool
	RunsRoot         string
	CorpusRoot       string
	RunID            string
	Overwrite        string
	DryRun           bool
	MaxPages         int
	Workers          int
	// KBefore and KAfter override spans.k_before and spans.k_after when set.
	KBefore *int
	KAfter  *int
}

// Env is the resolved configuration of one phase invocation.
type Env struct {
	Book       config.Book
	Pipeline   config.Pipeline
	Run        models.RunMeta
	Policy     storage.Policy
	Store      *storage.Store
	RunsRoot   string
	CorpusRoot string
	MaxPages   int
	Workers    int
}

// Open loads the configuration and resolves the run id. When no run id is
// given and latestWith is set, the newest run holding that artifact for the
// book is reused; otherwise a new timestamp id is minted.
func Open(opts Options, latestWith string) (*Env, error) {
	loaded, err := config.Load(opts.BookPath, opts.PipelinePath, opts.PipelineOptional)
	if err != nil {
		return nil, err
	}
	if opts.KBefore != nil || opts.KAfter != nil {
		err := loaded.Override(func(p *config.Pipeline) {
			if opts.KBefore != nil {
				p.Spans.KBefore = *opts.KBefore
			}
			if opts.KAfter != nil {
				p.Spans.KAfter = *opts.KAfter
			}
		})
		if err != nil {
			return nil, err
		}
	}
	policy, err := storage.ParsePolicy(opts.Overwrite)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", config.ErrInvalid, err)
	}

	runsRoot := opts.RunsRoot
	if runsRoot == "" {
		runsRoot = "runs"
	}
	corpusRoot := opts.CorpusRoot
	if corpusRoot == "" {
		corpusRoot = "corpus"
	}

	runID := strings.TrimSpace(opts.RunID)
	if runID == "" && latestWith != "" {
		runID, err = LatestRun(runsRoot, loaded.Book.BookID, latestWith)
		if err != nil {
			return nil, err
		}
		if runID == "" {
			return nil, fmt.Errorf("%w: no run id given and no run under %s has %s for book %s, pass --run-id",
				images.ErrMissingPath, runsRoot, latestWith, loaded.Book.BookID)
		}
		slog.Info("Using latest run", "run_id", runID, "artifact", latestWith)
	}
	runID = storage.ResolveRunID(runID, nil)

	workers := opts.Workers
	if workers <= 0 {
		workers = loaded.Pipeline.Workers
	}
	run := models.RunMeta{RunID: runID, BookID: loaded.Book.BookID, ConfigHash: loaded.ConfigHash}
	return &Env{
		Book:       loaded.Book,
		Pipeline:   loaded.Pipeline,
		Run:        run,
		Policy:     policy,
		Store:      storage.New(run, opts.DryRun, corpusRoot),
		RunsRoot:   runsRoot,
		CorpusRoot: corpusRoot,
		MaxPages:   opts.MaxPages,
		Workers:    max(1, workers),
	}, nil
}

func (e *Env) RunDir() string     { return filepath.Join(e.RunsRoot, e.Run.RunID) }
func (e *Env) BookRunDir() string { return filepath.Join(e.RunDir(), "book_"+e.Book.BookID) }

// PageDir is runs/<run_id>/book_<book_id>/page_NNNN.
func (e *Env) PageDir(page int) string {
	return filepath.Join(e.BookRunDir(), fmt.Sprintf("page_%04d", page))
}

// writeRunMeta records the run identity once per run directory.
func (e *Env) writeRunMeta() error {
	path := filepath.Join(e.RunDir(), runMetaFile)
	if e.Store.Exists(path) {
		return nil
	}
	_, err := e.Store.WriteJSON(path, e.Run, storage.PolicyNever)
	return err
}

// LatestRun returns the most recently started run under runsRoot that holds
// artifact for bookID, or "" when none does. A run's start is the
// modification time of its run.json, which is written once; runs without
// one fall back to their directory's. Equal times are broken by run id.
func LatestRun(runsRoot, bookID, artifact string) (string, error) {
	entries, err := os.ReadDir(runsRoot)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("failed to list runs in %s: %w", runsRoot, err)
	}

	type candidate struct {
		id      string
		started time.Time
	}
	var found []candidate
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		runDir := filepath.Join(runsRoot, e.Name())
		matches, err := pageArtifacts(runDir, bookID, artifact)
		if err != nil {
			return "", err
		}
		if len(matches) == 0 {
			continue
		}
		started, err := runStarted(runDir)
		if err != nil {
			return "", err
		}
		found = append(found, candidate{id: e.Name(), started: started})
	}
	if len(found) == 0 {
		return "", nil
	}
	sort.Slice(found, func(i, j int) bool {
		if !found[i].started.Equal(found[j].started) {
			return found[i].started.After(found[j].started)
		}
		return found[i].id > found[j].id
	})
	return found[0].id, nil
}

func runStarted(runDir string) (time.Time, error) {
	info, err := os.Stat(filepath.Join(runDir, runMetaFile))
	if os.IsNotExist(err) {
		info, err = os.Stat(runDir)
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to stat run %s: %w", runDir, err)
	}
	return info.ModTime(), nil
}

// pageArtifacts lists book_<id>/page_*/<artifact> under runDir by page.
func pageArtifacts(runDir, bookID, artifact string) (map[int]string, error) {
	pattern := "book_" + escapeGlob(bookID) + "/page_*/" + escapeGlob(artifact)
	matches, err := doublestar.Glob(os.DirFS(runDir), pattern, doublestar.WithFilesOnly())
	if err != nil {
		return nil, fmt.Errorf("failed to list %s under %s: %w", artifact, runDir, err)
	}
	out := make(map[int]string, len(matches))
	for _, m := range matches {
		dir := filepath.Base(filepath.Dir(filepath.FromSlash(m)))
		page, err := strconv.Atoi(strings.TrimPrefix(dir, "page_"))
		if err != nil || page <= 0 {
			slog.Warn("Ignoring unexpected page directory", "path", m)
			continue
		}
		out[page] = filepath.Join(runDir, filepath.FromSlash(m))
	}
	return out, nil
}

func escapeGlob(s string) string {
	var b strings.Builder
	for _, r := range s {
		if strings.ContainsRune(`*?[]{}\`, r) {
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

// sortedPages returns the keys of m ascending, limited to max when positive.
func sortedPages[T any](m map[int]T, max int) []int {
	pages := make([]int, 0, len(m))
	for p := range m {
		pages = append(pages, p)
	}
	sort.Ints(pages)
	return pipeline.Limit(pages, max)
}

// readJSON decodes a run artifact, tolerating a UTF-8 BOM.
func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}
	data = bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("invalid JSON in %s: %w", path, err)
	}
	return nil
}

// pageWriter writes the artifacts of one page and remembers whether any of
// them changed. A page whose every write was unchanged counts as skipped.
type pageWriter struct {
	store   *storage.Store
	policy  storage.Policy
	changed bool
}

func (e *Env) newPageWriter() *pageWriter {
	return &pageWriter{store: e.Store, policy: e.Policy}
}

func (w *pageWriter) note(d storage.Decision, err error) error {
	if err != nil {
		return err
	}
	if d.Action != storage.ActionUnchanged {
		w.changed = true
	}
	return nil
}

func (w *pageWriter) writeJSON(path string, v any) error {
	return w.note(w.store.WriteJSON(path, v, w.policy))
}

func (w *pageWriter) writePNG(path string, img image.Image) error {
	return w.note(w.store.WritePNG(path, img, w.policy))
}

func (w *pageWriter) writeRaw(path string, content []byte) error {
	return w.note(w.store.Write(path, content, w.policy))
}

// done returns pipeline.ErrSkipped when nothing on the page changed.
func (w *pageWriter) done(page int) error {
	if !w.changed {
		return fmt.Errorf("page %d artifacts unchanged: %w", page, pipeline.ErrSkipped)
	}
	return nil
}

// pageImages maps page index to scan path for the book.
func (e *Env) pageImages() (map[int]models.Page, error) {
	pages, err := images.Discover(e.Book.ScansPath, "")
	if err != nil {
		return nil, err
	}
	out := make(map[int]models.Page, len(pages))
	for _, p := range pages {
		out[p.Index] = p
	}
	return out, nil
}

// finish logs the summary and returns its error. A phase interrupted
// between pages reports the cancellation.
func finish(ctx context.Context, summary *pipeline.Summary, store *storage.Store) error {
	summary.Log()
	if store.DryRun {
		for _, d := range store.Decisions() {
			slog.Info("[dry-run] decision", "path", d.Path, "action", d.Action, "policy", d.Policy)
		}
	}
	if err := summary.Err(); err != nil {
		return err
	}
	return ctx.Err()
}
