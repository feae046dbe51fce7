package corpus

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/lehigh-university-libraries/scanmarks/internal/models"
	"github.com/lehigh-university-libraries/scanmarks/internal/ocr"
	"github.com/lehigh-university-libraries/scanmarks/internal/storage"
)

// ErrPageExists is returned by AddPage under if_same_run when the page is
// already in the corpus. The existing record is left untouched.
var ErrPageExists = errors.New("page already in corpus")

// Writer appends pages to one book's canonical file. Every AddPage rewrites
// the whole file atomically with pages in order, under a single lock, so one
// page's lines never interleave with another's.
type Writer struct {
	mu     sync.Mutex
	store  *storage.Store
	path   string
	bookID string
	pages  map[int][]models.Line
}

// OpenWriter loads any existing canonical file for bookID. A corrupt file
// is refused rather than rewritten.
func OpenWriter(store *storage.Store, root, bookID string) (*Writer, error) {
	w := &Writer{
		store:  store,
		path:   BookPath(root, bookID),
		bookID: bookID,
		pages:  map[int][]models.Line{},
	}
	if !store.Exists(w.path) {
		return w, nil
	}
	r, err := Load(w.path)
	if err != nil {
		return nil, err
	}
	if r.BookID() != "" && r.BookID() != bookID {
		return nil, &IntegrityError{Path: w.path, Reason: fmt.Sprintf("file belongs to book %q", r.BookID())}
	}
	for _, p := range r.Pages() {
		lines, err := r.Lines(p)
		if err != nil {
			return nil, err
		}
		w.pages[p] = lines
	}
	return w, nil
}

func (w *Writer) Path() string { return w.path }

// HasPage reports whether page is already recorded.
func (w *Writer) HasPage(page int) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.pages[page]
	return ok
}

// Printed returns the printed page recorded for page, taken from its first
// line.
func (w *Writer) Printed(page int) (ocr.PrintedPage, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	lines, ok := w.pages[page]
	if !ok || len(lines) == 0 {
		return ocr.PrintedPage{}, false
	}
	l := lines[0]
	return ocr.PrintedPage{Value: l.PrintedPage, Text: l.PrintedPageText, Kind: l.PrintedPageKind}, true
}

// CheckPage reports whether page may be recorded under policy. A recorded
// page yields ErrPageExists under if_same_run and an overwrite error naming
// the owning run under never.
func (w *Writer) CheckPage(page int, policy storage.Policy) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.check(page, policy)
}

func (w *Writer) check(page int, policy storage.Policy) error {
	if _, exists := w.pages[page]; !exists {
		return nil
	}
	switch policy {
	case storage.PolicyAlways:
		return nil
	case storage.PolicyIfSameRun:
		return fmt.Errorf("page %d: %w", page, ErrPageExists)
	default:
		owner := ""
		if prov, err := w.store.Provenance(w.path); err == nil {
			owner = prov.RunID
		}
		return fmt.Errorf("page %d: %w", page, &storage.OverwriteError{
			Path: w.path, Policy: storage.PolicyNever, OwnerRunID: owner, CurrentRunID: w.store.Run.RunID,
		})
	}
}

// AddPage records the lines of one page. An existing page is replaced only
// under always; if_same_run leaves it and returns ErrPageExists; never
// fails with an overwrite error.
func (w *Writer) AddPage(page int, lines []models.Line, policy storage.Policy) (storage.Decision, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.check(page, policy); err != nil {
		d := storage.Decision{Path: w.path, Policy: policy, Action: storage.ActionUnchanged, DryRun: w.store.DryRun}
		if errors.Is(err, storage.ErrOverwriteDenied) {
			d.Policy, d.Action = storage.PolicyNever, storage.ActionDenied
		}
		return d, err
	}

	record := make([]models.Line, len(lines))
	for i, l := range lines {
		l.BookID = w.bookID
		l.PageIndex = page
		l.Index = i
		record[i] = l
	}

	previous, had := w.pages[page]
	w.pages[page] = record
	content, err := w.encode()
	if err == nil {
		var d storage.Decision
		d, err = w.store.CommitCanonical(w.path, content)
		if err == nil {
			slog.Info("Corpus page recorded", "path", w.path, "page", page, "lines", len(record), "dry_run", d.DryRun)
			return d, nil
		}
	}
	if had {
		w.pages[page] = previous
	} else {
		delete(w.pages, page)
	}
	return storage.Decision{Path: w.path, Policy: policy, Action: storage.ActionDenied, DryRun: w.store.DryRun}, err
}

func (w *Writer) encode() ([]byte, error) {
	pages := make([]int, 0, len(w.pages))
	for p := range w.pages {
		pages = append(pages, p)
	}
	sort.Ints(pages)

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	for _, p := range pages {
		for _, l := range w.pages[p] {
			if err := enc.Encode(l); err != nil {
				return nil, fmt.Errorf("failed to encode page %d: %w", p, err)
			}
		}
	}
	return buf.Bytes(), nil
}
