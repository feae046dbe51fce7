// Package corpus owns the canonical per-book OCR record. Writer is the only
// code that writes canonical paths; every other phase gets a Reader.
package corpus

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"github.com/lehigh-university-libraries/scanmarks/internal/models"
)

// ErrIntegrity marks a canonical record that is missing or malformed.
var ErrIntegrity = errors.New("corpus integrity")

// IntegrityError scopes an integrity failure to a page when possible.
// Page is zero when the whole file is affected.
type IntegrityError struct {
	Path   string
	Page   int
	Reason string
}

func (e *IntegrityError) Error() string {
	if e.Page > 0 {
		return fmt.Sprintf("corpus %s page %d: %s", e.Path, e.Page, e.Reason)
	}
	return fmt.Sprintf("corpus %s: %s", e.Path, e.Reason)
}

func (e *IntegrityError) Unwrap() error { return ErrIntegrity }

const fileName = "pages.jsonl"

// BookDir is corpus/books/<book_id>.
func BookDir(root, bookID string) string {
	return filepath.Join(root, "books", bookID)
}

// BookPath is the canonical pages.jsonl of a book.
func BookPath(root, bookID string) string {
	return filepath.Join(BookDir(root, bookID), fileName)
}

// Reader is a read-only view of one book's canonical lines.
type Reader struct {
	path   string
	bookID string
	pages  map[int][]models.Line
	broken map[int]error
}

// Load reads the canonical file. A missing file or a record that cannot be
// attributed to a page fails the whole load; problems inside one page are
// reported by Lines for that page only.
func Load(path string) (*Reader, error) {
	file, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, &IntegrityError{Path: path, Reason: "pages.jsonl not found, run ocr first"}
		}
		return nil, fmt.Errorf("failed to open corpus: %w", err)
	}
	defer file.Close()
	return read(path, file)
}

func read(path string, src io.Reader) (*Reader, error) {
	r := &Reader{path: path, pages: map[int][]models.Line{}, broken: map[int]error{}}

	scanner := bufio.NewScanner(src)
	const maxCapacity = 10 * 1024 * 1024
	scanner.Buffer(make([]byte, 64*1024), maxCapacity)

	lineNum := 0
	for scanner.Scan() {
		lineNum++
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			continue
		}
		if lineNum == 1 {
			raw = bytes.TrimPrefix(raw, []byte("\xef\xbb\xbf"))
		}

		var line models.Line
		if err := json.Unmarshal(raw, &line); err != nil {
			var head struct {
				PageIndex int `json:"page_index"`
			}
			if json.Unmarshal(raw, &head) == nil && head.PageIndex > 0 {
				r.broken[head.PageIndex] = &IntegrityError{Path: path, Page: head.PageIndex,
					Reason: fmt.Sprintf("malformed record at line %d: %v", lineNum, err)}
				continue
			}
			return nil, &IntegrityError{Path: path, Reason: fmt.Sprintf("malformed record at line %d: %v", lineNum, err)}
		}
		if line.PageIndex <= 0 {
			return nil, &IntegrityError{Path: path, Reason: fmt.Sprintf("record at line %d has no page_index", lineNum)}
		}
		if r.bookID == "" {
			r.bookID = line.BookID
		} else if line.BookID != r.bookID {
			r.broken[line.PageIndex] = &IntegrityError{Path: path, Page: line.PageIndex,
				Reason: fmt.Sprintf("book_id %q does not match %q", line.BookID, r.bookID)}
		}
		r.pages[line.PageIndex] = append(r.pages[line.PageIndex], line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading corpus: %w", err)
	}

	for page, lines := range r.pages {
		if _, bad := r.broken[page]; bad {
			continue
		}
		if err := checkPage(path, page, lines); err != nil {
			r.broken[page] = err
		}
	}
	slog.Debug("Loaded corpus", "path", path, "pages", len(r.pages), "broken", len(r.broken))
	return r, nil
}

// checkPage requires line indexes 0..n-1 in order with unique ids.
func checkPage(path string, page int, lines []models.Line) error {
	ids := map[string]bool{}
	for i, l := range lines {
		if l.Index != i {
			return &IntegrityError{Path: path, Page: page, Reason: fmt.Sprintf("line_index %d at position %d", l.Index, i)}
		}
		if l.LineID == "" || ids[l.LineID] {
			return &IntegrityError{Path: path, Page: page, Reason: fmt.Sprintf("missing or duplicate line_id %q", l.LineID)}
		}
		ids[l.LineID] = true
	}
	return nil
}

func (r *Reader) Path() string   { return r.path }
func (r *Reader) BookID() string { return r.bookID }

// Pages returns the page indexes present, ascending, including broken ones.
func (r *Reader) Pages() []int {
	seen := map[int]bool{}
	for p := range r.pages {
		seen[p] = true
	}
	for p := range r.broken {
		seen[p] = true
	}
	out := make([]int, 0, len(seen))
	for p := range seen {
		out = append(out, p)
	}
	sort.Ints(out)
	return out
}

// Has reports whether page has a record, valid or not.
func (r *Reader) Has(page int) bool {
	_, ok := r.pages[page]
	_, bad := r.broken[page]
	return ok || bad
}

// Lines returns a copy of the page's lines in reading order.
func (r *Reader) Lines(page int) ([]models.Line, error) {
	if err, bad := r.broken[page]; bad {
		return nil, err
	}
	lines, ok := r.pages[page]
	if !ok {
		return nil, &IntegrityError{Path: r.path, Page: page, Reason: "page missing from corpus"}
	}
	out := make([]models.Line, len(lines))
	copy(out, lines)
	return out, nil
}

// All returns the lines of every valid page in page order. Broken pages are
// skipped and logged.
func (r *Reader) All() []models.Line {
	var out []models.Line
	for _, p := range r.Pages() {
		lines, err := r.Lines(p)
		if err != nil {
			slog.Warn("Skipping broken corpus page", "page", p, "err", err)
			continue
		}
		out = append(out, lines...)
	}
	return out
}
