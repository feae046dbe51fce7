package corpus

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/lehigh-university-libraries/scanmarks/internal/models"
	"github.com/parquet-go/parquet-go"
)

// Format is an export file format.
type Format string

const (
	FormatTxt     Format = "txt"
	FormatMD      Format = "md"
	FormatJSONL   Format = "jsonl"
	FormatParquet Format = "parquet"
)

func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case FormatTxt, FormatMD, FormatJSONL, FormatParquet:
		return f, nil
	case "":
		return FormatTxt, nil
	}
	return "", fmt.Errorf("unsupported export format %q (want txt, md, jsonl or parquet)", s)
}

// ExportPath is corpus/books/<book_id>/book.<ext>.
func ExportPath(root, bookID string, f Format) string {
	return filepath.Join(BookDir(root, bookID), "book."+string(f))
}

// PageRecord is one page of an exported book, used by the jsonl export.
type PageRecord struct {
	BookID      string `json:"book_id"`
	PageIndex   int    `json:"page_index"`
	PrintedPage *int   `json:"printed_page"`
	ScanRelPath string `json:"scan_relpath"`
	Text        string `json:"text"`
}

// LineRow is one line of an exported book, used by the parquet export.
type LineRow struct {
	BookID      string `parquet:"book_id"`
	PageIndex   int64  `parquet:"page_index"`
	PrintedPage *int64 `parquet:"printed_page,optional"`
	LineIndex   int64  `parquet:"line_index"`
	LineID      string `parquet:"line_id"`
	Text        string `parquet:"text"`
	X1          int64  `parquet:"x1"`
	Y1          int64  `parquet:"y1"`
	X2          int64  `parquet:"x2"`
	Y2          int64  `parquet:"y2"`
}

// PageRecords groups the reader's valid pages into export records.
func (r *Reader) PageRecords() []PageRecord {
	var out []PageRecord
	for _, p := range r.Pages() {
		lines, err := r.Lines(p)
		if err != nil || len(lines) == 0 {
			continue
		}
		out = append(out, PageRecord{
			BookID:      r.bookID,
			PageIndex:   p,
			PrintedPage: lines[0].PrintedPage,
			ScanRelPath: lines[0].ScanRelPath,
			Text:        pageText(lines),
		})
	}
	return out
}

// Export renders the whole book in the given format. title heads the
// markdown export and falls back to the book id.
func Export(r *Reader, title string, f Format) ([]byte, error) {
	pages := r.PageRecords()
	if len(pages) == 0 {
		return nil, &IntegrityError{Path: r.path, Reason: "no pages found in canonical corpus"}
	}

	switch f {
	case FormatTxt:
		parts := make([]string, 0, len(pages))
		for _, p := range pages {
			parts = append(parts, strings.TrimSpace(fmt.Sprintf("# Page %d\n%s", p.PageIndex, p.Text)))
		}
		return []byte(strings.TrimSpace(strings.Join(parts, "\n\n")) + "\n"), nil

	case FormatMD:
		if title == "" {
			title = r.bookID
		}
		parts := []string{"# " + title, ""}
		for _, p := range pages {
			display := strconv.Itoa(p.PageIndex)
			if p.PrintedPage != nil {
				display = strconv.Itoa(*p.PrintedPage)
			}
			parts = append(parts,
				strings.TrimRight(fmt.Sprintf("## Page %s (scan: %s)", display, p.ScanRelPath), " "),
				strings.TrimSpace(p.Text),
				"---",
				"",
			)
		}
		return []byte(strings.TrimSpace(strings.Join(parts, "\n\n")) + "\n"), nil

	case FormatJSONL:
		var buf bytes.Buffer
		enc := json.NewEncoder(&buf)
		enc.SetEscapeHTML(false)
		for _, p := range pages {
			if err := enc.Encode(p); err != nil {
				return nil, fmt.Errorf("failed to encode page %d: %w", p.PageIndex, err)
			}
		}
		return buf.Bytes(), nil

	case FormatParquet:
		return exportParquet(r)
	}
	return nil, fmt.Errorf("unsupported export format %q", f)
}

func exportParquet(r *Reader) ([]byte, error) {
	var rows []LineRow
	for _, l := range r.All() {
		row := LineRow{
			BookID:    l.BookID,
			PageIndex: int64(l.PageIndex),
			LineIndex: int64(l.Index),
			LineID:    l.LineID,
			Text:      l.Text,
			X1:        int64(l.BBox.X),
			Y1:        int64(l.BBox.Y),
			X2:        int64(l.BBox.X2()),
			Y2:        int64(l.BBox.Y2()),
		}
		if l.PrintedPage != nil {
			v := int64(*l.PrintedPage)
			row.PrintedPage = &v
		}
		rows = append(rows, row)
	}

	var buf bytes.Buffer
	w := parquet.NewGenericWriter[LineRow](&buf)
	if _, err := w.Write(rows); err != nil {
		return nil, fmt.Errorf("failed to write parquet rows: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("failed to close parquet writer: %w", err)
	}
	return buf.Bytes(), nil
}

func pageText(lines []models.Line) string {
	texts := make([]string, 0, len(lines))
	for _, l := range lines {
		if strings.TrimSpace(l.Text) != "" {
			texts = append(texts, l.Text)
		}
	}
	return strings.Join(texts, "\n")
}
