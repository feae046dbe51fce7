// Package ocr defines the boundary to text recognition engines and turns
// their word boxes into reading-order lines.
package ocr

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/lehigh-university-libraries/scanmarks/internal/models"
)

var (
	// ErrDependencyMissing means the engine binary, library or credentials
	// are not available. It is fatal and never retried.
	ErrDependencyMissing = errors.New("ocr dependency missing")
	// ErrTimeout is returned when a page exceeds the recognition timeout.
	ErrTimeout = errors.New("ocr timeout")
	// ErrFailure wraps any other engine error for a page.
	ErrFailure = errors.New("ocr failure")
)

// Input is one page handed to an engine.
type Input struct {
	PageIndex int
	Path      string
	Image     []byte
	MimeType  string
	Width     int
	Height    int
	Language  string
	PSM       int
}

// Result holds what an engine recognized. Engines that only report words
// leave Lines empty and GroupLines builds them.
type Result struct {
	Words []models.Word
	Lines []models.Line
}

// Engine recognizes text on a page image. Implementations must be
// deterministic for identical input and configuration.
type Engine interface {
	Name() string
	Recognize(ctx context.Context, in Input) (*Result, error)
}

// PageLines returns the result's lines in reading order with page-scoped
// ids, grouping words when the engine returned none.
func (r *Result) PageLines(bookID string, page, yTolerance int) []models.Line {
	var lines []models.Line
	if len(r.Lines) > 0 {
		lines = make([]models.Line, len(r.Lines))
		copy(lines, r.Lines)
		sort.SliceStable(lines, func(i, j int) bool {
			if lines[i].BBox.CenterY() != lines[j].BBox.CenterY() {
				return lines[i].BBox.CenterY() < lines[j].BBox.CenterY()
			}
			return lines[i].BBox.X < lines[j].BBox.X
		})
		for i := range lines {
			lines[i].PageIndex = page
			lines[i].LineID = fmt.Sprintf("p%d_l%d", page, i+1)
			lines[i].Index = i
		}
	} else {
		lines = GroupLines(r.Words, page, yTolerance)
	}
	for i := range lines {
		lines[i].BookID = bookID
	}
	return lines
}

type cluster struct {
	centerY float64
	words   []models.Word
}

// GroupLines clusters words into lines by vertical centre. A word joins the
// first cluster whose running mean centre lies within yTolerance pixels.
func GroupLines(words []models.Word, page, yTolerance int) []models.Line {
	if len(words) == 0 {
		return nil
	}
	sorted := make([]models.Word, len(words))
	copy(sorted, words)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i].BBox, sorted[j].BBox
		if a.CenterY() != b.CenterY() {
			return a.CenterY() < b.CenterY()
		}
		return a.X < b.X
	})

	var clusters []*cluster
	for _, w := range sorted {
		cy := w.BBox.CenterY()
		var match *cluster
		for _, c := range clusters {
			if math.Abs(cy-c.centerY) <= float64(yTolerance) {
				match = c
				break
			}
		}
		if match == nil {
			clusters = append(clusters, &cluster{centerY: cy, words: []models.Word{w}})
			continue
		}
		match.words = append(match.words, w)
		var sum float64
		for _, mw := range match.words {
			sum += mw.BBox.CenterY()
		}
		match.centerY = sum / float64(len(match.words))
	}

	sort.SliceStable(clusters, func(i, j int) bool { return clusters[i].centerY < clusters[j].centerY })

	lines := make([]models.Line, 0, len(clusters))
	for i, c := range clusters {
		sort.SliceStable(c.words, func(a, b int) bool { return c.words[a].BBox.X < c.words[b].BBox.X })
		texts := make([]string, len(c.words))
		var box models.BBox
		for j, w := range c.words {
			texts[j] = w.Text
			box = box.Union(w.BBox)
		}
		lines = append(lines, models.Line{
			PageIndex: page,
			LineID:    fmt.Sprintf("p%d_l%d", page, i+1),
			Index:     i,
			Text:      strings.Join(texts, " "),
			BBox:      box,
			Words:     c.words,
		})
	}
	return lines
}

// PageText joins the non-blank line texts of a page.
func PageText(lines []models.Line) string {
	texts := make([]string, 0, len(lines))
	for _, l := range lines {
		if strings.TrimSpace(l.Text) != "" {
			texts = append(texts, l.Text)
		}
	}
	return strings.Join(texts, "\n")
}
