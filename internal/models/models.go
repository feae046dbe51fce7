package models

import (
	"encoding/json"
	"fmt"
	"image"
)

// BBox is a pixel rectangle. It serializes as [x1, y1, x2, y2] so artifacts
// stay compatible with the corner form used in run directories.
type BBox struct {
	X int
	Y int
	W int
	H int
}

// BBoxFromCorners builds a box from its top-left and bottom-right corners.
func BBoxFromCorners(x1, y1, x2, y2 int) BBox {
	if x2 < x1 {
		x1, x2 = x2, x1
	}
	if y2 < y1 {
		y1, y2 = y2, y1
	}
	return BBox{X: x1, Y: y1, W: x2 - x1, H: y2 - y1}
}

func BBoxFromRect(r image.Rectangle) BBox {
	return BBox{X: r.Min.X, Y: r.Min.Y, W: r.Dx(), H: r.Dy()}
}

func (b BBox) X2() int { return b.X + b.W }
func (b BBox) Y2() int { return b.Y + b.H }

func (b BBox) Empty() bool { return b.W <= 0 || b.H <= 0 }

func (b BBox) Area() int {
	if b.Empty() {
		return 0
	}
	return b.W * b.H
}

func (b BBox) CenterY() float64 { return float64(b.Y) + float64(b.H)/2 }
func (b BBox) CenterX() float64 { return float64(b.X) + float64(b.W)/2 }

func (b BBox) Rect() image.Rectangle { return image.Rect(b.X, b.Y, b.X2(), b.Y2()) }

// Intersect returns the overlapping region, or the zero box when the two
// boxes share no area.
func (b BBox) Intersect(o BBox) BBox {
	r := b.Rect().Intersect(o.Rect())
	if r.Empty() {
		return BBox{}
	}
	return BBoxFromRect(r)
}

// Union returns the smallest box containing both boxes. Empty boxes are ignored.
func (b BBox) Union(o BBox) BBox {
	if b.Empty() {
		return o
	}
	if o.Empty() {
		return b
	}
	return BBoxFromRect(b.Rect().Union(o.Rect()))
}

func (b BBox) MarshalJSON() ([]byte, error) {
	return json.Marshal([4]int{b.X, b.Y, b.X2(), b.Y2()})
}

func (b *BBox) UnmarshalJSON(data []byte) error {
	var corners []int
	if err := json.Unmarshal(data, &corners); err != nil {
		return fmt.Errorf("bbox: %w", err)
	}
	if len(corners) != 4 {
		return fmt.Errorf("bbox: expected 4 coordinates, got %d", len(corners))
	}
	*b = BBoxFromCorners(corners[0], corners[1], corners[2], corners[3])
	return nil
}

// Page is one scanned page image of a book.
type Page struct {
	Index      int    `json:"page_index"` // 1-based
	SourcePath string `json:"source_path"`
	RelPath    string `json:"scan_relpath"`
}

// Word is a recognized token with its box and engine confidence (0-100).
type Word struct {
	Text       string  `json:"text"`
	BBox       BBox    `json:"bbox"`
	Confidence float64 `json:"confidence"`
}

// Line is one OCR text line. It is the canonical corpus record: written once
// by the OCR phase and never mutated afterwards.
type Line struct {
	BookID          string `json:"book_id"`
	PageIndex       int    `json:"page_index"`
	LineID          string `json:"line_id"`
	Index           int    `json:"line_index"` // 0-based reading order within the page
	Text            string `json:"text"`
	BBox            BBox   `json:"bbox"`
	Words           []Word `json:"words,omitempty"`
	ScanRelPath     string `json:"scan_relpath,omitempty"`
	PrintedPage     *int   `json:"printed_page,omitempty"`
	PrintedPageText string `json:"printed_page_text,omitempty"`
	PrintedPageKind string `json:"printed_page_kind,omitempty"`
}

// ColorSignature summarizes the HSV values of a detected region.
type ColorSignature struct {
	HMean float64 `json:"h_mean"`
	SMean float64 `json:"s_mean"`
	VMean float64 `json:"v_mean"`
}

// Candidate is a highlighted region found on a page image, before it is
// associated with any text.
type Candidate struct {
	RegionID       string         `json:"region_id"`
	PageIndex      int            `json:"page_index"`
	Color          string         `json:"color"`
	BBox           BBox           `json:"bbox"`
	Area           int            `json:"area"`
	Confidence     float64        `json:"confidence"`
	ColorSignature ColorSignature `json:"color_signature"`
}

// Span is a merged, deduplicated run of lines attributed to one or more
// highlight candidates. It is the unit handed to note rendering.
type Span struct {
	SpanID          string   `json:"span_id"`
	PageStart       int      `json:"page_start"`
	PageEnd         int      `json:"page_end"`
	LineIDs         []string `json:"line_ids"`
	First           int      `json:"first_line_index"`
	Last            int      `json:"last_line_index"`
	SourceRegionIDs []string `json:"source_region_ids"`
	TriggerBBoxes   []BBox   `json:"trigger_bboxes"`
	SpanBBox        BBox     `json:"span_bbox"`
	Text            string   `json:"text"`
}

// RunMeta identifies one pipeline invocation.
type RunMeta struct {
	RunID      string `json:"run_id"`
	BookID     string `json:"book_id"`
	ConfigHash string `json:"config_hash"`
}

// Provenance is the ownership tag stored beside every written artifact.
type Provenance struct {
	RunID      string `json:"run_id"`
	ConfigHash string `json:"config_hash"`
	SHA256     string `json:"sha256"`
}
