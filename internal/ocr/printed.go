package ocr

import (
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/lehigh-university-libraries/scanmarks/internal/config"
	"github.com/lehigh-university-libraries/scanmarks/internal/models"
)

// Side is the half of a two-page spread a scan shows.
type Side string

const (
	SideLeft    Side = "left"
	SideRight   Side = "right"
	SideNeutral Side = "neutral"
)

const (
	KindArabic = "arabic"
	KindRoman  = "roman"
)

var (
	romanStrict = regexp.MustCompile(`^m{0,4}(cm|cd|d?c{0,3})(xc|xl|l?x{0,3})(ix|iv|v?i{0,3})$`)
	arabicToken = regexp.MustCompile(`^\d{1,4}$`)
	tailToken   = regexp.MustCompile(`([A-Za-z0-9]+)[^A-Za-z0-9]*$`)
	romanValues = map[byte]int{'i': 1, 'v': 5, 'x': 10, 'l': 50, 'c': 100, 'd': 500, 'm': 1000}
)

// InferSide reads a trailing _L or _R from the scan file name.
func InferSide(relPath string) Side {
	stem := strings.ToLower(strings.TrimSuffix(filepath.Base(relPath), filepath.Ext(relPath)))
	switch {
	case strings.HasSuffix(stem, "_l"):
		return SideLeft
	case strings.HasSuffix(stem, "_r"):
		return SideRight
	}
	return SideNeutral
}

// NormalizeRoman lower-cases s and keeps only roman numeral letters.
func NormalizeRoman(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		if strings.ContainsRune("ivxlcdm", r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// RomanToInt parses a strictly formed roman numeral.
func RomanToInt(s string) (int, bool) {
	n := NormalizeRoman(s)
	if n == "" || !romanStrict.MatchString(n) {
		return 0, false
	}
	total := 0
	for i := 0; i < len(n); i++ {
		v := romanValues[n[i]]
		if i+1 < len(n) && v < romanValues[n[i+1]] {
			total -= v
			continue
		}
		total += v
	}
	return total, true
}

// PrintedPage is the page number printed on the scan, if one was found.
type PrintedPage struct {
	Value *int
	Text  string
	Kind  string
}

// PrintedOptions tunes printed page detection.
type PrintedOptions struct {
	TopBandFrac float64
	MinConf     float64
	RomanMinLen int
	RomanMax    int
	MaxTopLines int
}

func PrintedOptionsFrom(p config.PrintedPage) PrintedOptions {
	return PrintedOptions{
		TopBandFrac: p.TopBandFrac,
		MinConf:     p.MinConf,
		RomanMinLen: p.RomanMinLen,
		RomanMax:    p.RomanMax,
		MaxTopLines: 5,
	}
}

type pageToken struct {
	text      string
	conf      float64 // negative when the engine gave no confidence
	bbox      models.BBox
	source    string
	lineID    string
	xNorm     float64
	yNorm     float64
	preferred bool
	edge      float64
	roman     int
}

// DetectPrintedPage looks for a page number in the top band of the page.
// Arabic numbers win over roman ones; among candidates the side of the
// spread's outer edge is preferred.
func DetectPrintedPage(words []models.Word, lines []models.Line, width, height int, side Side, opts PrintedOptions) PrintedPage {
	width, height = max(1, width), max(1, height)
	limit := max(0, opts.TopBandFrac) * float64(height)

	newToken := func(text string, conf float64, b models.BBox, source, lineID string) pageToken {
		x := b.CenterX() / float64(width)
		return pageToken{
			text:      text,
			conf:      conf,
			bbox:      b,
			source:    source,
			lineID:    lineID,
			xNorm:     x,
			yNorm:     b.CenterY() / float64(height),
			preferred: preferredRegion(x, side),
			edge:      edgeScore(x, side),
		}
	}

	var tokens []pageToken
	for _, w := range words {
		if w.BBox.CenterY() > limit {
			continue
		}
		tokens = append(tokens, newToken(w.Text, w.Confidence, w.BBox, "word", ""))
	}

	sorted := make([]models.Line, len(lines))
	copy(sorted, lines)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if a.BBox.CenterY() != b.BBox.CenterY() {
			return a.BBox.CenterY() < b.BBox.CenterY()
		}
		if a.BBox.X != b.BBox.X {
			return a.BBox.X < b.BBox.X
		}
		return a.LineID < b.LineID
	})
	for i, l := range sorted {
		if i >= opts.MaxTopLines {
			break
		}
		if l.BBox.CenterY() > limit {
			continue
		}
		text, conf := lineTail(l)
		if text == "" {
			continue
		}
		tokens = append(tokens, newToken(text, conf, l.BBox, "line", l.LineID))
	}

	confident := func(t pageToken) bool { return t.conf < 0 || t.conf >= opts.MinConf }

	var arabic []pageToken
	for _, t := range tokens {
		if confident(t) && arabicToken.MatchString(t.text) {
			arabic = append(arabic, t)
		}
	}
	if len(arabic) > 0 {
		best := rankTokens(arabic)
		v, _ := strconv.Atoi(best.text)
		return PrintedPage{Value: &v, Text: best.text, Kind: KindArabic}
	}

	var roman []pageToken
	for _, t := range tokens {
		if !confident(t) || len(NormalizeRoman(t.text)) < opts.RomanMinLen {
			continue
		}
		v, ok := RomanToInt(t.text)
		if !ok || v > opts.RomanMax {
			continue
		}
		t.roman = v
		roman = append(roman, t)
	}
	if len(roman) > 0 {
		best := rankTokens(roman)
		v := best.roman
		return PrintedPage{Value: &v, Text: best.text, Kind: KindRoman}
	}
	return PrintedPage{}
}

func lineTail(l models.Line) (string, float64) {
	if len(l.Words) > 0 {
		last := l.Words[len(l.Words)-1]
		return last.Text, last.Confidence
	}
	m := tailToken.FindStringSubmatch(strings.TrimSpace(l.Text))
	if m == nil {
		return "", 0
	}
	return m[1], -1
}

func preferredRegion(x float64, side Side) bool {
	switch side {
	case SideLeft:
		return x < 0.35
	case SideRight:
		return x > 0.65
	}
	return true
}

func edgeScore(x float64, side Side) float64 {
	switch side {
	case SideLeft:
		return 1 - x
	case SideRight:
		return x
	}
	return max(x, 1-x)
}

func rankTokens(tokens []pageToken) pageToken {
	sort.SliceStable(tokens, func(i, j int) bool {
		a, b := tokens[i], tokens[j]
		if a.preferred != b.preferred {
			return a.preferred
		}
		if a.edge != b.edge {
			return a.edge > b.edge
		}
		if a.conf != b.conf {
			return a.conf > b.conf
		}
		if a.yNorm != b.yNorm {
			return a.yNorm < b.yNorm
		}
		if a.text != b.text {
			return a.text < b.text
		}
		if a.lineID != b.lineID {
			return a.lineID < b.lineID
		}
		if a.source != b.source {
			return a.source < b.source
		}
		return a.bbox.Y < b.bbox.Y || (a.bbox.Y == b.bbox.Y && a.bbox.X < b.bbox.X)
	})
	return tokens[0]
}

// PageNumbering carries the arabic/roman mode across pages in book order.
// Once an arabic number at or above SwitchMin is seen, later roman numbers
// are treated as noise.
type PageNumbering struct {
	SwitchMin int
	arabic    bool
}

// Apply filters p through the current mode and advances it.
func (n *PageNumbering) Apply(p PrintedPage) PrintedPage {
	if n.arabic && p.Kind == KindRoman {
		return PrintedPage{}
	}
	if p.Kind == KindArabic && p.Value != nil && *p.Value >= n.SwitchMin {
		n.arabic = true
	}
	return p
}

// Arabic reports whether the arabic-only mode is active.
func (n *PageNumbering) Arabic() bool { return n.arabic }
