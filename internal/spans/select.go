package spans

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/lehigh-university-libraries/scanmarks/internal/config"
	"github.com/lehigh-university-libraries/scanmarks/internal/models"
)

// ErrSpanAssociationEmpty marks a highlight that touched no text line.
var ErrSpanAssociationEmpty = errors.New("highlight touched no text line")

// Options tunes line association and context expansion.
type Options struct {
	KBefore int
	KAfter  int
	// MinOverlapFrac is the share of a line's area a candidate must cover.
	// Zero accepts any non-zero intersection.
	MinOverlapFrac float64
	// MinXOverlapPx, when positive, also accepts a line whose horizontal
	// overlap with the candidate is at least this wide.
	MinXOverlapPx int
	// MaxOverlapLines, when positive, caps how many lines one candidate may
	// claim; above it only the line nearest the candidate centre is kept.
	MaxOverlapLines int
	Separator       string
}

// FromPipeline builds Options from the spans config section.
func FromPipeline(s config.Spans) Options {
	return Options{
		KBefore:         s.KBefore,
		KAfter:          s.KAfter,
		MinOverlapFrac:  s.MinOverlapFrac,
		MinXOverlapPx:   s.MinXOverlapPx,
		MaxOverlapLines: s.MaxOverlapLines,
		Separator:       s.Separator,
	}
}

// Warning reports a candidate that was dropped during selection.
type Warning struct {
	RegionID  string
	PageIndex int
	Err       error
}

func (w Warning) Error() string {
	return fmt.Sprintf("page %d region %s: %v", w.PageIndex, w.RegionID, w.Err)
}

func (w Warning) Unwrap() error { return w.Err }

type lineRange struct {
	page    int
	lo, hi  int
	sources []models.Candidate
}

// Select associates candidates with lines, expands each by the configured
// context, then merges and deduplicates the ranges per page. Spans never
// cross a page boundary. Output is ordered by page and first line.
func Select(candidates []models.Candidate, lines []models.Line, opts Options) ([]models.Span, []Warning, error) {
	if opts.KBefore < 0 || opts.KAfter < 0 {
		return nil, nil, fmt.Errorf("k_before and k_after must be non-negative, got %d and %d", opts.KBefore, opts.KAfter)
	}
	if opts.Separator == "" {
		opts.Separator = "\n"
	}

	byPage := groupLines(lines)
	cands := sortCandidates(candidates)

	var (
		ranges   []lineRange
		warnings []Warning
	)
	for _, c := range cands {
		pageLines := byPage[c.PageIndex]
		matched := associate(c.BBox, pageLines, opts)
		if len(matched) == 0 {
			warnings = append(warnings, Warning{RegionID: c.RegionID, PageIndex: c.PageIndex, Err: ErrSpanAssociationEmpty})
			continue
		}
		lo, hi := matched[0], matched[len(matched)-1]
		ranges = append(ranges, lineRange{
			page:    c.PageIndex,
			lo:      max(0, lo-opts.KBefore),
			hi:      min(len(pageLines)-1, hi+opts.KAfter),
			sources: []models.Candidate{c},
		})
	}

	merged := mergeRanges(ranges)
	return buildSpans(merged, byPage, opts.Separator), warnings, nil
}

func groupLines(lines []models.Line) map[int][]models.Line {
	byPage := map[int][]models.Line{}
	for _, l := range lines {
		byPage[l.PageIndex] = append(byPage[l.PageIndex], l)
	}
	for page := range byPage {
		pl := byPage[page]
		sort.SliceStable(pl, func(i, j int) bool { return pl[i].Index < pl[j].Index })
	}
	return byPage
}

func sortCandidates(candidates []models.Candidate) []models.Candidate {
	out := make([]models.Candidate, len(candidates))
	copy(out, candidates)
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.PageIndex != b.PageIndex {
			return a.PageIndex < b.PageIndex
		}
		if a.BBox.Y != b.BBox.Y {
			return a.BBox.Y < b.BBox.Y
		}
		if a.BBox.X != b.BBox.X {
			return a.BBox.X < b.BBox.X
		}
		return a.RegionID < b.RegionID
	})
	return out
}

// associate returns the positions of the lines bbox touches, ascending.
func associate(bbox models.BBox, lines []models.Line, opts Options) []int {
	var matched []int
	for i, l := range lines {
		if lineMatches(l.BBox, bbox, opts) {
			matched = append(matched, i)
		}
	}
	if opts.MaxOverlapLines > 0 && len(matched) > opts.MaxOverlapLines {
		// A candidate this tall is usually a margin stroke; keep the line
		// closest to its centre.
		center := bbox.CenterY()
		best := matched[0]
		for _, i := range matched[1:] {
			if math.Abs(lines[i].BBox.CenterY()-center) < math.Abs(lines[best].BBox.CenterY()-center) {
				best = i
			}
		}
		return []int{best}
	}
	return matched
}

func lineMatches(line, trigger models.BBox, opts Options) bool {
	inter := line.Intersect(trigger)
	if inter.Area() <= 0 {
		return false
	}
	if float64(inter.Area())/float64(max(1, line.Area())) >= opts.MinOverlapFrac {
		return true
	}
	return opts.MinXOverlapPx > 0 && inter.W >= opts.MinXOverlapPx
}

// mergeRanges folds overlapping or adjacent ranges on the same page.
func mergeRanges(ranges []lineRange) []lineRange {
	sort.SliceStable(ranges, func(i, j int) bool {
		a, b := ranges[i], ranges[j]
		if a.page != b.page {
			return a.page < b.page
		}
		if a.lo != b.lo {
			return a.lo < b.lo
		}
		return a.hi < b.hi
	})

	var out []lineRange
	for _, r := range ranges {
		if n := len(out); n > 0 {
			cur := &out[n-1]
			if cur.page == r.page && r.lo <= cur.hi+1 {
				cur.hi = max(cur.hi, r.hi)
				cur.sources = append(cur.sources, r.sources...)
				continue
			}
		}
		out = append(out, r)
	}

	// Merging leaves disjoint ranges per page, but fold any identical line
	// set anyway so one range never yields two spans.
	seen := map[[3]int]int{}
	deduped := out[:0]
	for _, r := range out {
		key := [3]int{r.page, r.lo, r.hi}
		if idx, ok := seen[key]; ok {
			deduped[idx].sources = append(deduped[idx].sources, r.sources...)
			continue
		}
		seen[key] = len(deduped)
		deduped = append(deduped, r)
	}
	return deduped
}

func buildSpans(ranges []lineRange, byPage map[int][]models.Line, sep string) []models.Span {
	spans := make([]models.Span, 0, len(ranges))
	perPage := map[int]int{}
	for _, r := range ranges {
		perPage[r.page]++
		selected := byPage[r.page][r.lo : r.hi+1]

		span := models.Span{
			SpanID:    fmt.Sprintf("p%d_s%d", r.page, perPage[r.page]),
			PageStart: r.page,
			PageEnd:   r.page,
			First:     selected[0].Index,
			Last:      selected[len(selected)-1].Index,
		}
		texts := make([]string, 0, len(selected))
		for _, l := range selected {
			span.LineIDs = append(span.LineIDs, l.LineID)
			span.SpanBBox = span.SpanBBox.Union(l.BBox)
			texts = append(texts, l.Text)
		}
		span.Text = strings.Join(texts, sep)

		seen := map[string]bool{}
		for _, c := range r.sources {
			if seen[c.RegionID] {
				continue
			}
			seen[c.RegionID] = true
			span.SourceRegionIDs = append(span.SourceRegionIDs, c.RegionID)
			span.TriggerBBoxes = append(span.TriggerBBoxes, c.BBox)
		}
		spans = append(spans, span)
	}
	return spans
}
