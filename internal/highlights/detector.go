package highlights

import (
	"errors"
	"fmt"
	"image"
	"math"
	"sort"

	"github.com/lehigh-university-libraries/scanmarks/internal/config"
	"github.com/lehigh-university-libraries/scanmarks/internal/models"
	"github.com/lucasb-eyer/go-colorful"
)

// ErrNoHighlightFound is informational: the page simply has no highlights.
var ErrNoHighlightFound = errors.New("no highlight found")

// Config controls detection. Each color is segmented independently; the
// shape filters apply to all of them.
type Config struct {
	Colors        []config.Color
	EdgeMarginPx  int
	MaxHWRatio    float64
	MaxHeightFrac float64
	FrameCropFrac float64
}

// FromPipeline builds a detector config from the highlights section.
func FromPipeline(h config.Highlights) Config {
	return Config{
		Colors:        h.ColorList(),
		EdgeMarginPx:  h.EdgeMarginPx,
		MaxHWRatio:    h.MaxHWRatio,
		MaxHeightFrac: h.MaxHeightFrac,
		FrameCropFrac: h.FrameCropFrac,
	}
}

// Detection is the result of scanning one page.
type Detection struct {
	Candidates []models.Candidate
	// Mask is the union of the cleaned per-color masks.
	Mask *image.Gray
}

// Detect finds highlighted regions on img. The result depends only on the
// pixels and cfg, so repeated calls return identical candidates.
func Detect(img image.Image, page int, cfg Config) Detection {
	hsv := toHSV(img)
	union := make([]bool, hsv.w*hsv.h)

	type found struct {
		cand     models.Candidate
		colorIdx int
	}
	var all []found

	for ci, color := range cfg.Colors {
		mask := hsv.threshold(color.HSVLow, color.HSVHigh)
		cropFrame(mask, hsv.w, hsv.h, cfg.FrameCropFrac)
		mask = closeMask(mask, hsv.w, hsv.h, color.KernelSize)
		mask = openMask(mask, hsv.w, hsv.h, color.KernelSize)
		for i, on := range mask {
			if on {
				union[i] = true
			}
		}

		for _, comp := range components(mask, hsv.w, hsv.h, hsv) {
			if comp.area < color.MinArea {
				continue
			}
			if !PassesShapeFilters(comp.bbox, hsv.w, hsv.h, cfg) {
				continue
			}
			confidence := float64(comp.area) / float64(comp.bbox.Area())
			if confidence < color.MinConfidence {
				continue
			}
			n := float64(comp.area)
			all = append(all, found{
				colorIdx: ci,
				cand: models.Candidate{
					PageIndex:  page,
					Color:      color.Name,
					BBox:       comp.bbox,
					Area:       comp.area,
					Confidence: round(confidence, 6),
					ColorSignature: models.ColorSignature{
						HMean: round(comp.hSum/n, 3),
						SMean: round(comp.sSum/n, 3),
						VMean: round(comp.vSum/n, 3),
					},
				},
			})
		}
	}

	sort.SliceStable(all, func(i, j int) bool {
		a, b := all[i].cand.BBox, all[j].cand.BBox
		if a.Y != b.Y {
			return a.Y < b.Y
		}
		if a.X != b.X {
			return a.X < b.X
		}
		return all[i].colorIdx < all[j].colorIdx
	})

	det := Detection{Mask: grayMask(union, hsv.w, hsv.h)}
	for i, f := range all {
		f.cand.RegionID = fmt.Sprintf("p%d_h%d", page, i+1)
		det.Candidates = append(det.Candidates, f.cand)
	}
	return det
}

// PassesShapeFilters rejects tall, narrow components and page-edge strokes
// that are usually scanner shadows or binding rather than highlights.
func PassesShapeFilters(b models.BBox, pageWidth, pageHeight int, cfg Config) bool {
	width := max(1, b.W)
	height := max(1, b.H)
	hwRatio := float64(height) / float64(width)
	heightFrac := float64(height) / float64(max(1, pageHeight))
	nearEdge := b.X <= cfg.EdgeMarginPx || b.X2() >= pageWidth-cfg.EdgeMarginPx

	if cfg.MaxHWRatio > 0 && hwRatio > cfg.MaxHWRatio {
		return false
	}
	if cfg.MaxHeightFrac > 0 {
		if heightFrac > cfg.MaxHeightFrac {
			return false
		}
		if nearEdge && heightFrac > cfg.MaxHeightFrac*0.6 {
			return false
		}
	}
	return true
}

// hsvImage stores pixels on the 0-180 / 0-255 / 0-255 scale.
type hsvImage struct {
	w, h       int
	h8, s8, v8 []uint8
}

func toHSV(img image.Image) *hsvImage {
	b := img.Bounds()
	out := &hsvImage{w: b.Dx(), h: b.Dy()}
	n := out.w * out.h
	out.h8 = make([]uint8, n)
	out.s8 = make([]uint8, n)
	out.v8 = make([]uint8, n)
	for y := 0; y < out.h; y++ {
		for x := 0; x < out.w; x++ {
			r, g, bl, _ := img.At(b.Min.X+x, b.Min.Y+y).RGBA()
			c := colorful.Color{R: float64(r) / 65535, G: float64(g) / 65535, B: float64(bl) / 65535}
			hue, sat, val := c.Hsv()
			i := y*out.w + x
			out.h8[i] = uint8(math.Min(179, math.Round(hue/2)))
			out.s8[i] = uint8(math.Round(sat * 255))
			out.v8[i] = uint8(math.Round(val * 255))
		}
	}
	return out
}

func (m *hsvImage) threshold(low, high [3]int) []bool {
	mask := make([]bool, len(m.h8))
	for i := range mask {
		h, s, v := int(m.h8[i]), int(m.s8[i]), int(m.v8[i])
		mask[i] = h >= low[0] && h <= high[0] &&
			s >= low[1] && s <= high[1] &&
			v >= low[2] && v <= high[2]
	}
	return mask
}

// cropFrame clears a vertical band on both page edges.
func cropFrame(mask []bool, w, h int, frac float64) {
	if frac <= 0 {
		return
	}
	crop := int(math.Round(float64(w) * frac))
	if crop <= 0 {
		return
	}
	for y := 0; y < h; y++ {
		row := mask[y*w : (y+1)*w]
		for x := 0; x < crop && x < w; x++ {
			row[x] = false
			row[w-1-x] = false
		}
	}
}

func grayMask(mask []bool, w, h int) *image.Gray {
	g := image.NewGray(image.Rect(0, 0, w, h))
	for i, on := range mask {
		if on {
			g.Pix[i] = 255
		}
	}
	return g
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
