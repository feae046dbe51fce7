package highlights

import "github.com/lehigh-university-libraries/scanmarks/internal/models"

// closeMask fills small holes: dilate then erode with a k x k square.
func closeMask(mask []bool, w, h, k int) []bool {
	if k <= 1 {
		return mask
	}
	return erode(dilate(mask, w, h, k), w, h, k)
}

// openMask removes specks: erode then dilate with a k x k square.
func openMask(mask []bool, w, h, k int) []bool {
	if k <= 1 {
		return mask
	}
	return dilate(erode(mask, w, h, k), w, h, k)
}

// dilate and erode are separable for a square kernel, so each runs as a
// horizontal pass followed by a vertical one. Pixels outside the image do
// not take part.
func dilate(mask []bool, w, h, k int) []bool {
	return morph(mask, w, h, k, false)
}

func erode(mask []bool, w, h, k int) []bool {
	return morph(mask, w, h, k, true)
}

func morph(mask []bool, w, h, k int, all bool) []bool {
	before := k / 2
	after := k - 1 - before
	tmp := make([]bool, len(mask))
	for y := 0; y < h; y++ {
		row := y * w
		for x := 0; x < w; x++ {
			tmp[row+x] = window(all, max(0, x-before), min(w-1, x+after), func(i int) bool {
				return mask[row+i]
			})
		}
	}
	out := make([]bool, len(mask))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			out[y*w+x] = window(all, max(0, y-before), min(h-1, y+after), func(i int) bool {
				return tmp[i*w+x]
			})
		}
	}
	return out
}

// window reports whether all (erode) or any (dilate) values in [lo, hi] are set.
func window(all bool, lo, hi int, at func(int) bool) bool {
	for i := lo; i <= hi; i++ {
		if at(i) != all {
			return !all
		}
	}
	return all
}

type component struct {
	bbox             models.BBox
	area             int
	hSum, sSum, vSum float64
}

// components labels 8-connected regions in raster order. When hsv is set the
// channel sums are accumulated for the color signature.
func components(mask []bool, w, h int, hsv *hsvImage) []component {
	seen := make([]bool, len(mask))
	var out []component
	stack := make([]int, 0, 64)
	for start, on := range mask {
		if !on || seen[start] {
			continue
		}
		seen[start] = true
		stack = append(stack[:0], start)
		minX, minY := w, h
		maxX, maxY := -1, -1
		c := component{}
		for len(stack) > 0 {
			i := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			x, y := i%w, i/w
			minX, maxX = min(minX, x), max(maxX, x)
			minY, maxY = min(minY, y), max(maxY, y)
			c.area++
			if hsv != nil {
				c.hSum += float64(hsv.h8[i])
				c.sSum += float64(hsv.s8[i])
				c.vSum += float64(hsv.v8[i])
			}
			for dy := -1; dy <= 1; dy++ {
				ny := y + dy
				if ny < 0 || ny >= h {
					continue
				}
				for dx := -1; dx <= 1; dx++ {
					nx := x + dx
					if nx < 0 || nx >= w || (dx == 0 && dy == 0) {
						continue
					}
					j := ny*w + nx
					if mask[j] && !seen[j] {
						seen[j] = true
						stack = append(stack, j)
					}
				}
			}
		}
		c.bbox = models.BBox{X: minX, Y: minY, W: maxX - minX + 1, H: maxY - minY + 1}
		out = append(out, c)
	}
	return out
}
