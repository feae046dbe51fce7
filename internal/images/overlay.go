package images

import (
	"image"
	"image/color"
	"image/draw"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

var (
	Red   = color.RGBA{R: 255, A: 255}
	Green = color.RGBA{G: 200, A: 255}
	Blue  = color.RGBA{R: 60, G: 160, B: 255, A: 255}
	Coral = color.RGBA{R: 255, G: 80, B: 80, A: 255}
)

// Canvas returns an RGBA copy of img that overlays can be drawn on.
func Canvas(img image.Image) *image.RGBA {
	b := img.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Src)
	return dst
}

// DrawRect outlines r with the given stroke width, clipped to the canvas.
func DrawRect(dst *image.RGBA, r image.Rectangle, c color.Color, width int) {
	if width <= 0 {
		width = 1
	}
	r = r.Intersect(dst.Bounds())
	if r.Empty() {
		return
	}
	u := &image.Uniform{C: c}
	for i := 0; i < width; i++ {
		top := image.Rect(r.Min.X, r.Min.Y+i, r.Max.X, r.Min.Y+i+1)
		bottom := image.Rect(r.Min.X, r.Max.Y-1-i, r.Max.X, r.Max.Y-i)
		left := image.Rect(r.Min.X+i, r.Min.Y, r.Min.X+i+1, r.Max.Y)
		right := image.Rect(r.Max.X-1-i, r.Min.Y, r.Max.X-i, r.Max.Y)
		for _, edge := range []image.Rectangle{top, bottom, left, right} {
			draw.Draw(dst, edge.Intersect(r), u, image.Point{}, draw.Src)
		}
	}
}

// DrawLabel writes text with its baseline at (x, y).
func DrawLabel(dst *image.RGBA, x, y int, text string, c color.Color) {
	if y < basicfont.Face7x13.Ascent {
		y = basicfont.Face7x13.Ascent
	}
	d := &font.Drawer{
		Dst:  dst,
		Src:  image.NewUniform(c),
		Face: basicfont.Face7x13,
		Dot:  fixed.P(x, y),
	}
	d.DrawString(text)
}
