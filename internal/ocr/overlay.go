package ocr

import (
	"image"

	"github.com/lehigh-university-libraries/scanmarks/internal/images"
	"github.com/lehigh-university-libraries/scanmarks/internal/models"
)

// Overlay outlines words in blue and lines in coral, labelled by line id.
func Overlay(img image.Image, words []models.Word, lines []models.Line) *image.RGBA {
	canvas := images.Canvas(img)
	for _, w := range words {
		images.DrawRect(canvas, w.BBox.Rect(), images.Blue, 1)
	}
	for _, l := range lines {
		images.DrawRect(canvas, l.BBox.Rect(), images.Coral, 2)
		images.DrawLabel(canvas, l.BBox.X, l.BBox.Y-2, l.LineID, images.Coral)
	}
	return canvas
}
