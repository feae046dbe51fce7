package spans

import (
	"image"

	"github.com/lehigh-university-libraries/scanmarks/internal/images"
	"github.com/lehigh-university-libraries/scanmarks/internal/models"
)

// Overlay draws span boxes in green and their trigger boxes in red.
func Overlay(img image.Image, spans []models.Span) *image.RGBA {
	canvas := images.Canvas(img)
	for _, s := range spans {
		images.DrawRect(canvas, s.SpanBBox.Rect(), images.Green, 3)
		for _, t := range s.TriggerBBoxes {
			images.DrawRect(canvas, t.Rect(), images.Red, 2)
		}
		images.DrawLabel(canvas, s.SpanBBox.X, s.SpanBBox.Y-4, s.SpanID, images.Green)
	}
	return canvas
}
