package highlights

import (
	"fmt"
	"image"

	"github.com/lehigh-university-libraries/scanmarks/internal/images"
	"github.com/lehigh-university-libraries/scanmarks/internal/models"
)

// Overlay draws each candidate box with a short label on a copy of img.
func Overlay(img image.Image, candidates []models.Candidate) *image.RGBA {
	canvas := images.Canvas(img)
	for i, c := range candidates {
		images.DrawRect(canvas, c.BBox.Rect(), images.Red, 2)
		images.DrawLabel(canvas, c.BBox.X, max(16, c.BBox.Y-4), fmt.Sprintf("h%d", i+1), images.Red)
	}
	return canvas
}
