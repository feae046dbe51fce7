// Package vision recognizes page lines with multimodal LLMs. The model is
// asked for a JSON list of lines with pixel boxes at temperature zero.
package vision

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/lehigh-university-libraries/scanmarks/internal/models"
	"github.com/lehigh-university-libraries/scanmarks/internal/ocr"
)

// Generator sends one prompt plus image to a provider and returns the raw
// model reply.
type Generator interface {
	Generate(ctx context.Context, prompt string, image []byte, mimeType string) (string, error)
}

// Engine adapts a Generator to ocr.Engine.
type Engine struct {
	name string
	gen  Generator
}

func NewEngine(name string, gen Generator) *Engine {
	return &Engine{name: name, gen: gen}
}

func (e *Engine) Name() string { return e.name }

func (e *Engine) Recognize(ctx context.Context, in ocr.Input) (*ocr.Result, error) {
	reply, err := e.gen.Generate(ctx, Prompt(in.Width, in.Height), in.Image, in.MimeType)
	if err != nil {
		return nil, err
	}
	lines, err := ParseLines(reply)
	if err != nil {
		return nil, fmt.Errorf("%w: %s reply for page %d: %v", ocr.ErrFailure, e.name, in.PageIndex, err)
	}
	slog.Debug("Vision OCR lines", "engine", e.name, "page", in.PageIndex, "lines", len(lines))
	return &ocr.Result{Lines: lines}, nil
}

// Prompt asks for every printed line with its box in image pixels.
func Prompt(width, height int) string {
	return fmt.Sprintf(`You are performing OCR (Optical Character Recognition) on a scanned book page.
The image is %d pixels wide and %d pixels tall.

Transcribe every line of printed text exactly as it appears, top to bottom, preserving
capitalization, punctuation and hyphenation. Do not merge lines and do not add commentary.

OUTPUT FORMAT:
Return ONLY a JSON object of the form
{"lines": [{"text": "line text", "bbox": [x1, y1, x2, y2]}]}
where bbox is the line's bounding box in image pixels, x1,y1 top-left and x2,y2 bottom-right.`, width, height)
}

type reply struct {
	Lines []struct {
		Text string `json:"text"`
		BBox []int  `json:"bbox"`
	} `json:"lines"`
}

// ParseLines decodes a model reply, tolerating a fenced code block around
// the JSON. Lines without text or a four-value box are dropped.
func ParseLines(raw string) ([]models.Line, error) {
	body := strings.TrimSpace(raw)
	body = strings.TrimPrefix(body, "```json")
	body = strings.TrimPrefix(body, "```")
	body = strings.TrimSuffix(body, "```")
	body = strings.TrimSpace(body)
	if start, end := strings.Index(body, "{"), strings.LastIndex(body, "}"); start >= 0 && end > start {
		body = body[start : end+1]
	}

	var r reply
	if err := json.Unmarshal([]byte(body), &r); err != nil {
		return nil, fmt.Errorf("failed to decode lines: %w", err)
	}
	lines := make([]models.Line, 0, len(r.Lines))
	for _, l := range r.Lines {
		text := strings.TrimSpace(l.Text)
		if text == "" || len(l.BBox) != 4 {
			continue
		}
		box := models.BBoxFromCorners(l.BBox[0], l.BBox[1], l.BBox[2], l.BBox[3])
		if box.Empty() {
			continue
		}
		lines = append(lines, models.Line{Text: text, BBox: box})
	}
	return lines, nil
}

func envOr(def string, keys ...string) string {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			return v
		}
	}
	return def
}
