// Package engines builds the configured OCR engine.
package engines

import (
	"context"
	"fmt"

	"github.com/lehigh-university-libraries/scanmarks/internal/config"
	"github.com/lehigh-university-libraries/scanmarks/internal/ocr"
	"github.com/lehigh-university-libraries/scanmarks/internal/ocr/tesseract"
	"github.com/lehigh-university-libraries/scanmarks/internal/ocr/vision"
)

// New returns the engine named in cfg wrapped with its timeout and retry
// policy. Missing binaries, credentials or services fail here, before any
// page runs. workers bounds the engine's concurrent clients. The returned
// engine implements io.Closer.
func New(ctx context.Context, cfg config.OCR, workers int) (ocr.Engine, error) {
	var (
		engine ocr.Engine
		err    error
	)
	switch cfg.Engine {
	case "", "tesseract":
		engine, err = tesseract.New(cfg.Language, cfg.PSM, workers)
	case "gemini":
		var g *vision.Gemini
		if g, err = vision.NewGemini(cfg.Model); err == nil {
			engine = vision.NewEngine("gemini", g)
		}
	case "ollama":
		var o *vision.Ollama
		if o, err = vision.NewOllama(ctx, cfg.Model); err == nil {
			engine = vision.NewEngine("ollama", o)
		}
	case "openai":
		var o *vision.OpenAI
		if o, err = vision.NewOpenAI(cfg.Model); err == nil {
			engine = vision.NewEngine("openai", o)
		}
	default:
		return nil, fmt.Errorf("%w: unsupported OCR engine %q", config.ErrInvalid, cfg.Engine)
	}
	if err != nil {
		return nil, err
	}
	return ocr.WithTimeout(engine, cfg.Timeout, cfg.Retries), nil
}
