// Package tesseract recognizes words with the Tesseract engine through
// gosseract. It needs libtesseract at build time and the tesseract binary
// with language data at run time.
package tesseract

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"

	"github.com/lehigh-university-libraries/scanmarks/internal/models"
	"github.com/lehigh-university-libraries/scanmarks/internal/ocr"
	"github.com/otiai10/gosseract/v2"
)

// Engine hands pages to at most size gosseract clients. Clients are
// created on first use, reused across pages and released by Close.
type Engine struct {
	language string
	psm      int
	idle     chan *gosseract.Client

	mu      sync.Mutex
	created int
	size    int
	closed  bool
}

// CheckAvailable reports ErrDependencyMissing when the tesseract binary is
// not on PATH.
func CheckAvailable() error {
	if _, err := exec.LookPath("tesseract"); err != nil {
		return fmt.Errorf("%w: the tesseract binary was not found in PATH, install Tesseract OCR and retry", ocr.ErrDependencyMissing)
	}
	return nil
}

// New validates the language and page segmentation mode with a first
// client, which is kept as the pool's first idle client. size bounds the
// number of clients and is normally the worker count.
func New(language string, psm, size int) (*Engine, error) {
	if err := CheckAvailable(); err != nil {
		return nil, err
	}
	if language == "" {
		language = "eng"
	}
	size = max(1, size)

	first, err := newClient(language, psm)
	if err != nil {
		return nil, err
	}
	e := &Engine{
		language: language,
		psm:      psm,
		idle:     make(chan *gosseract.Client, size),
		created:  1,
		size:     size,
	}
	e.idle <- first
	return e, nil
}

func newClient(language string, psm int) (*gosseract.Client, error) {
	c := gosseract.NewClient()
	if err := c.SetLanguage(strings.Split(language, "+")...); err != nil {
		c.Close()
		return nil, fmt.Errorf("%w: language %q: %v", ocr.ErrDependencyMissing, language, err)
	}
	if psm > 0 {
		if err := c.SetPageSegMode(gosseract.PageSegMode(psm)); err != nil {
			c.Close()
			return nil, fmt.Errorf("invalid page segmentation mode %d: %w", psm, err)
		}
	}
	return c, nil
}

func (e *Engine) Name() string { return "tesseract" }

// Clients returns how many clients exist.
func (e *Engine) Clients() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.created
}

// acquire takes an idle client, creates one while under size, or waits.
func (e *Engine) acquire(ctx context.Context) (*gosseract.Client, error) {
	select {
	case c := <-e.idle:
		return c, nil
	default:
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: tesseract engine is closed", ocr.ErrFailure)
	}
	if e.created < e.size {
		e.created++
		e.mu.Unlock()
		c, err := newClient(e.language, e.psm)
		if err != nil {
			e.mu.Lock()
			e.created--
			e.mu.Unlock()
			return nil, err
		}
		return c, nil
	}
	e.mu.Unlock()

	select {
	case c := <-e.idle:
		return c, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// release returns c to the idle set, or closes it once the engine is closed.
func (e *Engine) release(c *gosseract.Client) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		c.Close()
		e.created--
		return
	}
	e.idle <- c
}

// Close frees every idle client. Clients still recognizing a page are
// freed when they finish.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	var errs []error
	for {
		select {
		case c := <-e.idle:
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
			e.created--
		default:
			return errors.Join(errs...)
		}
	}
}

// Recognize returns word boxes; lines are grouped by the caller. The cgo
// call cannot be interrupted, so cancellation only stops the wait.
func (e *Engine) Recognize(ctx context.Context, in ocr.Input) (*ocr.Result, error) {
	client, err := e.acquire(ctx)
	if err != nil {
		return nil, err
	}

	type result struct {
		words []models.Word
		err   error
	}
	ch := make(chan result, 1)
	go func() {
		words, err := recognize(client, in.Image)
		e.release(client)
		ch <- result{words, err}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		if r.err != nil {
			return nil, r.err
		}
		return &ocr.Result{Words: r.words}, nil
	}
}

func recognize(client *gosseract.Client, image []byte) ([]models.Word, error) {
	if err := client.SetImageFromBytes(image); err != nil {
		return nil, fmt.Errorf("failed to set image: %w", err)
	}
	boxes, err := client.GetBoundingBoxes(gosseract.RIL_WORD)
	if err != nil {
		return nil, fmt.Errorf("failed to get word boxes: %w", err)
	}
	words := make([]models.Word, 0, len(boxes))
	for _, b := range boxes {
		text := strings.TrimSpace(b.Word)
		if text == "" || b.Confidence < 0 || b.Box.Empty() {
			continue
		}
		words = append(words, models.Word{
			Text:       text,
			BBox:       models.BBoxFromRect(b.Box),
			Confidence: b.Confidence,
		})
	}
	return words, nil
}
