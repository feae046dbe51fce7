package ocr

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"
)

type timeoutEngine struct {
	inner   Engine
	timeout time.Duration
	retries int
}

// WithTimeout bounds every Recognize call by timeout and re-invokes the page
// up to retries more times on timeout or engine failure. Missing
// dependencies and parent cancellation are returned immediately.
func WithTimeout(e Engine, timeout time.Duration, retries int) Engine {
	return &timeoutEngine{inner: e, timeout: timeout, retries: max(0, retries)}
}

func (t *timeoutEngine) Name() string { return t.inner.Name() }

// Close releases the wrapped engine when it holds resources.
func (t *timeoutEngine) Close() error {
	if c, ok := t.inner.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

func (t *timeoutEngine) Recognize(ctx context.Context, in Input) (*Result, error) {
	var lastErr error
	for attempt := 0; attempt <= t.retries; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		res, err := t.once(ctx, in)
		if err == nil {
			return res, nil
		}
		if errors.Is(err, ErrDependencyMissing) || ctx.Err() != nil {
			return nil, err
		}
		lastErr = err
		if attempt < t.retries {
			slog.Warn("Retrying OCR", "engine", t.inner.Name(), "page", in.PageIndex, "attempt", attempt+1, "err", err)
		}
	}
	return nil, lastErr
}

func (t *timeoutEngine) once(ctx context.Context, in Input) (*Result, error) {
	callCtx := ctx
	if t.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, t.timeout)
		defer cancel()
	}

	type result struct {
		res *Result
		err error
	}
	// Buffered so the engine goroutine can finish after we stop waiting.
	ch := make(chan result, 1)
	go func() {
		res, err := t.inner.Recognize(callCtx, in)
		ch <- result{res, err}
	}()

	select {
	case <-callCtx.Done():
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: page %d exceeded %s", ErrTimeout, in.PageIndex, t.timeout)
	case r := <-ch:
		if r.err == nil {
			return r.res, nil
		}
		switch {
		case errors.Is(r.err, ErrDependencyMissing), errors.Is(r.err, ErrTimeout), errors.Is(r.err, ErrFailure):
			return nil, r.err
		case errors.Is(r.err, context.DeadlineExceeded) && ctx.Err() == nil:
			return nil, fmt.Errorf("%w: page %d: %v", ErrTimeout, in.PageIndex, r.err)
		default:
			return nil, fmt.Errorf("%w: page %d: %v", ErrFailure, in.PageIndex, r.err)
		}
	}
}
