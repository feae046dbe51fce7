package ocr

import (
	"context"
	"errors"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lehigh-university-libraries/scanmarks/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func word(text string, x1, y1, x2, y2 int, conf float64) models.Word {
	return models.Word{Text: text, BBox: models.BBoxFromCorners(x1, y1, x2, y2), Confidence: conf}
}

func TestGroupLines(t *testing.T) {
	words := []models.Word{
		word("world", 120, 12, 180, 30, 90),
		word("second", 10, 52, 90, 70, 90),
		word("Hello", 10, 10, 100, 28, 90),
		word("line", 100, 55, 140, 72, 90),
	}
	lines := GroupLines(words, 4, 14)
	require.Len(t, lines, 2)

	assert.Equal(t, "p4_l1", lines[0].LineID)
	assert.Equal(t, 0, lines[0].Index)
	assert.Equal(t, "Hello world", lines[0].Text)
	assert.Equal(t, models.BBoxFromCorners(10, 10, 180, 30), lines[0].BBox)

	assert.Equal(t, "p4_l2", lines[1].LineID)
	assert.Equal(t, 1, lines[1].Index)
	assert.Equal(t, "second line", lines[1].Text)
	assert.Equal(t, 4, lines[1].PageIndex)
}

func TestGroupLinesEmpty(t *testing.T) {
	assert.Nil(t, GroupLines(nil, 1, 14))
}

func TestPageLinesFromEngineLines(t *testing.T) {
	res := &Result{Lines: []models.Line{
		{Text: "bottom", BBox: models.BBoxFromCorners(0, 100, 50, 120)},
		{Text: "top", BBox: models.BBoxFromCorners(0, 10, 50, 30)},
	}}
	lines := res.PageLines("book1", 2, 14)
	require.Len(t, lines, 2)
	assert.Equal(t, "top", lines[0].Text)
	assert.Equal(t, "p2_l1", lines[0].LineID)
	assert.Equal(t, "book1", lines[1].BookID)
	assert.Equal(t, 1, lines[1].Index)
	assert.Equal(t, "top\nbottom", PageText(lines))
}

type fakeEngine struct {
	calls atomic.Int32
	delay time.Duration
	err   error
}

func (f *fakeEngine) Name() string { return "fake" }

func (f *fakeEngine) Recognize(ctx context.Context, in Input) (*Result, error) {
	n := f.calls.Add(1)
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil && n == 1 {
		return nil, f.err
	}
	return &Result{Words: []models.Word{word("ok", 0, 0, 10, 10, 99)}}, nil
}

func TestWithTimeout(t *testing.T) {
	tests := []struct {
		name      string
		engine    *fakeEngine
		retries   int
		wantErr   error
		wantCalls int32
	}{
		{name: "success", engine: &fakeEngine{}, wantCalls: 1},
		{name: "timeout", engine: &fakeEngine{delay: time.Second}, wantErr: ErrTimeout, wantCalls: 1},
		{name: "timeout retried", engine: &fakeEngine{delay: time.Second}, retries: 2, wantErr: ErrTimeout, wantCalls: 3},
		{name: "failure then success", engine: &fakeEngine{err: errors.New("boom")}, retries: 1, wantCalls: 2},
		{name: "failure wrapped", engine: &fakeEngine{err: errors.New("boom")}, wantErr: ErrFailure, wantCalls: 1},
		{name: "dependency not retried", engine: &fakeEngine{err: ErrDependencyMissing}, retries: 3, wantErr: ErrDependencyMissing, wantCalls: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := WithTimeout(tt.engine, 20*time.Millisecond, tt.retries)
			res, err := e.Recognize(context.Background(), Input{PageIndex: 1})
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
			} else {
				require.NoError(t, err)
				require.Len(t, res.Words, 1)
			}
			assert.Equal(t, tt.wantCalls, tt.engine.calls.Load())
		})
	}
}

func TestWithTimeoutParentCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := WithTimeout(&fakeEngine{}, time.Second, 2).Recognize(ctx, Input{})
	require.ErrorIs(t, err, context.Canceled)
}

type closingEngine struct {
	fakeEngine
	closed int
	err    error
}

func (c *closingEngine) Close() error {
	c.closed++
	return c.err
}

func TestWithTimeoutClose(t *testing.T) {
	inner := &closingEngine{}
	closer, ok := WithTimeout(inner, time.Second, 0).(io.Closer)
	require.True(t, ok)
	require.NoError(t, closer.Close())
	assert.Equal(t, 1, inner.closed)

	failing := &closingEngine{err: errors.New("busy")}
	require.EqualError(t, WithTimeout(failing, time.Second, 0).(io.Closer).Close(), "busy")

	// Engines without resources close as a no-op.
	require.NoError(t, WithTimeout(&fakeEngine{}, time.Second, 0).(io.Closer).Close())
}
