package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/panjf2000/ants/v2"
)

// ErrSkipped is returned by a PageFunc when the page was already complete
// and nothing was done.
var ErrSkipped = errors.New("page skipped")

// Status is the per-page outcome recorded in a Summary.
type Status string

const (
	StatusOK      Status = "ok"
	StatusSkipped Status = "skipped"
	StatusFailed  Status = "failed"
)

// PageResult is the outcome of processing one page.
type PageResult struct {
	Page   int
	Status Status
	Kind   Kind
	Err    error
}

// PageFunc processes a single page. Pages are independent of each other.
type PageFunc func(ctx context.Context, page int) error

// Summary lists what happened to every page of a phase.
type Summary struct {
	Phase   string
	Results []PageResult
}

// Run calls fn for each page on a pool bounded by workers. Cancellation is
// checked between pages only: a page that has started always finishes.
func Run(ctx context.Context, phase string, pages []int, workers int, fn PageFunc) (*Summary, error) {
	if workers <= 0 {
		workers = 1
	}
	summary := &Summary{Phase: phase, Results: make([]PageResult, 0, len(pages))}
	if len(pages) == 0 {
		return summary, nil
	}

	pool, err := ants.NewPool(workers)
	if err != nil {
		return nil, fmt.Errorf("failed to create page worker pool: %w", err)
	}
	defer pool.Release()

	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)
	record := func(r PageResult) {
		mu.Lock()
		summary.Results = append(summary.Results, r)
		mu.Unlock()
	}

	for _, page := range pages {
		if ctx.Err() != nil {
			slog.Info("Stopping before page", "phase", phase, "page", page, "reason", ctx.Err())
			break
		}
		page := page
		wg.Add(1)
		task := func() {
			defer wg.Done()
			if ctx.Err() != nil {
				return
			}
			record(runPage(ctx, phase, page, fn))
		}
		if err := pool.Submit(task); err != nil {
			wg.Done()
			record(PageResult{Page: page, Status: StatusFailed, Kind: KindUnknown,
				Err: fmt.Errorf("submit page task: %w", err)})
		}
	}
	wg.Wait()

	sort.Slice(summary.Results, func(i, j int) bool {
		return summary.Results[i].Page < summary.Results[j].Page
	})
	return summary, nil
}

func runPage(ctx context.Context, phase string, page int, fn PageFunc) PageResult {
	err := fn(ctx, page)
	switch {
	case err == nil:
		slog.Debug("Page done", "phase", phase, "page", page)
		return PageResult{Page: page, Status: StatusOK}
	case errors.Is(err, ErrSkipped):
		slog.Info("Page skipped", "phase", phase, "page", page, "reason", err)
		return PageResult{Page: page, Status: StatusSkipped}
	default:
		kind := Classify(err)
		slog.Error("Page failed", "phase", phase, "page", page, "kind", kind, "err", err)
		return PageResult{Page: page, Status: StatusFailed, Kind: kind, Err: err}
	}
}

// Counts returns the number of ok, skipped and failed pages.
func (s *Summary) Counts() (ok, skipped, failed int) {
	for _, r := range s.Results {
		switch r.Status {
		case StatusOK:
			ok++
		case StatusSkipped:
			skipped++
		case StatusFailed:
			failed++
		}
	}
	return ok, skipped, failed
}

// Err returns the first page failure, wrapped with the failure count, or nil.
func (s *Summary) Err() error {
	_, _, failed := s.Counts()
	if failed == 0 {
		return nil
	}
	for _, r := range s.Results {
		if r.Status == StatusFailed {
			return fmt.Errorf("%s: %d page(s) failed, first on page %d: %w", s.Phase, failed, r.Page, r.Err)
		}
	}
	return nil
}

// Log writes the end-of-run report.
func (s *Summary) Log() {
	ok, skipped, failed := s.Counts()
	slog.Info("Phase summary", "phase", s.Phase, "succeeded", ok, "skipped", skipped, "failed", failed)
	for _, r := range s.Results {
		if r.Status == StatusFailed {
			slog.Error("Failed page", "phase", s.Phase, "page", r.Page, "kind", r.Kind, "retryable", Retryable(r.Err), "err", r.Err)
		}
	}
}

// Limit truncates pages to max when max is positive.
func Limit(pages []int, max int) []int {
	if max > 0 && len(pages) > max {
		return pages[:max]
	}
	return pages
}
