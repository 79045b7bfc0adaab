package clients

import (
	"context"
	"errors"
	"fmt"
)

// Page is one page of a cursor-paginated result set. Next carries the
// continuation token for the following page; an empty Next means the set
// is exhausted.
type Page[T any] struct {
	Items []T
	Next  string
}

// PageFunc fetches a single page. The after token is empty on the first
// call and the previous page's continuation token afterwards.
type PageFunc[T any] func(ctx context.Context, after string) (*Page[T], error)

// PageError reports a pagination run that aborted mid-way. Page is the
// zero-based index of the failing page; StatusCode is the HTTP status when
// the failure was a non-success response, 0 otherwise.
type PageError struct {
	Page       int
	StatusCode int
	Err        error
}

func (e *PageError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("pagination aborted at page %d: status %d", e.Page, e.StatusCode)
	}
	return fmt.Sprintf("pagination aborted at page %d: %v", e.Page, e.Err)
}

func (e *PageError) Unwrap() error {
	return e.Err
}

// StatusError signals a non-success HTTP response inside a PageFunc. The
// paginator lifts its status code into the resulting PageError.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.StatusCode, e.Body)
}

// FetchAllPages drives fn across the cursor protocol until exhaustion and
// returns the accumulated items in page order. A failing page aborts the
// whole operation: the error is a *PageError naming the page, and the
// items gathered before the failure are still returned for diagnostics.
// Callers must treat a non-nil error as "aborted mid-page", never as a
// complete result.
func FetchAllPages[T any](ctx context.Context, fn PageFunc[T]) ([]T, error) {
	var items []T
	after := ""

	for pageIdx := 0; ; pageIdx++ {
		if err := ctx.Err(); err != nil {
			return items, &PageError{Page: pageIdx, Err: err}
		}

		page, err := fn(ctx, after)
		if err != nil {
			pageErr := &PageError{Page: pageIdx, Err: err}
			var statusErr *StatusError
			if errors.As(err, &statusErr) {
				pageErr.StatusCode = statusErr.StatusCode
			}
			return items, pageErr
		}

		items = append(items, page.Items...)

		if page.Next == "" {
			return items, nil
		}
		after = page.Next
	}
}
