package pipeline

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/sync/errgroup"
)

// BatchError reports the members of a batch that failed. Errs is indexed
// like the batch inputs; successful members hold nil.
type BatchError struct {
	Errs []error
}

func (e *BatchError) Error() string {
	var failed []string
	for i, err := range e.Errs {
		if err != nil {
			failed = append(failed, fmt.Sprintf("#%d: %v", i, err))
		}
	}
	return fmt.Sprintf("%d of %d batch members failed: %s", len(failed), len(e.Errs), strings.Join(failed, "; "))
}

// Unwrap exposes the individual failures to errors.Is and errors.As.
func (e *BatchError) Unwrap() []error {
	var out []error
	for _, err := range e.Errs {
		if err != nil {
			out = append(out, err)
		}
	}
	return out
}

// Batch runs fn for every input with at most limit calls in flight and
// waits for all of them. Results keep input order. A failing member does
// not cancel the others; when any member fails the partial results are
// returned with a *BatchError. A limit below 1 runs all inputs at once.
func Batch[I, O any](ctx context.Context, limit int, inputs []I, fn func(context.Context, I) (O, error)) ([]O, error) {
	results := make([]O, len(inputs))
	errs := make([]error, len(inputs))

	var g errgroup.Group
	if limit > 0 {
		g.SetLimit(limit)
	}
	for i, in := range inputs {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				errs[i] = err
				return nil
			}
			out, err := fn(ctx, in)
			results[i] = out
			errs[i] = err
			return nil
		})
	}
	_ = g.Wait()

	for _, err := range errs {
		if err != nil {
			return results, &BatchError{Errs: errs}
		}
	}
	return results, nil
}
