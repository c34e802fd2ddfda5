// Package runner fans a slice of work items out over a fixed number of workers.
package runner

import (
	"context"

	"github.com/sourcegraph/conc/iter"
)

// Run applies fn to every item with at most concurrency calls in flight and
// returns the outcomes in input order. Workers pull the next unclaimed index
// from a shared cursor, so a slow item never holds back a free worker.
//
// Run never inspects outcomes; callers that need error isolation should make R
// carry the error. A concurrency below 1 is treated as 1.
func Run[T, R any](ctx context.Context, items []T, concurrency int, fn func(context.Context, T) R) []R {
	if len(items) == 0 {
		return []R{}
	}
	if concurrency < 1 {
		concurrency = 1
	}

	mapper := iter.Mapper[T, R]{MaxGoroutines: concurrency}
	return mapper.Map(items, func(item *T) R {
		return fn(ctx, *item)
	})
}

// Outcome pairs a unit's result with the error its callback returned.
type Outcome[R any] struct {
	Value R
	Err   error
}

// RunE is Run for callbacks that may fail. A failing item never stops the others.
func RunE[T, R any](ctx context.Context, items []T, concurrency int, fn func(context.Context, T) (R, error)) []Outcome[R] {
	return Run(ctx, items, concurrency, func(ctx context.Context, item T) Outcome[R] {
		v, err := fn(ctx, item)
		return Outcome[R]{Value: v, Err: err}
	})
}
