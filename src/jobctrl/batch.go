package jobctrl

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"wholesync/src/infrastructure/integrations/mercadolivre"
	"wholesync/src/infrastructure/job"
	"wholesync/src/runner"
)

const (
	msgRateLimitSkipped   = "skipped: rate limit exhausted"
	msgRateLimitExhausted = "rate limit retries exhausted; remaining items were skipped"
)

// unit is one piece of work of a running job.
type unit struct {
	ItemID      string
	VariationID *int64
}

// runUnits processes units on the runner and records one outcome per unit.
// Once any unit runs out of rate-limit retries, units that have not started
// yet are recorded as errors without calling work, and a single job-level
// note is appended.
func runUnits[T any](
	ctx context.Context,
	tracker *job.Tracker,
	units []T,
	concurrency int,
	describe func(T) unit,
	work func(context.Context, T) job.Outcome,
) {
	var (
		exhausted atomic.Bool
		noteOnce  sync.Once
	)

	runner.Run(ctx, units, concurrency, func(ctx context.Context, u T) struct{} {
		if exhausted.Load() {
			d := describe(u)
			tracker.Record(ctx, job.Outcome{
				ItemID:      d.ItemID,
				VariationID: d.VariationID,
				Err:         mercadolivre.ErrRateLimited,
				Message:     msgRateLimitSkipped,
			})
			return struct{}{}
		}

		start := time.Now()
		outcome := work(ctx, u)
		outcome.Took = time.Since(start)
		tracker.Record(ctx, outcome)

		if errors.Is(outcome.Err, mercadolivre.ErrRateLimited) {
			exhausted.Store(true)
			noteOnce.Do(func() { tracker.Note(ctx, msgRateLimitExhausted, nil) })
		}
		return struct{}{}
	})
}
