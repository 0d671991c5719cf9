package async

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Batch runs fn over items with at most workers in flight and returns every
// error, not just the first. A panic in fn is reported as an error.
//
// Example:
//
//	errs := async.Batch(ctx, checkins, 8, 10*time.Second, func(ctx context.Context, c checkin.Session) error {
//	    return prompt(ctx, c)
//	})
func Batch[T any](ctx context.Context, items []T, workers int, timeout time.Duration,
	fn func(context.Context, T) error) []error {

	if workers <= 0 {
		workers = 1
	}

	var (
		mu   sync.Mutex
		errs []error
	)
	record := func(err error) {
		mu.Lock()
		errs = append(errs, err)
		mu.Unlock()
	}

	g := new(errgroup.Group)
	g.SetLimit(workers)

	for _, item := range items {
		if ctx.Err() != nil {
			record(ctx.Err())
			break
		}
		g.Go(func() error {
			taskCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			defer func() {
				if r := recover(); r != nil {
					record(fmt.Errorf("panic: %v", r))
				}
			}()

			if err := fn(taskCtx, item); err != nil {
				record(err)
			}
			return nil
		})
	}

	_ = g.Wait()
	return errs
}
