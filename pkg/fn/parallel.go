// Package fn holds small generic helpers for bounded fan-out and retries.
package fn

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// ParMap applies f to each item with at most workers calls in flight,
// preserving order. Items that never start because ctx ended get ctx.Err()
// in their error slot. ParMap returns once every started call has returned.
func ParMap[T, U any](ctx context.Context, items []T, workers int, f func(context.Context, T) (U, error)) ([]U, []error) {
	out := make([]U, len(items))
	errs := make([]error, len(items))
	if len(items) == 0 {
		return out, errs
	}
	if workers <= 0 || workers > len(items) {
		workers = len(items)
	}

	sem := semaphore.NewWeighted(int64(workers))
	var wg sync.WaitGroup
	for i, v := range items {
		if err := sem.Acquire(ctx, 1); err != nil {
			for j := i; j < len(items); j++ {
				errs[j] = err
			}
			break
		}
		wg.Add(1)
		go func(i int, v T) {
			defer func() { sem.Release(1); wg.Done() }()
			out[i], errs[i] = f(ctx, v)
		}(i, v)
	}
	wg.Wait()
	return out, errs
}
