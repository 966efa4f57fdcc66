// Package fanout runs indexed tasks with bounded concurrency.
package fanout

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// DefaultLimit is the number of in-flight tasks when no limit is given.
const DefaultLimit = 10

// Map calls fn for every index in [0, n) with at most limit calls in
// flight and returns the results in index order, whatever order the calls
// finish in. The first error cancels the context passed to the remaining
// calls; Map waits for every started call and returns that error.
//
// A limit <= 0 means DefaultLimit.
func Map[T any](ctx context.Context, limit, n int, fn func(ctx context.Context, i int) (T, error)) ([]T, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	results := make([]T, n)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)

	for i := 0; i < n; i++ {
		i := i
		g.Go(func() error {
			// A cancelled group stops dispatching work that has not started.
			if err := gctx.Err(); err != nil {
				return err
			}
			v, err := fn(gctx, i)
			if err != nil {
				return err
			}
			results[i] = v
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
