package parallel

import (
	"context"
	"iter"

	"golang.org/x/sync/errgroup"
)

type result[D any] struct {
	d D
	e error
}

// Map runs fn over the values of seq with at most limit calls in flight and
// yields the results in completion order. Errors coming from seq are passed
// through without calling fn. Breaking out of the loop or cancelling ctx
// stops scheduling; the iterator returns once every started call is done.
//
//	for d, err := range parallel.Map(ctx, 4, input, fn) {}
func Map[E, D any](ctx context.Context, limit int, seq iter.Seq2[E, error], fn func(context.Context, E) (D, error)) iter.Seq2[D, error] {
	if limit < 1 {
		limit = 1
	}
	return func(yield func(D, error) bool) {
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		g, gctx := errgroup.WithContext(ctx)
		// one extra slot for the feeder
		g.SetLimit(limit + 1)
		mapped := make(chan result[D], limit)

		send := func(r result[D]) {
			select {
			case mapped <- r:
			case <-gctx.Done():
			}
		}
		g.Go(func() error {
			for entry, err := range seq {
				if gctx.Err() != nil {
					return nil
				}
				if err != nil {
					var zero D
					send(result[D]{d: zero, e: err})
					continue
				}
				g.Go(func() error {
					d, err := fn(gctx, entry)
					send(result[D]{d: d, e: err})
					return nil
				})
			}
			return nil
		})
		go func() {
			_ = g.Wait()
			close(mapped)
		}()

		for r := range mapped {
			if ctx.Err() != nil || !yield(r.d, r.e) {
				cancel()
				break
			}
		}
		for range mapped {
		}
	}
}
