package parallel

import (
	"context"
	"iter"

	"golang.org/x/sync/errgroup"
)

type result[D any] struct {
	idx int
	d   D
}

// Map is a parallel mapping function, which runs the mapFunc for every input item
// and waits for completions. Results are available in completion order via Iter,
// or in input order via Slice.
// Map is context aware, canceled context stops starting new items.
//
//	for idx, result := range pmap.Iter(input) {}
type Map[E, D any] struct {
	ctx     context.Context
	limit   int
	mapFunc func(context.Context, E) D
}

// NewMap returns a new Map. A limit <= 0 means no limit, every item gets its
// own goroutine.
func NewMap[E, D any](ctx context.Context, limit int, mapFunc func(context.Context, E) D) *Map[E, D] {
	return &Map[E, D]{
		ctx:     ctx,
		limit:   limit,
		mapFunc: mapFunc,
	}
}

// Iter yields the index of an input item and its mapped value as soon as it is done.
func (s *Map[E, D]) Iter(items []E) iter.Seq2[int, D] {
	return func(yield func(int, D) bool) {
		ctx, cancel := context.WithCancel(s.ctx)
		defer cancel()

		g, gctx := errgroup.WithContext(ctx)
		if s.limit > 0 {
			g.SetLimit(s.limit)
		}
		mapped := make(chan result[D], len(items))

		go func() {
			for i, item := range items {
				if gctx.Err() != nil {
					break
				}
				g.Go(func() error {
					mapped <- result[D]{idx: i, d: s.mapFunc(gctx, item)}
					return nil
				})
			}
			_ = g.Wait()
			close(mapped)
		}()

		stopped := false
		for r := range mapped {
			if stopped {
				continue
			}
			if !yield(r.idx, r.d) {
				// drain so every worker finishes before returning
				stopped = true
				cancel()
			}
		}
	}
}

// Slice returns the mapped values in input order. Items which were not
// started because of a canceled context map to the zero value of D.
func (s *Map[E, D]) Slice(items []E) []D {
	ret := make([]D, len(items))
	for idx, d := range s.Iter(items) {
		ret[idx] = d
	}
	return ret
}
