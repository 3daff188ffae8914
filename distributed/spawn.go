package distributed

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
)

// Spawn runs fn once per rank on its own goroutine and waits for all of
// them. The first failure cancels the context passed to the others, and is
// the error returned. A panicking worker is reported as an error.
func Spawn(ctx context.Context, worldSize int, fn func(ctx context.Context, rank int) error) error {
	if worldSize < 1 {
		return fmt.Errorf("world size must be positive, got %d", worldSize)
	}

	g, gctx := errgroup.WithContext(ctx)
	for rank := 0; rank < worldSize; rank++ {
		g.Go(func() (err error) {
			defer func() {
				if p := recover(); p != nil {
					err = fmt.Errorf("worker %d panicked: %v", rank, p)
				}
			}()
			return fn(gctx, rank)
		})
	}
	return g.Wait()
}
