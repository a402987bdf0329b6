package psi

import (
	"context"
	"errors"

	"golang.org/x/sync/errgroup"
)

// WalkTiles fetches every tile of descs on up to workers goroutines and
// calls fn for each, concurrently. A tile that cannot be read or decoded is
// passed to fn with a *TileError instead of aborting the walk; the walk stops
// early only when fn returns an error or ctx is done, and that error is
// returned.
func (c *Container) WalkTiles(ctx context.Context, descs []TileDescriptor, workers int, fn func(*RasterTile, error) error) error {
	if workers <= 0 {
		workers = c.workers
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for _, d := range descs {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			t, err := c.store.Get(d)
			if errors.Is(err, ErrClosed) {
				return err
			}
			if err != nil {
				var te *TileError
				if !errors.As(err, &te) {
					err = &TileError{Code: d.Code, Err: err}
				}
				return fn(&RasterTile{TileDescriptor: d}, err)
			}
			return fn(t, nil)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}
