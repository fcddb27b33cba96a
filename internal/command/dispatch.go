package command

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// Dispatch runs actions concurrently and waits for all of them. Every action
// runs even if another fails; the first error is returned.
func Dispatch(ctx context.Context, actions []Action) error {
	if len(actions) == 0 {
		return nil
	}
	var g errgroup.Group
	for _, action := range actions {
		g.Go(func() error { return action(ctx) })
	}
	return g.Wait()
}
