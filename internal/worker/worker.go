package worker

import (
	"context"

	"golang.org/x/sync/errgroup"
)

type runner interface {
	Run(ctx context.Context) error
}

// Worker runs the per-asset supervisors, the expiry sweep and the optional
// BTC stream until ctx is cancelled.
type Worker struct {
	Supervisors []*Supervisor
	Sweeper     *Sweeper
	Stream      *Stream
}

func (w *Worker) Run(ctx context.Context) error {
	var runners []runner
	for _, s := range w.Supervisors {
		runners = append(runners, s)
	}
	if w.Sweeper != nil {
		runners = append(runners, w.Sweeper)
	}
	if w.Stream != nil {
		runners = append(runners, w.Stream)
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, r := range runners {
		r := r
		g.Go(func() error {
			return r.Run(gctx)
		})
	}
	return g.Wait()
}
