package fiberhook

import "context"

// ErrGroup manages a group of fibers and collects the first error
// that occurs. It provides methods to start new fibers and wait for
// all of them to complete.
type ErrGroup interface {
	// Go starts a new fiber with the group's context.
	Go(func(context.Context) error)
	// GoWithContext starts a new fiber with the specified context.
	GoWithContext(context.Context, func(context.Context) error)
	// Wait yields f until all fibers have completed, and returns the
	// first error encountered.
	Wait(f *Fiber) error
}

// errGroup implements ErrGroup: it tracks spawned fibers, manages
// their lifecycles, and collects the first error.
type errGroup struct {
	owner  *Fiber
	ctx    context.Context
	cancel func(error)
	wg     WaitGroup
	err    error
}

// newErrGroup creates an error group owned by f, with a cancellable
// context derived from f's own context.
func newErrGroup(f *Fiber) *errGroup {
	ctx, cancel := context.WithCancelCause(f.Context())
	return &errGroup{owner: f, ctx: ctx, cancel: cancel}
}

// Go starts a new fiber running fn with the group's context. If fn
// returns an error, the group's context is cancelled.
func (g *errGroup) Go(fn func(context.Context) error) {
	g.goctx(g.ctx, fn)
}

// GoWithContext starts a new fiber running fn with ctx, which must
// belong to the same fiber that created this group.
func (g *errGroup) GoWithContext(ctx context.Context, fn func(context.Context) error) {
	if f := MustFiberFromContext(ctx); f != g.owner {
		panic("fiberhook: ctx fiber does not match errgroup owner")
	}
	g.goctx(ctx, fn)
}

func (g *errGroup) goctx(ctx context.Context, fn func(context.Context) error) {
	g.wg.Add(1)
	g.owner.Go(ctx, func(ctx context.Context) {
		defer g.wg.Done()
		if err := fn(ctx); err != nil && g.err == nil {
			g.err = err
			if g.cancel != nil {
				g.cancel(g.err)
			}
		}
	})
}

// Wait yields f until every fiber in the group has completed, and
// returns the first error encountered, if any.
func (g *errGroup) Wait(f *Fiber) error {
	g.wg.Wait(f)
	if g.cancel != nil {
		g.cancel(g.err)
	}
	return g.err
}
