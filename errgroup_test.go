package fiberhook

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestErrGroupCollectsFirstError(t *testing.T) {
	r := require.New(t)

	m, err := NewIOManager()
	r.NoError(err)
	defer m.Close()

	boom := errors.New("boom")
	var waitErr error

	owner := NewFiber(context.Background(), m, func(ctx context.Context) {
		fib, _ := FiberFromContext(ctx)
		g := fib.Group()

		g.Go(func(ctx context.Context) error { return nil })
		g.Go(func(ctx context.Context) error { return boom })
		g.Go(func(ctx context.Context) error { return errors.New("second") })

		waitErr = g.Wait(fib)
	})

	owner.Resume()

	r.ErrorIs(waitErr, boom)
}
