package fiberhook

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSingleFlightDedupesConcurrentCallers(t *testing.T) {
	r := require.New(t)

	m, err := NewIOManager()
	r.NoError(err)
	defer m.Close()

	sf := NewSingleFlight()
	calls := 0

	var fiberA *Fiber
	var bShared bool
	var bVal any

	fiberA = NewFiber(context.Background(), m, func(ctx context.Context) {
		fib, _ := FiberFromContext(ctx)
		_, _, _ = sf.Do(fib, "key", func() (any, error) {
			calls++
			fib.Yield() // simulate A still in flight
			return "A-result", nil
		})
	})

	fiberA.Resume() // runs fn up to its internal Yield, entry now in sf.m

	fiberB := NewFiber(context.Background(), m, func(ctx context.Context) {
		fib, _ := FiberFromContext(ctx)
		v, _, shared := sf.Do(fib, "key", func() (any, error) {
			calls++
			return "B-result", nil
		})
		bVal, bShared = v, shared
	})
	fiberB.Resume() // finds the in-flight call, queues on its WaitGroup

	fiberA.Resume() // fn returns, wakes fiberB inline

	r.Equal(1, calls)
	r.True(bShared)
	r.Equal("A-result", bVal)
}
