package fiberhook

import (
	"context"
)

// fiberContextKey is the context key under which a running Fiber
// stores itself. Its presence is this module's hook-enable flag:
// sylar's per-thread t_hook_enable boolean doesn't translate to Go,
// where goroutines are not pinned to OS threads, so the context is the
// idiomatic carrier instead.
type fiberContextKey struct{}

func withFiberContext(ctx context.Context, f *Fiber) context.Context {
	return context.WithValue(ctx, fiberContextKey{}, f)
}

// FiberFromContext retrieves the Fiber driving ctx, if any. A false
// result means hooking is disabled for this call: every hook function
// falls through to the real syscall unchanged.
func FiberFromContext(ctx context.Context) (*Fiber, bool) {
	f, ok := ctx.Value(fiberContextKey{}).(*Fiber)
	return f, ok
}

// MustFiberFromContext retrieves the Fiber driving ctx, panicking if
// ctx was not created by a Fiber. Useful for fiber-cooperative
// primitives (Mutex, WaitGroup, ...) that only make sense when called
// from fiber-bodied code.
func MustFiberFromContext(ctx context.Context) *Fiber {
	f, ok := FiberFromContext(ctx)
	if !ok {
		panic("fiberhook: fiber not found in context")
	}
	return f
}
