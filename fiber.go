package fiberhook

import (
	"context"

	"github.com/webriots/coro"
)

// Fiber is a stackful-feeling, cooperatively scheduled coroutine with
// an independent logical call stack, built on github.com/webriots/coro
// and wired the way corio's Task wires it in task.go — minus the
// generic batched-I/O machinery, which this module's IOManager
// replaces with a concrete epoll loop.
type Fiber struct {
	ctx     context.Context
	mgr     *IOManager
	resume  func(struct{}) (struct{}, bool)
	cancel  func()
	suspend func() struct{}
	done    bool
}

// NewFiber creates a Fiber that will run fn(ctx) when first resumed.
// The ctx passed to fn (and returned by (*Fiber).Context) carries the
// Fiber itself, recoverable with FiberFromContext — this is what makes
// hook functions called from within fn take the yielding path instead
// of falling through to the real syscall.
func NewFiber(ctx context.Context, mgr *IOManager, fn func(ctx context.Context)) *Fiber {
	f := &Fiber{mgr: mgr}

	resume, cancel := coro.New(
		func(yield func(struct{}) struct{}, suspend func() struct{}) (z struct{}) {
			f.suspend = suspend
			f.ctx = withFiberContext(ctx, f)
			fn(f.ctx)
			return
		},
	)
	f.resume = resume
	f.cancel = cancel
	return f
}

// Context returns the Fiber's context, valid once the fiber has run at
// least one step (i.e. after the first Resume).
func (f *Fiber) Context() context.Context {
	return f.ctx
}

// IOManager returns the event loop driving this fiber.
func (f *Fiber) IOManager() *IOManager {
	return f.mgr
}

// Resume runs the fiber until it next suspends or returns. It reports
// whether the fiber is still alive (true) or has completed (false).
// Resuming a completed fiber is a no-op that returns false.
func (f *Fiber) Resume() bool {
	if f.done {
		return false
	}
	_, alive := f.resume(struct{}{})
	f.done = !alive
	return alive
}

// Yield suspends the calling fiber until some other code path resumes
// it (directly, or via IOManager.Schedule / a firing event). Must only
// be called from within the fiber's own body.
func (f *Fiber) Yield() {
	f.suspend()
}

// Done reports whether the fiber has run to completion.
func (f *Fiber) Done() bool {
	return f.done
}

// Cancel abandons the fiber's coroutine goroutine without running the
// remainder of its body. Used for IOManager teardown.
func (f *Fiber) Cancel() {
	f.cancel()
}

// Group returns a new ErrGroup owned by f.
func (f *Fiber) Group() ErrGroup {
	return newErrGroup(f)
}

// Go spawns a new fiber on the same IOManager running fn(ctx), and
// runs it immediately up to its first yield point before returning —
// mirroring corio's Task.goctx, which resumes a freshly created child
// task inline rather than merely enqueuing it. Use IOManager.Schedule
// instead when the new fiber should start on a later loop iteration.
func (f *Fiber) Go(ctx context.Context, fn func(context.Context)) *Fiber {
	child := NewFiber(ctx, f.mgr, fn)
	child.Resume()
	return child
}
