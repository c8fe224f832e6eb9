// Package fiberhook turns blocking-looking I/O calls into cooperative,
// fiber-yielding operations driven by an event loop.
//
// Application code issues what look like ordinary syscalls — Read,
// Write, Connect, Accept, Sleep — through this package instead of
// golang.org/x/sys/unix directly. Each one attempts the underlying
// syscall in non-blocking mode; on EAGAIN it registers the fd with the
// calling fiber's IOManager, suspends the fiber, and resumes it once
// the fd is ready or a timeout/cancellation fires. Everything else
// (fd bookkeeping, epoll, timers, the fiber primitive itself) exists to
// make that one conversion correct.
//
// Key components:
//
//   - IOManager: an epoll-backed event loop owning a timer heap and a
//     table of fibers pending on (fd, direction) pairs.
//
//   - Fiber: a coro-backed coroutine carrying its own context.Context,
//     from which hook functions recover the fiber and its IOManager.
//
//   - FdCtx / FdMgr: per-descriptor metadata (socket-ness, blocking
//     mode, timeouts) and the process-wide table that owns it.
//
//   - Timer / condition timer: deadlines ordered in a heap, with
//     weak-pointer-guarded callbacks so a fiber that already resumed
//     can't be double-resumed by a late timeout.
package fiberhook
