package fiberhook

import (
	"context"
	"os"
	"syscall"
	"time"
	"weak"

	"golang.org/x/sys/unix"
)

// fionbio is unix.FIONBIO (0x5421 on Linux), not exported by the
// vendored golang.org/x/sys/unix version this module builds against.
const fionbio = 0x5421

// fdMgr is the table consulted by every hook in this file. It's a
// package variable rather than something threaded through every call,
// matching sylar's FdMgr::GetInstance() singleton in hook.cc.
var fdMgr = defaultFdMgr

// isRetryable reports whether err is the "try again" family that
// do_io's retry loop treats as "go back to sleep", matching hook.cc's
// `errno == EAGAIN` check (EWOULDBLOCK is the same value on Linux but
// tested explicitly for portability of the idiom).
func isRetryable(err error) bool {
	return err == unix.EAGAIN || err == unix.EWOULDBLOCK
}

// doIO is the Go-native equivalent of hook.cc's do_io template: run
// attempt, retry transparently on EINTR, and on EAGAIN suspend the
// calling fiber until fd becomes ready for event or a timeout set via
// timeoutMs fires first. When ctx carries no Fiber (hooking disabled
// for this call), it degrades to calling attempt exactly once plus the
// EINTR retry, i.e. plain blocking-syscall behavior.
func doIO(ctx context.Context, fd int, event Event, op string, timeoutMs int, attempt func() (int, error)) (int, error) {
	fiber, ok := FiberFromContext(ctx)
	if !ok {
		n, err := retryEINTR(attempt)
		return n, os.NewSyscallError(op, err)
	}

	fc := fdMgr.Get(fd, true)
	if fc.IsClosed() {
		return -1, os.NewSyscallError(op, syscall.EBADF)
	}
	if !fc.IsSocket() || fc.UserNonblock() {
		n, err := retryEINTR(attempt)
		return n, os.NewSyscallError(op, err)
	}

	tinfo := &TimerInfo{}
	guard := weak.Make(tinfo)

	for {
		n, err := retryEINTR(attempt)
		if !isRetryable(err) {
			return n, os.NewSyscallError(op, err)
		}

		iom := fiber.IOManager()
		var timer *Timer
		if timeoutMs != NoTimeout {
			timer = iom.AddConditionTimer(time.Duration(timeoutMs)*time.Millisecond, func() {
				if tinfo.Cancelled != 0 {
					return
				}
				tinfo.Cancelled = syscall.ETIMEDOUT
				iom.cancelEvent(fd, event)
			}, guard)
		}

		if err := iom.addEvent(fd, event, fiber); err != nil {
			if timer != nil {
				timer.Cancel()
			}
			getLogger().Error().Err(err).Str("op", op).Int("fd", fd).Msg("addEvent failed")
			return -1, os.NewSyscallError(op, syscall.EBADF)
		}

		fiber.Yield()
		if timer != nil {
			timer.Cancel()
		}

		if tinfo.Cancelled != 0 {
			return -1, os.NewSyscallError(op, tinfo.Cancelled)
		}
		// Neither timed out nor cancelled: fd was reported ready, loop
		// back and retry the syscall.
	}
}

func retryEINTR(attempt func() (int, error)) (int, error) {
	for {
		n, err := attempt()
		if err == unix.EINTR {
			continue
		}
		return n, err
	}
}

// Sleep suspends the calling fiber for d without blocking the
// underlying goroutine's OS thread, by arming a one-shot timer that
// reschedules the fiber on fire. sleep/usleep/nanosleep collapse to
// this one duration-based primitive since Go has no separate libc
// entry points to shadow.
func Sleep(ctx context.Context, d time.Duration) error {
	fiber, ok := FiberFromContext(ctx)
	if !ok {
		time.Sleep(d)
		return nil
	}
	iom := fiber.IOManager()
	iom.AddTimer(d, func() { iom.Schedule(fiber) })
	fiber.Yield()
	return nil
}

// Socket creates a socket and, when hooking is active, registers it
// with the descriptor table so subsequent hooks recognize it as a
// socket (hook.cc's socket() wrapper calling FdMgr::get(fd, true)).
func Socket(ctx context.Context, domain, typ, proto int) (int, error) {
	fd, err := unix.Socket(domain, typ, proto)
	if err != nil {
		return -1, os.NewSyscallError("socket", err)
	}
	if _, ok := FiberFromContext(ctx); ok {
		fdMgr.Get(fd, true)
	}
	return fd, nil
}

// Connect dials addr on fd using the configured default connect
// timeout (ConnectTimeoutMs), matching hook.cc's plain connect()
// wrapper around connect_with_timeout.
func Connect(ctx context.Context, fd int, addr unix.Sockaddr) error {
	ms := ConnectTimeoutMs.Get()
	if ms == NoTimeout {
		return ConnectWithTimeout(ctx, fd, addr, NoTimeout)
	}
	return ConnectWithTimeout(ctx, fd, addr, time.Duration(ms)*time.Millisecond)
}

// ConnectWithTimeout is connect_with_timeout from hook.cc: issue a
// non-blocking connect, and if it returns EINPROGRESS, wait for
// writability (bounded by timeout, NoTimeout meaning unbounded) before
// consulting SO_ERROR to learn the real outcome.
func ConnectWithTimeout(ctx context.Context, fd int, addr unix.Sockaddr, timeout time.Duration) error {
	fiber, ok := FiberFromContext(ctx)
	if !ok {
		return os.NewSyscallError("connect", unix.Connect(fd, addr))
	}

	fc := fdMgr.Get(fd, true)
	if fc.IsClosed() {
		return os.NewSyscallError("connect", syscall.EBADF)
	}
	if !fc.IsSocket() || fc.UserNonblock() {
		return os.NewSyscallError("connect", unix.Connect(fd, addr))
	}

	err := unix.Connect(fd, addr)
	if err == nil {
		return nil
	}
	if err != unix.EINPROGRESS {
		return os.NewSyscallError("connect", err)
	}

	iom := fiber.IOManager()
	tinfo := &TimerInfo{}
	guard := weak.Make(tinfo)
	var timer *Timer
	if timeout != NoTimeout {
		timer = iom.AddConditionTimer(timeout, func() {
			if tinfo.Cancelled != 0 {
				return
			}
			tinfo.Cancelled = syscall.ETIMEDOUT
			iom.cancelEvent(fd, EventWrite)
		}, guard)
	}

	if err := iom.addEvent(fd, EventWrite, fiber); err != nil {
		if timer != nil {
			timer.Cancel()
		}
		getLogger().Error().Err(err).Int("fd", fd).Msg("connect addEvent(WRITE) failed")
		return os.NewSyscallError("connect", syscall.EBADF)
	}

	fiber.Yield()
	if timer != nil {
		timer.Cancel()
	}
	if tinfo.Cancelled != 0 {
		return os.NewSyscallError("connect", tinfo.Cancelled)
	}

	soErr, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return os.NewSyscallError("getsockopt", err)
	}
	if soErr != 0 {
		return os.NewSyscallError("connect", syscall.Errno(soErr))
	}
	return nil
}

// Accept accepts a connection on fd, registering the new fd with the
// descriptor table on success (hook.cc's accept()).
func Accept(ctx context.Context, fd int) (int, unix.Sockaddr, error) {
	var newFd int
	var sa unix.Sockaddr
	_, err := doIO(ctx, fd, EventRead, "accept", recvTimeoutOf(fd), func() (int, error) {
		nfd, s, aerr := unix.Accept(fd)
		newFd, sa = nfd, s
		if aerr != nil {
			return -1, aerr
		}
		return nfd, nil
	})
	if err != nil {
		return -1, nil, err
	}
	if _, ok := FiberFromContext(ctx); ok {
		fdMgr.Get(newFd, true)
	}
	return newFd, sa, nil
}

// Read reads into p from fd, yielding the calling fiber while fd is
// not yet readable instead of blocking the goroutine (hook.cc's
// read()).
func Read(ctx context.Context, fd int, p []byte) (int, error) {
	return doIO(ctx, fd, EventRead, "read", recvTimeoutOf(fd), func() (int, error) {
		return unix.Read(fd, p)
	})
}

// Recvfrom receives into p from fd, reporting the sender's address
// (hook.cc's recvfrom()).
func Recvfrom(ctx context.Context, fd int, p []byte, flags int) (int, unix.Sockaddr, error) {
	var from unix.Sockaddr
	n, err := doIO(ctx, fd, EventRead, "recvfrom", recvTimeoutOf(fd), func() (int, error) {
		nn, s, rerr := unix.Recvfrom(fd, p, flags)
		from = s
		return nn, rerr
	})
	return n, from, err
}

// Recv receives into p from a connected fd (hook.cc's recv()).
func Recv(ctx context.Context, fd int, p []byte, flags int) (int, error) {
	n, _, err := Recvfrom(ctx, fd, p, flags)
	return n, err
}

// Readv reads into the scatter-gather buffers iovs from fd (hook.cc's
// readv()).
func Readv(ctx context.Context, fd int, iovs [][]byte) (int, error) {
	return doIO(ctx, fd, EventRead, "readv", recvTimeoutOf(fd), func() (int, error) {
		return unix.Readv(fd, iovs)
	})
}

// Recvmsg receives a message into p, reporting out-of-band control
// data and the sender's address (hook.cc's recvmsg()).
func Recvmsg(ctx context.Context, fd int, p, oob []byte, flags int) (n, oobn int, recvflags int, from unix.Sockaddr, err error) {
	_, err = doIO(ctx, fd, EventRead, "recvmsg", recvTimeoutOf(fd), func() (int, error) {
		nn, oobnn, rf, fr, rerr := unix.Recvmsg(fd, p, oob, flags)
		n, oobn, recvflags, from = nn, oobnn, rf, fr
		return nn, rerr
	})
	return n, oobn, recvflags, from, err
}

// Write writes p to fd (hook.cc's write()).
func Write(ctx context.Context, fd int, p []byte) (int, error) {
	return doIO(ctx, fd, EventWrite, "write", sendTimeoutOf(fd), func() (int, error) {
		return unix.Write(fd, p)
	})
}

// Sendto sends p on fd to addr (hook.cc's sendto()).
func Sendto(ctx context.Context, fd int, p []byte, flags int, to unix.Sockaddr) (int, error) {
	return doIO(ctx, fd, EventWrite, "sendto", sendTimeoutOf(fd), func() (int, error) {
		err := unix.Sendto(fd, p, flags, to)
		if err != nil {
			return -1, err
		}
		return len(p), nil
	})
}

// Send sends p on a connected fd (hook.cc's send()).
func Send(ctx context.Context, fd int, p []byte, flags int) (int, error) {
	return doIO(ctx, fd, EventWrite, "send", sendTimeoutOf(fd), func() (int, error) {
		err := unix.Sendto(fd, p, flags, nil)
		if err != nil {
			return -1, err
		}
		return len(p), nil
	})
}

// Writev writes the scatter-gather buffers iovs to fd (hook.cc's
// writev()).
func Writev(ctx context.Context, fd int, iovs [][]byte) (int, error) {
	return doIO(ctx, fd, EventWrite, "writev", sendTimeoutOf(fd), func() (int, error) {
		return unix.Writev(fd, iovs)
	})
}

// Sendmsg sends p together with out-of-band control data, optionally
// to addr (hook.cc's sendmsg()).
func Sendmsg(ctx context.Context, fd int, p, oob []byte, to unix.Sockaddr, flags int) (int, error) {
	return doIO(ctx, fd, EventWrite, "sendmsg", sendTimeoutOf(fd), func() (int, error) {
		n, serr := unix.SendmsgN(fd, p, oob, to, flags)
		return n, serr
	})
}

// recvTimeoutOf and sendTimeoutOf only peek at the table: an fd with no
// FdCtx yet has no timeout, and creating one here would force
// O_NONBLOCK on the fd even for calls made without a fiber.
func recvTimeoutOf(fd int) int {
	if fc := fdMgr.Get(fd, false); fc != nil {
		return fc.RecvTimeoutMs()
	}
	return NoTimeout
}

func sendTimeoutOf(fd int) int {
	if fc := fdMgr.Get(fd, false); fc != nil {
		return fc.SendTimeoutMs()
	}
	return NoTimeout
}

// Close cancels any fiber pending on fd's events before closing it, so
// a reader or writer blocked on a descriptor about to disappear is
// woken with an error instead of hanging forever (hook.cc's close()).
func Close(ctx context.Context, fd int) error {
	if fiber, ok := FiberFromContext(ctx); ok {
		fiber.IOManager().cancelAll(fd)
	}
	fdMgr.Del(fd)
	return os.NewSyscallError("close", unix.Close(fd))
}

// Fcntl mirrors hook.cc's fcntl(): F_SETFL/F_GETFL are intercepted to
// track and mask the caller's requested O_NONBLOCK bit separately from
// the kernel-level non-blocking this module forces on every socket fd;
// every other command passes through to the raw syscall unchanged.
func Fcntl(ctx context.Context, fd int, cmd int, arg int) (int, error) {
	_, hooked := FiberFromContext(ctx)
	fc := fdMgr.Get(fd, hooked)

	switch cmd {
	case unix.F_SETFL:
		if fc == nil || fc.IsClosed() || !fc.IsSocket() {
			return fcntlInt(fd, cmd, arg)
		}
		fc.SetUserNonblock(arg&unix.O_NONBLOCK != 0)
		arg |= unix.O_NONBLOCK
		return fcntlInt(fd, cmd, arg)

	case unix.F_GETFL:
		rv, err := fcntlInt(fd, cmd, 0)
		if err != nil || fc == nil || fc.IsClosed() || !fc.IsSocket() {
			return rv, err
		}
		if fc.UserNonblock() {
			return rv | unix.O_NONBLOCK, nil
		}
		return rv &^ unix.O_NONBLOCK, nil

	default:
		return fcntlInt(fd, cmd, arg)
	}
}

func fcntlInt(fd, cmd, arg int) (int, error) {
	rv, err := unix.FcntlInt(uintptr(fd), cmd, arg)
	if err != nil {
		return -1, os.NewSyscallError("fcntl", err)
	}
	return rv, nil
}

// FcntlFlock issues F_SETLK/F_SETLKW/F_GETLK, the struct-flock variadic
// family hook.cc dispatches on a separate argument shape (a pointer,
// not an int). These never touch FdCtx or the fiber-yield path: file
// locking has no readiness notion to hook.
func FcntlFlock(fd int, cmd int, lk *unix.Flock_t) error {
	if err := unix.FcntlFlock(uintptr(fd), cmd, lk); err != nil {
		return os.NewSyscallError("fcntl", err)
	}
	return nil
}

// IoctlSetNonblock mirrors hook.cc's ioctl() hook narrowed to the one
// request this module needs to observe: FIONBIO. Other ioctl requests
// have no portable generic Go signature (the third argument's type is
// request-dependent) and are left to golang.org/x/sys/unix callers
// directly; this package offers no general ioctl entry point.
func IoctlSetNonblock(ctx context.Context, fd int, nonblock bool) error {
	if _, ok := FiberFromContext(ctx); ok {
		fc := fdMgr.Get(fd, true)
		if !fc.IsClosed() && fc.IsSocket() {
			fc.SetUserNonblock(nonblock)
		}
	}
	var v int
	if nonblock {
		v = 1
	}
	return os.NewSyscallError("ioctl", unix.IoctlSetInt(fd, fionbio, v))
}

// SetsockoptTimeout mirrors hook.cc's setsockopt() hook for
// SO_RCVTIMEO/SO_SNDTIMEO: the requested duration is recorded on the
// FdCtx for doIO to consult, in addition to being applied to the
// kernel socket as usual.
func SetsockoptTimeout(ctx context.Context, fd, level, optname int, d time.Duration) error {
	tv := unix.NsecToTimeval(d.Nanoseconds())
	if err := unix.SetsockoptTimeval(fd, level, optname, &tv); err != nil {
		return os.NewSyscallError("setsockopt", err)
	}
	if level != unix.SOL_SOCKET {
		return nil
	}
	if _, ok := FiberFromContext(ctx); !ok {
		return nil
	}
	fc := fdMgr.Get(fd, true)
	ms := int(d.Milliseconds())
	switch optname {
	case unix.SO_RCVTIMEO:
		fc.SetRecvTimeoutMs(ms)
	case unix.SO_SNDTIMEO:
		fc.SetSendTimeoutMs(ms)
	}
	return nil
}

// GetsockoptTimeout reads back SO_RCVTIMEO/SO_SNDTIMEO as a
// time.Duration, a pure pass-through to the kernel (hook.cc's
// getsockopt() is documented as "pure pass-through": this module
// never substitutes the FdCtx-cached value, so a caller always sees
// what the kernel actually has configured).
func GetsockoptTimeout(fd, level, optname int) (time.Duration, error) {
	tv, err := unix.GetsockoptTimeval(fd, level, optname)
	if err != nil {
		return 0, os.NewSyscallError("getsockopt", err)
	}
	return time.Duration(tv.Sec)*time.Second + time.Duration(tv.Usec)*time.Microsecond, nil
}
