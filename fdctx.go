package fiberhook

import (
	"sync"

	"golang.org/x/sys/unix"
)

// NoTimeout is the sole sentinel for "no deadline" used throughout this
// module's timeout fields: 0 is a legitimate "fail immediately if not
// already ready" timeout, distinct from "block forever".
const NoTimeout = -1

// FdCtx is the per-descriptor metadata sylar's FdCtx tracks in hook.cc:
// whether the fd is a socket, whether the kernel already considers it
// non-blocking (sysNonblock) versus whether the caller asked for
// non-blocking behavior (userNonblock), and any SO_RCVTIMEO/SO_SNDTIMEO
// the caller has set via Setsockopt.
type FdCtx struct {
	mu sync.RWMutex

	fd int

	isInit        bool
	isSocket      bool
	isClosed      bool
	sysNonblock   bool
	userNonblock  bool
	recvTimeoutMs int
	sendTimeoutMs int
}

func newFdCtx(fd int) *FdCtx {
	c := &FdCtx{fd: fd, recvTimeoutMs: NoTimeout, sendTimeoutMs: NoTimeout}
	c.init()
	return c
}

// init probes the fd's current state the way sylar's FdCtx::init does:
// fstat to classify it as a socket, then, for a socket, fcntl(F_GETFL)
// and, if O_NONBLOCK is not already set, fcntl(F_SETFL) to force it at
// the kernel level, recording sysNonblock.
func (c *FdCtx) init() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.isInit {
		return
	}

	var st unix.Stat_t
	if err := unix.Fstat(c.fd, &st); err == nil {
		c.isSocket = st.Mode&unix.S_IFMT == unix.S_IFSOCK
	}

	if c.isSocket {
		if flags, err := unix.FcntlInt(uintptr(c.fd), unix.F_GETFL, 0); err == nil {
			if flags&unix.O_NONBLOCK != 0 {
				c.sysNonblock = true
			} else {
				_, _ = unix.FcntlInt(uintptr(c.fd), unix.F_SETFL, flags|unix.O_NONBLOCK)
				c.sysNonblock = true
			}
		}
	}

	c.isInit = true
}

// IsSocket reports whether this descriptor was a socket at init time.
func (c *FdCtx) IsSocket() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.isSocket
}

// IsClosed reports whether Close has already been recorded for this fd.
func (c *FdCtx) IsClosed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.isClosed
}

// UserNonblock reports whether the caller explicitly requested
// non-blocking semantics (via Fcntl(F_SETFL) or Ioctl(FIONBIO)), as
// opposed to the kernel-level non-blocking this module imposes on every
// socket so it can multiplex them.
func (c *FdCtx) UserNonblock() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.userNonblock
}

// SetUserNonblock records the caller's requested non-blocking mode.
func (c *FdCtx) SetUserNonblock(v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.userNonblock = v
}

// RecvTimeoutMs returns the SO_RCVTIMEO-equivalent deadline in
// milliseconds, or NoTimeout if unset.
func (c *FdCtx) RecvTimeoutMs() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.recvTimeoutMs
}

// SendTimeoutMs returns the SO_SNDTIMEO-equivalent deadline in
// milliseconds, or NoTimeout if unset.
func (c *FdCtx) SendTimeoutMs() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sendTimeoutMs
}

// SetRecvTimeoutMs records a Setsockopt(SO_RCVTIMEO) value.
func (c *FdCtx) SetRecvTimeoutMs(ms int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.recvTimeoutMs = ms
}

// SetSendTimeoutMs records a Setsockopt(SO_SNDTIMEO) value.
func (c *FdCtx) SetSendTimeoutMs(ms int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sendTimeoutMs = ms
}

func (c *FdCtx) markClosed() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.isClosed = true
}

// FdMgr is the process-wide table of FdCtx records, grounded on
// sylar's singleton FdManager: one lazily-populated map behind a
// RWMutex, entries created on first touch and removed on Close.
type FdMgr struct {
	mu   sync.RWMutex
	fds  map[int]*FdCtx
}

// NewFdMgr creates an empty descriptor table.
func NewFdMgr() *FdMgr {
	return &FdMgr{fds: make(map[int]*FdCtx)}
}

// Get returns the FdCtx for fd, creating and initializing one on first
// use when autoCreate is true (the sylar convention: lookups from
// inside a hook always auto-create, direct introspection callers may
// pass false).
func (m *FdMgr) Get(fd int, autoCreate bool) *FdCtx {
	m.mu.RLock()
	c, ok := m.fds[fd]
	m.mu.RUnlock()
	if ok {
		return c
	}
	if !autoCreate {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.fds[fd]; ok {
		return c
	}
	c = newFdCtx(fd)
	m.fds[fd] = c
	return c
}

// Del removes fd's entry, marking it closed first so any FdCtx handle
// still held elsewhere observes IsClosed.
func (m *FdMgr) Del(fd int) {
	m.mu.Lock()
	c, ok := m.fds[fd]
	delete(m.fds, fd)
	m.mu.Unlock()
	if ok {
		c.markClosed()
	}
}

var defaultFdMgr = NewFdMgr()
