//go:build linux

package fiberhook

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// Event is a readiness direction an fd can be awaited on, mirroring
// sylar::IOManager::Event (READ/WRITE).
type Event uint32

const (
	// EventRead awaits readability.
	EventRead Event = 1 << iota
	// EventWrite awaits writability.
	EventWrite
)

func (e Event) epollBit() uint32 {
	switch e {
	case EventRead:
		return unix.EPOLLIN
	case EventWrite:
		return unix.EPOLLOUT
	default:
		panic("fiberhook: invalid event")
	}
}

// ErrEventPending is returned by addEvent when a fiber is already
// suspended on the requested (fd, direction) pair: two fibers racing
// the same pair is a registration failure, never silently merged.
var ErrEventPending = errors.New("fiberhook: event already pending for (fd, direction)")

// fdWatch tracks the fibers pending on a single fd's two directions,
// plus whether it's currently registered with epoll at all.
type fdWatch struct {
	read, write *Fiber
	registered  bool
}

func (w *fdWatch) interestBits() uint32 {
	var bits uint32
	if w.read != nil {
		bits |= unix.EPOLLIN
	}
	if w.write != nil {
		bits |= unix.EPOLLOUT
	}
	return bits
}

// IOManager is the concrete event loop behind every hooked syscall:
// one epoll instance, one timer heap, and a table of fibers pending on
// (fd, direction) pairs, grounded on eventloop/poller_linux.go (epoll
// wrapper) and eventloop/loop.go (container/heap timer wheel), with
// cross-goroutine wake-up via an eventfd.
type IOManager struct {
	epfd int
	wfd  int // eventfd used to interrupt EpollWait from another goroutine

	fdsMu sync.Mutex
	fds   map[int]*fdWatch

	timersMu sync.Mutex
	timers   timerHeap

	readyMu sync.Mutex
	ready   []*Fiber

	clock func() time.Time

	closeOnce sync.Once
	closeCh   chan struct{}
}

// NewIOManager creates an IOManager backed by a fresh epoll instance.
func NewIOManager() (*IOManager, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("fiberhook: epoll_create1: %w", err)
	}
	wfd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		unix.Close(epfd)
		return nil, fmt.Errorf("fiberhook: eventfd: %w", err)
	}

	m := &IOManager{
		epfd:    epfd,
		wfd:     wfd,
		fds:     make(map[int]*fdWatch),
		clock:   time.Now,
		closeCh: make(chan struct{}),
	}

	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wfd, &unix.EpollEvent{
		Events: unix.EPOLLIN,
		Fd:     int32(wfd),
	}); err != nil {
		unix.Close(epfd)
		unix.Close(wfd)
		return nil, fmt.Errorf("fiberhook: epoll_ctl(wake fd): %w", err)
	}

	return m, nil
}

func (m *IOManager) now() time.Time { return m.clock() }

// Close releases the epoll and eventfd descriptors. It does not wait
// for Run to return; callers should arrange for Run's goroutine to
// observe Close (e.g. via context cancellation of the fibers it owns).
func (m *IOManager) Close() error {
	var err error
	m.closeOnce.Do(func() {
		close(m.closeCh)
		if e := unix.Close(m.epfd); e != nil {
			err = e
		}
		unix.Close(m.wfd)
	})
	return err
}

// wake interrupts a blocked EpollWait so a newly scheduled fiber or
// newly armed timer is noticed promptly.
func (m *IOManager) wake() {
	var buf [8]byte
	buf[0] = 1
	_, _ = unix.Write(m.wfd, buf[:])
}

func (m *IOManager) drainWake() {
	var buf [8]byte
	for {
		_, err := unix.Read(m.wfd, buf[:])
		if err != nil {
			return
		}
	}
}

// Schedule enqueues fiber to be resumed by this IOManager's Run loop.
// Safe to call from any goroutine.
func (m *IOManager) Schedule(f *Fiber) {
	m.readyMu.Lock()
	m.ready = append(m.ready, f)
	m.readyMu.Unlock()
	m.wake()
}

func (m *IOManager) popReady() []*Fiber {
	m.readyMu.Lock()
	defer m.readyMu.Unlock()
	if len(m.ready) == 0 {
		return nil
	}
	batch := m.ready
	m.ready = nil
	return batch
}

// addEvent registers the calling fiber as the continuation for fd
// becoming ready in direction ev. Returns ErrEventPending if another
// fiber is already pending on the same (fd, direction) — addEvent must
// never silently merge two waiters.
func (m *IOManager) addEvent(fd int, ev Event, f *Fiber) error {
	m.fdsMu.Lock()
	defer m.fdsMu.Unlock()

	w := m.fds[fd]
	if w == nil {
		w = &fdWatch{}
		m.fds[fd] = w
	}

	switch ev {
	case EventRead:
		if w.read != nil {
			return ErrEventPending
		}
		w.read = f
	case EventWrite:
		if w.write != nil {
			return ErrEventPending
		}
		w.write = f
	default:
		return fmt.Errorf("fiberhook: invalid event %v", ev)
	}

	epEv := &unix.EpollEvent{Events: w.interestBits(), Fd: int32(fd)}
	op := unix.EPOLL_CTL_MOD
	if !w.registered {
		op = unix.EPOLL_CTL_ADD
	}
	if err := unix.EpollCtl(m.epfd, op, fd, epEv); err != nil {
		// roll back the registration we just recorded
		switch ev {
		case EventRead:
			w.read = nil
		case EventWrite:
			w.write = nil
		}
		return fmt.Errorf("fiberhook: epoll_ctl(fd=%d): %w", fd, err)
	}
	w.registered = true
	return nil
}

// cancelEvent resolves the fiber pending on (fd, dir), if any, exactly
// once: a forced resume from a timeout and a genuine readiness resume
// both funnel through this one path, distinguished only by whether the
// fiber's TimerInfo.Cancelled is set. The fiber is rescheduled rather
// than resumed inline, so callers that still have cleanup to do after
// triggering a cancellation (Close, above all) are guaranteed to finish
// it before the woken fiber runs again.
func (m *IOManager) cancelEvent(fd int, dir Event) {
	f := m.detachEvent(fd, dir)
	if f != nil {
		m.Schedule(f)
	}
}

// detachEvent removes and returns the fiber pending on (fd, dir)
// without resuming it, updating the fd's epoll interest accordingly.
func (m *IOManager) detachEvent(fd int, dir Event) *Fiber {
	m.fdsMu.Lock()
	defer m.fdsMu.Unlock()

	w := m.fds[fd]
	if w == nil {
		return nil
	}

	var f *Fiber
	switch dir {
	case EventRead:
		f = w.read
		w.read = nil
	case EventWrite:
		f = w.write
		w.write = nil
	}
	if f == nil {
		return nil
	}

	m.syncInterestLocked(fd, w)
	return f
}

// cancelAll resolves every direction pending on fd, in the order
// read-then-write. Used by Close.
func (m *IOManager) cancelAll(fd int) {
	rf := m.detachEvent(fd, EventRead)
	wf := m.detachEvent(fd, EventWrite)

	m.fdsMu.Lock()
	if w := m.fds[fd]; w != nil && w.read == nil && w.write == nil {
		if w.registered {
			_ = unix.EpollCtl(m.epfd, unix.EPOLL_CTL_DEL, fd, nil)
		}
		delete(m.fds, fd)
	}
	m.fdsMu.Unlock()

	if rf != nil {
		m.Schedule(rf)
	}
	if wf != nil {
		m.Schedule(wf)
	}
}

// syncInterestLocked updates or removes the fd's epoll registration to
// match its current set of pending directions. Caller holds fdsMu.
func (m *IOManager) syncInterestLocked(fd int, w *fdWatch) {
	bits := w.interestBits()
	if bits == 0 {
		if w.registered {
			_ = unix.EpollCtl(m.epfd, unix.EPOLL_CTL_DEL, fd, nil)
			w.registered = false
		}
		return
	}
	_ = unix.EpollCtl(m.epfd, unix.EPOLL_CTL_MOD, fd, &unix.EpollEvent{Events: bits, Fd: int32(fd)})
}

// Run drives the event loop until Close is called: it blocks in
// EpollWait bounded by the next timer deadline, fires expired timers,
// dispatches ready fds, and resumes any fiber handed to Schedule from
// another goroutine. Run is meant to be the entire body of a
// dedicated goroutine, the owner of this IOManager's event notifier
// and timer heap; it does not itself call runtime.LockOSThread, a
// documented scope reduction (see DESIGN.md).
func (m *IOManager) Run() {
	var events [128]unix.EpollEvent
	for {
		select {
		case <-m.closeCh:
			return
		default:
		}

		timeout := m.nextTimeout()
		ms := -1
		if timeout >= 0 {
			if timeout == 0 {
				ms = 0
			} else {
				ms = int(timeout / time.Millisecond)
				if ms == 0 {
					ms = 1
				}
			}
		}

		n, err := unix.EpollWait(m.epfd, events[:], ms)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			select {
			case <-m.closeCh:
				return
			default:
			}
			getLogger().Error().Err(err).Msg("epoll_wait failed")
			continue
		}

		for i := 0; i < n; i++ {
			fd := int(events[i].Fd)
			if fd == m.wfd {
				m.drainWake()
				continue
			}
			epBits := events[i].Events
			if epBits&(unix.EPOLLIN|unix.EPOLLERR|unix.EPOLLHUP) != 0 {
				m.cancelEvent(fd, EventRead)
			}
			if epBits&(unix.EPOLLOUT|unix.EPOLLERR|unix.EPOLLHUP) != 0 {
				m.cancelEvent(fd, EventWrite)
			}
		}

		m.runExpiredTimers()

		for _, f := range m.popReady() {
			func() {
				defer recoverAndLog("fiber resume")
				f.Resume()
			}()
		}
	}
}

func recoverAndLog(where string) {
	if r := recover(); r != nil {
		getLogger().Error().Interface("panic", r).Str("where", where).Msg("recovered panic")
	}
}
