package fiberhook

import (
	"container/heap"
	"syscall"
	"time"
	"weak"
)

// Timer is a handle to a scheduled deadline callback, returned by
// IOManager.AddTimer / AddConditionTimer.
type Timer struct {
	entry *timerEntry
	owner *IOManager
}

// Cancel prevents the timer from firing. Idempotent: cancelling an
// already-fired or already-cancelled timer is a no-op.
func (t *Timer) Cancel() {
	if t == nil || t.entry == nil {
		return
	}
	t.owner.cancelTimer(t.entry)
}

// timerEntry is the heap element. cb is invoked on fire unless guard
// is non-nil and its weak reference no longer upgrades — the
// condition-timer mechanism lets a timer that outlives the fiber it
// was guarding become a silent no-op instead of firing against stale
// state. Implemented with the standard library's weak package rather
// than a hand-rolled epoch counter, since weak.Pointer is exactly the
// non-owning, liveness-checked handle this needs.
type timerEntry struct {
	deadline  time.Time
	cb        func()
	guard     *weak.Pointer[TimerInfo]
	cancelled bool
	index     int // heap.Interface bookkeeping
}

// timerHeap is a min-heap ordered by deadline, grounded on the
// corpus's eventloop/loop.go timerHeap (container/heap over a slice of
// deadline+callback pairs).
type timerHeap []*timerEntry

func (h timerHeap) Len() int            { return len(h) }
func (h timerHeap) Less(i, j int) bool  { return h[i].deadline.Before(h[j].deadline) }
func (h timerHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *timerHeap) Push(x any) {
	e := x.(*timerEntry)
	e.index = len(*h)
	*h = append(*h, e)
}
func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// TimerInfo is the shared record between a suspended fiber and the
// condition-timer that may forcibly wake it, matching sylar's
// timer_info: Cancelled is 0 normally, else the syscall.Errno the
// fiber should surface (syscall.ETIMEDOUT in every use in this
// module).
type TimerInfo struct {
	Cancelled syscall.Errno
}

// AddTimer schedules cb to run after d, returning a handle that can
// cancel it before it fires.
func (m *IOManager) AddTimer(d time.Duration, cb func()) *Timer {
	return m.addTimerEntry(d, cb, nil)
}

// AddConditionTimer schedules cb to run after d, but only if guard
// still upgrades at fire time — the mechanism doIO and
// ConnectWithTimeout use so a timer that outlives the fiber it was
// guarding a TimerInfo for performs no observable action instead of
// firing against stale state.
func (m *IOManager) AddConditionTimer(d time.Duration, cb func(), guard weak.Pointer[TimerInfo]) *Timer {
	return m.addTimerEntry(d, cb, &guard)
}

func (m *IOManager) addTimerEntry(d time.Duration, cb func(), guard *weak.Pointer[TimerInfo]) *Timer {
	e := &timerEntry{
		deadline: m.now().Add(d),
		cb:       cb,
		guard:    guard,
	}

	m.timersMu.Lock()
	heap.Push(&m.timers, e)
	m.timersMu.Unlock()

	m.wake()
	return &Timer{entry: e, owner: m}
}

func (m *IOManager) cancelTimer(e *timerEntry) {
	m.timersMu.Lock()
	defer m.timersMu.Unlock()
	if e.index < 0 {
		return
	}
	e.cancelled = true
	heap.Fix(&m.timers, e.index)
}

// nextTimeout returns how long the poller should block before the
// next timer needs attention, or -1 if there are none pending.
func (m *IOManager) nextTimeout() time.Duration {
	m.timersMu.Lock()
	defer m.timersMu.Unlock()
	if len(m.timers) == 0 {
		return -1
	}
	d := m.timers[0].deadline.Sub(m.now())
	if d < 0 {
		return 0
	}
	return d
}

// runExpiredTimers pops and fires every timer whose deadline has
// passed, skipping cancelled entries and condition timers whose guard
// no longer upgrades.
func (m *IOManager) runExpiredTimers() {
	now := m.now()
	for {
		m.timersMu.Lock()
		if len(m.timers) == 0 || m.timers[0].deadline.After(now) {
			m.timersMu.Unlock()
			return
		}
		e := heap.Pop(&m.timers).(*timerEntry)
		m.timersMu.Unlock()

		if e.cancelled {
			continue
		}
		if e.guard != nil && e.guard.Value() == nil {
			continue
		}
		func() {
			defer recoverAndLog("timer callback")
			e.cb()
		}()
	}
}
