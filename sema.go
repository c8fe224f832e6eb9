package fiberhook

import "github.com/gammazero/deque"

// sema is a fiber-cooperative semaphore: a count of available permits
// plus a FIFO of fibers waiting for one, adapted from corio's
// TaskBase-based sema to resume waiters by calling (*Fiber).Resume
// directly rather than through a scheduler run-queue, since this
// module's Fiber suspends/resumes synchronously on whichever goroutine
// touches it.
type sema struct {
	noCopy noCopy
	v      uint32
	w      deque.Deque[*Fiber]
}

// acquire takes a permit for f, suspending f until one is available.
func (s *sema) acquire(f *Fiber) {
	if s.v > 0 {
		s.v--
		return
	}

	s.w.PushBack(f)
	f.Yield()
	// release banked one permit for us before resuming; take it.
	s.v--
}

// release wakes the longest-waiting fiber, if any. A release with no
// waiters is a no-op rather than banking a permit: every caller of
// sema in this file (Mutex, WaitGroup) only calls release to match an
// acquire it already knows is queued.
func (s *sema) release() {
	if s.w.Len() == 0 {
		return
	}

	s.v++

	f := s.w.PopFront()
	f.Resume()
}
