package fiberhook

// WaitGroup is used to wait for a collection of fibers to finish.
// Fibers call Add(1) when they start and Done() when they finish.
// Other fibers can call Wait() to yield until all fibers have
// finished.
type WaitGroup struct {
	noCopy noCopy
	v      int32
	w      uint32
	sema   sema
}

// Add adds delta to the WaitGroup counter. If the counter becomes
// zero and there are fibers waiting, they will be resumed. If the
// counter goes negative, Add panics.
func (wg *WaitGroup) Add(delta int) {
	wg.v += int32(delta)

	if wg.v < 0 {
		panic("fiberhook: negative WaitGroup counter")
	}

	if wg.w != 0 && delta > 0 && wg.v == int32(delta) {
		panic("fiberhook: WaitGroup misuse: Add called concurrently with Wait")
	}

	if wg.v > 0 || wg.w == 0 {
		return
	}

	for ; wg.w != 0; wg.w-- {
		wg.sema.release()
	}
}

// Done decrements the WaitGroup counter by one. It's a convenience
// method equivalent to Add(-1).
func (wg *WaitGroup) Done() {
	wg.Add(-1)
}

// Wait yields the calling fiber until the WaitGroup counter is zero.
// If the counter is already zero, it returns immediately.
func (wg *WaitGroup) Wait(f *Fiber) {
	if wg.v == 0 {
		return
	}

	wg.w++
	wg.sema.acquire(f)
}
