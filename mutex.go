package fiberhook

// Mutex provides mutual exclusion between fibers sharing an
// IOManager. Unlike sync.Mutex, a fiber blocked on Lock yields instead
// of parking its goroutine, so the goroutine stays free to keep the
// event loop moving.
type Mutex struct {
	noCopy noCopy
	r      *Fiber
	sema   sema
}

// Lock acquires the mutex for f, yielding f until it is available.
func (m *Mutex) Lock(f *Fiber) {
	if m.r == nil {
		m.r = f
		return
	}

	m.sema.acquire(f)
	m.r = f
}

// Unlock releases the mutex, resuming one waiting fiber if any.
func (m *Mutex) Unlock() {
	m.r = nil
	m.sema.release()
}

// WaitCount returns the number of fibers waiting to acquire the mutex.
func (m *Mutex) WaitCount() int {
	return m.sema.w.Len()
}
