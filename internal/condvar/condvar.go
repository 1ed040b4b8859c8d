// Package condvar implements a broadcast condition variable with
// deadline-based (rather than relative-duration) timed waits.
//
// sync.Cond has no timed wait. Cond's WaitUntil takes an absolute
// deadline rather than a relative duration. The wait loops in package
// mpipe compute a fresh deadline (time.Now().Add(pollInterval)) for each
// poll slice and cap it at the context's deadline, which is fixed.
package condvar

import (
	"sync"
	"time"
)

// Cond is a broadcast condition variable associated with an external lock
// L, exactly like sync.Cond, but implemented over a channel so waits can
// carry a deadline.
type Cond struct {
	L sync.Locker

	mu sync.Mutex
	ch chan struct{}
}

// New returns a Cond whose Wait/WaitUntil release and reacquire l.
func New(l sync.Locker) *Cond {
	return &Cond{L: l, ch: make(chan struct{})}
}

// Broadcast wakes all current waiters. The caller must hold L.
func (c *Cond) Broadcast() {
	c.mu.Lock()
	close(c.ch)
	c.ch = make(chan struct{})
	c.mu.Unlock()
}

// Wait releases L, blocks until the next Broadcast, then reacquires L.
// The caller must hold L.
func (c *Cond) Wait() {
	c.mu.Lock()
	ch := c.ch
	c.mu.Unlock()

	c.L.Unlock()
	<-ch
	c.L.Lock()
}

// WaitUntil releases L, blocks until the next Broadcast or until deadline
// passes, then reacquires L. Returns true if woken by Broadcast, false on
// deadline expiry. The caller must hold L.
func (c *Cond) WaitUntil(deadline time.Time) bool {
	c.mu.Lock()
	ch := c.ch
	c.mu.Unlock()

	c.L.Unlock()
	defer c.L.Lock()

	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()
	select {
	case <-ch:
		return true
	case <-timer.C:
		return false
	}
}
