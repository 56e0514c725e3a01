package clock

import (
	"sync"
	"time"
)

// FakeClock is a Clock whose time only moves when Advance or Set is called.
// It is safe for concurrent use.
//
// AfterFunc callbacks run synchronously inside Advance, without the clock's
// lock held, so a callback may schedule further timers. A callback must not
// call Advance itself.
type FakeClock struct {
	mu      sync.Mutex
	changed *sync.Cond
	now     time.Time
	seq     uint64
	waiters []*waiter
}

type waiter struct {
	deadline time.Time
	seq      uint64
	ch       chan time.Time
	fn       func()
	every    time.Duration
}

// Fake returns a FakeClock set to initial.
func Fake(initial time.Time) *FakeClock {
	c := &FakeClock{now: initial}
	c.changed = sync.NewCond(&c.mu)
	return c
}

func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// After returns a channel that receives once the clock reaches now+d.
// A non-positive d delivers immediately.
func (c *FakeClock) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	c.mu.Lock()
	defer c.mu.Unlock()
	if d <= 0 {
		ch <- c.now
		return ch
	}
	c.addLocked(&waiter{deadline: c.now.Add(d), ch: ch})
	return ch
}

// AfterFunc registers f to run once the clock reaches now+d. A
// non-positive d runs f before AfterFunc returns.
func (c *FakeClock) AfterFunc(d time.Duration, f func()) *Timer {
	if d <= 0 {
		f()
		return &Timer{stop: func() bool { return false }}
	}
	c.mu.Lock()
	w := &waiter{deadline: c.now.Add(d), fn: f}
	c.addLocked(w)
	c.mu.Unlock()
	return &Timer{stop: func() bool { return c.remove(w) }}
}

func (c *FakeClock) NewTicker(d time.Duration) *Ticker {
	if d <= 0 {
		panic("clock: non-positive interval for NewTicker")
	}
	ch := make(chan time.Time, 1)
	c.mu.Lock()
	w := &waiter{deadline: c.now.Add(d), ch: ch, every: d}
	c.addLocked(w)
	c.mu.Unlock()
	return &Ticker{C: ch, stop: func() { c.remove(w) }}
}

// Advance moves the clock forward by d. Pending waiters fire one at a time
// in deadline order, and the clock reads each waiter's deadline while it
// fires. Waiters registered by callbacks fire in the same call when their
// deadline is within reach.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	c.mu.Unlock()
	c.advanceTo(target)
}

// Set moves the clock to t, firing waiters as Advance does. Moving
// backwards only changes Now.
func (c *FakeClock) Set(t time.Time) {
	c.advanceTo(t)
}

func (c *FakeClock) advanceTo(target time.Time) {
	for {
		w, at, ok := c.popDue(target)
		if !ok {
			break
		}
		if w.fn != nil {
			w.fn()
			continue
		}
		select {
		case w.ch <- at:
		default:
		}
	}
	c.mu.Lock()
	c.now = target
	c.mu.Unlock()
}

// popDue removes the earliest waiter due at or before target and moves the
// clock to its deadline. Tickers are rescheduled rather than removed.
func (c *FakeClock) popDue(target time.Time) (*waiter, time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	idx := -1
	for i, w := range c.waiters {
		if w.deadline.After(target) {
			continue
		}
		if idx < 0 || earlier(w, c.waiters[idx]) {
			idx = i
		}
	}
	if idx < 0 {
		return nil, time.Time{}, false
	}

	w := c.waiters[idx]
	at := w.deadline
	if at.After(c.now) {
		c.now = at
	}
	if w.every > 0 {
		c.seq++
		w.seq = c.seq
		w.deadline = at.Add(w.every)
	} else {
		c.waiters = append(c.waiters[:idx], c.waiters[idx+1:]...)
	}
	return w, at, true
}

func earlier(a, b *waiter) bool {
	if a.deadline.Equal(b.deadline) {
		return a.seq < b.seq
	}
	return a.deadline.Before(b.deadline)
}

func (c *FakeClock) addLocked(w *waiter) {
	c.seq++
	w.seq = c.seq
	c.waiters = append(c.waiters, w)
	c.changed.Broadcast()
}

func (c *FakeClock) remove(target *waiter) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, w := range c.waiters {
		if w == target {
			c.waiters = append(c.waiters[:i], c.waiters[i+1:]...)
			return true
		}
	}
	return false
}

// PendingCount returns the number of registered waiters that have not
// fired or been stopped.
func (c *FakeClock) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.waiters)
}

// NextDeadline returns the earliest pending deadline.
func (c *FakeClock) NextDeadline() (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var next time.Time
	for i, w := range c.waiters {
		if i == 0 || w.deadline.Before(next) {
			next = w.deadline
		}
	}
	return next, len(c.waiters) > 0
}

// WaitForTimers blocks until at least n waiters are pending. Tests use it
// to avoid advancing before a goroutine has registered its timer.
func (c *FakeClock) WaitForTimers(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for len(c.waiters) < n {
		c.changed.Wait()
	}
}

var _ Clock = (*FakeClock)(nil)
