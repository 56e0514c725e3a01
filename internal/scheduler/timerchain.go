package scheduler

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/patrickspencer/cadence/internal/clock"
)

// Handle cancels a chain of timers. Once cancelled it never re-arms.
type Handle struct {
	mu        sync.Mutex
	timer     *clock.Timer
	gen       uint64
	cancelled bool
}

// Cancel stops the pending timer. It is safe to call more than once.
func (h *Handle) Cancel() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.cancelled = true
	if h.timer != nil {
		h.timer.Stop()
		h.timer = nil
	}
}

// Cancelled reports whether Cancel has been called.
func (h *Handle) Cancelled() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cancelled
}

// ScheduleAfter calls fn once delay has elapsed on c. Waits longer than
// maxDelay are split into consecutive timers of at most maxDelay each.
func ScheduleAfter(c clock.Clock, delay, maxDelay time.Duration, fn func()) *Handle {
	h := &Handle{}
	h.after(c, delay, maxDelay, fn)
	return h
}

func (h *Handle) after(c clock.Clock, remaining, maxDelay time.Duration, fn func()) {
	step := min(remaining, maxDelay)

	h.mu.Lock()
	if h.cancelled {
		h.mu.Unlock()
		return
	}
	h.gen++
	gen := h.gen
	h.mu.Unlock()

	// The lock is not held across AfterFunc: a fake clock runs non-positive
	// delays synchronously, and the callback re-enters the handle.
	t := c.AfterFunc(step, func() {
		if rest := remaining - step; rest > 0 {
			h.after(c, rest, maxDelay, fn)
			return
		}
		h.mu.Lock()
		if h.cancelled {
			h.mu.Unlock()
			return
		}
		h.timer = nil
		h.mu.Unlock()
		fn()
	})

	h.mu.Lock()
	if h.gen == gen {
		h.timer = t
	}
	cancelled := h.cancelled
	h.mu.Unlock()
	if cancelled {
		t.Stop()
	}
}

// TimerChain runs each task on a timer armed for its exact next occurrence.
type TimerChain struct {
	opts options

	mu      sync.Mutex
	handles map[*Handle]struct{}
}

// NewTimerChain creates a TimerChain.
func NewTimerChain(opts ...Option) *TimerChain {
	return &TimerChain{
		opts:    buildOptions(opts),
		handles: make(map[*Handle]struct{}),
	}
}

// Schedule runs fn on every occurrence of s until the returned handle is
// cancelled or s has no further occurrence.
func (tc *TimerChain) Schedule(s Schedule, fn Func, opts TaskOptions) (*Handle, error) {
	if s == nil || fn == nil {
		return nil, errors.New("scheduler: schedule and callback are required")
	}
	next, err := nextAfter(s, tc.opts.clock.Now())
	if err != nil {
		return nil, fmt.Errorf("scheduler: first run of %q: %w", opts.Name, err)
	}

	h := &Handle{}
	tc.mu.Lock()
	tc.handles[h] = struct{}{}
	tc.mu.Unlock()

	tc.arm(h, s, fn, opts, next)
	return h, nil
}

// Once runs fn on the next occurrence of s only.
func (tc *TimerChain) Once(s Schedule, fn Func, opts TaskOptions) (*Handle, error) {
	opts.OneShot = true
	return tc.Schedule(s, fn, opts)
}

// Cancel stops a task. Cancelling a finished or already cancelled handle
// does nothing.
func (tc *TimerChain) Cancel(h *Handle) {
	if h == nil {
		return
	}
	h.Cancel()
	tc.forget(h)
}

// Stop cancels every task and waits for callbacks that already fired to
// return.
func (tc *TimerChain) Stop() {
	tc.mu.Lock()
	handles := tc.handles
	tc.handles = make(map[*Handle]struct{})
	tc.mu.Unlock()
	for h := range handles {
		h.Cancel()
	}
	tc.opts.inflight.Wait()
}

// Len returns the number of live tasks.
func (tc *TimerChain) Len() int {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	return len(tc.handles)
}

func (tc *TimerChain) forget(h *Handle) {
	tc.mu.Lock()
	delete(tc.handles, h)
	tc.mu.Unlock()
}

func (tc *TimerChain) arm(h *Handle, s Schedule, fn Func, opts TaskOptions, at time.Time) {
	delay := at.Sub(tc.opts.clock.Now())
	tc.opts.logger.Debug().Str("task", opts.Name).Time("next", at).Dur("delay", delay).Msg("timer armed")
	h.after(tc.opts.clock, delay, tc.opts.maxDelay, func() {
		tc.fire(h, s, fn, opts, at)
	})
}

func (tc *TimerChain) fire(h *Handle, s Schedule, fn Func, opts TaskOptions, at time.Time) {
	// The slot is taken under tc.mu so Stop either sees it or the handle
	// is already gone.
	tc.mu.Lock()
	_, live := tc.handles[h]
	if live {
		tc.opts.inflight.Add(1)
	}
	tc.mu.Unlock()
	if !live {
		return
	}
	tc.opts.logger.Debug().Str("task", opts.Name).Time("at", at).Msg("task fired")
	tc.opts.dispatch(fn, opts)

	if opts.OneShot || h.Cancelled() {
		tc.forget(h)
		return
	}
	from := tc.opts.clock.Now()
	if from.Before(at) {
		from = at
	}
	next, err := nextAfter(s, from)
	if err != nil {
		tc.forget(h)
		tc.opts.report(opts, fmt.Errorf("scheduler: rescheduling %q: %w", opts.Name, err))
		return
	}
	tc.arm(h, s, fn, opts, next)
}
