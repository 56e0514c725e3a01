// Package scheduler runs callbacks on the occurrences of a schedule.
//
// Poller checks its tasks on a fixed tick and tolerates missed ticks and
// restarts. TimerChain arms one timer per task for the exact next
// occurrence and splits long waits into chained timers no longer than the
// platform limit.
package scheduler

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/patrickspencer/cadence/internal/clock"
)

var (
	// ErrTaskNotFound is returned when cancelling an unknown task id.
	ErrTaskNotFound = errors.New("scheduler: task not found")
	// ErrAlreadyStarted is returned by Start on a running scheduler.
	ErrAlreadyStarted = errors.New("scheduler: already started")
	// ErrStalled is reported when a schedule's next run is not after the
	// time it was asked about. The task is dropped instead of refiring.
	ErrStalled = errors.New("scheduler: schedule did not advance")
)

// Schedule yields the first run time strictly after t. *recur.Rule and the
// due package's specs satisfy it.
type Schedule interface {
	Next(t time.Time) (time.Time, error)
}

// Func is a task callback. A returned error, or a panic, goes to the task's
// ErrorHandler and does not affect other tasks.
type Func func() error

// TaskOptions configures a registered task.
type TaskOptions struct {
	// Name labels the task in logs.
	Name string
	// OneShot removes the task after its first run.
	OneShot bool
	// ErrorHandler receives callback errors and recovered panics as
	// *PanicError. When nil, errors are logged.
	ErrorHandler func(error)
}

// MaxTimerDelay is the longest single timer TimerChain arms by default:
// 2^31-1 milliseconds, the limit of a signed 32-bit millisecond timer.
const MaxTimerDelay = (1<<31 - 1) * time.Millisecond

type options struct {
	clock    clock.Clock
	logger   zerolog.Logger
	inline   bool
	maxDelay time.Duration
	// inflight counts callbacks that have been dispatched and not returned.
	inflight *sync.WaitGroup
}

// Option configures a Poller or TimerChain.
type Option func(*options)

// WithClock replaces the real clock.
func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithLogger sets the logger. The default discards everything.
func WithLogger(l zerolog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithInlineCallbacks runs callbacks on the goroutine that fires them
// instead of a new one. Combined with a fake clock this makes firing
// synchronous.
func WithInlineCallbacks() Option {
	return func(o *options) { o.inline = true }
}

// WithMaxDelay caps the length of a single TimerChain timer. Non-positive
// values are ignored.
func WithMaxDelay(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.maxDelay = d
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{
		clock:    clock.Real(),
		logger:   zerolog.Nop(),
		maxDelay: MaxTimerDelay,
		inflight: new(sync.WaitGroup),
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// nextAfter returns the first run of s after t.
func nextAfter(s Schedule, t time.Time) (time.Time, error) {
	next, err := s.Next(t)
	if err != nil {
		return time.Time{}, err
	}
	if !next.After(t) {
		return time.Time{}, fmt.Errorf("%w: next run %s is not after %s",
			ErrStalled, next.Format(time.RFC3339), t.Format(time.RFC3339))
	}
	return next, nil
}
