package scheduler

import (
	"fmt"
	"runtime/debug"
	"time"
)

// PanicError wraps a value recovered from a panicking callback.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("scheduler: callback panicked: %v", e.Value)
}

// Unwrap exposes the panic value when it is an error.
func (e *PanicError) Unwrap() error {
	err, _ := e.Value.(error)
	return err
}

// TaskID identifies a task registered with a Poller.
type TaskID uint64

type task struct {
	id       TaskID
	schedule Schedule
	next     time.Time
	fn       Func
	opts     TaskOptions
	index    int
}

// dispatch runs fn on its own goroutine unless inline callbacks are on.
// The caller must already hold an inflight slot for it.
func (o *options) dispatch(fn Func, opts TaskOptions) {
	if o.inline {
		o.invoke(fn, opts)
		return
	}
	go o.invoke(fn, opts)
}

func (o *options) invoke(fn Func, opts TaskOptions) {
	defer o.inflight.Done()
	err := call(fn)
	if err == nil {
		return
	}
	o.report(opts, err)
}

// report hands err to the task's handler. A panicking handler is logged and
// swallowed.
func (o *options) report(opts TaskOptions, err error) {
	if opts.ErrorHandler == nil {
		o.logger.Warn().Err(err).Str("task", opts.Name).Msg("task failed")
		return
	}
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error().Interface("panic", r).Str("task", opts.Name).Msg("error handler panicked")
		}
	}()
	opts.ErrorHandler(err)
}

func call(fn Func) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Stack: debug.Stack()}
		}
	}()
	return fn()
}
