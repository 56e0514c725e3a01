// Package due decides whether a task is due to run given when it last ran.
//
// A task schedule is either a whole number of minutes ("15" runs every
// fifteen minutes) or a cron expression understood by package recur.
package due

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/patrickspencer/cadence/internal/recur"
)

// ErrInvalidInterval is returned for a numeric schedule below one minute.
var ErrInvalidInterval = errors.New("due: interval must be at least 1 minute")

// Spec is a parsed task schedule. Both kinds also satisfy the schedulers'
// Schedule interface through Next.
type Spec interface {
	// Next returns the first run time after t.
	Next(t time.Time) (time.Time, error)
	// Due reports whether a task that last ran at lastRun should run at
	// now. A zero lastRun means the task never ran.
	Due(lastRun, now time.Time) (bool, error)
	String() string
}

// Parse reads a schedule. Anything that parses as an integer is an
// interval in minutes; everything else must be a cron expression.
func Parse(expr string) (Spec, error) {
	expr = strings.TrimSpace(expr)
	if n, err := strconv.Atoi(expr); err == nil {
		if n < 1 {
			return nil, fmt.Errorf("%w: got %d", ErrInvalidInterval, n)
		}
		return Every{Interval: time.Duration(n) * time.Minute}, nil
	}
	rule, err := recur.Parse(expr)
	if err != nil {
		return nil, err
	}
	return Cron{Rule: rule}, nil
}

// Every runs a task at a fixed interval measured from its last run.
type Every struct {
	Interval time.Duration
}

func (e Every) Next(t time.Time) (time.Time, error) {
	return t.Add(e.Interval), nil
}

func (e Every) Due(lastRun, now time.Time) (bool, error) {
	if lastRun.IsZero() {
		return true, nil
	}
	return now.Sub(lastRun) >= e.Interval, nil
}

func (e Every) String() string {
	return strconv.Itoa(int(e.Interval / time.Minute))
}

// Cron runs a task on the occurrences of a recurrence rule. A task is due
// when an occurrence has passed since it last ran.
type Cron struct {
	Rule *recur.Rule
}

func (c Cron) Next(t time.Time) (time.Time, error) {
	return c.Rule.Next(t)
}

func (c Cron) Due(lastRun, now time.Time) (bool, error) {
	prev, err := c.Rule.Prev(now)
	if err != nil {
		return false, err
	}
	return lastRun.IsZero() || prev.After(lastRun), nil
}

func (c Cron) String() string {
	return c.Rule.String()
}
