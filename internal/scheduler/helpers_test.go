package scheduler

import (
	"fmt"
	"sync"
	"time"

	"github.com/patrickspencer/cadence/internal/clock"
	"github.com/patrickspencer/cadence/internal/recur"
)

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// listSchedule yields a fixed list of times and is exhausted afterwards.
type listSchedule []time.Time

func (l listSchedule) Next(t time.Time) (time.Time, error) {
	for _, at := range l {
		if at.After(t) {
			return at, nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: list ends", recur.ErrSearchExhausted)
}

// recordingClock records the duration of every AfterFunc call.
type recordingClock struct {
	*clock.FakeClock

	mu     sync.Mutex
	delays []time.Duration
}

func (c *recordingClock) AfterFunc(d time.Duration, f func()) *clock.Timer {
	c.mu.Lock()
	c.delays = append(c.delays, d)
	c.mu.Unlock()
	return c.FakeClock.AfterFunc(d, f)
}

func (c *recordingClock) recorded() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.delays...)
}

// counter is a callback that counts its calls and records the clock.
type counter struct {
	mu    sync.Mutex
	clock clock.Clock
	at    []time.Time
}

func (c *counter) fn() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.at = append(c.at, c.clock.Now())
	return nil
}

func (c *counter) calls() []time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Time(nil), c.at...)
}

// stallingSchedule hands out first once and then answers every question
// with the time it was asked about.
type stallingSchedule struct {
	mu    sync.Mutex
	first time.Time
	used  bool
}

func (s *stallingSchedule) Next(t time.Time) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.used {
		s.used = true
		return s.first, nil
	}
	return t, nil
}

// blockingCallback signals when it starts and returns once released.
type blockingCallback struct {
	started  chan struct{}
	release  chan struct{}
	finished chan struct{}
}

func newBlockingCallback() *blockingCallback {
	return &blockingCallback{
		started:  make(chan struct{}),
		release:  make(chan struct{}),
		finished: make(chan struct{}),
	}
}

func (b *blockingCallback) fn() error {
	close(b.started)
	<-b.release
	close(b.finished)
	return nil
}
