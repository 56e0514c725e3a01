package scheduler

import (
	"errors"
	"reflect"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/patrickspencer/cadence/internal/clock"
	"github.com/patrickspencer/cadence/internal/due"
	"github.com/patrickspencer/cadence/internal/recur"
)

func TestTimerChainFiresOnEachOccurrence(t *testing.T) {
	t.Parallel()

	c := clock.Fake(epoch)
	tc := NewTimerChain(WithClock(c), WithInlineCallbacks())
	calls := &counter{clock: c}
	if _, err := tc.Schedule(recur.MustParse("*/15 * * * *"), calls.fn, TaskOptions{Name: "quarter"}); err != nil {
		t.Fatalf("Schedule: %v", err)
	}

	c.Advance(14 * time.Minute)
	if got := len(calls.calls()); got != 0 {
		t.Fatalf("expected no calls before 00:15, got %d", got)
	}

	c.Advance(time.Minute)
	c.Advance(30 * time.Minute)
	want := []time.Time{
		epoch.Add(15 * time.Minute),
		epoch.Add(30 * time.Minute),
		epoch.Add(45 * time.Minute),
	}
	if got := calls.calls(); !reflect.DeepEqual(got, want) {
		t.Fatalf("expected calls at %v, got %v", want, got)
	}
	if tc.Len() != 1 {
		t.Fatalf("expected 1 live task, got %d", tc.Len())
	}
}

func TestTimerChainCancelBeforeFire(t *testing.T) {
	t.Parallel()

	c := clock.Fake(epoch)
	tc := NewTimerChain(WithClock(c), WithInlineCallbacks())
	calls := &counter{clock: c}
	h, err := tc.Schedule(recur.MustParse("* * * * *"), calls.fn, TaskOptions{})
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}

	tc.Cancel(h)
	tc.Cancel(h)
	c.Advance(time.Hour)

	if got := len(calls.calls()); got != 0 {
		t.Fatalf("expected 0 calls, got %d", got)
	}
	if !h.Cancelled() {
		t.Fatal("expected handle to report cancelled")
	}
	if c.PendingCount() != 0 || tc.Len() != 0 {
		t.Fatalf("expected nothing pending, got %d timers and %d tasks", c.PendingCount(), tc.Len())
	}
}

func TestTimerChainCancelFromCallback(t *testing.T) {
	t.Parallel()

	c := clock.Fake(epoch)
	tc := NewTimerChain(WithClock(c), WithInlineCallbacks())
	var h *Handle
	n := 0
	h, err := tc.Schedule(recur.MustParse("* * * * *"), func() error {
		n++
		if n == 2 {
			tc.Cancel(h)
		}
		return nil
	}, TaskOptions{})
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}

	c.Advance(10 * time.Minute)
	if n != 2 {
		t.Fatalf("expected 2 calls, got %d", n)
	}
	if c.PendingCount() != 0 {
		t.Fatalf("expected no pending timers, got %d", c.PendingCount())
	}
}

func TestTimerChainSplitsLongDelays(t *testing.T) {
	t.Parallel()

	c := &recordingClock{FakeClock: clock.Fake(epoch)}
	tc := NewTimerChain(WithClock(c), WithInlineCallbacks(), WithMaxDelay(10*time.Minute))
	calls := &counter{clock: c}
	if _, err := tc.Once(due.Every{Interval: 25 * time.Minute}, calls.fn, TaskOptions{}); err != nil {
		t.Fatalf("Once: %v", err)
	}

	c.Advance(24 * time.Minute)
	if got := len(calls.calls()); got != 0 {
		t.Fatalf("expected no call before the full delay, got %d", got)
	}
	c.Advance(time.Minute)

	want := []time.Duration{10 * time.Minute, 10 * time.Minute, 5 * time.Minute}
	if got := c.recorded(); !reflect.DeepEqual(got, want) {
		t.Fatalf("expected sub-delays %v, got %v", want, got)
	}
	if got := calls.calls(); len(got) != 1 || !got[0].Equal(epoch.Add(25*time.Minute)) {
		t.Fatalf("expected one call at 00:25, got %v", got)
	}
	if tc.Len() != 0 {
		t.Fatalf("expected one-shot task to be gone, got %d", tc.Len())
	}
}

func TestTimerChainSubDelaysSumToTarget(t *testing.T) {
	t.Parallel()

	c := &recordingClock{FakeClock: clock.Fake(epoch)}
	maxDelay := 7 * time.Hour
	tc := NewTimerChain(WithClock(c), WithInlineCallbacks(), WithMaxDelay(maxDelay))
	calls := &counter{clock: c}
	if _, err := tc.Once(recur.MustParse("0 0 1 mar *"), calls.fn, TaskOptions{}); err != nil {
		t.Fatalf("Once: %v", err)
	}

	target := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	c.Set(target)

	var sum time.Duration
	for _, d := range c.recorded() {
		if d > maxDelay {
			t.Fatalf("sub-delay %s exceeds max %s", d, maxDelay)
		}
		sum += d
	}
	if want := target.Sub(epoch); sum != want {
		t.Fatalf("expected sub-delays to sum to %s, got %s", want, sum)
	}
	if got := calls.calls(); len(got) != 1 || !got[0].Equal(target) {
		t.Fatalf("expected one call at %s, got %v", target, got)
	}
}

func TestScheduleAfterDefaultMaxDelay(t *testing.T) {
	t.Parallel()

	c := &recordingClock{FakeClock: clock.Fake(epoch)}
	fired := false
	ScheduleAfter(c, 30*24*time.Hour, MaxTimerDelay, func() { fired = true })

	c.Advance(30 * 24 * time.Hour)
	want := []time.Duration{MaxTimerDelay, 30*24*time.Hour - MaxTimerDelay}
	if got := c.recorded(); !reflect.DeepEqual(got, want) {
		t.Fatalf("expected sub-delays %v, got %v", want, got)
	}
	if !fired {
		t.Fatal("expected callback to fire")
	}
}

func TestScheduleAfterCancelMidChain(t *testing.T) {
	t.Parallel()

	c := clock.Fake(epoch)
	fired := false
	h := ScheduleAfter(c, 3*time.Hour, time.Hour, func() { fired = true })

	c.Advance(90 * time.Minute)
	h.Cancel()
	c.Advance(3 * time.Hour)

	if fired {
		t.Fatal("cancelled chain fired")
	}
	if c.PendingCount() != 0 {
		t.Fatalf("expected no pending timers, got %d", c.PendingCount())
	}
}

func TestScheduleAfterNonPositiveDelay(t *testing.T) {
	t.Parallel()

	c := clock.Fake(epoch)
	fired := false
	h := ScheduleAfter(c, -time.Second, time.Hour, func() { fired = true })
	if !fired {
		t.Fatal("expected an elapsed delay to fire immediately")
	}
	h.Cancel()
}

func TestTimerChainErrorIsolation(t *testing.T) {
	t.Parallel()

	c := clock.Fake(epoch)
	tc := NewTimerChain(WithClock(c), WithInlineCallbacks())
	var errs []error
	n := 0
	if _, err := tc.Schedule(recur.MustParse("* * * * *"), func() error {
		n++
		panic("kaboom")
	}, TaskOptions{ErrorHandler: func(err error) { errs = append(errs, err) }}); err != nil {
		t.Fatalf("Schedule: %v", err)
	}

	c.Advance(3 * time.Minute)
	if n != 3 || len(errs) != 3 {
		t.Fatalf("expected chain to survive 3 panics, got %d calls and %d errors", n, len(errs))
	}
	var pe *PanicError
	if !errors.As(errs[0], &pe) {
		t.Fatalf("expected *PanicError, got %v", errs[0])
	}
}

func TestTimerChainReportsExhaustion(t *testing.T) {
	t.Parallel()

	c := clock.Fake(epoch)
	tc := NewTimerChain(WithClock(c), WithInlineCallbacks())
	var reported error
	calls := &counter{clock: c}
	if _, err := tc.Schedule(listSchedule{epoch.Add(time.Minute), epoch.Add(2 * time.Minute)}, calls.fn, TaskOptions{
		ErrorHandler: func(err error) { reported = err },
	}); err != nil {
		t.Fatalf("Schedule: %v", err)
	}

	c.Advance(time.Hour)
	if got := len(calls.calls()); got != 2 {
		t.Fatalf("expected 2 calls, got %d", got)
	}
	if !errors.Is(reported, recur.ErrSearchExhausted) {
		t.Fatalf("expected ErrSearchExhausted, got %v", reported)
	}
	if tc.Len() != 0 {
		t.Fatalf("expected exhausted task to be dropped, got %d", tc.Len())
	}
}

func TestTimerChainScheduleRejects(t *testing.T) {
	t.Parallel()

	tc := NewTimerChain(WithClock(clock.Fake(epoch)))
	if _, err := tc.Schedule(nil, func() error { return nil }, TaskOptions{}); err == nil {
		t.Fatal("expected error for nil schedule")
	}
	if _, err := tc.Schedule(recur.MustParse("0 0 30 2 *"), func() error { return nil }, TaskOptions{}); !errors.Is(err, recur.ErrSearchExhausted) {
		t.Fatalf("expected ErrSearchExhausted, got %v", err)
	}
}

func TestTimerChainStop(t *testing.T) {
	t.Parallel()

	c := clock.Fake(epoch)
	tc := NewTimerChain(WithClock(c), WithInlineCallbacks())
	calls := &counter{clock: c}
	for i := 0; i < 3; i++ {
		if _, err := tc.Schedule(recur.MustParse("* * * * *"), calls.fn, TaskOptions{}); err != nil {
			t.Fatalf("Schedule: %v", err)
		}
	}
	tc.Stop()
	c.Advance(time.Hour)
	if got := len(calls.calls()); got != 0 {
		t.Fatalf("expected no calls after Stop, got %d", got)
	}
}

func TestRobfigScheduleAdapter(t *testing.T) {
	t.Parallel()

	s, err := ParseRobfig("30 */10 * * * *")
	if err != nil {
		t.Fatalf("ParseRobfig: %v", err)
	}
	next, err := s.Next(epoch)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if want := epoch.Add(30 * time.Second); !next.Equal(want) {
		t.Fatalf("expected %s, got %s", want, next)
	}

	impossible, err := ParseRobfig("0 0 30 2 *")
	if err != nil {
		t.Fatalf("ParseRobfig: %v", err)
	}
	if _, err := impossible.Next(epoch); !errors.Is(err, recur.ErrSearchExhausted) {
		t.Fatalf("expected ErrSearchExhausted, got %v", err)
	}

	if _, err := ParseRobfig("not cron"); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestTimerChainAcrossOffsetChanges(t *testing.T) {
	t.Parallel()

	ny, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Fatalf("LoadLocation: %v", err)
	}
	tests := []struct {
		name  string
		expr  string
		start time.Time
		want  time.Time
	}{
		{"spring forward", "30 2 * * *", time.Date(2024, 3, 10, 0, 0, 0, 0, ny), time.Date(2024, 3, 10, 7, 30, 0, 0, time.UTC)},
		{"fall back", "45 1 * * *", time.Date(2024, 11, 3, 0, 0, 0, 0, ny), time.Date(2024, 11, 3, 5, 45, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := clock.Fake(tt.start)
			tc := NewTimerChain(WithClock(c), WithInlineCallbacks())
			calls := &counter{clock: c}
			if _, err := tc.Schedule(recur.MustParse(tt.expr), calls.fn, TaskOptions{Name: tt.name}); err != nil {
				t.Fatalf("Schedule: %v", err)
			}

			c.Advance(6 * time.Hour)
			got := calls.calls()
			if len(got) != 1 || !got[0].Equal(tt.want) {
				t.Fatalf("expected one call at %s, got %v", tt.want, got)
			}
			if tc.Len() != 1 {
				t.Fatalf("expected the task to stay scheduled, got %d", tc.Len())
			}
		})
	}
}

func TestTimerChainDropsStalledSchedule(t *testing.T) {
	t.Parallel()

	c := clock.Fake(epoch)
	tc := NewTimerChain(WithClock(c), WithInlineCallbacks())
	var reported error
	calls := &counter{clock: c}
	_, err := tc.Schedule(&stallingSchedule{first: epoch.Add(time.Minute)}, calls.fn, TaskOptions{
		ErrorHandler: func(err error) { reported = err },
	})
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}

	c.Advance(5 * time.Minute)
	if got := len(calls.calls()); got != 1 {
		t.Fatalf("expected 1 call, got %d", got)
	}
	if !errors.Is(reported, ErrStalled) {
		t.Fatalf("expected ErrStalled to be reported, got %v", reported)
	}
	if tc.Len() != 0 || c.PendingCount() != 0 {
		t.Fatalf("expected nothing left, got %d tasks and %d timers", tc.Len(), c.PendingCount())
	}

	if _, err := tc.Schedule(&stallingSchedule{used: true}, calls.fn, TaskOptions{}); !errors.Is(err, ErrStalled) {
		t.Fatalf("expected ErrStalled from Schedule, got %v", err)
	}
}

func TestTimerChainStopWaitsForCallbacks(t *testing.T) {
	t.Parallel()

	c := clock.Fake(epoch)
	tc := NewTimerChain(WithClock(c))
	cb := newBlockingCallback()
	if _, err := tc.Once(recur.MustParse("* * * * *"), cb.fn, TaskOptions{}); err != nil {
		t.Fatalf("Once: %v", err)
	}
	c.Advance(time.Minute)
	<-cb.started

	stopped := make(chan struct{})
	go func() {
		tc.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
		t.Fatal("expected Stop to wait for the running callback")
	case <-time.After(50 * time.Millisecond):
	}

	close(cb.release)
	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not return after the callback finished")
	}
}
