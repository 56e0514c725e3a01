package clock

import (
	"sync"
	"testing"
	"time"
)

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func TestFakeNowAndAdvance(t *testing.T) {
	t.Parallel()

	c := Fake(epoch)
	if got := c.Now(); !got.Equal(epoch) {
		t.Fatalf("expected %s, got %s", epoch, got)
	}
	c.Advance(5 * time.Second)
	if got, want := c.Now(), epoch.Add(5*time.Second); !got.Equal(want) {
		t.Fatalf("expected %s, got %s", want, got)
	}
}

func TestFakeAfter(t *testing.T) {
	t.Parallel()

	c := Fake(epoch)
	ch := c.After(3 * time.Second)

	c.Advance(2 * time.Second)
	select {
	case <-ch:
		t.Fatal("After fired before its deadline")
	default:
	}

	c.Advance(time.Second)
	select {
	case got := <-ch:
		if want := epoch.Add(3 * time.Second); !got.Equal(want) {
			t.Fatalf("expected fire time %s, got %s", want, got)
		}
	default:
		t.Fatal("After did not fire at its deadline")
	}

	select {
	case <-c.After(0):
	default:
		t.Fatal("After(0) should deliver immediately")
	}
}

func TestFakeAfterFuncOrderAndNow(t *testing.T) {
	t.Parallel()

	c := Fake(epoch)
	var order []int
	var seen []time.Time
	record := func(n int) func() {
		return func() {
			order = append(order, n)
			seen = append(seen, c.Now())
		}
	}
	c.AfterFunc(3*time.Second, record(3))
	c.AfterFunc(1*time.Second, record(1))
	c.AfterFunc(2*time.Second, record(2))
	c.AfterFunc(2*time.Second, record(22))

	c.Advance(10 * time.Second)

	want := []int{1, 2, 22, 3}
	if len(order) != len(want) {
		t.Fatalf("expected %v, got %v", want, order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, order)
		}
	}
	if !seen[0].Equal(epoch.Add(time.Second)) || !seen[3].Equal(epoch.Add(3*time.Second)) {
		t.Fatalf("expected callbacks to observe their own deadline, got %v", seen)
	}
	if got, want := c.Now(), epoch.Add(10*time.Second); !got.Equal(want) {
		t.Fatalf("expected %s after Advance, got %s", want, got)
	}
}

func TestFakeAfterFuncChainsWithinOneAdvance(t *testing.T) {
	t.Parallel()

	c := Fake(epoch)
	var fired []time.Time
	var step func()
	step = func() {
		fired = append(fired, c.Now())
		if len(fired) < 3 {
			c.AfterFunc(4*time.Second, step)
		}
	}
	c.AfterFunc(4*time.Second, step)

	c.Advance(12 * time.Second)

	if len(fired) != 3 {
		t.Fatalf("expected 3 chained calls, got %d", len(fired))
	}
	if want := epoch.Add(12 * time.Second); !fired[2].Equal(want) {
		t.Fatalf("expected last call at %s, got %s", want, fired[2])
	}
}

func TestFakeAfterFuncStop(t *testing.T) {
	t.Parallel()

	c := Fake(epoch)
	called := false
	timer := c.AfterFunc(time.Second, func() { called = true })
	if c.PendingCount() != 1 {
		t.Fatalf("expected 1 pending, got %d", c.PendingCount())
	}
	if !timer.Stop() {
		t.Fatal("expected Stop to report a pending timer")
	}
	if timer.Stop() {
		t.Fatal("expected second Stop to report false")
	}
	c.Advance(time.Minute)
	if called {
		t.Fatal("stopped timer fired")
	}
	if c.PendingCount() != 0 {
		t.Fatalf("expected 0 pending, got %d", c.PendingCount())
	}
}

func TestFakeAfterFuncNonPositiveRunsImmediately(t *testing.T) {
	t.Parallel()

	c := Fake(epoch)
	called := false
	timer := c.AfterFunc(0, func() { called = true })
	if !called {
		t.Fatal("expected AfterFunc(0) to run synchronously")
	}
	if timer.Stop() {
		t.Fatal("expected Stop on a finished timer to report false")
	}
}

func TestFakeTicker(t *testing.T) {
	t.Parallel()

	c := Fake(epoch)
	ticker := c.NewTicker(time.Second)
	defer ticker.Stop()

	for i := 1; i <= 3; i++ {
		c.Advance(time.Second)
		select {
		case got := <-ticker.C:
			if want := epoch.Add(time.Duration(i) * time.Second); !got.Equal(want) {
				t.Fatalf("tick %d at %s, want %s", i, got, want)
			}
		default:
			t.Fatalf("tick %d missing", i)
		}
	}

	// A long advance with nobody reading leaves a single buffered tick.
	c.Advance(5 * time.Second)
	<-ticker.C
	select {
	case <-ticker.C:
		t.Fatal("expected dropped ticks")
	default:
	}

	ticker.Stop()
	c.Advance(5 * time.Second)
	select {
	case <-ticker.C:
		t.Fatal("stopped ticker ticked")
	default:
	}
}

func TestFakeNewTickerPanicsOnNonPositive(t *testing.T) {
	t.Parallel()

	defer func() {
		if recover() == nil {
			t.Fatal("expected panic")
		}
	}()
	Fake(epoch).NewTicker(0)
}

func TestFakeNextDeadline(t *testing.T) {
	t.Parallel()

	c := Fake(epoch)
	if _, ok := c.NextDeadline(); ok {
		t.Fatal("expected no deadline")
	}
	c.AfterFunc(5*time.Second, func() {})
	c.AfterFunc(2*time.Second, func() {})
	got, ok := c.NextDeadline()
	if !ok || !got.Equal(epoch.Add(2*time.Second)) {
		t.Fatalf("expected %s, got %s (ok=%v)", epoch.Add(2*time.Second), got, ok)
	}
}

func TestFakeWaitForTimers(t *testing.T) {
	t.Parallel()

	c := Fake(epoch)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		<-c.After(time.Second)
	}()

	c.WaitForTimers(1)
	c.Advance(time.Second)
	wg.Wait()
}

func TestRealClock(t *testing.T) {
	t.Parallel()

	c := Real()
	done := make(chan struct{})
	c.AfterFunc(time.Millisecond, func() { close(done) })
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("real AfterFunc never fired")
	}

	ticker := c.NewTicker(time.Millisecond)
	defer ticker.Stop()
	select {
	case <-ticker.C:
	case <-time.After(5 * time.Second):
		t.Fatal("real ticker never ticked")
	}
}
