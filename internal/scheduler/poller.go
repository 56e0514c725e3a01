package scheduler

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// taskHeap is a min-heap of tasks ordered by next run time, earliest first.
// Ties go to the task registered first.
type taskHeap []*task

func (h taskHeap) Len() int { return len(h) }
func (h taskHeap) Less(i, j int) bool {
	if h[i].next.Equal(h[j].next) {
		return h[i].id < h[j].id
	}
	return h[i].next.Before(h[j].next)
}
func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *taskHeap) Push(x any) {
	t := x.(*task)
	t.index = len(*h)
	*h = append(*h, t)
}
func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}

// Poller runs tasks from a periodic tick. Every tick fires each task whose
// next run time has passed, once, however many occurrences were missed.
type Poller struct {
	interval time.Duration
	opts     options

	mu     sync.Mutex
	heap   taskHeap
	tasks  map[TaskID]*task
	lastID TaskID
	stop   context.CancelFunc
	wg     sync.WaitGroup
}

// NewPoller creates a Poller that ticks every interval once started.
func NewPoller(interval time.Duration, opts ...Option) *Poller {
	return &Poller{
		interval: interval,
		opts:     buildOptions(opts),
		tasks:    make(map[TaskID]*task),
	}
}

// Register adds a task. Its first run is the schedule's next occurrence
// after the current time.
func (p *Poller) Register(s Schedule, fn Func, opts TaskOptions) (TaskID, error) {
	if s == nil || fn == nil {
		return 0, errors.New("scheduler: schedule and callback are required")
	}
	now := p.opts.clock.Now()
	next, err := nextAfter(s, now)
	if err != nil {
		return 0, fmt.Errorf("scheduler: first run of %q: %w", opts.Name, err)
	}

	p.mu.Lock()
	p.lastID++
	t := &task{id: p.lastID, schedule: s, next: next, fn: fn, opts: opts}
	heap.Push(&p.heap, t)
	p.tasks[t.id] = t
	p.mu.Unlock()

	p.opts.logger.Debug().Uint64("id", uint64(t.id)).Str("task", opts.Name).Time("next", next).Msg("task registered")
	return t.id, nil
}

// Cancel removes a task. Cancelling during a tick does not interrupt a
// callback that is already running.
func (p *Poller) Cancel(id TaskID) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.tasks[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrTaskNotFound, id)
	}
	if t.index >= 0 {
		heap.Remove(&p.heap, t.index)
	}
	delete(p.tasks, id)
	return nil
}

// NextRun returns when the task runs next.
func (p *Poller) NextRun(id TaskID) (time.Time, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.tasks[id]
	if !ok {
		return time.Time{}, false
	}
	return t.next, true
}

// Len returns the number of registered tasks.
func (p *Poller) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.tasks)
}

// Start begins ticking. It returns ErrAlreadyStarted if the Poller is
// running. The Poller stops when ctx is done or Stop is called.
func (p *Poller) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stop != nil {
		return ErrAlreadyStarted
	}
	ctx, cancel := context.WithCancel(ctx)
	p.stop = cancel
	ticker := p.opts.clock.NewTicker(p.interval)

	p.wg.Add(1)
	go p.run(ctx, ticker.C, ticker.Stop)
	p.opts.logger.Info().Dur("interval", p.interval).Msg("poller started")
	return nil
}

// Stop halts ticking, then waits for the tick loop and every callback it
// started to return. Callbacks from direct Tick calls are waited for too.
func (p *Poller) Stop() {
	p.mu.Lock()
	cancel := p.stop
	p.stop = nil
	p.mu.Unlock()
	if cancel != nil {
		cancel()
		p.wg.Wait()
	}
	p.opts.inflight.Wait()
	if cancel != nil {
		p.opts.logger.Info().Msg("poller stopped")
	}
}

func (p *Poller) run(ctx context.Context, ticks <-chan time.Time, stopTicker func()) {
	defer p.wg.Done()
	defer stopTicker()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticks:
			p.Tick(now)
		}
	}
}

// Tick fires every task due at or before now and reschedules repeating
// tasks to their next occurrence after now. One-shot tasks are removed,
// and so are tasks whose schedule has no further occurrence.
func (p *Poller) Tick(now time.Time) {
	type failure struct {
		opts TaskOptions
		err  error
	}

	p.mu.Lock()
	var due []*task
	for len(p.heap) > 0 && !p.heap[0].next.After(now) {
		due = append(due, heap.Pop(&p.heap).(*task))
	}
	p.opts.inflight.Add(len(due))
	var failures []failure
	for _, t := range due {
		if t.opts.OneShot {
			delete(p.tasks, t.id)
			continue
		}
		next, err := nextAfter(t.schedule, now)
		if err != nil {
			delete(p.tasks, t.id)
			failures = append(failures, failure{t.opts, fmt.Errorf("scheduler: rescheduling %q: %w", t.opts.Name, err)})
			continue
		}
		t.next = next
		heap.Push(&p.heap, t)
	}
	p.mu.Unlock()

	for _, t := range due {
		p.opts.logger.Debug().Uint64("id", uint64(t.id)).Str("task", t.opts.Name).Time("at", now).Msg("task fired")
		p.opts.dispatch(t.fn, t.opts)
	}
	for _, f := range failures {
		p.opts.report(f.opts, f.err)
	}
}
