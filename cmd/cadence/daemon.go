package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/patrickspencer/cadence/internal/clock"
	"github.com/patrickspencer/cadence/internal/config"
	"github.com/patrickspencer/cadence/internal/due"
	"github.com/patrickspencer/cadence/internal/notify"
	"github.com/patrickspencer/cadence/internal/recur"
	"github.com/patrickspencer/cadence/internal/runlog"
	"github.com/patrickspencer/cadence/internal/runner"
	"github.com/patrickspencer/cadence/internal/scheduler"
	"github.com/patrickspencer/cadence/internal/store"
	"github.com/patrickspencer/cadence/internal/watch"
)

// taskScheduler is what the daemon needs from either scheduler, keyed by
// task name.
type taskScheduler interface {
	add(name string, s scheduler.Schedule, fn scheduler.Func, opts scheduler.TaskOptions) error
	remove(name string)
	len() int
	start(ctx context.Context) error
	stop()
}

type pollScheduler struct {
	p   *scheduler.Poller
	mu  sync.Mutex
	ids map[string]scheduler.TaskID
}

func (s *pollScheduler) add(name string, sched scheduler.Schedule, fn scheduler.Func, opts scheduler.TaskOptions) error {
	id, err := s.p.Register(sched, fn, opts)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.ids[name] = id
	s.mu.Unlock()
	return nil
}

func (s *pollScheduler) remove(name string) {
	s.mu.Lock()
	id, ok := s.ids[name]
	delete(s.ids, name)
	s.mu.Unlock()
	if ok {
		// A one-shot task may already be gone.
		_ = s.p.Cancel(id)
	}
}

func (s *pollScheduler) len() int                        { return s.p.Len() }
func (s *pollScheduler) start(ctx context.Context) error { return s.p.Start(ctx) }
func (s *pollScheduler) stop()                           { s.p.Stop() }

type timerScheduler struct {
	tc      *scheduler.TimerChain
	mu      sync.Mutex
	handles map[string]*scheduler.Handle
}

func (s *timerScheduler) add(name string, sched scheduler.Schedule, fn scheduler.Func, opts scheduler.TaskOptions) error {
	h, err := s.tc.Schedule(sched, fn, opts)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.handles[name] = h
	s.mu.Unlock()
	return nil
}

func (s *timerScheduler) remove(name string) {
	s.mu.Lock()
	h, ok := s.handles[name]
	delete(s.handles, name)
	s.mu.Unlock()
	if ok {
		s.tc.Cancel(h)
	}
}

func (s *timerScheduler) len() int { return s.tc.Len() }

// Timers are armed as tasks are added.
func (s *timerScheduler) start(context.Context) error { return nil }
func (s *timerScheduler) stop()                       { s.tc.Stop() }

// pruneTaskName is the housekeeping entry registered next to the tasks.
const pruneTaskName = "cadence:prune"

type daemonDeps struct {
	clock  clock.Clock
	logger zerolog.Logger
	store  store.RunStore
	// inline runs task callbacks on the firing goroutine.
	inline bool
}

type daemon struct {
	cfg    *config.Config
	clock  clock.Clock
	logger zerolog.Logger
	store  store.RunStore
	exec   *executor
	sched  taskScheduler
	runCtx context.Context

	mu    sync.Mutex
	tasks map[string]*config.Task
	// keys holds the schedule-relevant fields each registered task was
	// added with, so reloads only re-register what changed.
	keys map[string]string

	// runs tracks catch-up runs, which start outside the scheduler.
	runs sync.WaitGroup
}

func newDaemon(cfg *config.Config, deps daemonDeps) (*daemon, error) {
	if deps.clock == nil {
		deps.clock = clock.Real()
	}
	maxDelay, err := cfg.Scheduler.MaxDelay()
	if err != nil {
		return nil, err
	}
	opts := []scheduler.Option{
		scheduler.WithClock(deps.clock),
		scheduler.WithLogger(deps.logger),
		scheduler.WithMaxDelay(maxDelay),
	}
	if deps.inline {
		opts = append(opts, scheduler.WithInlineCallbacks())
	}

	var sched taskScheduler
	switch cfg.Scheduler.Mode {
	case config.ModePoll:
		tick, err := cfg.Scheduler.Tick()
		if err != nil {
			return nil, err
		}
		sched = &pollScheduler{p: scheduler.NewPoller(tick, opts...), ids: make(map[string]scheduler.TaskID)}
	case config.ModeTimer:
		sched = &timerScheduler{tc: scheduler.NewTimerChain(opts...), handles: make(map[string]*scheduler.Handle)}
	default:
		return nil, fmt.Errorf("unknown scheduler mode %q", cfg.Scheduler.Mode)
	}

	exec, err := newExecutor(cfg, deps.store, deps.clock, deps.logger)
	if err != nil {
		return nil, err
	}

	return &daemon{
		cfg:    cfg,
		clock:  deps.clock,
		logger: deps.logger,
		store:  deps.store,
		exec:   exec,
		sched:  sched,
		runCtx: context.Background(),
		tasks:  make(map[string]*config.Task),
		keys:   make(map[string]string),
	}, nil
}

// run loads the tasks, catches up, and schedules until ctx is done. It
// waits for in-flight runs before returning.
func (d *daemon) run(ctx context.Context) error {
	tasks, err := d.loadTasks()
	if err != nil {
		return fmt.Errorf("loading tasks: %w", err)
	}
	d.sync(tasks)
	if d.cfg.Scheduler.CatchUpEnabled() {
		d.catchUp(ctx)
	}
	pruneRule, err := recur.Parse(d.cfg.History.PruneSchedule)
	if err != nil {
		return fmt.Errorf("history.prune_schedule: %w", err)
	}
	err = d.sched.add(pruneTaskName, pruneRule, d.prune, scheduler.TaskOptions{
		Name: pruneTaskName,
		ErrorHandler: func(err error) {
			d.logger.Error().Err(err).Msg("history prune failed")
		},
	})
	if err != nil {
		return err
	}
	if err := d.prune(); err != nil {
		d.logger.Warn().Err(err).Msg("history prune failed")
	}
	if err := d.sched.start(ctx); err != nil {
		return err
	}

	var wg sync.WaitGroup
	if d.cfg.WatchEnabled() {
		w := watch.New(d.cfg.TasksDir, d.reload,
			watch.WithFilter(config.IsTaskFile),
			watch.WithLogger(d.logger),
			watch.WithClock(d.clock),
		)
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = w.Run(ctx)
		}()
	}

	d.logger.Info().
		Str("mode", d.cfg.Scheduler.Mode).
		Str("tasks_dir", d.cfg.TasksDir).
		Int("tasks", len(tasks)).
		Msg("cadence started")

	<-ctx.Done()
	d.logger.Info().Msg("shutting down")
	// The watcher goes first so no reload registers tasks on a stopped
	// scheduler. stop waits for scheduled runs in flight.
	wg.Wait()
	d.sched.stop()
	d.runs.Wait()
	return nil
}

func (d *daemon) reload() {
	tasks, err := d.loadTasks()
	if err != nil {
		d.logger.Error().Err(err).Msg("reload failed; keeping current tasks")
		return
	}
	d.sync(tasks)
	d.logger.Info().Int("tasks", len(tasks)).Msg("tasks reloaded")
}

// loadTasks reads the tasks dir, logging and skipping files that do not
// load. A file that loaded before keeps its last good tasks.
func (d *daemon) loadTasks() ([]*config.Task, error) {
	tasks, problems, err := config.LoadTasks(d.cfg.TasksDir)
	if err != nil {
		return nil, err
	}
	if len(problems) == 0 {
		return tasks, nil
	}

	loaded := make(map[string]bool, len(tasks))
	for _, t := range tasks {
		loaded[t.Name] = true
	}
	broken := make(map[string]bool, len(problems))
	for _, p := range problems {
		d.logger.Warn().Err(p).Msg("skipping task file")
		var fe *config.TaskFileError
		if errors.As(p, &fe) {
			broken[fe.Path] = true
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	for name, t := range d.tasks {
		if broken[t.FilePath] && !loaded[name] {
			tasks = append(tasks, t)
			loaded[name] = true
		}
	}
	return tasks, nil
}

func scheduleKey(t *config.Task) string {
	return fmt.Sprintf("%s|%s|%t|%t", t.Engine, t.Schedule, t.IsEnabled(), t.OneShot)
}

// scheduleFor parses a task's schedule with its engine. The due spec is
// nil for the robfig engine.
func scheduleFor(t *config.Task) (scheduler.Schedule, due.Spec, error) {
	if t.Engine == config.EngineRobfig {
		s, err := scheduler.ParseRobfig(t.Schedule)
		if err != nil {
			return nil, nil, err
		}
		return s, nil, nil
	}
	spec, err := due.Parse(t.Schedule)
	if err != nil {
		return nil, nil, err
	}
	return spec, spec, nil
}

// sync makes the registered tasks match tasks. Command changes take
// effect on the next run; schedule changes re-register the task.
func (d *daemon) sync(tasks []*config.Task) {
	d.mu.Lock()
	defer d.mu.Unlock()

	want := make(map[string]*config.Task, len(tasks))
	for _, t := range tasks {
		want[t.Name] = t
	}
	for name := range d.tasks {
		if _, ok := want[name]; ok {
			continue
		}
		d.sched.remove(name)
		delete(d.tasks, name)
		delete(d.keys, name)
		d.logger.Info().Str("task", name).Msg("task removed")
	}

	for _, t := range tasks {
		d.tasks[t.Name] = t
		key := scheduleKey(t)
		if prev, ok := d.keys[t.Name]; ok && prev == key {
			continue
		}
		d.sched.remove(t.Name)
		delete(d.keys, t.Name)
		if !t.IsEnabled() {
			d.keys[t.Name] = key
			d.logger.Info().Str("task", t.Name).Msg("task disabled")
			continue
		}
		if err := d.register(t); err != nil {
			d.logger.Error().Err(err).Str("task", t.Name).Str("schedule", t.Schedule).Msg("task not scheduled")
			continue
		}
		d.keys[t.Name] = key
	}
}

func (d *daemon) register(t *config.Task) error {
	sched, _, err := scheduleFor(t)
	if err != nil {
		return err
	}
	name := t.Name
	fn := func() error {
		return d.execute(name, runner.TriggerSchedule, d.clock.Now().Truncate(time.Second))
	}
	err = d.sched.add(name, sched, fn, scheduler.TaskOptions{
		Name:    name,
		OneShot: t.OneShot,
		ErrorHandler: func(err error) {
			d.logger.Error().Err(err).Str("task", name).Msg("task run failed")
		},
	})
	if err != nil {
		return err
	}

	ev := d.logger.Info().Str("task", name).Str("schedule", t.Schedule).Str("engine", t.Engine)
	if next, err := sched.Next(d.clock.Now()); err == nil {
		ev = ev.Time("next", next)
	}
	ev.Msg("task scheduled")
	return nil
}

// catchUp starts every enabled task whose last recorded run is older than
// its most recent occurrence. Tasks without history are left to their
// schedule.
func (d *daemon) catchUp(ctx context.Context) {
	d.mu.Lock()
	var tasks []*config.Task
	for _, t := range d.tasks {
		if t.IsEnabled() {
			tasks = append(tasks, t)
		}
	}
	d.mu.Unlock()

	now := d.clock.Now()
	for _, t := range tasks {
		_, spec, err := scheduleFor(t)
		if err != nil {
			continue
		}
		if spec == nil {
			d.logger.Debug().Str("task", t.Name).Msg("no due check for robfig schedules; skipping catch-up")
			continue
		}
		last, ok, err := d.store.LastRun(ctx, t.Name)
		if err != nil {
			d.logger.Warn().Err(err).Str("task", t.Name).Msg("cannot read last run")
			continue
		}
		if !ok {
			continue
		}
		isDue, err := spec.Due(last, now)
		if err != nil {
			d.logger.Warn().Err(err).Str("task", t.Name).Msg("due check failed")
			continue
		}
		if !isDue {
			continue
		}

		name, missed := t.Name, missedOccurrence(spec, last, now)
		d.logger.Info().Str("task", name).Time("last_run", last).Time("missed", missed).Msg("catching up")
		d.runs.Add(1)
		go func() {
			defer d.runs.Done()
			if err := d.execute(name, runner.TriggerCatchUp, missed); err != nil {
				d.logger.Error().Err(err).Str("task", name).Msg("catch-up run failed")
			}
		}()
	}
}

// missedOccurrence is the latest run time the task skipped.
func missedOccurrence(spec due.Spec, last, now time.Time) time.Time {
	switch s := spec.(type) {
	case due.Cron:
		if t, err := s.Rule.Prev(now); err == nil {
			return t
		}
	case due.Every:
		return last.Add(s.Interval)
	}
	return time.Time{}
}

// execute runs a task once and records it. A failed command is returned
// as an error.
func (d *daemon) execute(name, trigger string, scheduled time.Time) error {
	d.mu.Lock()
	t, ok := d.tasks[name]
	d.mu.Unlock()
	if !ok {
		return fmt.Errorf("task %q is no longer defined", name)
	}
	_, err := d.exec.run(d.runCtx, t, runner.Request{
		Trigger:   trigger,
		Scheduled: scheduled,
	})
	return err
}

// prune drops history older than the retention period.
func (d *daemon) prune() error {
	retention, err := d.cfg.History.RetentionPeriod()
	if err != nil {
		return err
	}
	runs, err := d.store.PruneBefore(d.runCtx, d.clock.Now().Add(-retention))
	if err != nil {
		return err
	}
	files := 0
	if d.exec.archive != nil {
		if files, err = d.exec.archive.Prune(); err != nil {
			return fmt.Errorf("prune output archive: %w", err)
		}
	}
	d.logger.Info().Int64("runs", runs).Int("files", files).Msg("history pruned")
	return nil
}

// executor runs tasks and records them in the store and output archive.
type executor struct {
	store   store.RunStore
	runner  *runner.Runner
	clock   clock.Clock
	logger  zerolog.Logger
	archive *runlog.Archive // nil when output is not kept
	notify  notify.Notifier // nil when failures are not reported
}

func newExecutor(cfg *config.Config, st store.RunStore, c clock.Clock, logger zerolog.Logger) (*executor, error) {
	e := &executor{
		store: st,
		runner: runner.NewRunner(runner.Options{
			MaxStartsPerSecond: cfg.Runner.MaxStartsPerSecond,
			Burst:              cfg.Runner.Burst,
			OutputBytes:        cfg.Runner.OutputBytes,
		}),
		clock:  c,
		logger: logger,
	}
	if cfg.Notify.Enabled() {
		timeout, err := cfg.Notify.TimeoutDuration()
		if err != nil {
			return nil, err
		}
		if cfg.Notify.URL != "" {
			e.notify = notify.NewWebhook(cfg.Notify.URL, cfg.Notify.Method, cfg.Notify.Headers, cfg.Notify.Body, timeout)
		} else {
			e.notify = &notify.Command{Command: cfg.Notify.Command, Timeout: timeout}
		}
	}
	if cfg.History.OutputEnabled() {
		retention, err := cfg.History.RetentionPeriod()
		if err != nil {
			return nil, err
		}
		e.archive = runlog.New(runlog.Options{
			Dir:           cfg.OutputDir(),
			MaxBytes:      cfg.History.MaxOutputBytes,
			Retention:     retention,
			MaxTotalBytes: cfg.History.MaxTotalMB << 20,
		}, c)
	}
	return e, nil
}

// run executes t with the trigger, timing and writers in req and records
// the run before and after.
func (e *executor) run(ctx context.Context, t *config.Task, req runner.Request) (*store.Run, error) {
	timeout, err := t.ParseTimeout()
	if err != nil {
		return nil, fmt.Errorf("task %q: %w", t.Name, err)
	}
	req.Task = t.Name
	req.Command = t.Command
	req.WorkDir = t.WorkingDir
	req.Env = t.Env
	if req.Timeout == 0 {
		req.Timeout = timeout
	}

	run := &store.Run{
		TaskName:  t.Name,
		Status:    store.StatusRunning,
		Trigger:   req.Trigger,
		StartedAt: e.clock.Now(),
	}
	if !req.Scheduled.IsZero() {
		scheduled := req.Scheduled
		run.ScheduledFor = &scheduled
	}
	if err := e.store.RecordRun(ctx, run); err != nil {
		e.logger.Warn().Err(err).Str("task", t.Name).Msg("failed to record run start")
	}

	var files *runlog.Files
	if e.archive != nil && run.ID != "" {
		files, err = e.archive.Create(t.Name, run.ID)
		if err != nil {
			e.logger.Warn().Err(err).Str("task", t.Name).Msg("failed to open output files")
			files = nil
		} else {
			req.Stdout = tee(req.Stdout, files.Stdout())
			req.Stderr = tee(req.Stderr, files.Stderr())
		}
	}

	res, runErr := e.runner.Run(ctx, req)
	if files != nil {
		if err := files.Close(); err != nil {
			e.logger.Warn().Err(err).Str("task", t.Name).Msg("failed to close output files")
		}
	}
	if runErr != nil {
		finished := e.clock.Now()
		run.Status = store.StatusFailure
		run.ExitCode = -1
		run.FinishedAt = &finished
		run.ErrorMsg = runErr.Error()
		if err := e.store.RecordRun(ctx, run); err != nil {
			e.logger.Warn().Err(err).Str("task", t.Name).Msg("failed to record run result")
		}
		return run, runErr
	}

	finished := run.StartedAt.Add(res.Duration)
	run.Status = store.StatusSuccess
	if !res.Succeeded() {
		run.Status = store.StatusFailure
	}
	run.ExitCode = res.ExitCode
	run.FinishedAt = &finished
	run.DurationMs = res.Duration.Milliseconds()
	run.StdoutTail = res.Stdout
	run.StderrTail = res.Stderr
	run.ErrorMsg = res.Error
	if err := e.store.RecordRun(ctx, run); err != nil {
		e.logger.Warn().Err(err).Str("task", t.Name).Msg("failed to record run result")
	}

	if res.OutputError != "" {
		e.logger.Warn().Str("task", t.Name).Str("run_id", run.ID).Str("error", res.OutputError).Msg("output was not fully saved")
	}
	e.logger.Info().
		Str("task", t.Name).
		Str("run_id", run.ID).
		Str("trigger", run.Trigger).
		Str("status", run.Status).
		Int("exit_code", res.ExitCode).
		Dur("duration", res.Duration).
		Bool("truncated", res.OutputTruncated).
		Msg("task finished")

	if !res.Succeeded() {
		e.notifyFailure(ctx, run, res)
		return run, fmt.Errorf("run %s: exit code %d: %s", run.ID, res.ExitCode, res.Error)
	}
	return run, nil
}

// notifyFailure reports a failed run. A failed notification is only
// logged.
func (e *executor) notifyFailure(ctx context.Context, run *store.Run, res *runner.Result) {
	if e.notify == nil {
		return
	}
	msg := res.Error
	if line := lastLine(res.Stderr); line != "" {
		msg += ": " + line
	}
	err := e.notify.Notify(ctx, notify.Event{
		Task:     run.TaskName,
		RunID:    run.ID,
		Trigger:  run.Trigger,
		Status:   run.Status,
		ExitCode: run.ExitCode,
		Message:  msg,
	})
	if err != nil {
		e.logger.Warn().Err(err).Str("task", run.TaskName).Str("run_id", run.ID).Msg("failure notification not sent")
	}
}

func lastLine(s string) string {
	s = strings.TrimRight(s, "\n")
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}

func tee(w, extra io.Writer) io.Writer {
	if w == nil {
		return extra
	}
	return io.MultiWriter(w, extra)
}
