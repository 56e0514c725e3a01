// Package watch reports changes to a directory of task files, debounced so
// an editor's burst of writes triggers one reload.
package watch

import (
	"context"
	"math/rand/v2"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/patrickspencer/cadence/internal/clock"
)

const (
	defaultDebounce    = 250 * time.Millisecond
	restartBackoffBase = 250 * time.Millisecond
	restartBackoffMax  = 5 * time.Second
)

// Watcher calls OnChange after files matching Filter in Dir stop changing
// for the debounce period.
type Watcher struct {
	dir      string
	onChange func()
	filter   func(name string) bool
	debounce time.Duration
	clock    clock.Clock
	logger   zerolog.Logger
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithDebounce sets the quiet period before OnChange runs.
func WithDebounce(d time.Duration) Option {
	return func(w *Watcher) { w.debounce = d }
}

// WithFilter limits which file names count as changes. The default accepts
// every file.
func WithFilter(f func(name string) bool) Option {
	return func(w *Watcher) { w.filter = f }
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(w *Watcher) { w.logger = l }
}

// WithClock replaces the clock used for debouncing.
func WithClock(c clock.Clock) Option {
	return func(w *Watcher) { w.clock = c }
}

// New creates a Watcher for dir.
func New(dir string, onChange func(), opts ...Option) *Watcher {
	w := &Watcher{
		dir:      dir,
		onChange: onChange,
		filter:   func(string) bool { return true },
		debounce: defaultDebounce,
		clock:    clock.Real(),
		logger:   zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run watches until ctx is done. A watcher that breaks or cannot be created
// is recreated with exponential backoff.
func (w *Watcher) Run(ctx context.Context) error {
	d := newDebouncer(w.clock, w.debounce, w.onChange)
	defer d.stop()

	backoff := restartBackoffBase
	for {
		if ctx.Err() != nil {
			return nil
		}

		fw, err := w.open()
		if err != nil {
			w.logger.Warn().Err(err).Str("dir", w.dir).Msg("watch init failed")
			wait := backoff + rand.N(backoff/2+1)
			backoff = min(backoff*2, restartBackoffMax)
			select {
			case <-ctx.Done():
				return nil
			case <-w.clock.After(wait):
				continue
			}
		}

		backoff = restartBackoffBase
		w.logger.Debug().Str("dir", w.dir).Msg("watcher started")
		if done := w.loop(ctx, fw, d); done {
			return nil
		}
		w.logger.Warn().Str("dir", w.dir).Msg("watcher stopped delivering events; restarting")
	}
}

func (w *Watcher) open() (*fsnotify.Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(w.dir); err != nil {
		_ = fw.Close()
		return nil, err
	}
	return fw, nil
}

// loop reads events until ctx ends (true) or the watcher breaks (false).
func (w *Watcher) loop(ctx context.Context, fw *fsnotify.Watcher, d *debouncer) bool {
	defer fw.Close()
	for {
		select {
		case <-ctx.Done():
			return true
		case ev, ok := <-fw.Events:
			if !ok {
				return false
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			if !w.filter(filepath.Base(ev.Name)) {
				continue
			}
			w.logger.Debug().Str("file", ev.Name).Str("op", ev.Op.String()).Msg("change detected")
			d.trigger()
		case err, ok := <-fw.Errors:
			if !ok {
				return false
			}
			if err == nil {
				continue
			}
			// Events may have been missed; reload once.
			if strings.Contains(strings.ToLower(err.Error()), "overflow") {
				d.trigger()
				continue
			}
			w.logger.Warn().Err(err).Str("dir", w.dir).Msg("watch error")
		}
	}
}

// debouncer runs fn once triggers stop arriving for the quiet period.
type debouncer struct {
	clock clock.Clock
	quiet time.Duration
	fn    func()

	mu    sync.Mutex
	timer *clock.Timer
}

func newDebouncer(c clock.Clock, quiet time.Duration, fn func()) *debouncer {
	return &debouncer{clock: c, quiet: quiet, fn: fn}
}

func (d *debouncer) trigger() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = d.clock.AfterFunc(d.quiet, d.fn)
}

func (d *debouncer) stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}
