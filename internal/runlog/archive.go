// Package runlog archives the full stdout and stderr of each run as files
// under a base directory, one directory per task.
package runlog

import (
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/patrickspencer/cadence/internal/clock"
)

const (
	stdoutSuffix = ".stdout.log"
	stderrSuffix = ".stderr.log"
)

// Options configures an Archive.
type Options struct {
	Dir string
	// MaxBytes caps each stream of a run. Output beyond it is dropped.
	MaxBytes int64
	// Retention removes files older than this on Prune. Zero keeps
	// everything.
	Retention time.Duration
	// MaxTotalBytes removes the oldest files on Prune until the archive
	// fits. Zero means no limit.
	MaxTotalBytes int64
}

// Archive stores per-run output files.
type Archive struct {
	opts  Options
	clock clock.Clock
}

// New creates an Archive. A nil clock means the real one.
func New(opts Options, c clock.Clock) *Archive {
	if c == nil {
		c = clock.Real()
	}
	return &Archive{opts: opts, clock: c}
}

// Dir returns the archive's base directory.
func (a *Archive) Dir() string { return a.opts.Dir }

// Paths returns where a run's output lives.
func (a *Archive) Paths(task, runID string) (stdout, stderr string) {
	dir := filepath.Join(a.opts.Dir, safeName(task))
	return filepath.Join(dir, runID+stdoutSuffix), filepath.Join(dir, runID+stderrSuffix)
}

// Create opens the output files for a run.
func (a *Archive) Create(task, runID string) (*Files, error) {
	stdoutPath, stderrPath := a.Paths(task, runID)
	if err := os.MkdirAll(filepath.Dir(stdoutPath), 0755); err != nil {
		return nil, err
	}
	stdout, err := os.Create(stdoutPath)
	if err != nil {
		return nil, err
	}
	stderr, err := os.Create(stderrPath)
	if err != nil {
		_ = stdout.Close()
		return nil, err
	}
	return &Files{
		stdout: &cappedFile{f: stdout, max: a.opts.MaxBytes},
		stderr: &cappedFile{f: stderr, max: a.opts.MaxBytes},
	}, nil
}

// Read returns a run's archived output. It returns fs.ErrNotExist when
// neither stream was archived.
func (a *Archive) Read(task, runID string) (stdout, stderr string, err error) {
	stdoutPath, stderrPath := a.Paths(task, runID)
	out, outErr := os.ReadFile(stdoutPath)
	errData, errErr := os.ReadFile(stderrPath)
	for _, e := range []error{outErr, errErr} {
		if e != nil && !errors.Is(e, fs.ErrNotExist) {
			return "", "", e
		}
	}
	if outErr != nil && errErr != nil {
		return "", "", fs.ErrNotExist
	}
	return string(out), string(errData), nil
}

// Prune removes expired files, then the oldest files until the archive
// fits MaxTotalBytes. It returns how many files were removed.
func (a *Archive) Prune() (int, error) {
	type entry struct {
		path    string
		size    int64
		modTime time.Time
	}

	var cutoff time.Time
	if a.opts.Retention > 0 {
		cutoff = a.clock.Now().Add(-a.opts.Retention)
	}

	removed := 0
	var kept []entry
	err := filepath.WalkDir(a.opts.Dir, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() || !isOutputFile(path) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if !cutoff.IsZero() && info.ModTime().Before(cutoff) {
			if os.Remove(path) == nil {
				removed++
			}
			return nil
		}
		kept = append(kept, entry{path: path, size: info.Size(), modTime: info.ModTime()})
		return nil
	})
	if errors.Is(err, fs.ErrNotExist) {
		return removed, nil
	}
	if err != nil {
		return removed, err
	}

	if a.opts.MaxTotalBytes <= 0 {
		return removed, nil
	}
	var total int64
	for _, e := range kept {
		total += e.size
	}
	sort.Slice(kept, func(i, j int) bool { return kept[i].modTime.Before(kept[j].modTime) })
	for _, e := range kept {
		if total <= a.opts.MaxTotalBytes {
			break
		}
		if err := os.Remove(e.path); err != nil {
			continue
		}
		total -= e.size
		removed++
	}
	return removed, nil
}

func isOutputFile(path string) bool {
	return strings.HasSuffix(path, stdoutSuffix) || strings.HasSuffix(path, stderrSuffix)
}

// Files are the open output files of one run.
type Files struct {
	stdout *cappedFile
	stderr *cappedFile
}

func (f *Files) Stdout() io.Writer { return f.stdout }
func (f *Files) Stderr() io.Writer { return f.stderr }

// Truncated reports whether either stream hit the size cap.
func (f *Files) Truncated() bool {
	return f.stdout.truncated || f.stderr.truncated
}

// Close closes both files.
func (f *Files) Close() error {
	return errors.Join(f.stdout.f.Close(), f.stderr.f.Close())
}

// cappedFile keeps the first max bytes written to it. Writes never fail so
// that a full disk does not fail the run.
type cappedFile struct {
	f         *os.File
	max       int64
	written   int64
	truncated bool
}

func (w *cappedFile) Write(p []byte) (int, error) {
	remaining := w.max - w.written
	if remaining <= 0 {
		w.truncated = w.truncated || len(p) > 0
		return len(p), nil
	}
	chunk := p
	if int64(len(chunk)) > remaining {
		chunk = chunk[:remaining]
		w.truncated = true
	}
	n, _ := w.f.Write(chunk)
	w.written += int64(n)
	return len(p), nil
}

// safeName maps a task name onto a single path segment.
func safeName(name string) string {
	name = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		}
		return '_'
	}, name)
	name = strings.Trim(name, "._")
	if name == "" {
		return "unnamed"
	}
	return name
}
