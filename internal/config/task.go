package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Schedule engines.
const (
	EngineRecur  = "recur"
	EngineRobfig = "robfig"
)

// Task is the definition of a single scheduled command parsed from a YAML
// file.
type Task struct {
	Name     string `yaml:"name"`
	Schedule string `yaml:"schedule"`
	// Engine picks the expression parser: recur (default) or robfig for
	// expressions written against robfig/cron.
	Engine     string            `yaml:"engine,omitempty"`
	Command    string            `yaml:"command"`
	WorkingDir string            `yaml:"working_dir,omitempty"`
	Timeout    string            `yaml:"timeout,omitempty"`
	Env        map[string]string `yaml:"env,omitempty"`
	Enabled    *bool             `yaml:"enabled,omitempty"`
	OneShot    bool              `yaml:"one_shot,omitempty"`
	FilePath   string            `yaml:"-"`
}

// IsEnabled returns whether the task is enabled. Defaults to true if not set.
func (t *Task) IsEnabled() bool {
	if t.Enabled == nil {
		return true
	}
	return *t.Enabled
}

// ParseTimeout parses the Timeout string into a time.Duration.
// Returns 0 if the timeout is empty.
func (t *Task) ParseTimeout() (time.Duration, error) {
	if t.Timeout == "" {
		return 0, nil
	}
	return time.ParseDuration(t.Timeout)
}

// Validate checks the fields every task needs.
func (t *Task) Validate() error {
	var errs []error
	if strings.TrimSpace(t.Name) == "" {
		errs = append(errs, errors.New("name is required"))
	}
	if strings.TrimSpace(t.Schedule) == "" {
		errs = append(errs, errors.New("schedule is required"))
	}
	if strings.TrimSpace(t.Command) == "" {
		errs = append(errs, errors.New("command is required"))
	}
	switch t.Engine {
	case EngineRecur, EngineRobfig:
	default:
		errs = append(errs, fmt.Errorf("engine must be %q or %q, got %q", EngineRecur, EngineRobfig, t.Engine))
	}
	if _, err := t.ParseTimeout(); err != nil {
		errs = append(errs, fmt.Errorf("timeout: %w", err))
	}
	return errors.Join(errs...)
}

func applyTaskDefaults(t *Task, path string) {
	if t.Name == "" && path != "" {
		base := filepath.Base(path)
		t.Name = strings.TrimSuffix(base, filepath.Ext(base))
	}
	if t.Engine == "" {
		t.Engine = EngineRecur
	}
}

// ParseTaskYAML parses a single task YAML payload and applies defaults. The
// path names the task when the payload has no name.
func ParseTaskYAML(data []byte, path string) (*Task, error) {
	var task Task
	if err := yaml.Unmarshal(data, &task); err != nil {
		return nil, err
	}
	applyTaskDefaults(&task, path)
	task.FilePath = path
	return &task, nil
}

// SaveTask writes t to path as YAML. It refuses to replace an existing
// file.
func SaveTask(path string, t *Task) error {
	data, err := yaml.Marshal(t)
	if err != nil {
		return fmt.Errorf("encoding task %q: %w", t.Name, err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// IsTaskFile reports whether name looks like a task definition.
func IsTaskFile(name string) bool {
	return strings.HasSuffix(name, ".yaml") || strings.HasSuffix(name, ".yml")
}

// TaskFileError reports a task file that LoadTasks skipped.
type TaskFileError struct {
	Path string
	Err  error
}

func (e *TaskFileError) Error() string { return e.Path + ": " + e.Err.Error() }

func (e *TaskFileError) Unwrap() error { return e.Err }

// LoadTasks reads all *.yaml and *.yml files from dir and returns the parsed
// tasks sorted by file name. A file that cannot be read, parsed or
// validated, or that reuses an earlier task's name, is skipped and reported
// in problems as a *TaskFileError. err is set only when dir itself cannot be read.
func LoadTasks(dir string) (tasks []*Task, problems []error, err error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, nil, err
	}

	seen := make(map[string]string)
	for _, entry := range entries {
		if entry.IsDir() || !IsTaskFile(entry.Name()) {
			continue
		}

		path := filepath.Join(dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			problems = append(problems, &TaskFileError{path, fmt.Errorf("reading: %w", err)})
			continue
		}

		task, err := ParseTaskYAML(data, path)
		if err != nil {
			problems = append(problems, &TaskFileError{path, fmt.Errorf("parsing: %w", err)})
			continue
		}
		if err := task.Validate(); err != nil {
			problems = append(problems, &TaskFileError{path, err})
			continue
		}
		if other, dup := seen[task.Name]; dup {
			problems = append(problems, &TaskFileError{path, fmt.Errorf("task %q already defined in %s", task.Name, other)})
			continue
		}
		seen[task.Name] = path
		tasks = append(tasks, task)
	}

	return tasks, problems, nil
}
