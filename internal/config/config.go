package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/patrickspencer/cadence/internal/recur"
)

// Scheduler modes.
const (
	ModePoll  = "poll"
	ModeTimer = "timer"
)

// LogConfig controls daemon logging.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // console or json
	File   string `yaml:"file"`
}

// SchedulerConfig selects the scheduler and its timing.
type SchedulerConfig struct {
	Mode          string `yaml:"mode"`
	TickInterval  string `yaml:"tick_interval"`
	MaxTimerDelay string `yaml:"max_timer_delay"`
	CatchUp       *bool  `yaml:"catch_up"`
}

// Tick returns the polling interval.
func (c SchedulerConfig) Tick() (time.Duration, error) {
	return parsePositive("tick_interval", c.TickInterval)
}

// MaxDelay returns the timer cap, or 0 when unset.
func (c SchedulerConfig) MaxDelay() (time.Duration, error) {
	if c.MaxTimerDelay == "" {
		return 0, nil
	}
	return parsePositive("max_timer_delay", c.MaxTimerDelay)
}

// CatchUpEnabled reports whether overdue tasks run at startup. Defaults to
// true when unset.
func (c SchedulerConfig) CatchUpEnabled() bool {
	if c.CatchUp == nil {
		return true
	}
	return *c.CatchUp
}

// RunnerConfig limits command execution.
type RunnerConfig struct {
	// MaxStartsPerSecond throttles how fast commands are launched.
	MaxStartsPerSecond float64 `yaml:"max_starts_per_second"`
	Burst              int     `yaml:"burst"`
	// OutputBytes is how much of each stream is kept per run.
	OutputBytes int `yaml:"output_bytes"`
}

// HistoryConfig controls how long runs and their full output are kept.
type HistoryConfig struct {
	// Retention is how long finished runs stay in the store and archive.
	Retention string `yaml:"retention"`
	// PruneSchedule is when the daemon deletes expired history.
	PruneSchedule string `yaml:"prune_schedule"`
	KeepOutput    *bool  `yaml:"keep_output"`
	OutputDir     string `yaml:"output_dir"`
	// MaxOutputBytes caps each archived stream of a run.
	MaxOutputBytes int64 `yaml:"max_output_bytes"`
	MaxTotalMB     int64 `yaml:"max_total_mb"`
}

// RetentionPeriod returns how long history is kept.
func (h HistoryConfig) RetentionPeriod() (time.Duration, error) {
	return parsePositive("history.retention", h.Retention)
}

// OutputEnabled reports whether full run output is archived. Defaults to
// true when unset.
func (h HistoryConfig) OutputEnabled() bool {
	if h.KeepOutput == nil {
		return true
	}
	return *h.KeepOutput
}

// NotifyConfig sends a message when a run fails, through either a webhook
// or a shell command. {{message}} in URL, Body and Command is replaced with
// the failure text.
type NotifyConfig struct {
	URL     string            `yaml:"url"`
	Method  string            `yaml:"method"`
	Headers map[string]string `yaml:"headers"`
	Body    string            `yaml:"body"`
	Command string            `yaml:"command"`
	Timeout string            `yaml:"timeout"`
}

// Enabled reports whether failures are notified.
func (n NotifyConfig) Enabled() bool {
	return n.URL != "" || n.Command != ""
}

// TimeoutDuration bounds each notification.
func (n NotifyConfig) TimeoutDuration() (time.Duration, error) {
	return parsePositive("notify.timeout", n.Timeout)
}

func (n NotifyConfig) validate() error {
	if n.URL != "" && n.Command != "" {
		return errors.New("notify: set url or command, not both")
	}
	if n.URL != "" {
		u, err := url.Parse(strings.ReplaceAll(n.URL, "{{message}}", "x"))
		if err != nil {
			return fmt.Errorf("notify.url: %w", err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("notify.url must be http or https, got %q", n.URL)
		}
	}
	_, err := n.TimeoutDuration()
	return err
}

// Config is the top-level daemon configuration parsed from cadence.yaml.
type Config struct {
	DataDir   string          `yaml:"data_dir"`
	TasksDir  string          `yaml:"tasks_dir"`
	Watch     *bool           `yaml:"watch"`
	Log       LogConfig       `yaml:"log"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Runner    RunnerConfig    `yaml:"runner"`
	History   HistoryConfig   `yaml:"history"`
	Notify    NotifyConfig    `yaml:"notify"`
}

// WatchEnabled reports whether the tasks directory is watched for changes.
// Defaults to true when unset.
func (c *Config) WatchEnabled() bool {
	if c.Watch == nil {
		return true
	}
	return *c.Watch
}

// DBPath is where run history is stored.
func (c *Config) DBPath() string {
	return filepath.Join(c.DataDir, "cadence.db")
}

// OutputDir is where full run output is archived.
func (c *Config) OutputDir() string {
	if c.History.OutputDir != "" {
		return c.History.OutputDir
	}
	return filepath.Join(c.DataDir, "runs")
}

func applyDefaults(c *Config) {
	if c.DataDir == "" {
		c.DataDir = "./data"
	}
	c.DataDir = expandPath(c.DataDir)
	if c.TasksDir == "" {
		c.TasksDir = defaultTasksDir()
	}
	c.TasksDir = expandPath(c.TasksDir)
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "console"
	}
	if c.Log.File != "" {
		c.Log.File = expandPath(c.Log.File)
	}
	if c.Scheduler.Mode == "" {
		c.Scheduler.Mode = ModeTimer
	}
	if c.Scheduler.TickInterval == "" {
		c.Scheduler.TickInterval = "30s"
	}
	if c.Runner.MaxStartsPerSecond <= 0 {
		c.Runner.MaxStartsPerSecond = 5
	}
	if c.Runner.Burst <= 0 {
		c.Runner.Burst = 10
	}
	if c.Runner.OutputBytes <= 0 {
		c.Runner.OutputBytes = 64 * 1024
	}
	if c.History.Retention == "" {
		c.History.Retention = "720h"
	}
	if c.History.PruneSchedule == "" {
		c.History.PruneSchedule = "17 3 * * *"
	}
	if c.History.OutputDir != "" {
		c.History.OutputDir = expandPath(c.History.OutputDir)
	}
	if c.History.MaxOutputBytes <= 0 {
		c.History.MaxOutputBytes = 1 << 20
	}
	if c.History.MaxTotalMB <= 0 {
		c.History.MaxTotalMB = 256
	}
	if c.Notify.Timeout == "" {
		c.Notify.Timeout = "10s"
	}
	c.Notify.Method = strings.ToUpper(c.Notify.Method)
}

// Validate checks values that defaults cannot fix.
func (c *Config) Validate() error {
	switch c.Scheduler.Mode {
	case ModePoll, ModeTimer:
	default:
		return fmt.Errorf("scheduler.mode must be %q or %q, got %q", ModePoll, ModeTimer, c.Scheduler.Mode)
	}
	if _, err := c.Scheduler.Tick(); err != nil {
		return err
	}
	if _, err := c.Scheduler.MaxDelay(); err != nil {
		return err
	}
	switch c.Log.Format {
	case "console", "json":
	default:
		return fmt.Errorf("log.format must be console or json, got %q", c.Log.Format)
	}
	if _, err := c.History.RetentionPeriod(); err != nil {
		return err
	}
	if _, err := recur.Parse(c.History.PruneSchedule); err != nil {
		return fmt.Errorf("history.prune_schedule: %w", err)
	}
	if err := c.Notify.validate(); err != nil {
		return err
	}
	return nil
}

func parsePositive(name, value string) (time.Duration, error) {
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s must be positive, got %s", name, value)
	}
	return d, nil
}

func defaultTasksDir() string {
	home, err := os.UserHomeDir()
	if err != nil || strings.TrimSpace(home) == "" {
		return "./tasks"
	}
	return filepath.Join(home, ".config", "cadence", "tasks")
}

func expandPath(value string) string {
	v := strings.TrimSpace(value)
	if v == "" {
		return value
	}

	v = os.ExpandEnv(v)

	home, err := os.UserHomeDir()
	if err != nil || strings.TrimSpace(home) == "" {
		return v
	}

	if v == "~" {
		return home
	}
	if strings.HasPrefix(v, "~/") || strings.HasPrefix(v, "~\\") {
		return filepath.Join(home, v[2:])
	}
	return v
}

// Default returns a Config with every default applied, for running without
// a config file.
func Default() *Config {
	var cfg Config
	applyDefaults(&cfg)
	return &cfg
}

// LoadConfig reads a YAML configuration file from path, applies defaults for
// unset fields and validates the result.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	applyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &cfg, nil
}
