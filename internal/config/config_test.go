package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	t.Parallel()

	cfgPath := writeFile(t, t.TempDir(), "cadence.yaml", "{}\n")

	cfg, err := LoadConfig(cfgPath)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}

	if cfg.DataDir != "./data" {
		t.Fatalf("expected default data_dir ./data, got %q", cfg.DataDir)
	}
	if cfg.Scheduler.Mode != ModeTimer {
		t.Fatalf("expected default mode %q, got %q", ModeTimer, cfg.Scheduler.Mode)
	}
	if tick, err := cfg.Scheduler.Tick(); err != nil || tick != 30*time.Second {
		t.Fatalf("expected default tick 30s, got %s (%v)", tick, err)
	}
	if d, err := cfg.Scheduler.MaxDelay(); err != nil || d != 0 {
		t.Fatalf("expected unset max delay, got %s (%v)", d, err)
	}
	if !cfg.Scheduler.CatchUpEnabled() || !cfg.WatchEnabled() {
		t.Fatal("expected catch-up and watch to default on")
	}
	if cfg.Log.Level != "info" || cfg.Log.Format != "console" {
		t.Fatalf("unexpected log defaults %+v", cfg.Log)
	}
	if cfg.Runner.MaxStartsPerSecond != 5 || cfg.Runner.Burst != 10 || cfg.Runner.OutputBytes != 64*1024 {
		t.Fatalf("unexpected runner defaults %+v", cfg.Runner)
	}
	if got, want := cfg.DBPath(), filepath.Join("data", "cadence.db"); got != want {
		t.Fatalf("expected db path %q, got %q", want, got)
	}
	if got, want := cfg.OutputDir(), filepath.Join("data", "runs"); got != want {
		t.Fatalf("expected output dir %q, got %q", want, got)
	}
	if r, err := cfg.History.RetentionPeriod(); err != nil || r != 30*24*time.Hour {
		t.Fatalf("expected 30 day retention, got %s (%v)", r, err)
	}
	if !cfg.History.OutputEnabled() || cfg.History.MaxOutputBytes != 1<<20 || cfg.History.MaxTotalMB != 256 {
		t.Fatalf("unexpected history defaults %+v", cfg.History)
	}

	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		t.Fatalf("UserHomeDir unavailable for test: %v", err)
	}
	expectedTasksDir := filepath.Join(home, ".config", "cadence", "tasks")
	if cfg.TasksDir != expectedTasksDir {
		t.Fatalf("expected default tasks_dir %q, got %q", expectedTasksDir, cfg.TasksDir)
	}
}

func TestLoadConfigExpandsTildePaths(t *testing.T) {
	t.Parallel()

	body := `
data_dir: "~/cadence-data"
tasks_dir: "~/.config/cadence/tasks"
log:
  file: "~/cadence-logs/cadence.log"
`
	cfgPath := writeFile(t, t.TempDir(), "cadence.yaml", body)

	cfg, err := LoadConfig(cfgPath)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}

	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		t.Fatalf("UserHomeDir unavailable for test: %v", err)
	}

	if got, want := cfg.DataDir, filepath.Join(home, "cadence-data"); got != want {
		t.Fatalf("expected expanded data_dir %q, got %q", want, got)
	}
	if got, want := cfg.TasksDir, filepath.Join(home, ".config", "cadence", "tasks"); got != want {
		t.Fatalf("expected expanded tasks_dir %q, got %q", want, got)
	}
	if got, want := cfg.Log.File, filepath.Join(home, "cadence-logs", "cadence.log"); got != want {
		t.Fatalf("expected expanded log.file %q, got %q", want, got)
	}
}

func TestLoadConfigOverrides(t *testing.T) {
	t.Parallel()

	body := `
watch: false
scheduler:
  mode: poll
  tick_interval: 5s
  max_timer_delay: 1h
  catch_up: false
runner:
  max_starts_per_second: 0.5
  burst: 1
`
	cfg, err := LoadConfig(writeFile(t, t.TempDir(), "cadence.yaml", body))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Scheduler.Mode != ModePoll {
		t.Fatalf("expected poll mode, got %q", cfg.Scheduler.Mode)
	}
	if tick, _ := cfg.Scheduler.Tick(); tick != 5*time.Second {
		t.Fatalf("expected 5s tick, got %s", tick)
	}
	if d, _ := cfg.Scheduler.MaxDelay(); d != time.Hour {
		t.Fatalf("expected 1h max delay, got %s", d)
	}
	if cfg.Scheduler.CatchUpEnabled() || cfg.WatchEnabled() {
		t.Fatal("expected catch-up and watch to be off")
	}
	if cfg.Runner.MaxStartsPerSecond != 0.5 || cfg.Runner.Burst != 1 {
		t.Fatalf("unexpected runner config %+v", cfg.Runner)
	}
}

func TestLoadConfigNotify(t *testing.T) {
	t.Parallel()

	body := `
notify:
  url: "https://hooks.example.com/send?text={{message}}"
  method: post
  headers:
    Content-Type: application/json
  body: '{"text":"{{message}}"}'
`
	cfg, err := LoadConfig(writeFile(t, t.TempDir(), "cadence.yaml", body))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	n := cfg.Notify
	if !n.Enabled() || n.Method != "POST" || n.Headers["Content-Type"] != "application/json" {
		t.Fatalf("unexpected notify config %+v", n)
	}
	if d, err := n.TimeoutDuration(); err != nil || d != 10*time.Second {
		t.Fatalf("expected the 10s default timeout, got %s (%v)", d, err)
	}
	if Default().Notify.Enabled() {
		t.Fatal("expected notify to be off by default")
	}
}

func TestLoadConfigRejectsInvalid(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		body    string
		wantErr string
	}{
		{"bad_mode", "scheduler:\n  mode: cron\n", "scheduler.mode"},
		{"bad_tick", "scheduler:\n  tick_interval: soon\n", "tick_interval"},
		{"negative_tick", "scheduler:\n  tick_interval: -1s\n", "must be positive"},
		{"bad_max_delay", "scheduler:\n  max_timer_delay: 0s\n", "max_timer_delay"},
		{"bad_format", "log:\n  format: xml\n", "log.format"},
		{"bad_retention", "history:\n  retention: 0s\n", "history.retention"},
		{"bad_prune_schedule", "history:\n  prune_schedule: '99 * * * *'\n", "history.prune_schedule"},
		{"notify_both", "notify:\n  url: http://x\n  command: 'true'\n", "not both"},
		{"notify_scheme", "notify:\n  url: 'ftp://x/{{message}}'\n", "http or https"},
		{"notify_timeout", "notify:\n  command: 'true'\n  timeout: 0s\n", "notify.timeout"},
		{"bad_yaml", "scheduler: [\n", "parsing"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadConfig(writeFile(t, t.TempDir(), "cadence.yaml", tt.body))
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestDefault(t *testing.T) {
	t.Parallel()

	if err := Default().Validate(); err != nil {
		t.Fatalf("expected defaults to validate, got %v", err)
	}
}

func TestLoadTasks(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeFile(t, dir, "backup.yaml", `
schedule: "0 3 * * *"
command: "tar czf /tmp/backup.tgz /srv"
timeout: 10m
env:
  LEVEL: full
`)
	writeFile(t, dir, "ping.yml", `
name: healthcheck
schedule: "5"
command: "curl -fsS http://localhost/health"
enabled: false
one_shot: true
engine: robfig
`)
	writeFile(t, dir, "README.md", "not a task")
	if err := os.Mkdir(filepath.Join(dir, "nested.yaml"), 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	tasks, problems, err := LoadTasks(dir)
	if err != nil || len(problems) != 0 {
		t.Fatalf("LoadTasks: %v %v", err, problems)
	}
	if len(tasks) != 2 {
		t.Fatalf("expected 2 tasks, got %d", len(tasks))
	}

	backup := tasks[0]
	if backup.Name != "backup" || backup.Engine != EngineRecur || !backup.IsEnabled() {
		t.Fatalf("unexpected backup task %+v", backup)
	}
	if d, err := backup.ParseTimeout(); err != nil || d != 10*time.Minute {
		t.Fatalf("expected 10m timeout, got %s (%v)", d, err)
	}
	if backup.Env["LEVEL"] != "full" || backup.FilePath != filepath.Join(dir, "backup.yaml") {
		t.Fatalf("unexpected backup task %+v", backup)
	}

	ping := tasks[1]
	if ping.Name != "healthcheck" || ping.IsEnabled() || !ping.OneShot || ping.Engine != EngineRobfig {
		t.Fatalf("unexpected ping task %+v", ping)
	}
}

func TestLoadTasksSkipsBadFiles(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		files     map[string]string
		wantErr   string
		wantTasks int
	}{
		{"missing_command", map[string]string{"a.yaml": "schedule: '* * * * *'\n"}, "command is required", 1},
		{"missing_schedule", map[string]string{"a.yaml": "command: 'true'\n"}, "schedule is required", 1},
		{"bad_engine", map[string]string{"a.yaml": "schedule: '1'\ncommand: 'true'\nengine: quartz\n"}, "engine must be", 1},
		{"bad_timeout", map[string]string{"a.yaml": "schedule: '1'\ncommand: 'true'\ntimeout: forever\n"}, "timeout", 1},
		{"duplicate_name", map[string]string{
			"a.yaml": "name: dup\nschedule: '1'\ncommand: 'true'\n",
			"b.yaml": "name: dup\nschedule: '1'\ncommand: 'true'\n",
		}, "already defined", 2},
		{"bad_yaml", map[string]string{"a.yaml": "schedule: [\n"}, "parsing", 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			writeFile(t, dir, "good.yaml", "schedule: '1'\ncommand: 'true'\n")
			for name, body := range tt.files {
				writeFile(t, dir, name, body)
			}
			tasks, problems, err := LoadTasks(dir)
			if err != nil {
				t.Fatalf("LoadTasks: %v", err)
			}
			if len(problems) != 1 || !strings.Contains(problems[0].Error(), tt.wantErr) {
				t.Fatalf("expected one problem containing %q, got %v", tt.wantErr, problems)
			}
			var fe *TaskFileError
			if !errors.As(problems[0], &fe) || filepath.Dir(fe.Path) != dir {
				t.Fatalf("expected a *TaskFileError under %s, got %v", dir, problems[0])
			}
			if len(tasks) != tt.wantTasks || tasks[len(tasks)-1].Name != "good" {
				t.Fatalf("expected %d tasks ending with good, got %d", tt.wantTasks, len(tasks))
			}
		})
	}
}

func TestLoadTasksMissingDir(t *testing.T) {
	t.Parallel()

	if _, _, err := LoadTasks(filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Fatal("expected an error for a missing dir")
	}
}

func TestSaveTask(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "report.yaml")
	task := &Task{Name: "report", Schedule: "0 6 * * mon", Command: "make report"}
	if err := SaveTask(path, task); err != nil {
		t.Fatalf("SaveTask: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if strings.Contains(string(data), "working_dir") || strings.Contains(string(data), "enabled") {
		t.Fatalf("expected unset fields to be omitted, got\n%s", data)
	}
	got, err := ParseTaskYAML(data, path)
	if err != nil {
		t.Fatalf("ParseTaskYAML: %v", err)
	}
	if got.Name != "report" || got.Schedule != "0 6 * * mon" || got.Command != "make report" || got.Engine != EngineRecur {
		t.Fatalf("unexpected task %+v", got)
	}

	if err := SaveTask(path, task); !errors.Is(err, os.ErrExist) {
		t.Fatalf("expected os.ErrExist for an existing file, got %v", err)
	}
}
