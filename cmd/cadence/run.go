package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/patrickspencer/cadence/internal/clock"
	"github.com/patrickspencer/cadence/internal/config"
	"github.com/patrickspencer/cadence/internal/runner"
	"github.com/patrickspencer/cadence/internal/store"
)

// runTask runs a task once outside the daemon and records it. With a
// command after "--" it records that command under NAME instead, which
// lets an existing crontab line report into the run history.
func runTask(args []string, stdout, stderr io.Writer) int {
	fs := pflag.NewFlagSet("run", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.StringP("config", "c", defaultConfigPath, "path to config file")
	timeout := fs.Duration("timeout", 0, "command timeout (overrides the task's)")
	if code, ok := parseFlags(fs, args, stderr); !ok {
		return code
	}

	named, cmdArgs := fs.Args(), []string(nil)
	if dash := fs.ArgsLenAtDash(); dash >= 0 {
		named, cmdArgs = fs.Args()[:dash], fs.Args()[dash:]
	}
	if len(named) != 1 {
		fmt.Fprintln(stderr, "usage: cadence run [--timeout D] NAME [-- COMMAND...]")
		return 2
	}
	name := named[0]

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(stderr, "error loading config: %v\n", err)
		return 1
	}

	var task *config.Task
	if len(cmdArgs) > 0 {
		task = &config.Task{Name: name, Command: strings.Join(cmdArgs, " ")}
	} else {
		if task, err = findTask(cfg.TasksDir, name); err != nil {
			fmt.Fprintf(stderr, "error: %v\n", err)
			return 1
		}
	}

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		fmt.Fprintf(stderr, "error creating data dir: %v\n", err)
		return 1
	}
	st, err := store.NewSQLiteStore(cfg.DBPath())
	if err != nil {
		fmt.Fprintf(stderr, "error opening store: %v\n", err)
		return 1
	}
	defer st.Close()

	logger := zerolog.New(stderr).Level(zerolog.WarnLevel)
	exec, err := newExecutor(cfg, st, clock.Real(), logger)
	if err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)
		return 1
	}
	run, err := exec.run(context.Background(), task, runner.Request{
		Trigger: runner.TriggerManual,
		Timeout: *timeout,
		Stdout:  stdout,
		Stderr:  stderr,
	})
	if err == nil {
		return 0
	}
	// Pass the command's own exit code through, as cron would see it.
	if run != nil && run.ExitCode > 0 {
		return run.ExitCode
	}
	fmt.Fprintf(stderr, "error: %v\n", err)
	return 1
}

func findTask(dir, name string) (*config.Task, error) {
	tasks, problems, err := config.LoadTasks(dir)
	if err != nil {
		return nil, fmt.Errorf("loading tasks: %w", err)
	}
	for _, t := range tasks {
		if t.Name == name {
			return t, nil
		}
	}
	if len(problems) > 0 {
		return nil, fmt.Errorf("no task named %q in %s: %w", name, dir, errors.Join(problems...))
	}
	return nil, fmt.Errorf("no task named %q in %s", name, dir)
}
