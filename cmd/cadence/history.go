package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"text/tabwriter"
	"time"

	"github.com/spf13/pflag"

	"github.com/patrickspencer/cadence/internal/runlog"
	"github.com/patrickspencer/cadence/internal/store"
)

func runHistory(args []string, stdout, stderr io.Writer) int {
	fs := pflag.NewFlagSet("history", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.StringP("config", "c", defaultConfigPath, "path to config file")
	limit := fs.IntP("limit", "n", 20, "maximum number of runs to show")
	status := fs.String("status", "", "only show runs with this status")
	prune := fs.Duration("prune", 0, "delete finished runs older than this instead of listing")
	show := fs.String("show", "", "print the full output of the run with this id")
	if code, ok := parseFlags(fs, args, stderr); !ok {
		return code
	}
	if fs.NArg() > 1 {
		fmt.Fprintln(stderr, "usage: cadence history [-n N] [--status S] [--prune AGE] [--show ID] [NAME]")
		return 2
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(stderr, "error loading config: %v\n", err)
		return 1
	}
	st, err := store.NewSQLiteStore(cfg.DBPath())
	if err != nil {
		fmt.Fprintf(stderr, "error opening store: %v\n", err)
		return 1
	}
	defer st.Close()

	ctx := context.Background()
	if *show != "" {
		return showRun(ctx, st, cfg.OutputDir(), *show, stdout, stderr)
	}
	if *prune > 0 {
		n, err := st.PruneBefore(ctx, now().Add(-*prune))
		if err != nil {
			fmt.Fprintf(stderr, "error: %v\n", err)
			return 1
		}
		files, err := runlog.New(runlog.Options{Dir: cfg.OutputDir(), Retention: *prune}, nil).Prune()
		if err != nil {
			fmt.Fprintf(stderr, "error: %v\n", err)
			return 1
		}
		fmt.Fprintf(stdout, "pruned %d runs and %d output files\n", n, files)
		return 0
	}

	name := fs.Arg(0)
	runs, err := st.ListRuns(ctx, store.ListOpts{TaskName: name, Status: *status, Limit: *limit})
	if err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)
		return 1
	}

	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTASK\tSTATUS\tTRIGGER\tSTARTED\tDURATION\tEXIT")
	for _, r := range runs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%d\n",
			r.ID, r.TaskName, r.Status, r.Trigger,
			r.StartedAt.Local().Format(time.RFC3339),
			time.Duration(r.DurationMs)*time.Millisecond,
			r.ExitCode)
	}
	if err := tw.Flush(); err != nil {
		return 1
	}

	if name != "" {
		stats, err := st.GetTaskStats(ctx, name)
		if err != nil {
			fmt.Fprintf(stderr, "error: %v\n", err)
			return 1
		}
		fmt.Fprintf(stdout, "\n%d runs, %d succeeded, %d failed, avg %s\n",
			stats.TotalRuns, stats.Successes, stats.Failures,
			time.Duration(stats.AvgDurationMs*float64(time.Millisecond)).Round(time.Millisecond))
	}
	return 0
}

// showRun prints one run with its archived output, falling back to the
// tails kept in the store.
func showRun(ctx context.Context, st store.RunStore, outputDir, id string, stdout, stderr io.Writer) int {
	r, err := st.GetRun(ctx, id)
	if err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)
		return 1
	}
	if r == nil {
		fmt.Fprintf(stderr, "error: no run %q\n", id)
		return 1
	}

	fmt.Fprintf(stdout, "run %s  task %s  status %s  trigger %s  exit %d\n", r.ID, r.TaskName, r.Status, r.Trigger, r.ExitCode)
	if r.ErrorMsg != "" {
		fmt.Fprintf(stdout, "error: %s\n", r.ErrorMsg)
	}

	out, errOut := r.StdoutTail, r.StderrTail
	archived, archivedErr, err := runlog.New(runlog.Options{Dir: outputDir}, nil).Read(r.TaskName, r.ID)
	switch {
	case err == nil:
		out, errOut = archived, archivedErr
	case errors.Is(err, fs.ErrNotExist):
		fmt.Fprintln(stdout, "(full output not archived; showing stored tail)")
	default:
		fmt.Fprintf(stderr, "warning: reading archived output: %v\n", err)
	}
	fmt.Fprintf(stdout, "--- stdout\n%s", out)
	fmt.Fprintf(stdout, "--- stderr\n%s", errOut)
	return 0
}
