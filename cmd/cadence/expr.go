package main

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/pflag"

	"github.com/patrickspencer/cadence/internal/due"
	"github.com/patrickspencer/cadence/internal/recur"
	"github.com/patrickspencer/cadence/internal/scheduler"
)

// now is swapped in tests.
var now = time.Now

// timeFlags are shared by the expression subcommands.
type timeFlags struct {
	tz string
}

func (f *timeFlags) register(fs *pflag.FlagSet) {
	fs.StringVar(&f.tz, "tz", "", "IANA time zone to evaluate in (default local)")
}

func (f *timeFlags) location() (*time.Location, error) {
	if f.tz == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(f.tz)
	if err != nil {
		return nil, fmt.Errorf("unknown time zone %q: %w", f.tz, err)
	}
	return loc, nil
}

// parseTimeArg reads an RFC3339 time, defaulting to def when s is empty.
func parseTimeArg(s string, def time.Time, loc *time.Location) (time.Time, error) {
	if s == "" {
		return def.In(loc), nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid time %q (want RFC3339): %w", s, err)
	}
	return t.In(loc), nil
}

func runSearch(name string, args []string, stdout, stderr io.Writer) int {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.SetOutput(stderr)
	count := fs.IntP("count", "n", 5, "number of occurrences to print")
	from := fs.String("from", "", "start time in RFC3339 (default now)")
	var compare *bool
	if name == "next" {
		compare = fs.Bool("compare", false, "print robfig/cron's answer alongside")
	}
	var tf timeFlags
	tf.register(fs)
	if code, ok := parseFlags(fs, args, stderr); !ok {
		return code
	}
	if fs.NArg() == 0 {
		fmt.Fprintf(stderr, "usage: cadence %s [-n N] [--from TIME] EXPR\n", name)
		return 2
	}
	if *count < 1 {
		fmt.Fprintln(stderr, "error: --count must be at least 1")
		return 2
	}

	expr := strings.Join(fs.Args(), " ")
	rule, err := recur.Parse(expr)
	if err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)
		return 1
	}
	loc, err := tf.location()
	if err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)
		return 1
	}
	start, err := parseTimeArg(*from, now(), loc)
	if err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)
		return 1
	}

	var times []time.Time
	if name == "next" {
		times, err = rule.NextN(*count, start)
	} else {
		times, err = rule.PrevN(*count, start)
	}
	if err != nil && !errors.Is(err, recur.ErrSearchExhausted) {
		fmt.Fprintf(stderr, "error: %v\n", err)
		return 1
	}

	if compare != nil && *compare {
		return printComparison(stdout, stderr, expr, start, times)
	}
	for _, t := range times {
		fmt.Fprintln(stdout, t.Format(time.RFC3339))
	}
	if err != nil {
		fmt.Fprintf(stderr, "no further occurrences: %v\n", err)
		if len(times) == 0 {
			return 1
		}
	}
	return 0
}

// printComparison walks robfig/cron from the same start and prints both
// answers side by side. It exits 1 when they disagree.
func printComparison(stdout, stderr io.Writer, expr string, start time.Time, ours []time.Time) int {
	theirs, err := scheduler.ParseRobfig(expr)
	if err != nil {
		fmt.Fprintf(stderr, "robfig/cron cannot parse %q: %v\n", expr, err)
		return 1
	}
	code := 0
	at := start
	for _, want := range ours {
		got, err := theirs.Next(at)
		mark := ""
		if err != nil {
			mark = "  differs (robfig: " + err.Error() + ")"
			code = 1
			fmt.Fprintf(stdout, "%s%s\n", want.Format(time.RFC3339), mark)
			break
		}
		if !got.Equal(want) {
			mark = "  differs"
			code = 1
		}
		fmt.Fprintf(stdout, "%s  %s%s\n", want.Format(time.RFC3339), got.In(start.Location()).Format(time.RFC3339), mark)
		at = got
	}
	return code
}

func runMatch(args []string, stdout, stderr io.Writer) int {
	fs := pflag.NewFlagSet("match", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	var tf timeFlags
	tf.register(fs)
	if code, ok := parseFlags(fs, args, stderr); !ok {
		return code
	}
	if fs.NArg() < 2 {
		fmt.Fprintln(stderr, "usage: cadence match EXPR TIME")
		return 2
	}
	rest := fs.Args()
	rule, err := recur.Parse(strings.Join(rest[:len(rest)-1], " "))
	if err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)
		return 1
	}
	loc, err := tf.location()
	if err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)
		return 1
	}
	t, err := parseTimeArg(rest[len(rest)-1], time.Time{}, loc)
	if err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)
		return 1
	}
	if rule.Matches(t) {
		fmt.Fprintln(stdout, "match")
		return 0
	}
	fmt.Fprintln(stdout, "no match")
	return 1
}

func runDue(args []string, stdout, stderr io.Writer) int {
	fs := pflag.NewFlagSet("due", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	last := fs.String("last", "", "when the task last ran, RFC3339 (default never)")
	at := fs.String("now", "", "time to evaluate at, RFC3339 (default now)")
	var tf timeFlags
	tf.register(fs)
	if code, ok := parseFlags(fs, args, stderr); !ok {
		return code
	}
	if fs.NArg() == 0 {
		fmt.Fprintln(stderr, "usage: cadence due [--last TIME] [--now TIME] SCHEDULE")
		return 2
	}

	spec, err := due.Parse(strings.Join(fs.Args(), " "))
	if err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)
		return 1
	}
	loc, err := tf.location()
	if err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)
		return 1
	}
	evalAt, err := parseTimeArg(*at, now(), loc)
	if err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)
		return 1
	}
	var lastRun time.Time
	if *last != "" {
		if lastRun, err = parseTimeArg(*last, time.Time{}, loc); err != nil {
			fmt.Fprintf(stderr, "error: %v\n", err)
			return 1
		}
	}

	ok, err := spec.Due(lastRun, evalAt)
	if err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)
		return 1
	}
	if ok {
		fmt.Fprintln(stdout, "due")
		return 0
	}
	fmt.Fprintln(stdout, "not due")
	return 1
}
