package main

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"

	"github.com/spf13/pflag"

	"github.com/patrickspencer/cadence/internal/config"
)

const defaultConfigPath = "cadence.yaml"

const usage = `usage: cadence <command> [flags] [args]

commands:
  serve     run the scheduler daemon
  next      print upcoming occurrences of an expression
  prev      print past occurrences of an expression
  match     check whether a time matches an expression
  due       check whether a task that last ran at --last is due
  run       run a task (or a command under a task name) once and record it
  history   show recorded runs
  import    create task files from crontab lines
`

func main() {
	os.Exit(dispatch(os.Args[1:], os.Stdout, os.Stderr))
}

func dispatch(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprint(stderr, usage)
		return 2
	}
	rest := args[1:]
	switch args[0] {
	case "serve":
		return runServe(rest, stderr)
	case "next":
		return runSearch("next", rest, stdout, stderr)
	case "prev":
		return runSearch("prev", rest, stdout, stderr)
	case "match":
		return runMatch(rest, stdout, stderr)
	case "due":
		return runDue(rest, stdout, stderr)
	case "run":
		return runTask(rest, stdout, stderr)
	case "history":
		return runHistory(rest, stdout, stderr)
	case "import":
		return runImport(rest, stdout, stderr)
	case "help", "-h", "--help":
		fmt.Fprint(stdout, usage)
		return 0
	default:
		fmt.Fprintf(stderr, "unknown command %q\n\n%s", args[0], usage)
		return 2
	}
}

// loadConfig reads the config file. A missing file at the default path
// means running on defaults.
func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.LoadConfig(path)
	if err == nil {
		return cfg, nil
	}
	if path == defaultConfigPath && errors.Is(err, fs.ErrNotExist) {
		return config.Default(), nil
	}
	return nil, err
}

// parseFlags parses args into fs. When it returns false the command should
// exit with the returned code.
func parseFlags(fs *pflag.FlagSet, args []string, stderr io.Writer) (int, bool) {
	err := fs.Parse(args)
	switch {
	case err == nil:
		return 0, true
	case errors.Is(err, pflag.ErrHelp):
		return 0, false
	default:
		fmt.Fprintf(stderr, "error: %v\n", err)
		return 2, false
	}
}
