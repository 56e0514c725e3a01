package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/spf13/pflag"

	"github.com/patrickspencer/cadence/internal/config"
	"github.com/patrickspencer/cadence/internal/recur"
)

type cronEntry struct {
	Name     string
	Schedule string
	Command  string
}

// runImport turns crontab lines into task files.
func runImport(args []string, stdout, stderr io.Writer) int {
	fs := pflag.NewFlagSet("import", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.StringP("config", "c", defaultConfigPath, "path to config file")
	file := fs.StringP("file", "f", "", "crontab file to read (default: crontab -l)")
	prefix := fs.String("prefix", "cron-", "name prefix for imported tasks")
	dryRun := fs.Bool("dry-run", false, "print the tasks without writing them")
	if code, ok := parseFlags(fs, args, stderr); !ok {
		return code
	}

	text, err := readCrontab(*file)
	if err != nil {
		fmt.Fprintf(stderr, "error reading crontab: %v\n", err)
		return 1
	}
	entries, problems := parseCrontab(text, *prefix)
	for _, p := range problems {
		fmt.Fprintf(stderr, "skipping %v\n", p)
	}
	if len(entries) == 0 {
		fmt.Fprintln(stdout, "no crontab entries to import")
		return 0
	}

	if *dryRun {
		for _, e := range entries {
			fmt.Fprintf(stdout, "%s: %q %s\n", e.Name, e.Schedule, e.Command)
		}
		return 0
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(stderr, "error loading config: %v\n", err)
		return 1
	}
	if err := os.MkdirAll(cfg.TasksDir, 0755); err != nil {
		fmt.Fprintf(stderr, "error creating tasks dir: %v\n", err)
		return 1
	}

	code := 0
	for _, e := range entries {
		path := filepath.Join(cfg.TasksDir, e.Name+".yaml")
		err := config.SaveTask(path, &config.Task{Name: e.Name, Schedule: e.Schedule, Command: e.Command})
		switch {
		case err == nil:
			fmt.Fprintf(stdout, "imported task %q to %s\n", e.Name, path)
		case errors.Is(err, os.ErrExist):
			fmt.Fprintf(stderr, "skipping %q: %s already exists\n", e.Name, path)
		default:
			fmt.Fprintf(stderr, "error writing %q: %v\n", e.Name, err)
			code = 1
		}
	}
	return code
}

func readCrontab(file string) (string, error) {
	if file != "" {
		data, err := os.ReadFile(file)
		return string(data), err
	}
	var out bytes.Buffer
	cmd := exec.Command("crontab", "-l")
	cmd.Stdout = &out
	if err := cmd.Run(); err != nil {
		return "", err
	}
	return out.String(), nil
}

// parseCrontab reads user crontab text. Comments, blank lines and
// environment settings are skipped; lines that cannot become a task are
// returned as problems.
func parseCrontab(text, prefix string) ([]cronEntry, []error) {
	var entries []cronEntry
	var problems []error
	seen := make(map[string]bool)

	for i, raw := range strings.Split(text, "\n") {
		line := strings.TrimSpace(raw)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		first, _ := cutFields(line, 1)
		if strings.Contains(first[0], "=") {
			continue
		}

		var schedule, command string
		if strings.HasPrefix(first[0], "@") {
			if first[0] == "@reboot" {
				problems = append(problems, fmt.Errorf("line %d: @reboot has no schedule", i+1))
				continue
			}
			var head []string
			head, command = cutFields(line, 1)
			schedule = head[0]
		} else {
			var head []string
			head, command = cutFields(line, 5)
			if len(head) < 5 {
				problems = append(problems, fmt.Errorf("line %d: expected five schedule fields and a command", i+1))
				continue
			}
			schedule = strings.Join(head, " ")
		}
		if command == "" {
			problems = append(problems, fmt.Errorf("line %d: missing command", i+1))
			continue
		}
		if _, err := recur.Parse(schedule); err != nil {
			problems = append(problems, fmt.Errorf("line %d: %w", i+1, err))
			continue
		}

		name := ""
		if wrapped, wrappedName, ok := parseRunWrapper(command); ok {
			command, name = wrapped, wrappedName
		} else {
			name = taskNameFor(prefix, command)
		}
		if seen[name] {
			base := name
			for n := 2; seen[name]; n++ {
				name = fmt.Sprintf("%s%d", base, n)
			}
		}
		seen[name] = true
		entries = append(entries, cronEntry{Name: name, Schedule: schedule, Command: command})
	}
	return entries, problems
}

// cutFields splits off the first n whitespace-separated fields and returns
// the remainder with its inner spacing intact.
func cutFields(line string, n int) ([]string, string) {
	var head []string
	rest := line
	for len(head) < n {
		rest = strings.TrimLeft(rest, " \t")
		if rest == "" {
			break
		}
		end := strings.IndexAny(rest, " \t")
		if end < 0 {
			head = append(head, rest)
			rest = ""
			break
		}
		head = append(head, rest[:end])
		rest = rest[end:]
	}
	return head, strings.TrimSpace(rest)
}

// parseRunWrapper recognizes "cadence run [flags] NAME -- COMMAND" and
// returns the wrapped command and task name.
func parseRunWrapper(command string) (wrapped, name string, ok bool) {
	i := strings.Index(command, " -- ")
	if i < 0 {
		return "", "", false
	}
	head := strings.Fields(command[:i])
	if len(head) < 3 || filepath.Base(head[0]) != "cadence" || head[1] != "run" {
		return "", "", false
	}
	for j := 2; j < len(head); j++ {
		switch tok := head[j]; {
		case tok == "--config" || tok == "-c" || tok == "--timeout":
			j++
		case strings.HasPrefix(tok, "-"):
		default:
			name = tok
		}
	}
	wrapped = strings.TrimSpace(command[i+4:])
	if name == "" || wrapped == "" {
		return "", "", false
	}
	return wrapped, name, true
}

// taskNameFor derives a task name from the program a command runs.
func taskNameFor(prefix, command string) string {
	fields := strings.Fields(command)
	base := "task"
	if len(fields) > 0 {
		base = filepath.Base(fields[0])
		base = strings.TrimSuffix(base, filepath.Ext(base))
	}
	var b strings.Builder
	for _, r := range base {
		if r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '-' || r == '_' {
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return prefix + "task"
	}
	return prefix + b.String()
}
