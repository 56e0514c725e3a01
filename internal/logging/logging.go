// Package logging builds the zerolog loggers used by the daemon and CLI:
// a readable console writer, optionally fanned out to a JSON log file.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
)

const consoleTimeFormat = "2006-01-02T15:04:05.000Z07:00"

// Options selects the level and sinks.
type Options struct {
	Level string
	// JSON writes structured lines to the console instead of the
	// human-readable format.
	JSON bool
	// File, when set, also appends JSON lines to this path.
	File string
}

// New returns a logger writing to w at the given level.
func New(w io.Writer, level string, json bool) zerolog.Logger {
	zerolog.ErrorFieldName = "err"
	if !json {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: consoleTimeFormat}
	}
	return zerolog.New(w).Level(ParseLevel(level, zerolog.InfoLevel)).With().Timestamp().Logger()
}

// Open builds a logger from opts writing to stdout and, when configured, a
// log file. The returned close function releases the file.
func Open(opts Options) (zerolog.Logger, func() error, error) {
	if opts.File == "" {
		return New(os.Stdout, opts.Level, opts.JSON), func() error { return nil }, nil
	}

	if err := os.MkdirAll(filepath.Dir(opts.File), 0o755); err != nil {
		return zerolog.Nop(), nil, fmt.Errorf("create log dir: %w", err)
	}
	f, err := os.OpenFile(opts.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return zerolog.Nop(), nil, fmt.Errorf("open log file: %w", err)
	}

	var console io.Writer = os.Stdout
	if !opts.JSON {
		console = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: consoleTimeFormat}
	}
	zerolog.ErrorFieldName = "err"
	l := zerolog.New(zerolog.MultiLevelWriter(console, f)).
		Level(ParseLevel(opts.Level, zerolog.InfoLevel)).
		With().Timestamp().Logger()
	return l, f.Close, nil
}

// ParseLevel maps a level name to a zerolog level, falling back to def for
// empty or unknown names.
func ParseLevel(s string, def zerolog.Level) zerolog.Level {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "TRACE":
		return zerolog.TraceLevel
	case "DEBUG":
		return zerolog.DebugLevel
	case "INFO":
		return zerolog.InfoLevel
	case "WARN", "WARNING":
		return zerolog.WarnLevel
	case "ERROR":
		return zerolog.ErrorLevel
	case "OFF", "DISABLED":
		return zerolog.Disabled
	default:
		return def
	}
}
