package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/patrickspencer/cadence/internal/clock"
	"github.com/patrickspencer/cadence/internal/logging"
	"github.com/patrickspencer/cadence/internal/store"
)

func runServe(args []string, stderr io.Writer) int {
	fs := pflag.NewFlagSet("serve", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.StringP("config", "c", defaultConfigPath, "path to config file")
	if code, ok := parseFlags(fs, args, stderr); !ok {
		return code
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(stderr, "error loading config: %v\n", err)
		return 1
	}

	logger, closeLog, err := logging.Open(logging.Options{
		Level: cfg.Log.Level,
		JSON:  cfg.Log.Format == "json",
		File:  cfg.Log.File,
	})
	if err != nil {
		fmt.Fprintf(stderr, "error opening log: %v\n", err)
		return 1
	}
	defer closeLog()

	for _, dir := range []string{cfg.DataDir, cfg.TasksDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			logger.Error().Err(err).Str("dir", dir).Msg("cannot create directory")
			return 1
		}
	}

	st, err := store.NewSQLiteStore(cfg.DBPath())
	if err != nil {
		logger.Error().Err(err).Str("path", cfg.DBPath()).Msg("cannot open store")
		return 1
	}
	defer st.Close()

	d, err := newDaemon(cfg, daemonDeps{clock: clock.Real(), logger: logger, store: st})
	if err != nil {
		logger.Error().Err(err).Msg("invalid scheduler config")
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := d.run(ctx); err != nil {
		logger.Error().Err(err).Msg("daemon stopped")
		return 1
	}
	return 0
}
