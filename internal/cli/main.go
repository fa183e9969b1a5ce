package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/forPelevin/vidcap/internal/config"
	"github.com/forPelevin/vidcap/internal/logging"
)

// exitError carries a status code for failures that already printed their message.
type exitError struct{ code int }

func (e exitError) Error() string { return fmt.Sprintf("exit status %d", e.code) }

// app holds what every subcommand shares once the root flags are parsed.
type app struct {
	configPath string
	logLevel   string
	logFormat  string
	logFile    string

	cfg      config.Config
	log      *logrus.Logger
	closeLog func() error
}

func Main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a := &app{}
	root := newRootCommand(a)
	err := root.ExecuteContext(ctx)
	a.close()

	var exit exitError
	switch {
	case errors.As(err, &exit):
		os.Exit(exit.code)
	case err != nil:
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "vidcap",
		Short:         "Standardize, annotate and catalog short videos",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup(cmd)
		},
	}
	root.SetOut(os.Stdout)
	root.SetErr(os.Stderr)

	pf := root.PersistentFlags()
	pf.StringVar(&a.configPath, "config", "", "Config file (default ~/.config/vidcap/config.toml)")
	pf.StringVar(&a.logLevel, "log-level", "", "Log level: debug, info, warn, error")
	pf.StringVar(&a.logFormat, "log-format", "", "Log format: auto, text, json")
	pf.StringVar(&a.logFile, "log-file", "", "Also write logs to this rotating file")

	root.AddCommand(newProcessCommand(a), newRunsCommand(a), newWorkerCommand(a))
	return root
}

// setup merges config sources with root flags and builds the logger.
func (a *app) setup(cmd *cobra.Command) error {
	cfg, path, err := config.Load(config.Options{Path: a.configPath})
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	flags := cmd.Flags()
	if flags.Changed("log-level") {
		cfg.Logging.Level = a.logLevel
	}
	if flags.Changed("log-format") {
		cfg.Logging.Format = a.logFormat
	}
	if flags.Changed("log-file") {
		cfg.Logging.File = a.logFile
	}

	log, closer, err := logging.New(logging.Options{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		File:   cfg.Logging.File,
		Output: cmd.ErrOrStderr(),
	})
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if path != "" {
		log.WithField("config", path).Debug("loaded config file")
	}
	a.cfg, a.log, a.closeLog = cfg, log, closer
	return nil
}

func (a *app) close() {
	if a.closeLog != nil {
		_ = a.closeLog()
	}
}
