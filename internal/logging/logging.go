// Package logging builds the logrus logger shared by every vidcap command.
package logging

import (
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/mattn/go-isatty"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

type Options struct {
	Level string
	// Format is auto, text or json. Auto picks text on a terminal.
	Format string
	// File adds a rotating log file next to the console stream.
	File string
	// Output defaults to os.Stderr.
	Output io.Writer
}

// New returns a configured logger and a close func for the file sink.
func New(opts Options) (*logrus.Logger, func() error, error) {
	log := logrus.New()
	closer := func() error { return nil }

	level := opts.Level
	if strings.TrimSpace(level) == "" {
		level = "info"
	}
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, closer, errors.Wrap(err, "parse log level")
	}
	log.SetLevel(lvl)

	out := opts.Output
	if out == nil {
		out = os.Stderr
	}

	switch strings.ToLower(opts.Format) {
	case "", "auto":
		if isTerminal(out) {
			log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
		} else {
			log.SetFormatter(&logrus.JSONFormatter{})
		}
	case "text":
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, DisableColors: !isTerminal(out)})
	case "json":
		log.SetFormatter(&logrus.JSONFormatter{})
	default:
		return nil, closer, errors.Errorf("unknown log format %q", opts.Format)
	}

	if opts.File != "" {
		if err := os.MkdirAll(filepath.Dir(opts.File), 0o755); err != nil {
			return nil, closer, errors.Wrap(err, "create log dir")
		}
		file := &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    10,
			MaxBackups: 3,
			MaxAge:     28,
			Compress:   true,
		}
		out = io.MultiWriter(out, file)
		closer = file.Close
	}
	log.SetOutput(out)
	return log, closer, nil
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	fd := f.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}
