package main

import (
	"fmt"
	"io"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/blesync/internal/config"
	"gopkg.in/natefinch/lumberjack.v2"
)

// configureLogger creates a logger from the log section, with --log-level taking precedence.
// When a log file is configured, output is duplicated to it with size-based rotation; the returned
// closer releases the file and is never nil.
func configureLogger(cmd *cobra.Command, cfg config.LogConfig) (*logrus.Logger, io.Closer, error) {
	levelStr := cfg.Level
	if flag, _ := cmd.Flags().GetString("log-level"); flag != "" {
		levelStr = flag
	}

	var level logrus.Level
	switch levelStr {
	case "debug":
		level = logrus.DebugLevel
	case "info":
		level = logrus.InfoLevel
	case "warn":
		level = logrus.WarnLevel
	case "error":
		level = logrus.ErrorLevel
	default:
		return nil, nil, fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", levelStr)
	}

	logger := logrus.New()
	logger.SetLevel(level)
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	var out io.Writer = cmd.ErrOrStderr()
	var closer io.Closer = nopCloser{}
	if cfg.File != "" {
		file := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
		}
		out = io.MultiWriter(out, file)
		closer = file
	}
	logger.SetOutput(out)

	return logger, closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
