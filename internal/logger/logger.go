// Package logger wraps logrus with lumberjack-based file rotation,
// adapted from the teacher's LoggerManager
// (neoAgent/internal/pkg/logger/logger.go) down to the single-process
// recon-CLI shape: one global instance, no runtime config reload.
package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"

	"ipv6recon/internal/config"
)

var std *logrus.Logger

// Init configures the package-level logger from cfg and installs it as
// the default used by the convenience functions below.
func Init(cfg *config.LogConfig) error {
	if cfg == nil {
		return fmt.Errorf("logger: log config cannot be nil")
	}
	l := logrus.New()

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
		l.Warnf("logger: invalid level %q, defaulting to info", cfg.Level)
	}
	l.SetLevel(level)

	if err := setFormatter(l, cfg); err != nil {
		return err
	}
	if err := setOutput(l, cfg); err != nil {
		return err
	}
	l.SetReportCaller(cfg.Caller)

	std = l
	return nil
}

func setFormatter(l *logrus.Logger, cfg *config.LogConfig) error {
	const timestampFormat = "2006-01-02 15:04:05.000"
	switch strings.ToLower(cfg.Format) {
	case "json":
		l.SetFormatter(&logrus.JSONFormatter{TimestampFormat: timestampFormat})
	case "text", "":
		l.SetFormatter(&logrus.TextFormatter{TimestampFormat: timestampFormat, FullTimestamp: true})
	default:
		return fmt.Errorf("logger: unsupported format %q", cfg.Format)
	}
	return nil
}

func setOutput(l *logrus.Logger, cfg *config.LogConfig) error {
	switch strings.ToLower(cfg.Output) {
	case "stdout":
		l.SetOutput(os.Stdout)
	case "stderr", "":
		l.SetOutput(os.Stderr)
	case "file":
		if cfg.FilePath == "" {
			return fmt.Errorf("logger: file_path is required when output is file")
		}
		if err := os.MkdirAll(filepath.Dir(cfg.FilePath), 0o755); err != nil {
			return fmt.Errorf("logger: create log directory: %w", err)
		}
		rotator := &lumberjack.Logger{
			Filename:   cfg.FilePath,
			MaxSize:    cfg.MaxSize,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAge,
			Compress:   cfg.Compress,
		}
		if strings.ToLower(cfg.Level) == "debug" {
			l.SetOutput(io.MultiWriter(os.Stdout, rotator))
		} else {
			l.SetOutput(rotator)
		}
	default:
		return fmt.Errorf("logger: unsupported output %q", cfg.Output)
	}
	return nil
}

// L returns the configured logger, falling back to logrus's standard
// logger if Init was never called (e.g. in tests).
func L() *logrus.Logger {
	if std == nil {
		return logrus.StandardLogger()
	}
	return std
}

// WithField is a convenience wrapper over L().WithField.
func WithField(key string, value interface{}) *logrus.Entry {
	return L().WithField(key, value)
}
