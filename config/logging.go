package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	slogmulti "github.com/samber/slog-multi"
)

// ParseLevel maps a configured level name to a slog level.
func ParseLevel(s string) (slog.Level, error) {
	switch s {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("invalid log level %q", s)
}

// SetupLogger writes text logs to out and, when cfg.LogDir is set, JSON logs
// to a timestamped file in that directory. The cleanup closes the file.
func SetupLogger(cfg Config, out io.Writer) (*slog.Logger, func() error, error) {
	level, err := ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, nil, err
	}
	noop := func() error { return nil }

	if cfg.LogDir == "" {
		return slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: level})), noop, nil
	}

	if err := os.MkdirAll(cfg.LogDir, 0o755); err != nil {
		return nil, noop, err
	}
	logFilePath := filepath.Join(cfg.LogDir, fmt.Sprintf("pst-index-%s.log", time.Now().Format("20060102T150405")))
	file, err := os.OpenFile(logFilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, noop, err
	}
	return SetupLoggerWithWriters(out, file, level), file.Close, nil
}

// SetupLoggerWithWriters fans out to a text handler on console and a JSON
// handler on file.
func SetupLoggerWithWriters(console, file io.Writer, level slog.Level) *slog.Logger {
	consoleHandler := slog.NewTextHandler(console, &slog.HandlerOptions{Level: level})
	fileHandler := slog.NewJSONHandler(file, &slog.HandlerOptions{Level: level})
	return slog.New(slogmulti.Fanout(consoleHandler, fileHandler))
}
