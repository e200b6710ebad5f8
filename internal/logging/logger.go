// Package logging builds the process-wide slog logger from LoggingConfig.
//
// Console output goes to stderr. File output writes every record to
// broker.log and warnings and errors again to errors.log, both rotated by
// lumberjack.
package logging

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/syntrixbase/broker/internal/config"
)

const (
	MainLogFile  = "broker.log"
	ErrorLogFile = "errors.log"
)

var (
	openMu sync.Mutex
	open   []io.Closer

	// console is swapped in tests.
	console io.Writer = os.Stderr
)

// Initialize installs the configured logger as slog's default.
func Initialize(cfg config.LoggingConfig) error {
	logger, err := NewLogger(cfg)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	slog.SetDefault(logger)
	logger.Info("Logging initialized",
		"level", cfg.Level,
		"format", cfg.Format,
		"console", cfg.Console.Enabled,
		"file", cfg.File.Enabled,
		"dir", cfg.Dir,
	)
	return nil
}

// NewLogger builds a logger. Opened log files stay registered until Shutdown.
func NewLogger(cfg config.LoggingConfig) (*slog.Logger, error) {
	var handlers []slog.Handler

	if cfg.Console.Enabled {
		handlers = append(handlers, newHandler(console, cfg.Console.Format, parseLevel(cfg.Console.Level)))
	}

	if cfg.File.Enabled {
		if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		main := rotating(cfg, MainLogFile)
		handlers = append(handlers, newHandler(main, cfg.File.Format, parseLevel(cfg.File.Level)))

		errs := rotating(cfg, ErrorLogFile)
		handlers = append(handlers, NewLevelFilter(newHandler(errs, cfg.File.Format, slog.LevelDebug), slog.LevelWarn))
	}

	switch len(handlers) {
	case 0:
		return slog.New(slog.NewTextHandler(io.Discard, nil)), nil
	case 1:
		return slog.New(handlers[0]), nil
	default:
		return slog.New(NewMultiHandler(handlers...)), nil
	}
}

// Shutdown closes every log file opened by NewLogger.
func Shutdown() error {
	openMu.Lock()
	defer openMu.Unlock()
	var errs []error
	for _, c := range open {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	open = nil
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("failed to close log files: %w", err)
	}
	return nil
}

func rotating(cfg config.LoggingConfig, name string) *lumberjack.Logger {
	f := &lumberjack.Logger{
		Filename:   filepath.Join(cfg.Dir, name),
		MaxSize:    cfg.Rotation.MaxSize,
		MaxBackups: cfg.Rotation.MaxBackups,
		MaxAge:     cfg.Rotation.MaxAge,
		Compress:   cfg.Rotation.Compress,
	}
	openMu.Lock()
	open = append(open, f)
	openMu.Unlock()
	return f
}

func parseLevel(level string) slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return slog.LevelInfo
	}
	return l
}

func newHandler(w io.Writer, format string, level slog.Level) slog.Handler {
	opts := &slog.HandlerOptions{Level: level}
	if format == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}
