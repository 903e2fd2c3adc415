package outbox

import (
	"log/slog"
	"os"
	"sync"
)

var (
	logOnce   sync.Once
	logger    *slog.Logger
)

// LogConfig controls the package-level logger used by the coordinator,
// scheduler, and lifecycle manager when the caller doesn't supply its own
// *slog.Logger via Config.Logger.
type LogConfig struct {
	Level     string // DEBUG, INFO, WARN, ERROR
	Format    string // json, text
	AddSource bool
}

// InitLogging initializes the package-default logger. Safe to call once;
// subsequent calls are no-ops (mirrors the once-guarded default-logger
// pattern used throughout the rest of this codebase's ambient stack).
func InitLogging(cfg LogConfig) {
	logOnce.Do(func() {
		logger = buildLogger(cfg)
	})
}

func buildLogger(cfg LogConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "DEBUG":
		level = slog.LevelDebug
	case "WARN":
		level = slog.LevelWarn
	case "ERROR":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level, AddSource: cfg.AddSource}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}

// defaultLogger returns the package logger, initializing it with INFO/json
// defaults if no one has called InitLogging yet.
func defaultLogger() *slog.Logger {
	if logger == nil {
		InitLogging(LogConfig{Level: "INFO", Format: "json"})
	}
	return logger
}
