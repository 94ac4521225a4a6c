// Package logger provides the structured logger used across tuicd. It
// wraps log/slog with a lumberjack-backed rotating file sink, matching
// the call convention (Info/Error/Warn/Debug with key-value pairs) the
// rest of the codebase is written against.
package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Config controls level, format, and destination of the process logger.
type Config struct {
	Level      string // debug, info, warn, error
	Format     string // text, json
	Output     string // stdout, stderr, or a file path
	MaxSize    int    // megabytes before rotation
	MaxBackups int
	MaxAge     int // days
	Compress   bool
}

var global = slog.Default()

// Init (re)configures the package-level logger from cfg. Safe to call
// once at startup before any other goroutine logs.
func Init(cfg *Config) error {
	var out io.Writer
	switch cfg.Output {
	case "", "stdout":
		out = os.Stdout
	case "stderr":
		out = os.Stderr
	default:
		out = &lumberjack.Logger{
			Filename:   cfg.Output,
			MaxSize:    orDefault(cfg.MaxSize, 100),
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAge,
			Compress:   cfg.Compress,
		}
	}

	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level)}
	var handler slog.Handler
	if strings.EqualFold(cfg.Format, "json") {
		handler = slog.NewJSONHandler(out, opts)
	} else {
		handler = slog.NewTextHandler(out, opts)
	}
	global = slog.New(handler)
	return nil
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func Debug(msg string, args ...any) { global.Debug(msg, args...) }
func Info(msg string, args ...any)  { global.Info(msg, args...) }
func Warn(msg string, args ...any)  { global.Warn(msg, args...) }
func Error(msg string, args ...any) { global.Error(msg, args...) }

// With returns a logger scoped with the given key-value pairs, for
// call sites that want to avoid repeating the same fields (e.g. a
// connection id) on every log line.
func With(args ...any) *slog.Logger {
	return global.With(args...)
}
