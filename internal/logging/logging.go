// Package logging configures the process-wide slog logger.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"golang.org/x/term"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Config holds logging configuration.
type Config struct {
	Level   string // debug|info|warn|warning|error; unknown reads as info
	LogFile string // when set, logs also go to this rotating file
}

// ParseLevel maps a config string onto a slog level. slog has no critical
// or trace levels; they map to error and debug.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug", "trace":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error", "critical":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// New builds the service logger: text output when stderr is a terminal,
// JSON otherwise. With LogFile set, output is mirrored to a rotating file.
func New(cfg Config) *slog.Logger {
	var w io.Writer = os.Stderr
	if cfg.LogFile != "" {
		rotating := &lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    100, // megabytes
			MaxBackups: 7,
			MaxAge:     30, // days
			Compress:   true,
		}
		w = io.MultiWriter(os.Stderr, rotating)
	}
	return slog.New(newHandler(w, cfg.Level))
}

func newHandler(w io.Writer, level string) slog.Handler {
	opts := &slog.HandlerOptions{Level: ParseLevel(level)}
	if term.IsTerminal(int(os.Stderr.Fd())) {
		return slog.NewTextHandler(w, opts)
	}
	return slog.NewJSONHandler(w, opts)
}
