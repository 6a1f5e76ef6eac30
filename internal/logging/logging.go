// Package logging provides structured logging for netpulse.
//
// This package wraps the standard library's log/slog package to provide
// consistent logging across all components. It supports text and JSON
// output, configurable log levels, component-based loggers and a
// size-rotated log file for the daemon.
//
// Usage:
//
//	// Initialize at startup
//	logging.Init(slog.LevelInfo, false)
//	logging.InitFile("/var/log/netpulse/netpulsed.log", slog.LevelInfo, true)
//
//	// Get a component logger
//	log := logging.Component("daemon")
//	log.Info("cycle done", "records", 4)
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/xtxerr/netpulse/config"
	"gopkg.in/natefinch/lumberjack.v2"
)

// EnvLogLevel overrides the configured log level when set.
const EnvLogLevel = "NETPULSE_LOG_LEVEL"

// Logger is the global logger instance.
var Logger *slog.Logger

// Init initializes the global logger writing to stderr.
// If jsonFormat is true, logs are output as JSON; otherwise, human-readable text.
func Init(level slog.Level, jsonFormat bool) {
	InitWriter(os.Stderr, level, jsonFormat)
}

// InitWriter initializes the global logger writing to w.
func InitWriter(w io.Writer, level slog.Level, jsonFormat bool) {
	var handler slog.Handler

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}

	if jsonFormat {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	Logger = slog.New(handler)
	slog.SetDefault(Logger)
}

// InitFile initializes the global logger writing to a rotated log file.
// The returned closer flushes and closes the current file.
func InitFile(path string, level slog.Level, jsonFormat bool) (io.Closer, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	w := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    config.DefaultLogMaxSizeMB,
		MaxBackups: config.DefaultLogMaxBackups,
		MaxAge:     config.DefaultLogMaxAgeDays,
		Compress:   true,
	}
	InitWriter(w, level, jsonFormat)
	return w, nil
}

// InitWithHandler initializes the global logger with a custom handler.
// This is useful for testing or custom output destinations.
func InitWithHandler(handler slog.Handler) {
	Logger = slog.New(handler)
	slog.SetDefault(Logger)
}

// ParseLevel converts a level name to a slog.Level. The NETPULSE_LOG_LEVEL
// environment variable, when set, takes precedence over name.
func ParseLevel(name string) (slog.Level, error) {
	if env := os.Getenv(EnvLogLevel); env != "" {
		name = env
	}
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "trace", "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q: must be one of debug, info, warn, error", name)
	}
}

// With returns a new logger with additional attributes.
// These attributes are included in every log entry from the returned logger.
func With(args ...any) *slog.Logger {
	return base().With(args...)
}

// Component returns a logger for a specific component.
// The component name is added as an attribute to all log entries.
//
// The returned logger resolves the global logger on every call, so
// package-level component loggers pick up a later Init.
func Component(name string) *slog.Logger {
	return slog.New(&componentHandler{name: name})
}

// WithContext returns a logger that includes context values.
func WithContext(ctx context.Context) *slog.Logger {
	logger := base()

	if cycle, ok := ctx.Value(contextKeyCycle).(uint64); ok {
		logger = logger.With("cycle", cycle)
	}

	return logger
}

// Context key types for type-safe context value extraction.
type contextKey int

const (
	contextKeyCycle contextKey = iota
)

// ContextWithCycle adds a cycle sequence number to the context for logging.
func ContextWithCycle(ctx context.Context, cycle uint64) context.Context {
	return context.WithValue(ctx, contextKeyCycle, cycle)
}

func base() *slog.Logger {
	if Logger == nil {
		Init(slog.LevelInfo, false)
	}
	return Logger
}

// componentHandler forwards to the current global handler with a
// component attribute attached.
type componentHandler struct {
	name  string
	attrs []slog.Attr
	group string
}

func (h *componentHandler) target() slog.Handler {
	var hd slog.Handler = base().Handler().WithAttrs([]slog.Attr{slog.String("component", h.name)})
	if len(h.attrs) > 0 {
		hd = hd.WithAttrs(h.attrs)
	}
	if h.group != "" {
		hd = hd.WithGroup(h.group)
	}
	return hd
}

func (h *componentHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return base().Handler().Enabled(ctx, level)
}

func (h *componentHandler) Handle(ctx context.Context, r slog.Record) error {
	return h.target().Handle(ctx, r)
}

func (h *componentHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	nh := *h
	nh.attrs = append(append([]slog.Attr(nil), h.attrs...), attrs...)
	return &nh
}

func (h *componentHandler) WithGroup(name string) slog.Handler {
	nh := *h
	nh.group = name
	return &nh
}

// =============================================================================
// Convenience Functions
// =============================================================================

// Debug logs at debug level.
func Debug(msg string, args ...any) {
	base().Debug(msg, args...)
}

// Info logs at info level.
func Info(msg string, args ...any) {
	base().Info(msg, args...)
}

// Warn logs at warning level.
func Warn(msg string, args ...any) {
	base().Warn(msg, args...)
}

// Error logs at error level.
func Error(msg string, args ...any) {
	base().Error(msg, args...)
}
