// Package logging builds the slog.Logger that cmd/ahma passes to its
// commands; it does not replace slog's default logger.
//
// Stdio transport requires all log output go to stderr (the stdout stream
// is reserved for Protocol framing), so New never defaults to stdout.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"runtime"
	"strings"
)

const ahmaPackagePrefix = "github.com/ahma-mcp/ahma"

// ParseLevel converts a string log level to slog.Level.
// Valid levels: debug, info, warn, error. Unknown values default to warn.
func ParseLevel(levelStr string) slog.Level {
	switch strings.ToLower(levelStr) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelWarn
	}
}

// filteringHandler suppresses third-party library log records unless the
// configured level is debug, keeping stderr focused on ahma's own logs in
// normal operation.
type filteringHandler struct {
	handler  slog.Handler
	minLevel slog.Level
}

func (h *filteringHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return level >= h.minLevel && h.handler.Enabled(ctx, level)
}

func (h *filteringHandler) Handle(ctx context.Context, record slog.Record) error {
	if h.minLevel <= slog.LevelDebug || h.isAhmaPackage(record.PC) {
		return h.handler.Handle(ctx, record)
	}
	return nil
}

func (h *filteringHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &filteringHandler{handler: h.handler.WithAttrs(attrs), minLevel: h.minLevel}
}

func (h *filteringHandler) WithGroup(name string) slog.Handler {
	return &filteringHandler{handler: h.handler.WithGroup(name), minLevel: h.minLevel}
}

func (h *filteringHandler) isAhmaPackage(pc uintptr) bool {
	if pc == 0 {
		return false
	}
	fn := runtime.FuncForPC(pc)
	if fn == nil {
		return false
	}
	return strings.Contains(fn.Name(), ahmaPackagePrefix)
}

// Options configures New.
type Options struct {
	Level  string // debug, info, warn, error
	File   string // empty = stderr
	Format string // "json" or "text" (default)
}

// New builds a slog.Logger writing to stderr (or File, if set) and returns a
// cleanup function that closes any opened file.
func New(opts Options) (*slog.Logger, func(), error) {
	var w io.Writer = os.Stderr
	cleanup := func() {}

	if opts.File != "" {
		f, err := os.OpenFile(opts.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, cleanup, err
		}
		w = f
		cleanup = func() { _ = f.Close() }
	}

	level := ParseLevel(opts.Level)
	handlerOpts := &slog.HandlerOptions{Level: level}

	var base slog.Handler
	if opts.Format == "json" {
		base = slog.NewJSONHandler(w, handlerOpts)
	} else {
		base = slog.NewTextHandler(w, handlerOpts)
	}

	logger := slog.New(&filteringHandler{handler: base, minLevel: level})
	return logger, cleanup, nil
}
