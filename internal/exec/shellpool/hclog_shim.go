package shellpool

import (
	"io"
	"log"
	"log/slog"
	"os"

	"github.com/hashicorp/go-hclog"
)

// slogShim adapts a *slog.Logger to hclog.Logger, the interface the pool's
// ancestor (a tracing-based manager) expects of its lifecycle logger. Kept
// local to this package: nothing else in the module needs hclog.
type slogShim struct {
	l     *slog.Logger
	name  string
	level hclog.Level
}

// newLogger wraps base for use as the pool's hclog.Logger, tagging every
// line with the given component name.
func newLogger(base *slog.Logger, name string) hclog.Logger {
	if base == nil {
		base = slog.Default()
	}
	return &slogShim{l: base.With("component", name), name: name, level: hclog.Info}
}

func (s *slogShim) Log(level hclog.Level, msg string, args ...interface{}) {
	switch {
	case level >= hclog.Error:
		s.Error(msg, args...)
	case level >= hclog.Warn:
		s.Warn(msg, args...)
	case level >= hclog.Info:
		s.Info(msg, args...)
	default:
		s.Debug(msg, args...)
	}
}

func (s *slogShim) Trace(msg string, args ...interface{}) { s.l.Debug(msg, args...) }
func (s *slogShim) Debug(msg string, args ...interface{}) { s.l.Debug(msg, args...) }
func (s *slogShim) Info(msg string, args ...interface{})  { s.l.Info(msg, args...) }
func (s *slogShim) Warn(msg string, args ...interface{})  { s.l.Warn(msg, args...) }
func (s *slogShim) Error(msg string, args ...interface{}) { s.l.Error(msg, args...) }

func (s *slogShim) IsTrace() bool { return s.level <= hclog.Trace }
func (s *slogShim) IsDebug() bool { return s.level <= hclog.Debug }
func (s *slogShim) IsInfo() bool  { return s.level <= hclog.Info }
func (s *slogShim) IsWarn() bool  { return s.level <= hclog.Warn }
func (s *slogShim) IsError() bool { return s.level <= hclog.Error }

func (s *slogShim) ImpliedArgs() []interface{} { return nil }

func (s *slogShim) With(args ...interface{}) hclog.Logger {
	return &slogShim{l: s.l.With(args...), name: s.name, level: s.level}
}

func (s *slogShim) Name() string { return s.name }

func (s *slogShim) Named(name string) hclog.Logger {
	full := name
	if s.name != "" {
		full = s.name + "." + name
	}
	return &slogShim{l: s.l.With("component", full), name: full, level: s.level}
}

func (s *slogShim) ResetNamed(name string) hclog.Logger {
	return &slogShim{l: s.l.With("component", name), name: name, level: s.level}
}

func (s *slogShim) SetLevel(level hclog.Level) { s.level = level }
func (s *slogShim) GetLevel() hclog.Level       { return s.level }

func (s *slogShim) StandardLogger(opts *hclog.StandardLoggerOptions) *log.Logger {
	return log.New(s.StandardWriter(opts), "", 0)
}

func (s *slogShim) StandardWriter(opts *hclog.StandardLoggerOptions) io.Writer {
	return os.Stderr
}
