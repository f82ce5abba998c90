package logger

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"example.com/spdyout/internal/config"
)

// LogFields is a set of structured fields attached to a log entry.
type LogFields map[string]interface{}

// Logger is the structured logger used across the module. It wraps a
// zerolog.Logger and owns the file handle of a file target, if any.
type Logger struct {
	zl     zerolog.Logger
	mu     *sync.Mutex
	output io.WriteCloser
}

// toZerologLevel maps config.LogLevel onto zerolog levels. Unknown levels
// fall back to INFO.
func toZerologLevel(level config.LogLevel) zerolog.Level {
	switch level {
	case config.LogLevelDebug:
		return zerolog.DebugLevel
	case config.LogLevelInfo:
		return zerolog.InfoLevel
	case config.LogLevelWarning:
		return zerolog.WarnLevel
	case config.LogLevelError:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// NewLogger creates a Logger from cfg. Missing fields take the same defaults
// as config.ApplyDefaults.
func NewLogger(cfg *config.LoggingConfig) (*Logger, error) {
	if cfg == nil {
		return nil, fmt.Errorf("logging configuration cannot be nil")
	}

	target := "stderr"
	if cfg.Target != nil {
		target = *cfg.Target
	}

	var out io.WriteCloser
	switch {
	case target == "stderr":
		out = os.Stderr
	case target == "stdout":
		out = os.Stdout
	case config.IsFilePath(target):
		file, err := os.OpenFile(target, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file %s: %w", target, err)
		}
		out = file
	}

	var w io.Writer = out
	if cfg.Format == "console" {
		w = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339, NoColor: true}
	}

	l := newWithWriter(w, cfg.LogLevel)
	l.output = out
	return l, nil
}

// NewTestLogger returns a Logger writing JSON lines to w at the given level.
func NewTestLogger(w io.Writer, level config.LogLevel) *Logger {
	return newWithWriter(w, level)
}

// Nop returns a Logger that discards everything.
func Nop() *Logger {
	return &Logger{zl: zerolog.Nop(), mu: &sync.Mutex{}}
}

func newWithWriter(w io.Writer, level config.LogLevel) *Logger {
	zl := zerolog.New(w).Level(toZerologLevel(level)).With().Timestamp().Logger()
	return &Logger{zl: zl, mu: &sync.Mutex{}}
}

// With returns a child logger that adds fields to every entry. The child
// shares the parent's output.
func (l *Logger) With(fields LogFields) *Logger {
	if l == nil {
		return nil
	}
	return &Logger{
		zl:     l.zl.With().Fields(map[string]interface{}(fields)).Logger(),
		mu:     l.mu,
		output: l.output,
	}
}

func (l *Logger) log(ev *zerolog.Event, msg string, fields []LogFields) {
	if ev == nil {
		return
	}
	for _, f := range fields {
		if f != nil {
			ev = ev.Fields(map[string]interface{}(f))
		}
	}
	ev.Msg(msg)
}

func (l *Logger) Debug(msg string, fields ...LogFields) {
	if l == nil {
		return
	}
	l.log(l.zl.Debug(), msg, fields)
}

func (l *Logger) Info(msg string, fields ...LogFields) {
	if l == nil {
		return
	}
	l.log(l.zl.Info(), msg, fields)
}

func (l *Logger) Warn(msg string, fields ...LogFields) {
	if l == nil {
		return
	}
	l.log(l.zl.Warn(), msg, fields)
}

func (l *Logger) Error(msg string, fields ...LogFields) {
	if l == nil {
		return
	}
	l.log(l.zl.Error(), msg, fields)
}

// CloseLogFiles closes the log file, if the target was a file.
func (l *Logger) CloseLogFiles() error {
	if l == nil || l.output == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.output == os.Stdout || l.output == os.Stderr {
		return nil
	}
	err := l.output.Close()
	l.output = nil
	return err
}
