// Package logging provides the engine's structured logger. It keeps the
// key-value call style used across the codebase (msg followed by alternating
// key/value pairs) on top of zerolog.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// Config holds logger configuration.
type Config struct {
	Level      string // DEBUG, INFO, WARN, ERROR
	Output     string // "stdout", "stderr", or a file path
	JSONFormat bool
	Component  string
}

// Logger is a structured logger scoped to a component.
type Logger struct {
	zl zerolog.Logger
}

var (
	defaultLogger *Logger
	defaultMu     sync.RWMutex
)

// ParseLevel converts a string to a zerolog level, defaulting to INFO.
func ParseLevel(s string) zerolog.Level {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return zerolog.DebugLevel
	case "INFO":
		return zerolog.InfoLevel
	case "WARN", "WARNING":
		return zerolog.WarnLevel
	case "ERROR":
		return zerolog.ErrorLevel
	case "FATAL":
		return zerolog.FatalLevel
	default:
		return zerolog.InfoLevel
	}
}

// New creates a logger with the given configuration.
func New(cfg *Config) *Logger {
	var output io.Writer = os.Stdout
	switch cfg.Output {
	case "", "stdout":
	case "stderr":
		output = os.Stderr
	default:
		if file, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644); err == nil {
			output = file
		}
	}

	if !cfg.JSONFormat {
		output = zerolog.ConsoleWriter{Out: output, TimeFormat: "2006-01-02 15:04:05"}
	}

	zl := zerolog.New(output).Level(ParseLevel(cfg.Level)).With().Timestamp()
	if cfg.Component != "" {
		zl = zl.Str("component", cfg.Component)
	}
	return &Logger{zl: zl.Logger()}
}

// Default returns the process-wide logger.
func Default() *Logger {
	defaultMu.RLock()
	l := defaultLogger
	defaultMu.RUnlock()
	if l != nil {
		return l
	}
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultLogger == nil {
		defaultLogger = New(&Config{Level: "INFO", JSONFormat: true, Component: "app"})
	}
	return defaultLogger
}

// SetDefault sets the process-wide logger.
func SetDefault(l *Logger) {
	defaultMu.Lock()
	defaultLogger = l
	defaultMu.Unlock()
}

// WithComponent returns a logger tagged with the given component.
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{zl: l.zl.With().Str("component", component).Logger()}
}

// WithField returns a logger with an additional persistent field.
func (l *Logger) WithField(key string, value interface{}) *Logger {
	return &Logger{zl: l.zl.With().Interface(key, value).Logger()}
}

// WithError returns a logger with an error field.
func (l *Logger) WithError(err error) *Logger {
	if err == nil {
		return l
	}
	return &Logger{zl: l.zl.With().Str("error", err.Error()).Logger()}
}

func applyArgs(ev *zerolog.Event, args []interface{}) *zerolog.Event {
	// Alternating key/value pairs; a trailing odd value is logged under "arg".
	for i := 0; i+1 < len(args); i += 2 {
		key, ok := args[i].(string)
		if !ok {
			key = fmt.Sprintf("%v", args[i])
		}
		if err, isErr := args[i+1].(error); isErr {
			if err != nil {
				ev = ev.Str(key, err.Error())
			}
			continue
		}
		ev = ev.Interface(key, args[i+1])
	}
	if len(args)%2 == 1 {
		ev = ev.Interface("arg", args[len(args)-1])
	}
	return ev
}

// Debug logs a debug message with optional key-value pairs.
func (l *Logger) Debug(msg string, args ...interface{}) {
	applyArgs(l.zl.Debug(), args).Msg(msg)
}

// Info logs an info message with optional key-value pairs.
func (l *Logger) Info(msg string, args ...interface{}) {
	applyArgs(l.zl.Info(), args).Msg(msg)
}

// Warn logs a warning with optional key-value pairs.
func (l *Logger) Warn(msg string, args ...interface{}) {
	applyArgs(l.zl.Warn(), args).Msg(msg)
}

// Error logs an error message with optional key-value pairs.
func (l *Logger) Error(msg string, args ...interface{}) {
	applyArgs(l.zl.Error(), args).Msg(msg)
}

// Fatal logs a fatal message and exits.
func (l *Logger) Fatal(msg string, args ...interface{}) {
	applyArgs(l.zl.Fatal(), args).Msg(msg)
}
