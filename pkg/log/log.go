package log

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

var (
	// Logger is the global logger instance
	Logger zerolog.Logger
)

// Level represents log level
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// Config holds logging configuration
type Config struct {
	Level      Level
	JSONOutput bool
	Output     io.Writer
}

// ParseLevel maps a configuration string onto a Level, defaulting to info.
func ParseLevel(s string) Level {
	switch Level(strings.ToLower(strings.TrimSpace(s))) {
	case DebugLevel:
		return DebugLevel
	case WarnLevel, "warning":
		return WarnLevel
	case ErrorLevel:
		return ErrorLevel
	default:
		return InfoLevel
	}
}

// Init initializes the global logger
func Init(cfg Config) {
	Logger = New(cfg)
}

// zerologLevel maps l onto zerolog, treating anything unknown as info
func (l Level) zerologLevel() zerolog.Level {
	lvl, err := zerolog.ParseLevel(string(l))
	if err != nil || lvl == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return lvl
}

// New builds a logger without touching the global instance. Supervisors use
// it to capture the output of a single component.
func New(cfg Config) zerolog.Logger {
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	if !cfg.JSONOutput {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	return zerolog.New(out).Level(cfg.Level.zerologLevel()).With().Timestamp().Logger()
}

// WithComponent creates a child logger with component field
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// WithWorker tags a logger with the worker's contact address
func WithWorker(address string) zerolog.Logger {
	return Logger.With().Str("worker_address", address).Logger()
}

func WithLock(name string) zerolog.Logger {
	return Logger.With().Str("lock_name", name).Logger()
}

func WithNanny(id string) zerolog.Logger {
	return Logger.With().Str("nanny_id", id).Logger()
}

// Info logs msg on the global logger
func Info(msg string) {
	Logger.Info().Msg(msg)
}

// Errorf logs msg with err attached
func Errorf(msg string, err error) {
	Logger.Error().Err(err).Msg(msg)
}
