package log

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the process-wide sink every component logs through. Routing
// all events through one configurable logger, rather than module-global
// loggers per package, keeps the worker's core testable in isolation:
// tests can point Output at a buffer or leave logging at its default.
var Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).With().Timestamp().Logger()

// Config selects the worker's log verbosity and output encoding.
type Config struct {
	// Level is a zerolog level name ("debug", "info", "warn", "error");
	// anything unrecognized falls back to info.
	Level string

	// JSONOutput emits raw JSON lines for log shippers; the default is
	// a human-readable console format.
	JSONOutput bool

	// Output defaults to stderr.
	Output io.Writer
}

// Init replaces Logger according to cfg. Call once, from main, before
// the worker starts.
func Init(cfg Config) {
	lvl, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}

	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	if !cfg.JSONOutput {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}

	Logger = zerolog.New(out).Level(lvl).With().Timestamp().Logger()
}

// WithComponent tags events with the subsystem emitting them (depcache,
// imagecache, run, worker, ...).
func WithComponent(component string) *zerolog.Logger {
	l := Logger.With().Str("component", component).Logger()
	return &l
}

// WithRunID tags events with the run they belong to, the unit of work
// log readers actually grep for.
func WithRunID(runID string) *zerolog.Logger {
	l := Logger.With().Str("run_id", runID).Logger()
	return &l
}
