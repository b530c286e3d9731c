// Package logging provides structured diagnostic logging using zerolog.
// Diagnostics are process-local and distinct from the session event stream:
// nothing in the runtime changes behavior based on what is logged here.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Level is re-exported so callers configure levels without importing
// zerolog themselves.
type Level = zerolog.Level

// Log levels exposed for convenience.
const (
	DebugLevel = zerolog.DebugLevel
	InfoLevel  = zerolog.InfoLevel
	WarnLevel  = zerolog.WarnLevel
	ErrorLevel = zerolog.ErrorLevel
	FatalLevel = zerolog.FatalLevel
)

// Logger is the process-wide logger. Init replaces it; Component derives
// tagged children from it.
var Logger zerolog.Logger

// Config holds logger configuration.
type Config struct {
	// Level is the minimum level that gets written.
	Level Level
	// Output receives the log stream. Defaults to os.Stderr.
	Output io.Writer
	// Pretty switches from JSON lines to human-readable console output.
	Pretty bool
	// TimeFormat overrides the timestamp format. Defaults to RFC3339.
	TimeFormat string
}

// DefaultConfig returns the configuration in effect before Init runs: JSON
// lines to stderr at info level.
func DefaultConfig() Config {
	return Config{
		Level:      InfoLevel,
		Output:     os.Stderr,
		TimeFormat: time.RFC3339,
	}
}

// FromStrings builds a Config from the string forms carried in runtime
// configuration: a level name and an output format ("json" or "console").
func FromStrings(level, format string, output io.Writer) Config {
	return Config{
		Level:      ParseLevel(level),
		Output:     output,
		Pretty:     !strings.EqualFold(strings.TrimSpace(format), "json"),
		TimeFormat: time.RFC3339,
	}
}

// Init replaces the process-wide logger.
func Init(cfg Config) {
	if cfg.Output == nil {
		cfg.Output = os.Stderr
	}
	if cfg.TimeFormat == "" {
		cfg.TimeFormat = time.RFC3339
	}
	zerolog.TimeFieldFormat = cfg.TimeFormat

	out := cfg.Output
	if cfg.Pretty {
		out = zerolog.ConsoleWriter{Out: cfg.Output, TimeFormat: cfg.TimeFormat}
	}
	Logger = zerolog.New(out).Level(cfg.Level).With().Timestamp().Logger()
}

// Component returns a child logger tagged with a component name. Runtime
// pieces (bus, controller, log writer, server) hold one of these.
func Component(name string) zerolog.Logger {
	return Logger.With().Str("component", name).Logger()
}

var levelNames = map[string]Level{
	"DEBUG":   DebugLevel,
	"INFO":    InfoLevel,
	"WARN":    WarnLevel,
	"WARNING": WarnLevel,
	"ERROR":   ErrorLevel,
	"FATAL":   FatalLevel,
}

// ParseLevel maps a level name to its Level, case-insensitively. Unknown
// names fall back to InfoLevel.
func ParseLevel(level string) Level {
	if l, ok := levelNames[strings.ToUpper(strings.TrimSpace(level))]; ok {
		return l
	}
	return InfoLevel
}

// Shorthands on the process-wide logger.

func Debug() *zerolog.Event { return Logger.Debug() }
func Info() *zerolog.Event  { return Logger.Info() }
func Warn() *zerolog.Event  { return Logger.Warn() }
func Error() *zerolog.Event { return Logger.Error() }

// Fatal exits the process once the event is sent.
func Fatal() *zerolog.Event { return Logger.Fatal() }

// With opens a child logger context on the process-wide logger.
func With() zerolog.Context { return Logger.With() }

func init() {
	Init(DefaultConfig())
}
