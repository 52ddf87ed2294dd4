// Package logging initializes the process logger. Components receive
// scoped child loggers through construction rather than a process-wide
// sink.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
)

// New builds the root logger. Format "auto" picks console output when
// stderr is a terminal and JSON otherwise.
func New(level, format string) zerolog.Logger {
	var out io.Writer = os.Stderr

	useConsole := false
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "console":
		useConsole = true
	case "json":
		useConsole = false
	default:
		useConsole = isatty.IsTerminal(os.Stderr.Fd())
	}
	if useConsole {
		out = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	}

	return zerolog.New(out).Level(parseLevel(level)).With().Timestamp().Logger()
}

// Component returns a child logger tagged with a component name.
func Component(logger zerolog.Logger, name string) zerolog.Logger {
	return logger.With().Str("component", name).Logger()
}

func parseLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
