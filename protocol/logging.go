package protocol

import (
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// ParseLogLevel converts a log level string to zerolog.Level.
// Unknown values fall back to INFO.
func ParseLogLevel(level string) zerolog.Level {
	switch strings.ToUpper(strings.TrimSpace(level)) {
	case "TRACE":
		return zerolog.TraceLevel
	case "DEBUG":
		return zerolog.DebugLevel
	case "INFO":
		return zerolog.InfoLevel
	case "WARN", "WARNING":
		return zerolog.WarnLevel
	case "ERROR":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// InitLogger creates the process logger for the given level and format
// ("json" or "console") writing to stdout.
func InitLogger(logLevel, logFormat string) zerolog.Logger {
	return NewLogger(os.Stdout, logLevel, logFormat)
}

// NewLogger is InitLogger with an explicit destination.
func NewLogger(out io.Writer, logLevel, logFormat string) zerolog.Logger {
	level := ParseLogLevel(logLevel)
	zerolog.SetGlobalLevel(level)

	if strings.EqualFold(logFormat, "console") {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}

	return zerolog.New(out).Level(level).With().Timestamp().Logger()
}

// Component derives a child logger tagged with the component name.
func Component(logger zerolog.Logger, name string) zerolog.Logger {
	return logger.With().Str("component", name).Logger()
}

// ParseDuration parses a duration string, supporting both "10s" format and plain seconds.
func ParseDuration(val string, defaultVal time.Duration) time.Duration {
	if val == "" {
		return defaultVal
	}

	if seconds, err := strconv.Atoi(val); err == nil {
		return time.Duration(seconds) * time.Second
	}

	if duration, err := time.ParseDuration(val); err == nil {
		return duration
	}

	return defaultVal
}
