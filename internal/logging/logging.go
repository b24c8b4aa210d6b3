// Package logging builds the zerolog loggers used across hare.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/glimte/hare-go/contracts"
)

// Config selects the level and output format of a logger
type Config struct {
	Level  string
	Format string
}

// New builds a logger writing to w, or stderr when w is nil. Format "console"
// gives human readable output, anything else JSON.
func New(cfg Config, w io.Writer) (zerolog.Logger, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return zerolog.Nop(), err
	}

	if w == nil {
		w = os.Stderr
	}
	if strings.EqualFold(cfg.Format, "console") {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}

	return zerolog.New(w).
		Level(level).
		With().
		Timestamp().
		Caller().
		Logger(), nil
}

// ParseLevel accepts fatal, error, warn, info, detail and none. detail is an
// alias for debug; zerolog names are accepted as well.
func ParseLevel(s string) (zerolog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "info":
		return zerolog.InfoLevel, nil
	case "detail", "debug":
		return zerolog.DebugLevel, nil
	case "none", "off", "disabled":
		return zerolog.Disabled, nil
	}

	level, err := zerolog.ParseLevel(strings.ToLower(s))
	if err != nil {
		return zerolog.NoLevel, contracts.NewError(contracts.KindInvalidParameters, "parse log level", err)
	}
	return level, nil
}

// Component returns a child logger tagged with the component name
func Component(logger zerolog.Logger, name string) zerolog.Logger {
	return logger.With().Str("component", name).Logger()
}

// Fatal starts a fatal-level event without exiting the process
func Fatal(logger zerolog.Logger) *zerolog.Event {
	return logger.WithLevel(zerolog.FatalLevel)
}
