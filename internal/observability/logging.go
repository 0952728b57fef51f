package observability

import (
	"os"
	"time"

	"github.com/rs/zerolog"
)

func init() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
}

// NewLogger returns a JSON logger on stdout tagged with the component
// name. The level comes from DSC_LOG_LEVEL and defaults to info; an
// unrecognized value also falls back to info rather than failing
// startup.
func NewLogger(component string) zerolog.Logger {
	level, err := zerolog.ParseLevel(os.Getenv("DSC_LOG_LEVEL"))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	return newLogger(component, level)
}

// NewLoggerWithLevel returns a component logger at an explicit level,
// ignoring the environment. Used by tests and tooling.
func NewLoggerWithLevel(component string, level zerolog.Level) zerolog.Logger {
	return newLogger(component, level)
}

func newLogger(component string, level zerolog.Level) zerolog.Logger {
	return zerolog.New(os.Stdout).
		Level(level).
		With().
		Timestamp().
		Str("component", component).
		Logger()
}
