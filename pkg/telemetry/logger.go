package telemetry

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the process logger. Packages receive its zerolog.Logger and
// derive their own component loggers from it.
type Logger struct {
	zlog zerolog.Logger
}

// NewLogger builds the process logger. Console output is meant for
// terminals; json output carries the same fields for log shipping.
func NewLogger(cfg LoggingConfig) (*Logger, error) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}

	out := cfg.Writer
	if out == nil {
		out = io.Writer(os.Stderr)
		if cfg.Output == "stdout" {
			out = os.Stdout
		}
	}
	if cfg.Format == "console" {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}

	zlog := zerolog.New(out).Level(level).With().Timestamp().Logger()
	return &Logger{zlog: zlog}, nil
}

// Zerolog returns the underlying zerolog.Logger for library constructors.
func (l *Logger) Zerolog() zerolog.Logger {
	if l == nil {
		return zerolog.Nop()
	}
	return l.zlog
}

// Component returns a logger tagged with a component name.
func (l *Logger) Component(name string) zerolog.Logger {
	return l.Zerolog().With().Str("component", name).Logger()
}
