// Package logging provides component-tagged structured loggers shared by every
// subsystem. Formatting (pretty console rendering, rotation) is out of scope here;
// callers get a plain JSON-to-stdout (or file) zerolog.Logger.
package logging

import (
	"io"
	"os"

	"github.com/rs/zerolog"
)

var base = zerolog.New(os.Stdout).With().Timestamp().Logger()

// Init (re)configures the base logger's level and output writer. Passing an empty
// level leaves the default (info) in place. Call once at startup before any
// Component logger is handed out to a long-lived goroutine.
func Init(level string, w io.Writer) error {
	if w == nil {
		w = os.Stdout
	}
	l := zerolog.InfoLevel
	if level != "" {
		parsed, err := zerolog.ParseLevel(level)
		if err != nil {
			return err
		}
		l = parsed
	}
	base = zerolog.New(w).With().Timestamp().Logger().Level(l)
	return nil
}

// Component returns a logger tagged with the "cmp" field, following the
// colonyops-hive convention so every log line is attributable to a subsystem
// (scanner, remote, matcher, logpoller, store, terminalproxy, wsdispatch, ...).
func Component(name string) zerolog.Logger {
	return base.With().Str("cmp", name).Logger()
}
