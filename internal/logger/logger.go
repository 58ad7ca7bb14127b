// Package logger provides a thin wrapper around zerolog.Logger shared by
// every component. The wrapper embeds zerolog.Logger, so the full zerolog
// API is available on *Logger.
package logger

import (
	"os"

	"github.com/rs/zerolog"
)

type Logger struct {
	zerolog.Logger
}

// New constructs a JSON logger tagged with the component name and the
// local device id, written to stdout.
func New(component, deviceID string) *Logger {
	l := zerolog.New(os.Stdout).With().
		Str("component", component).
		Str("device_id", deviceID).
		Timestamp().
		Logger()

	return &Logger{l}
}

// Nop returns a logger that discards everything. Used by tests.
func Nop() *Logger {
	return &Logger{zerolog.Nop()}
}

// Component derives a child logger for a sub-component.
func (l *Logger) Component(name string) *Logger {
	return &Logger{l.With().Str("component", name).Logger()}
}
