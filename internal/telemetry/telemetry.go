// Package telemetry wires structured logging (logiface/stumpy) shared by
// eventloop and tlspump. Prometheus metrics live in eventloop itself.
package telemetry

import (
	"io"
	"os"

	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
)

// Logger is the structured logger type shared across this module's packages.
type Logger = logiface.Logger[*stumpy.Event]

// NewLogger builds a Logger writing JSON lines to w at the given level.
// A nil w defaults to os.Stderr.
func NewLogger(level logiface.Level, w io.Writer) *Logger {
	if w == nil {
		w = os.Stderr
	}
	return logiface.New[*stumpy.Event](
		logiface.WithLevel[*stumpy.Event](level),
		stumpy.WithStumpy(stumpy.WithWriter(w)),
	)
}

// NewNopLogger returns a Logger that discards everything, for callers who
// don't configure one.
func NewNopLogger() *Logger {
	return logiface.New[*stumpy.Event](logiface.WithLevel[*stumpy.Event](logiface.LevelDisabled))
}
