// Package logging constructs the zerolog logger used across the
// transport. Components take a zerolog.Logger by value in their
// constructors rather than importing a package-level global, so tests
// can run several connections with independently scoped output.
package logging

import (
	"io"
	"os"

	"github.com/rs/zerolog"
)

// New builds a logger writing to w with a timestamp field. A nil w
// defaults to os.Stderr.
func New(w io.Writer) zerolog.Logger {
	if w == nil {
		w = os.Stderr
	}
	return zerolog.New(w).With().Timestamp().Logger()
}

// Nop returns a logger that discards everything, for tests that don't
// care about log output.
func Nop() zerolog.Logger {
	return zerolog.Nop()
}
