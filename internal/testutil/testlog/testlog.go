package testlog

import (
	"testing"

	"github.com/rs/zerolog"

	"collabsync/internal/logging"
)

// Logger returns a logger that writes through t.Log so output is attached to
// the failing test.
func Logger(t testing.TB) zerolog.Logger {
	t.Helper()
	logging.ConfigureTests()
	return zerolog.New(zerolog.NewTestWriter(t)).Level(zerolog.DebugLevel).With().Str("test", t.Name()).Logger()
}
