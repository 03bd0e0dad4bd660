package testlog

import (
	"testing"

	"github.com/danmuck/pipeline/internal/logging"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Start configures the test logging profile and marks the test boundary.
func Start(t *testing.T) {
	t.Helper()
	logging.ConfigureTests()
	log.Info().Str("test", t.Name()).Msg("test start")
}

// Logger returns a component logger that writes through t.Log so output is
// attributed to the test that produced it. Anything logging through it must
// stop before the test returns.
func Logger(t *testing.T, component string) zerolog.Logger {
	t.Helper()
	out := zerolog.ConsoleWriter{Out: zerolog.NewTestWriter(t), NoColor: true}
	return zerolog.New(out).
		Level(zerolog.GlobalLevel()).
		With().
		Str("component", component).
		Logger()
}
