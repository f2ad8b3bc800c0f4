package testlog

import (
	"testing"

	"github.com/danmuck/decexec/internal/logging"
	"github.com/rs/zerolog/log"
)

// Start configures test logging once and tags the run with the test name.
func Start(t *testing.T) {
	t.Helper()
	logging.ConfigureTests()
	log.Debug().Str("test", t.Name()).Msg("test start")
}
