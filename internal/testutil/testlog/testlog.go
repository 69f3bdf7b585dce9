package testlog

import (
	"fmt"
	"testing"

	"github.com/danmuck/cnode/internal/logging"
	"github.com/rs/zerolog/log"
)

func Start(t *testing.T) {
	t.Helper()
	logging.ConfigureTests()
	log.Info().Str("test", t.Name()).Msg("start")
}

// Logf writes a free-form test note through the shared logger.
func Logf(format string, args ...any) {
	log.Debug().Msg(fmt.Sprintf(format, args...))
}
