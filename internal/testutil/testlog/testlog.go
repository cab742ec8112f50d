// Package testlog bootstraps process logging for tests.
package testlog

import (
	"os"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var configureOnce sync.Once

// Start configures the global logger once per test process and tags the
// current test. Honors FLEETKOR_TEST_LOG_LEVEL for noisier runs.
func Start(t *testing.T) {
	t.Helper()
	configureOnce.Do(func() {
		level := zerolog.WarnLevel
		if raw := os.Getenv("FLEETKOR_TEST_LOG_LEVEL"); raw != "" {
			if parsed, err := zerolog.ParseLevel(raw); err == nil {
				level = parsed
			}
		}
		log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, NoColor: true}).
			Level(level).
			With().Timestamp().Logger()
	})
	log.Debug().Str("test", t.Name()).Msg("test_start")
}

// Logger returns a logger for handing to components under test.
func Logger(t *testing.T) zerolog.Logger {
	t.Helper()
	Start(t)
	return log.Logger.With().Str("test", t.Name()).Logger()
}
