package observability

import (
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/danmuck/busctl/internal/logging"
)

// InitLogger stamps the process logger with the binary name. The sink,
// level, and color handling come from the logging profile, so every
// binary reports through one configuration.
func InitLogger(app string) zerolog.Logger {
	logging.ConfigureRuntime()
	logger := log.Logger.With().Str("app", app).Logger()
	log.Logger = logger
	return logger
}
