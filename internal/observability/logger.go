package observability

import (
	"github.com/danmuck/torctl/internal/logging"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// InitLogger configures the runtime log profile, applies level when set and
// tags the global logger with app.
func InitLogger(app, level string) zerolog.Logger {
	logging.ConfigureRuntime()
	if level != "" {
		logging.SetLevel(level)
	}
	logger := log.Logger.With().Str("app", app).Logger()
	log.Logger = logger
	return logger
}

// Component derives a logger tagged with a component name.
func Component(logger zerolog.Logger, name string) zerolog.Logger {
	return logger.With().Str("component", name).Logger()
}
