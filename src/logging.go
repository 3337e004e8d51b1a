package src

import (
	"os"
	"time"

	"github.com/rs/zerolog"
)

var rootLogger zerolog.Logger

func init() {
	zerolog.TimeFieldFormat = time.RFC3339
	rootLogger = zerolog.New(os.Stdout).With().Timestamp().Logger()
}

// InitLogging configures the process-wide logger from config.
func InitLogging(cfg LogConfig) error {
	level := zerolog.InfoLevel
	if cfg.Debug {
		level = zerolog.DebugLevel
	} else if cfg.Level != "" {
		var err error
		level, err = zerolog.ParseLevel(cfg.Level)
		if err != nil {
			return err
		}
	}
	rootLogger = zerolog.New(os.Stdout).Level(level).With().Timestamp().Logger()
	return nil
}

// componentLogger returns a logger tagged with the owning component.
func componentLogger(name string) zerolog.Logger {
	return rootLogger.With().Str("component", name).Logger()
}
