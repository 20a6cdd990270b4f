// Package logging configures the global zerolog logger.
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Init sets the global level from level (info when unparsable) and switches
// to console output in development.
func Init(level, env string) {
	setup(os.Stdout, level, env)
}

func setup(out io.Writer, level, env string) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
	zerolog.TimeFieldFormat = time.RFC3339

	logger := zerolog.New(out).With().Timestamp().Logger()
	if env == "development" {
		logger = logger.Output(zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339})
	}
	log.Logger = logger
	if err != nil && level != "" {
		log.Warn().Str("level", level).Msg("Unknown log level, using info")
	}
}
