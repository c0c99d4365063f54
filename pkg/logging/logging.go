package logging

import (
	"io"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/natefinch/lumberjack.v2"
)

type Config struct {
	WithCaller bool
	Level      string
	// Format is "text" for the console writer, anything else for JSON.
	Format string
	// File additionally writes rotated plain-text logs to this path.
	File string
}

// InitLogger configures the global zerolog logger.
func InitLogger(config *Config) error {
	logger := log.Logger
	if config.WithCaller {
		logger = logger.With().Caller().Logger()
	}
	log.Logger = logger.Output(writerFor(config, os.Stderr))

	level, err := parseLevel(config.Level)
	if err != nil {
		return err
	}
	zerolog.SetGlobalLevel(level)
	return nil
}

func writerFor(config *Config, stderr io.Writer) io.Writer {
	var logWriter io.Writer
	if config.Format == "text" {
		logWriter = zerolog.ConsoleWriter{Out: stderr}
	} else {
		logWriter = stderr
	}

	if config.File != "" {
		logWriter = io.MultiWriter(
			logWriter,
			zerolog.ConsoleWriter{
				NoColor: true,
				Out: &lumberjack.Logger{
					Filename:   config.File,
					MaxSize:    10, // megabytes
					MaxBackups: 3,
					MaxAge:     28, // days
				},
			})
	}
	return logWriter
}

func parseLevel(level string) (zerolog.Level, error) {
	if level == "" {
		return zerolog.InfoLevel, nil
	}
	return zerolog.ParseLevel(level)
}
