package config

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

func parseLevel(level string) (logrus.Level, error) {
	return logrus.ParseLevel(level)
}

// NewLogger builds a logrus logger from the log section
func NewLogger(c LogConfig) *logrus.Logger {
	return newLogger(c, os.Stderr)
}

func newLogger(c LogConfig, out io.Writer) *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(out)

	if level, err := parseLevel(c.Level); err == nil {
		logger.SetLevel(level)
	}

	if c.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp: true,
		})
	}

	return logger
}
