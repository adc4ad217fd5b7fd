// Package logging builds the process logger from configuration.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"

	"manualrag/internal/config"
	"manualrag/internal/domain"
)

// New returns a logrus logger writing to all writers, stderr when none are
// given. Format "json" selects structured output for log shippers.
func New(cfg config.LogConfig, writers ...io.Writer) (*logrus.Logger, error) {
	level := logrus.InfoLevel
	if cfg.Level != "" {
		parsed, err := logrus.ParseLevel(strings.ToLower(cfg.Level))
		if err != nil {
			return nil, fmt.Errorf("%w: log level: %v", domain.ErrInvalidConfiguration, err)
		}
		level = parsed
	}

	if len(writers) == 0 {
		writers = []io.Writer{os.Stderr}
	}

	l := logrus.New()
	l.SetOutput(io.MultiWriter(writers...))
	l.SetLevel(level)
	switch cfg.Format {
	case "json":
		l.SetFormatter(&logrus.JSONFormatter{TimestampFormat: "2006-01-02T15:04:05.000Z07:00"})
	default:
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, DisableColors: true})
	}
	return l, nil
}

// Discard returns a logger that drops everything, for tools and tests.
func Discard() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}
