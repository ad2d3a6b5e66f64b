// Package logging configures the process-wide logrus logger.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// Format names accepted by Configure.
const (
	FormatText = "text"
	FormatJSON = "json"
)

// Options selects the level, encoding and destination of log output.
type Options struct {
	Level  string
	Format string
	Output io.Writer
}

// Configure applies opts to the standard logrus logger and returns it.
func Configure(opts Options) (*logrus.Logger, error) {
	logger := logrus.StandardLogger()
	if err := Apply(logger, opts); err != nil {
		return nil, err
	}
	return logger, nil
}

// Apply applies opts to logger. Empty fields keep info level, text output
// and stderr.
func Apply(logger *logrus.Logger, opts Options) error {
	if logger == nil {
		return fmt.Errorf("logger is required")
	}

	level := logrus.InfoLevel
	if raw := strings.TrimSpace(opts.Level); raw != "" {
		parsed, err := logrus.ParseLevel(raw)
		if err != nil {
			return fmt.Errorf("parse log level: %w", err)
		}
		level = parsed
	}

	var formatter logrus.Formatter
	switch strings.ToLower(strings.TrimSpace(opts.Format)) {
	case "", FormatText:
		formatter = &logrus.TextFormatter{FullTimestamp: true}
	case FormatJSON:
		formatter = &logrus.JSONFormatter{}
	default:
		return fmt.Errorf("unsupported log format %q", opts.Format)
	}

	output := opts.Output
	if output == nil {
		output = os.Stderr
	}

	logger.SetLevel(level)
	logger.SetFormatter(formatter)
	logger.SetOutput(output)
	return nil
}
