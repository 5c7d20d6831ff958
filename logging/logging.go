// Package logging holds the process-wide logrus logger shared by all rxmon
// subsystems.
package logging

import (
	"fmt"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

const (
	FormatText = "text"
	FormatJSON = "json"
)

// DefaultLogger is the base logger; packages derive subsystem entries from it
// with WithField(logfields.LogSubsys, ...).
var DefaultLogger = InitializeDefaultLogger()

// InitializeDefaultLogger returns a logger writing text to stderr at info level.
func InitializeDefaultLogger() *logrus.Logger {
	l := logrus.New()
	l.Out = os.Stderr
	l.Formatter = &logrus.TextFormatter{
		DisableTimestamp: true,
		DisableColors:    true,
	}
	l.SetLevel(logrus.InfoLevel)
	return l
}

// SetLogLevel updates the level of DefaultLogger.
func SetLogLevel(level logrus.Level) {
	DefaultLogger.SetLevel(level)
}

// SetupLogging applies a textual level and format to DefaultLogger.
// Empty values keep the current setting.
func SetupLogging(level, format string) error {
	if level != "" {
		lvl, err := logrus.ParseLevel(level)
		if err != nil {
			return fmt.Errorf("parsing log level: %w", err)
		}
		SetLogLevel(lvl)
	}

	switch strings.ToLower(format) {
	case "":
	case FormatText:
		DefaultLogger.Formatter = &logrus.TextFormatter{
			DisableTimestamp: true,
			DisableColors:    true,
		}
	case FormatJSON:
		DefaultLogger.Formatter = &logrus.JSONFormatter{}
	default:
		return fmt.Errorf("unsupported log format %q", format)
	}
	return nil
}
