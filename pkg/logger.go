package pkg

import (
	"fmt"
	"io"
	"strings"

	log "github.com/sirupsen/logrus"
)

// Logger wraps the logrus logger shared by every passthrough component.
type Logger struct {
	logger *log.Logger
}

var defaultLogger *Logger

func init() {
	defaultLogger = &Logger{logger: log.New()}
	defaultLogger.logger.SetLevel(log.InfoLevel)
	defaultLogger.logger.SetFormatter(&log.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
	})
}

// ParseLogLevel maps the CLI/config spelling of a level to logrus.
func ParseLogLevel(levelStr string) (log.Level, error) {
	switch strings.ToLower(strings.TrimSpace(levelStr)) {
	case "debug":
		return log.DebugLevel, nil
	case "", "info":
		return log.InfoLevel, nil
	case "warn", "warning":
		return log.WarnLevel, nil
	case "error":
		return log.ErrorLevel, nil
	default:
		return log.InfoLevel, fmt.Errorf("invalid log level: %s", levelStr)
	}
}

// SetLogLevelFromString sets the log level from a string
func SetLogLevelFromString(levelStr string) error {
	level, err := ParseLogLevel(levelStr)
	if err != nil {
		return err
	}
	defaultLogger.logger.SetLevel(level)
	return nil
}

// Component returns an entry tagged with the component name. Every
// package in this module logs through one of these.
func Component(name string) *log.Entry {
	return defaultLogger.logger.WithField("component", name)
}

// SetOutput sets the output for the default logger
func SetOutput(output io.Writer) {
	defaultLogger.logger.SetOutput(output)
}

// WithError adds an error field to the logger
func WithError(err error) *log.Entry {
	return defaultLogger.logger.WithError(err)
}
