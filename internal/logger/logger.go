// Package logger wraps logrus with the field-oriented helpers used across
// ratchet.
package logger

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// Logger wraps logrus.Logger to provide consistent logging across the application
type Logger struct {
	*logrus.Logger
}

// Config controls logger construction.
type Config struct {
	Level  string
	Output io.Writer
	JSON   bool
}

// New creates a logger. Log lines go to stderr by default so command output
// on stdout stays machine-readable.
func New(config Config) (*Logger, error) {
	logger := &Logger{logrus.New()}

	if config.JSON {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp: true,
		})
	}

	out := config.Output
	if out == nil {
		out = os.Stderr
	}
	logger.SetOutput(out)

	levelName := config.Level
	if levelName == "" {
		levelName = "warn"
	}
	level, err := logrus.ParseLevel(levelName)
	if err != nil {
		return nil, err
	}
	logger.SetLevel(level)

	return logger, nil
}

// Nop returns a logger that discards everything.
func Nop() *Logger {
	logger := &Logger{logrus.New()}
	logger.SetOutput(io.Discard)
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

// LogError logs an error with context and returns it unchanged
func (l *Logger) LogError(err error, context string) error {
	l.WithError(err).Error(context)
	return err
}

// LogInfo logs an informational message with optional fields
func (l *Logger) LogInfo(message string, fields map[string]interface{}) {
	if fields != nil {
		l.WithFields(fields).Info(message)
	} else {
		l.Info(message)
	}
}

// LogDebug logs a debug message with optional fields
func (l *Logger) LogDebug(message string, fields map[string]interface{}) {
	if fields != nil {
		l.WithFields(fields).Debug(message)
	} else {
		l.Debug(message)
	}
}

// LogWarn logs a warning message with optional fields
func (l *Logger) LogWarn(message string, fields map[string]interface{}) {
	if fields != nil {
		l.WithFields(fields).Warn(message)
	} else {
		l.Warn(message)
	}
}
