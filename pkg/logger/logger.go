// Package logger provides component-scoped structured logging for the
// worker and supervisor processes.
package logger

import (
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// Logger wraps a logrus entry bound to a component name.
type Logger struct {
	*logrus.Entry
}

// New returns a logger scoped to the given component. The log level is
// taken from LOG_LEVEL (debug/info/warn/error), defaulting to info.
func New(component string) *Logger {
	l := logrus.New()
	l.SetOutput(os.Stdout)
	l.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02T15:04:05.000Z07:00",
	})
	l.SetLevel(levelFromEnv())
	return &Logger{Entry: l.WithField("component", component)}
}

// WithComponent derives a logger for a sub-component sharing the same
// underlying output and level.
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{Entry: l.Logger.WithField("component", component)}
}

func levelFromEnv() logrus.Level {
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		return logrus.DebugLevel
	case "warn", "warning":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	default:
		return logrus.InfoLevel
	}
}
