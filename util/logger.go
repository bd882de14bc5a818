package util

import (
	"os"

	"github.com/sirupsen/logrus"
)

var (
	currentLevel LogLevel = LogLevelInfo
	logger                = newLogger()
)

func newLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	l.SetLevel(logrus.InfoLevel)
	return l
}

func SetLevel(level LogLevel) {
	currentLevel = level
	logger.SetLevel(level.logrusLevel())
}

// Logger exposes the shared logrus instance for callers that need
// structured fields.
func Logger() *logrus.Logger {
	return logger
}

// WithFields returns an entry carrying the given fields.
func WithFields(fields logrus.Fields) *logrus.Entry {
	return logger.WithFields(fields)
}

func Debug(format string, v ...interface{}) {
	if currentLevel <= LogLevelDebug {
		logger.Debugf(format, v...)
	}
}

func Info(format string, v ...interface{}) {
	if currentLevel <= LogLevelInfo {
		logger.Infof(format, v...)
	}
}

func Warn(format string, v ...interface{}) {
	if currentLevel <= LogLevelWarn {
		logger.Warnf(format, v...)
	}
}

func Error(format string, v ...interface{}) {
	if currentLevel <= LogLevelError {
		logger.Errorf(format, v...)
	}
}

func Fatal(format string, v ...interface{}) {
	logger.Fatalf(format, v...)
}
