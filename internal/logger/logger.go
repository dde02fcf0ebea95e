package logger

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// Logger is a thin wrapper around logrus carrying a set of base fields.
type Logger struct {
	logger *logrus.Logger
	fields logrus.Fields
}

// New initializes a Logger writing to stdout.
func New(level string, jsonFormat bool) *Logger {
	return NewWithWriter(os.Stdout, level, jsonFormat)
}

// NewWithWriter initializes a Logger writing to out.
func NewWithWriter(out io.Writer, level string, jsonFormat bool) *Logger {
	logger := logrus.New()
	logger.Out = out

	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	logger.SetLevel(lvl)

	if jsonFormat {
		logger.SetFormatter(&logrus.JSONFormatter{
			PrettyPrint: false,
		})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp: true,
			PadLevelText:  true,
		})
	}

	return &Logger{logger: logger, fields: logrus.Fields{}}
}

// Discard returns a Logger that drops everything. Used by tests.
func Discard() *Logger {
	return NewWithWriter(io.Discard, "panic", false)
}

// With returns a child Logger that adds fields to every entry.
func (l *Logger) With(fields logrus.Fields) *Logger {
	merged := make(logrus.Fields, len(l.fields)+len(fields))
	for k, v := range l.fields {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	return &Logger{logger: l.logger, fields: merged}
}

// Debug logs a debug-level message.
func (l *Logger) Debug(msg string, fields ...logrus.Fields) {
	l.logWithFields(logrus.DebugLevel, msg, fields...)
}

// Info logs an info-level message.
func (l *Logger) Info(msg string, fields ...logrus.Fields) {
	l.logWithFields(logrus.InfoLevel, msg, fields...)
}

// Warn logs a warn-level message.
func (l *Logger) Warn(msg string, fields ...logrus.Fields) {
	l.logWithFields(logrus.WarnLevel, msg, fields...)
}

// Error logs an error-level message.
func (l *Logger) Error(msg string, fields ...logrus.Fields) {
	l.logWithFields(logrus.ErrorLevel, msg, fields...)
}

// Fatal logs a fatal-level message and exits the application.
func (l *Logger) Fatal(msg string, fields ...logrus.Fields) {
	l.logWithFields(logrus.FatalLevel, msg, fields...)
	os.Exit(1)
}

func (l *Logger) logWithFields(level logrus.Level, msg string, fields ...logrus.Fields) {
	entry := l.logger.WithFields(l.fields)
	for _, field := range fields {
		entry = entry.WithFields(field)
	}
	entry.Log(level, msg)
}
