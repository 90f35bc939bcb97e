// Package logger provides the process-wide run log for ticket-runner.
package logger

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/sirupsen/logrus"
)

// Fields is an alias so callers don't need to import logrus.
type Fields = logrus.Fields

var (
	globalLogger *logrus.Logger
	logFile      *os.File
	mu           sync.Mutex
)

// Init initializes the global logger with the specified log file path.
func Init(logPath string, verbose bool) error {
	mu.Lock()
	defer mu.Unlock()

	// Close previous log file if exists
	if logFile != nil {
		logFile.Close()
	}

	f, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to create log file: %w", err)
	}

	logFile = f
	globalLogger = newLogger(f, verbose)
	return nil
}

// InitWriter routes the global logger to w. Used by tests and the hierarchy command.
func InitWriter(w io.Writer, verbose bool) {
	mu.Lock()
	defer mu.Unlock()
	globalLogger = newLogger(w, verbose)
}

func newLogger(w io.Writer, verbose bool) *logrus.Logger {
	l := logrus.New()
	l.SetOutput(w)
	l.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "15:04:05.000000",
		DisableColors:   true,
	})
	if verbose {
		l.SetLevel(logrus.DebugLevel)
	} else {
		l.SetLevel(logrus.InfoLevel)
	}
	return l
}

// Close closes the log file.
func Close() {
	mu.Lock()
	defer mu.Unlock()

	if logFile != nil {
		logFile.Close()
		logFile = nil
	}
	globalLogger = nil
}

func current() *logrus.Logger {
	mu.Lock()
	defer mu.Unlock()
	return globalLogger
}

// Info logs an info message.
func Info(format string, v ...interface{}) {
	if l := current(); l != nil {
		l.Infof(format, v...)
	}
}

// Debug logs a debug message.
func Debug(format string, v ...interface{}) {
	if l := current(); l != nil {
		l.Debugf(format, v...)
	}
}

// Error logs an error message.
func Error(format string, v ...interface{}) {
	if l := current(); l != nil {
		l.Errorf(format, v...)
	}
}

// Warn logs a warning message.
func Warn(format string, v ...interface{}) {
	if l := current(); l != nil {
		l.Warnf(format, v...)
	}
}

// WithFields returns an entry carrying structured fields (attempt, step, strategy).
// When logging is not initialized the entry writes to io.Discard.
func WithFields(fields Fields) *logrus.Entry {
	l := current()
	if l == nil {
		l = logrus.New()
		l.SetOutput(io.Discard)
	}
	return l.WithFields(fields)
}
