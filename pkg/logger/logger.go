package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/sirupsen/logrus"
)

// Global logger instance
var (
	Log *logrus.Logger
)

// Fields type for structured logging
type Fields logrus.Fields

// Init initializes the logger with specified configuration
func Init(level logrus.Level, logFilePath string) {
	Log = logrus.New()
	Log.SetLevel(level)
	Log.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: time.RFC3339,
	})

	// Create multi-writer to log to both file and stdout
	outputs := []io.Writer{os.Stdout}

	// Add file output if logFilePath is provided
	if logFilePath != "" {
		err := os.MkdirAll(filepath.Dir(logFilePath), 0755)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to create log directory: %v\n", err)
		} else {
			file, err := os.OpenFile(logFilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Failed to open log file: %v\n", err)
			} else {
				outputs = append(outputs, file)
			}
		}
	}

	// Set output to multi-writer
	Log.SetOutput(io.MultiWriter(outputs...))
}

// WithFields returns a logger entry with fields
func WithFields(fields Fields) *logrus.Entry {
	return Log.WithFields(logrus.Fields(fields))
}

// Component returns a logger entry tagged with the owning package, the way
// the packages that log (store, reasoner, lifespan, kb, transport)
// identify themselves in log output; query and events do not log.
func Component(name string) *logrus.Entry {
	return Log.WithField("component", name)
}

// Info logs an info message
func Info(args ...interface{}) {
	_, file, line, _ := runtime.Caller(1)
	Log.WithFields(logrus.Fields{
		"file": filepath.Base(file),
		"line": line,
	}).Info(args...)
}

// Infof logs a formatted info message
func Infof(format string, args ...interface{}) {
	_, file, line, _ := runtime.Caller(1)
	Log.WithFields(logrus.Fields{
		"file": filepath.Base(file),
		"line": line,
	}).Infof(format, args...)
}

// Error logs an error message
func Error(args ...interface{}) {
	_, file, line, _ := runtime.Caller(1)
	Log.WithFields(logrus.Fields{
		"file": filepath.Base(file),
		"line": line,
	}).Error(args...)
}

// Errorf logs a formatted error message
func Errorf(format string, args ...interface{}) {
	_, file, line, _ := runtime.Caller(1)
	Log.WithFields(logrus.Fields{
		"file": filepath.Base(file),
		"line": line,
	}).Errorf(format, args...)
}

// Fatal logs a fatal message and exits
func Fatal(args ...interface{}) {
	_, file, line, _ := runtime.Caller(1)
	Log.WithFields(logrus.Fields{
		"file": filepath.Base(file),
		"line": line,
	}).Fatal(args...)
}

// Fatalf logs a formatted fatal message and exits
func Fatalf(format string, args ...interface{}) {
	_, file, line, _ := runtime.Caller(1)
	Log.WithFields(logrus.Fields{
		"file": filepath.Base(file),
		"line": line,
	}).Fatalf(format, args...)
}
