// Package util provides shared logging and statistics helpers.
package util

import (
	"fmt"
	"io"
	"os"

	"github.com/pterm/pterm"
	"gopkg.in/natefinch/lumberjack.v2"
)

func init() {
	pterm.DefaultLogger.ShowTime = true
	pterm.DefaultLogger.TimeFormat = "02 Jan 15:04:05"
	pterm.DefaultLogger.MaxWidth = 1000
}

// emitFunc is the signature shared by the pterm logger's level methods.
type emitFunc func(msg string, args ...[]pterm.LoggerArgument)

func logf(emit emitFunc, format string, args []interface{}) {
	emit(fmt.Sprintf(format, args...))
}

// Leveled logging functions backed by the pterm default logger. Library
// packages only log through these; user-facing text belongs to cmd/.

func LogDebug(format string, args ...interface{}) {
	logf(pterm.DefaultLogger.Debug, format, args)
}

func LogInfo(format string, args ...interface{}) {
	logf(pterm.DefaultLogger.Info, format, args)
}

// LogSuccess logs at info level with a check mark.
func LogSuccess(format string, args ...interface{}) {
	logf(pterm.DefaultLogger.Info, "✓ "+format, args)
}

func LogWarning(format string, args ...interface{}) {
	logf(pterm.DefaultLogger.Warn, format, args)
}

func LogError(format string, args ...interface{}) {
	logf(pterm.DefaultLogger.Error, format, args)
}

// EnableDebug configures the logger to show debug messages.
func EnableDebug() {
	pterm.DefaultLogger.Level = pterm.LogLevelDebug
}

// SetOutput redirects all log records to w.
func SetOutput(w io.Writer) {
	pterm.DefaultLogger.Writer = w
}

// LogToFile mirrors all log output into a rotating file at path.
// The returned closer flushes and closes the file sink.
func LogToFile(path string) io.Closer {
	fileWriter := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    5, // MB
		MaxBackups: 5,
		MaxAge:     30, // days
		Compress:   true,
	}

	SetOutput(io.MultiWriter(os.Stderr, fileWriter))
	return fileWriter
}

// Silence discards all log output. Used by tests that exercise noisy paths.
func Silence() {
	SetOutput(io.Discard)
}
