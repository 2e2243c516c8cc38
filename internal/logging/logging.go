// Package logging provides category-tagged logging on top of charmbracelet/log.
// All logging must go through this package so categories stay consistent.
package logging

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/charmbracelet/log"
)

// Category constants for consistent logging categories.
const (
	CategoryApp        = "App"
	CategoryWorker     = "Worker"
	CategoryJob        = "Job"
	CategoryBridge     = "Bridge"
	CategoryLiveKit    = "LiveKit"
	CategoryTranscribe = "Transcribe"
	CategoryTranslate  = "Translate"
	CategorySession    = "Session"
	CategoryCaptions   = "Captions"
)

var (
	mu     sync.RWMutex
	logger = newLogger(log.InfoLevel)
)

func newLogger(level log.Level) *log.Logger {
	l := log.NewWithOptions(os.Stderr, log.Options{
		ReportTimestamp: true,
		TimeFormat:      "15:04:05.000",
	})
	l.SetLevel(level)
	return l
}

// Init initializes logging at the given level ("debug", "info", "warn", "error").
// Unknown levels fall back to info.
func Init(level string) {
	lvl, err := log.ParseLevel(strings.ToLower(level))
	if err != nil {
		lvl = log.InfoLevel
	}
	mu.Lock()
	logger = newLogger(lvl)
	mu.Unlock()
}

func current() *log.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return logger
}

func format(msg string, params []interface{}) string {
	if len(params) == 0 {
		return msg
	}
	return fmt.Sprintf(msg, params...)
}

// Debug logs a debug message.
func Debug(category, msg string, params ...interface{}) {
	current().Debug(format(msg, params), "category", category)
}

// Info logs an info message.
func Info(category, msg string, params ...interface{}) {
	current().Info(format(msg, params), "category", category)
}

// Success logs an info message marked as a completed milestone.
func Success(category, msg string, params ...interface{}) {
	current().Info(format(msg, params), "category", category, "status", "ok")
}

// Warning logs a warning message.
func Warning(category, msg string, params ...interface{}) {
	current().Warn(format(msg, params), "category", category)
}

// Error logs an error message.
func Error(category, msg string, params ...interface{}) {
	current().Error(format(msg, params), "category", category)
}

// Fail logs a failure that ends the current operation.
func Fail(category, msg string, params ...interface{}) {
	current().Error(format(msg, params), "category", category, "status", "failed")
}
