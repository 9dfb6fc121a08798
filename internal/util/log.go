// Package util provides the logging and statistics plumbing shared by the
// reliability engine and the CLI.
package util

import (
	"fmt"

	"github.com/pterm/pterm"
)

func init() {
	pterm.DefaultLogger.ShowTime = true
	pterm.DefaultLogger.TimeFormat = "02 Jan 15:04:05"
	pterm.DefaultLogger.MaxWidth = 1000
}

// Leveled logging backed by pterm's default logger (stderr). The receive
// path reports malformed, duplicate, and stray traffic at debug level only,
// so an untrusted sender cannot flood the console; debug lines stay hidden
// until EnableDebug is called.

func LogDebug(format string, args ...any) {
	pterm.DefaultLogger.Debug(fmt.Sprintf(format, args...))
}

func LogInfo(format string, args ...any) {
	pterm.DefaultLogger.Info(fmt.Sprintf(format, args...))
}

func LogWarning(format string, args ...any) {
	pterm.DefaultLogger.Warn(fmt.Sprintf(format, args...))
}

func LogError(format string, args ...any) {
	pterm.DefaultLogger.Error(fmt.Sprintf(format, args...))
}

// EnableDebug lowers the logger threshold to include debug messages.
func EnableDebug() {
	pterm.DefaultLogger.Level = pterm.LogLevelDebug
}
