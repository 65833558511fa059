// Package logging provides structured, charmbracelet/log-backed
// logging with environment-variable configuration, adapted from the
// teacher's internal/logging/logger.go (env vars renamed REVERSE_* ->
// SPLICER_*, default prefix renamed to match).
package logging

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/charmbracelet/log"
	"github.com/ianlancetaylor/demangle"
)

// LoggerCloser wraps a *log.Logger with a Close method for the
// optional log-file writer.
type LoggerCloser struct {
	*log.Logger
	closer io.Closer
}

func (lc *LoggerCloser) Close() error {
	if lc.closer != nil {
		return lc.closer.Close()
	}
	return nil
}

// NewLoggerWithWriter builds a logger over an explicit writer, honoring
// SPLICER_LOG_LEVEL and SPLICER_LOG_PREFIX.
func NewLoggerWithWriter(w io.Writer) *LoggerCloser {
	lg := log.NewWithOptions(w, log.Options{
		ReportTimestamp: true,
		TimeFormat:      time.Kitchen,
	})

	switch os.Getenv("SPLICER_LOG_LEVEL") {
	case "debug":
		lg.SetLevel(log.DebugLevel)
	case "warn":
		lg.SetLevel(log.WarnLevel)
	case "error":
		lg.SetLevel(log.ErrorLevel)
	default:
		lg.SetLevel(log.InfoLevel)
	}

	prefix := os.Getenv("SPLICER_LOG_PREFIX")
	if prefix == "" {
		prefix = "splicer "
	}

	var closer io.Closer
	if c, ok := w.(io.Closer); ok {
		closer = c
	}

	return &LoggerCloser{
		Logger: lg.WithPrefix(prefix),
		closer: closer,
	}
}

// NewLogger builds a logger from environment variables:
//
//	SPLICER_LOG_LEVEL:    debug, info, warn, error (default: info)
//	SPLICER_LOG_PREFIX:   prefix for log messages (default: "splicer ")
//	SPLICER_LOG_TO_FILE:  "1" logs to a timestamped file instead of stderr
func NewLogger() *LoggerCloser {
	output := io.Writer(os.Stderr)

	if os.Getenv("SPLICER_LOG_TO_FILE") == "1" {
		timestamp := time.Now().Format("20060102-150405")
		logFile := fmt.Sprintf("splicer-%s-debug.log", timestamp)

		f, err := os.OpenFile(logFile, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
		if err == nil {
			output = f
		}
	}

	return NewLoggerWithWriter(output)
}

// IsDebug reports whether debug-level logging is enabled.
func IsDebug() bool {
	return os.Getenv("SPLICER_LOG_LEVEL") == "debug"
}

// DemangleSymbol returns name's C++ demangled form for the --debug rule
// trace, or name unchanged if it isn't a mangled symbol (call-action
// targets are frequently mangled C++ symbols).
func DemangleSymbol(name string) string {
	if d := demangle.Filter(name); d != "" {
		return d
	}
	return name
}
