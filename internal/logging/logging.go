// Package logging builds the service's root zerolog logger.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Options control log destination and verbosity.
type Options struct {
	// Level is one of debug, info, warn, error. Unknown values fall
	// back to info.
	Level string

	// File, when set, routes logs through a size-rotated file instead
	// of stderr.
	File string
}

// New constructs the root logger. Components derive their own with
// logger.With().Str("component", name).
func New(opts Options) zerolog.Logger {
	var w io.Writer = os.Stderr
	if opts.File != "" {
		w = &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    50, // megabytes
			MaxBackups: 5,
			MaxAge:     14, // days
			Compress:   true,
		}
	}

	level := zerolog.InfoLevel
	switch strings.ToLower(opts.Level) {
	case "debug":
		level = zerolog.DebugLevel
	case "info":
		level = zerolog.InfoLevel
	case "warn", "warning":
		level = zerolog.WarnLevel
	case "error":
		level = zerolog.ErrorLevel
	}

	zerolog.TimeFieldFormat = time.RFC3339
	return zerolog.New(w).Level(level).With().Timestamp().Logger()
}
