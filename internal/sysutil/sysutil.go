// Package sysutil holds process-level helpers: global log level and output
// setup, plus small string utilities used by the command layer.
package sysutil

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/tbourn/biobank-intake/internal/config"
)

// SetLogLevel sets the global zerolog level from a name such as "debug" or
// "warn" and returns it. Unknown or empty names fall back to info.
func SetLogLevel(name string) zerolog.Level {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "warning" {
		name = "warn"
	}
	lvl, err := zerolog.ParseLevel(name)
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
	return lvl
}

// ConfigureLogging sets the global level and output of the zerolog logger.
// With a File the output goes through a size-rotated lumberjack writer, and
// the returned closer must be closed on exit. Pretty switches to the console
// writer.
func ConfigureLogging(cfg config.LogConfig) io.Closer {
	SetLogLevel(cfg.Level)

	var (
		out    io.Writer = os.Stderr
		closer io.Closer = nopCloser{}
	)
	if cfg.File != "" {
		lj := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   true,
		}
		out, closer = lj, lj
	}
	if cfg.Pretty {
		out = zerolog.ConsoleWriter{Out: out, NoColor: cfg.File != ""}
	}
	log.Logger = zerolog.New(out).With().Timestamp().Logger()
	return closer
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// FirstNonEmpty returns the first value that is not blank, unchanged.
func FirstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
