// Package logging builds the process slog.Handler from configuration.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/lmittmann/tint"
	"golang.org/x/term"
)

// Output formats.
const (
	FormatJSON   = "json"
	FormatText   = "text"
	FormatPretty = "pretty"
)

// ParseLevel maps a level name to a slog.Level, defaulting to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewHandler returns a handler writing to out. An empty format picks pretty
// output when out is a terminal and JSON otherwise.
func NewHandler(out io.Writer, format, level string) slog.Handler {
	lvl := ParseLevel(level)
	tty := isTerminal(out)

	if format == "" {
		format = FormatJSON
		if tty {
			format = FormatPretty
		}
	}

	switch strings.ToLower(format) {
	case FormatPretty:
		return tint.NewHandler(out, &tint.Options{
			Level:      lvl,
			TimeFormat: time.TimeOnly,
			NoColor:    !tty,
		})
	case FormatText:
		return slog.NewTextHandler(out, &slog.HandlerOptions{Level: lvl})
	default:
		return slog.NewJSONHandler(out, &slog.HandlerOptions{Level: lvl})
	}
}

// Setup installs a handler on stdout as the default logger.
func Setup(format, level string) *slog.Logger {
	logger := slog.New(NewHandler(os.Stdout, format, level))
	slog.SetDefault(logger)
	return logger
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}
