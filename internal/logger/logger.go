// Package logger provides structured logging setup for crabwalk.
package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"golang.org/x/term"

	"github.com/Strob0t/crabwalk/internal/config"
)

// Async handler sizing. Gateway event bursts (streamed chat deltas) are the
// dominant log source, so the channel is sized for a few seconds of them.
const (
	asyncChanSize = 4096
	asyncWorkers  = 2
)

// New creates a *slog.Logger from the given Logging config.
// Output goes to stdout with a "service" attribute on every record. The
// returned Closer flushes the async handler, if one was installed.
func New(cfg config.Logging) (*slog.Logger, Closer) {
	return newWithWriter(cfg, os.Stdout, isTerminal(os.Stdout))
}

func newWithWriter(cfg config.Logging, w io.Writer, tty bool) (*slog.Logger, Closer) {
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level)}

	var handler slog.Handler
	if useText(cfg.Format, tty) {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}

	var closer Closer = nopCloser{}
	if cfg.Async {
		ah := NewAsyncHandler(handler, asyncChanSize, asyncWorkers)
		handler = ah
		closer = ah
	}

	return slog.New(handler).With("service", cfg.Service), closer
}

// useText reports whether the text handler should be used for the given format.
// "auto" picks text for interactive terminals and JSON otherwise.
func useText(format string, tty bool) bool {
	switch strings.ToLower(format) {
	case "text":
		return true
	case "auto":
		return tty
	default:
		return false
	}
}

func isTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd())) //nolint:gosec // fd fits in int
}

// parseLevel converts a string log level to slog.Level.
func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
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
