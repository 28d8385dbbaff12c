package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/isgasho/otto-1/internal/platform/correlation"
)

// ParseLevel maps "debug", "info", "warn" and "error" to slog levels. Anything else is info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
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

// New builds a correlation-aware logger writing to w. format is "json" or "text".
func New(w io.Writer, level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: ParseLevel(level)}

	var handler slog.Handler
	if strings.EqualFold(format, "json") {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	return slog.New(correlation.NewHandler(handler))
}

// InitLogger installs a stdout logger as slog's default. It may be called again at runtime, for
// example on config reload, while other goroutines are logging.
func InitLogger(level, format string) {
	slog.SetDefault(New(os.Stdout, level, format))
}

// WithChannel returns a logger tagged with a channel name, derived from the current default.
func WithChannel(channel string) *slog.Logger {
	return slog.Default().With("channel", channel)
}

// WithComponent returns a logger tagged with the emitting component, derived from the current
// default.
func WithComponent(component string) *slog.Logger {
	return slog.Default().With("component", component)
}
