package logging

import (
	"io"
	"log/slog"
	"os"
)

// Init installs the default logger. The level comes from LOG_LEVEL and
// falls back to def when unset or unknown.
func Init(def slog.Level) *slog.Logger {
	logger := New(os.Stderr, Level(def))
	slog.SetDefault(logger)
	return logger
}

// New returns a text logger writing to w.
func New(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(
		slog.NewTextHandler(w, &slog.HandlerOptions{
			Level: level,
		}),
	)
}

// Level resolves LOG_LEVEL.
func Level(def slog.Level) slog.Level {
	if l, ok := os.LookupEnv("LOG_LEVEL"); ok {
		switch l {
		case "dev", "development", "debug":
			return slog.LevelDebug
		case "info":
			return slog.LevelInfo
		case "warn", "warning":
			return slog.LevelWarn
		case "error", "production", "prod":
			return slog.LevelError
		}
	}
	return def
}
