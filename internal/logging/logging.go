package logging

import (
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"
)

// New returns the process logger: colored text via tint when appEnv is "dev",
// JSON otherwise.
func New(appEnv string, level slog.Level, version string) *slog.Logger {
	return newLogger(os.Stdout, appEnv, level, version)
}

func newLogger(w io.Writer, appEnv string, level slog.Level, version string) *slog.Logger {
	if appEnv == "dev" {
		h := tint.NewHandler(w, &tint.Options{
			Level:      level,
			AddSource:  true,
			TimeFormat: time.Kitchen,
		})
		return slog.New(h).With("app", "passwatch")
	}

	h := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	})
	return slog.New(h).With(
		"app", "passwatch",
		"version", version,
		"env", appEnv,
	)
}

// Bootstrap is used before configuration is loaded.
func Bootstrap() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
}
