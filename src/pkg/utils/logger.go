package utils

import (
	"log/slog"
	"os"
	"strings"
)

// NewLogger creates a new logger instance
func NewLogger() *slog.Logger {
	level := slog.LevelInfo

	if lvl := os.Getenv("LABOPS_LOG_LEVEL"); lvl != "" {
		switch strings.ToLower(lvl) {
		case "debug":
			level = slog.LevelDebug
		case "info":
			level = slog.LevelInfo
		case "warn", "warning":
			level = slog.LevelWarn
		case "error":
			level = slog.LevelError
		}
	}

	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	return slog.New(handler)
}
