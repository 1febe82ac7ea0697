// Package logging wires a process-wide structured logger.
//
// Grounded on the teacher repo's libs/go/core/logging.Init: same env-driven JSON/text switch
// and level selection, renamed to the QUEENHIVE_ prefix.
package logging

import (
	"log/slog"
	"os"
	"strings"
)

// Init configures the default slog logger for service and returns it.
func Init(service string) *slog.Logger {
	mode := strings.ToLower(os.Getenv("QUEENHIVE_JSON_LOG"))
	var handler slog.Handler
	opts := &slog.HandlerOptions{AddSource: false, Level: levelFromEnv()}
	if mode == "1" || mode == "true" || mode == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler).With("service", service)
	slog.SetDefault(logger)
	logger.Info("logging initialized", "json", mode == "1" || mode == "true" || mode == "json")
	return logger
}

func levelFromEnv() slog.Leveler {
	switch strings.ToLower(os.Getenv("QUEENHIVE_LOG_LEVEL")) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
