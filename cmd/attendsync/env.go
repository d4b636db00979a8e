package main

import (
	"log/slog"
	"os"
	"strings"
	"time"
)

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		slog.Warn("invalid duration env, using fallback", "name", name, "value", raw, "fallback", fallback.String(), "error", err)
		return fallback
	}
	return value
}
