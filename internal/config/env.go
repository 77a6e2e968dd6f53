package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/agentworkforce/tasksync/internal/logging"
)

// fromEnv parses the named variable, keeping fallback when it is unset or
// does not parse.
func fromEnv[T any](name string, fallback T, parse func(string) (T, error)) T {
	raw, ok := os.LookupEnv(name)
	raw = strings.TrimSpace(raw)
	if !ok || raw == "" {
		return fallback
	}
	value, err := parse(raw)
	if err != nil {
		logging.Default().Warn("ignoring malformed environment value",
			"name", name, "value", raw, "fallback", fallback, "error", err)
		return fallback
	}
	return value
}

func stringEnv(name, fallback string) string {
	return fromEnv(name, fallback, func(raw string) (string, error) { return raw, nil })
}

func intEnv(name string, fallback int) int {
	return fromEnv(name, fallback, strconv.Atoi)
}

func int64Env(name string, fallback int64) int64 {
	return fromEnv(name, fallback, func(raw string) (int64, error) {
		return strconv.ParseInt(raw, 10, 64)
	})
}

func floatEnv(name string, fallback float64) float64 {
	return fromEnv(name, fallback, func(raw string) (float64, error) {
		return strconv.ParseFloat(raw, 64)
	})
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	return fromEnv(name, fallback, time.ParseDuration)
}
