// Package config loads service configuration. Precedence: environment
// variables beat file values beat defaults. A .env file in the working
// directory is folded into the environment first (dev convenience; missing
// file is fine).
package config

import (
	"log"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Version is reported by every health endpoint.
const Version = "0.1.0"

// ParseLevel maps a LogLevel string to a slog level. Unknown values fall
// back to info.
func ParseLevel(s string) slog.Level {
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

// LoadDotEnv folds a .env file into the process environment without
// overriding variables that are already set.
func LoadDotEnv() {
	if err := godotenv.Load(); err == nil {
		log.Printf("[config] loaded .env")
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Printf("[config] %s=%q is not an integer, using %d", key, v, fallback)
		return fallback
	}
	return n
}

func envFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		log.Printf("[config] %s=%q is not a number, using %g", key, v, fallback)
		return fallback
	}
	return f
}

func envBool(key string, fallback bool) bool {
	v := strings.ToLower(os.Getenv(key))
	if v == "" {
		return fallback
	}
	switch v {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		log.Printf("[config] %s=%q is not a boolean, using %t", key, v, fallback)
		return fallback
	}
}

// envDuration accepts either a Go duration ("1.5s") or a bare number of
// seconds ("1.5"), matching how the deployment files write intervals.
func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if secs, err := strconv.ParseFloat(v, 64); err == nil {
		return time.Duration(secs * float64(time.Second))
	}
	log.Printf("[config] %s=%q is not a duration, using %s", key, v, fallback)
	return fallback
}

// resolveSecret substitutes a docker-secret password into a URL containing
// the __DB_PASSWORD__ placeholder. Returns the URL unchanged when no
// placeholder or secret file is configured.
func resolveSecret(url, secretPath string) string {
	if secretPath == "" || !strings.Contains(url, "__DB_PASSWORD__") {
		return url
	}
	data, err := os.ReadFile(secretPath)
	if err != nil {
		log.Printf("[config] cannot read secret file %s: %v", secretPath, err)
		return url
	}
	return strings.ReplaceAll(url, "__DB_PASSWORD__", strings.TrimSpace(string(data)))
}
