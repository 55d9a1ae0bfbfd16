// Package config reads runtime settings from the environment, with an
// optional .env file for development.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds the tool-wide settings.
type Config struct {
	LogLevel    string
	WaitTimeout time.Duration
	ReadCap     int
}

// Load reads .env if present, then the environment, falling back to
// defaults.
func Load() *Config {
	// A missing .env just means plain environment variables.
	godotenv.Load()

	return &Config{
		LogLevel:    getEnv("DIOPROC_LOG_LEVEL", "info"),
		WaitTimeout: time.Duration(getInt("DIOPROC_WAIT_TIMEOUT_MS", 10000)) * time.Millisecond,
		ReadCap:     getInt("DIOPROC_READ_CAP", 1024*1024),
	}
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getInt(key string, fallback int) int {
	v, err := strconv.Atoi(os.Getenv(key))
	if err != nil || v < 1 {
		return fallback
	}
	return v
}
