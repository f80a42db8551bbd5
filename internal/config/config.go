// Package config reads server settings from the environment.
package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	// ListenAddr is the HTTP listen address for the ws endpoint.
	ListenAddr string
	// DatabaseURL is the Postgres connection string. Empty switches the
	// server to dev mode: in-memory store and an allow-all oracle.
	DatabaseURL string
	// RedisAddr is the audit stream backend. Empty disables auditing.
	RedisAddr string
	// Debounce is how long a document waits after the first pending
	// operation before reconciling.
	Debounce time.Duration
	// LogLevel is a zerolog level name.
	LogLevel string
}

func FromEnv() Config {
	return Config{
		ListenAddr:  getenv("LISTEN_ADDR", ":8081"),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		RedisAddr:   os.Getenv("REDIS_ADDR"),
		Debounce:    time.Duration(getenvInt("DEBOUNCE_MS", 500)) * time.Millisecond,
		LogLevel:    getenv("LOG_LEVEL", "info"),
	}
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getenvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
