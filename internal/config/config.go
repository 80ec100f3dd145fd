package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	Addr          string
	DatabaseURL   string
	RedisURL      string
	RelayToken    string
	CORSOrigin    string
	MigrationsDir string
	// Endpoint is what clients of this deployment should dial; surfaced for
	// tooling, not used by the relay itself.
	Endpoint        string
	ShutdownTimeout time.Duration
}

func Load() Config {
	return Config{
		Addr: getenv("RELAY_ADDR", ":1234"),
		// Empty means memory-only: no op log, no durable init claims.
		DatabaseURL: getenv("DATABASE_URL", ""),
		// Empty means single-node: no cross-relay fan-out.
		RedisURL:        getenv("REDIS_URL", ""),
		RelayToken:      getenv("COLLABPAD_RELAY_TOKEN", ""),
		CORSOrigin:      getenv("COLLABPAD_CORS_ORIGIN", "*"),
		MigrationsDir:   getenv("COLLABPAD_MIGRATIONS_DIR", "./db/migrations"),
		Endpoint:        getenv("COLLABPAD_ENDPOINT", "ws://localhost:1234"),
		ShutdownTimeout: time.Duration(getenvInt("COLLABPAD_SHUTDOWN_TIMEOUT_SECONDS", 10)) * time.Second,
	}
}

func getenv(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getenvInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}
