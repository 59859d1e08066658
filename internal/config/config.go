// Package config loads dataforge configuration from the environment.
package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Store backends.
const (
	StoreSurreal = "surreal"
	StoreMemory  = "memory"
)

// Config holds all configuration values.
type Config struct {
	// SurrealDB connection
	SurrealDBURL       string
	SurrealDBNamespace string
	SurrealDBDatabase  string
	SurrealDBUser      string
	SurrealDBPass      string
	SurrealDBAuthLevel string

	// Store selects the persistence backend: "surreal" or "memory".
	Store string

	// Filesystem
	DataDir        string
	ProcessorsFile string

	// Logging
	LogFile  string
	LogLevel slog.Level

	// Workers
	Workers      int
	PollInterval time.Duration
	MaxAttempts  int

	// Proxy delegator
	ProxyBatchSize int
	ProxyWorkers   int
	ProxyCooloff   time.Duration
	ProxyTimeout   time.Duration
}

// Load reads configuration from environment variables.
func Load() Config {
	return Config{
		SurrealDBURL:       getEnv("SURREALDB_URL", "ws://localhost:8000/rpc"),
		SurrealDBNamespace: getEnv("SURREALDB_NAMESPACE", "dataforge"),
		SurrealDBDatabase:  getEnv("SURREALDB_DATABASE", "pipeline"),
		SurrealDBUser:      getEnv("SURREALDB_USER", "root"),
		SurrealDBPass:      getEnv("SURREALDB_PASS", "root"),
		SurrealDBAuthLevel: getEnv("SURREALDB_AUTH_LEVEL", "root"),

		Store: getEnv("DATAFORGE_STORE", StoreSurreal),

		DataDir:        getEnv("DATAFORGE_DATA_DIR", filepath.Join(os.TempDir(), "dataforge")),
		ProcessorsFile: getEnv("DATAFORGE_PROCESSORS", ""),

		LogFile:  getEnv("DATAFORGE_LOG_FILE", ""),
		LogLevel: parseLogLevel(getEnv("DATAFORGE_LOG_LEVEL", "INFO")),

		Workers:      getEnvInt("DATAFORGE_WORKERS", 4),
		PollInterval: getEnvDuration("DATAFORGE_POLL_INTERVAL", time.Second),
		MaxAttempts:  getEnvInt("DATAFORGE_MAX_ATTEMPTS", 3),

		ProxyBatchSize: getEnvInt("DATAFORGE_PROXY_BATCH", 10),
		ProxyWorkers:   getEnvInt("DATAFORGE_PROXY_WORKERS", 8),
		ProxyCooloff:   getEnvDuration("DATAFORGE_PROXY_COOLOFF", 250*time.Millisecond),
		ProxyTimeout:   getEnvDuration("DATAFORGE_PROXY_TIMEOUT", 30*time.Second),
	}
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		slog.Warn("invalid integer in environment, using default", "key", key, "value", val)
		return defaultVal
	}
	return n
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		slog.Warn("invalid duration in environment, using default", "key", key, "value", val)
		return defaultVal
	}
	return d
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
