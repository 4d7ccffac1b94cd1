package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
)

const (
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendMongo    = "mongo"
	BackendRedis    = "redis"
)

var ErrUnknownBackend = errors.New("unknown store backend")

// service config, loaded from the environment
type Config struct {
	Port        string
	FrontendURL string
	JWTSecret   string

	StoreBackend    string
	SQLitePath      string
	DatabaseURL     string
	MongoURI        string
	MongoDB         string
	MongoCollection string
	RedisAddr       string

	MessagesPerSecond float64
	MessageBurst      int

	PersistTimeout  time.Duration
	ShutdownTimeout time.Duration

	// cron schedule for the presence summary log; empty disables it
	StatsSchedule string
}

// loads configuration from environment variables
func LoadConfig() (*Config, error) {
	config := &Config{
		Port:        getEnvOrDefault("PORT", "8080"),
		FrontendURL: getEnvOrDefault("FRONTEND_URL", "http://localhost:5173"),
		JWTSecret:   getEnvOrDefault("JWT_SECRET", "your-secret-key"),

		StoreBackend:    getEnvOrDefault("STORE_BACKEND", BackendSQLite),
		SQLitePath:      getEnvOrDefault("SQLITE_PATH", "./data/codecanvas.db"),
		DatabaseURL:     os.Getenv("DATABASE_URL"),
		MongoURI:        os.Getenv("MONGO_URI"),
		MongoDB:         getEnvOrDefault("MONGO_DB", "codecanvas"),
		MongoCollection: getEnvOrDefault("MONGO_COLLECTION", "rooms"),
		RedisAddr:       getEnvOrDefault("REDIS_ADDR", "localhost:6379"),

		StatsSchedule: getEnvOrDefault("STATS_SCHEDULE", "@every 1m"),
	}
	if config.StatsSchedule == "off" {
		config.StatsSchedule = ""
	}

	var err error
	if config.MessagesPerSecond, err = strconv.ParseFloat(getEnvOrDefault("WS_MESSAGES_PER_SECOND", "50"), 64); err != nil {
		return nil, fmt.Errorf("WS_MESSAGES_PER_SECOND: %w", err)
	}
	if config.MessageBurst, err = strconv.Atoi(getEnvOrDefault("WS_MESSAGE_BURST", "100")); err != nil {
		return nil, fmt.Errorf("WS_MESSAGE_BURST: %w", err)
	}
	if config.PersistTimeout, err = time.ParseDuration(getEnvOrDefault("PERSIST_TIMEOUT", "5s")); err != nil {
		return nil, fmt.Errorf("PERSIST_TIMEOUT: %w", err)
	}
	if config.ShutdownTimeout, err = time.ParseDuration(getEnvOrDefault("SHUTDOWN_TIMEOUT", "15s")); err != nil {
		return nil, fmt.Errorf("SHUTDOWN_TIMEOUT: %w", err)
	}

	if err := validateConfig(config); err != nil {
		return nil, err
	}
	return config, nil
}

func validateConfig(config *Config) error {
	switch config.StoreBackend {
	case BackendSQLite:
		if config.SQLitePath == "" {
			return errors.New("SQLITE_PATH is empty")
		}
	case BackendPostgres:
		if config.DatabaseURL == "" {
			return errors.New("DATABASE_URL is required for the postgres backend")
		}
	case BackendMongo:
		if config.MongoURI == "" {
			return errors.New("MONGO_URI is required for the mongo backend")
		}
	case BackendRedis:
		if config.RedisAddr == "" {
			return errors.New("REDIS_ADDR is empty")
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownBackend, config.StoreBackend)
	}
	if config.MessagesPerSecond <= 0 || config.MessageBurst <= 0 {
		return errors.New("websocket rate limits must be positive")
	}
	if config.PersistTimeout <= 0 {
		return errors.New("PERSIST_TIMEOUT must be positive")
	}
	return nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
