package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	KurrentDB KurrentDBConfig
	Auth      AuthConfig
	Legacy    LegacyConfig
}

type ServerConfig struct {
	Port int
	Env  string
}

type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
}

func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.Database, d.SSLMode,
	)
}

// KurrentDBConfig holds configuration for KurrentDB (EventStoreDB), which
// stores the append-only change history stream.
type KurrentDBConfig struct {
	// Host is the KurrentDB server hostname
	Host string
	// Port is the gRPC port (default 2113)
	Port int
	// Insecure disables TLS (for development)
	Insecure bool
	// Username for authentication (optional)
	Username string
	// Password for authentication (optional)
	Password string
}

type AuthConfig struct {
	JWTSecret string
	Enabled   bool
}

// LegacyConfig holds connection and polling settings for the legacy HIS
// feed consumed by the reconciliation batch.
type LegacyConfig struct {
	Enabled  bool
	Host     string
	Port     int
	Database string
	User     string
	Password string
	SSLMode  string

	// PatientTable is the legacy table holding patient status rows
	PatientTable string
	// BatchSize is the page size for feed fetches
	BatchSize int
	// PollInterval between reconciliation batch runs
	PollInterval time.Duration
	// FetchRateLimit caps feed page fetches per second
	FetchRateLimit int
}

func Load() (*Config, error) {
	return &Config{
		Server: ServerConfig{
			Port: getEnvInt("SERVER_PORT", 8080),
			Env:  getEnv("ENV", "development"),
		},
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnvInt("DB_PORT", 5432),
			User:     getEnv("DB_USER", "eqmd"),
			Password: getEnv("DB_PASSWORD", "eqmd"),
			Database: getEnv("DB_NAME", "eqmd"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		KurrentDB: KurrentDBConfig{
			Host:     getEnv("KURRENTDB_HOST", "localhost"),
			Port:     getEnvInt("KURRENTDB_PORT", 2113),
			Insecure: getEnvBool("KURRENTDB_INSECURE", true),
			Username: getEnv("KURRENTDB_USERNAME", ""),
			Password: getEnv("KURRENTDB_PASSWORD", ""),
		},
		Auth: AuthConfig{
			JWTSecret: getEnv("JWT_SECRET", "dev-secret-change-in-prod"),
			Enabled:   getEnvBool("AUTH_ENABLED", false),
		},
		Legacy: LegacyConfig{
			Enabled:        getEnvBool("LEGACY_FEED_ENABLED", false),
			Host:           getEnv("LEGACY_DB_HOST", "localhost"),
			Port:           getEnvInt("LEGACY_DB_PORT", 1433),
			Database:       getEnv("LEGACY_DB_NAME", "his"),
			User:           getEnv("LEGACY_DB_USER", "sa"),
			Password:       getEnv("LEGACY_DB_PASSWORD", ""),
			SSLMode:        getEnv("LEGACY_DB_SSLMODE", "disable"),
			PatientTable:   getEnv("LEGACY_PATIENT_TABLE", "dbo.Patients"),
			BatchSize:      getEnvInt("LEGACY_BATCH_SIZE", 100),
			PollInterval:   getEnvDuration("LEGACY_POLL_INTERVAL", 15*time.Minute),
			FetchRateLimit: getEnvInt("LEGACY_FETCH_RATE_LIMIT", 5),
		},
	}, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(strings.TrimSpace(value)); err == nil {
			return d
		}
	}
	return defaultValue
}
