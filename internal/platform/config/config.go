// Package config provides environment-variable configuration loading for
// the master-data platform, adapted from the teacher's internal/config
// loader: an MDM_ENV-selected .env file loaded via godotenv before the
// process environment is read, then the same os.Getenv-with-default
// helpers the teacher uses throughout its service configs.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Environment names the deployment environment, selected by MDM_ENV.
type Environment string

const (
	Development Environment = "development"
	Testing     Environment = "testing"
	Production  Environment = "production"
)

// LoadEnvFile loads config/<MDM_ENV>.env into the process environment
// via godotenv, the way the teacher's loader loads config/<env>.env
// before reading any DB_*/JWT_*/PORT variables. The file is optional:
// a missing file is silently ignored, but a malformed one is logged so
// a typo doesn't fail silently in production.
func LoadEnvFile() Environment {
	env := Environment(strings.ToLower(GetEnv("MDM_ENV", string(Development))))

	configFile := filepath.Join("config", fmt.Sprintf("%s.env", env))
	if err := godotenv.Load(configFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "config: could not load %s: %v\n", configFile, err)
	}
	return env
}

// GetEnv returns the trimmed value of key, or defaultValue if unset/blank.
func GetEnv(key, defaultValue string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return defaultValue
}

// GetEnvInt parses an integer environment variable, falling back to
// defaultValue when unset or invalid.
func GetEnvInt(key string, defaultValue int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return defaultValue
	}
	parsed, err := strconv.Atoi(v)
	if err != nil {
		return defaultValue
	}
	return parsed
}

// GetEnvBool parses a boolean environment variable. Accepts true/1/yes/y
// case-insensitively as true.
func GetEnvBool(key string, defaultValue bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return defaultValue
	}
	switch strings.ToLower(v) {
	case "true", "1", "yes", "y":
		return true
	case "false", "0", "no", "n":
		return false
	default:
		return defaultValue
	}
}

// GetEnvDuration parses a duration environment variable (e.g. "30s"),
// falling back to defaultValue when unset or invalid.
func GetEnvDuration(key string, defaultValue time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return defaultValue
	}
	parsed, err := time.ParseDuration(v)
	if err != nil {
		return defaultValue
	}
	return parsed
}

// DatabaseConfig holds the recognized DB_* environment variables (spec.md §6).
type DatabaseConfig struct {
	Host            string
	Port            int
	Name            string
	User            string
	Password        string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// DatabaseConfigFromEnv loads DatabaseConfig from the environment.
func DatabaseConfigFromEnv() DatabaseConfig {
	return DatabaseConfig{
		Host:            GetEnv("DB_HOST", "localhost"),
		Port:            GetEnvInt("DB_PORT", 5432),
		Name:            GetEnv("DB_NAME", "mdmplatform"),
		User:            GetEnv("DB_USER", "postgres"),
		Password:        GetEnv("DB_PASSWORD", ""),
		MaxOpenConns:    GetEnvInt("DB_MAX_OPEN_CONNS", 25),
		MaxIdleConns:    GetEnvInt("DB_MAX_IDLE_CONNS", 5),
		ConnMaxLifetime: time.Duration(GetEnvInt("DB_CONN_MAX_LIFETIME_SECONDS", 300)) * time.Second,
	}
}

// DSN renders a libpq connection string from the config.
func (c DatabaseConfig) DSN() string {
	sslmode := GetEnv("DB_SSLMODE", "disable")
	return fmt.Sprintf("host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		c.Host, c.Port, c.Name, c.User, c.Password, sslmode)
}

// ServerConfig holds HTTP surface configuration.
type ServerConfig struct {
	Port           string
	JWTSecret      string
	RequestTimeout time.Duration
}

// ServerConfigFromEnv loads ServerConfig from the environment.
func ServerConfigFromEnv() ServerConfig {
	return ServerConfig{
		Port:           GetEnv("PORT", "8080"),
		JWTSecret:      GetEnv("JWT_SECRET", ""),
		RequestTimeout: time.Duration(GetEnvInt("REQUEST_TIMEOUT_SECONDS", 30)) * time.Second,
	}
}

// ProjectionConfig holds projection-engine tuning knobs.
type ProjectionConfig struct {
	RebuildBatchSize int
}

// ProjectionConfigFromEnv loads ProjectionConfig from the environment.
func ProjectionConfigFromEnv() ProjectionConfig {
	return ProjectionConfig{
		RebuildBatchSize: GetEnvInt("PROJECTION_REBUILD_BATCH_SIZE", 500),
	}
}
