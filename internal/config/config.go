package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the carelink server
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Store     StoreConfig     `yaml:"store"`
	Responder ResponderConfig `yaml:"responder"`
	Calls     CallsConfig     `yaml:"calls"`
	Directory DirectoryConfig `yaml:"directory"`
	Log       LogConfig       `yaml:"log"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port        int      `yaml:"port"`
	Environment string   `yaml:"environment"`
	JWTSecret   string   `yaml:"jwt_secret"`
	CORSOrigins []string `yaml:"cors_origins"`
}

// StoreConfig selects and configures the durable appointment store
type StoreConfig struct {
	Backend       string        `yaml:"backend"`
	PostgresURL   string        `yaml:"postgres_url"`
	NotifyChannel string        `yaml:"notify_channel"`
	SQLitePath    string        `yaml:"sqlite_path"`
	RedisAddr     string        `yaml:"redis_addr"`
	RedisPassword string        `yaml:"redis_password"`
	RedisDB       int           `yaml:"redis_db"`
	KeyPrefix     string        `yaml:"key_prefix"`
	RetryAttempts int           `yaml:"retry_attempts"`
	RetryBackoff  time.Duration `yaml:"retry_backoff"`
}

// ResponderConfig holds the simulated counterparty settings
type ResponderConfig struct {
	ReplyDelay             time.Duration `yaml:"reply_delay"`
	CallbackDelay          time.Duration `yaml:"callback_delay"`
	TypingIndicator        bool          `yaml:"typing_indicator"`
	CancelOnAppointmentEnd bool          `yaml:"cancel_on_appointment_change"`
}

// CallsConfig holds call registry limits
type CallsConfig struct {
	MaxSessions int `yaml:"max_sessions"`
}

// DirectoryConfig points at the patient/provider seed file
type DirectoryConfig struct {
	SeedFile string `yaml:"seed_file"`
}

// LogConfig holds logger settings
type LogConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// Store backends
const (
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
)

// Load loads configuration from a YAML file.  Values missing from the file
// keep their environment/default value.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := LoadFromEnv()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromEnv loads configuration from environment variables
func LoadFromEnv() *Config {
	return &Config{
		Server: ServerConfig{
			Port:        getEnvInt("PORT", 8080),
			Environment: getEnv("ENVIRONMENT", "development"),
			JWTSecret:   getEnv("JWT_SECRET", "carelink-dev-secret"),
			CORSOrigins: getEnvList("CORS_ORIGINS", []string{"*"}),
		},
		Store: StoreConfig{
			Backend:       getEnv("STORE_BACKEND", BackendMemory),
			PostgresURL:   getEnv("DATABASE_URL", ""),
			NotifyChannel: getEnv("POSTGRES_NOTIFY_CHANNEL", "ledger_updates"),
			SQLitePath:    getEnv("SQLITE_PATH", "data"),
			RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
			RedisPassword: getEnv("REDIS_PASSWORD", ""),
			RedisDB:       getEnvInt("REDIS_DB", 0),
			KeyPrefix:     getEnv("STORE_KEY_PREFIX", ""),
			RetryAttempts: getEnvInt("STORE_RETRY_ATTEMPTS", 3),
			RetryBackoff:  getEnvDuration("STORE_RETRY_BACKOFF", 50*time.Millisecond),
		},
		Responder: ResponderConfig{
			ReplyDelay:             getEnvDuration("REPLY_DELAY", 2*time.Second),
			CallbackDelay:          getEnvDuration("CALLBACK_DELAY", 3*time.Second),
			TypingIndicator:        getEnvBool("TYPING_INDICATOR", true),
			CancelOnAppointmentEnd: getEnvBool("CANCEL_REPLIES_ON_APPOINTMENT_CHANGE", true),
		},
		Calls: CallsConfig{
			MaxSessions: getEnvInt("MAX_CALL_SESSIONS", 1),
		},
		Directory: DirectoryConfig{
			SeedFile: getEnv("DIRECTORY_SEED", ""),
		},
		Log: LogConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Pretty: getEnvBool("LOG_PRETTY", false),
		},
	}
}

// Validate checks values that would otherwise fail late at runtime
func (c *Config) Validate() error {
	var errs []error
	switch c.Store.Backend {
	case BackendMemory, BackendSQLite, BackendRedis:
	case BackendPostgres:
		if c.Store.PostgresURL == "" {
			errs = append(errs, errors.New("store.postgres_url must be set for the postgres backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store backend %q", c.Store.Backend))
	}
	if c.Calls.MaxSessions < 1 {
		errs = append(errs, errors.New("calls.max_sessions must be at least 1"))
	}
	if c.Responder.ReplyDelay < 0 || c.Responder.CallbackDelay < 0 {
		errs = append(errs, errors.New("responder delays must not be negative"))
	}
	if c.Server.JWTSecret == "" {
		errs = append(errs, errors.New("server.jwt_secret must be set"))
	}
	return errors.Join(errs...)
}

// IsDevelopment reports whether the server runs in development mode
func (c *Config) IsDevelopment() bool {
	return c.Server.Environment == "development"
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
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvList(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		return out
	}
	return defaultValue
}
