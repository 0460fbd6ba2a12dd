package config

import (
	"fmt"
	"regexp"
	"time"

	"github.com/spf13/viper"
)

// Output sinks for an import batch.
const (
	OutputPostgres = "postgres"
	OutputNDJSON   = "ndjson"
	OutputMemory   = "memory"
)

// Terminology backends.
const (
	TerminologyDatabase = "database"
	TerminologyHTTP     = "http"
	TerminologyMemory   = "memory"
)

var schemaPattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

type Config struct {
	Env                string        `mapstructure:"ENV"`
	LogLevel           string        `mapstructure:"LOG_LEVEL"`
	Port               string        `mapstructure:"PORT"`
	DatabaseURL        string        `mapstructure:"DATABASE_URL"`
	DBMaxConns         int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns         int32         `mapstructure:"DB_MIN_CONNS"`
	TargetSchema       string        `mapstructure:"TARGET_SCHEMA"`
	MigrationsDir      string        `mapstructure:"MIGRATIONS_DIR"`
	Output             string        `mapstructure:"OUTPUT"`
	OutputDir          string        `mapstructure:"OUTPUT_DIR"`
	PCRDir             string        `mapstructure:"PCR_DIR"`
	WorkerCount        int           `mapstructure:"WORKER_COUNT"`
	Terminology        string        `mapstructure:"TERMINOLOGY"`
	TerminologyURL     string        `mapstructure:"TERMINOLOGY_URL"`
	TerminologyTimeout time.Duration `mapstructure:"TERMINOLOGY_TIMEOUT"`
	TerminologyRetries int           `mapstructure:"TERMINOLOGY_RETRIES"`
}

var keys = []string{
	"ENV", "LOG_LEVEL", "PORT",
	"DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "TARGET_SCHEMA", "MIGRATIONS_DIR",
	"OUTPUT", "OUTPUT_DIR", "PCR_DIR", "WORKER_COUNT",
	"TERMINOLOGY", "TERMINOLOGY_URL", "TERMINOLOGY_TIMEOUT", "TERMINOLOGY_RETRIES",
}

// Load reads configuration from the environment, falling back to a .env file
// in the working directory when present.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("PORT", "8080")
	v.SetDefault("DB_MAX_CONNS", 10)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("TARGET_SCHEMA", "ingest")
	v.SetDefault("MIGRATIONS_DIR", "./migrations")
	v.SetDefault("OUTPUT", OutputNDJSON)
	v.SetDefault("OUTPUT_DIR", "./out")
	v.SetDefault("WORKER_COUNT", 8)
	v.SetDefault("TERMINOLOGY", TerminologyMemory)
	v.SetDefault("TERMINOLOGY_TIMEOUT", "10s")
	v.SetDefault("TERMINOLOGY_RETRIES", 3)

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// NeedsDatabase reports whether the selected output or terminology backend
// talks to postgres.
func (c *Config) NeedsDatabase() bool {
	return c.Output == OutputPostgres || c.Terminology == TerminologyDatabase
}

// Validate checks cross-field requirements before a command runs.
func (c *Config) Validate() error {
	switch c.Output {
	case OutputPostgres, OutputNDJSON, OutputMemory:
	default:
		return fmt.Errorf("OUTPUT must be %q, %q or %q, got %q", OutputPostgres, OutputNDJSON, OutputMemory, c.Output)
	}
	switch c.Terminology {
	case TerminologyDatabase, TerminologyHTTP, TerminologyMemory:
	default:
		return fmt.Errorf("TERMINOLOGY must be %q, %q or %q, got %q", TerminologyDatabase, TerminologyHTTP, TerminologyMemory, c.Terminology)
	}
	if c.NeedsDatabase() && c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required when OUTPUT=%s and TERMINOLOGY=%s", c.Output, c.Terminology)
	}
	if c.Terminology == TerminologyHTTP && c.TerminologyURL == "" {
		return fmt.Errorf("TERMINOLOGY_URL is required when TERMINOLOGY=http")
	}
	if c.Output == OutputNDJSON && c.OutputDir == "" {
		return fmt.Errorf("OUTPUT_DIR is required when OUTPUT=ndjson")
	}
	if !schemaPattern.MatchString(c.TargetSchema) {
		return fmt.Errorf("TARGET_SCHEMA %q is not a valid schema name", c.TargetSchema)
	}
	if c.WorkerCount < 1 {
		return fmt.Errorf("WORKER_COUNT must be at least 1, got %d", c.WorkerCount)
	}
	if c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS (%d) exceeds DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}
	return nil
}
