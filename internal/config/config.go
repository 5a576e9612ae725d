// Package config provides configuration management for the claim settlement
// pipeline. It loads configuration from environment variables and .env files.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	Database  DatabaseConfig
	Pipeline  PipelineConfig
	EVM       EVMConfig
	Solana    SolanaConfig
	Lightning LightningConfig
	Ops       OpsConfig
	Logging   LoggingConfig
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Postgres   PostgresConfig
	Redis      RedisConfig
	ClickHouse ClickHouseConfig
}

// PostgresConfig holds Postgres configuration
type PostgresConfig struct {
	Host           string
	Port           string
	Database       string
	User           string
	Password       string
	MaxConnections int
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host           string
	Port           string
	Password       string
	DB             int
	MaxConnections int
}

// ClickHouseConfig holds ClickHouse configuration for the audit event sink
type ClickHouseConfig struct {
	Host     string
	Port     string
	Database string
	User     string
	Password string
	Enabled  bool
}

// PipelineConfig holds scheduling and reconciliation tuning
type PipelineConfig struct {
	TickInterval           time.Duration // cadence of scheduler/reconciler ticks
	MaxPendingAge          time.Duration // batches/claims older than this are rejected
	LockTTL                time.Duration // distributed lock expiry
	FundingRefreshInterval time.Duration // cadence of dispenser funding checks
}

// EVMConfig holds EVM settlement configuration
type EVMConfig struct {
	RPCURL            string
	PrivateKeyHex     string
	RequestsPerSecond float64 // RPC pacing budget
	GasLimit          uint64
}

// SolanaConfig holds Solana settlement configuration
type SolanaConfig struct {
	RPCURL     string
	PrivateKey string // base58-encoded signer key
	ProgramID  string // lock program the PDA is derived from
}

// LightningConfig holds the custodial Lightning node configuration
type LightningConfig struct {
	Host           string
	TLSCertPath    string
	MacaroonPath   string
	PaymentTimeout time.Duration
	FeeLimitSat    int64
}

// OpsConfig holds the health/status listener configuration
type OpsConfig struct {
	Host string
	Port string
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string
	Format string
}

// LoadConfig loads configuration from .env file and environment variables
func LoadConfig() (*Config, error) {
	// Load .env file (optional in production)
	if err := godotenv.Load(); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("error loading .env file: %w", err)
		}
	}

	config := &Config{
		Database: DatabaseConfig{
			Postgres: PostgresConfig{
				Host:           getEnv("POSTGRES_HOST", "localhost"),
				Port:           getEnv("POSTGRES_PORT", "5432"),
				Database:       getEnv("POSTGRES_DB", "claim_pipeline"),
				User:           getEnv("POSTGRES_USER", "pipeline"),
				Password:       getEnv("POSTGRES_PASSWORD", ""),
				MaxConnections: getEnvAsInt("POSTGRES_MAX_CONNECTIONS", 50),
			},
			Redis: RedisConfig{
				Host:           getEnv("REDIS_HOST", "localhost"),
				Port:           getEnv("REDIS_PORT", "6379"),
				Password:       getEnv("REDIS_PASSWORD", ""),
				DB:             getEnvAsInt("REDIS_DB", 0),
				MaxConnections: getEnvAsInt("REDIS_MAX_CONNECTIONS", 20),
			},
			ClickHouse: ClickHouseConfig{
				Host:     getEnv("CLICKHOUSE_HOST", "localhost"),
				Port:     getEnv("CLICKHOUSE_PORT", "9000"),
				Database: getEnv("CLICKHOUSE_DB", "claim_pipeline"),
				User:     getEnv("CLICKHOUSE_USER", "default"),
				Password: getEnv("CLICKHOUSE_PASSWORD", ""),
				Enabled:  getEnvAsBool("CLICKHOUSE_ENABLED", false),
			},
		},
		Pipeline: PipelineConfig{
			TickInterval:           getEnvAsDuration("PIPELINE_TICK_INTERVAL", 30*time.Second),
			MaxPendingAge:          getEnvAsDuration("PIPELINE_MAX_PENDING_AGE", 5*time.Minute),
			LockTTL:                getEnvAsDuration("PIPELINE_LOCK_TTL", 25*time.Second),
			FundingRefreshInterval: getEnvAsDuration("PIPELINE_FUNDING_REFRESH_INTERVAL", 10*time.Minute),
		},
		EVM: EVMConfig{
			RPCURL:            getEnv("EVM_RPC_URL", ""),
			PrivateKeyHex:     getEnv("EVM_PRIVATE_KEY", ""),
			RequestsPerSecond: getEnvAsFloat("EVM_RPC_RPS", 5),
			GasLimit:          uint64(getEnvAsInt("EVM_GAS_LIMIT", 800000)), // #nosec G115 - bounded config value
		},
		Solana: SolanaConfig{
			RPCURL:     getEnv("SOLANA_RPC_URL", ""),
			PrivateKey: getEnv("SOLANA_PRIVATE_KEY", ""),
			ProgramID:  getEnv("SOLANA_PROGRAM_ID", ""),
		},
		Lightning: LightningConfig{
			Host:           getEnv("LND_HOST", "localhost:10009"),
			TLSCertPath:    getEnv("LND_TLS_CERT_PATH", ""),
			MacaroonPath:   getEnv("LND_MACAROON_PATH", ""),
			PaymentTimeout: getEnvAsDuration("LND_PAYMENT_TIMEOUT", 60*time.Second),
			FeeLimitSat:    int64(getEnvAsInt("LND_FEE_LIMIT_SAT", 100)),
		},
		Ops: OpsConfig{
			Host: getEnv("OPS_HOST", "0.0.0.0"),
			Port: getEnv("OPS_PORT", "8081"),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// Validate checks invariants the rest of the pipeline relies on.
func (c *Config) Validate() error {
	if c.Pipeline.TickInterval <= 0 {
		return fmt.Errorf("pipeline tick interval must be positive")
	}
	if c.Pipeline.MaxPendingAge <= 0 {
		return fmt.Errorf("pipeline max pending age must be positive")
	}
	if c.Pipeline.LockTTL <= 0 {
		return fmt.Errorf("pipeline lock ttl must be positive")
	}
	if c.Database.Postgres.MaxConnections <= 0 {
		return fmt.Errorf("postgres max connections must be positive")
	}
	return nil
}

// PostgresURL returns the connection URL used by migrations.
func (c *PostgresConfig) PostgresURL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		c.User, c.Password, c.Host, c.Port, c.Database)
}

// getEnv gets an environment variable with a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt gets an environment variable as an integer with a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsFloat gets an environment variable as a float with a default value
func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsBool gets an environment variable as a bool with a default value
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsDuration gets an environment variable as a duration with a default value
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
