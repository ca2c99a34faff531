// Package config provides configuration management for the score agent.
// It loads configuration from environment variables and .env files.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/joho/godotenv"
)

// Storage drivers
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
	DriverMemory   = "memory"
)

// Config holds all application configuration
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Chain    ChainConfig
	Agent    AgentConfig
	Logging  LoggingConfig
}

// ServerConfig holds HTTP API configuration
type ServerConfig struct {
	Port    string
	Host    string
	Enabled bool // run the API inside the agent process
	RPS     int
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Driver     string
	URL        string // DATABASE_URL, overrides the Postgres fields when set
	SQLitePath string
	Postgres   PostgresConfig
	ClickHouse ClickHouseConfig
	Redis      RedisConfig
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

// ClickHouseConfig holds ClickHouse configuration
type ClickHouseConfig struct {
	Enabled  bool
	Host     string
	Port     string
	Database string
	User     string
	Password string
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Enabled        bool
	Host           string
	Port           string
	Password       string
	DB             int
	MaxConnections int
	BreakdownTTL   time.Duration
}

// ChainConfig holds registry write configuration
type ChainConfig struct {
	RPCURL             string
	ChainID            int64
	RegistryAddress    string
	PrivateKey         string
	GasLimitPerAccount uint64
	ConfirmTimeout     time.Duration // zero returns as soon as the node accepts the transaction
	JournalPath        string        // empty keeps the batch journal in memory
	RPCBudgetCU        int           // compute units per second shared by all replicas; zero disables budgeting
	RPCBudgetMaxWait   time.Duration
	RPCCooldown        time.Duration // how long a rate-limited endpoint is skipped
	RPCMethodCosts     map[string]int // per-method CU cost overrides, RPC_CU_COSTS=eth_estimateGas=100,...
}

// AgentConfig holds update-cycle configuration
type AgentConfig struct {
	BatchSize       int
	BadgeThreshold  int64
	Interval        time.Duration
	StalenessWindow time.Duration
	Workers         int
	CycleLockTTL    time.Duration
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string
	Format string
}

// Live reports whether enough credentials are present to submit real transactions.
// Without them the agent degrades to simulated writes.
func (c ChainConfig) Live() bool {
	return c.RPCURL != "" && c.RegistryAddress != "" && c.PrivateKey != ""
}

// NetworkName returns the Base network name for the configured chain ID
func (c ChainConfig) NetworkName() string {
	if c.ChainID == 8453 {
		return "base-mainnet"
	}
	return "base-sepolia"
}

// PostgresURL returns a URL usable by pgx and golang-migrate
func (c DatabaseConfig) PostgresURL() string {
	if c.URL != "" {
		return c.URL
	}
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=disable",
		c.Postgres.User,
		c.Postgres.Password,
		c.Postgres.Host,
		c.Postgres.Port,
		c.Postgres.Database,
	)
}

// LoadConfig loads configuration from .env file and environment variables
func LoadConfig() (*Config, error) {
	// Load .env file (optional in production)
	if err := godotenv.Load(); err != nil {
		// .env file is optional - environment variables can be set directly
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("error loading .env file: %w", err)
		}
	}

	config := &Config{
		Server: ServerConfig{
			Port:    getEnv("SERVER_PORT", "8080"),
			Host:    getEnv("SERVER_HOST", "0.0.0.0"),
			Enabled: getEnvAsBool("SERVER_ENABLED", false),
			RPS:     getEnvAsInt("API_RPS", 20),
		},
		Database: DatabaseConfig{
			Driver:     strings.ToLower(getEnv("DATABASE_DRIVER", DriverPostgres)),
			URL:        getEnv("DATABASE_URL", ""),
			SQLitePath: getEnv("SQLITE_PATH", "score-agent.db"),
			Postgres: PostgresConfig{
				Host:           getEnv("POSTGRES_HOST", "localhost"),
				Port:           getEnv("POSTGRES_PORT", "5432"),
				Database:       getEnv("POSTGRES_DB", "ponder"),
				User:           getEnv("POSTGRES_USER", "ponder"),
				Password:       getEnv("POSTGRES_PASSWORD", ""),
				MaxConnections: getEnvAsInt("POSTGRES_MAX_CONNECTIONS", 10),
			},
			ClickHouse: ClickHouseConfig{
				Enabled:  getEnvAsBool("CLICKHOUSE_ENABLED", false),
				Host:     getEnv("CLICKHOUSE_HOST", "localhost"),
				Port:     getEnv("CLICKHOUSE_PORT", "9000"),
				Database: getEnv("CLICKHOUSE_DB", "score_agent"),
				User:     getEnv("CLICKHOUSE_USER", "default"),
				Password: getEnv("CLICKHOUSE_PASSWORD", ""),
			},
			Redis: RedisConfig{
				Enabled:        getEnvAsBool("REDIS_ENABLED", false),
				Host:           getEnv("REDIS_HOST", "localhost"),
				Port:           getEnv("REDIS_PORT", "6379"),
				Password:       getEnv("REDIS_PASSWORD", ""),
				DB:             getEnvAsInt("REDIS_DB", 0),
				MaxConnections: getEnvAsInt("REDIS_MAX_CONNECTIONS", 10),
				BreakdownTTL:   getEnvAsDuration("BREAKDOWN_CACHE_TTL", 10*time.Minute),
			},
		},
		Chain: ChainConfig{
			RPCURL:             getEnv("RPC_URL", ""),
			ChainID:            getEnvAsInt64("CHAIN_ID", 8453),
			RegistryAddress:    getEnv("REGISTRY_ADDRESS", ""),
			PrivateKey:         getEnv("AGENT_PRIVATE_KEY", ""),
			GasLimitPerAccount: uint64(getEnvAsInt64("GAS_LIMIT_PER_ACCOUNT", 30000)), // #nosec G115 - validated below
			ConfirmTimeout:     getEnvAsDuration("CHAIN_CONFIRM_TIMEOUT", 2*time.Minute),
			JournalPath:        getEnv("JOURNAL_PATH", ""),
			RPCBudgetCU:        getEnvAsInt("RPC_CU_BUDGET", 0),
			RPCBudgetMaxWait:   getEnvAsDuration("RPC_CU_MAX_WAIT", 30*time.Second),
			RPCCooldown:        getEnvAsDuration("RPC_COOLDOWN", 60*time.Second),
			RPCMethodCosts:     getEnvAsCosts("RPC_CU_COSTS"),
		},
		Agent: AgentConfig{
			BatchSize:       getEnvAsInt("BATCH_SIZE", 50),
			BadgeThreshold:  getEnvAsInt64("SCORE_THRESHOLD_FOR_BADGE", 1000),
			Interval:        loadInterval(),
			StalenessWindow: getEnvAsDuration("STALENESS_WINDOW", time.Hour),
			Workers:         getEnvAsInt("SCORE_WORKERS", 1),
			CycleLockTTL:    getEnvAsDuration("CYCLE_LOCK_TTL", 10*time.Minute),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}

	return config, nil
}

// loadInterval prefers AGENT_INTERVAL (a Go duration) and falls back to AGENT_INTERVAL_MINUTES
func loadInterval() time.Duration {
	if v := getEnv("AGENT_INTERVAL", ""); v != "" {
		return getEnvAsDuration("AGENT_INTERVAL", time.Hour)
	}
	return time.Duration(getEnvAsInt("AGENT_INTERVAL_MINUTES", 60)) * time.Minute
}

// Validate rejects configurations the agent cannot start with
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case DriverPostgres, DriverSQLite, DriverMemory:
	default:
		return fmt.Errorf("unsupported DATABASE_DRIVER %q", c.Database.Driver)
	}

	if c.Agent.BatchSize <= 0 {
		return fmt.Errorf("BATCH_SIZE must be positive, got %d", c.Agent.BatchSize)
	}
	if c.Agent.Workers <= 0 {
		return fmt.Errorf("SCORE_WORKERS must be positive, got %d", c.Agent.Workers)
	}
	if c.Agent.Interval <= 0 {
		return fmt.Errorf("agent interval must be positive, got %v", c.Agent.Interval)
	}
	if c.Agent.StalenessWindow <= 0 {
		return fmt.Errorf("STALENESS_WINDOW must be positive, got %v", c.Agent.StalenessWindow)
	}

	if c.Chain.RegistryAddress != "" && !common.IsHexAddress(c.Chain.RegistryAddress) {
		return fmt.Errorf("REGISTRY_ADDRESS is not a valid address: %s", c.Chain.RegistryAddress)
	}
	if c.Chain.PrivateKey != "" {
		if _, err := crypto.HexToECDSA(strings.TrimPrefix(c.Chain.PrivateKey, "0x")); err != nil {
			return fmt.Errorf("AGENT_PRIVATE_KEY is not a valid secp256k1 key: %w", err)
		}
	}
	if c.Chain.RPCBudgetCU < 0 {
		return fmt.Errorf("RPC_CU_BUDGET cannot be negative, got %d", c.Chain.RPCBudgetCU)
	}
	if c.Chain.RPCBudgetCU > 0 && !c.Database.Redis.Enabled {
		return fmt.Errorf("RPC_CU_BUDGET requires REDIS_ENABLED")
	}
	if c.Chain.ChainID <= 0 {
		return fmt.Errorf("CHAIN_ID must be positive, got %d", c.Chain.ChainID)
	}

	return nil
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

// getEnvAsInt64 gets an environment variable as an int64 with a default value
func getEnvAsInt64(key string, defaultValue int64) int64 {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseInt(valueStr, 10, 64)
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

// getEnvAsCosts parses "method=cost" pairs separated by commas. Malformed or
// non-positive entries are skipped.
func getEnvAsCosts(key string) map[string]int {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return nil
	}

	costs := make(map[string]int)
	for _, pair := range strings.Split(valueStr, ",") {
		method, costStr, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok {
			continue
		}
		cost, err := strconv.Atoi(strings.TrimSpace(costStr))
		if err != nil || cost <= 0 {
			continue
		}
		costs[strings.TrimSpace(method)] = cost
	}
	return costs
}
