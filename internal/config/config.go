package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment variable; the bare names are read
// as a fallback
const EnvPrefix = "gatekeeper"

type ctxKey string

const configContextKey ctxKey = "gatekeeper.config"

// WithContext stores cfg on ctx for subcommands
func WithContext(ctx context.Context, cfg *Config) context.Context {
	return context.WithValue(ctx, configContextKey, cfg)
}

// FromContext returns the Config stored by WithContext, or nil
func FromContext(ctx context.Context) *Config {
	cfg, ok := ctx.Value(configContextKey).(*Config)
	if !ok {
		return nil
	}
	return cfg
}

// Config is the runtime configuration of gatekeeper
type Config struct {
	// Storage
	DatabaseDriver string `yaml:"databaseDriver" envconfig:"DATABASE_DRIVER"`
	DatabaseURL    string `yaml:"databaseUrl"    envconfig:"DATABASE_URL"`
	SQLitePath     string `yaml:"sqlitePath"     envconfig:"SQLITE_PATH"`

	// Refresh
	BatchSize                   int `yaml:"batchSize"                   envconfig:"BATCH_SIZE"`
	MembershipRefreshTTLSeconds int `yaml:"membershipRefreshTtlSeconds" envconfig:"MEMBERSHIP_REFRESH_TTL_SECONDS"`
	FetchConcurrency            int `yaml:"fetchConcurrency"            envconfig:"FETCH_CONCURRENCY"`
	ScheduleIntervalSeconds     int `yaml:"scheduleIntervalSeconds"     envconfig:"SCHEDULE_INTERVAL_SECONDS"`

	// Balances
	BalanceCacheDir        string            `yaml:"balanceCacheDir"        envconfig:"BALANCE_CACHE_DIR"`
	BalanceCacheTTLSeconds int               `yaml:"balanceCacheTtlSeconds" envconfig:"BALANCE_CACHE_TTL_SECONDS"`
	RPCTimeoutSeconds      int               `yaml:"rpcTimeoutSeconds"      envconfig:"RPC_TIMEOUT_SECONDS"`
	EVMRPCURLs             map[string]string `yaml:"evmRpcUrls"             envconfig:"EVM_RPC_URLS"`
	SolanaRPCURLs          map[string]string `yaml:"solanaRpcUrls"          envconfig:"SOLANA_RPC_URLS"`
	SuiRPCURLs             map[string]string `yaml:"suiRpcUrls"             envconfig:"SUI_RPC_URLS"`
	CosmosLCDURLs          map[string]string `yaml:"cosmosLcdUrls"          envconfig:"COSMOS_LCD_URLS"`
	CosmosNativeDenoms     map[string]string `yaml:"cosmosNativeDenoms"     envconfig:"COSMOS_NATIVE_DENOMS"`
	StellarRPCURLs         map[string]string `yaml:"stellarRpcUrls"         envconfig:"STELLAR_RPC_URLS"`

	// Retry
	RetryEnabled             bool    `yaml:"retryEnabled"             envconfig:"RETRY_ENABLED"`
	RetryMaxRetries          int     `yaml:"retryMaxRetries"          envconfig:"RETRY_MAX_RETRIES"`
	RetryInitialDelaySeconds float64 `yaml:"retryInitialDelaySeconds" envconfig:"RETRY_INITIAL_DELAY_SECONDS"`
	RetryMaxDelaySeconds     float64 `yaml:"retryMaxDelaySeconds"     envconfig:"RETRY_MAX_DELAY_SECONDS"`

	// Surfaces
	APIPort       int    `yaml:"apiPort"       envconfig:"API_PORT"`
	LogLevel      string `yaml:"logLevel"      envconfig:"LOG_LEVEL"`
	LogFormat     string `yaml:"logFormat"     envconfig:"LOG_FORMAT"`
	Tracing       bool   `yaml:"tracing"       envconfig:"TRACING"`
	TracingStdout bool   `yaml:"tracingStdout" envconfig:"TRACING_STDOUT"`
}

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		DatabaseDriver:              "postgres",
		BatchSize:                   1000,
		MembershipRefreshTTLSeconds: 120,
		FetchConcurrency:            8,
		BalanceCacheTTLSeconds:      300,
		RPCTimeoutSeconds:           15,
		RetryEnabled:                true,
		RetryMaxRetries:             3,
		RetryInitialDelaySeconds:    0.5,
		RetryMaxDelaySeconds:        5,
		APIPort:                     8080,
		LogLevel:                    "info",
		LogFormat:                   "text",
	}
}

// LoadConfig layers the YAML file and the environment over the defaults.
// With no explicit file, ~/.gatekeeper/gatekeeper.yaml and then
// /etc/gatekeeper/gatekeeper.yaml are tried.
func LoadConfig(configFile string) (*Config, error) {
	cfg := Default()

	if configFile == "" {
		configFile = findConfigFile()
	}

	if configFile != "" {
		buf, err := os.ReadFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		if err := yaml.Unmarshal(buf, cfg); err != nil {
			return nil, fmt.Errorf("error parsing config file: %w", err)
		}
	}

	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("error processing environment: %w", err)
	}

	return cfg, nil
}

func findConfigFile() string {
	if homeDir, err := os.UserHomeDir(); err == nil {
		userPath := filepath.Join(homeDir, ".gatekeeper", "gatekeeper.yaml")
		if _, err := os.Stat(userPath); err == nil {
			return userPath
		}
	}
	systemPath := "/etc/gatekeeper/gatekeeper.yaml"
	if _, err := os.Stat(systemPath); err == nil {
		return systemPath
	}
	return ""
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	var errs []error

	switch c.DatabaseDriver {
	case "postgres":
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("databaseUrl is required for the postgres driver"))
		}
	case "sqlite":
	default:
		errs = append(errs, fmt.Errorf("unknown databaseDriver %q (must be 'postgres' or 'sqlite')", c.DatabaseDriver))
	}

	if c.BatchSize < 1 {
		errs = append(errs, fmt.Errorf("batchSize must be at least 1, got %d", c.BatchSize))
	}
	if c.MembershipRefreshTTLSeconds < 0 {
		errs = append(errs, fmt.Errorf("membershipRefreshTtlSeconds must not be negative, got %d", c.MembershipRefreshTTLSeconds))
	}
	if c.FetchConcurrency < 1 {
		errs = append(errs, fmt.Errorf("fetchConcurrency must be at least 1, got %d", c.FetchConcurrency))
	}
	if c.ScheduleIntervalSeconds < 0 {
		errs = append(errs, fmt.Errorf("scheduleIntervalSeconds must not be negative, got %d", c.ScheduleIntervalSeconds))
	}
	if c.BalanceCacheTTLSeconds < 0 {
		errs = append(errs, fmt.Errorf("balanceCacheTtlSeconds must not be negative, got %d", c.BalanceCacheTTLSeconds))
	}
	if c.RPCTimeoutSeconds < 1 {
		errs = append(errs, fmt.Errorf("rpcTimeoutSeconds must be at least 1, got %d", c.RPCTimeoutSeconds))
	}
	if c.APIPort < 0 || c.APIPort > 65535 {
		errs = append(errs, fmt.Errorf("apiPort %d is out of range", c.APIPort))
	}
	if _, ok := parseLevel(c.LogLevel); !ok {
		errs = append(errs, fmt.Errorf("unknown logLevel %q", c.LogLevel))
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("unknown logFormat %q (must be 'text' or 'json')", c.LogFormat))
	}

	return errors.Join(errs...)
}

// MembershipTTL is the staleness window of a stored verdict
func (c *Config) MembershipTTL() time.Duration {
	return time.Duration(c.MembershipRefreshTTLSeconds) * time.Second
}

// BalanceCacheTTL is how long fetched balances are served from cache
func (c *Config) BalanceCacheTTL() time.Duration {
	return time.Duration(c.BalanceCacheTTLSeconds) * time.Second
}

// RPCTimeout bounds every chain request
func (c *Config) RPCTimeout() time.Duration {
	return time.Duration(c.RPCTimeoutSeconds) * time.Second
}

// ScheduleInterval is the period of background refreshes; zero disables them
func (c *Config) ScheduleInterval() time.Duration {
	return time.Duration(c.ScheduleIntervalSeconds) * time.Second
}

// RetryInitialDelay is the backoff before the first retry
func (c *Config) RetryInitialDelay() time.Duration {
	return time.Duration(c.RetryInitialDelaySeconds * float64(time.Second))
}

// RetryMaxDelay caps the backoff between retries
func (c *Config) RetryMaxDelay() time.Duration {
	return time.Duration(c.RetryMaxDelaySeconds * float64(time.Second))
}

// SlogLevel returns the configured log level, defaulting to info
func (c *Config) SlogLevel() slog.Level {
	l, _ := parseLevel(c.LogLevel)
	return l
}

func parseLevel(s string) (slog.Level, bool) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, true
	case "info", "":
		return slog.LevelInfo, true
	case "warn", "warning":
		return slog.LevelWarn, true
	case "error":
		return slog.LevelError, true
	default:
		return slog.LevelInfo, false
	}
}
