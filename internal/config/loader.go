package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override (COMPOSE_PAY_RPC_URLS -> rpc_urls)
const EnvPrefix = "COMPOSE_PAY"

// ErrDatabaseURLMissing is returned by LoadWithDatabase when no DSN is set
var ErrDatabaseURLMissing = errors.New("DATABASE_URL is required")

// envKeys are the scalar keys that can be overridden from the environment
var envKeys = []string{
	"chain_id", "rpc_url", "rpc_urls", "wallet_rpc_url", "account", "target_usd",
	"refresh_interval", "timezone", "log_level", "http_port", "slippage_bps",
	"contracts.compose", "contracts.router", "contracts.hub_token",
	"oracles.skip", "oracles.pyth", "oracles.pyth_max_age",
	"fee.enabled", "fee.rate_bps", "fee.token",
	"execution.poll_interval", "execution.poll_timeout", "execution.receipt_poll_interval", "execution.atomic_required",
	"swap.mode", "swap.payment_token", "swap.target", "swap.target_calldata",
}

// Load reads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()

	// 1. Set defaults
	v.SetDefault("log_level", "info")
	v.SetDefault("refresh_interval", "1m")
	v.SetDefault("timezone", "UTC")
	v.SetDefault("http_port", 8080)
	v.SetDefault("slippage_bps", 100)
	v.SetDefault("oracles.pyth_max_age", "1h")
	v.SetDefault("execution.poll_interval", "1s")
	v.SetDefault("execution.poll_timeout", "60s")
	v.SetDefault("execution.receipt_poll_interval", "2s")
	v.SetDefault("execution.atomic_required", true)
	v.SetDefault("swap.mode", "allocate")

	// 2. Configure config file
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("toml")
		v.AddConfigPath(".")
	}

	// 3. Environment variables
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, key := range envKeys {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("failed to bind env for %s: %w", key, err)
		}
	}

	// 4. Read config file
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	// 5. Unmarshal into struct
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Comma-separated RPC_URLS env var
	if env := os.Getenv(EnvPrefix + "_RPC_URLS"); env != "" {
		cfg.RPCUrls = splitList(env)
	}

	// 6. Normalize: convert single rpc_url to rpc_urls array
	if err := cfg.Normalize(); err != nil {
		return nil, fmt.Errorf("config normalization failed: %w", err)
	}

	// 7. Validate fields and cross references
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// DatabaseURL returns the PostgreSQL DSN from DATABASE_URL (or COMPOSE_PAY_DATABASE_URL)
func DatabaseURL() string {
	v := viper.New()
	v.BindEnv("database_url", "DATABASE_URL", EnvPrefix+"_DATABASE_URL")
	return v.GetString("database_url")
}

// LoadWithDatabase loads config for commands that persist attempts and
// therefore require DATABASE_URL
func LoadWithDatabase(configPath string) (*Config, string, error) {
	cfg, err := Load(configPath)
	if err != nil {
		return nil, "", err
	}

	databaseURL := DatabaseURL()
	if databaseURL == "" {
		return nil, "", ErrDatabaseURLMissing
	}
	return cfg, databaseURL, nil
}
