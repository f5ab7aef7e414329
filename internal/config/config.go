// Package config defines the bootstrap configuration for the copy-trading
// engine. Config is loaded from a YAML file with environment-variable
// overrides — the same layering the rest of the venue's Go services use.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level bootstrap configuration. Maps directly to the YAML
// file structure; this is the ambient process config, distinct from the
// database-backed per-leader ConfigResolver overlay.
type Config struct {
	NodeEnv  string         `mapstructure:"node_env"`
	Database DatabaseConfig `mapstructure:"database"`
	KV       KVConfig       `mapstructure:"kv"`
	Chain    ChainConfig    `mapstructure:"chain"`
	DataAPI  DataAPIConfig  `mapstructure:"data_api"`
	ClobAPI  ClobAPIConfig  `mapstructure:"clob_api"`
	GammaAPI GammaAPIConfig `mapstructure:"gamma_api"`
	Worker   WorkerConfig   `mapstructure:"worker"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// DatabaseConfig points at the relational store (sqlite file or DSN).
type DatabaseConfig struct {
	URL             string        `mapstructure:"url"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// KVConfig points at the key/value store backing the small-trade buffer.
// Shaped after the venue's Redis deployments.
type KVConfig struct {
	URL         string `mapstructure:"url"`
	Password    string `mapstructure:"password"`
	DB          int    `mapstructure:"db"`
	PoolSize    int    `mapstructure:"pool_size"`
	MaxRetries  int    `mapstructure:"max_retries"`
	TLSEnabled  bool   `mapstructure:"tls_enabled"`
}

// ChainConfig holds the on-chain RPC endpoint and the exchange contract
// allowlist subscribed for OrderFilled logs.
type ChainConfig struct {
	WSURL             string   `mapstructure:"ws_url"`
	ExchangeAddresses []string `mapstructure:"exchange_addresses"`
	WalletRefreshSec  int      `mapstructure:"wallet_refresh_sec"`
}

// DataAPIConfig points at the venue's trade/activity Data API.
type DataAPIConfig struct {
	BaseURL    string        `mapstructure:"base_url"`
	Timeout    time.Duration `mapstructure:"timeout"`
	MaxPages   int           `mapstructure:"max_pages"`
	PollPeriod time.Duration `mapstructure:"poll_period"`
}

// ClobAPIConfig points at the CLOB REST/WS endpoints used by BookCache.
type ClobAPIConfig struct {
	BaseURL      string        `mapstructure:"base_url"`
	BookWSURL    string        `mapstructure:"book_ws_url"`
	BookWSEnabled bool         `mapstructure:"book_ws_enabled"`
	Timeout      time.Duration `mapstructure:"timeout"`
}

// GammaAPIConfig points at the asynchronous market-metadata enrichment API.
type GammaAPIConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// WorkerConfig sizes the process's concurrency and exposes its health port.
type WorkerConfig struct {
	Port              int `mapstructure:"port"`
	QueueConcurrency  int `mapstructure:"queue_concurrency"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads config from a YAML file with environment overrides.
// Recognized override variables mirror SPEC_FULL.md §6: DATABASE_URL,
// REDIS_URL, ALCHEMY_WS_URL, POLYMARKET_DATA_API_BASE_URL,
// POLYMARKET_CLOB_BASE_URL, GAMMA_API_BASE_URL, LOG_LEVEL, NODE_ENV,
// WORKER_PORT, CLOB_BOOK_WS_ENABLED.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	applyEnvOverrides(&cfg)
	return &cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.KV.URL = v
	}
	if v := os.Getenv("ALCHEMY_WS_URL"); v != "" {
		cfg.Chain.WSURL = v
	}
	if v := os.Getenv("POLYMARKET_DATA_API_BASE_URL"); v != "" {
		cfg.DataAPI.BaseURL = v
	}
	if v := os.Getenv("POLYMARKET_CLOB_BASE_URL"); v != "" {
		cfg.ClobAPI.BaseURL = v
	}
	if v := os.Getenv("GAMMA_API_BASE_URL"); v != "" {
		cfg.GammaAPI.BaseURL = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("NODE_ENV"); v != "" {
		cfg.NodeEnv = v
	}
	if v := os.Getenv("WORKER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Worker.Port = port
		}
	}
	if v := os.Getenv("CLOB_BOOK_WS_ENABLED"); v != "" {
		cfg.ClobAPI.BookWSEnabled = v == "true" || v == "1"
	}
}

// Validate checks all required fields.
func (c *Config) Validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("database.url is required (set DATABASE_URL)")
	}
	if c.KV.URL == "" {
		return fmt.Errorf("kv.url is required (set REDIS_URL)")
	}
	if c.Chain.WSURL == "" {
		return fmt.Errorf("chain.ws_url is required (set ALCHEMY_WS_URL)")
	}
	if len(c.Chain.ExchangeAddresses) == 0 {
		return fmt.Errorf("chain.exchange_addresses must list at least one contract address")
	}
	if c.DataAPI.BaseURL == "" {
		return fmt.Errorf("data_api.base_url is required (set POLYMARKET_DATA_API_BASE_URL)")
	}
	if c.ClobAPI.BaseURL == "" {
		return fmt.Errorf("clob_api.base_url is required (set POLYMARKET_CLOB_BASE_URL)")
	}
	if c.GammaAPI.BaseURL == "" {
		return fmt.Errorf("gamma_api.base_url is required (set GAMMA_API_BASE_URL)")
	}
	if c.Worker.Port == 0 {
		return fmt.Errorf("worker.port is required (set WORKER_PORT)")
	}
	if c.Worker.QueueConcurrency <= 0 {
		c.Worker.QueueConcurrency = 4
	}
	return nil
}
