// Package config loads driver settings from an optional YAML file with
// environment-variable overrides. Defaults are applied after both, so an
// empty config is runnable against a local node and database.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"
)

// Contract is one indexed collection. The standard is declared, not
// autodetected.
type Contract struct {
	Address    string `yaml:"address"`
	Standard   string `yaml:"standard"` // "erc721" or "erc1155"
	StartBlock uint64 `yaml:"start_block"`
}

// Config holds every tunable of the driver.
type Config struct {
	RPC struct {
		Endpoint          string  `yaml:"endpoint"`
		RequestsPerSecond float64 `yaml:"requests_per_second"`
		Burst             int     `yaml:"burst"`
		MaxAttempts       int     `yaml:"max_attempts"`
		RateLimitDelaySec int     `yaml:"rate_limit_delay_seconds"`
	} `yaml:"rpc"`

	Database struct {
		URL string `yaml:"url"`
	} `yaml:"database"`

	Sync struct {
		MaxChunk        uint64 `yaml:"max_chunk"`     // blocks per getLogs call
		Concurrency     int    `yaml:"concurrency"`   // calls in flight per window
		PauseMillis     int    `yaml:"pause_millis"`  // delay between windows
		IntervalSeconds int    `yaml:"interval_seconds"`
	} `yaml:"sync"`

	Contracts []Contract `yaml:"contracts"`

	Port     int    `yaml:"port"`
	LogLevel string `yaml:"log_level"`
}

// Load reads the YAML file when path is non-empty, then applies env
// overrides and defaults, and validates the result.
func Load(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}
	cfg.applyEnv()
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("RPC_ENDPOINT"); v != "" {
		c.RPC.Endpoint = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.Database.URL = v
	}
	if v := os.Getenv("PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Port = n
		}
	}
	if v := os.Getenv("SYNC_INTERVAL_SEC"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Sync.IntervalSeconds = n
		}
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
}

func (c *Config) applyDefaults() {
	if c.RPC.RequestsPerSecond == 0 {
		c.RPC.RequestsPerSecond = 20
	}
	if c.RPC.MaxAttempts == 0 {
		c.RPC.MaxAttempts = 5
	}
	if c.RPC.RateLimitDelaySec == 0 {
		c.RPC.RateLimitDelaySec = 5
	}
	if c.Sync.MaxChunk == 0 {
		c.Sync.MaxChunk = 2000
	}
	if c.Sync.Concurrency == 0 {
		c.Sync.Concurrency = 4
	}
	if c.Sync.PauseMillis == 0 {
		c.Sync.PauseMillis = 250
	}
	if c.Sync.IntervalSeconds == 0 {
		c.Sync.IntervalSeconds = 60
	}
	if c.Port == 0 {
		c.Port = 8080
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

func (c *Config) validate() error {
	if c.RPC.Endpoint == "" {
		return fmt.Errorf("config: rpc endpoint is required (RPC_ENDPOINT)")
	}
	if c.Database.URL == "" {
		return fmt.Errorf("config: database url is required (DATABASE_URL)")
	}
	for _, ct := range c.Contracts {
		if !common.IsHexAddress(ct.Address) {
			return fmt.Errorf("config: invalid contract address %q", ct.Address)
		}
		if ct.Standard != "erc721" && ct.Standard != "erc1155" {
			return fmt.Errorf("config: contract %s: standard must be erc721 or erc1155, got %q",
				ct.Address, ct.Standard)
		}
	}
	return nil
}

// Interval returns the worker tick interval.
func (c *Config) Interval() time.Duration {
	return time.Duration(c.Sync.IntervalSeconds) * time.Second
}

// Pause returns the inter-window delay.
func (c *Config) Pause() time.Duration {
	return time.Duration(c.Sync.PauseMillis) * time.Millisecond
}

// RateLimitDelay returns the post-throttle delay.
func (c *Config) RateLimitDelay() time.Duration {
	return time.Duration(c.RPC.RateLimitDelaySec) * time.Second
}
