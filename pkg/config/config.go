// Package config loads runtime settings from the environment with an
// optional YAML file layered underneath. Environment variables always win.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds every tunable the executor and adapter accept. Zero values
// are replaced by defaults in Load.
type Config struct {
	BaseURL string `yaml:"baseUrl"`

	Username     string `yaml:"username"`
	Password     string `yaml:"password"`
	ClientID     string `yaml:"clientId"`
	ClientSecret string `yaml:"clientSecret"`

	LogLevel string `yaml:"logLevel"`

	ExecutionTimeoutMs int `yaml:"executionTimeoutMs"`
	ReadBudget         int `yaml:"readBudget"`
	WriteBudget        int `yaml:"writeBudget"`
	CommandBudget      int `yaml:"commandBudget"`
	ApprovalTTLSeconds int `yaml:"approvalTtlSeconds"`

	CacheMaxEntries       int  `yaml:"cacheMaxEntries"`
	CacheTTLMs            int  `yaml:"cacheTtlMs"`
	RejectUnauthorizedTLS bool `yaml:"rejectUnauthorizedTls"`
	RequestsPerSecond     int  `yaml:"requestsPerSecond"`
}

// Load reads configuration from the environment, layered over the YAML file
// at path when path is non-empty.
func Load(path string) (*Config, error) {
	cfg := &Config{
		LogLevel:              "INFO",
		ExecutionTimeoutMs:    30_000,
		ReadBudget:            500,
		WriteBudget:           50,
		CommandBudget:         20,
		ApprovalTTLSeconds:    300,
		CacheMaxEntries:       200,
		CacheTTLMs:            60_000,
		RejectUnauthorizedTLS: true,
		RequestsPerSecond:     10,
	}

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	loadEnv(cfg)

	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("baseUrl is required (set CASTELLAN_BASE_URL)")
	}
	if cfg.ExecutionTimeoutMs <= 0 || cfg.ReadBudget <= 0 || cfg.WriteBudget <= 0 ||
		cfg.CommandBudget <= 0 || cfg.ApprovalTTLSeconds <= 0 {
		return nil, fmt.Errorf("timeouts and budgets must be positive")
	}
	return cfg, nil
}

func loadEnv(cfg *Config) {
	envString("CASTELLAN_BASE_URL", &cfg.BaseURL)
	envString("CASTELLAN_USERNAME", &cfg.Username)
	envString("CASTELLAN_PASSWORD", &cfg.Password)
	envString("CASTELLAN_CLIENT_ID", &cfg.ClientID)
	envString("CASTELLAN_CLIENT_SECRET", &cfg.ClientSecret)
	envString("LOG_LEVEL", &cfg.LogLevel)

	envInt("CASTELLAN_EXECUTION_TIMEOUT_MS", &cfg.ExecutionTimeoutMs)
	envInt("CASTELLAN_READ_BUDGET", &cfg.ReadBudget)
	envInt("CASTELLAN_WRITE_BUDGET", &cfg.WriteBudget)
	envInt("CASTELLAN_COMMAND_BUDGET", &cfg.CommandBudget)
	envInt("CASTELLAN_APPROVAL_TTL_SECONDS", &cfg.ApprovalTTLSeconds)
	envInt("CASTELLAN_CACHE_MAX_ENTRIES", &cfg.CacheMaxEntries)
	envInt("CASTELLAN_CACHE_TTL_MS", &cfg.CacheTTLMs)
	envInt("CASTELLAN_REQUESTS_PER_SECOND", &cfg.RequestsPerSecond)
	envBool("CASTELLAN_REJECT_UNAUTHORIZED_TLS", &cfg.RejectUnauthorizedTLS)
}

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envBool(key string, dst *bool) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

// ExecutionTimeout converts the millisecond setting to a duration.
func (c *Config) ExecutionTimeout() time.Duration {
	return time.Duration(c.ExecutionTimeoutMs) * time.Millisecond
}

// ApprovalTTL converts the seconds setting to a duration.
func (c *Config) ApprovalTTL() time.Duration {
	return time.Duration(c.ApprovalTTLSeconds) * time.Second
}

// CacheTTL converts the millisecond setting to a duration.
func (c *Config) CacheTTL() time.Duration {
	return time.Duration(c.CacheTTLMs) * time.Millisecond
}
