package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/voragate/gateway/pkg/api"
)

type Config struct {
	Server    ServerConfig     `mapstructure:"server"`
	Store     StoreConfig      `mapstructure:"store"`
	Redis     RedisConfig      `mapstructure:"redis"`
	RateLimit RateLimitConfig  `mapstructure:"rate_limit"`
	Router    RouterConfig     `mapstructure:"router"`
	Swap      SwapConfig       `mapstructure:"swap"`
	Hardware  HardwareConfig   `mapstructure:"hardware"`
	Budgets   []BudgetConfig   `mapstructure:"budgets"`
	Providers []ProviderConfig `mapstructure:"providers"`
}

type ServerConfig struct {
	Port    string   `mapstructure:"port"`
	Env     string   `mapstructure:"env"`
	APIKeys []string `mapstructure:"api_keys"`
}

type StoreConfig struct {
	DSN string `mapstructure:"dsn"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Enabled  bool   `mapstructure:"enabled"`
}

// RateLimitConfig covers both the domain limiter (sliding window per
// caller/provider pair) and the per-client HTTP middleware bucket.
type RateLimitConfig struct {
	WindowSeconds int     `mapstructure:"window_seconds"`
	MaxRequests   int     `mapstructure:"max_requests"`
	MaxUnits      int64   `mapstructure:"max_units"`
	ClientRPS     float64 `mapstructure:"client_rps"`
	ClientBurst   int     `mapstructure:"client_burst"`
}

func (r RateLimitConfig) Window() time.Duration {
	return time.Duration(r.WindowSeconds) * time.Second
}

type RouterConfig struct {
	AttemptTimeoutSeconds int `mapstructure:"attempt_timeout_seconds"`
	// MaxRetries is re-tries after the first call, so a candidate gets
	// max_retries+1 attempts before the router advances.
	MaxRetries       int `mapstructure:"max_retries"`
	BackoffBaseMS    int `mapstructure:"backoff_base_ms"`
	BackoffCapMS     int `mapstructure:"backoff_cap_ms"`
	HandleTTLSeconds int `mapstructure:"handle_ttl_seconds"`
}

func (r RouterConfig) AttemptTimeout() time.Duration {
	return time.Duration(r.AttemptTimeoutSeconds) * time.Second
}

type SwapConfig struct {
	DrainGraceSeconds       int     `mapstructure:"drain_grace_seconds"`
	MemoryPressureThreshold float64 `mapstructure:"memory_pressure_threshold"`
	IdleUpgradeMinutes      int     `mapstructure:"idle_upgrade_minutes"`
}

func (s SwapConfig) DrainGrace() time.Duration {
	return time.Duration(s.DrainGraceSeconds) * time.Second
}

type HardwareConfig struct {
	ModelDir   string `mapstructure:"model_dir"`
	RescanDays int    `mapstructure:"rescan_days"`
}

type BudgetConfig struct {
	CallerKey       string     `mapstructure:"caller_key" validate:"required"`
	Window          api.Window `mapstructure:"window" validate:"required,oneof=hour day month"`
	SoftLimitMicros int64      `mapstructure:"soft_limit_micros"`
	HardLimitMicros int64      `mapstructure:"hard_limit_micros"`
}

type ProviderConfig struct {
	ID           string           `mapstructure:"id" validate:"required"`
	Type         string           `mapstructure:"type" validate:"required"`
	Category     api.Category     `mapstructure:"category"`
	Capabilities []api.Capability `mapstructure:"capabilities"`
	PriorityRank int              `mapstructure:"priority_rank"`
	Local        bool             `mapstructure:"local"`
	Workload     string           `mapstructure:"workload"`
	ModelID      string           `mapstructure:"model_id"`
	APIKey       string           `mapstructure:"api_key"`
	BaseURL      string           `mapstructure:"base_url"`
	Enabled      bool             `mapstructure:"enabled"`
	Pricing      api.Pricing      `mapstructure:"pricing"`
}

// LoadConfig reads configuration from file or environment variables.
func LoadConfig() (*Config, error) {
	// Load .env file if present
	_ = godotenv.Load()

	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		v.SetConfigFile(path)
	}

	// Default Values
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.env", "development")
	v.SetDefault("store.dsn", "file:gateway.db?cache=shared&mode=rwc&_journal_mode=WAL&_busy_timeout=5000")
	v.SetDefault("redis.enabled", false)
	v.SetDefault("rate_limit.window_seconds", 60)
	v.SetDefault("rate_limit.max_requests", 60)
	v.SetDefault("rate_limit.max_units", 0) // 0 disables the volume ceiling
	v.SetDefault("rate_limit.client_rps", 10.0)
	v.SetDefault("rate_limit.client_burst", 20)
	v.SetDefault("router.attempt_timeout_seconds", 30)
	v.SetDefault("router.max_retries", 1)
	v.SetDefault("router.backoff_base_ms", 250)
	v.SetDefault("router.backoff_cap_ms", 5000)
	v.SetDefault("router.handle_ttl_seconds", 600)
	v.SetDefault("swap.drain_grace_seconds", 30)
	v.SetDefault("swap.memory_pressure_threshold", 0.85)
	v.SetDefault("swap.idle_upgrade_minutes", 30)
	v.SetDefault("hardware.rescan_days", 7)

	// Environment Variables
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode into struct: %w", err)
	}

	// Resolve API Keys
	for i, p := range cfg.Providers {
		if strings.HasPrefix(p.APIKey, "ENV:") {
			envVar := strings.TrimPrefix(p.APIKey, "ENV:")
			// Check process environment first (explicit override)
			val := os.Getenv(envVar)
			if val == "" {
				// Then check viper (which might have it from other sources)
				val = v.GetString(envVar)
			}
			cfg.Providers[i].APIKey = val
		}
	}

	return &cfg, nil
}
