// Package config loads the service configuration from config.yaml in the
// quotagate home directory, applies environment overrides, and fills defaults
// so the rest of the system never sees a zero value it cannot use.
package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/meridianlabs/quotagate/internal/guard"
	"github.com/meridianlabs/quotagate/internal/route"
)

// RedisConfig points the counter store at a shared redis. Disabled means the
// in-process backend carries the counters alone.
type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// OTelConfig controls tracing and metrics export.
type OTelConfig struct {
	Enabled    bool    `yaml:"enabled"`
	Exporter   string  `yaml:"exporter"` // "stdout" or "none"
	SampleRate float64 `yaml:"sample_rate"`
}

// LimitsConfig is the yaml shape of the guard limits, durations in seconds.
type LimitsConfig struct {
	UserTTLSeconds  int   `yaml:"user_ttl_seconds"`
	TaskTTLSeconds  int   `yaml:"task_ttl_seconds"`
	QueueMax        int64 `yaml:"queue_max"`
	QueueTTLSeconds int   `yaml:"queue_ttl_seconds"`
	ModelMax        int64 `yaml:"model_max"`
	ModelTTLSeconds int   `yaml:"model_ttl_seconds"`
}

// Guard converts the yaml shape to the guard's limits.
func (l LimitsConfig) Guard() guard.Limits {
	return guard.Limits{
		UserTTL:  time.Duration(l.UserTTLSeconds) * time.Second,
		TaskTTL:  time.Duration(l.TaskTTLSeconds) * time.Second,
		QueueMax: l.QueueMax,
		QueueTTL: time.Duration(l.QueueTTLSeconds) * time.Second,
		ModelMax: l.ModelMax,
		ModelTTL: time.Duration(l.ModelTTLSeconds) * time.Second,
	}
}

// RateLimitConfig bounds gateway requests per client token.
type RateLimitConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	BindAddr string `yaml:"bind_addr"`
	LogLevel string `yaml:"log_level"`
	DBPath   string `yaml:"db_path"`

	// AuthToken protects the gateway API. Empty disables auth (local dev).
	AuthToken string `yaml:"auth_token"`

	// SignupBonus seeds new accounts.
	SignupBonus int64 `yaml:"signup_bonus"`
	// ReserveCost is the amount debited per paid-tier task.
	ReserveCost int64 `yaml:"reserve_cost"`

	DedupTTLSeconds     int `yaml:"dedup_ttl_seconds"`
	DrainTimeoutSeconds int `yaml:"drain_timeout_seconds"`
	TaskTimeoutSeconds  int `yaml:"task_timeout_seconds"`

	// DebitTimeoutMinutes is how long a debit may stay PENDING before the
	// watchdog compensates it.
	DebitTimeoutMinutes int `yaml:"debit_timeout_minutes"`
	// RetentionChannelMinutes is how long terminated event channels are
	// kept for late readers before the sweep retires them.
	RetentionChannelMinutes int `yaml:"retention_channel_minutes"`
	// WatchdogSpec is the cron schedule for the background sweeps.
	WatchdogSpec string `yaml:"watchdog_spec"`

	Redis     RedisConfig     `yaml:"redis"`
	OTel      OTelConfig      `yaml:"otel"`
	Limits    LimitsConfig    `yaml:"limits"`
	Routes    route.Table     `yaml:"routes"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// HomeDir resolves the quotagate home, honoring QUOTAGATE_HOME.
func HomeDir() string {
	if override := os.Getenv("QUOTAGATE_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".quotagate")
}

// Load reads config.yaml from the home directory. A missing file is fine;
// defaults plus env overrides produce a runnable configuration.
func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

// LoadFrom loads configuration rooted at the given home directory.
func LoadFrom(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create quotagate home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil && !os.IsNotExist(err) {
		return cfg, fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := validate(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func defaultConfig() Config {
	return Config{
		BindAddr:                "127.0.0.1:18990",
		LogLevel:                "info",
		SignupBonus:             100,
		ReserveCost:             5,
		DedupTTLSeconds:         int((10 * time.Minute).Seconds()),
		DrainTimeoutSeconds:     5,
		TaskTimeoutSeconds:      int((5 * time.Minute).Seconds()),
		DebitTimeoutMinutes:     30,
		RetentionChannelMinutes: 60,
		WatchdogSpec:            "*/5 * * * *",
		OTel:                    OTelConfig{Exporter: "stdout", SampleRate: 1.0},
		RateLimit:               RateLimitConfig{RPS: 10, Burst: 30},
	}
}

func normalize(cfg *Config) {
	if cfg.BindAddr == "" {
		cfg.BindAddr = "127.0.0.1:18990"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.HomeDir, "quotagate.db")
	}
	if cfg.SignupBonus < 0 {
		cfg.SignupBonus = 0
	}
	if cfg.ReserveCost <= 0 {
		cfg.ReserveCost = 5
	}
	if cfg.DedupTTLSeconds <= 0 {
		cfg.DedupTTLSeconds = int((10 * time.Minute).Seconds())
	}
	if cfg.DrainTimeoutSeconds <= 0 {
		cfg.DrainTimeoutSeconds = 5
	}
	if cfg.TaskTimeoutSeconds <= 0 {
		cfg.TaskTimeoutSeconds = int((5 * time.Minute).Seconds())
	}
	if cfg.DebitTimeoutMinutes <= 0 {
		cfg.DebitTimeoutMinutes = 30
	}
	if cfg.RetentionChannelMinutes <= 0 {
		cfg.RetentionChannelMinutes = 60
	}
	if cfg.WatchdogSpec == "" {
		cfg.WatchdogSpec = "*/5 * * * *"
	}
	if cfg.OTel.Exporter == "" {
		cfg.OTel.Exporter = "stdout"
	}
	if cfg.OTel.SampleRate <= 0 || cfg.OTel.SampleRate > 1 {
		cfg.OTel.SampleRate = 1.0
	}
	if cfg.RateLimit.RPS <= 0 {
		cfg.RateLimit.RPS = 10
	}
	if cfg.RateLimit.Burst <= 0 {
		cfg.RateLimit.Burst = 30
	}
	if cfg.Redis.Enabled && cfg.Redis.Addr == "" {
		cfg.Redis.Addr = "127.0.0.1:6379"
	}
}

func validate(cfg *Config) error {
	if cfg.Limits.QueueMax < 0 || cfg.Limits.ModelMax < 0 {
		return fmt.Errorf("limits must be non-negative (queue_max=%d model_max=%d)",
			cfg.Limits.QueueMax, cfg.Limits.ModelMax)
	}
	if cfg.OTel.Exporter != "stdout" && cfg.OTel.Exporter != "none" {
		return fmt.Errorf("unknown otel exporter %q", cfg.OTel.Exporter)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("QUOTAGATE_BIND_ADDR"); raw != "" {
		cfg.BindAddr = raw
	}
	if raw := os.Getenv("QUOTAGATE_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("QUOTAGATE_DB_PATH"); raw != "" {
		cfg.DBPath = raw
	}
	if raw := os.Getenv("QUOTAGATE_TOKEN"); raw != "" {
		cfg.AuthToken = raw
	}
	if raw := os.Getenv("QUOTAGATE_REDIS_ADDR"); raw != "" {
		cfg.Redis.Enabled = true
		cfg.Redis.Addr = raw
	}
	if raw := os.Getenv("QUOTAGATE_REDIS_PASSWORD"); raw != "" {
		cfg.Redis.Password = raw
	}
	if raw := os.Getenv("QUOTAGATE_DRAIN_TIMEOUT_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.DrainTimeoutSeconds = v
		}
	}
	if raw := os.Getenv("QUOTAGATE_RESERVE_COST"); raw != "" {
		if v, err := strconv.ParseInt(raw, 10, 64); err == nil {
			cfg.ReserveCost = v
		}
	}
	if raw := os.Getenv("QUOTAGATE_SIGNUP_BONUS"); raw != "" {
		if v, err := strconv.ParseInt(raw, 10, 64); err == nil {
			cfg.SignupBonus = v
		}
	}
}

// Fingerprint returns a stable hash of the load-bearing settings, logged at
// startup and after each live reload so drift is visible in the logs.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "bind=%s|log=%s|cost=%d|bonus=%d|queue=%d|model=%d|redis=%v",
		c.BindAddr, c.LogLevel, c.ReserveCost, c.SignupBonus,
		c.Limits.QueueMax, c.Limits.ModelMax, c.Redis.Enabled)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

// DedupTTL, DrainTimeout, TaskTimeout, DebitTimeout, and ChannelRetention
// expose the integer-second yaml fields as durations.
func (c Config) DedupTTL() time.Duration {
	return time.Duration(c.DedupTTLSeconds) * time.Second
}

func (c Config) DrainTimeout() time.Duration {
	return time.Duration(c.DrainTimeoutSeconds) * time.Second
}

func (c Config) TaskTimeout() time.Duration {
	return time.Duration(c.TaskTimeoutSeconds) * time.Second
}

func (c Config) DebitTimeout() time.Duration {
	return time.Duration(c.DebitTimeoutMinutes) * time.Minute
}

func (c Config) ChannelRetention() time.Duration {
	return time.Duration(c.RetentionChannelMinutes) * time.Minute
}
