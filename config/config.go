package config

import (
	"fmt"
	"log"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config represents the overall application configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Engine     EngineConfig     `yaml:"engine"`
	Database   DatabaseConfig   `yaml:"database"`
	Redis      RedisConfig      `yaml:"redis"`
	Push       PushConfig       `yaml:"push"`
	WorkerPool WorkerPoolConfig `yaml:"worker_pool"`
}

// WorkerPoolConfig holds the configuration for the notification worker pool.
type WorkerPoolConfig struct {
	Size int `yaml:"size" validate:"gte=0"`
}

// PushConfig holds the VAPID keys for operator web push notifications.
// Push delivery is skipped when the keys are empty.
type PushConfig struct {
	PublicKey  string `yaml:"vapid_public_key"`
	PrivateKey string `yaml:"vapid_private_key"`
	Subject    string `yaml:"subject"`
	TTL        int    `yaml:"ttl" validate:"gte=0"`
}

// ServerConfig holds the server-related configuration.
type ServerConfig struct {
	Port            int      `yaml:"port" validate:"gte=0,lte=65535"`
	RateLimitPerSec float64  `yaml:"rate_limit_per_sec" validate:"gte=0"`
	RateLimitBurst  int      `yaml:"rate_limit_burst" validate:"gte=0"`
	CacheTTLSeconds int      `yaml:"cache_ttl_seconds" validate:"gte=0"`
	AllowedOrigins  []string `yaml:"allowed_origins"`
}

// EngineConfig holds the tuning knobs of the location synchronization engine.
type EngineConfig struct {
	AutoRefresh            bool    `yaml:"auto_refresh"`
	RefreshIntervalSeconds int     `yaml:"refresh_interval_seconds" validate:"gte=0"`
	MapStyle               string  `yaml:"map_style" validate:"omitempty,oneof=streets satellite dark light"`
	FreshnessWindowSeconds int     `yaml:"freshness_window_seconds" validate:"gte=0"`
	ThrottleWindowMS       int     `yaml:"throttle_window_ms" validate:"gte=0"`
	RemovalGraceSeconds    int     `yaml:"removal_grace_seconds" validate:"gte=0"`
	SweepIntervalSeconds   int     `yaml:"sweep_interval_seconds" validate:"gte=0"`
	MovementEpsilon        float64 `yaml:"movement_epsilon" validate:"gte=0"`

	RefreshInterval time.Duration `yaml:"-"`
	FreshnessWindow time.Duration `yaml:"-"`
	ThrottleWindow  time.Duration `yaml:"-"`
	RemovalGrace    time.Duration `yaml:"-"`
	SweepInterval   time.Duration `yaml:"-"`
}

// DatabaseConfig holds the database connection configuration.
type DatabaseConfig struct {
	DSN                    string `yaml:"dsn" validate:"required"`
	MaxOpenConns           int    `yaml:"max_open_conns" validate:"gte=0"`
	MaxIdleConns           int    `yaml:"max_idle_conns" validate:"gte=0"`
	ConnMaxLifetimeMinutes int    `yaml:"conn_max_lifetime_minutes" validate:"gte=0"`
	AutoMigrate            bool   `yaml:"auto_migrate"`
}

// RedisConfig holds the connection settings of the live location channel.
type RedisConfig struct {
	Addr          string `yaml:"addr" validate:"required"`
	Password      string `yaml:"password"`
	DB            int    `yaml:"db" validate:"gte=0"`
	PoolSize      int    `yaml:"pool_size" validate:"gte=0"`
	ChannelPrefix string `yaml:"channel_prefix"`
}

// Documented engine defaults.
const (
	DefaultRefreshInterval = 30 * time.Second
	DefaultFreshnessWindow = 5 * time.Minute
	DefaultThrottleWindow  = 2 * time.Second
	DefaultRemovalGrace    = 30 * time.Second
	DefaultSweepInterval   = 5 * time.Second
	DefaultMovementEpsilon = 1e-6
)

// Load reads the configuration from the given path.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cfg Config
	decoder := yaml.NewDecoder(f)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, err
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	cfg.ApplyDefaults()
	return &cfg, nil
}

// ApplyDefaults fills unset values and derives the duration fields.
func (cfg *Config) ApplyDefaults() {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.RateLimitPerSec <= 0 {
		cfg.Server.RateLimitPerSec = 10
	}
	if cfg.Server.RateLimitBurst <= 0 {
		cfg.Server.RateLimitBurst = 5
	}
	if cfg.Server.CacheTTLSeconds <= 0 {
		cfg.Server.CacheTTLSeconds = 5
	}

	e := &cfg.Engine
	e.RefreshInterval = secondsOr(e.RefreshIntervalSeconds, DefaultRefreshInterval)
	e.FreshnessWindow = secondsOr(e.FreshnessWindowSeconds, DefaultFreshnessWindow)
	e.RemovalGrace = secondsOr(e.RemovalGraceSeconds, DefaultRemovalGrace)
	e.SweepInterval = secondsOr(e.SweepIntervalSeconds, DefaultSweepInterval)
	if e.ThrottleWindowMS > 0 {
		e.ThrottleWindow = time.Duration(e.ThrottleWindowMS) * time.Millisecond
	} else {
		e.ThrottleWindow = DefaultThrottleWindow
	}
	if e.MovementEpsilon <= 0 {
		e.MovementEpsilon = DefaultMovementEpsilon
	}
	if e.MapStyle == "" {
		e.MapStyle = "streets"
	}

	if cfg.Redis.ChannelPrefix == "" {
		cfg.Redis.ChannelPrefix = "sitter:location"
	}
	if cfg.Redis.PoolSize <= 0 {
		cfg.Redis.PoolSize = 50
	}

	if cfg.Push.TTL <= 0 {
		cfg.Push.TTL = 3600
	}

	if cfg.WorkerPool.Size <= 0 {
		log.Printf("worker_pool.size is not set or invalid; defaulting to 1")
		cfg.WorkerPool.Size = 1
	}
}

func secondsOr(v int, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return time.Duration(v) * time.Second
}
