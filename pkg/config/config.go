package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full service configuration.
type Config struct {
	App         AppConfig
	Database    DatabaseConfig
	Redis       RedisConfig
	Log         LogConfig
	HTTP        HTTPConfig
	Allocation  AllocationConfig
	Consistency ConsistencyConfig
}

type AppConfig struct {
	Name string
	Env  string
	Port string
}

type DatabaseConfig struct {
	DSN string // SQLite file path or DSN
}

// RedisConfig enables the distributed lock. When disabled, locks are in-process.
type RedisConfig struct {
	Enabled  bool
	Addr     string
	Password string
	DB       int
	LockTTL  time.Duration
}

type LogConfig struct {
	Level  string
	Format string
	Output string
}

type HTTPConfig struct {
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	MaxBodySize     int64
}

// AllocationConfig drives the periodic batch allocation job.
type AllocationConfig struct {
	JobEnabled  bool
	JobInterval time.Duration
	BatchSize   int
	Workers     int
}

type ConsistencyConfig struct {
	SampleLimit int
}

// Load reads the configuration.
//
// Priority (highest to lowest):
// 1. Environment variables with LOANRECON_ prefix (e.g., LOANRECON_DATABASE_DSN)
// 2. config.toml
// 3. Built-in defaults
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("toml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/loanrecon")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}
	return load(v)
}

func load(v *viper.Viper) (*Config, error) {
	v.SetEnvPrefix("LOANRECON")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := &Config{
		App: AppConfig{
			Name: v.GetString("app.name"),
			Env:  v.GetString("app.env"),
			Port: v.GetString("app.port"),
		},
		Database: DatabaseConfig{
			DSN: v.GetString("database.dsn"),
		},
		Redis: RedisConfig{
			Enabled:  v.GetBool("redis.enabled"),
			Addr:     v.GetString("redis.addr"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
			LockTTL:  v.GetDuration("redis.lock_ttl"),
		},
		Log: LogConfig{
			Level:  v.GetString("log.level"),
			Format: v.GetString("log.format"),
			Output: v.GetString("log.output"),
		},
		HTTP: HTTPConfig{
			ReadTimeout:     v.GetDuration("http.read_timeout"),
			WriteTimeout:    v.GetDuration("http.write_timeout"),
			ShutdownTimeout: v.GetDuration("http.shutdown_timeout"),
			MaxBodySize:     v.GetInt64("http.max_body_size"),
		},
		Allocation: AllocationConfig{
			JobEnabled:  v.GetBool("allocation.job_enabled"),
			JobInterval: v.GetDuration("allocation.job_interval"),
			BatchSize:   v.GetInt("allocation.batch_size"),
			Workers:     v.GetInt("allocation.workers"),
		},
		Consistency: ConsistencyConfig{
			SampleLimit: v.GetInt("consistency.sample_limit"),
		},
	}

	applyDefaults(cfg)
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyDefaults sets default values for any empty config fields
func applyDefaults(cfg *Config) {
	if cfg.App.Name == "" {
		cfg.App.Name = "loanrecon"
	}
	if cfg.App.Env == "" {
		cfg.App.Env = "development"
	}
	if cfg.App.Port == "" {
		cfg.App.Port = "8080"
	}
	if cfg.Database.DSN == "" {
		cfg.Database.DSN = "loanrecon.db"
	}
	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = "localhost:6379"
	}
	if cfg.Redis.LockTTL == 0 {
		cfg.Redis.LockTTL = 30 * time.Second
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
		if cfg.App.Env == "development" {
			cfg.Log.Format = "console"
		}
	}
	if cfg.Log.Output == "" {
		cfg.Log.Output = "stdout"
	}
	if cfg.HTTP.ReadTimeout == 0 {
		cfg.HTTP.ReadTimeout = 15 * time.Second
	}
	if cfg.HTTP.WriteTimeout == 0 {
		cfg.HTTP.WriteTimeout = 30 * time.Second
	}
	if cfg.HTTP.ShutdownTimeout == 0 {
		cfg.HTTP.ShutdownTimeout = 10 * time.Second
	}
	if cfg.HTTP.MaxBodySize == 0 {
		cfg.HTTP.MaxBodySize = 1 << 20
	}
	if cfg.Allocation.JobInterval == 0 {
		cfg.Allocation.JobInterval = time.Hour
	}
	if cfg.Allocation.BatchSize == 0 {
		cfg.Allocation.BatchSize = 500
	}
	if cfg.Allocation.Workers == 0 {
		cfg.Allocation.Workers = 4
	}
	if cfg.Consistency.SampleLimit == 0 {
		cfg.Consistency.SampleLimit = 5
	}
}

// validate performs validation on the configuration
func (c *Config) validate() error {
	if c.Allocation.BatchSize < 0 || c.Allocation.BatchSize > 10000 {
		return fmt.Errorf("allocation.batch_size must be between 0 and 10000, got %d", c.Allocation.BatchSize)
	}
	if c.Allocation.Workers < 1 || c.Allocation.Workers > 64 {
		return fmt.Errorf("allocation.workers must be between 1 and 64, got %d", c.Allocation.Workers)
	}
	if c.Allocation.JobInterval < time.Second {
		return fmt.Errorf("allocation.job_interval must be at least 1s, got %s", c.Allocation.JobInterval)
	}
	if c.Consistency.SampleLimit < 1 {
		return fmt.Errorf("consistency.sample_limit must be positive, got %d", c.Consistency.SampleLimit)
	}
	if c.HTTP.MaxBodySize < 1024 {
		return fmt.Errorf("http.max_body_size must be at least 1024 bytes, got %d", c.HTTP.MaxBodySize)
	}
	if c.Redis.Enabled && c.Redis.LockTTL < time.Second {
		return fmt.Errorf("redis.lock_ttl must be at least 1s, got %s", c.Redis.LockTTL)
	}
	return nil
}
