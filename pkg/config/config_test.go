package config

import (
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := load(viper.New())
	require.NoError(t, err)

	assert.Equal(t, "loanrecon", cfg.App.Name)
	assert.Equal(t, "development", cfg.App.Env)
	assert.Equal(t, "8080", cfg.App.Port)
	assert.Equal(t, "loanrecon.db", cfg.Database.DSN)
	assert.False(t, cfg.Redis.Enabled)
	assert.Equal(t, 30*time.Second, cfg.Redis.LockTTL)
	assert.Equal(t, "console", cfg.Log.Format)
	assert.Equal(t, time.Hour, cfg.Allocation.JobInterval)
	assert.Equal(t, 500, cfg.Allocation.BatchSize)
	assert.Equal(t, 4, cfg.Allocation.Workers)
	assert.Equal(t, 5, cfg.Consistency.SampleLimit)
	assert.Equal(t, int64(1<<20), cfg.HTTP.MaxBodySize)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("LOANRECON_APP_ENV", "production")
	t.Setenv("LOANRECON_APP_PORT", "9090")
	t.Setenv("LOANRECON_DATABASE_DSN", "/var/lib/loanrecon/data.db")
	t.Setenv("LOANRECON_REDIS_ENABLED", "true")
	t.Setenv("LOANRECON_REDIS_ADDR", "redis:6379")
	t.Setenv("LOANRECON_ALLOCATION_JOB_INTERVAL", "15m")
	t.Setenv("LOANRECON_ALLOCATION_WORKERS", "8")

	cfg, err := load(viper.New())
	require.NoError(t, err)

	assert.Equal(t, "production", cfg.App.Env)
	assert.Equal(t, "9090", cfg.App.Port)
	assert.Equal(t, "/var/lib/loanrecon/data.db", cfg.Database.DSN)
	assert.True(t, cfg.Redis.Enabled)
	assert.Equal(t, "redis:6379", cfg.Redis.Addr)
	assert.Equal(t, 15*time.Minute, cfg.Allocation.JobInterval)
	assert.Equal(t, 8, cfg.Allocation.Workers)
	assert.Equal(t, "json", cfg.Log.Format, "non-development environments log JSON")
}

func TestLoad_ConfigFile(t *testing.T) {
	v := viper.New()
	v.SetConfigType("toml")
	require.NoError(t, v.ReadConfig(strings.NewReader(`
[database]
dsn = "file.db"

[consistency]
sample_limit = 20
`)))

	cfg, err := load(v)
	require.NoError(t, err)
	assert.Equal(t, "file.db", cfg.Database.DSN)
	assert.Equal(t, 20, cfg.Consistency.SampleLimit)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"too many workers", func(c *Config) { c.Allocation.Workers = 100 }, "allocation.workers"},
		{"negative batch", func(c *Config) { c.Allocation.BatchSize = -1 }, "allocation.batch_size"},
		{"short interval", func(c *Config) { c.Allocation.JobInterval = time.Millisecond }, "allocation.job_interval"},
		{"tiny body", func(c *Config) { c.HTTP.MaxBodySize = 10 }, "http.max_body_size"},
		{"short lock ttl", func(c *Config) {
			c.Redis.Enabled = true
			c.Redis.LockTTL = time.Millisecond
		}, "redis.lock_ttl"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{}
			applyDefaults(cfg)
			require.NoError(t, cfg.validate())
			tt.mutate(cfg)
			err := cfg.validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
