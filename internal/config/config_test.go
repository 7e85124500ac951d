package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "info", cfg.Logger.Level)
	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.False(t, cfg.Database.Enabled)
	assert.Equal(t, 8, cfg.Probe.Concurrency)
	assert.Equal(t, 10*time.Second, cfg.Probe.Timeout)
	assert.Equal(t, 2, cfg.Probe.MaxRetries)
	assert.False(t, cfg.Probe.AllowWriteMethods)
	assert.Equal(t, "bola", cfg.Analyzer.Classification)
	assert.False(t, cfg.Telemetry.Enabled)
	assert.NoError(t, cfg.Validate())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "zero concurrency",
			mutate:  func(c *Config) { c.Probe.Concurrency = 0 },
			wantErr: "probe.concurrency",
		},
		{
			name:    "zero timeout",
			mutate:  func(c *Config) { c.Probe.Timeout = 0 },
			wantErr: "probe.timeout",
		},
		{
			name:    "negative retries",
			mutate:  func(c *Config) { c.Probe.MaxRetries = -1 },
			wantErr: "probe.max_retries",
		},
		{
			name:    "unknown classification",
			mutate:  func(c *Config) { c.Analyzer.Classification = "horizontal" },
			wantErr: "analyzer.classification",
		},
		{
			name:   "role tier classification",
			mutate: func(c *Config) { c.Analyzer.Classification = "role_tier" },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestRedisConfig(t *testing.T) {
	config := RedisConfig{
		Addr:         "localhost:6379",
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	}

	assert.Equal(t, "localhost:6379", config.Addr)
	assert.Equal(t, 0, config.DB)
	assert.Equal(t, 3, config.MaxRetries)
}
