package config

import (
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const platform = "0x1234567890123456789012345678901234567890"

// Test helper to set env vars and clean up after
func setEnv(t *testing.T, key, value string) {
	t.Helper()
	old := os.Getenv(key)
	os.Setenv(key, value)
	t.Cleanup(func() {
		if old == "" {
			os.Unsetenv(key)
		} else {
			os.Setenv(key, old)
		}
	})
}

func TestLoad_Defaults(t *testing.T) {
	setEnv(t, "PLATFORM_ADDRESS", platform)
	setEnv(t, "PORT", "9090")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, uint64(5), cfg.FeeNumerator)
	assert.Equal(t, uint64(1000), cfg.FeeDenominator)
	assert.Equal(t, uint64(144), cfg.MaxDuration)
	assert.Equal(t, int64(5000), cfg.InitialReputation)
	assert.Equal(t, ClockManual, cfg.ClockMode)
	assert.Equal(t, DefaultWatchdogInterval, cfg.WatchdogInterval)
	assert.Equal(t, DefaultClockGenesis, cfg.ClockGenesis)
	assert.Equal(t, DefaultRateLimitRPM, cfg.RateLimitRPM)
	assert.Empty(t, cfg.CORSOrigins)
}

func TestLoad_Overrides(t *testing.T) {
	setEnv(t, "PLATFORM_ADDRESS", "0xABCDEFABCDEFABCDEFABCDEFABCDEFABCDEFABCD")
	setEnv(t, "FEE_RATE_NUMERATOR", "1")
	setEnv(t, "FEE_RATE_DENOMINATOR", "100")
	setEnv(t, "MAX_DURATION", "10")
	setEnv(t, "CLOCK_MODE", ClockTicker)
	setEnv(t, "BLOCK_INTERVAL", "2s")
	setEnv(t, "WATCHDOG_INTERVAL", "0s")
	setEnv(t, "INITIAL_REPUTATION", "100")
	setEnv(t, "CLOCK_GENESIS", "2025-06-01T00:00:00Z")
	setEnv(t, "CORS_ORIGINS", "https://a.example.com, https://b.example.com,")
	setEnv(t, "RATE_LIMIT_RPM", "30")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "0xabcdefabcdefabcdefabcdefabcdefabcdefabcd", cfg.PlatformAddress)
	assert.Equal(t, uint64(1), cfg.FeeNumerator)
	assert.Equal(t, uint64(100), cfg.FeeDenominator)
	assert.Equal(t, uint64(10), cfg.MaxDuration)
	assert.Equal(t, 2*time.Second, cfg.BlockInterval)
	assert.Equal(t, time.Duration(0), cfg.WatchdogInterval)
	assert.Equal(t, int64(100), cfg.InitialReputation)
	assert.Equal(t, time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC), cfg.ClockGenesis)
	assert.Equal(t, []string{"https://a.example.com", "https://b.example.com"}, cfg.CORSOrigins)
	assert.Equal(t, 30, cfg.RateLimitRPM)
}

func TestLoad_MissingPlatformAddress(t *testing.T) {
	setEnv(t, "PLATFORM_ADDRESS", "")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "PLATFORM_ADDRESS is required")
}

func TestConfig_Validate(t *testing.T) {
	valid := func() Config {
		return Config{
			PlatformAddress:   platform,
			FeeNumerator:      5,
			FeeDenominator:    1000,
			MaxDuration:       144,
			InitialReputation: 5000,
			ClockMode:         ClockManual,
			Env:               "development",
		}
	}

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"valid", func(c *Config) {}, ""},
		{"bad platform address", func(c *Config) { c.PlatformAddress = "platform" }, "PLATFORM_ADDRESS must be"},
		{"unprefixed platform address", func(c *Config) { c.PlatformAddress = platform[2:] }, "PLATFORM_ADDRESS must be"},
		{"zero denominator", func(c *Config) { c.FeeDenominator = 0 }, "FEE_RATE_DENOMINATOR"},
		{"fee above 100%", func(c *Config) { c.FeeNumerator = 1001 }, "FEE_RATE_NUMERATOR"},
		{"zero max duration", func(c *Config) { c.MaxDuration = 0 }, "MAX_DURATION"},
		{"reputation out of range", func(c *Config) { c.InitialReputation = 10001 }, "INITIAL_REPUTATION"},
		{"unknown clock", func(c *Config) { c.ClockMode = "sundial" }, "CLOCK_MODE"},
		{"ticker without interval", func(c *Config) { c.ClockMode = ClockTicker }, "BLOCK_INTERVAL"},
		{"ethereum without rpc", func(c *Config) { c.ClockMode = ClockEthereum }, "RPC_URL"},
		{"ethereum with rpc", func(c *Config) { c.ClockMode = ClockEthereum; c.RPCURL = "http://localhost:8545" }, ""},
		{"manual clock in production", func(c *Config) { c.Env = "production" }, "manual clock"},
		{"weak admin secret in production", func(c *Config) {
			c.Env = "production"
			c.ClockMode = ClockTicker
			c.BlockInterval = time.Minute
			c.AdminSecret = "s3cret"
		}, "ADMIN_SECRET"},
		{"strong admin secret in production", func(c *Config) {
			c.Env = "production"
			c.ClockMode = ClockTicker
			c.BlockInterval = time.Minute
			c.AdminSecret = strings.Repeat("k", MinAdminSecretLength)
		}, ""},
		{"negative rate limit", func(c *Config) { c.RateLimitRPM = -1 }, "RATE_LIMIT"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestConfig_EnvHelpers(t *testing.T) {
	cfg := &Config{Env: "development"}
	assert.True(t, cfg.IsDevelopment())
	assert.False(t, cfg.IsProduction())

	setEnv(t, "ESCROWD_TEST_UINT", "not-a-number")
	assert.Equal(t, uint64(7), getEnvUint64("ESCROWD_TEST_UINT", 7))
	setEnv(t, "ESCROWD_TEST_DURATION", "5m")
	assert.Equal(t, 5*time.Minute, getEnvDuration("ESCROWD_TEST_DURATION", time.Second))
}
