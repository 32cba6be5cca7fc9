// Package config handles application configuration from environment variables
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
)

// Clock modes
const (
	ClockManual   = "manual"   // height advances only through the admin endpoint
	ClockTicker   = "ticker"   // height derived from wall time
	ClockEthereum = "ethereum" // height is the latest block of RPC_URL
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "text" or "json"
	LogFile   string // optional rotated copy of stdout logs

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Escrow settings
	PlatformAddress   string // receives settlement fees
	FeeNumerator      uint64
	FeeDenominator    uint64
	MaxDuration       uint64 // ticks
	InitialReputation int64

	// Clock
	ClockMode     string
	BlockInterval time.Duration
	ClockGenesis  time.Time // height 0 of the ticker clock
	RPCURL        string

	// Background work
	WatchdogInterval time.Duration // 0 disables the timeout watchdog

	// Observability
	OTLPEndpoint string

	// Security
	AdminSecret    string
	CORSOrigins    []string // empty allows any origin
	RateLimitRPM   int
	RateLimitBurst int
}

// Defaults
const (
	DefaultPort              = "8080"
	DefaultEnv               = "development"
	DefaultLogLevel          = "info"
	DefaultLogFormat         = "text"
	DefaultFeeNumerator      = 5
	DefaultFeeDenominator    = 1000
	DefaultMaxDuration       = 144
	DefaultInitialReputation = 5000
	DefaultBlockInterval     = 10 * time.Minute
	DefaultWatchdogInterval  = 30 * time.Second
	DefaultRateLimitRPM      = 120
	DefaultRateLimitBurst    = 20

	// MinAdminSecretLength applies in production only.
	MinAdminSecretLength = 32
)

// DefaultClockGenesis anchors the ticker clock when CLOCK_GENESIS is unset.
var DefaultClockGenesis = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:              getEnv("PORT", DefaultPort),
		Env:               getEnv("ENV", DefaultEnv),
		LogLevel:          getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:         getEnv("LOG_FORMAT", DefaultLogFormat),
		LogFile:           os.Getenv("LOG_FILE"),
		DatabaseURL:       os.Getenv("DATABASE_URL"),
		PlatformAddress:   strings.ToLower(strings.TrimSpace(os.Getenv("PLATFORM_ADDRESS"))),
		FeeNumerator:      getEnvUint64("FEE_RATE_NUMERATOR", DefaultFeeNumerator),
		FeeDenominator:    getEnvUint64("FEE_RATE_DENOMINATOR", DefaultFeeDenominator),
		MaxDuration:       getEnvUint64("MAX_DURATION", DefaultMaxDuration),
		InitialReputation: getEnvInt64("INITIAL_REPUTATION", DefaultInitialReputation),
		ClockMode:         getEnv("CLOCK_MODE", ClockManual),
		BlockInterval:     getEnvDuration("BLOCK_INTERVAL", DefaultBlockInterval),
		ClockGenesis:      getEnvTime("CLOCK_GENESIS", DefaultClockGenesis),
		RPCURL:            os.Getenv("RPC_URL"),
		WatchdogInterval:  getEnvDuration("WATCHDOG_INTERVAL", DefaultWatchdogInterval),
		OTLPEndpoint:      os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		AdminSecret:       os.Getenv("ADMIN_SECRET"),
		CORSOrigins:       getEnvList("CORS_ORIGINS"),
		RateLimitRPM:      int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimitRPM)),
		RateLimitBurst:    int(getEnvInt64("RATE_LIMIT_BURST", DefaultRateLimitBurst)),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.PlatformAddress == "" {
		return errors.New("PLATFORM_ADDRESS is required")
	}
	if !strings.HasPrefix(c.PlatformAddress, "0x") || !common.IsHexAddress(c.PlatformAddress) {
		return fmt.Errorf("PLATFORM_ADDRESS must be a 0x-prefixed 20-byte hex address, got %q", c.PlatformAddress)
	}

	if c.FeeDenominator == 0 {
		return errors.New("FEE_RATE_DENOMINATOR must be positive")
	}
	if c.FeeNumerator > c.FeeDenominator {
		return errors.New("FEE_RATE_NUMERATOR must not exceed FEE_RATE_DENOMINATOR")
	}
	if c.MaxDuration == 0 {
		return errors.New("MAX_DURATION must be positive")
	}
	if c.InitialReputation < 0 || c.InitialReputation > 10000 {
		return errors.New("INITIAL_REPUTATION must be within [0, 10000]")
	}

	switch c.ClockMode {
	case ClockManual:
	case ClockTicker:
		if c.BlockInterval <= 0 {
			return errors.New("BLOCK_INTERVAL must be positive in ticker mode")
		}
	case ClockEthereum:
		if c.RPCURL == "" {
			return errors.New("RPC_URL is required in ethereum clock mode")
		}
	default:
		return fmt.Errorf("CLOCK_MODE must be one of manual, ticker, ethereum, got %q", c.ClockMode)
	}

	if c.ClockMode == ClockManual && c.IsProduction() {
		return errors.New("manual clock is not allowed in production")
	}
	if c.IsProduction() && c.AdminSecret != "" && len(c.AdminSecret) < MinAdminSecretLength {
		return fmt.Errorf("ADMIN_SECRET must be at least %d characters in production", MinAdminSecretLength)
	}

	if c.RateLimitRPM < 0 || c.RateLimitBurst < 0 {
		return errors.New("RATE_LIMIT_RPM and RATE_LIMIT_BURST must not be negative")
	}

	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvUint64(key string, defaultValue uint64) uint64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseUint(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvTime(key string, defaultValue time.Time) time.Time {
	if value := os.Getenv(key); value != "" {
		if t, err := time.Parse(time.RFC3339, value); err == nil {
			return t
		}
	}
	return defaultValue
}

func getEnvList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
