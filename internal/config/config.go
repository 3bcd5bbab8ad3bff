// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "json" or "text"

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Ledger settings
	LedgerRPCURL    string // JSON-RPC ledger gateway (optional, simulated ledger if not set)
	EscrowAccount   string
	PlatformAccount string
	SettlementToken string
	HistoryLimit    int

	// Settlement settings
	PlatformFeePct    decimal.Decimal
	DeliveryAttempts  int
	DeliveryBaseDelay time.Duration

	// Custodian co-signing
	OperatorKey  string // Hex-encoded secp256k1 key, no 0x prefix
	CustodianURL string // Remote custodian endpoint (optional, in-process if not set)

	// Resilience
	BreakerThreshold  int
	BreakerCooldown   time.Duration
	RateLimitRPM      int
	TradeRateLimitRPM int // list/unlist/buy/offer requests per account

	// Observability
	OTLPEndpoint string

	// Sessions: "token:account,token:account" for the in-memory session table
	SessionTokens map[string]string
	// AdminAccounts may use /v1/admin routes
	AdminAccounts []string
	CORSOrigins   []string
}

// Defaults
const (
	DefaultPort              = "8080"
	DefaultEnv               = "development"
	DefaultLogLevel          = "info"
	DefaultLogFormat         = "json"
	DefaultEscrowAccount     = "0.0.1001"
	DefaultPlatformAccount   = "0.0.1002"
	DefaultSettlementToken   = "0.0.2001"
	DefaultPlatformFeePct    = "2.5"
	DefaultHistoryLimit      = 100
	DefaultDeliveryAttempts  = 3
	DefaultDeliveryBaseDelay = 500 * time.Millisecond
	DefaultBreakerThreshold  = 5
	DefaultBreakerCooldown   = 30 * time.Second
	DefaultRateLimitRPM      = 120
	DefaultTradeRateLimitRPM = 20
)

var accountIDRegex = regexp.MustCompile(`^\d+\.\d+\.\d+$`)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	_ = godotenv.Load()

	feePct, err := decimal.NewFromString(getEnv("PLATFORM_FEE_PCT", DefaultPlatformFeePct))
	if err != nil {
		return nil, fmt.Errorf("PLATFORM_FEE_PCT must be a decimal: %w", err)
	}

	cfg := &Config{
		Port:              getEnv("PORT", DefaultPort),
		Env:               getEnv("ENV", DefaultEnv),
		LogLevel:          getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:         getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:       os.Getenv("DATABASE_URL"),
		LedgerRPCURL:      os.Getenv("LEDGER_RPC_URL"),
		EscrowAccount:     getEnv("ESCROW_ACCOUNT", DefaultEscrowAccount),
		PlatformAccount:   getEnv("PLATFORM_ACCOUNT", DefaultPlatformAccount),
		SettlementToken:   getEnv("SETTLEMENT_TOKEN", DefaultSettlementToken),
		HistoryLimit:      int(getEnvInt64("HISTORY_LIMIT", DefaultHistoryLimit)),
		PlatformFeePct:    feePct,
		DeliveryAttempts:  int(getEnvInt64("DELIVERY_ATTEMPTS", DefaultDeliveryAttempts)),
		DeliveryBaseDelay: getEnvDuration("DELIVERY_BASE_DELAY", DefaultDeliveryBaseDelay),
		OperatorKey:       strings.TrimPrefix(os.Getenv("OPERATOR_KEY"), "0x"),
		CustodianURL:      os.Getenv("CUSTODIAN_URL"),
		BreakerThreshold:  int(getEnvInt64("LEDGER_BREAKER_THRESHOLD", DefaultBreakerThreshold)),
		BreakerCooldown:   getEnvDuration("LEDGER_BREAKER_COOLDOWN", DefaultBreakerCooldown),
		RateLimitRPM:      int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimitRPM)),
		TradeRateLimitRPM: int(getEnvInt64("TRADE_RATE_LIMIT_RPM", DefaultTradeRateLimitRPM)),
		OTLPEndpoint:      os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		SessionTokens:     parseSessionTokens(os.Getenv("SESSION_TOKENS")),
		AdminAccounts:     parseList(os.Getenv("ADMIN_ACCOUNTS")),
		CORSOrigins:       parseList(os.Getenv("CORS_ORIGINS")),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	for name, acct := range map[string]string{
		"ESCROW_ACCOUNT":   c.EscrowAccount,
		"PLATFORM_ACCOUNT": c.PlatformAccount,
		"SETTLEMENT_TOKEN": c.SettlementToken,
	} {
		if !accountIDRegex.MatchString(acct) {
			return fmt.Errorf("%s must look like shard.realm.num, got %q", name, acct)
		}
	}
	if c.EscrowAccount == c.PlatformAccount {
		return fmt.Errorf("ESCROW_ACCOUNT and PLATFORM_ACCOUNT must differ")
	}

	if c.PlatformFeePct.IsNegative() || c.PlatformFeePct.GreaterThan(decimal.NewFromInt(100)) {
		return fmt.Errorf("PLATFORM_FEE_PCT must be between 0 and 100")
	}

	if c.DeliveryAttempts < 1 {
		return fmt.Errorf("DELIVERY_ATTEMPTS must be at least 1")
	}
	if c.HistoryLimit < 1 {
		return fmt.Errorf("HISTORY_LIMIT must be at least 1")
	}

	// The operator key is only optional when everything runs in-process.
	if c.OperatorKey == "" {
		if c.IsProduction() || c.CustodianURL != "" {
			return fmt.Errorf("OPERATOR_KEY is required")
		}
	} else if len(c.OperatorKey) != 64 {
		return fmt.Errorf("OPERATOR_KEY must be 64 hex characters (with or without 0x prefix)")
	}

	for _, acct := range c.AdminAccounts {
		if !accountIDRegex.MatchString(acct) {
			return fmt.Errorf("ADMIN_ACCOUNTS entry %q must look like shard.realm.num", acct)
		}
	}

	if c.IsProduction() && c.LedgerRPCURL == "" {
		return fmt.Errorf("LEDGER_RPC_URL is required in production")
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

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil && d > 0 {
			return d
		}
	}
	return defaultValue
}

func parseSessionTokens(raw string) map[string]string {
	out := make(map[string]string)
	for _, pair := range strings.Split(raw, ",") {
		token, account, ok := strings.Cut(strings.TrimSpace(pair), ":")
		if !ok || token == "" || account == "" {
			continue
		}
		out[token] = account
	}
	return out
}

func parseList(raw string) []string {
	var out []string
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
