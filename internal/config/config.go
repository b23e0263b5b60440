// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"math/big"
	"os"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
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

	// Blockchain settings
	RPCURL         string // Optional, uses the simulated backend if not set
	ChainID        int64
	Network        string
	EscrowContract string
	EscrowOwner    string
	Treasury       string

	// Tier prices in wei
	BasicPrice      *big.Int
	PremiumPrice    *big.Int
	EnterprisePrice *big.Int

	// Payment settings
	PaymentExpiry    time.Duration
	RefundWindow     time.Duration
	MinConfirmations uint64

	// Generation service
	GenerationURL    string
	GenerationAPIKey string

	// Security
	WebhookSecret string
	AdminSecret   string
	RateLimitRPS  int

	// Observability
	OTLPEndpoint string
}

// Base Sepolia defaults
const (
	DefaultChainID         = 84532 // Base Sepolia
	DefaultNetwork         = "base-sepolia"
	DefaultPort            = "8080"
	DefaultEnv             = "development"
	DefaultLogLevel        = "info"
	DefaultLogFormat       = "json"
	DefaultPaymentExpiry   = 30 * time.Minute
	DefaultRefundWindow    = 24 * time.Hour
	DefaultConfirmations   = 1
	DefaultRateLimit       = 100
	DefaultBasicPrice      = "5000000000000000"  // 0.005 ETH
	DefaultPremiumPrice    = "15000000000000000" // 0.015 ETH
	DefaultEnterprisePrice = "50000000000000000" // 0.05 ETH
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	basic, err := getEnvWei("BASIC_PRICE_WEI", DefaultBasicPrice)
	if err != nil {
		return nil, err
	}
	premium, err := getEnvWei("PREMIUM_PRICE_WEI", DefaultPremiumPrice)
	if err != nil {
		return nil, err
	}
	enterprise, err := getEnvWei("ENTERPRISE_PRICE_WEI", DefaultEnterprisePrice)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Port:             getEnv("PORT", DefaultPort),
		Env:              getEnv("ENV", DefaultEnv),
		LogLevel:         getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:        getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:      os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		RPCURL:           os.Getenv("RPC_URL"),      // Optional, simulated backend if not set
		ChainID:          getEnvInt64("CHAIN_ID", DefaultChainID),
		Network:          getEnv("NETWORK", DefaultNetwork),
		EscrowContract:   os.Getenv("ESCROW_CONTRACT"),
		EscrowOwner:      os.Getenv("ESCROW_OWNER"),
		Treasury:         os.Getenv("TREASURY_ADDRESS"),
		BasicPrice:       basic,
		PremiumPrice:     premium,
		EnterprisePrice:  enterprise,
		PaymentExpiry:    getEnvDuration("PAYMENT_EXPIRY", DefaultPaymentExpiry),
		RefundWindow:     getEnvDuration("REFUND_WINDOW", DefaultRefundWindow),
		MinConfirmations: uint64(getEnvInt64("MIN_CONFIRMATIONS", DefaultConfirmations)),
		GenerationURL:    os.Getenv("GENERATION_URL"),
		GenerationAPIKey: os.Getenv("GENERATION_API_KEY"),
		WebhookSecret:    os.Getenv("WEBHOOK_SECRET"),
		AdminSecret:      os.Getenv("ADMIN_SECRET"),
		RateLimitRPS:     int(getEnvInt64("RATE_LIMIT_RPS", int64(DefaultRateLimit))),
		OTLPEndpoint:     os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.EscrowContract == "" {
		return fmt.Errorf("ESCROW_CONTRACT is required")
	}
	if !common.IsHexAddress(c.EscrowContract) {
		return fmt.Errorf("ESCROW_CONTRACT must be a valid hex address")
	}
	if c.EscrowOwner != "" && !common.IsHexAddress(c.EscrowOwner) {
		return fmt.Errorf("ESCROW_OWNER must be a valid hex address")
	}
	if c.Treasury == "" {
		return fmt.Errorf("TREASURY_ADDRESS is required")
	}
	if !common.IsHexAddress(c.Treasury) {
		return fmt.Errorf("TREASURY_ADDRESS must be a valid hex address")
	}
	if c.WebhookSecret == "" {
		return fmt.Errorf("WEBHOOK_SECRET is required")
	}
	if c.BasicPrice.Sign() <= 0 || c.PremiumPrice.Sign() <= 0 || c.EnterprisePrice.Sign() <= 0 {
		return fmt.Errorf("tier prices must be positive")
	}
	if c.PaymentExpiry <= 0 {
		return fmt.Errorf("PAYMENT_EXPIRY must be positive")
	}
	if c.RefundWindow <= 0 {
		return fmt.Errorf("REFUND_WINDOW must be positive")
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
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvWei(key, defaultValue string) (*big.Int, error) {
	raw := getEnv(key, defaultValue)
	v, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		return nil, fmt.Errorf("%s must be a base-10 wei amount, got %q", key, raw)
	}
	return v, nil
}
