// Package config handles application configuration from environment variables
package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "json" or "text"

	// Storage
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)
	RedisURL    string // Redis for the shared nonce store (optional, uses in-memory if not set)

	// Blockchain settings
	RPCURL              string
	ChainID             int64
	StableContract      string // stablecoin (USDC) ERC-20 address
	FacilitatorContract string // settlement facilitator address

	// Payment settings
	SessionCeiling  string        // protocol maxSpend ceiling in USDC
	PlatformAddress string        // recipient every gated payment must name
	GateFreshness   time.Duration // settled-payment freshness window
	NonceTTL        time.Duration // nonce eviction window

	// Security
	VaultKey          string // hex-encoded 32-byte AES key for session key encryption
	IdentityJWTSecret string // HS256 signing secret for identity tokens

	// Observability
	OTLPEndpoint string // OTLP gRPC endpoint for traces (optional)
}

// Base Sepolia defaults
const (
	DefaultRPCURL         = "https://sepolia.base.org"
	DefaultChainID        = 84532                                        // Base Sepolia
	DefaultStableContract = "0x036CbD53842c5426634e7929541eC2318f3dCF7e" // Base Sepolia USDC
	DefaultPort           = "8080"
	DefaultEnv            = "development"
	DefaultLogLevel       = "info"
	DefaultSessionCeiling = "10"
	DefaultGateFreshness  = 300 * time.Second
	DefaultNonceTTL       = 10 * time.Minute
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                getEnv("PORT", DefaultPort),
		Env:                 getEnv("ENV", DefaultEnv),
		LogLevel:            getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:           getEnv("LOG_FORMAT", "text"),
		DatabaseURL:         os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		RedisURL:            os.Getenv("REDIS_URL"),    // Optional, uses in-memory if not set
		RPCURL:              getEnv("RPC_URL", DefaultRPCURL),
		ChainID:             getEnvInt64("CHAIN_ID", DefaultChainID),
		StableContract:      getEnv("STABLE_CONTRACT", DefaultStableContract),
		FacilitatorContract: os.Getenv("FACILITATOR_CONTRACT"), // Required, no default
		SessionCeiling:      getEnv("SESSION_CEILING", DefaultSessionCeiling),
		PlatformAddress:     os.Getenv("PLATFORM_ADDRESS"),
		GateFreshness:       getEnvDuration("GATE_FRESHNESS", DefaultGateFreshness),
		NonceTTL:            getEnvDuration("NONCE_TTL", DefaultNonceTTL),
		VaultKey:            os.Getenv("VAULT_KEY"),            // Required, no default
		IdentityJWTSecret:   os.Getenv("IDENTITY_JWT_SECRET"),  // Required, no default
		OTLPEndpoint:        os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	key := c.VaultKey
	if len(key) == 66 && key[:2] == "0x" {
		key = key[2:]
	}
	if raw, err := hex.DecodeString(key); err != nil || len(raw) != 32 {
		return fmt.Errorf("VAULT_KEY must be 64 hex characters (a 32-byte AES key)")
	}

	if len(c.IdentityJWTSecret) < 32 {
		return fmt.Errorf("IDENTITY_JWT_SECRET must be at least 32 characters")
	}

	if c.FacilitatorContract == "" {
		return fmt.Errorf("FACILITATOR_CONTRACT is required")
	}
	if c.PlatformAddress == "" {
		return fmt.Errorf("PLATFORM_ADDRESS is required")
	}
	if c.RPCURL == "" {
		return fmt.Errorf("RPC_URL is required")
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
