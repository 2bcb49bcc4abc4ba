package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	validVaultKey = "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"
	validSecret   = "an-identity-secret-of-32-bytes!!"
)

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

func setRequiredEnv(t *testing.T) {
	t.Helper()
	setEnv(t, "VAULT_KEY", validVaultKey)
	setEnv(t, "IDENTITY_JWT_SECRET", validSecret)
	setEnv(t, "FACILITATOR_CONTRACT", "0x1111111111111111111111111111111111111111")
	setEnv(t, "PLATFORM_ADDRESS", "0x2222222222222222222222222222222222222222")
}

func TestLoad_WithValidConfig(t *testing.T) {
	setRequiredEnv(t)
	setEnv(t, "PORT", "9090")
	setEnv(t, "GATE_FRESHNESS", "2m")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, DefaultRPCURL, cfg.RPCURL)
	assert.Equal(t, int64(DefaultChainID), cfg.ChainID)
	assert.Equal(t, DefaultStableContract, cfg.StableContract)
	assert.Equal(t, DefaultSessionCeiling, cfg.SessionCeiling)
	assert.Equal(t, 2*time.Minute, cfg.GateFreshness)
	assert.Equal(t, DefaultNonceTTL, cfg.NonceTTL)
}

func TestLoad_MissingVaultKey(t *testing.T) {
	setRequiredEnv(t)
	setEnv(t, "VAULT_KEY", "")

	_, err := Load()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "VAULT_KEY")
}

func TestLoad_InvalidVaultKeyLength(t *testing.T) {
	setRequiredEnv(t)
	setEnv(t, "VAULT_KEY", "tooshort")

	_, err := Load()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "64 hex characters")
}

func TestConfig_Validate(t *testing.T) {
	valid := Config{
		VaultKey:            validVaultKey,
		IdentityJWTSecret:   validSecret,
		FacilitatorContract: "0x1111111111111111111111111111111111111111",
		PlatformAddress:     "0x2222222222222222222222222222222222222222",
		RPCURL:              "https://sepolia.base.org",
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "valid config", mutate: func(c *Config) {}, wantErr: ""},
		{name: "0x-prefixed vault key", mutate: func(c *Config) { c.VaultKey = "0x" + validVaultKey }, wantErr: ""},
		{name: "missing vault key", mutate: func(c *Config) { c.VaultKey = "" }, wantErr: "VAULT_KEY"},
		{name: "non-hex vault key", mutate: func(c *Config) { c.VaultKey = "zz" + validVaultKey[2:] }, wantErr: "64 hex characters"},
		{name: "short jwt secret", mutate: func(c *Config) { c.IdentityJWTSecret = "short" }, wantErr: "IDENTITY_JWT_SECRET"},
		{name: "missing facilitator", mutate: func(c *Config) { c.FacilitatorContract = "" }, wantErr: "FACILITATOR_CONTRACT"},
		{name: "missing platform address", mutate: func(c *Config) { c.PlatformAddress = "" }, wantErr: "PLATFORM_ADDRESS"},
		{name: "missing RPC URL", mutate: func(c *Config) { c.RPCURL = "" }, wantErr: "RPC_URL"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestConfig_IsDevelopment(t *testing.T) {
	cfg := &Config{Env: "development"}
	assert.True(t, cfg.IsDevelopment())
	assert.False(t, cfg.IsProduction())

	cfg.Env = "production"
	assert.False(t, cfg.IsDevelopment())
	assert.True(t, cfg.IsProduction())
}

func TestGetEnv(t *testing.T) {
	setEnv(t, "TEST_VAR", "custom_value")

	assert.Equal(t, "custom_value", getEnv("TEST_VAR", "default"))
	assert.Equal(t, "default", getEnv("NONEXISTENT_VAR", "default"))
}

func TestGetEnvInt64(t *testing.T) {
	setEnv(t, "TEST_INT", "42")
	setEnv(t, "TEST_INVALID", "not_a_number")

	assert.Equal(t, int64(42), getEnvInt64("TEST_INT", 0))
	assert.Equal(t, int64(99), getEnvInt64("NONEXISTENT_VAR", 99))
	assert.Equal(t, int64(99), getEnvInt64("TEST_INVALID", 99)) // Falls back on parse error
}

func TestGetEnvDuration(t *testing.T) {
	setEnv(t, "TEST_DUR", "45s")
	setEnv(t, "TEST_DUR_INVALID", "nope")

	assert.Equal(t, 45*time.Second, getEnvDuration("TEST_DUR", time.Minute))
	assert.Equal(t, time.Minute, getEnvDuration("NONEXISTENT_VAR", time.Minute))
	assert.Equal(t, time.Minute, getEnvDuration("TEST_DUR_INVALID", time.Minute))
}
