package session

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/mbd888/sessionpay/internal/idgen"
	"github.com/mbd888/sessionpay/internal/keyvault"
	"github.com/mbd888/sessionpay/internal/metrics"
	"github.com/mbd888/sessionpay/internal/usdc"
)

// DefaultCeiling is the protocol-wide maxSpend ceiling: 10 USDC.
const DefaultCeiling = "10"

// Manager handles session lifecycle: create, lookup, deactivate.
type Manager struct {
	store   Store
	vault   keyvault.Vault
	ceiling *big.Int
	logger  *slog.Logger
}

// NewManager creates a session manager. ceiling is a USDC string; empty
// uses DefaultCeiling.
func NewManager(store Store, vault keyvault.Vault, ceiling string, logger *slog.Logger) (*Manager, error) {
	if ceiling == "" {
		ceiling = DefaultCeiling
	}
	ceilingBig, ok := usdc.Parse(ceiling)
	if !ok || ceilingBig.Sign() <= 0 {
		return nil, fmt.Errorf("invalid session ceiling %q", ceiling)
	}
	return &Manager{
		store:   store,
		vault:   vault,
		ceiling: ceilingBig,
		logger:  logger,
	}, nil
}

// Create mints a fresh session wallet for userAddress with the given
// spend cap. Any previously active session for that user is deactivated
// first, so at most one session per user is ever active. The caller funds
// the returned sessionAddress externally.
func (m *Manager) Create(ctx context.Context, userAddress, maxSpend string) (*Session, error) {
	userAddress, err := normalizeAddress(userAddress)
	if err != nil {
		return nil, err
	}

	maxBig, ok := usdc.Parse(maxSpend)
	if !ok || maxBig.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	// Ceiling check happens before any key material is minted.
	if maxBig.Cmp(m.ceiling) > 0 {
		return nil, ErrCeilingExceeded
	}

	closed, err := m.store.DeactivateAllForUser(ctx, userAddress)
	if err != nil {
		return nil, fmt.Errorf("deactivate prior sessions: %w", err)
	}
	if closed > 0 {
		metrics.ActiveSessions.Sub(float64(closed))
		m.logger.Info("deactivated prior sessions", "user", userAddress, "count", closed)
	}

	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("generate session key: %w", err)
	}
	sessionAddr := crypto.PubkeyToAddress(key.PublicKey)

	keyBytes := crypto.FromECDSA(key)
	enc, err := m.vault.Encrypt(keyBytes)
	keyvault.Zero(keyBytes)
	if err != nil {
		return nil, fmt.Errorf("encrypt session key: %w", err)
	}

	now := time.Now()
	s := &Session{
		ID:             idgen.WithPrefix("sess_"),
		UserAddress:    userAddress,
		SessionAddress: strings.ToLower(sessionAddr.Hex()),
		EncryptedKey:   enc,
		MaxSpend:       usdc.Format(maxBig),
		SpentAmount:    "0.000000",
		IsActive:       true,
		CreatedAt:      now,
		LastUsedAt:     now,
	}

	if err := m.store.Create(ctx, s); err != nil {
		return nil, fmt.Errorf("persist session: %w", err)
	}

	metrics.ActiveSessions.Inc()
	m.logger.Info("session created",
		"session", s.ID, "user", userAddress, "wallet", s.SessionAddress, "maxSpend", s.MaxSpend)
	return s, nil
}

// Get returns a session by ID, enforcing ownership.
func (m *Manager) Get(ctx context.Context, id, userAddress string) (*Session, error) {
	userAddress, err := normalizeAddress(userAddress)
	if err != nil {
		return nil, err
	}
	s, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if s.UserAddress != userAddress {
		return nil, ErrNotOwner
	}
	return s, nil
}

// GetActive returns the user's single active, non-exhausted session.
// A session that has spent its full cap is lazily deactivated here and
// treated as absent.
func (m *Manager) GetActive(ctx context.Context, userAddress string) (*Session, error) {
	userAddress, err := normalizeAddress(userAddress)
	if err != nil {
		return nil, err
	}
	s, err := m.store.GetActiveByUser(ctx, userAddress)
	if err != nil {
		return nil, err
	}

	spent, _ := usdc.Parse(s.SpentAmount)
	max, _ := usdc.Parse(s.MaxSpend)
	if spent != nil && max != nil && spent.Cmp(max) >= 0 {
		if err := m.store.Deactivate(ctx, s.ID); err != nil {
			m.logger.Warn("lazy deactivation failed", "session", s.ID, "error", err)
		} else {
			metrics.ActiveSessions.Dec()
		}
		return nil, ErrNotFound
	}
	return s, nil
}

// Deactivate closes a session owned by userAddress. Returns false when no
// matching active session exists (idempotent). Deactivation alone does
// not refund — funds stay in the ephemeral wallet until an explicit
// refund call.
func (m *Manager) Deactivate(ctx context.Context, id, userAddress string) (bool, error) {
	userAddress, err := normalizeAddress(userAddress)
	if err != nil {
		return false, err
	}
	s, err := m.store.Get(ctx, id)
	if err == ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if s.UserAddress != userAddress || !s.IsActive {
		return false, nil
	}
	if err := m.store.Deactivate(ctx, id); err != nil {
		return false, err
	}
	metrics.ActiveSessions.Dec()
	m.logger.Info("session deactivated", "session", id, "user", userAddress)
	return true, nil
}

// WithSigningKey decrypts the session's private key, invokes fn, and
// clears the plaintext buffer on every exit path. The key must not be
// retained beyond fn's scope.
func (m *Manager) WithSigningKey(s *Session, fn func(*ecdsa.PrivateKey) error) error {
	keyBytes, err := m.vault.Decrypt(s.EncryptedKey)
	if err != nil {
		return err
	}
	defer keyvault.Zero(keyBytes)

	key, err := crypto.ToECDSA(keyBytes)
	if err != nil {
		return fmt.Errorf("session: decode signing key: %w", err)
	}
	return fn(key)
}

func normalizeAddress(addr string) (string, error) {
	addr = strings.ToLower(strings.TrimSpace(addr))
	if !strings.HasPrefix(addr, "0x") || len(addr) != 42 {
		return "", ErrInvalidAddress
	}
	return addr, nil
}
