// Package auth issues and verifies bearer identity tokens.
//
// Authentication model:
// - A token binds one wallet address to a short-lived HS256 JWT
// - Every session, payment, and gated-tool endpoint requires one
// - Tokens are stateless; revocation is expiry-based
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Errors
var (
	ErrNoToken      = errors.New("auth: identity token required")
	ErrInvalidToken = errors.New("auth: invalid identity token")
	ErrExpiredToken = errors.New("auth: identity token expired")
	ErrBadAddress   = errors.New("auth: invalid wallet address")
)

// DefaultTTL is how long issued tokens stay valid.
const DefaultTTL = time.Hour

// Claims carries the authenticated wallet address.
type Claims struct {
	Address string `json:"addr"`
	jwt.RegisteredClaims
}

// Manager signs and verifies identity tokens.
type Manager struct {
	secret []byte
	ttl    time.Duration
}

// NewManager creates a token manager. The signing secret must be at least
// 32 bytes; zero ttl uses DefaultTTL.
func NewManager(secret string, ttl time.Duration) (*Manager, error) {
	if len(secret) < 32 {
		return nil, errors.New("auth: signing secret must be at least 32 bytes")
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Manager{secret: []byte(secret), ttl: ttl}, nil
}

// IssueToken mints a token for a wallet address.
func (m *Manager) IssueToken(address string) (string, time.Time, error) {
	address = strings.ToLower(strings.TrimSpace(address))
	if !strings.HasPrefix(address, "0x") || len(address) != 42 {
		return "", time.Time{}, ErrBadAddress
	}

	now := time.Now()
	expiresAt := now.Add(m.ttl)
	claims := Claims{
		Address: address,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "sessionpay",
			Subject:   address,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("auth: sign token: %w", err)
	}
	return token, expiresAt, nil
}

// VerifyToken validates a token and returns the wallet address it binds.
func (m *Manager) VerifyToken(tokenString string) (string, error) {
	var claims Claims
	token, err := jwt.ParseWithClaims(tokenString, &claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return m.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", ErrExpiredToken
		}
		return "", ErrInvalidToken
	}
	if !token.Valid || claims.Address == "" {
		return "", ErrInvalidToken
	}
	return strings.ToLower(claims.Address), nil
}
