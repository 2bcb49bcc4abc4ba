// Package session owns the session-wallet lifecycle.
//
// A session is a pre-funded ephemeral wallet with a spend ceiling. The
// user funds it once, the payment engine draws it down one micropayment
// at a time, and the refund engine sweeps whatever is left when the
// session closes. Sessions are never deleted — closed rows stay as audit
// history.
package session

import (
	"errors"
	"time"

	"github.com/mbd888/sessionpay/internal/keyvault"
)

// Errors
var (
	ErrNotFound         = errors.New("session: not found")
	ErrInactive         = errors.New("session: inactive")
	ErrNotOwner         = errors.New("session: not owned by caller")
	ErrCeilingExceeded  = errors.New("session: maxSpend exceeds protocol ceiling")
	ErrSpendCapExceeded = errors.New("session: settlement would exceed maxSpend")
	ErrInvalidAmount    = errors.New("session: invalid amount")
	ErrInvalidAddress   = errors.New("session: invalid user address")
)

// Session is one session wallet. Amounts are USDC strings (6 decimals).
// The encrypted signing key never leaves the server.
type Session struct {
	ID             string                 `json:"id"`
	UserAddress    string                 `json:"userAddress"` // lowercase
	SessionAddress string                 `json:"sessionAddress"`
	EncryptedKey   *keyvault.EncryptedKey `json:"-"`
	MaxSpend       string                 `json:"maxSpend"`
	SpentAmount    string                 `json:"spentAmount"`
	IsActive       bool                   `json:"isActive"`
	CreatedAt      time.Time              `json:"createdAt"`
	LastUsedAt     time.Time              `json:"lastUsedAt"`

	// Refund outcome, populated when the refund engine closes the session.
	RefundedStable string     `json:"refundedStable,omitempty"`
	RefundedNative string     `json:"refundedNative,omitempty"` // wei
	RefundTxRefs   []string   `json:"refundTxRefs,omitempty"`
	RefundedAt     *time.Time `json:"refundedAt,omitempty"`
}

// RefundRecord carries the refund engine's results into the store.
type RefundRecord struct {
	StableAmount string // USDC, "0" when nothing swept
	NativeAmount string // wei, "0" when nothing swept
	TxRefs       []string
	RefundedAt   time.Time
}

// CreateRequest is the HTTP payload for session creation.
type CreateRequest struct {
	MaxSpend string `json:"maxSpend" binding:"required"`
}
