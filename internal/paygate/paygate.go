// Package paygate verifies settled on-chain payments before gated work
// runs.
//
// The gate is independent of the session lifecycle: callers present a
// bearer identity token plus a transaction reference, and the gate checks
// the referenced ledger row against caller identity, platform recipient,
// price, and freshness, then consumes it exactly once. Consumption is
// recorded before the gated handler runs, so a racing duplicate is
// rejected even when both requests arrive together.
package paygate

import (
	"errors"
	"time"
)

// Errors
var (
	ErrPaymentNotFound     = errors.New("paygate: payment not found in ledger")
	ErrPaymentStale        = errors.New("paygate: payment outside freshness window")
	ErrInsufficientPayment = errors.New("paygate: payment below required price")
	ErrSenderMismatch      = errors.New("paygate: payment sender is not the caller")
	ErrRecipientMismatch   = errors.New("paygate: payment recipient is not the platform")
	ErrAlreadyConsumed     = errors.New("paygate: payment already consumed")
)

// DefaultFreshness bounds how old a settled payment may be when presented.
const DefaultFreshness = 300 * time.Second

// SettledPayment is one row of the settled-payment ledger, written when a
// settlement confirms and read by the gate.
type SettledPayment struct {
	TxRef     string    `json:"txRef"`
	Sender    string    `json:"sender"`    // lowercase
	Recipient string    `json:"recipient"` // lowercase
	Amount    string    `json:"amount"`    // USDC
	Timestamp time.Time `json:"timestamp"`
}

// Usage marks a consumed payment. FailureReason is set when the gated
// handler failed after consumption; the payment stays consumed either way.
type Usage struct {
	TxRef         string    `json:"txRef"`
	Tool          string    `json:"tool"`
	ConsumedAt    time.Time `json:"consumedAt"`
	FailureReason string    `json:"failureReason,omitempty"`
}
