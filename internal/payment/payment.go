// Package payment executes single pay-per-call settlements against the
// on-chain facilitator.
//
// A settlement draws funds from the session wallet: the engine checks the
// spend cap and on-chain balance, claims a fresh nonce, signs a typed-data
// payment authorization with the session key, submits it to the facilitator,
// and on confirmation credits the session's spent counter. The counter
// update is an atomic conditional increment in the store, so concurrent
// settlements on one session can never jointly overspend.
package payment

import (
	"errors"
	"time"
)

// Errors
var (
	ErrInsufficientBalance = errors.New("payment: session wallet balance below cost")
	ErrNonceConflict       = errors.New("payment: nonce already claimed")
	ErrInvalidRecipient    = errors.New("payment: invalid recipient address")
)

// DeadlineHorizon bounds how long a signed authorization stays valid.
const DeadlineHorizon = time.Hour

// SettleRequest is the HTTP payload for a settlement.
type SettleRequest struct {
	Amount    string `json:"amount" binding:"required"`
	Recipient string `json:"recipient" binding:"required"`
}

// Receipt reports a confirmed settlement.
type Receipt struct {
	SessionID string `json:"sessionId"`
	TxRef     string `json:"txRef"`
	Amount    string `json:"amount"`
	Spent     string `json:"spent"`
	Remaining string `json:"remaining"`
}
