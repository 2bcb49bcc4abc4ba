// Package noncestore provides one-time-use payment nonce tracking.
//
// Every payment authorization carries a fresh random nonce. A nonce is
// claimed before signing, confirmed after on-chain settlement succeeds,
// and released if settlement fails before confirmation. Confirmed nonces
// are never released, so a settled authorization can never be replayed
// within the retention window.
//
// State machine: absent -> pending -> {confirmed | absent}. Confirmed is
// terminal short of TTL eviction. TTL eviction bounds memory/storage
// growth, at the cost of a narrow replay window reopening for entries
// older than the TTL — acceptable because the facilitator contract keeps
// its own permanent nonce bookkeeping.
package noncestore

import (
	"context"
	"errors"
	"time"

	"github.com/mbd888/sessionpay/internal/idgen"
)

// Errors
var (
	ErrConflict = errors.New("noncestore: nonce already claimed")
)

// Status represents a nonce's lifecycle position.
type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
)

// DefaultTTL is how long records are retained before the sweep evicts
// them, regardless of status.
const DefaultTTL = 10 * time.Minute

// Record tracks one claimed nonce.
type Record struct {
	Nonce     string    `json:"nonce"`
	Payer     string    `json:"payer"`
	Status    Status    `json:"status"`
	ClaimedAt time.Time `json:"claimedAt"`
}

// Store is the replay-protection contract.
//
// The in-process MemoryStore is only safe for single-instance deployments;
// multi-instance services must share a RedisStore (or equivalent backend
// with atomic conditional writes) or the replay window reopens across
// instances.
type Store interface {
	// Claim atomically registers a nonce for a payer. Returns false if an
	// entry already exists for that nonce, regardless of status.
	Claim(ctx context.Context, nonce, payer string) (bool, error)

	// Confirm marks a pending nonce as settled. No-op if the nonce is
	// absent or already confirmed.
	Confirm(ctx context.Context, nonce string) error

	// Release removes a nonce only while it is still pending. Confirmed
	// entries are never released.
	Release(ctx context.Context, nonce string) error

	// IsClaimed reports whether any entry exists for the nonce.
	IsClaimed(ctx context.Context, nonce string) (bool, error)
}

// NewNonce mints a fresh high-entropy nonce (32 random bytes, hex).
func NewNonce() string {
	return idgen.Hex(32)
}
