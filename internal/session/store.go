package session

import (
	"context"
	"math/big"
)

// Store persists session records.
//
// AddSpent is the single write path for spend accounting: the cap check
// and the increment happen in one atomic conditional update inside the
// store, never as a read-then-write pair in application code. Two
// concurrent settlements against the same session therefore cannot
// jointly overspend — one of them fails with ErrSpendCapExceeded.
type Store interface {
	Create(ctx context.Context, s *Session) error

	// Get returns the session regardless of active state.
	Get(ctx context.Context, id string) (*Session, error)

	// GetActiveByUser returns the user's single active session, or
	// ErrNotFound.
	GetActiveByUser(ctx context.Context, userAddr string) (*Session, error)

	// AddSpent atomically increments spentAmount by amount iff the session
	// is active and the result stays within maxSpend. Returns the new
	// spentAmount. Fails with ErrSpendCapExceeded when the increment would
	// breach the cap, ErrNotFound when no active row matches.
	AddSpent(ctx context.Context, id string, amount *big.Int) (*big.Int, error)

	// Deactivate flips isActive off. No-op (no error) if already inactive.
	Deactivate(ctx context.Context, id string) error

	// DeactivateAllForUser closes every active session owned by userAddr
	// and returns how many were closed.
	DeactivateAllForUser(ctx context.Context, userAddr string) (int, error)

	// RecordRefund stores refund results and deactivates the session.
	RecordRefund(ctx context.Context, id string, rec *RefundRecord) error
}
