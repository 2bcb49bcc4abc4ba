package paygate

import (
	"context"
	"time"
)

// Store persists the settled-payment ledger and its usage markers.
//
// Consume is the replay guard: it must be atomic so that two concurrent
// calls for the same transaction reference admit exactly one.
type Store interface {
	// RecordPayment appends a settled payment to the ledger.
	RecordPayment(ctx context.Context, p *SettledPayment) error

	// GetPayment returns the ledger row, or ErrPaymentNotFound.
	GetPayment(ctx context.Context, txRef string) (*SettledPayment, error)

	// Consume atomically marks txRef consumed for tool. Returns false when
	// a usage marker already exists for txRef, regardless of tool.
	Consume(ctx context.Context, txRef, tool string, at time.Time) (bool, error)

	// RecordFailure annotates an existing usage marker with the gated
	// handler's failure. The consumption itself is never rolled back.
	RecordFailure(ctx context.Context, txRef, reason string) error
}
