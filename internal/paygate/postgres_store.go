package paygate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// PostgresStore implements Store using PostgreSQL. The usage table's
// primary key on tx_ref makes Consume atomic across service instances.
type PostgresStore struct {
	db *sql.DB
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a PostgreSQL-backed paygate store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) RecordPayment(ctx context.Context, payment *SettledPayment) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO settled_payments (tx_ref, sender, recipient, amount, settled_at)
		VALUES ($1, $2, $3, $4::numeric, $5)
		ON CONFLICT (tx_ref) DO NOTHING
	`, payment.TxRef, payment.Sender, payment.Recipient, payment.Amount, payment.Timestamp)
	if err != nil {
		return fmt.Errorf("failed to record payment: %w", err)
	}
	return nil
}

func (p *PostgresStore) GetPayment(ctx context.Context, txRef string) (*SettledPayment, error) {
	var payment SettledPayment
	err := p.db.QueryRowContext(ctx, `
		SELECT tx_ref, sender, recipient, amount::text, settled_at
		FROM settled_payments WHERE tx_ref = $1
	`, txRef).Scan(&payment.TxRef, &payment.Sender, &payment.Recipient, &payment.Amount, &payment.Timestamp)
	if err == sql.ErrNoRows {
		return nil, ErrPaymentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get payment: %w", err)
	}
	return &payment, nil
}

func (p *PostgresStore) Consume(ctx context.Context, txRef, tool string, at time.Time) (bool, error) {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO payment_usages (tx_ref, tool, consumed_at)
		VALUES ($1, $2, $3)
	`, txRef, tool, at)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" { // unique_violation
			return false, nil
		}
		return false, fmt.Errorf("failed to consume payment: %w", err)
	}
	return true, nil
}

func (p *PostgresStore) RecordFailure(ctx context.Context, txRef, reason string) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE payment_usages SET failure_reason = $2 WHERE tx_ref = $1
	`, txRef, reason)
	if err != nil {
		return fmt.Errorf("failed to record usage failure: %w", err)
	}
	return nil
}
