package session

import (
	"context"
	"database/sql"
	"fmt"
	"math/big"

	"github.com/lib/pq"
	"github.com/mbd888/sessionpay/internal/keyvault"
	"github.com/mbd888/sessionpay/internal/usdc"
)

// PostgresStore implements Store using PostgreSQL. Spend accounting is a
// single conditional UPDATE so the cap holds under concurrent settlements
// across any number of service instances.
type PostgresStore struct {
	db *sql.DB
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a PostgreSQL-backed session store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, s *Session) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO sessions (
			id, user_address, session_address,
			encrypted_key, key_iv,
			max_spend, spent_amount, is_active,
			created_at, last_used_at
		) VALUES ($1, $2, $3, $4, $5, $6::numeric, $7::numeric, $8, $9, $10)
	`,
		s.ID,
		s.UserAddress,
		s.SessionAddress,
		s.EncryptedKey.Ciphertext,
		s.EncryptedKey.IV,
		s.MaxSpend,
		s.SpentAmount,
		s.IsActive,
		s.CreatedAt,
		s.LastUsedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

const sessionColumns = `
	id, user_address, session_address,
	encrypted_key, key_iv,
	max_spend::text, spent_amount::text, is_active,
	created_at, last_used_at,
	refunded_stable::text, refunded_native::text, refund_tx_refs, refunded_at`

func (p *PostgresStore) Get(ctx context.Context, id string) (*Session, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, id)
	return scanSession(row)
}

func (p *PostgresStore) GetActiveByUser(ctx context.Context, userAddr string) (*Session, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions
		 WHERE user_address = $1 AND is_active
		 ORDER BY created_at DESC LIMIT 1`, userAddr)
	return scanSession(row)
}

func (p *PostgresStore) AddSpent(ctx context.Context, id string, amount *big.Int) (*big.Int, error) {
	var newSpent string
	err := p.db.QueryRowContext(ctx, `
		UPDATE sessions
		SET spent_amount = spent_amount + $2::numeric, last_used_at = NOW()
		WHERE id = $1 AND is_active
		  AND spent_amount + $2::numeric <= max_spend
		RETURNING spent_amount::text
	`, id, usdc.Format(amount)).Scan(&newSpent)

	if err == sql.ErrNoRows {
		// Distinguish a cap breach from a missing/inactive session.
		var active bool
		checkErr := p.db.QueryRowContext(ctx,
			`SELECT is_active FROM sessions WHERE id = $1`, id).Scan(&active)
		if checkErr == sql.ErrNoRows || (checkErr == nil && !active) {
			return nil, ErrNotFound
		}
		if checkErr != nil {
			return nil, fmt.Errorf("failed to check session: %w", checkErr)
		}
		return nil, ErrSpendCapExceeded
	}
	if err != nil {
		return nil, fmt.Errorf("failed to add spend: %w", err)
	}

	spent, ok := usdc.Parse(newSpent)
	if !ok {
		return nil, fmt.Errorf("unparseable spent_amount %q", newSpent)
	}
	return spent, nil
}

func (p *PostgresStore) Deactivate(ctx context.Context, id string) error {
	_, err := p.db.ExecContext(ctx,
		`UPDATE sessions SET is_active = false WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to deactivate session: %w", err)
	}
	return nil
}

func (p *PostgresStore) DeactivateAllForUser(ctx context.Context, userAddr string) (int, error) {
	result, err := p.db.ExecContext(ctx,
		`UPDATE sessions SET is_active = false WHERE user_address = $1 AND is_active`, userAddr)
	if err != nil {
		return 0, fmt.Errorf("failed to deactivate user sessions: %w", err)
	}
	rows, _ := result.RowsAffected()
	return int(rows), nil
}

// RecordRefund accumulates onto any prior refund record: a retried refund
// re-sweeps balances the first pass already emptied, and must never erase
// the amounts and tx refs that pass persisted.
func (p *PostgresStore) RecordRefund(ctx context.Context, id string, rec *RefundRecord) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE sessions SET
			is_active = false,
			refunded_stable = COALESCE(refunded_stable, 0) + $2::numeric,
			refunded_native = COALESCE(refunded_native, 0) + $3::numeric,
			refund_tx_refs = COALESCE(refund_tx_refs, '{}'::text[]) || $4::text[],
			refunded_at = $5
		WHERE id = $1
	`, id, rec.StableAmount, rec.NativeAmount, pq.Array(rec.TxRefs), rec.RefundedAt)
	if err != nil {
		return fmt.Errorf("failed to record refund: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSession(row rowScanner) (*Session, error) {
	var s Session
	var ciphertext, iv string
	var refundedStable, refundedNative sql.NullString
	var refundedAt sql.NullTime
	var txRefs pq.StringArray

	err := row.Scan(
		&s.ID,
		&s.UserAddress,
		&s.SessionAddress,
		&ciphertext,
		&iv,
		&s.MaxSpend,
		&s.SpentAmount,
		&s.IsActive,
		&s.CreatedAt,
		&s.LastUsedAt,
		&refundedStable,
		&refundedNative,
		&txRefs,
		&refundedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan session: %w", err)
	}

	s.EncryptedKey = &keyvault.EncryptedKey{Ciphertext: ciphertext, IV: iv}
	s.RefundedStable = refundedStable.String
	s.RefundedNative = refundedNative.String
	s.RefundTxRefs = []string(txRefs)
	if refundedAt.Valid {
		t := refundedAt.Time
		s.RefundedAt = &t
	}
	return &s, nil
}
