package payment

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/mbd888/sessionpay/internal/chain"
	"github.com/mbd888/sessionpay/internal/metrics"
	"github.com/mbd888/sessionpay/internal/noncestore"
	"github.com/mbd888/sessionpay/internal/paygate"
	"github.com/mbd888/sessionpay/internal/session"
	"github.com/mbd888/sessionpay/internal/traces"
	"github.com/mbd888/sessionpay/internal/usdc"
	"go.opentelemetry.io/otel/codes"
)

// Engine performs settlements. It owns no state of its own; everything
// flows through the session store, the nonce store, and the chain gateway.
type Engine struct {
	sessions *session.Manager
	store    session.Store
	nonces   noncestore.Store
	gateway  chain.Gateway
	ledger   paygate.Store
	logger   *slog.Logger
}

// NewEngine creates a payment engine.
func NewEngine(sessions *session.Manager, store session.Store, nonces noncestore.Store, gateway chain.Gateway, logger *slog.Logger) *Engine {
	return &Engine{
		sessions: sessions,
		store:    store,
		nonces:   nonces,
		gateway:  gateway,
		logger:   logger,
	}
}

// WithLedger makes confirmed settlements visible to the payment gate by
// appending them to the settled-payment ledger. The row's sender is the
// authenticated user, not the ephemeral wallet.
func (e *Engine) WithLedger(ledger paygate.Store) *Engine {
	e.ledger = ledger
	return e
}

// Settle executes one pay-per-call settlement from the session wallet to
// recipient. Preconditions fail fast, in order, before any key material is
// touched: ownership, active state, spend cap, on-chain balance, allowance.
//
// The nonce is claimed before signing and released on every failure path
// after the claim; a retry mints a fresh nonce rather than reusing one. The
// authoritative cap enforcement is the store's conditional increment after
// confirmation, so two settlements racing past the precheck still cannot
// jointly overspend the recorded counter.
func (e *Engine) Settle(ctx context.Context, sessionID, userAddr string, req SettleRequest) (*Receipt, error) {
	start := time.Now()

	ctx, span := traces.StartSpan(ctx, "payment.Settle",
		traces.SessionID(sessionID), traces.Amount(req.Amount))
	defer span.End()

	s, err := e.sessions.Get(ctx, sessionID, userAddr)
	if err != nil {
		metrics.SettlementsTotal.WithLabelValues("rejected").Inc()
		return nil, err
	}
	if !s.IsActive {
		metrics.SettlementsTotal.WithLabelValues("rejected").Inc()
		return nil, session.ErrInactive
	}

	cost, ok := usdc.Parse(req.Amount)
	if !ok || cost.Sign() <= 0 {
		metrics.SettlementsTotal.WithLabelValues("rejected").Inc()
		return nil, session.ErrInvalidAmount
	}
	if !common.IsHexAddress(req.Recipient) {
		metrics.SettlementsTotal.WithLabelValues("rejected").Inc()
		return nil, ErrInvalidRecipient
	}
	recipient := common.HexToAddress(req.Recipient)

	// Cheap cap precheck. The conditional increment after settlement is
	// the authoritative guard.
	spent, _ := usdc.Parse(s.SpentAmount)
	maxSpend, _ := usdc.Parse(s.MaxSpend)
	if new(big.Int).Add(spent, cost).Cmp(maxSpend) > 0 {
		metrics.SettlementsTotal.WithLabelValues("cap_exceeded").Inc()
		return nil, session.ErrSpendCapExceeded
	}

	owner := common.HexToAddress(s.SessionAddress)
	balance, err := e.gateway.StableBalance(ctx, owner)
	if err != nil {
		metrics.SettlementsTotal.WithLabelValues("chain_error").Inc()
		return nil, fmt.Errorf("read wallet balance: %w", err)
	}
	if balance.Cmp(cost) < 0 {
		metrics.SettlementsTotal.WithLabelValues("insufficient_balance").Inc()
		return nil, ErrInsufficientBalance
	}

	if err := e.ensureAllowance(ctx, s, cost, maxSpend); err != nil {
		metrics.SettlementsTotal.WithLabelValues("chain_error").Inc()
		return nil, err
	}

	nonce := noncestore.NewNonce()
	claimed, err := e.nonces.Claim(ctx, nonce, s.SessionAddress)
	if err != nil {
		return nil, fmt.Errorf("claim nonce: %w", err)
	}
	if !claimed {
		metrics.SettlementsTotal.WithLabelValues("nonce_conflict").Inc()
		return nil, ErrNonceConflict
	}

	nonceBytes, err := chain.NonceBytes(nonce)
	if err != nil {
		e.releaseNonce(nonce)
		return nil, err
	}
	auth := &chain.Authorization{
		Owner:     owner,
		Recipient: recipient,
		Value:     cost,
		Deadline:  big.NewInt(time.Now().Add(DeadlineHorizon).Unix()),
		Nonce:     nonceBytes,
	}

	var result *chain.SubmitResult
	err = e.sessions.WithSigningKey(s, func(key *ecdsa.PrivateKey) error {
		sig, signErr := e.gateway.SignAuthorization(key, auth)
		if signErr != nil {
			return fmt.Errorf("sign authorization: %w", signErr)
		}
		var settleErr error
		result, settleErr = e.gateway.Settle(ctx, key, auth, sig)
		return settleErr
	})
	if err != nil {
		e.releaseNonce(nonce)
		span.RecordError(err)
		span.SetStatus(codes.Error, "on-chain settlement failed")
		metrics.SettlementsTotal.WithLabelValues("chain_error").Inc()
		return nil, err
	}
	span.SetAttributes(traces.TxRef(result.TxHash))

	if err := e.nonces.Confirm(context.WithoutCancel(ctx), nonce); err != nil {
		// Settlement is already on chain; the nonce stays pending until
		// TTL eviction. Log, never unwind.
		e.logger.Error("nonce confirm failed after settlement",
			"session", s.ID, "tx", result.TxHash, "error", err)
	}

	newSpent, err := e.store.AddSpent(context.WithoutCancel(ctx), s.ID, cost)
	if err != nil {
		// Funds moved but the counter update was refused (a concurrent
		// settlement won the cap). Surface the cap error; the tx ref is
		// logged for reconciliation.
		e.logger.Error("spend accounting refused after settlement",
			"session", s.ID, "tx", result.TxHash, "amount", req.Amount, "error", err)
		metrics.SettlementsTotal.WithLabelValues("cap_exceeded").Inc()
		return nil, err
	}

	if e.ledger != nil {
		ledgerErr := e.ledger.RecordPayment(context.WithoutCancel(ctx), &paygate.SettledPayment{
			TxRef:     result.TxHash,
			Sender:    s.UserAddress,
			Recipient: strings.ToLower(req.Recipient),
			Amount:    usdc.Format(cost),
			Timestamp: time.Now(),
		})
		if ledgerErr != nil {
			e.logger.Error("settled payment not recorded in ledger",
				"session", s.ID, "tx", result.TxHash, "error", ledgerErr)
		}
	}

	metrics.SettlementsTotal.WithLabelValues("confirmed").Inc()
	metrics.SettlementDuration.Observe(time.Since(start).Seconds())

	remaining := new(big.Int).Sub(maxSpend, newSpent)
	e.logger.Info("settlement confirmed",
		"session", s.ID, "tx", result.TxHash,
		"amount", usdc.Format(cost), "remaining", usdc.Format(remaining))

	return &Receipt{
		SessionID: s.ID,
		TxRef:     result.TxHash,
		Amount:    usdc.Format(cost),
		Spent:     usdc.Format(newSpent),
		Remaining: usdc.Format(remaining),
	}, nil
}

// ensureAllowance raises the facilitator's allowance to the session's full
// spend cap when it cannot cover cost. Happens at most once per session
// lifetime since total spend never exceeds the cap.
func (e *Engine) ensureAllowance(ctx context.Context, s *session.Session, cost, maxSpend *big.Int) error {
	owner := common.HexToAddress(s.SessionAddress)
	allowance, err := e.gateway.Allowance(ctx, owner)
	if err != nil {
		return fmt.Errorf("read allowance: %w", err)
	}
	if allowance.Cmp(cost) >= 0 {
		return nil
	}

	err = e.sessions.WithSigningKey(s, func(key *ecdsa.PrivateKey) error {
		result, approveErr := e.gateway.Approve(ctx, key, maxSpend)
		if approveErr != nil {
			return fmt.Errorf("approve facilitator: %w", approveErr)
		}
		e.logger.Info("facilitator approved", "session", s.ID, "tx", result.TxHash)
		return nil
	})
	return err
}

// releaseNonce best-effort releases a pending claim so the settlement can
// be retried with a fresh nonce.
func (e *Engine) releaseNonce(nonce string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.nonces.Release(ctx, nonce); err != nil {
		e.logger.Warn("nonce release failed", "error", err)
	}
}
