// Package refund sweeps leftover funds out of a session wallet when the
// session closes.
//
// Two independent sweeps run per refund: the stablecoin balance goes back
// through the facilitator (same path and accounting as payments), and the
// native gas-token balance minus a live-priced gas reserve goes back as a
// plain transfer. Each sweep is best-effort; one failing never blocks the
// other from being recorded.
package refund

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
	"github.com/mbd888/sessionpay/internal/payment"
	"github.com/mbd888/sessionpay/internal/session"
	"github.com/mbd888/sessionpay/internal/traces"
	"github.com/mbd888/sessionpay/internal/usdc"
)

// GasReserve parameters: a standard native transfer costs 21000 gas, and
// the reserve keeps 20% headroom over the live gas price so the sweep
// transaction itself can always be paid for.
const (
	reserveGasUnits          = 21000
	reserveHeadroomNumerator = 12 // x1.2
	reserveHeadroomDivisor   = 10
)

// Result reports what a refund swept, per asset. A zero amount with an
// empty error means the balance was already empty or below the reserve.
type Result struct {
	SessionID    string   `json:"sessionId"`
	StableAmount string   `json:"stableAmount"`           // USDC
	NativeAmount string   `json:"nativeAmount"`           // wei
	TxRefs       []string `json:"txRefs"`
	StableError  string   `json:"stableError,omitempty"`
	NativeError  string   `json:"nativeError,omitempty"`
}

// Engine executes refunds.
type Engine struct {
	sessions *session.Manager
	store    session.Store
	nonces   noncestore.Store
	gateway  chain.Gateway
	ledger   paygate.Store
	logger   *slog.Logger
}

// NewEngine creates a refund engine.
func NewEngine(sessions *session.Manager, store session.Store, nonces noncestore.Store, gateway chain.Gateway, logger *slog.Logger) *Engine {
	return &Engine{
		sessions: sessions,
		store:    store,
		nonces:   nonces,
		gateway:  gateway,
		logger:   logger,
	}
}

// WithLedger records stablecoin refund sweeps in the settled-payment
// ledger alongside regular settlements. The native sweep is a plain
// transfer, not a facilitator settlement, so it stays out of the ledger.
func (e *Engine) WithLedger(ledger paygate.Store) *Engine {
	e.ledger = ledger
	return e
}

// Refund sweeps the session wallet back to its owner and closes the
// session. Works on inactive sessions too, so funds stranded by a plain
// deactivation can still be recovered. The session is marked refunded even
// when both balances were already empty.
func (e *Engine) Refund(ctx context.Context, sessionID, userAddr string) (*Result, error) {
	ctx, span := traces.StartSpan(ctx, "refund.Refund",
		traces.SessionID(sessionID), traces.UserAddr(userAddr))
	defer span.End()

	s, err := e.sessions.Get(ctx, sessionID, userAddr)
	if err != nil {
		return nil, err
	}

	result := &Result{
		SessionID:    s.ID,
		StableAmount: "0.000000",
		NativeAmount: "0",
	}

	stableAmount, stableTx, stableErr := e.sweepStable(ctx, s)
	if stableErr != nil {
		result.StableError = stableErr.Error()
		metrics.RefundsTotal.WithLabelValues("stable", "failed").Inc()
		e.logger.Error("stablecoin sweep failed", "session", s.ID, "error", stableErr)
	} else if stableAmount.Sign() > 0 {
		result.StableAmount = usdc.Format(stableAmount)
		result.TxRefs = append(result.TxRefs, stableTx)
		metrics.RefundsTotal.WithLabelValues("stable", "swept").Inc()
		e.recordLedger(ctx, s, stableTx, stableAmount)
	} else {
		metrics.RefundsTotal.WithLabelValues("stable", "empty").Inc()
	}

	nativeAmount, nativeTx, nativeErr := e.sweepNative(ctx, s)
	if nativeErr != nil {
		result.NativeError = nativeErr.Error()
		metrics.RefundsTotal.WithLabelValues("native", "failed").Inc()
		e.logger.Error("native sweep failed", "session", s.ID, "error", nativeErr)
	} else if nativeAmount.Sign() > 0 {
		result.NativeAmount = nativeAmount.String()
		result.TxRefs = append(result.TxRefs, nativeTx)
		metrics.RefundsTotal.WithLabelValues("native", "swept").Inc()
	} else {
		metrics.RefundsTotal.WithLabelValues("native", "skipped").Inc()
	}

	record := &session.RefundRecord{
		StableAmount: result.StableAmount,
		NativeAmount: result.NativeAmount,
		TxRefs:       result.TxRefs,
		RefundedAt:   time.Now(),
	}
	if err := e.store.RecordRefund(context.WithoutCancel(ctx), s.ID, record); err != nil {
		return nil, fmt.Errorf("record refund: %w", err)
	}
	if s.IsActive {
		metrics.ActiveSessions.Dec()
	}

	e.logger.Info("session refunded",
		"session", s.ID, "stable", result.StableAmount, "native", result.NativeAmount,
		"txs", len(result.TxRefs))
	return result, nil
}

// recordLedger appends the stablecoin sweep to the settled-payment ledger.
// The row flows back to the owning user, so it can never satisfy the
// payment gate's recipient check; it exists for audit, like any other
// settlement row.
func (e *Engine) recordLedger(ctx context.Context, s *session.Session, txRef string, amount *big.Int) {
	if e.ledger == nil {
		return
	}
	err := e.ledger.RecordPayment(context.WithoutCancel(ctx), &paygate.SettledPayment{
		TxRef:     txRef,
		Sender:    s.UserAddress,
		Recipient: strings.ToLower(s.UserAddress),
		Amount:    usdc.Format(amount),
		Timestamp: time.Now(),
	})
	if err != nil {
		e.logger.Error("refund sweep not recorded in ledger",
			"session", s.ID, "tx", txRef, "error", err)
	}
}

// sweepStable moves the wallet's full stablecoin balance back to the user
// through the facilitator, under the same nonce discipline as a payment.
func (e *Engine) sweepStable(ctx context.Context, s *session.Session) (*big.Int, string, error) {
	owner := common.HexToAddress(s.SessionAddress)
	balance, err := e.gateway.StableBalance(ctx, owner)
	if err != nil {
		return nil, "", fmt.Errorf("read wallet balance: %w", err)
	}
	if balance.Sign() == 0 {
		return big.NewInt(0), "", nil
	}

	allowance, err := e.gateway.Allowance(ctx, owner)
	if err != nil {
		return nil, "", fmt.Errorf("read allowance: %w", err)
	}
	if allowance.Cmp(balance) < 0 {
		err = e.sessions.WithSigningKey(s, func(key *ecdsa.PrivateKey) error {
			_, approveErr := e.gateway.Approve(ctx, key, balance)
			return approveErr
		})
		if err != nil {
			return nil, "", fmt.Errorf("approve facilitator: %w", err)
		}
	}

	nonce := noncestore.NewNonce()
	claimed, err := e.nonces.Claim(ctx, nonce, s.SessionAddress)
	if err != nil {
		return nil, "", fmt.Errorf("claim nonce: %w", err)
	}
	if !claimed {
		return nil, "", payment.ErrNonceConflict
	}

	nonceBytes, err := chain.NonceBytes(nonce)
	if err != nil {
		e.releaseNonce(nonce)
		return nil, "", err
	}
	auth := &chain.Authorization{
		Owner:     owner,
		Recipient: common.HexToAddress(s.UserAddress),
		Value:     balance,
		Deadline:  big.NewInt(time.Now().Add(payment.DeadlineHorizon).Unix()),
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
		return nil, "", err
	}

	if err := e.nonces.Confirm(context.WithoutCancel(ctx), nonce); err != nil {
		e.logger.Error("nonce confirm failed after refund sweep",
			"session", s.ID, "tx", result.TxHash, "error", err)
	}
	return balance, result.TxHash, nil
}

// sweepNative transfers balance minus the gas reserve back to the user.
// The reserve is priced from a live fee estimate so the sweep transaction
// always has gas to run. A balance at or below the reserve is an explicit
// no-refund outcome, not an error.
func (e *Engine) sweepNative(ctx context.Context, s *session.Session) (*big.Int, string, error) {
	owner := common.HexToAddress(s.SessionAddress)
	balance, err := e.gateway.NativeBalance(ctx, owner)
	if err != nil {
		return nil, "", fmt.Errorf("read native balance: %w", err)
	}
	if balance.Sign() == 0 {
		return big.NewInt(0), "", nil
	}

	fee, err := e.gateway.EstimateFee(ctx)
	if err != nil {
		return nil, "", fmt.Errorf("estimate fee: %w", err)
	}
	reserve := GasReserve(fee.GasPrice)
	if balance.Cmp(reserve) <= 0 {
		return big.NewInt(0), "", nil
	}
	amount := new(big.Int).Sub(balance, reserve)

	var result *chain.SubmitResult
	err = e.sessions.WithSigningKey(s, func(key *ecdsa.PrivateKey) error {
		var txErr error
		result, txErr = e.gateway.TransferNative(ctx, key, common.HexToAddress(s.UserAddress), amount)
		return txErr
	})
	if err != nil {
		return nil, "", err
	}
	return amount, result.TxHash, nil
}

// GasReserve computes the native amount held back to pay for the sweep:
// 21000 gas at the live price with 20% headroom.
func GasReserve(gasPrice *big.Int) *big.Int {
	reserve := new(big.Int).Mul(gasPrice, big.NewInt(reserveGasUnits))
	reserve.Mul(reserve, big.NewInt(reserveHeadroomNumerator))
	return reserve.Div(reserve, big.NewInt(reserveHeadroomDivisor))
}

func (e *Engine) releaseNonce(nonce string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.nonces.Release(ctx, nonce); err != nil {
		e.logger.Warn("nonce release failed", "error", err)
	}
}
