package paygate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/sessionpay/internal/metrics"
	"github.com/mbd888/sessionpay/internal/usdc"
)

// TxRefHeader carries the claimed transaction reference on gated requests.
const TxRefHeader = "X-Payment-TxRef"

// Gate verifies settled payments and consumes them exactly once.
type Gate struct {
	store     Store
	recipient string // platform address, lowercase
	freshness time.Duration
	logger    *slog.Logger
}

// NewGate creates a payment gate. recipient is the platform address every
// gated payment must name; zero freshness uses DefaultFreshness.
func NewGate(store Store, recipient string, freshness time.Duration, logger *slog.Logger) *Gate {
	if freshness <= 0 {
		freshness = DefaultFreshness
	}
	return &Gate{
		store:     store,
		recipient: strings.ToLower(recipient),
		freshness: freshness,
		logger:    logger,
	}
}

// Verify checks the referenced ledger row against the authenticated caller
// and price, without consuming it. Checks run in a fixed order and fail
// closed; each rejection is a distinct error.
func (g *Gate) Verify(ctx context.Context, callerAddr, txRef, price string) (*SettledPayment, error) {
	p, err := g.store.GetPayment(ctx, txRef)
	if err != nil {
		return nil, err
	}

	if !strings.EqualFold(p.Sender, callerAddr) {
		return nil, ErrSenderMismatch
	}
	if !strings.EqualFold(p.Recipient, g.recipient) {
		return nil, ErrRecipientMismatch
	}

	paid, ok := usdc.Parse(p.Amount)
	if !ok {
		return nil, fmt.Errorf("paygate: unparseable ledger amount %q", p.Amount)
	}
	want, ok := usdc.Parse(price)
	if !ok {
		return nil, fmt.Errorf("paygate: unparseable price %q", price)
	}
	if paid.Cmp(want) < 0 {
		return nil, ErrInsufficientPayment
	}

	if time.Since(p.Timestamp) > g.freshness {
		return nil, ErrPaymentStale
	}
	return p, nil
}

// Admit verifies and then consumes the payment in one step. The
// consumption marker is written before the caller's work runs; a racing
// duplicate admission for the same txRef loses with ErrAlreadyConsumed.
func (g *Gate) Admit(ctx context.Context, callerAddr, txRef, tool, price string) (*SettledPayment, error) {
	p, err := g.Verify(ctx, callerAddr, txRef, price)
	if err != nil {
		return nil, err
	}

	consumed, err := g.store.Consume(ctx, txRef, tool, time.Now())
	if err != nil {
		return nil, fmt.Errorf("paygate: consume: %w", err)
	}
	if !consumed {
		return nil, ErrAlreadyConsumed
	}
	return p, nil
}

// ReportFailure marks the consumed payment's usage with the gated
// handler's failure. The payment stays consumed; nothing is refunded.
func (g *Gate) ReportFailure(ctx context.Context, txRef, reason string) {
	if err := g.store.RecordFailure(ctx, txRef, reason); err != nil {
		g.logger.Warn("usage failure record failed", "tx", txRef, "error", err)
	}
}

// Middleware gates a route on a settled payment. priceFor maps the :tool
// route param to its price; unknown tools are rejected before any ledger
// read. Requires identity auth upstream (authUserAddr must be set).
func (g *Gate) Middleware(priceFor func(tool string) (string, bool)) gin.HandlerFunc {
	return func(c *gin.Context) {
		callerAddr := c.GetString("authUserAddr")
		if callerAddr == "" {
			metrics.GateDecisionsTotal.WithLabelValues("unauthenticated").Inc()
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Identity token required",
			})
			return
		}

		tool := c.Param("tool")
		price, known := priceFor(tool)
		if !known {
			metrics.GateDecisionsTotal.WithLabelValues("unknown_tool").Inc()
			c.AbortWithStatusJSON(http.StatusNotFound, gin.H{
				"error":   "unknown_tool",
				"message": "No such tool",
			})
			return
		}

		txRef := c.GetHeader(TxRefHeader)
		if txRef == "" {
			metrics.GateDecisionsTotal.WithLabelValues("no_payment").Inc()
			c.AbortWithStatusJSON(http.StatusPaymentRequired, gin.H{
				"error":   "payment_required",
				"message": TxRefHeader + " header required",
				"price":   price,
			})
			return
		}

		p, err := g.Admit(c.Request.Context(), callerAddr, txRef, tool, price)
		if err != nil {
			status, code := gateStatus(err)
			metrics.GateDecisionsTotal.WithLabelValues(code).Inc()
			c.AbortWithStatusJSON(status, gin.H{"error": code, "message": err.Error()})
			return
		}

		metrics.GateDecisionsTotal.WithLabelValues("admitted").Inc()
		c.Set("gatedTxRef", p.TxRef)
		c.Next()

		// Handler failure after consumption: keep the marker, annotate it.
		if len(c.Errors) > 0 || c.Writer.Status() >= http.StatusInternalServerError {
			reason := fmt.Sprintf("handler status %d", c.Writer.Status())
			if len(c.Errors) > 0 {
				reason = c.Errors.String()
			}
			g.ReportFailure(context.WithoutCancel(c.Request.Context()), p.TxRef, reason)
		}
	}
}

func gateStatus(err error) (int, string) {
	switch {
	case errors.Is(err, ErrPaymentNotFound):
		return http.StatusPaymentRequired, "payment_not_found"
	case errors.Is(err, ErrInsufficientPayment):
		return http.StatusPaymentRequired, "insufficient_payment"
	case errors.Is(err, ErrPaymentStale):
		return http.StatusPaymentRequired, "payment_stale"
	case errors.Is(err, ErrSenderMismatch):
		return http.StatusForbidden, "sender_mismatch"
	case errors.Is(err, ErrRecipientMismatch):
		return http.StatusForbidden, "recipient_mismatch"
	case errors.Is(err, ErrAlreadyConsumed):
		return http.StatusBadRequest, "payment_consumed"
	default:
		return http.StatusInternalServerError, "gate_error"
	}
}
