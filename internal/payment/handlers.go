package payment

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/sessionpay/internal/chain"
	"github.com/mbd888/sessionpay/internal/session"
)

// Handler provides the HTTP settlement endpoint.
type Handler struct {
	engine *Engine
}

// NewHandler creates a new payment handler.
func NewHandler(engine *Engine) *Handler {
	return &Handler{engine: engine}
}

// RegisterRoutes sets up the payment route (identity token auth required).
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/sessions/:id/pay", h.Settle)
}

// Settle handles POST /v1/sessions/:id/pay
func (h *Handler) Settle(c *gin.Context) {
	var req SettleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body: amount and recipient are required",
		})
		return
	}

	sessionID := c.Param("id")
	userAddr := c.GetString("authUserAddr")

	receipt, err := h.engine.Settle(c.Request.Context(), sessionID, userAddr, req)
	if err != nil {
		status := http.StatusInternalServerError
		code := "settlement_failed"
		switch {
		case errors.Is(err, session.ErrNotFound):
			status = http.StatusNotFound
			code = "not_found"
		case errors.Is(err, session.ErrNotOwner):
			status = http.StatusForbidden
			code = "forbidden"
		case errors.Is(err, session.ErrInactive):
			status = http.StatusConflict
			code = "session_inactive"
		case errors.Is(err, session.ErrInvalidAmount):
			status = http.StatusBadRequest
			code = "invalid_amount"
		case errors.Is(err, ErrInvalidRecipient):
			status = http.StatusBadRequest
			code = "invalid_recipient"
		case errors.Is(err, session.ErrSpendCapExceeded):
			status = http.StatusPaymentRequired
			code = "spend_cap_exceeded"
		case errors.Is(err, ErrInsufficientBalance):
			status = http.StatusPaymentRequired
			code = "insufficient_balance"
		case errors.Is(err, ErrNonceConflict):
			status = http.StatusConflict
			code = "nonce_conflict"
		case errors.Is(err, chain.ErrTimeout):
			status = http.StatusGatewayTimeout
			code = "chain_timeout"
		case errors.Is(err, chain.ErrSubmission), errors.Is(err, chain.ErrRPCConnection):
			status = http.StatusBadGateway
			code = "chain_error"
		}
		c.JSON(status, gin.H{"error": code, "message": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"receipt": receipt})
}
