package refund

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/sessionpay/internal/session"
)

// Handler provides the HTTP refund endpoint.
type Handler struct {
	engine *Engine
}

// NewHandler creates a new refund handler.
func NewHandler(engine *Engine) *Handler {
	return &Handler{engine: engine}
}

// RegisterRoutes sets up the refund route (identity token auth required).
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/sessions/:id/refund", h.Refund)
}

// Refund handles POST /v1/sessions/:id/refund
//
// Partial outcomes return 200 with per-asset error fields; only a failure
// to locate or authorize the session is an HTTP error.
func (h *Handler) Refund(c *gin.Context) {
	id := c.Param("id")
	userAddr := c.GetString("authUserAddr")

	result, err := h.engine.Refund(c.Request.Context(), id, userAddr)
	if err != nil {
		status := http.StatusInternalServerError
		code := "refund_failed"
		switch {
		case errors.Is(err, session.ErrNotFound):
			status = http.StatusNotFound
			code = "not_found"
		case errors.Is(err, session.ErrNotOwner):
			status = http.StatusForbidden
			code = "forbidden"
		case errors.Is(err, session.ErrInvalidAddress):
			status = http.StatusBadRequest
			code = "invalid_address"
		}
		c.JSON(status, gin.H{"error": code, "message": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"refund": result})
}
