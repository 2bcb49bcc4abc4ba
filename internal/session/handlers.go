package session

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
)

// Handler provides HTTP endpoints for session lifecycle.
type Handler struct {
	manager *Manager
}

// NewHandler creates a new session handler.
func NewHandler(manager *Manager) *Handler {
	return &Handler{manager: manager}
}

// RegisterRoutes sets up session routes (identity token auth required).
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/sessions", h.CreateSession)
	r.GET("/sessions/active", h.GetActiveSession)
	r.GET("/sessions/:id", h.GetSession)
	r.DELETE("/sessions/:id", h.DeactivateSession)
}

// CreateSession handles POST /v1/sessions
func (h *Handler) CreateSession(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body: maxSpend is required",
		})
		return
	}

	userAddr := c.GetString("authUserAddr")

	s, err := h.manager.Create(c.Request.Context(), userAddr, req.MaxSpend)
	if err != nil {
		status := http.StatusInternalServerError
		code := "session_failed"
		switch {
		case errors.Is(err, ErrInvalidAmount):
			status = http.StatusBadRequest
			code = "invalid_amount"
		case errors.Is(err, ErrCeilingExceeded):
			status = http.StatusBadRequest
			code = "ceiling_exceeded"
		case errors.Is(err, ErrInvalidAddress):
			status = http.StatusBadRequest
			code = "invalid_address"
		}
		c.JSON(status, gin.H{"error": code, "message": err.Error()})
		return
	}

	// The caller funds session.sessionAddress before the first payment.
	c.JSON(http.StatusCreated, gin.H{"session": s})
}

// GetActiveSession handles GET /v1/sessions/active
func (h *Handler) GetActiveSession(c *gin.Context) {
	userAddr := c.GetString("authUserAddr")

	s, err := h.manager.GetActive(c.Request.Context(), userAddr)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "No active session"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"session": s})
}

// GetSession handles GET /v1/sessions/:id
func (h *Handler) GetSession(c *gin.Context) {
	id := c.Param("id")
	userAddr := c.GetString("authUserAddr")

	s, err := h.manager.Get(c.Request.Context(), id, userAddr)
	if err != nil {
		status := http.StatusInternalServerError
		code := "internal_error"
		switch {
		case errors.Is(err, ErrNotFound):
			status = http.StatusNotFound
			code = "not_found"
		case errors.Is(err, ErrNotOwner):
			status = http.StatusForbidden
			code = "forbidden"
		}
		c.JSON(status, gin.H{"error": code, "message": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"session": s})
}

// DeactivateSession handles DELETE /v1/sessions/:id
//
// Closing a session does not move funds. Call the refund endpoint to
// sweep the wallet back to the owner.
func (h *Handler) DeactivateSession(c *gin.Context) {
	id := c.Param("id")
	userAddr := c.GetString("authUserAddr")

	closed, err := h.manager.Deactivate(c.Request.Context(), id, userAddr)
	if err != nil {
		if errors.Is(err, ErrInvalidAddress) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_address", "message": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"deactivated": closed, "id": id})
}
