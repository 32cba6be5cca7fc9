package escrow

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/escrowd/internal/auth"
	"github.com/mbd888/escrowd/internal/validation"
)

// Handler provides HTTP endpoints for escrow operations.
type Handler struct {
	service *Service
}

// NewHandler creates a new escrow handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up public (read-only) escrow routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/escrow/:id", h.GetEscrow)
	r.GET("/escrow/:id/export", h.ExportEscrow)
	r.GET("/parties/:address/escrows", validation.AddressParamMiddleware(), h.ListEscrows)
	r.GET("/escrows/timed-out", h.ListTimedOut)
}

// RegisterProtectedRoutes sets up routes that act on behalf of the caller.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/escrow", h.CreateEscrow)
	r.POST("/escrow/:id/activate", h.Activate)
	r.POST("/escrow/:id/confirm", h.ConfirmDelivery)
	r.POST("/escrow/:id/refund", h.RequestRefund)
	r.POST("/escrow/:id/refund/approve", h.ApproveRefund)
	r.POST("/escrow/:id/timeout", h.TimeoutRelease)
}

// CreateEscrow handles POST /v1/escrow
func (h *Handler) CreateEscrow(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if errs := validation.Validate(
		validation.MaxLength("description", req.Description, validation.MaxStringLength),
		validation.MaxLength("terms", req.Terms, validation.MaxStringLength),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}
	req.Description = validation.SanitizeString(req.Description, validation.MaxStringLength)
	req.Terms = validation.SanitizeString(req.Terms, validation.MaxStringLength)

	escrow, err := h.service.Create(c.Request.Context(), auth.Caller(c), req)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"escrow": escrow})
}

// GetEscrow handles GET /v1/escrow/:id
func (h *Handler) GetEscrow(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}

	escrow, err := h.service.Get(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	meta, err := h.service.GetMetadata(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"escrow": escrow, "metadata": meta})
}

// ExportEscrow handles GET /v1/escrow/:id/export
func (h *Handler) ExportEscrow(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}

	record, err := h.service.Export(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, record)
}

// ListEscrows handles GET /v1/parties/:address/escrows
func (h *Handler) ListEscrows(c *gin.Context) {
	escrows, err := h.service.ListByParty(c.Request.Context(), c.Param("address"), parseLimit(c))
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"escrows": escrows,
		"count":   len(escrows),
	})
}

// ListTimedOut handles GET /v1/escrows/timed-out
func (h *Handler) ListTimedOut(c *gin.Context) {
	escrows, err := h.service.ListTimedOut(c.Request.Context(), parseLimit(c))
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"escrows": escrows,
		"count":   len(escrows),
	})
}

// Activate handles POST /v1/escrow/:id/activate
func (h *Handler) Activate(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}

	escrow, err := h.service.Activate(c.Request.Context(), id, auth.Caller(c))
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"escrow": escrow})
}

// ConfirmDelivery handles POST /v1/escrow/:id/confirm
func (h *Handler) ConfirmDelivery(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}

	result, err := h.service.ConfirmDelivery(c.Request.Context(), id, auth.Caller(c))
	if err != nil {
		writeError(c, err)
		return
	}

	status := "pending"
	if result.Settled {
		status = "settled"
	}
	c.JSON(http.StatusOK, gin.H{
		"escrow":  result.Escrow,
		"settled": result.Settled,
		"result":  status,
	})
}

// RequestRefund handles POST /v1/escrow/:id/refund
func (h *Handler) RequestRefund(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}

	var req RefundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "refundAmount must be a non-negative integer",
		})
		return
	}

	escrow, err := h.service.RequestRefund(c.Request.Context(), id, auth.Caller(c), req.RefundAmount)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"escrow": escrow})
}

// ApproveRefund handles POST /v1/escrow/:id/refund/approve
func (h *Handler) ApproveRefund(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}

	escrow, err := h.service.ApproveRefund(c.Request.Context(), id, auth.Caller(c))
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"escrow": escrow})
}

// TimeoutRelease handles POST /v1/escrow/:id/timeout
func (h *Handler) TimeoutRelease(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}

	escrow, err := h.service.TimeoutRelease(c.Request.Context(), id, auth.Caller(c))
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"escrow": escrow})
}

func parseID(c *gin.Context) (uint64, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "escrow id must be a positive integer",
		})
		return 0, false
	}
	return id, true
}

func parseLimit(c *gin.Context) int {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
			if limit > 200 {
				limit = 200
			}
		}
	}
	return limit
}

// errorLabel maps an error to its stable API code.
func errorLabel(err error) string {
	switch {
	case errors.Is(err, ErrEscrowNotFound):
		return "not_found"
	case errors.Is(err, ErrListingNotFound):
		return "listing_not_found"
	case errors.Is(err, ErrUnknownIdentity):
		return "unknown_identity"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrAlreadyConfirmed):
		return "already_confirmed"
	case errors.Is(err, ErrTimeoutNotReached):
		return "timeout_not_reached"
	case errors.Is(err, ErrInvalidState):
		return "invalid_state"
	case errors.Is(err, ErrInvalidAmount):
		return "invalid_amount"
	case errors.Is(err, ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, ErrReputationOverflow):
		return "reputation_overflow"
	case errors.Is(err, ErrClockUnavailable):
		return "clock_unavailable"
	case errors.Is(err, ErrSettlementAborted):
		return "settlement_aborted"
	default:
		return "internal_error"
	}
}

func statusFor(code string) int {
	switch code {
	case "not_found", "listing_not_found":
		return http.StatusNotFound
	case "unknown_identity", "unauthorized":
		return http.StatusForbidden
	case "already_confirmed", "timeout_not_reached", "invalid_state":
		return http.StatusConflict
	case "invalid_amount":
		return http.StatusBadRequest
	case "insufficient_funds":
		return http.StatusPaymentRequired
	case "reputation_overflow":
		return http.StatusUnprocessableEntity
	case "clock_unavailable", "settlement_aborted":
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(c *gin.Context, err error) {
	code := errorLabel(err)
	message := err.Error()
	if code == "internal_error" {
		message = "Escrow operation failed"
	}
	c.JSON(statusFor(code), gin.H{"error": code, "message": message})
}
