package ledger

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/escrowd/internal/auth"
	"github.com/mbd888/escrowd/internal/validation"
)

// Handler provides HTTP endpoints for ledger operations
type Handler struct {
	ledger *Ledger
	logger *slog.Logger
}

// NewHandler creates a new ledger handler
func NewHandler(ledger *Ledger, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{ledger: ledger, logger: logger}
}

// RegisterRoutes sets up public ledger routes
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/accounts/:address/balance", validation.AddressParamMiddleware(), h.GetBalance)
	r.GET("/accounts/:address/ledger", validation.AddressParamMiddleware(), h.GetHistory)
	r.GET("/custody", h.GetCustody)
}

// RegisterProtectedRoutes sets up routes acting for the caller.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/accounts/withdraw", h.Withdraw)
}

// RegisterAdminRoutes sets up admin-only ledger routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/admin/deposits", h.RecordDeposit)
	r.GET("/admin/reconcile", h.Reconcile)
}

// GetBalance handles GET /accounts/:address/balance
func (h *Handler) GetBalance(c *gin.Context) {
	balance, err := h.ledger.GetBalance(c.Request.Context(), c.Param("address"))
	if err != nil {
		h.logger.Error("failed to read balance", "address", c.Param("address"), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "balance_error",
			"message": "Failed to retrieve balance",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"balance": balance})
}

// GetHistory handles GET /accounts/:address/ledger
func (h *Handler) GetHistory(c *gin.Context) {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= 200 {
			limit = parsed
		}
	}

	entries, err := h.ledger.GetHistory(c.Request.Context(), c.Param("address"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "ledger_error",
			"message": "Failed to retrieve ledger history",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"entries": entries,
		"count":   len(entries),
	})
}

// GetCustody handles GET /custody
func (h *Handler) GetCustody(c *gin.Context) {
	held, err := h.ledger.CustodyBalance(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "ledger_error",
			"message": "Failed to retrieve custody balance",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"custody": held})
}

const maxTxHashLength = 128

// DepositRequest for manual deposit recording (admin use)
type DepositRequest struct {
	Address string `json:"address"`
	Amount  uint64 `json:"amount"`
	TxHash  string `json:"txHash"`
}

// RecordDeposit handles POST /admin/deposits
func (h *Handler) RecordDeposit(c *gin.Context) {
	var req DepositRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if errs := validation.Validate(
		validation.Required("address", req.Address),
		validation.ValidAddress("address", req.Address),
		validation.PositiveAmount("amount", req.Amount),
		validation.MaxLength("txHash", req.TxHash, maxTxHashLength),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	err := h.ledger.Deposit(c.Request.Context(), req.Address, req.Amount, req.TxHash)
	switch {
	case errors.Is(err, ErrDuplicateDeposit):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "duplicate_deposit",
			"message": "Deposit already processed",
		})
		return
	case errors.Is(err, ErrOverflow):
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error":   "balance_overflow",
			"message": "Deposit would overflow the balance",
		})
		return
	case err != nil:
		h.logger.Error("failed to record deposit", "address", req.Address, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "deposit_error",
			"message": "Failed to record deposit",
		})
		return
	}

	h.logger.Info("deposit recorded", "address", req.Address, "amount", req.Amount, "txHash", req.TxHash)
	c.JSON(http.StatusCreated, gin.H{
		"status":  "credited",
		"message": "Deposit credited to account balance",
	})
}

// WithdrawRequest for withdrawal
type WithdrawRequest struct {
	Amount uint64 `json:"amount"`
	TxHash string `json:"txHash"`
}

// Withdraw handles POST /accounts/withdraw for the calling account.
func (h *Handler) Withdraw(c *gin.Context) {
	var req WithdrawRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if errs := validation.Validate(
		validation.PositiveAmount("amount", req.Amount),
		validation.MaxLength("txHash", req.TxHash, maxTxHashLength),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	caller := auth.Caller(c)
	err := h.ledger.Withdraw(c.Request.Context(), caller, req.Amount, req.TxHash)
	if errors.Is(err, ErrInsufficientBalance) {
		c.JSON(http.StatusPaymentRequired, gin.H{
			"error":   "insufficient_funds",
			"message": err.Error(),
		})
		return
	}
	if err != nil {
		h.logger.Error("failed to withdraw", "address", caller, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "withdraw_error",
			"message": "Failed to process withdrawal",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status": "withdrawn",
		"amount": req.Amount,
	})
}

// Reconcile handles GET /admin/reconcile
func (h *Handler) Reconcile(c *gin.Context) {
	report, err := h.ledger.Reconcile(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "reconciliation_error",
			"message": err.Error(),
		})
		return
	}
	if !report.Balanced {
		h.logger.Error("CRITICAL: ledger does not balance",
			"deposits", report.Totals.Deposits,
			"withdrawals", report.Totals.Withdrawals,
			"available", report.Totals.Available,
			"custody", report.Totals.Custody)
	}
	c.JSON(http.StatusOK, report)
}
