package payment

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/iretipos/server/internal/module/payment/gateway"
	"github.com/iretipos/server/internal/module/payment/money"
	"github.com/iretipos/server/internal/shared/middleware"
)

// Handler handles HTTP requests for payments.
type Handler struct {
	service *Service
}

// NewHandler creates a new payment handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes registers the payment routes. Refunds and terminal location
// registration require the manager role; everything else any signed-in
// cashier can do.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	payments := r.Group("/payments")
	{
		payments.POST("", h.CreatePayment)
		payments.GET("/:id", h.GetPayment)
		payments.POST("/:id/confirm", h.ConfirmPayment)
		payments.POST("/:id/capture", h.CapturePayment)
		payments.POST("/:id/cancel", h.CancelPayment)
		payments.POST("/:id/sync", h.SyncPayment)
		payments.GET("/:id/refunds", h.ListRefunds)
		payments.POST("/:id/refunds", middleware.RequireRole(middleware.RoleManager), h.CreateRefund)
	}
	terminal := r.Group("/terminal")
	{
		terminal.POST("/connection-token", h.ConnectionToken)
		terminal.POST("/locations", middleware.RequireRole(middleware.RoleManager), h.CreateTerminalLocation)
	}
}

// CreatePayment starts a card payment and returns the client secret the
// terminal needs to collect the card.
func (h *Handler) CreatePayment(c *gin.Context) {
	var req CreatePaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	tx, err := h.service.CreatePayment(c.Request.Context(), CreatePaymentInput{
		Amount:        req.Amount,
		Currency:      req.Currency,
		SaleID:        req.SaleID,
		CaptureMethod: req.CaptureMethod,
		Metadata:      req.Metadata,
		ProcessedBy:   middleware.UserID(c),
	})
	if err != nil {
		handlePaymentError(c, err)
		return
	}

	c.JSON(http.StatusCreated, toPaymentResponse(tx, true))
}

// GetPayment returns the ledger view of a payment.
func (h *Handler) GetPayment(c *gin.Context) {
	id, ok := paymentID(c)
	if !ok {
		return
	}
	tx, err := h.service.GetPayment(c.Request.Context(), id)
	if err != nil {
		handlePaymentError(c, err)
		return
	}
	c.JSON(http.StatusOK, toPaymentResponse(tx, false))
}

// ConfirmPayment confirms the payment with the processor.
func (h *Handler) ConfirmPayment(c *gin.Context) {
	id, ok := paymentID(c)
	if !ok {
		return
	}
	tx, err := h.service.ConfirmPayment(c.Request.Context(), id)
	if err != nil {
		handlePaymentError(c, err)
		return
	}
	c.JSON(http.StatusOK, toPaymentResponse(tx, false))
}

// CapturePayment captures an authorized payment, optionally for a smaller
// amount.
func (h *Handler) CapturePayment(c *gin.Context) {
	id, ok := paymentID(c)
	if !ok {
		return
	}
	var req CapturePaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil && c.Request.ContentLength > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	tx, err := h.service.CapturePayment(c.Request.Context(), id, req.Amount)
	if err != nil {
		handlePaymentError(c, err)
		return
	}
	c.JSON(http.StatusOK, toPaymentResponse(tx, false))
}

// CancelPayment cancels a payment that has not reached a terminal status.
func (h *Handler) CancelPayment(c *gin.Context) {
	id, ok := paymentID(c)
	if !ok {
		return
	}
	tx, err := h.service.CancelPayment(c.Request.Context(), id)
	if err != nil {
		handlePaymentError(c, err)
		return
	}
	c.JSON(http.StatusOK, toPaymentResponse(tx, false))
}

// SyncPayment re-reads the intent from the processor and reconciles the
// ledger row, for when a webhook was missed.
func (h *Handler) SyncPayment(c *gin.Context) {
	id, ok := paymentID(c)
	if !ok {
		return
	}
	tx, err := h.service.RetrievePayment(c.Request.Context(), id)
	if err != nil {
		handlePaymentError(c, err)
		return
	}
	c.JSON(http.StatusOK, toPaymentResponse(tx, false))
}

// CreateRefund refunds a payment. Manager role required.
func (h *Handler) CreateRefund(c *gin.Context) {
	id, ok := paymentID(c)
	if !ok {
		return
	}
	var req CreateRefundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	// Refunds only reach here past the manager gate, so when no explicit
	// authorizer is named the acting manager is the authorizer of record.
	authorizedBy := req.AuthorizedBy
	if authorizedBy == "" && middleware.UserRole(c).IsAtLeast(middleware.RoleManager) {
		authorizedBy = middleware.UserID(c)
	}

	ref, err := h.service.Refund(c.Request.Context(), RefundInput{
		TransactionID: id,
		Amount:        req.Amount,
		Reason:        req.Reason,
		ProcessedBy:   middleware.UserID(c),
		AuthorizedBy:  authorizedBy,
		Notes:         req.Notes,
	})
	if err != nil {
		handlePaymentError(c, err)
		return
	}
	c.JSON(http.StatusCreated, toRefundResponse(ref))
}

// ListRefunds returns the refunds against a payment and the remaining
// refundable balance.
func (h *Handler) ListRefunds(c *gin.Context) {
	id, ok := paymentID(c)
	if !ok {
		return
	}
	refunds, err := h.service.ListRefunds(c.Request.Context(), id)
	if err != nil {
		handlePaymentError(c, err)
		return
	}
	refundable, err := h.service.RefundableAmount(c.Request.Context(), id)
	if err != nil {
		handlePaymentError(c, err)
		return
	}

	out := make([]RefundResponse, 0, len(refunds))
	for _, ref := range refunds {
		out = append(out, toRefundResponse(ref))
	}
	c.JSON(http.StatusOK, gin.H{"refunds": out, "refundable": refundable})
}

// ConnectionToken issues a terminal connection token.
func (h *Handler) ConnectionToken(c *gin.Context) {
	var req ConnectionTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil && c.Request.ContentLength > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	token, err := h.service.ConnectionToken(c.Request.Context(), req.LocationID)
	if err != nil {
		handlePaymentError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"secret": token.Secret})
}

// CreateTerminalLocation registers a store location. Manager role required.
func (h *Handler) CreateTerminalLocation(c *gin.Context) {
	var req CreateTerminalLocationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	loc, err := h.service.RegisterTerminalLocation(c.Request.Context(), req.DisplayName, req.Address)
	if err != nil {
		handlePaymentError(c, err)
		return
	}
	c.JSON(http.StatusCreated, loc)
}

func paymentID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payment id"})
		return uuid.Nil, false
	}
	return id, true
}

// handlePaymentError maps service and processor errors onto HTTP statuses.
func handlePaymentError(c *gin.Context, err error) {
	var violation *InvariantViolation
	switch {
	case errors.Is(err, ErrTransactionNotFound), errors.Is(err, ErrRefundNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.As(err, &violation):
		c.JSON(http.StatusConflict, gin.H{"error": violation.Error()})
	case errors.Is(err, ErrStaleTransition):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, ErrNotRefundable),
		errors.Is(err, ErrInvalidReason),
		errors.Is(err, money.ErrInvalidAmount):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case gateway.IsNetworkError(err):
		c.JSON(http.StatusBadGateway, gin.H{"error": "payment processor unreachable"})
	default:
		if code, msg, ok := processorError(err); ok {
			c.JSON(code, gin.H{"error": msg})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

// processorError surfaces a 4xx from the processor as-is; anything else from
// the processor side becomes a 502.
func processorError(err error) (int, string, bool) {
	var apiErr *gateway.APIError
	var piErr *gateway.PaymentIntentError
	var rErr *gateway.RefundError
	var ctErr *gateway.ConnectionTokenError
	var tErr *gateway.TerminalError
	switch {
	case errors.As(err, &piErr):
		apiErr = &piErr.APIError
	case errors.As(err, &rErr):
		apiErr = &rErr.APIError
	case errors.As(err, &ctErr):
		apiErr = &ctErr.APIError
	case errors.As(err, &tErr):
		apiErr = &tErr.APIError
	default:
		return 0, "", false
	}
	if apiErr.StatusCode >= 400 && apiErr.StatusCode < 500 {
		return apiErr.StatusCode, apiErr.Message, true
	}
	return http.StatusBadGateway, "payment processor error", true
}
