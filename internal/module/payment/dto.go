package payment

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/iretipos/server/internal/module/payment/gateway"
)

// CreatePaymentRequest is the POS request to start a card payment.
type CreatePaymentRequest struct {
	Amount        decimal.Decimal  `json:"amount" binding:"required"`
	Currency      string           `json:"currency"`
	SaleID        *uuid.UUID       `json:"sale_id"`
	CaptureMethod string           `json:"capture_method"`
	Metadata      gateway.Metadata `json:"metadata"`
}

// CapturePaymentRequest optionally narrows the captured amount.
type CapturePaymentRequest struct {
	Amount *decimal.Decimal `json:"amount"`
}

// CreateRefundRequest is the POS request to refund a payment.
type CreateRefundRequest struct {
	Amount       *decimal.Decimal `json:"amount"` // nil refunds the remaining balance
	Reason       RefundReason     `json:"reason"`
	AuthorizedBy string           `json:"authorized_by"`
	Notes        string           `json:"notes"`
}

// CreateTerminalLocationRequest registers a store with the terminal service.
type CreateTerminalLocationRequest struct {
	DisplayName string          `json:"display_name" binding:"required"`
	Address     gateway.Address `json:"address" binding:"required"`
}

// ConnectionTokenRequest scopes a token to one terminal location.
type ConnectionTokenRequest struct {
	LocationID string `json:"location_id"`
}

// PaymentResponse is the API shape of a ledger transaction. The client
// secret is included only on creation, for the terminal confirmation step.
type PaymentResponse struct {
	ID              uuid.UUID        `json:"id"`
	SaleID          *uuid.UUID       `json:"sale_id,omitempty"`
	Amount          decimal.Decimal  `json:"amount"`
	Currency        string           `json:"currency"`
	Status          Status           `json:"status"`
	ProcessorStatus string           `json:"processor_status,omitempty"`
	ClientSecret    string           `json:"client_secret,omitempty"`
	FailureReason   *string          `json:"failure_reason,omitempty"`
	ReceiptNumber   string           `json:"receipt_number"`
	Metadata        gateway.Metadata `json:"metadata,omitempty"`
	CreatedAt       time.Time        `json:"created_at"`
	ProcessedAt     *time.Time       `json:"processed_at,omitempty"`
}

func toPaymentResponse(tx *PaymentTransaction, includeSecret bool) PaymentResponse {
	resp := PaymentResponse{
		ID:              tx.ID,
		SaleID:          tx.SaleID,
		Amount:          tx.Amount,
		Currency:        tx.Currency,
		Status:          tx.Status,
		ProcessorStatus: tx.ProcessorStatus,
		FailureReason:   tx.FailureReason,
		ReceiptNumber:   tx.ReceiptNumber(),
		Metadata:        tx.Metadata,
		CreatedAt:       tx.CreatedAt,
		ProcessedAt:     tx.ProcessedAt,
	}
	if includeSecret {
		resp.ClientSecret = tx.ClientSecret
	}
	return resp
}

// RefundResponse is the API shape of a ledger refund.
type RefundResponse struct {
	ID            uuid.UUID       `json:"id"`
	TransactionID uuid.UUID       `json:"transaction_id"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
	Reason        RefundReason    `json:"reason,omitempty"`
	Status        RefundStatus    `json:"status"`
	FailureReason *string         `json:"failure_reason,omitempty"`
	NeedsReview   bool            `json:"needs_review"`
	Notes         *string         `json:"notes,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	ProcessedAt   *time.Time      `json:"processed_at,omitempty"`
}

func toRefundResponse(ref *PaymentRefund) RefundResponse {
	return RefundResponse{
		ID:            ref.ID,
		TransactionID: ref.PaymentTransactionID,
		Amount:        ref.Amount,
		Currency:      ref.Currency,
		Reason:        ref.Reason,
		Status:        ref.Status,
		FailureReason: ref.FailureReason,
		NeedsReview:   ref.NeedsReview,
		Notes:         ref.Notes,
		CreatedAt:     ref.CreatedAt,
		ProcessedAt:   ref.ProcessedAt,
	}
}
