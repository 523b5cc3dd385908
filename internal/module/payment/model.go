package payment

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/iretipos/server/internal/module/payment/gateway"
)

// PaymentTransaction is the ledger row for one card payment. It is written by
// the synchronous creation path and mutated only by confirm/capture responses
// and webhook handlers. Financial record: never hard-deleted.
type PaymentTransaction struct {
	ID     uuid.UUID  `json:"id" gorm:"type:uuid;primaryKey;default:gen_random_uuid()"`
	SaleID *uuid.UUID `json:"sale_id,omitempty" gorm:"type:uuid;index"` // POS sale record, if linked

	// Amount is immutable after creation.
	Amount   decimal.Decimal `json:"amount" gorm:"type:numeric(10,2);not null"`
	Currency string          `json:"currency" gorm:"size:3;not null;default:USD"`
	Status   Status          `json:"status" gorm:"not null;default:pending;index:idx_payment_tx_status_created,priority:1"`

	// Processor mirror fields.
	ProcessorIntentID *string `json:"-" gorm:"uniqueIndex"`
	ClientSecret      string  `json:"-"`
	ProcessorStatus   string  `json:"processor_status,omitempty"`
	LastPaymentError  *string `json:"last_payment_error,omitempty"`

	FailureReason  *string          `json:"failure_reason,omitempty"`
	Metadata       gateway.Metadata `json:"metadata" gorm:"type:jsonb;serializer:json"`
	IdempotencyKey *string          `json:"-" gorm:"uniqueIndex"`
	ProcessedBy    *string          `json:"processed_by,omitempty"` // acting cashier, if any

	CreatedAt   time.Time  `json:"created_at" gorm:"index:idx_payment_tx_status_created,priority:2"`
	UpdatedAt   time.Time  `json:"updated_at"`
	ProcessedAt *time.Time `json:"processed_at,omitempty"` // set once, on first transition into succeeded

	Refunds []PaymentRefund `json:"-" gorm:"foreignKey:PaymentTransactionID"`
}

// TableName returns the database table name.
func (PaymentTransaction) TableName() string {
	return "payment_transactions"
}

// IsSucceeded returns true if the payment succeeded.
func (t *PaymentTransaction) IsSucceeded() bool {
	return t.Status == StatusSucceeded
}

// ReceiptNumber derives a stable human-readable receipt reference.
func (t *PaymentTransaction) ReceiptNumber() string {
	short := strings.ToUpper(strings.ReplaceAll(t.ID.String(), "-", ""))[:8]
	return fmt.Sprintf("R%s-%s", t.CreatedAt.Format("20060102"), short)
}

// PaymentRefund is the ledger row for one refund against a transaction.
type PaymentRefund struct {
	ID                   uuid.UUID `json:"id" gorm:"type:uuid;primaryKey;default:gen_random_uuid()"`
	PaymentTransactionID uuid.UUID `json:"payment_transaction_id" gorm:"type:uuid;not null;index:idx_payment_refund_tx_status,priority:1"`

	Amount   decimal.Decimal `json:"amount" gorm:"type:numeric(10,2);not null"`
	Currency string          `json:"currency" gorm:"size:3;not null"`
	Reason   RefundReason    `json:"reason" gorm:"size:50"`
	Status   RefundStatus    `json:"status" gorm:"not null;default:pending;index:idx_payment_refund_tx_status,priority:2"`

	ProcessorRefundID *string `json:"-" gorm:"uniqueIndex"`
	FailureReason     *string `json:"failure_reason,omitempty"`

	ProcessedBy  *string `json:"processed_by,omitempty"`  // acting cashier; nil for webhook-originated refunds
	AuthorizedBy *string `json:"authorized_by,omitempty"` // approving manager, if different
	Notes        *string `json:"notes,omitempty"`

	// NeedsReview marks a webhook-originated refund that violated the
	// refund-sum invariant: recorded for completeness, flagged for manual
	// reconciliation instead of being dropped.
	NeedsReview bool `json:"needs_review" gorm:"default:false"`

	Metadata       gateway.Metadata `json:"metadata" gorm:"type:jsonb;serializer:json"`
	IdempotencyKey *string          `json:"-" gorm:"uniqueIndex"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	ProcessedAt *time.Time `json:"processed_at,omitempty"`
}

// TableName returns the database table name.
func (PaymentRefund) TableName() string {
	return "payment_refunds"
}

// WebhookReceipt is the audit and deduplication record for one processor
// event. The unique event ID constraint is the source of truth for "have I
// started handling this"; rows are never deleted.
type WebhookReceipt struct {
	ID      uuid.UUID `gorm:"type:uuid;primaryKey;default:gen_random_uuid()"`
	EventID string    `gorm:"uniqueIndex;not null"`

	EventType       string `gorm:"not null;index:idx_webhook_receipt_type_processed,priority:1"`
	Processed       bool   `gorm:"default:false;index:idx_webhook_receipt_type_processed,priority:2"`
	ProcessingError *string
	Payload         []byte   `gorm:"type:jsonb"`
	Outcome         *Outcome `gorm:"type:jsonb;serializer:json"`

	CreatedAt   time.Time
	ProcessedAt *time.Time
}

// TableName returns the database table name.
func (WebhookReceipt) TableName() string {
	return "webhook_receipts"
}
